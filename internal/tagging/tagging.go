// Package tagging attaches tags to conversations and fires the tag flow.
package tagging

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"wuzapi-autoflow/internal/broadcast"
	"wuzapi-autoflow/internal/flowengine"
	"wuzapi-autoflow/internal/models"
)

var ErrForeignTag = errors.New("tagging: tag belongs to another company")

type Store interface {
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	GetTag(ctx context.Context, id int64) (*models.Tag, error)
	AttachTag(ctx context.Context, conversationID, tagID int64) (bool, error)
}

// Trigger receives tag assignments. It must not block.
type Trigger interface {
	OnTagAssigned(ctx context.Context, ev flowengine.TagEvent)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, ev broadcast.Event) error
}

type Service struct {
	store       Store
	trigger     Trigger
	broadcaster Broadcaster
}

func NewService(store Store, trigger Trigger, broadcaster Broadcaster) *Service {
	if broadcaster == nil {
		broadcaster = broadcast.Nop{}
	}
	return &Service{store: store, trigger: trigger, broadcaster: broadcaster}
}

// Assign attaches tagID to the conversation and hands the assignment to the
// flow trigger. Re-assigning an attached tag fires the trigger again; the
// job queue suppresses same-day repeats. Only the write's error is returned.
func (s *Service) Assign(ctx context.Context, conversationID, tagID int64) (bool, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return false, err
	}
	if tag.CompanyID != conv.CompanyID {
		return false, fmt.Errorf("tag %d on conversation %d: %w", tagID, conversationID, ErrForeignTag)
	}
	added, err := s.store.AttachTag(ctx, conversationID, tagID)
	if err != nil {
		return false, err
	}

	s.trigger.OnTagAssigned(ctx, flowengine.TagEvent{
		ConversationID: conv.ID,
		TagID:          tag.ID,
		TagName:        tag.Name,
	})

	ev := broadcast.NewEvent(broadcast.TagAssigned, conv.CompanyID, conv.ID, map[string]interface{}{
		"tagId":   tag.ID,
		"tagName": tag.Name,
		"added":   added,
	})
	if err := s.broadcaster.Broadcast(ctx, ev); err != nil {
		log.Warn().Err(err).Int64("conversationID", conv.ID).Msg("Could not broadcast tag assignment")
	}

	log.Info().
		Int64("conversationID", conv.ID).
		Int64("tagID", tag.ID).
		Bool("added", added).
		Msg("Tag assigned")
	return added, nil
}
