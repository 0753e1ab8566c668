package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"wuzapi-autoflow/internal/broadcast"
	"wuzapi-autoflow/internal/metrics"
	"wuzapi-autoflow/internal/models"
)

var ErrNoTargets = errors.New("scheduled task has neither conversations nor phones")

type TagAssigner interface {
	Assign(ctx context.Context, conversationID, tagID int64) (bool, error)
}

type ConversationFinder interface {
	FindOrCreateByPhone(ctx context.Context, companyID, companyPhoneID int64, phone string) (*models.Conversation, error)
}

// PhoneValidator returns the canonical form of a phone number and whether it
// is acceptable.
type PhoneValidator interface {
	Canonical(raw string) (string, bool)
}

// ScheduledTaskRunner applies the tag of every due scheduled task to its
// targets. A task that fails is flagged with error and never retried.
type ScheduledTaskRunner struct {
	db               *gorm.DB
	tagger           TagAssigner
	convs            ConversationFinder
	phones           PhoneValidator
	channels         CredentialSource
	broadcaster      Broadcaster
	defaultCompanyID int64
	now              func() time.Time
}

func NewScheduledTaskRunner(db *gorm.DB, tagger TagAssigner, convs ConversationFinder, phones PhoneValidator, channels CredentialSource, broadcaster Broadcaster, defaultCompanyID int64) *ScheduledTaskRunner {
	if broadcaster == nil {
		broadcaster = broadcast.Nop{}
	}
	return &ScheduledTaskRunner{
		db:               db,
		tagger:           tagger,
		convs:            convs,
		phones:           phones,
		channels:         channels,
		broadcaster:      broadcaster,
		defaultCompanyID: defaultCompanyID,
		now:              time.Now,
	}
}

// Due returns the tasks that are neither processed nor failed and whose
// dispatch date, if any, has passed.
func (r *ScheduledTaskRunner) Due(ctx context.Context) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	err := r.db.WithContext(ctx).
		Where("processed = ? AND error = ?", false, false).
		Where("dispatch_date IS NULL OR dispatch_date <= ?", r.now().UTC()).
		Order("id").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("load due scheduled tasks: %w", err)
	}
	return tasks, nil
}

// Run processes every due task sequentially.
func (r *ScheduledTaskRunner) Run(ctx context.Context) error {
	tasks, err := r.Due(ctx)
	if err != nil {
		return err
	}
	for i := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.finish(ctx, &tasks[i], r.runTask(ctx, &tasks[i]))
	}
	return nil
}

func (r *ScheduledTaskRunner) runTask(ctx context.Context, task *models.ScheduledTask) error {
	ids, err := decodeList(task.Conversations)
	if err != nil {
		return fmt.Errorf("conversations: %w", err)
	}
	if len(ids) > 0 {
		for _, raw := range ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("conversation id %q: %w", raw, err)
			}
			if _, err := r.tagger.Assign(ctx, id, task.TagID); err != nil {
				return fmt.Errorf("tag conversation %d: %w", id, err)
			}
		}
		return nil
	}

	phones, err := decodeList(task.Phones)
	if err != nil {
		return fmt.Errorf("phones: %w", err)
	}
	if len(phones) == 0 {
		return ErrNoTargets
	}
	for _, raw := range phones {
		phone, ok := r.phones.Canonical(raw)
		if !ok {
			log.Warn().Int64("taskID", task.ID).Str("phone", raw).Msg("Skipping invalid phone number")
			continue
		}
		conv, err := r.convs.FindOrCreateByPhone(ctx, r.defaultCompanyID, task.CompanyPhoneID, phone)
		if err != nil {
			return fmt.Errorf("conversation for %s: %w", phone, err)
		}
		if _, err := r.tagger.Assign(ctx, conv.ID, task.TagID); err != nil {
			return fmt.Errorf("tag conversation %d: %w", conv.ID, err)
		}
	}
	return nil
}

func (r *ScheduledTaskRunner) finish(ctx context.Context, task *models.ScheduledTask, runErr error) {
	updates := map[string]interface{}{"processed": true}
	eventType := broadcast.ScheduledTaskProcessed
	data := map[string]interface{}{"taskId": task.ID, "tagId": task.TagID}
	if runErr != nil {
		updates = map[string]interface{}{"error": true, "error_detail": runErr.Error()}
		eventType = broadcast.ScheduledTaskFailed
		data["error"] = runErr.Error()
		metrics.ScheduledTasks.WithLabelValues("failed").Inc()
		log.Error().Err(runErr).Int64("taskID", task.ID).Msg("Scheduled task failed")
	} else {
		metrics.ScheduledTasks.WithLabelValues("processed").Inc()
		log.Info().Int64("taskID", task.ID).Int64("tagID", task.TagID).Msg("Scheduled task processed")
	}

	if err := r.db.WithContext(ctx).Model(task).Updates(updates).Error; err != nil {
		log.Error().Err(err).Int64("taskID", task.ID).Msg("Could not update scheduled task status")
		return
	}
	if err := r.broadcaster.Broadcast(ctx, broadcast.NewEvent(eventType, r.companyOf(ctx, task), 0, data)); err != nil {
		log.Warn().Err(err).Int64("taskID", task.ID).Msg("Could not broadcast scheduled task outcome")
	}
}

// companyOf is the company owning the task's channel, falling back to the
// default company when the channel cannot be resolved.
func (r *ScheduledTaskRunner) companyOf(ctx context.Context, task *models.ScheduledTask) int64 {
	if r.channels == nil {
		return r.defaultCompanyID
	}
	ch, err := r.channels.Lookup(ctx, task.CompanyPhoneID)
	if err != nil {
		log.Debug().Err(err).Int64("taskID", task.ID).Msg("Task channel unresolved, using default company")
		return r.defaultCompanyID
	}
	return ch.CompanyID
}

// decodeList reads a JSON array of strings or numbers.
func decodeList(raw datatypes.JSON) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var items []interface{}
	if err := dec.Decode(&items); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			out = append(out, v)
		case json.Number:
			out = append(out, v.String())
		default:
			return nil, fmt.Errorf("unexpected list item %v", it)
		}
	}
	return out, nil
}
