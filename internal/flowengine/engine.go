// Package flowengine decides which automated replies are due when a client
// message arrives or a tag is assigned, and enqueues them.
package flowengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"wuzapi-autoflow/internal/conversations"
	"wuzapi-autoflow/internal/flowgraph"
	"wuzapi-autoflow/internal/jobqueue"
	"wuzapi-autoflow/internal/metrics"
	"wuzapi-autoflow/internal/models"
)

// DefaultIdleWindow is how long a conversation must be quiet before a client
// message starts the flow over.
const DefaultIdleWindow = 24 * time.Hour

const tagTriggerTimeout = 30 * time.Second

// Trigger labels used in logs and metrics.
const (
	TriggerClientMessage = "client-message"
	TriggerButton        = "button"
	TriggerManual        = "manually"
	TriggerTag           = "tag"
)

// ConversationReader is the read side of the conversation store.
type ConversationReader interface {
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	GetConversationState(ctx context.Context, conversationID int64) (conversations.State, error)
	GetAnchorTemplateMessage(ctx context.Context, conversationID int64, contextMessageID string) (*conversations.Anchor, error)
}

type EdgeFinder interface {
	FindEdge(ctx context.Context, scope flowgraph.Scope, source, sourceHandle string) (*models.FlowEdge, error)
	FindEdges(ctx context.Context, scope flowgraph.Scope, source, sourceHandle string) ([]models.FlowEdge, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job jobqueue.NewJob) error
}

// InboundEvent describes a client message that has not been recorded yet.
type InboundEvent struct {
	ConversationID   int64
	MessageType      string
	ButtonPayload    string
	ContextMessageID string
}

// TagEvent describes a tag newly attached to a conversation.
type TagEvent struct {
	ConversationID int64
	TagID          int64
	TagName        string
}

type Options struct {
	IdleWindow time.Duration
	Workers    int
	Now        func() time.Time
}

type Engine struct {
	graph      EdgeFinder
	queue      Enqueuer
	convs      ConversationReader
	idleWindow time.Duration
	now        func() time.Time

	pool     *ants.Pool
	inflight sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

func New(graph EdgeFinder, queue Enqueuer, convs ConversationReader, opts Options) (*Engine, error) {
	if opts.IdleWindow <= 0 {
		opts.IdleWindow = DefaultIdleWindow
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("Recovered panic in tag trigger")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create tag trigger pool: %w", err)
	}
	return &Engine{
		graph:      graph,
		queue:      queue,
		convs:      convs,
		idleWindow: opts.IdleWindow,
		now:        opts.Now,
		pool:       pool,
	}, nil
}

// HandleInbound evaluates the flow for an inbound message. Failures are logged
// and never returned: the caller's write must not depend on automation.
func (e *Engine) HandleInbound(ctx context.Context, ev InboundEvent) {
	if err := e.decideInbound(ctx, ev); err != nil {
		log.Error().Err(err).
			Int64("conversationID", ev.ConversationID).
			Str("messageType", ev.MessageType).
			Msg("Flow decision failed")
	}
}

func (e *Engine) decideInbound(ctx context.Context, ev InboundEvent) error {
	conv, err := e.convs.GetConversation(ctx, ev.ConversationID)
	if err != nil {
		return err
	}
	st, err := e.convs.GetConversationState(ctx, ev.ConversationID)
	if err != nil {
		return err
	}
	scope := flowgraph.Scope{CompanyID: conv.CompanyID, CompanyPhoneID: conv.CompanyPhoneID}
	now := e.now()
	day := dayOf(now)

	state := Classify(st, now, e.idleWindow)
	log.Debug().
		Int64("conversationID", conv.ID).
		Stringer("state", state).
		Int("messages", st.MessageCount).
		Int("responses", st.ResponseCount).
		Msg("Conversation classified")

	if state != StateInFlow {
		metrics.Decisions.WithLabelValues(TriggerClientMessage).Inc()
		edge, err := e.graph.FindEdge(ctx, scope, models.TriggerClientMessage, "")
		if err != nil || edge == nil {
			return err
		}
		hash := jobqueue.ContentHash(edge.TemplateData, itoa(conv.CompanyID), itoa(conv.ID), day, itoa(conv.CompanyPhoneID))
		return e.enqueue(ctx, TriggerClientMessage, conv, edge.TemplateData, hash)
	}

	var trigger, handle string
	switch ev.MessageType {
	case models.TypeButton:
		trigger, handle = TriggerButton, stripSpaces(ev.ButtonPayload)
	case models.TypeText, models.TypeImage:
		trigger, handle = TriggerManual, models.HandleManually
	default:
		return nil
	}
	metrics.Decisions.WithLabelValues(trigger).Inc()

	anchor, err := e.convs.GetAnchorTemplateMessage(ctx, conv.ID, ev.ContextMessageID)
	if err != nil || anchor == nil {
		return err
	}
	edge, err := e.graph.FindEdge(ctx, scope, anchor.Name, handle)
	if err != nil || edge == nil {
		return err
	}
	hash := jobqueue.ContentHash("0", anchor.Name, itoa(conv.CompanyID), handle, itoa(conv.ID), day, itoa(conv.CompanyPhoneID))
	return e.enqueue(ctx, trigger, conv, edge.TemplateData, hash)
}

// OnTagAssigned evaluates tag-triggered edges on the worker pool and returns
// immediately. The work outlives ctx's cancellation.
func (e *Engine) OnTagAssigned(ctx context.Context, ev TagEvent) {
	detached := context.WithoutCancel(ctx)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		log.Warn().
			Int64("conversationID", ev.ConversationID).
			Int64("tagID", ev.TagID).
			Msg("Tag trigger dropped, engine closed")
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	err := e.pool.Submit(func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(detached, tagTriggerTimeout)
		defer cancel()
		if err := e.decideTag(ctx, ev); err != nil {
			log.Error().Err(err).
				Int64("conversationID", ev.ConversationID).
				Int64("tagID", ev.TagID).
				Msg("Tag flow decision failed")
		}
	})
	if err != nil {
		e.inflight.Done()
		log.Warn().Err(err).
			Int64("conversationID", ev.ConversationID).
			Int64("tagID", ev.TagID).
			Msg("Tag trigger dropped")
	}
}

func (e *Engine) decideTag(ctx context.Context, ev TagEvent) error {
	metrics.Decisions.WithLabelValues(TriggerTag).Inc()
	conv, err := e.convs.GetConversation(ctx, ev.ConversationID)
	if err != nil {
		return err
	}
	scope := flowgraph.Scope{CompanyID: conv.CompanyID, CompanyPhoneID: conv.CompanyPhoneID}
	source := TagSource(ev.TagID, ev.TagName)
	edges, err := e.graph.FindEdges(ctx, scope, source, "")
	if err != nil {
		return err
	}
	day := dayOf(e.now())
	var errs []error
	for _, edge := range edges {
		hash := jobqueue.ContentHash(itoa(edge.ID), edge.TemplateData, itoa(conv.CompanyID), itoa(conv.ID), day, itoa(conv.CompanyPhoneID))
		if err := e.enqueue(ctx, TriggerTag, conv, edge.TemplateData, hash); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) enqueue(ctx context.Context, trigger string, conv *models.Conversation, message, hash string) error {
	err := e.queue.Enqueue(ctx, jobqueue.NewJob{
		Message:        message,
		CompanyID:      conv.CompanyID,
		CompanyPhoneID: conv.CompanyPhoneID,
		ConversationID: conv.ID,
		ContentHash:    hash,
	})
	if err != nil {
		return err
	}
	metrics.JobsEnqueued.WithLabelValues(trigger).Inc()
	log.Debug().
		Str("trigger", trigger).
		Int64("conversationID", conv.ID).
		Msg("Flow edge fired")
	return nil
}

// Close stops accepting tag triggers, waits for in-flight ones and releases
// the pool. Calling it again is a no-op.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.inflight.Wait()
	e.pool.Release()
}

// TagSource is the edge source that fires when the tag is assigned.
func TagSource(tagID int64, tagName string) string {
	return strconv.FormatInt(tagID, 10) + "-" + tagName
}

// dayOf is the server-local calendar day, which caps re-triggering of one
// edge for one conversation at once a day.
func dayOf(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

func stripSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
