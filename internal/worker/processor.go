package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"wuzapi-autoflow/internal/broadcast"
	"wuzapi-autoflow/internal/credentials"
	"wuzapi-autoflow/internal/jobqueue"
	"wuzapi-autoflow/internal/metrics"
	"wuzapi-autoflow/internal/models"
)

type JobQueue interface {
	ClaimBatch(ctx context.Context, limit int) ([]models.FlowJob, error)
	MarkProcessed(ctx context.Context, id int64) error
}

// MessagingGateway delivers a template to a phone on behalf of a channel.
type MessagingGateway interface {
	SendTemplate(ctx context.Context, template json.RawMessage, to string, channel credentials.Channel) (string, error)
}

type CredentialSource interface {
	Lookup(ctx context.Context, companyPhoneID int64) (credentials.Channel, error)
}

type ConversationStore interface {
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	RecordOutboundTemplate(ctx context.Context, conversationID int64, templateName, externalID string) (int64, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, ev broadcast.Event) error
}

var errInvalidTemplate = errors.New("job message is not a template object")

// JobProcessor drains the job queue. Every claimed job is delivered once and
// marked processed whatever the outcome; failed deliveries are not retried.
type JobProcessor struct {
	queue       JobQueue
	gateway     MessagingGateway
	creds       CredentialSource
	convs       ConversationStore
	broadcaster Broadcaster
	batchSize   int
}

func NewJobProcessor(queue JobQueue, gateway MessagingGateway, creds CredentialSource, convs ConversationStore, broadcaster Broadcaster, batchSize int) *JobProcessor {
	if batchSize <= 0 {
		batchSize = jobqueue.DefaultBatchSize
	}
	if broadcaster == nil {
		broadcaster = broadcast.Nop{}
	}
	return &JobProcessor{
		queue:       queue,
		gateway:     gateway,
		creds:       creds,
		convs:       convs,
		broadcaster: broadcaster,
		batchSize:   batchSize,
	}
}

// Run claims one batch and processes it sequentially.
func (p *JobProcessor) Run(ctx context.Context) error {
	jobs, err := p.queue.ClaimBatch(ctx, p.batchSize)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.process(ctx, job)
	}
	if len(jobs) > 0 {
		log.Info().Int("jobs", len(jobs)).Msg("Job batch processed")
	}
	return nil
}

func (p *JobProcessor) process(ctx context.Context, job models.FlowJob) {
	conv, messageID, err := p.deliver(ctx, job)

	if markErr := p.queue.MarkProcessed(ctx, job.ID); markErr != nil {
		log.Error().Err(markErr).Int64("jobID", job.ID).Msg("Could not mark job processed")
	}

	data := map[string]interface{}{"jobId": job.ID}
	eventType := broadcast.JobDelivered
	if err != nil {
		eventType = broadcast.JobFailed
		data["error"] = err.Error()
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
		log.Error().Err(err).
			Int64("jobID", job.ID).
			Int64("conversationID", job.ConversationID).
			Msg("Flow job delivery failed")
	} else {
		data["messageId"] = messageID
		metrics.JobsProcessed.WithLabelValues("delivered").Inc()
		log.Info().
			Int64("jobID", job.ID).
			Int64("conversationID", job.ConversationID).
			Str("messageID", messageID).
			Msg("Flow job delivered")
	}

	companyID := job.CompanyID
	if conv != nil {
		companyID = conv.CompanyID
	}
	if bErr := p.broadcaster.Broadcast(ctx, broadcast.NewEvent(eventType, companyID, job.ConversationID, data)); bErr != nil {
		log.Warn().Err(bErr).Int64("jobID", job.ID).Msg("Could not broadcast job outcome")
	}
}

func (p *JobProcessor) deliver(ctx context.Context, job models.FlowJob) (*models.Conversation, string, error) {
	var tmpl struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(job.Message), &tmpl); err != nil {
		return nil, "", fmt.Errorf("%w: %v", errInvalidTemplate, err)
	}

	conv, err := p.convs.GetConversation(ctx, job.ConversationID)
	if err != nil {
		return nil, "", err
	}
	phoneID := job.CompanyPhoneID
	if phoneID == 0 {
		phoneID = conv.CompanyPhoneID
	}
	channel, err := p.creds.Lookup(ctx, phoneID)
	if err != nil {
		return conv, "", err
	}

	messageID, err := p.gateway.SendTemplate(ctx, json.RawMessage(job.Message), conv.Phone, channel)
	if err != nil {
		return conv, "", err
	}
	if _, err := p.convs.RecordOutboundTemplate(ctx, conv.ID, tmpl.Name, messageID); err != nil {
		// The message went out; only the anchor for later replies is lost.
		log.Error().Err(err).Int64("jobID", job.ID).Str("messageID", messageID).Msg("Could not record outbound template")
	}
	return conv, messageID, nil
}
