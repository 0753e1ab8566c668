// Package jobqueue is the deduplicated outbound-flow job queue. Jobs are only
// deliverable inside a short trailing window after creation; older
// unprocessed jobs are abandoned and stay in the table as history.
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"wuzapi-autoflow/internal/models"
)

// DefaultWindow is how long a job stays claimable after creation.
const DefaultWindow = 2 * time.Minute

// DefaultBatchSize is the claimBatch limit used by the processor.
const DefaultBatchSize = 10

// NewJob is the input of Enqueue.
type NewJob struct {
	Message        string
	CompanyID      int64
	CompanyPhoneID int64
	ConversationID int64
	ContentHash    string
}

// Queue is the sqlx-backed job queue.
type Queue struct {
	db     *sqlx.DB
	window time.Duration
	now    func() time.Time
}

func New(db *sqlx.DB, window time.Duration) *Queue {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Queue{db: db, window: window, now: time.Now}
}

// Window reports the claim window.
func (q *Queue) Window() time.Duration { return q.window }

// Enqueue inserts job unless an unprocessed job with the same content hash
// exists. A suppressed duplicate is not an error. The existence check and the
// insert are separate statements, so concurrent enqueues of one hash can both
// insert; duplicate sends are tolerated.
func (q *Queue) Enqueue(ctx context.Context, job NewJob) error {
	var pending int
	err := q.db.GetContext(ctx, &pending, q.db.Rebind(
		`SELECT COUNT(*) FROM flow_queue WHERE content_hash = ? AND processed = ?`),
		job.ContentHash, false)
	if err != nil {
		return fmt.Errorf("check pending job %s: %w", job.ContentHash, err)
	}
	if pending > 0 {
		log.Debug().
			Str("contentHash", job.ContentHash).
			Int64("conversationID", job.ConversationID).
			Msg("Duplicate flow job suppressed")
		return nil
	}

	_, err = q.db.ExecContext(ctx, q.db.Rebind(
		`INSERT INTO flow_queue (message, company_id, company_phone_id, conversation_id, content_hash, processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		job.Message, job.CompanyID, job.CompanyPhoneID, job.ConversationID, job.ContentHash, false, q.now().UTC())
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ContentHash, err)
	}
	log.Info().
		Str("contentHash", job.ContentHash).
		Int64("companyID", job.CompanyID).
		Int64("conversationID", job.ConversationID).
		Msg("Flow job enqueued")
	return nil
}

// ClaimBatch returns up to limit unprocessed jobs created inside the window.
// No order is guaranteed.
func (q *Queue) ClaimBatch(ctx context.Context, limit int) ([]models.FlowJob, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	jobs := []models.FlowJob{}
	err := q.db.SelectContext(ctx, &jobs, q.db.Rebind(
		`SELECT * FROM flow_queue WHERE processed = ? AND created_at >= ? LIMIT ?`),
		false, q.cutoff(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

// MarkProcessed flags a job as processed. Unknown or already processed ids
// are a no-op.
func (q *Queue) MarkProcessed(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, q.db.Rebind(
		`UPDATE flow_queue SET processed = ? WHERE id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("mark job %d processed: %w", id, err)
	}
	return nil
}

// PendingCount counts the jobs ClaimBatch could still return.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.GetContext(ctx, &n, q.db.Rebind(
		`SELECT COUNT(*) FROM flow_queue WHERE processed = ? AND created_at >= ?`),
		false, q.cutoff())
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func (q *Queue) cutoff() time.Time {
	return q.now().UTC().Add(-q.window)
}
