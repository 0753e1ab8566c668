package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-autoflow/internal/db/dbtest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	q := New(dbtest.Open(t).SQL, DefaultWindow)
	q.now = c.now
	return q, c
}

func job(hash string) NewJob {
	return NewJob{Message: `{"name":"welcome"}`, CompanyID: 1, CompanyPhoneID: 10, ConversationID: 100, ContentHash: hash}
}

func TestEnqueueSuppressesPendingDuplicate(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, job("h1")))
	require.NoError(t, q.Enqueue(ctx, job("h1")), "a suppressed duplicate is not an error")
	require.NoError(t, q.Enqueue(ctx, job("h2")))

	jobs, err := q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	hashes := []string{jobs[0].ContentHash, jobs[1].ContentHash}
	assert.ElementsMatch(t, []string{"h1", "h2"}, hashes)
}

func TestEnqueueAfterProcessedInsertsAgain(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, job("h1")))
	jobs, err := q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.MarkProcessed(ctx, jobs[0].ID))

	require.NoError(t, q.Enqueue(ctx, job("h1")))
	jobs, err = q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Processed)
}

func TestClaimBatchSkipsExpiredJobs(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, job("old")))
	c.advance(2*time.Minute + time.Second)
	require.NoError(t, q.Enqueue(ctx, job("fresh")))

	jobs, err := q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "fresh", jobs[0].ContentHash)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the expired job is abandoned but still blocks an identical enqueue
	require.NoError(t, q.Enqueue(ctx, job("old")))
	jobs, err = q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestClaimBatchRespectsLimit(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	for _, h := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(ctx, job(h)))
	}

	jobs, err := q.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	jobs, err = q.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 4, "non-positive limit falls back to the default batch size")
}

func TestMarkProcessedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	require.NoError(t, q.Enqueue(ctx, job("h1")))
	jobs, err := q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, q.MarkProcessed(ctx, jobs[0].ID))
	require.NoError(t, q.MarkProcessed(ctx, jobs[0].ID))
	require.NoError(t, q.MarkProcessed(ctx, 9999))

	jobs, err = q.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
