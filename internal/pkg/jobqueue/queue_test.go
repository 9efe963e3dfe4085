package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := NewQueue(rdb, 2)
	q.retryBackoff = 0
	return q, mr
}

// TestNewQueue tests the queue constructor
func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.handlers)
			assert.False(t, queue.running)
		})
	}
}

func TestEnqueueAndProcess(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	var got *SendEmailJobPayload
	q.Register(JobTypeSendEmail, func(ctx context.Context, job *Job) error {
		p, err := SendEmailJobPayloadFromMap(job.Payload)
		got = p
		return err
	})

	job, err := q.EnqueueJob(ctx, JobTypeSendEmail, SendEmailJobPayload{To: "ops@fleet.test", Subject: "hi", Body: "<p>x</p>"}.ToMap())
	require.NoError(t, err)
	size, _ := q.GetQueueSize(ctx)
	assert.Equal(t, int64(1), size)

	processed, err := q.processNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	require.NotNil(t, got)
	assert.Equal(t, "ops@fleet.test", got.To)
	assert.Equal(t, "hi", got.Subject)
	assert.False(t, mr.Exists(JobKeyPrefix+job.ID), "completed jobs are removed")

	size, _ = q.GetQueueSize(ctx)
	assert.Zero(t, size)
	inFlight, _ := q.GetProcessingSize(ctx)
	assert.Zero(t, inFlight)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusPending])
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
}

func TestProcessNextOnEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)

	processed, err := q.processNext(context.Background())
	assert.False(t, processed)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestFailingJobIsRetriedUntilExhausted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	calls := 0
	q.Register(JobTypeSendEmail, func(ctx context.Context, job *Job) error {
		calls++
		return errors.New("smtp down")
	})
	job, err := q.EnqueueJob(ctx, JobTypeSendEmail, SendEmailJobPayload{To: "a@b.c"}.ToMap())
	require.NoError(t, err)

	for attempt := 1; attempt < DefaultMaxRetries; attempt++ {
		_, err := q.processNext(ctx)
		require.NoError(t, err)

		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusRetrying, stored.Status)
		assert.Equal(t, attempt, stored.RetryCount)
		assert.Equal(t, "smtp down", stored.ErrorMsg)

		assert.Eventually(t, func() bool {
			size, _ := q.GetQueueSize(ctx)
			return size == 1
		}, time.Second, 10*time.Millisecond)
	}

	_, err = q.processNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, calls)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)

	time.Sleep(50 * time.Millisecond)
	size, _ := q.GetQueueSize(ctx)
	assert.Zero(t, size, "exhausted jobs are not requeued")
	stats, _ := q.GetJobStats(ctx)
	assert.Equal(t, int64(1), stats[JobStatusFailed])
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Register(JobTypeSendEmail, func(ctx context.Context, job *Job) error {
		return ErrPermanent
	})
	job, err := q.EnqueueJob(ctx, JobTypeSendEmail, nil)
	require.NoError(t, err)

	_, err = q.processNext(ctx)
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestUnknownJobTypeFailsPermanently(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.EnqueueJob(ctx, JobType("nope"), nil)
	require.NoError(t, err)
	_, err = q.processNext(ctx)
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "unknown job type")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Register(JobTypeSendEmail, func(ctx context.Context, job *Job) error {
		panic("boom")
	})
	job, err := q.EnqueueJob(ctx, JobTypeSendEmail, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() { _, _ = q.processNext(ctx) })

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "panicked")
}

func TestEnqueueUniqueDeduplicates(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	q.Register(JobTypeWebhookReprocess, func(ctx context.Context, job *Job) error { return nil })

	first, err := q.EnqueueUnique(ctx, JobTypeWebhookReprocess, "webhook:1:1", nil)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "webhook:1:1", first.DedupKey)

	second, err := q.EnqueueUnique(ctx, JobTypeWebhookReprocess, "webhook:1:1", nil)
	require.NoError(t, err)
	assert.Nil(t, second)

	size, _ := q.GetQueueSize(ctx)
	assert.Equal(t, int64(1), size)

	_, err = q.processNext(ctx)
	require.NoError(t, err)
	assert.False(t, mr.Exists(JobDedupPrefix+"webhook:1:1"), "key released on completion")

	third, err := q.EnqueueUnique(ctx, JobTypeWebhookReprocess, "webhook:1:1", nil)
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestRecoverStuckRequeuesOldProcessingJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.EnqueueJob(ctx, JobTypeSendEmail, nil)
	require.NoError(t, err)
	dequeued, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, dequeued.ID)

	dequeued.MarkAsProcessing()
	old := time.Now().Add(-time.Hour)
	dequeued.ProcessedAt = &old
	q.updateJob(ctx, dequeued)

	n, err := q.recoverStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, _ := q.GetQueueSize(ctx)
	assert.Equal(t, int64(1), size)
	inFlight, _ := q.GetProcessingSize(ctx)
	assert.Zero(t, inFlight)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
}

func TestRecoverStuckLeavesFreshJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueJob(ctx, JobTypeSendEmail, nil)
	require.NoError(t, err)
	dequeued, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	dequeued.MarkAsProcessing()
	q.updateJob(ctx, dequeued)

	n, err := q.recoverStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	inFlight, _ := q.GetProcessingSize(ctx)
	assert.Equal(t, int64(1), inFlight)
}

func TestQueueStartStop(t *testing.T) {
	q, _ := newTestQueue(t)
	done := make(chan struct{}, 1)
	q.Register(JobTypeSendEmail, func(ctx context.Context, job *Job) error {
		done <- struct{}{}
		return nil
	})

	q.Start()
	q.Start() // no-op
	_, err := q.EnqueueJob(context.Background(), JobTypeSendEmail, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up the job")
	}
	q.Stop()
	assert.False(t, q.running)
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "billing:job:", JobKeyPrefix)
	assert.Equal(t, "billing:job_queue", JobQueueKey)
	assert.Equal(t, "billing:job_processing", JobProcessingKey)
	assert.Equal(t, "billing:job_stats", JobStatsKey)

	assert.Equal(t, 3, DefaultMaxRetries)
	assert.Equal(t, 24*time.Hour, JobTTL)
}
