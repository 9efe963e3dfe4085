package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/billing"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRetrier struct {
	mock.Mock
}

func (m *mockRetrier) PendingRetries(ctx context.Context) ([]models.WebhookEvent, error) {
	args := m.Called(ctx)
	rows, _ := args.Get(0).([]models.WebhookEvent)
	return rows, args.Error(1)
}

func (m *mockRetrier) Reprocess(ctx context.Context, id uint) (*billing.IngestResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*billing.IngestResult)
	return res, args.Error(1)
}

func (m *mockRetrier) RecoverStale(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type mockSweeper struct {
	mock.Mock
}

func (m *mockSweeper) ExpireStaleOrders(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	args := m.Called(ctx, ttl, limit)
	return args.Int(0), args.Error(1)
}

func (m *mockSweeper) MarkOverdue(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)
	return args.Int(0), args.Error(1)
}

func failedRow(id uint, attempts int) models.WebhookEvent {
	row := models.WebhookEvent{Source: "razorpay", EventID: "evt_x", Status: models.WebhookStatusFailed, Attempts: attempts}
	row.ID = id
	return row
}

func TestRetryFailedWebhooksOnceDeduplicatesPerAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	retrier := &mockRetrier{}
	m := NewManager(q, DefaultManagerConfig(), retrier, nil, nil)
	ctx := context.Background()

	retrier.On("PendingRetries", mock.Anything).Return([]models.WebhookEvent{failedRow(1, 1), failedRow(2, 3)}, nil).Twice()
	n, err := m.RetryFailedWebhooksOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = m.RetryFailedWebhooksOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rows already queued for this attempt are skipped")

	retrier.On("PendingRetries", mock.Anything).Return([]models.WebhookEvent{failedRow(1, 2)}, nil).Once()
	n, err = m.RetryFailedWebhooksOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, _ := q.GetQueueSize(ctx)
	assert.Equal(t, int64(3), size)
}

func TestReprocessJobCallsIngestor(t *testing.T) {
	q, _ := newTestQueue(t)
	retrier := &mockRetrier{}
	NewManager(q, DefaultManagerConfig(), retrier, nil, nil)
	ctx := context.Background()

	retrier.On("Reprocess", mock.Anything, uint(7)).
		Return(&billing.IngestResult{Outcome: billing.IngestProcessed}, nil).Once()

	job, err := q.EnqueueJob(ctx, JobTypeWebhookReprocess, WebhookReprocessJobPayload{EventRowID: 7, Source: "razorpay", EventID: "evt_7"}.ToMap())
	require.NoError(t, err)
	_, err = q.processNext(ctx)
	require.NoError(t, err)

	retrier.AssertExpectations(t)
	_, err = q.GetJob(ctx, job.ID)
	assert.Error(t, err, "completed job removed")
}

func TestReprocessJobTreatsSettledRowsAsDone(t *testing.T) {
	for name, reprocessErr := range map[string]error{
		"conflict":  apperror.Conflict("webhook event 7 is PROCESSED"),
		"not found": apperror.NotFound("webhook event %d", 7),
	} {
		t.Run(name, func(t *testing.T) {
			q, _ := newTestQueue(t)
			retrier := &mockRetrier{}
			NewManager(q, DefaultManagerConfig(), retrier, nil, nil)
			ctx := context.Background()

			retrier.On("Reprocess", mock.Anything, uint(7)).Return(nil, reprocessErr).Once()
			_, err := q.EnqueueJob(ctx, JobTypeWebhookReprocess, WebhookReprocessJobPayload{EventRowID: 7}.ToMap())
			require.NoError(t, err)
			_, err = q.processNext(ctx)
			require.NoError(t, err)

			stats, _ := q.GetJobStats(ctx)
			assert.Equal(t, int64(1), stats[JobStatusCompleted])
		})
	}
}

func TestReprocessJobRetriesOnInternalError(t *testing.T) {
	q, _ := newTestQueue(t)
	retrier := &mockRetrier{}
	NewManager(q, DefaultManagerConfig(), retrier, nil, nil)
	ctx := context.Background()

	retrier.On("Reprocess", mock.Anything, uint(7)).Return(nil, apperror.Internal("db gone", errors.New("dial tcp"))).Once()
	job, err := q.EnqueueJob(ctx, JobTypeWebhookReprocess, WebhookReprocessJobPayload{EventRowID: 7}.ToMap())
	require.NoError(t, err)
	_, err = q.processNext(ctx)
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
}

func TestSweepsUseConfiguredLimits(t *testing.T) {
	q, _ := newTestQueue(t)
	sweeper := &mockSweeper{}
	cfg := DefaultManagerConfig()
	cfg.OrderTTL = 2 * time.Hour
	cfg.SweepBatch = 25
	m := NewManager(q, cfg, nil, sweeper, sweeper)
	ctx := context.Background()

	sweeper.On("ExpireStaleOrders", ctx, 2*time.Hour, 25).Return(4, nil).Once()
	sweeper.On("MarkOverdue", ctx, 25).Return(1, nil).Once()

	n, err := m.ExpireOrdersOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = m.MarkOverdueOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sweeper.AssertExpectations(t)
}

func TestManager_IsRunning(t *testing.T) {
	q, _ := newTestQueue(t)
	m := NewManager(q, DefaultManagerConfig(), nil, nil, nil)

	assert.False(t, m.IsRunning())
	m.Start()
	assert.True(t, m.IsRunning())
	m.Stop()
	assert.False(t, m.IsRunning())

	// restartable
	m.Start()
	assert.True(t, m.IsRunning())
	m.Stop()
}

func TestManager_StopWithoutStart(t *testing.T) {
	q, _ := newTestQueue(t)
	m := NewManager(q, DefaultManagerConfig(), nil, nil, nil)
	assert.NotPanics(t, m.Stop)
}

func TestManagerConfigFromEnv(t *testing.T) {
	prev := env.Env
	t.Cleanup(func() { env.Env = prev })

	env.Env = map[string]string{
		"JOBQUEUE_WORKERS":                "6",
		"JOBQUEUE_RETRY_INTERVAL_MINUTES": "1",
		"PAYMENT_ORDER_TTL_MINUTES":       "90",
	}
	cfg, err := ManagerConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, time.Minute, cfg.RetrySweepInterval)
	assert.Equal(t, 90*time.Minute, cfg.OrderTTL)
	assert.Equal(t, DefaultManagerConfig().SweepBatch, cfg.SweepBatch)

	env.Env = map[string]string{"JOBQUEUE_WORKERS": "0"}
	_, err = ManagerConfigFromEnv()
	assert.Error(t, err)
}
