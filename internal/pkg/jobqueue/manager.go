package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/billing"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/env"
)

// ManagerConfig controls the worker pool and the periodic sweeps.
type ManagerConfig struct {
	Workers              int           `validate:"min=1,max=64"`
	RetrySweepInterval   time.Duration `validate:"min=1s"`
	StaleSweepInterval   time.Duration `validate:"min=1s"`
	OrderSweepInterval   time.Duration `validate:"min=1s"`
	OverdueSweepInterval time.Duration `validate:"min=1s"`
	OrderTTL             time.Duration `validate:"min=1m"`
	SweepBatch           int           `validate:"min=1,max=1000"`
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Workers:              3,
		RetrySweepInterval:   2 * time.Minute,
		StaleSweepInterval:   5 * time.Minute,
		OrderSweepInterval:   15 * time.Minute,
		OverdueSweepInterval: time.Hour,
		OrderTTL:             24 * time.Hour,
		SweepBatch:           100,
	}
}

// ManagerConfigFromEnv reads the JOBQUEUE_* keys and PAYMENT_ORDER_TTL_MINUTES.
func ManagerConfigFromEnv() (ManagerConfig, error) {
	def := DefaultManagerConfig()
	minutes := func(key string, d time.Duration) time.Duration {
		return time.Duration(env.GetEnvInt(key, int(d/time.Minute))) * time.Minute
	}
	cfg := ManagerConfig{
		Workers:              env.GetEnvInt("JOBQUEUE_WORKERS", def.Workers),
		RetrySweepInterval:   minutes("JOBQUEUE_RETRY_INTERVAL_MINUTES", def.RetrySweepInterval),
		StaleSweepInterval:   minutes("JOBQUEUE_STALE_INTERVAL_MINUTES", def.StaleSweepInterval),
		OrderSweepInterval:   minutes("JOBQUEUE_ORDER_INTERVAL_MINUTES", def.OrderSweepInterval),
		OverdueSweepInterval: minutes("JOBQUEUE_OVERDUE_INTERVAL_MINUTES", def.OverdueSweepInterval),
		OrderTTL:             minutes("PAYMENT_ORDER_TTL_MINUTES", def.OrderTTL),
		SweepBatch:           env.GetEnvInt("JOBQUEUE_SWEEP_BATCH", def.SweepBatch),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return ManagerConfig{}, fmt.Errorf("invalid job queue config: %w", err)
	}
	return cfg, nil
}

// WebhookRetrier is the part of the webhook ingestor the sweeps drive.
type WebhookRetrier interface {
	PendingRetries(ctx context.Context) ([]models.WebhookEvent, error)
	Reprocess(ctx context.Context, id uint) (*billing.IngestResult, error)
	RecoverStale(ctx context.Context) (int, error)
}

type OrderExpirer interface {
	ExpireStaleOrders(ctx context.Context, ttl time.Duration, limit int) (int, error)
}

type OverdueMarker interface {
	MarkOverdue(ctx context.Context, limit int) (int, error)
}

// Manager owns the job queue and the background sweeps that feed it.
type Manager struct {
	queue    *Queue
	cfg      ManagerConfig
	webhooks WebhookRetrier
	orders   OrderExpirer
	invoices OverdueMarker
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewManager registers the webhook reprocess handler on queue. Any of the sweep
// targets may be nil, which disables that sweep.
func NewManager(queue *Queue, cfg ManagerConfig, webhooks WebhookRetrier, orders OrderExpirer, invoices OverdueMarker) *Manager {
	m := &Manager{
		queue:    queue,
		cfg:      cfg,
		webhooks: webhooks,
		orders:   orders,
		invoices: invoices,
	}
	if webhooks != nil {
		queue.Register(JobTypeWebhookReprocess, m.reprocessWebhook)
	}
	return m
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.webhooks != nil {
		m.every("webhook retry", m.cfg.RetrySweepInterval, m.RetryFailedWebhooksOnce)
		m.every("webhook recovery", m.cfg.StaleSweepInterval, m.webhooks.RecoverStale)
	}
	if m.orders != nil {
		m.every("order expiry", m.cfg.OrderSweepInterval, m.ExpireOrdersOnce)
	}
	if m.invoices != nil {
		m.every("invoice overdue", m.cfg.OverdueSweepInterval, m.MarkOverdueOnce)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	// Signal workers to stop
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) every(name string, interval time.Duration, run func(ctx context.Context) (int, error)) {
	stopCh := m.stopCh
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", name, interval)

		for {
			select {
			case <-stopCh:
				log.Infof("[JobQueue Manager] %s worker stopping", name)
				return
			case <-ticker.C:
				n, err := run(context.Background())
				if err != nil {
					log.Errorf("[JobQueue Manager] %s sweep: %v", name, err)
				} else if n > 0 {
					log.Infof("[JobQueue Manager] %s sweep touched %d row(s)", name, n)
				}
			}
		}
	}()
}

// RetryFailedWebhooksOnce enqueues a reprocess job for every FAILED webhook event with
// attempts left. A row already queued for its current attempt is skipped.
func (m *Manager) RetryFailedWebhooksOnce(ctx context.Context) (int, error) {
	rows, err := m.webhooks.PendingRetries(ctx)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, row := range rows {
		payload := WebhookReprocessJobPayload{EventRowID: row.ID, Source: row.Source, EventID: row.EventID}
		key := fmt.Sprintf("webhook:%d:%d", row.ID, row.Attempts)
		job, err := m.queue.EnqueueUnique(ctx, JobTypeWebhookReprocess, key, payload.ToMap())
		if err != nil {
			return enqueued, err
		}
		if job != nil {
			enqueued++
		}
	}
	return enqueued, nil
}

func (m *Manager) ExpireOrdersOnce(ctx context.Context) (int, error) {
	return m.orders.ExpireStaleOrders(ctx, m.cfg.OrderTTL, m.cfg.SweepBatch)
}

func (m *Manager) MarkOverdueOnce(ctx context.Context) (int, error) {
	return m.invoices.MarkOverdue(ctx, m.cfg.SweepBatch)
}

func (m *Manager) reprocessWebhook(ctx context.Context, job *Job) error {
	payload, err := WebhookReprocessJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: bad payload: %v", ErrPermanent, err)
	}
	result, err := m.webhooks.Reprocess(ctx, payload.EventRowID)
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) || errors.Is(err, apperror.ErrNotFound) {
			// Someone else settled the row.
			log.Infof("[JobQueue] webhook row %d not reprocessed: %s", payload.EventRowID, apperror.Message(err))
			return nil
		}
		return err
	}
	log.Infof("[JobQueue] webhook row %d (%s/%s) reprocessed: %s", payload.EventRowID, payload.Source, payload.EventID, result.Outcome)
	return nil
}
