// Package renewal runs the daily subscription lifecycle: expiry reminders, renewal
// invoicing, grace-period warnings and the final suspend-or-renew decision.
//
// A run is a sequence of independent phases. Every subscription is handled in isolation:
// an error or panic is logged and counted, and the batch moves on. Only one run may be
// active per process; running several processes against the same database is not safe and
// must be prevented by the deployment.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/app/repository"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/metrics"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/notification"
	"github.com/robfig/cron/v3"
)

const (
	PhaseReminder = "reminder"
	PhaseInvoice  = "invoice"
	PhaseGrace    = "grace"
	PhaseDecision = "decision"
)

// ContactDirectory resolves the billing contact of a company.
type ContactDirectory interface {
	FindByCompanyID(ctx context.Context, companyID uint) (*models.BillingContact, error)
}

// Invoicing is the invoice collaborator shared with the rest of billing.
type Invoicing interface {
	CreateInvoice(ctx context.Context, companyID, subscriptionID uint, amount int64) (*models.Invoice, error)
	FindUnpaidByCompany(ctx context.Context, companyID uint) ([]models.Invoice, error)
	HasInvoiceSince(ctx context.Context, subscriptionID uint, day time.Time) (bool, error)
}

type PhaseSummary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type RunSummary struct {
	Today      time.Time                `json:"today"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Phases     map[string]*PhaseSummary `json:"phases"`
}

type Status struct {
	Enabled            bool        `json:"enabled"`
	ReminderDaysBefore int         `json:"reminderDaysBefore"`
	GracePeriodDays    int         `json:"gracePeriodDays"`
	Schedule           string      `json:"schedule"`
	Running            bool        `json:"running"`
	LastRun            *RunSummary `json:"lastRun,omitempty"`
}

// ErrRunInProgress is returned by RunOnce while another run is active.
var ErrRunInProgress = apperror.Conflict("renewal run already in progress")

type Scheduler struct {
	cfg       Config
	subs      repository.SubscriptionRepository
	invoicing Invoicing
	contacts  ContactDirectory
	notifier  notification.Dispatcher
	metrics   metrics.Sink
	now       func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	lastRun *RunSummary
	cron    *cron.Cron
}

func NewScheduler(cfg Config, subs repository.SubscriptionRepository, invoicing Invoicing, contacts ContactDirectory, notifier notification.Dispatcher, sink metrics.Sink) *Scheduler {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultConfig().NotifyTimeout
	}
	return &Scheduler{
		cfg:       cfg,
		subs:      subs,
		invoicing: invoicing,
		contacts:  contacts,
		notifier:  notifier,
		metrics:   metrics.OrNoop(sink),
		now:       time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start schedules RunOnce on the configured cron expression (UTC). It is a no-op when disabled.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		log.Infof("[Renewal] scheduler disabled")
		return nil
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(context.Background(), s.now()); err != nil {
			log.Errorf("[Renewal] scheduled run failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule renewal run: %w", err)
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	log.Infof("[Renewal] scheduler started (schedule %q, reminder %dd, grace %dd)", s.cfg.Schedule, s.cfg.ReminderDaysBefore, s.cfg.GracePeriodDays)
	return nil
}

// Stop halts the timer and waits for a running job, or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		log.Infof("[Renewal] scheduler stopped")
	case <-ctx.Done():
		log.Warnf("[Renewal] scheduler stop timed out, a run may still be active")
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:            s.cfg.Enabled,
		ReminderDaysBefore: s.cfg.ReminderDaysBefore,
		GracePeriodDays:    s.cfg.GracePeriodDays,
		Schedule:           s.cfg.Schedule,
		Running:            s.running.Load(),
		LastRun:            s.lastRun,
	}
}

// RunOnce executes all phases for the calendar day of now.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (*RunSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	today := models.DateOf(now)
	summary := &RunSummary{
		Today:     today,
		StartedAt: s.now().UTC(),
		Phases:    make(map[string]*PhaseSummary, 4),
	}
	log.Infof("[Renewal] run for %s started", today.Format(time.DateOnly))

	phases := []struct {
		name string
		load func(context.Context, time.Time) ([]models.Subscription, error)
		fn   func(context.Context, time.Time, *models.Subscription) (bool, error)
	}{
		{PhaseReminder, s.dueForReminder, s.remind},
		{PhaseInvoice, s.dueForInvoice, s.invoice},
		{PhaseGrace, s.inGrace, s.warnGrace},
		{PhaseDecision, s.graceExhausted, s.decide},
	}
	for _, p := range phases {
		if ctx.Err() != nil {
			break
		}
		summary.Phases[p.name] = s.runPhase(ctx, p.name, today, p.load, p.fn)
	}

	summary.FinishedAt = s.now().UTC()
	s.metrics.ObserveRenewalRun(summary.FinishedAt.Sub(summary.StartedAt))
	s.mu.Lock()
	s.lastRun = summary
	s.mu.Unlock()

	log.Infof("[Renewal] run for %s finished in %s", today.Format(time.DateOnly), summary.FinishedAt.Sub(summary.StartedAt))
	return summary, ctx.Err()
}

// SendManualReminder sends the expiry reminder for one subscription right away.
func (s *Scheduler) SendManualReminder(ctx context.Context, subscriptionID uint) error {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	sent, err := s.remind(ctx, models.DateOf(s.now()), sub)
	if err != nil {
		return err
	}
	if !sent {
		return apperror.Validation(fmt.Sprintf("company %d has no billing e-mail", sub.CompanyID))
	}
	return nil
}

func (s *Scheduler) runPhase(
	ctx context.Context,
	phase string,
	today time.Time,
	load func(context.Context, time.Time) ([]models.Subscription, error),
	fn func(context.Context, time.Time, *models.Subscription) (bool, error),
) *PhaseSummary {
	res := &PhaseSummary{}
	subs, err := load(ctx, today)
	if err != nil {
		log.Errorf("[Renewal] %s phase: loading subscriptions failed: %v", phase, err)
		res.Failed++
		s.metrics.IncRenewal(phase, metrics.OutcomeError)
		return res
	}

	for i := range subs {
		if ctx.Err() != nil {
			break
		}
		done, err := s.handleOne(ctx, today, &subs[i], fn)
		switch {
		case err != nil:
			log.Errorf("[Renewal] %s phase: subscription %d (company %d): %v", phase, subs[i].ID, subs[i].CompanyID, err)
			res.Failed++
			s.metrics.IncRenewal(phase, metrics.OutcomeError)
		case done:
			res.Processed++
			s.metrics.IncRenewal(phase, metrics.OutcomeOK)
		default:
			res.Skipped++
			s.metrics.IncRenewal(phase, metrics.OutcomeSkipped)
		}
	}
	if len(subs) > 0 {
		log.Infof("[Renewal] %s phase: %d processed, %d skipped, %d failed", phase, res.Processed, res.Skipped, res.Failed)
	}
	return res
}

func (s *Scheduler) handleOne(ctx context.Context, today time.Time, sub *models.Subscription, fn func(context.Context, time.Time, *models.Subscription) (bool, error)) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, today, sub)
}

func (s *Scheduler) dueForReminder(ctx context.Context, today time.Time) ([]models.Subscription, error) {
	return s.subs.FindActiveEndingBetween(ctx, today, today.AddDate(0, 0, s.cfg.ReminderDaysBefore))
}

func (s *Scheduler) dueForInvoice(ctx context.Context, today time.Time) ([]models.Subscription, error) {
	subs, err := s.subs.FindActiveEndingOnOrBefore(ctx, today)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, sub := range subs {
		if sub.AutoRenew {
			out = append(out, sub)
		}
	}
	return out, nil
}

// inGrace covers end dates in [today-grace, today).
func (s *Scheduler) inGrace(ctx context.Context, today time.Time) ([]models.Subscription, error) {
	if s.cfg.GracePeriodDays == 0 {
		return nil, nil
	}
	return s.subs.FindActiveEndingBetween(ctx, today.AddDate(0, 0, -s.cfg.GracePeriodDays), today.AddDate(0, 0, -1))
}

// graceExhausted covers end dates before today-grace.
func (s *Scheduler) graceExhausted(ctx context.Context, today time.Time) ([]models.Subscription, error) {
	return s.subs.FindActiveEndingOnOrBefore(ctx, today.AddDate(0, 0, -s.cfg.GracePeriodDays-1))
}

func (s *Scheduler) remind(ctx context.Context, today time.Time, sub *models.Subscription) (bool, error) {
	contact, ok := s.contact(ctx, sub.CompanyID)
	if !ok {
		return false, nil
	}
	s.notify(ctx, "expiry reminder", sub, func(nctx context.Context) error {
		return s.notifier.SendExpiryReminder(nctx, notification.ExpiryReminder{
			Recipient:      recipient(contact),
			SubscriptionID: sub.ID,
			PlanType:       sub.PlanType,
			EndDate:        sub.EndDate,
			DaysRemaining:  sub.DaysUntilExpiry(today),
			RenewalAmount:  sub.Amount,
			AutoRenew:      sub.AutoRenew,
		})
	})
	return true, nil
}

// invoice issues the renewal invoice unless the current cycle is already billed.
func (s *Scheduler) invoice(ctx context.Context, today time.Time, sub *models.Subscription) (bool, error) {
	unpaid, err := s.invoicing.FindUnpaidByCompany(ctx, sub.CompanyID)
	if err != nil {
		return false, err
	}
	for _, inv := range unpaid {
		if inv.IssueDate.After(sub.StartDate) {
			return false, nil
		}
	}
	billed, err := s.invoicing.HasInvoiceSince(ctx, sub.ID, sub.EndDate)
	if err != nil {
		return false, err
	}
	if billed {
		return false, nil
	}

	inv, err := s.invoicing.CreateInvoice(ctx, sub.CompanyID, sub.ID, sub.Amount)
	if err != nil {
		return false, err
	}
	log.Infof("[Renewal] renewal invoice %s issued for subscription %d", inv.InvoiceNumber, sub.ID)

	if contact, ok := s.contact(ctx, sub.CompanyID); ok {
		s.notify(ctx, "renewal invoice", sub, func(nctx context.Context) error {
			return s.notifier.SendRenewalInvoiceNotification(nctx, notification.RenewalInvoice{
				Recipient:      recipient(contact),
				SubscriptionID: sub.ID,
				InvoiceNumber:  inv.InvoiceNumber,
				Amount:         inv.TotalAmount,
				DueDate:        inv.DueDate,
			})
		})
	}
	return true, nil
}

func (s *Scheduler) warnGrace(ctx context.Context, today time.Time, sub *models.Subscription) (bool, error) {
	contact, ok := s.contact(ctx, sub.CompanyID)
	if !ok {
		return false, nil
	}
	unpaid, err := s.invoicing.FindUnpaidByCompany(ctx, sub.CompanyID)
	if err != nil {
		return false, err
	}
	sinceExpiry := -sub.DaysUntilExpiry(today)
	s.notify(ctx, "grace warning", sub, func(nctx context.Context) error {
		return s.notifier.SendGracePeriodWarning(nctx, notification.GracePeriodWarning{
			Recipient:           recipient(contact),
			SubscriptionID:      sub.ID,
			EndDate:             sub.EndDate,
			GraceDaysRemaining:  s.cfg.GracePeriodDays - sinceExpiry,
			OutstandingInvoices: len(unpaid),
		})
	})
	return true, nil
}

// decide suspends a subscription with an open invoice, otherwise renews it.
// AutoRenew only gates renewal invoicing, not this step.
func (s *Scheduler) decide(ctx context.Context, _ time.Time, sub *models.Subscription) (bool, error) {
	unpaid, err := s.invoicing.FindUnpaidByCompany(ctx, sub.CompanyID)
	if err != nil {
		return false, err
	}

	if len(unpaid) > 0 {
		if err := sub.Suspend(); err != nil {
			return false, err
		}
		if err := s.subs.Save(ctx, sub); err != nil {
			return false, err
		}
		log.Warnf("[Renewal] subscription %d suspended, %d unpaid invoice(s)", sub.ID, len(unpaid))
		if contact, ok := s.contact(ctx, sub.CompanyID); ok {
			due := unpaid[0]
			s.notify(ctx, "suspension notice", sub, func(nctx context.Context) error {
				return s.notifier.SendSuspensionNotice(nctx, notification.SuspensionNotice{
					Recipient:      recipient(contact),
					SubscriptionID: sub.ID,
					InvoiceNumber:  due.InvoiceNumber,
					AmountDue:      due.RemainingAmount(),
				})
			})
		}
		return true, nil
	}

	prevEnd := sub.EndDate
	if err := sub.Renew(); err != nil {
		return false, err
	}
	if err := s.subs.Save(ctx, sub); err != nil {
		return false, err
	}
	log.Infof("[Renewal] subscription %d renewed: %s -> %s", sub.ID, prevEnd.Format(time.DateOnly), sub.EndDate.Format(time.DateOnly))
	return true, nil
}

func (s *Scheduler) contact(ctx context.Context, companyID uint) (*models.BillingContact, bool) {
	if s.contacts == nil || s.notifier == nil {
		return nil, false
	}
	c, err := s.contacts.FindByCompanyID(ctx, companyID)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			log.Warnf("[Renewal] billing contact lookup for company %d failed: %v", companyID, err)
		}
		return nil, false
	}
	return c, c.HasEmail()
}

// notify runs send with its own deadline. Failures are logged only.
func (s *Scheduler) notify(ctx context.Context, what string, sub *models.Subscription, send func(context.Context) error) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
	defer cancel()
	if err := send(nctx); err != nil {
		log.Warnf("[Renewal] %s for subscription %d failed: %v", what, sub.ID, err)
	}
}

func recipient(c *models.BillingContact) notification.Recipient {
	return notification.Recipient{CompanyID: c.CompanyID, CompanyName: c.CompanyName, Email: c.Email}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Infof("[Renewal] cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Errorf("[Renewal] cron: %s: %v %v", msg, err, keysAndValues)
}
