package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/app/repository"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/metrics"
)

// IngestRequest is one raw delivery as received on the webhook endpoint.
type IngestRequest struct {
	Source    string
	Payload   []byte
	Signature string
	ClientIP  string
	UserAgent string
}

type IngestOutcome string

const (
	IngestProcessed        IngestOutcome = "processed"
	IngestAlreadyProcessed IngestOutcome = "already_processed"
	// IngestAccepted means the delivery was stored but its handler failed.
	IngestAccepted IngestOutcome = "accepted"
	// IngestIgnored means no handler is registered for the event type.
	IngestIgnored IngestOutcome = "ignored"
)

type IngestResult struct {
	Outcome   IngestOutcome
	EventID   string
	EventType string
	RowID     uint
	Status    string
	Message   string
}

// PayloadArchiver copies raw deliveries to long-term storage.
type PayloadArchiver interface {
	ArchivePayload(ctx context.Context, key string, payload []byte) error
}

// Ingestor is the webhook boundary: it parses, deduplicates, verifies and dispatches deliveries.
type Ingestor struct {
	events     repository.WebhookEventRepository
	dispatcher *Dispatcher
	cfg        Config
	metrics    metrics.Sink
	archiver   PayloadArchiver
	now        func() time.Time
}

func NewIngestor(events repository.WebhookEventRepository, dispatcher *Dispatcher, cfg Config, sink metrics.Sink) *Ingestor {
	return &Ingestor{
		events:     events,
		dispatcher: dispatcher,
		cfg:        cfg,
		metrics:    metrics.OrNoop(sink),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (i *Ingestor) WithArchiver(a PayloadArchiver) *Ingestor {
	i.archiver = a
	return i
}

func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// Config returns the verification settings the ingestor runs with.
func (i *Ingestor) Config() Config {
	return i.cfg
}

// Ingest handles one delivery. Validation, auth and conflict failures are returned as
// *apperror.Error; handler failures are recorded on the row and reported as IngestAccepted.
func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	evt, err := ParseEvent(req.Source, req.Payload)
	if err != nil {
		i.metrics.IncWebhook(req.Source, models.WebhookEventUnknown, metrics.OutcomeInvalidPayload)
		return nil, apperror.Wrap(apperror.KindValidation, "invalid payload", err)
	}
	if evt.ID == "" {
		i.metrics.IncWebhook(req.Source, evt.Type, metrics.OutcomeInvalidPayload)
		return nil, apperror.Validation("missing event id")
	}

	signatureValid := i.cfg.VerifierFor(req.Source).Verify(req.Payload, req.Signature)

	row := &models.WebhookEvent{
		Source:         req.Source,
		EventID:        evt.ID,
		EventType:      evt.Type,
		PayloadJSON:    string(req.Payload),
		Signature:      truncateSignature(req.Signature),
		SignatureValid: signatureValid,
		PaymentID:      optional(evt.PaymentID()),
		OrderID:        optional(evt.OrderID()),
		ClientIP:       req.ClientIP,
		UserAgent:      req.UserAgent,
	}
	claim, err := i.events.Claim(ctx, row, signatureValid)
	if err != nil {
		return nil, apperror.Internal("failed to record webhook event", err)
	}

	switch claim.Outcome {
	case repository.ClaimAlreadyProcessed:
		log.Infof("[Webhook] %s event %s already processed, skipping", req.Source, evt.ID)
		i.metrics.IncWebhook(req.Source, evt.Type, metrics.OutcomeAlreadyProcessed)
		return &IngestResult{
			Outcome:   IngestAlreadyProcessed,
			EventID:   evt.ID,
			EventType: evt.Type,
			RowID:     claim.Event.ID,
			Status:    "success",
			Message:   "Event already processed",
		}, nil
	case repository.ClaimInFlight:
		log.Warnf("[Webhook] %s event %s is being processed (row %d)", req.Source, evt.ID, claim.Event.ID)
		i.metrics.IncWebhook(req.Source, evt.Type, metrics.OutcomeConflict)
		return nil, apperror.Conflict("event is currently being processed")
	}

	row = claim.Event
	if claim.Superseded != nil {
		log.Infof("[Webhook] %s event %s redelivered, row %d superseded by generation %d",
			req.Source, evt.ID, claim.Superseded.ID, row.Generation)
	}

	if !signatureValid {
		if _, err := i.events.TransitionStatus(ctx, row.ID,
			[]models.WebhookEventStatus{models.WebhookStatusReceived},
			models.WebhookStatusInvalidSignature, "invalid webhook signature"); err != nil {
			log.Errorf("[Webhook] failed to mark row %d INVALID_SIGNATURE: %v", row.ID, err)
		}
		log.Warnf("[Webhook] rejected %s event %s from %s: invalid signature", req.Source, evt.ID, req.ClientIP)
		i.metrics.IncWebhook(req.Source, evt.Type, metrics.OutcomeInvalidSignature)
		return nil, apperror.Auth("invalid webhook signature")
	}

	ok, err := i.events.StartProcessing(ctx, row.ID, models.WebhookStatusReceived)
	if err != nil {
		return nil, apperror.Internal("failed to update webhook event", err)
	}
	if !ok {
		i.metrics.IncWebhook(req.Source, evt.Type, metrics.OutcomeConflict)
		return nil, apperror.Conflict("event is currently being processed")
	}
	row.MarkProcessing()
	evt.RowID = row.ID
	i.archive(ctx, row)

	return i.dispatch(ctx, row, evt), nil
}

// Reprocess dispatches a FAILED row again, in place.
func (i *Ingestor) Reprocess(ctx context.Context, id uint) (*IngestResult, error) {
	row, err := i.events.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Status != models.WebhookStatusFailed {
		return nil, apperror.Conflict(fmt.Sprintf("webhook event %d is %s, only FAILED events can be reprocessed", id, row.Status))
	}
	if !row.SignatureValid {
		return nil, apperror.Conflict(fmt.Sprintf("webhook event %d has no verified signature", id))
	}

	evt, err := ParseEvent(row.Source, []byte(row.PayloadJSON))
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "stored payload is not valid JSON", err)
	}

	ok, err := i.events.StartProcessing(ctx, row.ID, models.WebhookStatusFailed)
	if err != nil {
		return nil, apperror.Internal("failed to update webhook event", err)
	}
	if !ok {
		return nil, apperror.Conflict(fmt.Sprintf("webhook event %d changed state, not reprocessed", id))
	}
	row.MarkProcessing()
	evt.RowID = row.ID
	log.Infof("[Webhook] reprocessing %s event %s (row %d, attempt %d)", row.Source, row.EventID, row.ID, row.Attempts)

	return i.dispatch(ctx, row, evt), nil
}

// RecoverStale moves rows stuck in RECEIVED or PROCESSING for longer than StaleAfter to
// FAILED so the retry sweep picks them up. Rows that never passed verification become
// INVALID_SIGNATURE instead.
func (i *Ingestor) RecoverStale(ctx context.Context) (int, error) {
	stale, err := i.events.ListStale(ctx, i.now().Add(-i.cfg.StaleAfter), i.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, row := range stale {
		to, msg := models.WebhookStatusFailed, "processing timed out"
		if !row.SignatureValid {
			to, msg = models.WebhookStatusInvalidSignature, "invalid webhook signature"
		}
		ok, err := i.events.TransitionStatus(ctx, row.ID, []models.WebhookEventStatus{row.Status}, to, msg)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
			log.Warnf("[Webhook] row %d (%s/%s) stuck in %s, moved to %s", row.ID, row.Source, row.EventID, row.Status, to)
		}
	}
	return recovered, nil
}

// PendingRetries lists FAILED rows that still have attempts left.
func (i *Ingestor) PendingRetries(ctx context.Context) ([]models.WebhookEvent, error) {
	return i.events.ListFailed(ctx, i.cfg.MaxAttempts, i.cfg.SweepBatch)
}

func (i *Ingestor) dispatch(ctx context.Context, row *models.WebhookEvent, evt *Event) *IngestResult {
	result := &IngestResult{EventID: evt.ID, EventType: evt.Type, RowID: row.ID}

	handled, err := i.dispatcher.Dispatch(ctx, evt)
	switch {
	case err != nil:
		log.Errorf("[Webhook] %s event %s (%s) failed: %v", evt.Source, evt.ID, evt.Type, err)
		row.MarkFailed(err.Error())
		result.Outcome, result.Status, result.Message = IngestAccepted, "accepted", "Event received, processing failed"
		i.metrics.IncWebhook(evt.Source, evt.Type, metrics.OutcomeFailed)
	case !handled:
		row.MarkProcessed(i.now())
		result.Outcome, result.Status, result.Message = IngestIgnored, "accepted", "Event type not handled"
		i.metrics.IncWebhook(evt.Source, evt.Type, metrics.OutcomeIgnored)
	default:
		row.MarkProcessed(i.now())
		result.Outcome, result.Status, result.Message = IngestProcessed, "success", "Event processed"
		i.metrics.IncWebhook(evt.Source, evt.Type, metrics.OutcomeProcessed)
	}

	// The request context may already be cancelled; the outcome must still be recorded.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	ok, err := i.events.FinishProcessing(writeCtx, row)
	if err != nil {
		log.Errorf("[Webhook] failed to record outcome of row %d: %v", row.ID, err)
	} else if !ok {
		log.Warnf("[Webhook] row %d left PROCESSING before its outcome was recorded", row.ID)
	}
	return result
}

func (i *Ingestor) archive(ctx context.Context, row *models.WebhookEvent) {
	if i.archiver == nil {
		return
	}
	key := fmt.Sprintf("%s/%s/%s/%d.json", row.Source, i.now().Format("2006/01/02"), sanitizeKey(row.EventID), row.Generation)
	if err := i.archiver.ArchivePayload(ctx, key, []byte(row.PayloadJSON)); err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("[Webhook] failed to archive payload of row %d: %v", row.ID, err)
	}
}

func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		}
		return '_'
	}, s)
}

func truncateSignature(sig string) string {
	sig = strings.TrimSpace(sig)
	if len(sig) > 191 {
		return sig[:191]
	}
	return sig
}
