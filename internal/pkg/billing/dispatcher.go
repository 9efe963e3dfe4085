package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/metrics"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/payments"
)

// HandlerFunc applies one event type's business effect.
type HandlerFunc func(ctx context.Context, evt *Event) error

// PaymentCoordinator is the part of payments.Coordinator the handlers need.
type PaymentCoordinator interface {
	HandlePaymentSuccess(ctx context.Context, cmd payments.PaymentSuccess) (*payments.SuccessResult, error)
	HandlePaymentFailure(ctx context.Context, cmd payments.PaymentFailure) (*models.PaymentOrder, error)
}

// Dispatcher routes events to handlers by event type. Types without a handler go to the
// fallback, which logs and acknowledges them.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	fallback HandlerFunc
	metrics  metrics.Sink
}

// NewDispatcher returns a dispatcher with the payment handlers registered.
func NewDispatcher(coord PaymentCoordinator, sink metrics.Sink) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		fallback: ignoreEvent,
		metrics:  metrics.OrNoop(sink),
	}
	d.Register(models.WebhookEventPaymentCaptured, paymentCaptured(coord))
	d.Register(models.WebhookEventPaymentFailed, paymentFailed(coord))
	d.Register(models.WebhookEventRefundProcessed, auditOnly)
	d.Register(models.WebhookEventOrderPaid, auditOnly)
	return d
}

// Register adds or replaces the handler for an event type.
func (d *Dispatcher) Register(eventType string, h HandlerFunc) {
	d.handlers[eventType] = h
}

func (d *Dispatcher) Handles(eventType string) bool {
	_, ok := d.handlers[eventType]
	return ok
}

// Dispatch runs the handler for evt. handled is false when the fallback ran.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *Event) (handled bool, err error) {
	h, ok := d.handlers[evt.Type]
	if !ok {
		h = d.fallback
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", evt.Type, r)
		}
		switch {
		case err != nil:
			d.metrics.IncDispatch(evt.Type, metrics.OutcomeError)
		case !handled:
			d.metrics.IncDispatch(evt.Type, metrics.OutcomeIgnored)
		default:
			d.metrics.IncDispatch(evt.Type, metrics.OutcomeOK)
		}
	}()

	return ok, h(ctx, evt)
}

func ignoreEvent(_ context.Context, evt *Event) error {
	log.Infof("[Webhook] no handler for event type %q (event %s from %s), acknowledging", evt.Type, evt.ID, evt.Source)
	return nil
}

func auditOnly(_ context.Context, evt *Event) error {
	log.Infof("[Webhook] %s %s recorded for audit (order=%s payment=%s)", evt.Type, evt.ID, evt.OrderID(), evt.PaymentID())
	return nil
}

// paymentCaptured swallows business-level coordinator errors: the same capture may
// already have been applied through the checkout callback. Infrastructure errors are
// returned so the delivery is retried.
func paymentCaptured(coord PaymentCoordinator) HandlerFunc {
	return func(ctx context.Context, evt *Event) error {
		if evt.Payload.Payment == nil {
			return apperror.Validation("payment.captured without payment entity")
		}
		p := evt.Payload.Payment.Entity
		_, err := coord.HandlePaymentSuccess(ctx, payments.PaymentSuccess{
			OrderID:   p.OrderID,
			PaymentID: p.ID,
			Amount:    p.Amount,
			Channel:   "webhook",
		})
		if err == nil {
			return nil
		}
		if apperror.KindOf(err) == apperror.KindInternal {
			return err
		}
		log.Warnf("[Webhook] payment.captured %s for order %s not applied: %v", evt.ID, p.OrderID, err)
		return nil
	}
}

func paymentFailed(coord PaymentCoordinator) HandlerFunc {
	return func(ctx context.Context, evt *Event) error {
		if evt.Payload.Payment == nil {
			return apperror.Validation("payment.failed without payment entity")
		}
		p := evt.Payload.Payment.Entity
		_, err := coord.HandlePaymentFailure(ctx, payments.PaymentFailure{
			OrderID:     p.OrderID,
			PaymentID:   p.ID,
			Code:        p.ErrorCode,
			Description: p.ErrorDescription,
			Reason:      p.ErrorReason,
		})
		if err != nil && errors.Is(err, apperror.ErrNotFound) {
			return fmt.Errorf("payment.failed for unknown order %s: %w", p.OrderID, err)
		}
		return err
	}
}
