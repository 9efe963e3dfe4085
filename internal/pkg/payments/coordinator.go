package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/app/repository"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/metrics"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/notification"
)

const defaultNotifyTimeout = 10 * time.Second

// maxStaleAttempts bounds how often a transaction is rerun after losing a compare-and-set.
const maxStaleAttempts = 3

// PaymentSuccess is a normalized capture confirmation from either the webhook or the checkout callback.
type PaymentSuccess struct {
	OrderID   string
	PaymentID string
	// Amount in minor units; zero means the full order amount.
	Amount int64
	// Channel is "webhook" or "checkout", for logs and metrics.
	Channel string
}

type PaymentFailure struct {
	OrderID     string
	PaymentID   string
	Code        string
	Description string
	Reason      string
}

type SuccessResult struct {
	Order          *models.PaymentOrder
	Invoice        *models.Invoice
	AlreadyApplied bool
}

// Coordinator keeps PaymentOrder and Invoice consistent. Every operation runs in one
// transaction and writes with compare-and-set, so a payment confirmed through two channels
// is applied exactly once.
type Coordinator struct {
	repos         *repository.Repositories
	notifier      notification.Dispatcher
	metrics       metrics.Sink
	notifyTimeout time.Duration
	now           func() time.Time
}

func NewCoordinator(repos *repository.Repositories, notifier notification.Dispatcher, sink metrics.Sink) *Coordinator {
	return &Coordinator{
		repos:         repos,
		notifier:      notifier,
		metrics:       metrics.OrNoop(sink),
		notifyTimeout: defaultNotifyTimeout,
		now:           time.Now,
	}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) WithNotifyTimeout(d time.Duration) *Coordinator {
	if d > 0 {
		c.notifyTimeout = d
	}
	return c
}

// HandlePaymentSuccess marks the order PAID and applies the amount to its invoice.
// An order that is already settled is a no-op reported through AlreadyApplied.
func (c *Coordinator) HandlePaymentSuccess(ctx context.Context, cmd PaymentSuccess) (*SuccessResult, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return nil, apperror.Validation("missing order id")
	}
	now := c.now()

	var result *SuccessResult
	err := c.transact(ctx, "capture "+cmd.OrderID, func(tx *repository.Repositories) error {
		order, err := tx.PaymentOrder.GetByGatewayOrderID(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if order.IsSettled() {
			result = &SuccessResult{Order: order, AlreadyApplied: true}
			return nil
		}

		prev := order.Status
		if err := order.MarkPaid(cmd.PaymentID, cmd.Amount, now); err != nil {
			return err
		}
		if err := tx.PaymentOrder.UpdateIfStatus(ctx, order, prev); err != nil {
			return err
		}

		invoice, err := tx.Invoice.GetByID(ctx, order.InvoiceID)
		if err != nil {
			return err
		}
		expectedPaid := invoice.PaidAmount
		if err := invoice.MarkAsPaid(order.AmountPaid, now); err != nil {
			return err
		}
		invoice.Recompute(now)
		if err := tx.Invoice.UpdateIfPaidAmount(ctx, invoice, expectedPaid); err != nil {
			return err
		}

		result = &SuccessResult{Order: order, Invoice: invoice}
		return nil
	})

	if errors.Is(err, repository.ErrStaleWrite) {
		// retries ran out; if the order got settled meanwhile report that
		order, lerr := c.repos.PaymentOrder.GetByGatewayOrderID(ctx, cmd.OrderID)
		if lerr == nil && order.IsSettled() {
			result, err = &SuccessResult{Order: order, AlreadyApplied: true}, nil
		}
	}
	if err != nil {
		c.metrics.IncPayment("success", metrics.OutcomeError)
		return nil, translate(err)
	}

	if result.AlreadyApplied {
		log.Infof("[Payments] order %s already settled (%s), %s confirmation ignored", cmd.OrderID, result.Order.Status, cmd.Channel)
		c.metrics.IncPayment("success", metrics.OutcomeAlreadyProcessed)
		return result, nil
	}

	log.Infof("[Payments] order %s paid %s via %s, invoice %s now %s",
		cmd.OrderID, models.FormatMajorUnits(result.Order.AmountPaid), cmd.Channel,
		result.Invoice.InvoiceNumber, result.Invoice.Status)
	c.metrics.IncPayment("success", metrics.OutcomeProcessed)
	c.notifyPayment(ctx, result)
	return result, nil
}

// HandlePaymentFailure records a failed attempt. The invoice stays open for a retry.
// A failure reported after the order was settled is ignored.
func (c *Coordinator) HandlePaymentFailure(ctx context.Context, cmd PaymentFailure) (*models.PaymentOrder, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return nil, apperror.Validation("missing order id")
	}

	var order *models.PaymentOrder
	ignored := false
	err := c.transact(ctx, "failure "+cmd.OrderID, func(tx *repository.Repositories) error {
		var err error
		order, err = tx.PaymentOrder.GetByGatewayOrderID(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if order.Status == models.PaymentOrderFailed || order.IsSettled() {
			ignored = true
			return nil
		}
		prev := order.Status
		if err := order.MarkFailed(cmd.Code, cmd.Description, cmd.Reason); err != nil {
			return err
		}
		if cmd.PaymentID != "" {
			order.GatewayPaymentID = cmd.PaymentID
		}
		return tx.PaymentOrder.UpdateIfStatus(ctx, order, prev)
	})
	if err != nil {
		c.metrics.IncPayment("failure", metrics.OutcomeError)
		return nil, translate(err)
	}

	if ignored {
		log.Infof("[Payments] failure for order %s ignored, order is %s", cmd.OrderID, order.Status)
		c.metrics.IncPayment("failure", metrics.OutcomeIgnored)
		return order, nil
	}
	log.Warnf("[Payments] order %s failed: %s %s (%s)", cmd.OrderID, cmd.Code, cmd.Description, cmd.Reason)
	c.metrics.IncPayment("failure", metrics.OutcomeProcessed)
	return order, nil
}

// CreatePaymentOrder opens a CREATED order for the invoice's remaining amount.
// An empty gatewayOrderID gets a generated local id.
func (c *Coordinator) CreatePaymentOrder(ctx context.Context, invoiceID uint, gatewayOrderID string) (*models.PaymentOrder, error) {
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if gatewayOrderID == "" {
		gatewayOrderID = "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
	}

	var order *models.PaymentOrder
	err := c.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		invoice, err := tx.Invoice.GetByID(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !invoice.IsUnpaid() || invoice.RemainingAmount() == 0 {
			return apperror.Conflict(fmt.Sprintf("invoice %s is %s and cannot take payments", invoice.InvoiceNumber, invoice.Status))
		}
		if _, err := tx.PaymentOrder.GetByGatewayOrderID(ctx, gatewayOrderID); err == nil {
			return apperror.Conflict(fmt.Sprintf("payment order %s already exists", gatewayOrderID))
		} else if !errors.Is(err, apperror.ErrNotFound) {
			return err
		}

		order, err = models.NewPaymentOrder(gatewayOrderID, invoice.ID, invoice.CompanyID, invoice.RemainingAmount(), invoice.Currency)
		if err != nil {
			return err
		}
		return tx.PaymentOrder.Create(ctx, order)
	})
	if err != nil {
		return nil, translate(err)
	}
	log.Infof("[Payments] created order %s for invoice %d, amount %s", order.GatewayOrderID, invoiceID, models.FormatMajorUnits(order.Amount))
	c.metrics.IncPayment("create_order", metrics.OutcomeProcessed)
	return order, nil
}

// ApplyRefund records a refund against a paid order and reopens the invoice balance.
// A refund id that was already applied to the same order returns the order unchanged.
func (c *Coordinator) ApplyRefund(ctx context.Context, gatewayOrderID, refundID string, amount int64) (*models.PaymentOrder, error) {
	refundID = strings.TrimSpace(refundID)
	if refundID == "" {
		return nil, apperror.Validation("missing refund id")
	}
	now := c.now()
	var order *models.PaymentOrder
	replayed := false
	err := c.transact(ctx, "refund "+refundID, func(tx *repository.Repositories) error {
		var err error
		order, err = tx.PaymentOrder.GetByGatewayOrderID(ctx, gatewayOrderID)
		if err != nil {
			return err
		}

		inserted, err := tx.PaymentRefund.Record(ctx, &models.PaymentRefund{
			GatewayRefundID: refundID,
			PaymentOrderID:  order.ID,
			Amount:          amount,
		})
		if err != nil {
			return err
		}
		if !inserted {
			prior, err := tx.PaymentRefund.GetByGatewayRefundID(ctx, refundID)
			if err != nil {
				return err
			}
			if prior.PaymentOrderID != order.ID || prior.Amount != amount {
				return apperror.Conflict(fmt.Sprintf("refund %s was already applied with different details", refundID))
			}
			replayed = true
			return nil
		}

		prev := order.Status
		if err := order.ApplyRefund(refundID, amount, now); err != nil {
			return err
		}
		if err := tx.PaymentOrder.UpdateIfStatus(ctx, order, prev); err != nil {
			return err
		}

		invoice, err := tx.Invoice.GetByID(ctx, order.InvoiceID)
		if err != nil {
			return err
		}
		expectedPaid := invoice.PaidAmount
		invoice.ReverseRefund(amount)
		invoice.Recompute(now)
		return tx.Invoice.UpdateIfPaidAmount(ctx, invoice, expectedPaid)
	})
	if err != nil {
		c.metrics.IncPayment("refund", metrics.OutcomeError)
		return nil, translate(err)
	}
	if replayed {
		log.Infof("[Payments] refund %s on order %s already applied, ignored", refundID, gatewayOrderID)
		c.metrics.IncPayment("refund", metrics.OutcomeAlreadyProcessed)
		return order, nil
	}
	log.Infof("[Payments] refund %s of %s on order %s, order now %s", refundID, models.FormatMajorUnits(amount), gatewayOrderID, order.Status)
	c.metrics.IncPayment("refund", metrics.OutcomeProcessed)
	return order, nil
}

// ExpireStaleOrders moves CREATED/ATTEMPTED orders older than ttl to EXPIRED.
func (c *Coordinator) ExpireStaleOrders(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	stale, err := c.repos.PaymentOrder.ListStale(ctx,
		[]models.PaymentOrderStatus{models.PaymentOrderCreated, models.PaymentOrderAttempted},
		c.now().Add(-ttl), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		order := &stale[i]
		prev := order.Status
		if err := order.MarkExpired(); err != nil {
			continue
		}
		if err := c.repos.PaymentOrder.UpdateIfStatus(ctx, order, prev); err != nil {
			log.Warnf("[Payments] expire order %s: %v", order.GatewayOrderID, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		log.Infof("[Payments] expired %d stale payment order(s)", expired)
	}
	return expired, nil
}

func (c *Coordinator) notifyPayment(ctx context.Context, result *SuccessResult) {
	if c.notifier == nil || result.Invoice == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.notifyTimeout)
	defer cancel()

	contact, err := c.repos.BillingContact.FindByCompanyID(nctx, result.Invoice.CompanyID)
	if err != nil || !contact.HasEmail() {
		log.Infof("[Payments] no billing contact for company %d, skipping confirmation", result.Invoice.CompanyID)
		return
	}
	err = c.notifier.SendPaymentConfirmation(nctx, notification.PaymentConfirmation{
		Recipient:     notification.Recipient{CompanyID: contact.CompanyID, CompanyName: contact.CompanyName, Email: contact.Email},
		InvoiceNumber: result.Invoice.InvoiceNumber,
		PaymentID:     result.Order.GatewayPaymentID,
		AmountPaid:    result.Order.AmountPaid,
		Remaining:     result.Invoice.RemainingAmount(),
		FullyPaid:     result.Invoice.Status == models.InvoicePaid,
	})
	if err != nil {
		log.Warnf("[Payments] payment confirmation for invoice %s failed: %v", result.Invoice.InvoiceNumber, err)
	}
}

// transact runs fn in a transaction, rerunning it when a compare-and-set lost to a
// concurrent writer. The last ErrStaleWrite is returned once the attempts are spent.
func (c *Coordinator) transact(ctx context.Context, op string, fn func(tx *repository.Repositories) error) error {
	return retryOnStale(ctx, op, func() error {
		return c.repos.Transaction(ctx, fn)
	})
}

func retryOnStale(ctx context.Context, op string, run func() error) error {
	var err error
	for attempt := 1; attempt <= maxStaleAttempts; attempt++ {
		err = run()
		if !errors.Is(err, repository.ErrStaleWrite) || ctx.Err() != nil {
			return err
		}
		log.Infof("[Payments] %s lost a concurrent update (attempt %d/%d)", op, attempt, maxStaleAttempts)
	}
	return err
}

// translate maps ledger errors onto the apperror kinds the handlers understand.
func translate(err error) error {
	var appErr *apperror.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, models.ErrInvalidTransition):
		return apperror.Wrap(apperror.KindConflict, "payment state conflict", err)
	case errors.Is(err, repository.ErrStaleWrite):
		// still racing after maxStaleAttempts
		return apperror.Internal("payment state changed concurrently", err)
	case errors.Is(err, models.ErrAmountOutOfRange):
		return apperror.Wrap(apperror.KindValidation, "amount out of range", err)
	}
	return apperror.Internal("payment coordination failed", err)
}
