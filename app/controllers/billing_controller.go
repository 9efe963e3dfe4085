package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/app/repository"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/billing"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/jobqueue"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/metrics/counter"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/payments"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/renewal"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/statistics"
)

var validate = validator.New()

// BillingController serves the operator API under /api/v1/billing.
type BillingController struct {
	coordinator *payments.Coordinator
	scheduler   *renewal.Scheduler
	ingestor    *billing.Ingestor
	repos       *repository.Repositories
	stats       *statistics.Collector
	counters    *counter.RedisSink
	queue       *jobqueue.Queue
	now         func() time.Time
}

type BillingControllerDeps struct {
	Coordinator *payments.Coordinator
	Scheduler   *renewal.Scheduler
	Ingestor    *billing.Ingestor
	Repos       *repository.Repositories
	Stats       *statistics.Collector
	// Counters and Queue are optional; /stats omits their sections when nil.
	Counters *counter.RedisSink
	Queue    *jobqueue.Queue
}

func NewBillingController(d BillingControllerDeps) *BillingController {
	return &BillingController{
		coordinator: d.Coordinator,
		scheduler:   d.Scheduler,
		ingestor:    d.Ingestor,
		repos:       d.Repos,
		stats:       d.Stats,
		counters:    d.Counters,
		queue:       d.Queue,
		now:         time.Now,
	}
}

type verifyPaymentRequest struct {
	OrderID   string `json:"orderId" validate:"required,max=191"`
	PaymentID string `json:"paymentId" validate:"required,max=191"`
	Signature string `json:"signature" validate:"required"`
	Amount    int64  `json:"amount" validate:"min=0"`
}

type createOrderRequest struct {
	GatewayOrderID string `json:"gatewayOrderId" validate:"max=191"`
}

type refundRequest struct {
	RefundID string `json:"refundId" validate:"required,max=191"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
}

type runRenewalsRequest struct {
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// parseBody decodes and validates a JSON request. An empty body is allowed when every field is optional.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(out); err != nil {
			return apperror.Wrap(apperror.KindValidation, "invalid request body", err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return apperror.Wrap(apperror.KindValidation, "invalid request: "+err.Error(), err)
	}
	return nil
}

func orderView(o *models.PaymentOrder) fiber.Map {
	return fiber.Map{
		"id":             o.ID,
		"gatewayOrderId": o.GatewayOrderID,
		"invoiceId":      o.InvoiceID,
		"status":         o.Status,
		"amount":         o.Amount,
		"amountPaid":     o.AmountPaid,
		"amountRefunded": o.AmountRefunded,
		"currency":       o.Currency,
		"amountDisplay":  models.FormatMajorUnits(o.Amount),
	}
}

func invoiceView(inv *models.Invoice) fiber.Map {
	return fiber.Map{
		"id":              inv.ID,
		"invoiceNumber":   inv.InvoiceNumber,
		"status":          inv.Status,
		"totalAmount":     inv.TotalAmount,
		"paidAmount":      inv.PaidAmount,
		"remainingAmount": inv.RemainingAmount(),
	}
}

// HandleVerifyPayment is the checkout callback: the client reports a captured payment
// signed with the checkout key.
func (b *BillingController) HandleVerifyPayment(c *fiber.Ctx) error {
	var req verifyPaymentRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	if !billing.VerifyCheckoutSignature(req.OrderID, req.PaymentID, req.Signature, b.ingestor.Config().CheckoutKeySecret) {
		return respondError(c, apperror.Auth("invalid payment signature"))
	}

	result, err := b.coordinator.HandlePaymentSuccess(c.UserContext(), payments.PaymentSuccess{
		OrderID:   req.OrderID,
		PaymentID: req.PaymentID,
		Amount:    req.Amount,
		Channel:   "checkout",
	})
	if err != nil {
		return respondError(c, err)
	}

	body := fiber.Map{
		"status":         "success",
		"alreadyApplied": result.AlreadyApplied,
		"order":          orderView(result.Order),
	}
	if result.Invoice != nil {
		body["invoice"] = invoiceView(result.Invoice)
	}
	return c.JSON(body)
}

func (b *BillingController) HandleCreatePaymentOrder(c *fiber.Ctx) error {
	invoiceID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req createOrderRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	order, err := b.coordinator.CreatePaymentOrder(c.UserContext(), invoiceID, req.GatewayOrderID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "success", "order": orderView(order)})
}

func (b *BillingController) HandleListPaymentOrders(c *fiber.Ctx) error {
	invoiceID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.UserContext()
	if _, err := b.repos.Invoice.GetByID(ctx, invoiceID); err != nil {
		return respondError(c, err)
	}
	orders, err := b.repos.PaymentOrder.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return respondError(c, apperror.Internal("failed to list payment orders", err))
	}

	views := make([]fiber.Map, 0, len(orders))
	for i := range orders {
		views = append(views, orderView(&orders[i]))
	}
	return c.JSON(fiber.Map{"status": "success", "orders": views})
}

func (b *BillingController) HandleRefund(c *fiber.Ctx) error {
	orderID := strings.TrimSpace(c.Params("orderId"))
	var req refundRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	order, err := b.coordinator.ApplyRefund(c.UserContext(), orderID, req.RefundID, req.Amount)
	if err != nil {
		return respondError(c, err)
	}
	b.stats.Invalidate(c.UserContext())
	return c.JSON(fiber.Map{"status": "success", "order": orderView(order)})
}

func (b *BillingController) HandleSendReminder(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := b.scheduler.SendManualReminder(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success", "message": "Reminder sent"})
}

func (b *BillingController) HandleRenewalStatus(c *fiber.Ctx) error {
	return c.JSON(b.scheduler.Status())
}

// HandleRunRenewals runs the renewal phases synchronously, for today or for the given date.
func (b *BillingController) HandleRunRenewals(c *fiber.Ctx) error {
	var req runRenewalsRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	day := b.now()
	if req.Date != "" {
		// format already checked by the validator
		day, _ = time.ParseInLocation(time.DateOnly, req.Date, time.UTC)
	}

	// the run outlives a dropped operator connection
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.UserContext()), 10*time.Minute)
	defer cancel()
	summary, err := b.scheduler.RunOnce(ctx, day)
	if err != nil {
		return respondError(c, err)
	}
	b.stats.Invalidate(ctx)
	return c.JSON(fiber.Map{"status": "success", "summary": summary})
}

func (b *BillingController) HandleListFailedWebhooks(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)
	if offset < 0 || limit < 1 || limit > 200 {
		return respondError(c, apperror.Validation("offset must be >= 0 and limit within 1..200"))
	}

	rows, err := b.repos.WebhookEvent.ListByStatus(c.UserContext(), models.WebhookStatusFailed, offset, limit)
	if err != nil {
		return respondError(c, apperror.Internal("failed to list webhook events", err))
	}
	return c.JSON(fiber.Map{
		"status":      "success",
		"events":      rows,
		"maxAttempts": b.ingestor.Config().MaxAttempts,
	})
}

func (b *BillingController) HandleReprocessWebhook(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	result, err := b.ingestor.Reprocess(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"status":    result.Status,
		"message":   result.Message,
		"eventId":   result.EventID,
		"eventType": result.EventType,
		"rowId":     result.RowID,
	})
}

func (b *BillingController) HandleStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	tables, err := b.stats.Get(ctx)
	if err != nil {
		return respondError(c, apperror.Internal("failed to collect statistics", err))
	}
	body := fiber.Map{"status": "success", "tables": tables}

	if b.counters != nil {
		if snap, err := b.counters.Snapshot(ctx); err == nil {
			body["counters"] = snap
		}
	}
	if b.queue != nil {
		jobs := fiber.Map{}
		if s, err := b.queue.GetJobStats(ctx); err == nil {
			jobs["totals"] = s
		}
		if n, err := b.queue.GetQueueSize(ctx); err == nil {
			jobs["queued"] = n
		}
		if n, err := b.queue.GetProcessingSize(ctx); err == nil {
			jobs["processing"] = n
		}
		body["jobs"] = jobs
	}
	return c.JSON(body)
}
