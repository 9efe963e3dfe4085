package invoicing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/app/repository"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/env"
)

// Config controls how renewal invoices are priced and dated.
type Config struct {
	// TaxBasisPoints is applied to the subtotal, e.g. 1800 = 18%.
	TaxBasisPoints int64  `validate:"min=0,max=10000"`
	DueDays        int    `validate:"min=0,max=365"`
	Currency       string `validate:"len=3,uppercase"`
}

func DefaultConfig() Config {
	return Config{TaxBasisPoints: 0, DueDays: 7, Currency: models.DefaultCurrency}
}

// ConfigFromEnv reads INVOICE_TAX_BPS, INVOICE_DUE_DAYS and INVOICE_CURRENCY.
func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	cfg := Config{
		TaxBasisPoints: int64(env.GetEnvInt("INVOICE_TAX_BPS", int(def.TaxBasisPoints))),
		DueDays:        env.GetEnvInt("INVOICE_DUE_DAYS", def.DueDays),
		Currency:       strings.ToUpper(env.GetEnv("INVOICE_CURRENCY", def.Currency)),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid invoice config: %w", err)
	}
	return cfg, nil
}

// Service creates and queries invoices. It is the invoice collaborator shared by the
// renewal scheduler and the operator API.
type Service struct {
	invoices repository.InvoiceRepository
	cfg      Config
	now      func() time.Time
}

func NewService(invoices repository.InvoiceRepository, cfg Config) *Service {
	return &Service{invoices: invoices, cfg: cfg, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ComputeTax rounds half up to the nearest minor unit.
func ComputeTax(subtotal, basisPoints int64) int64 {
	if subtotal <= 0 || basisPoints <= 0 {
		return 0
	}
	return (subtotal*basisPoints + 5000) / 10000
}

// NewInvoiceNumber returns INV-YYYYMM-<8 hex chars>.
func NewInvoiceNumber(issued time.Time) string {
	return fmt.Sprintf("INV-%s-%s", issued.UTC().Format("200601"), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// CreateInvoice issues a PENDING invoice for amount (minor units, before tax).
func (s *Service) CreateInvoice(ctx context.Context, companyID, subscriptionID uint, amount int64) (*models.Invoice, error) {
	if amount <= 0 {
		return nil, apperror.Validation(fmt.Sprintf("invoice amount must be positive, got %d", amount))
	}
	today := models.DateOf(s.now())
	inv := &models.Invoice{
		CompanyID:      companyID,
		SubscriptionID: subscriptionID,
		InvoiceNumber:  NewInvoiceNumber(today),
		Subtotal:       amount,
		TaxAmount:      ComputeTax(amount, s.cfg.TaxBasisPoints),
		Currency:       s.cfg.Currency,
		Status:         models.InvoicePending,
		IssueDate:      today,
		DueDate:        today.AddDate(0, 0, s.cfg.DueDays),
	}
	inv.Recompute(today)
	if err := s.invoices.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invoice for company %d: %w", companyID, err)
	}
	log.Infof("[Invoicing] issued %s for company %d, total %s", inv.InvoiceNumber, companyID, models.FormatMajorUnits(inv.TotalAmount))
	return inv, nil
}

// FindUnpaidByCompany returns open invoices with their overdue status derived for today.
func (s *Service) FindUnpaidByCompany(ctx context.Context, companyID uint) ([]models.Invoice, error) {
	invoices, err := s.invoices.FindUnpaidByCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	today := s.now()
	for i := range invoices {
		invoices[i].Status = models.ComputeOverdue(invoices[i].Status, invoices[i].DueDate, today)
	}
	return invoices, nil
}

// HasInvoiceSince reports whether the subscription already has a live invoice issued on or after day.
func (s *Service) HasInvoiceSince(ctx context.Context, subscriptionID uint, day time.Time) (bool, error) {
	n, err := s.invoices.CountForSubscriptionSince(ctx, subscriptionID, day)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Service) GetByID(ctx context.Context, id uint) (*models.Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Status = models.ComputeOverdue(inv.Status, inv.DueDate, s.now())
	return inv, nil
}

// MarkOverdue persists OVERDUE on PENDING invoices past their due date and returns how many changed.
func (s *Service) MarkOverdue(ctx context.Context, limit int) (int, error) {
	today := s.now()
	due, err := s.invoices.ListPendingDueBefore(ctx, today, limit)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range due {
		inv := &due[i]
		inv.Recompute(today)
		if inv.Status != models.InvoiceOverdue {
			continue
		}
		if err := s.invoices.UpdateIfPaidAmount(ctx, inv, inv.PaidAmount); err != nil {
			log.Warnf("[Invoicing] mark %s overdue: %v", inv.InvoiceNumber, err)
			continue
		}
		changed++
	}
	return changed, nil
}
