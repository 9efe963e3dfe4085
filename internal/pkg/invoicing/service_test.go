package invoicing

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/app/repository"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/env"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestComputeTax(t *testing.T) {
	assert.Equal(t, int64(0), ComputeTax(1000, 0))
	assert.Equal(t, int64(180), ComputeTax(1000, 1800))
	assert.Equal(t, int64(2), ComputeTax(11, 1800)) // 1.98 rounds up
	assert.Equal(t, int64(1), ComputeTax(5, 1800))  // 0.9 rounds up
	assert.Equal(t, int64(0), ComputeTax(2, 1800))  // 0.36 rounds down
}

func TestNewInvoiceNumber(t *testing.T) {
	n := NewInvoiceNumber(time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^INV-202406-[0-9a-f]{8}$`), n)
	assert.NotEqual(t, n, NewInvoiceNumber(time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)))
}

func TestCreateInvoice(t *testing.T) {
	repos := repository.NewRepositories(testutil.NewDB(t))
	svc := NewService(repos.Invoice, Config{TaxBasisPoints: 1800, DueDays: 7, Currency: "INR"}).
		WithClock(fixedClock(time.Date(2024, 6, 15, 13, 30, 0, 0, time.UTC)))
	ctx := context.Background()

	inv, err := svc.CreateInvoice(ctx, 42, 9, 100000)
	require.NoError(t, err)
	assert.NotZero(t, inv.ID)
	assert.Equal(t, int64(18000), inv.TaxAmount)
	assert.Equal(t, int64(118000), inv.TotalAmount)
	assert.Equal(t, models.InvoicePending, inv.Status)
	assert.Equal(t, testutil.Date(2024, 6, 15), inv.IssueDate)
	assert.Equal(t, testutil.Date(2024, 6, 22), inv.DueDate)

	_, err = svc.CreateInvoice(ctx, 42, 9, 0)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestFindUnpaidDerivesOverdue(t *testing.T) {
	repos := repository.NewRepositories(testutil.NewDB(t))
	ctx := context.Background()
	svc := NewService(repos.Invoice, DefaultConfig()).WithClock(fixedClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	inv, err := svc.CreateInvoice(ctx, 1, 1, 5000)
	require.NoError(t, err)

	svc.WithClock(fixedClock(time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC)))
	unpaid, err := svc.FindUnpaidByCompany(ctx, 1)
	require.NoError(t, err)
	require.Len(t, unpaid, 1)
	assert.Equal(t, models.InvoiceOverdue, unpaid[0].Status)

	stored, err := repos.Invoice.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePending, stored.Status)

	changed, err := svc.MarkOverdue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	stored, err = repos.Invoice.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceOverdue, stored.Status)
}

func TestConfigFromEnv(t *testing.T) {
	prev := env.Env
	t.Cleanup(func() { env.Env = prev })

	env.Env = map[string]string{"INVOICE_TAX_BPS": "1800", "INVOICE_DUE_DAYS": "14", "INVOICE_CURRENCY": "usd"}
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Config{TaxBasisPoints: 1800, DueDays: 14, Currency: "USD"}, cfg)

	env.Env = map[string]string{"INVOICE_TAX_BPS": "20000"}
	_, err = ConfigFromEnv()
	assert.Error(t, err)
}

func TestHasInvoiceSince(t *testing.T) {
	repos := repository.NewRepositories(testutil.NewDB(t))
	ctx := context.Background()
	svc := NewService(repos.Invoice, DefaultConfig()).WithClock(fixedClock(time.Date(2024, 6, 11, 6, 0, 0, 0, time.UTC)))

	has, err := svc.HasInvoiceSince(ctx, 5, testutil.Date(2024, 6, 11))
	require.NoError(t, err)
	assert.False(t, has)

	inv, err := svc.CreateInvoice(ctx, 1, 5, 5000)
	require.NoError(t, err)

	has, err = svc.HasInvoiceSince(ctx, 5, testutil.Date(2024, 6, 11))
	require.NoError(t, err)
	assert.True(t, has)

	has, err = svc.HasInvoiceSince(ctx, 5, testutil.Date(2024, 6, 12))
	require.NoError(t, err)
	assert.False(t, has)

	inv.Status = models.InvoiceCancelled
	require.NoError(t, repos.Invoice.Save(ctx, inv))
	has, err = svc.HasInvoiceSince(ctx, 5, testutil.Date(2024, 6, 11))
	require.NoError(t, err)
	assert.False(t, has)
}
