package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/app/repository"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/payments"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const capturedPayload = `{"id":"evt_1","event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","amount":50000}}}}`

func testConfig() Config {
	return Config{
		DefaultSecret: testSecret,
		MaxAttempts:   5,
		StaleAfter:    15 * time.Minute,
		SweepBatch:    100,
	}
}

func signed(payload string) IngestRequest {
	return IngestRequest{
		Source:    "gw",
		Payload:   []byte(payload),
		Signature: ComputeSignature([]byte(payload), testSecret),
		ClientIP:  "203.0.113.7",
		UserAgent: "gateway-webhooks/1.0",
	}
}

func rowsFor(t *testing.T, repos *repository.Repositories, eventID string) []models.WebhookEvent {
	t.Helper()
	var rows []models.WebhookEvent
	require.NoError(t, repos.DB().Where("event_id = ?", eventID).Order("generation ASC").Find(&rows).Error)
	return rows
}

func newMockIngestor(t *testing.T) (*Ingestor, *repository.Repositories, *mockCoordinator) {
	t.Helper()
	repos := repository.NewRepositories(testutil.NewDB(t))
	coord := &mockCoordinator{}
	return NewIngestor(repos.WebhookEvent, NewDispatcher(coord, nil), testConfig(), nil), repos, coord
}

func TestIngestEndToEndWithReplay(t *testing.T) {
	ctx := context.Background()
	repos := repository.NewRepositories(testutil.NewDB(t))

	inv := &models.Invoice{
		CompanyID:     3,
		InvoiceNumber: "INV-202406-e2e00001",
		Subtotal:      50000,
		Status:        models.InvoicePending,
		IssueDate:     models.DateOf(time.Now()),
		DueDate:       models.DateOf(time.Now()).AddDate(0, 0, 7),
	}
	inv.Recompute(time.Now())
	require.NoError(t, repos.Invoice.Create(ctx, inv))
	order, err := models.NewPaymentOrder("order_1", inv.ID, inv.CompanyID, 50000, "INR")
	require.NoError(t, err)
	require.NoError(t, repos.PaymentOrder.Create(ctx, order))

	coord := payments.NewCoordinator(repos, nil, nil)
	ing := NewIngestor(repos.WebhookEvent, NewDispatcher(coord, nil), testConfig(), nil)

	res, err := ing.Ingest(ctx, signed(capturedPayload))
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, res.Outcome)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "payment.captured", res.EventType)
	assert.Equal(t, "evt_1", res.EventID)

	replay, err := ing.Ingest(ctx, signed(capturedPayload))
	require.NoError(t, err)
	assert.Equal(t, IngestAlreadyProcessed, replay.Outcome)
	assert.Equal(t, "Event already processed", replay.Message)

	rows := rowsFor(t, repos, "evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusProcessed, rows[0].Status)
	assert.True(t, rows[0].SignatureValid)
	assert.Equal(t, 1, rows[0].Attempts)
	require.NotNil(t, rows[0].OrderID)
	assert.Equal(t, "order_1", *rows[0].OrderID)

	storedOrder, err := repos.PaymentOrder.GetByGatewayOrderID(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentOrderPaid, storedOrder.Status)
	assert.Equal(t, int64(50000), storedOrder.AmountPaid)

	storedInvoice, err := repos.Invoice.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, storedInvoice.Status)
	assert.Equal(t, int64(50000), storedInvoice.PaidAmount)
}

func TestIngestUnknownEventTypeIsAcknowledged(t *testing.T) {
	ing, repos, coord := newMockIngestor(t)

	res, err := ing.Ingest(context.Background(), signed(`{"id":"evt_c","event":"custom.event"}`))
	require.NoError(t, err)
	assert.Equal(t, IngestIgnored, res.Outcome)
	assert.Equal(t, "accepted", res.Status)
	assert.Equal(t, "custom.event", res.EventType)

	rows := rowsFor(t, repos, "evt_c")
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusProcessed, rows[0].Status)
	coord.AssertNotCalled(t, "HandlePaymentSuccess", mock.Anything, mock.Anything)
	coord.AssertNotCalled(t, "HandlePaymentFailure", mock.Anything, mock.Anything)
}

func TestIngestRejectsMalformedPayloadWithoutPersisting(t *testing.T) {
	ing, repos, _ := newMockIngestor(t)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, signed(`{"id":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, "invalid payload", apperror.Message(err))

	_, err = ing.Ingest(ctx, signed(`{"event":"payment.captured","payload":{}}`))
	require.Error(t, err)
	assert.Equal(t, "missing event id", apperror.Message(err))

	counts, err := repos.WebhookEvent.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestIngestInvalidSignatureIsStoredButNotDispatched(t *testing.T) {
	ing, repos, coord := newMockIngestor(t)
	ctx := context.Background()

	req := signed(capturedPayload)
	req.Signature = ComputeSignature([]byte(capturedPayload), "wrong")
	_, err := ing.Ingest(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrAuth)

	req.Signature = ""
	_, err = ing.Ingest(ctx, req)
	assert.ErrorIs(t, err, apperror.ErrAuth)

	rows := rowsFor(t, repos, "evt_1")
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, models.WebhookStatusInvalidSignature, row.Status)
		assert.False(t, row.SignatureValid)
		assert.Zero(t, row.Attempts)
	}
	coord.AssertNotCalled(t, "HandlePaymentSuccess", mock.Anything, mock.Anything)

	// a correctly signed redelivery still goes through
	coord.On("HandlePaymentSuccess", mock.Anything, mock.Anything).Return(&payments.SuccessResult{}, nil).Once()
	res, err := ing.Ingest(ctx, signed(capturedPayload))
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, res.Outcome)
	assert.Len(t, rowsFor(t, repos, "evt_1"), 3)
}

func TestIngestUnsignedModeWithoutSecret(t *testing.T) {
	repos := repository.NewRepositories(testutil.NewDB(t))
	cfg := testConfig()
	cfg.DefaultSecret = ""

	strict := NewIngestor(repos.WebhookEvent, NewDispatcher(&mockCoordinator{}, nil), cfg, nil)
	_, err := strict.Ingest(context.Background(), IngestRequest{Source: "gw", Payload: []byte(`{"id":"evt_u1","event":"custom.event"}`)})
	assert.ErrorIs(t, err, apperror.ErrAuth)

	cfg.AllowUnsigned = true
	lenient := NewIngestor(repos.WebhookEvent, NewDispatcher(&mockCoordinator{}, nil), cfg, nil)
	res, err := lenient.Ingest(context.Background(), IngestRequest{Source: "gw", Payload: []byte(`{"id":"evt_u2","event":"custom.event"}`)})
	require.NoError(t, err)
	assert.Equal(t, IngestIgnored, res.Outcome)
}

func TestIngestInFlightEventConflicts(t *testing.T) {
	ing, repos, _ := newMockIngestor(t)
	ctx := context.Background()

	_, err := repos.WebhookEvent.Claim(ctx, &models.WebhookEvent{
		Source: "gw", EventID: "evt_1", EventType: "payment.captured", PayloadJSON: capturedPayload,
	}, true)
	require.NoError(t, err)

	_, err = ing.Ingest(ctx, signed(capturedPayload))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrConflict)
	assert.Len(t, rowsFor(t, repos, "evt_1"), 1)
}

func TestIngestHandlerFailureThenReprocess(t *testing.T) {
	ing, repos, coord := newMockIngestor(t)
	ctx := context.Background()
	payload := `{"id":"evt_f","event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","error_code":"GATEWAY_ERROR"}}}}`

	coord.On("HandlePaymentFailure", mock.Anything, mock.Anything).Return(nil, errors.New("database unavailable")).Once()
	res, err := ing.Ingest(ctx, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res.Outcome)
	assert.Equal(t, "accepted", res.Status)

	rows := rowsFor(t, repos, "evt_f")
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].ErrorMessage, "database unavailable")

	pending, err := ing.PendingRetries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	coord.On("HandlePaymentFailure", mock.Anything, mock.Anything).Return(&models.PaymentOrder{}, nil).Once()
	again, err := ing.Reprocess(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, again.Outcome)

	stored, err := repos.WebhookEvent.GetByID(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Empty(t, stored.ErrorMessage)

	_, err = ing.Reprocess(ctx, rows[0].ID)
	assert.ErrorIs(t, err, apperror.ErrConflict)
	_, err = ing.Reprocess(ctx, 9999)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestIngestRedeliveryOfFailedEventOpensNewGeneration(t *testing.T) {
	ing, repos, coord := newMockIngestor(t)
	ctx := context.Background()

	coord.On("HandlePaymentSuccess", mock.Anything, mock.Anything).
		Return(nil, apperror.Internal("payment coordination failed", errors.New("timeout"))).Once()
	first, err := ing.Ingest(ctx, signed(capturedPayload))
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, first.Outcome)

	coord.On("HandlePaymentSuccess", mock.Anything, mock.Anything).Return(&payments.SuccessResult{}, nil).Once()
	second, err := ing.Ingest(ctx, signed(capturedPayload))
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, second.Outcome)

	rows := rowsFor(t, repos, "evt_1")
	require.Len(t, rows, 2)
	assert.Equal(t, models.WebhookStatusDuplicate, rows[0].Status)
	assert.Equal(t, models.WebhookStatusProcessed, rows[1].Status)
	assert.Equal(t, 2, rows[1].Generation)
	coord.AssertNumberOfCalls(t, "HandlePaymentSuccess", 2)
}

func TestIngestBadSignatureDoesNotSupersedeFailedRow(t *testing.T) {
	ing, repos, coord := newMockIngestor(t)
	ctx := context.Background()
	payload := `{"id":"evt_f","event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1"}}}}`

	coord.On("HandlePaymentFailure", mock.Anything, mock.Anything).Return(nil, errors.New("database unavailable")).Once()
	_, err := ing.Ingest(ctx, signed(payload))
	require.NoError(t, err)

	forged := signed(payload)
	forged.Signature = "deadbeef"
	_, err = ing.Ingest(ctx, forged)
	assert.ErrorIs(t, err, apperror.ErrAuth)

	rows := rowsFor(t, repos, "evt_f")
	require.Len(t, rows, 2)
	assert.Equal(t, models.WebhookStatusFailed, rows[0].Status)
	assert.Equal(t, models.WebhookStatusInvalidSignature, rows[1].Status)
	assert.Equal(t, 2, rows[1].Generation)

	pending, err := ing.PendingRetries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rows[0].ID, pending[0].ID)

	coord.On("HandlePaymentFailure", mock.Anything, mock.Anything).Return(&models.PaymentOrder{}, nil).Once()
	again, err := ing.Reprocess(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, IngestProcessed, again.Outcome)
}

func TestRecoverStale(t *testing.T) {
	ing, repos, _ := newMockIngestor(t)
	ctx := context.Background()

	verified, err := repos.WebhookEvent.Claim(ctx, &models.WebhookEvent{
		Source: "gw", EventID: "evt_v", EventType: "payment.captured", PayloadJSON: "{}", SignatureValid: true,
	}, true)
	require.NoError(t, err)
	ok, err := repos.WebhookEvent.StartProcessing(ctx, verified.Event.ID, models.WebhookStatusReceived)
	require.NoError(t, err)
	require.True(t, ok)

	unverified, err := repos.WebhookEvent.Claim(ctx, &models.WebhookEvent{
		Source: "gw", EventID: "evt_x", EventType: "payment.captured", PayloadJSON: "{}",
	}, false)
	require.NoError(t, err)

	n, err := ing.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	ing.WithClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	n, err = ing.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, err := repos.WebhookEvent.GetByID(ctx, verified.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, v.Status)
	x, err := repos.WebhookEvent.GetByID(ctx, unverified.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusInvalidSignature, x.Status)
}

type recordingArchiver struct {
	keys []string
}

func (r *recordingArchiver) ArchivePayload(_ context.Context, key string, _ []byte) error {
	r.keys = append(r.keys, key)
	return errors.New("bucket unavailable")
}

func TestIngestArchivesPayloadAndIgnoresArchiveErrors(t *testing.T) {
	ing, _, _ := newMockIngestor(t)
	arch := &recordingArchiver{}
	ing.WithArchiver(arch).WithClock(func() time.Time { return time.Date(2024, 6, 11, 8, 0, 0, 0, time.UTC) })

	res, err := ing.Ingest(context.Background(), signed(`{"id":"evt/../a b","event":"custom.event"}`))
	require.NoError(t, err)
	assert.Equal(t, IngestIgnored, res.Outcome)
	assert.Equal(t, []string{"gw/2024/06/11/evt_.._a_b/1.json"}, arch.keys)
}

func TestIngestDoesNotArchiveRejectedDeliveries(t *testing.T) {
	ing, _, _ := newMockIngestor(t)
	arch := &recordingArchiver{}
	ing.WithArchiver(arch)

	req := signed(`{"id":"evt_bad","event":"custom.event"}`)
	req.Signature = "deadbeef"
	_, err := ing.Ingest(context.Background(), req)
	assert.ErrorIs(t, err, apperror.ErrAuth)
	assert.Empty(t, arch.keys)
}
