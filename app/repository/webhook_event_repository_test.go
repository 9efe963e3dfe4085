package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(eventID string) *models.WebhookEvent {
	return &models.WebhookEvent{
		Source:      "razorpay",
		EventID:     eventID,
		EventType:   models.WebhookEventPaymentCaptured,
		PayloadJSON: `{"id":"` + eventID + `"}`,
	}
}

func TestClaimNewEvent(t *testing.T) {
	repo := NewWebhookEventRepository(testutil.NewDB(t))
	ctx := context.Background()

	res, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	assert.Equal(t, ClaimCreated, res.Outcome)
	assert.NotZero(t, res.Event.ID)
	assert.Equal(t, 1, res.Event.Generation)
	assert.Equal(t, models.WebhookStatusReceived, res.Event.Status)
	assert.Nil(t, res.Superseded)
}

func TestClaimInFlightAndProcessed(t *testing.T) {
	repo := NewWebhookEventRepository(testutil.NewDB(t))
	ctx := context.Background()

	first, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)

	second, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	assert.Equal(t, ClaimInFlight, second.Outcome)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	first.Event.MarkProcessing()
	require.NoError(t, repo.Save(ctx, first.Event))
	third, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	assert.Equal(t, ClaimInFlight, third.Outcome)

	first.Event.MarkProcessed(time.Now())
	require.NoError(t, repo.Save(ctx, first.Event))
	fourth, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	assert.Equal(t, ClaimAlreadyProcessed, fourth.Outcome)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.WebhookStatusProcessed])
	assert.Len(t, counts, 1)
}

func TestClaimSupersedesFailedRow(t *testing.T) {
	repo := NewWebhookEventRepository(testutil.NewDB(t))
	ctx := context.Background()

	first, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	first.Event.MarkProcessing()
	first.Event.MarkFailed("order not found")
	require.NoError(t, repo.Save(ctx, first.Event))

	second, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	assert.Equal(t, ClaimCreated, second.Outcome)
	assert.Equal(t, 2, second.Event.Generation)
	require.NotNil(t, second.Superseded)
	assert.Equal(t, first.Event.ID, second.Superseded.ID)

	old, err := repo.GetByID(ctx, first.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusDuplicate, old.Status)
	assert.Equal(t, "order not found", old.ErrorMessage)
}

func TestClaimWithoutSupersedeKeepsFailedRow(t *testing.T) {
	repo := NewWebhookEventRepository(testutil.NewDB(t))
	ctx := context.Background()

	first, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	first.Event.MarkProcessing()
	first.Event.MarkFailed("order not found")
	require.NoError(t, repo.Save(ctx, first.Event))

	unsigned, err := repo.Claim(ctx, newEvent("evt_1"), false)
	require.NoError(t, err)
	assert.Equal(t, ClaimCreated, unsigned.Outcome)
	assert.Equal(t, 2, unsigned.Event.Generation)
	assert.Nil(t, unsigned.Superseded)
	unsigned.Event.MarkInvalidSignature()
	require.NoError(t, repo.Save(ctx, unsigned.Event))

	old, err := repo.GetByID(ctx, first.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, old.Status)

	// the rejected row does not hide the FAILED one from a signed redelivery
	signed, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	assert.Equal(t, ClaimCreated, signed.Outcome)
	assert.Equal(t, 3, signed.Event.Generation)
	require.NotNil(t, signed.Superseded)
	assert.Equal(t, first.Event.ID, signed.Superseded.ID)
}

func TestClaimIgnoresRejectedRowsWhenProcessed(t *testing.T) {
	repo := NewWebhookEventRepository(testutil.NewDB(t))
	ctx := context.Background()

	first, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	first.Event.MarkProcessing()
	first.Event.MarkProcessed(time.Now())
	require.NoError(t, repo.Save(ctx, first.Event))

	bad, err := repo.Claim(ctx, newEvent("evt_1"), false)
	require.NoError(t, err)
	assert.Equal(t, ClaimAlreadyProcessed, bad.Outcome)
	assert.Equal(t, first.Event.ID, bad.Event.ID)
}

func TestClaimAfterInvalidSignatureOpensNewGeneration(t *testing.T) {
	repo := NewWebhookEventRepository(testutil.NewDB(t))
	ctx := context.Background()

	first, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	first.Event.MarkInvalidSignature()
	require.NoError(t, repo.Save(ctx, first.Event))

	second, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)
	assert.Equal(t, ClaimCreated, second.Outcome)
	assert.Equal(t, 2, second.Event.Generation)
	assert.Nil(t, second.Superseded)

	old, err := repo.GetByID(ctx, first.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusInvalidSignature, old.Status)
}

func TestClaimIsAtomicUnderConcurrency(t *testing.T) {
	repo := NewWebhookEventRepository(testutil.NewDB(t))
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make(chan ClaimOutcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.Claim(ctx, newEvent("evt_race"), true)
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	created := 0
	for o := range outcomes {
		if o == ClaimCreated {
			created++
		} else {
			assert.Equal(t, ClaimInFlight, o)
		}
	}
	assert.Equal(t, 1, created)
}

func TestListFailedAndStale(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()

	failed, err := repo.Claim(ctx, newEvent("evt_failed"), true)
	require.NoError(t, err)
	failed.Event.MarkProcessing()
	failed.Event.MarkFailed("boom")
	require.NoError(t, repo.Save(ctx, failed.Event))

	exhausted, err := repo.Claim(ctx, newEvent("evt_exhausted"), true)
	require.NoError(t, err)
	exhausted.Event.Attempts = 5
	exhausted.Event.MarkFailed("boom")
	require.NoError(t, repo.Save(ctx, exhausted.Event))

	stuck, err := repo.Claim(ctx, newEvent("evt_stuck"), true)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.WebhookEvent{}).Where("id = ?", stuck.Event.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-time.Hour)).Error)

	list, err := repo.ListFailed(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "evt_failed", list[0].EventID)

	stale, err := repo.ListStale(ctx, time.Now().UTC().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "evt_stuck", stale[0].EventID)

	byStatus, err := repo.ListByStatus(ctx, models.WebhookStatusFailed, 0, 10)
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)
}

func TestTransitionStatusIsCompareAndSet(t *testing.T) {
	repo := NewWebhookEventRepository(testutil.NewDB(t))
	ctx := context.Background()

	res, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)

	ok, err := repo.TransitionStatus(ctx, res.Event.ID, []models.WebhookEventStatus{models.WebhookStatusFailed}, models.WebhookStatusDuplicate, "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.TransitionStatus(ctx, res.Event.ID, []models.WebhookEventStatus{models.WebhookStatusReceived}, models.WebhookStatusFailed, "stale")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.GetByID(ctx, 9999)
	assert.Error(t, err)
}

func TestStartAndFinishProcessing(t *testing.T) {
	repo := NewWebhookEventRepository(testutil.NewDB(t))
	ctx := context.Background()

	res, err := repo.Claim(ctx, newEvent("evt_1"), true)
	require.NoError(t, err)

	ok, err := repo.StartProcessing(ctx, res.Event.ID, models.WebhookStatusFailed)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.StartProcessing(ctx, res.Event.ID, models.WebhookStatusReceived)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := repo.GetByID(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessing, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	stored.SignatureValid = true
	stored.MarkProcessed(time.Now().UTC())
	ok, err = repo.FinishProcessing(ctx, stored)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second finish finds no PROCESSING row
	ok, err = repo.FinishProcessing(ctx, stored)
	require.NoError(t, err)
	assert.False(t, ok)

	final, err := repo.GetByID(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessed, final.Status)
	assert.NotNil(t, final.ProcessedAt)
	assert.True(t, final.SignatureValid)
}
