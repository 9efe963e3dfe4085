package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/ommanoj88/SEV-sub002/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxClaimRounds bounds how often Claim re-reads after losing an insert race.
const maxClaimRounds = 3

type webhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// Claim atomically decides ownership of a delivery. The unique index on
// (source, event_id, generation) is the arbiter: an insert that affects no row lost the race.
// Rows rejected for their signature never decide the outcome. A FAILED row is
// moved to DUPLICATE only when supersede is set; otherwise the new row is
// recorded next to it and the FAILED row stays eligible for reprocessing.
func (r *webhookEventRepository) Claim(ctx context.Context, event *models.WebhookEvent, supersede bool) (*ClaimResult, error) {
	for round := 0; round < maxClaimRounds; round++ {
		latest, err := r.GetLatest(ctx, event.Source, event.EventID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		generation := 1
		var superseded *models.WebhookEvent
		if latest != nil {
			decider, err := r.latestVerdict(ctx, event.Source, event.EventID)
			if err != nil {
				return nil, err
			}
			switch {
			case decider == nil:
			case decider.Status == models.WebhookStatusProcessed:
				return &ClaimResult{Outcome: ClaimAlreadyProcessed, Event: decider}, nil
			case decider.IsInFlight():
				return &ClaimResult{Outcome: ClaimInFlight, Event: decider}, nil
			case decider.Status == models.WebhookStatusFailed && supersede:
				ok, err := r.TransitionStatus(ctx, decider.ID,
					[]models.WebhookEventStatus{models.WebhookStatusFailed},
					models.WebhookStatusDuplicate, decider.ErrorMessage)
				if err != nil {
					return nil, err
				}
				if !ok {
					// another delivery superseded it first
					continue
				}
				decider.Status = models.WebhookStatusDuplicate
				superseded = decider
			}
			generation = latest.Generation + 1
		}

		event.ID = 0
		event.Generation = generation
		event.Status = models.WebhookStatusReceived
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "source"},
				{Name: "event_id"},
				{Name: "generation"},
			},
			DoNothing: true,
		}).Create(event)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			return &ClaimResult{Outcome: ClaimCreated, Event: event, Superseded: superseded}, nil
		}
		if superseded != nil {
			// put the row back so the winner of the race can supersede it instead
			if _, err := r.TransitionStatus(ctx, superseded.ID,
				[]models.WebhookEventStatus{models.WebhookStatusDuplicate},
				models.WebhookStatusFailed, superseded.ErrorMessage); err != nil {
				return nil, err
			}
		}
		log.Infof("[WebhookStore] lost insert race for %s/%s generation %d, re-reading", event.Source, event.EventID, generation)
	}

	latest, err := r.GetLatest(ctx, event.Source, event.EventID)
	if err != nil {
		return nil, fmt.Errorf("claim %s/%s: %w", event.Source, event.EventID, err)
	}
	if latest.Status == models.WebhookStatusProcessed {
		return &ClaimResult{Outcome: ClaimAlreadyProcessed, Event: latest}, nil
	}
	return &ClaimResult{Outcome: ClaimInFlight, Event: latest}, nil
}

// latestVerdict returns the highest generation row that passed or was never
// checked against the signature, or nil when every row was rejected.
func (r *webhookEventRepository) latestVerdict(ctx context.Context, source, eventID string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("source = ? AND event_id = ? AND status <> ?", source, eventID, models.WebhookStatusInvalidSignature).
		Order("generation DESC").
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetLatest returns the highest generation row, or gorm.ErrRecordNotFound.
func (r *webhookEventRepository) GetLatest(ctx context.Context, source, eventID string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("source = ? AND event_id = ?", source, eventID).
		Order("generation DESC").
		First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *webhookEventRepository) GetByID(ctx context.Context, id uint) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		return nil, notFoundOr(err, "webhook event %d not found", id)
	}
	return &ev, nil
}

func (r *webhookEventRepository) Save(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Save(event).Error
}

// TransitionStatus moves a row to `to` only while it is in one of `from`.
func (r *webhookEventRepository) TransitionStatus(ctx context.Context, id uint, from []models.WebhookEventStatus, to models.WebhookEventStatus, errMsg string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":        to,
			"error_message": errMsg,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *webhookEventRepository) StartProcessing(ctx context.Context, id uint, from models.WebhookEventStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":        models.WebhookStatusProcessing,
			"attempts":      gorm.Expr("attempts + 1"),
			"error_message": "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *webhookEventRepository) FinishProcessing(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", event.ID, models.WebhookStatusProcessing).
		Updates(map[string]interface{}{
			"status":          event.Status,
			"error_message":   event.ErrorMessage,
			"processed_at":    event.ProcessedAt,
			"signature_valid": event.SignatureValid,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListFailed returns FAILED rows that still have reprocessing attempts left, oldest first.
func (r *webhookEventRepository) ListFailed(ctx context.Context, maxAttempts, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND attempts < ?", models.WebhookStatusFailed, maxAttempts).
		Order("updated_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// ListStale returns RECEIVED/PROCESSING rows that have not moved since updatedBefore.
func (r *webhookEventRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []models.WebhookEventStatus{models.WebhookStatusReceived, models.WebhookStatusProcessing}, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *webhookEventRepository) ListByStatus(ctx context.Context, status models.WebhookEventStatus, offset, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *webhookEventRepository) CountByStatus(ctx context.Context) (map[models.WebhookEventStatus]int64, error) {
	return countByStatus[models.WebhookEventStatus](ctx, r.db, &models.WebhookEvent{})
}
