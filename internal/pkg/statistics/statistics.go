// Package statistics aggregates status counts across the billing tables for the
// operator stats endpoint, cached in Redis.
package statistics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/ommanoj88/SEV-sub002/app/models"
	"github.com/ommanoj88/SEV-sub002/app/repository"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/cache"
	"github.com/redis/go-redis/v9"
)

const (
	CacheKeyBillingStats = "statistics:billing"
	CacheExpiration      = 30 * time.Second
)

// BillingStats is the per-status row count of every billing table.
type BillingStats struct {
	WebhookEvents map[models.WebhookEventStatus]int64 `json:"webhookEvents"`
	PaymentOrders map[models.PaymentOrderStatus]int64 `json:"paymentOrders"`
	Invoices      map[models.InvoiceStatus]int64      `json:"invoices"`
	Subscriptions map[models.SubscriptionStatus]int64 `json:"subscriptions"`
	CollectedAt   time.Time                           `json:"collectedAt"`
}

type Collector struct {
	repos *repository.Repositories
	// useCache is false when no redis is configured, e.g. in handler tests.
	useCache bool
}

func NewCollector(repos *repository.Repositories, useCache bool) *Collector {
	return &Collector{repos: repos, useCache: useCache}
}

// Get returns cached stats when fresh, otherwise recounts and refreshes the cache.
func (c *Collector) Get(ctx context.Context) (*BillingStats, error) {
	if c.useCache {
		var cached BillingStats
		err := cache.GetJSON(ctx, CacheKeyBillingStats, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, redis.Nil) {
			log.Warnf("[Statistics] cache read failed: %v", err)
		}
	}

	stats, err := c.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if c.useCache {
		if err := cache.SetJSON(ctx, CacheKeyBillingStats, stats, CacheExpiration); err != nil {
			log.Warnf("[Statistics] cache write failed: %v", err)
		}
	}
	return stats, nil
}

// Collect counts rows without touching the cache.
func (c *Collector) Collect(ctx context.Context) (*BillingStats, error) {
	stats := &BillingStats{CollectedAt: time.Now().UTC()}
	var err error
	if stats.WebhookEvents, err = c.repos.WebhookEvent.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("count webhook events: %w", err)
	}
	if stats.PaymentOrders, err = c.repos.PaymentOrder.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("count payment orders: %w", err)
	}
	if stats.Invoices, err = c.repos.Invoice.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("count invoices: %w", err)
	}
	if stats.Subscriptions, err = c.repos.Subscription.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	return stats, nil
}

// Invalidate drops the cached stats, e.g. after an operator action.
func (c *Collector) Invalidate(ctx context.Context) {
	if !c.useCache {
		return
	}
	if err := cache.Delete(ctx, CacheKeyBillingStats); err != nil {
		log.Warnf("[Statistics] cache invalidate failed: %v", err)
	}
}
