package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
	"github.com/ommanoj88/SEV-sub002/app/controllers"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/cache"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/middleware"
)

type ApiRouter struct {
	billing        *controllers.BillingController
	opsAPIKeyHash  string
	limiterStorage fiber.Storage
	limiterMax     int
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	max := h.limiterMax
	if max <= 0 {
		max = 60
	}
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        max,
		Expiration: time.Minute,
		Storage:    h.limiterStorage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"status": "error", "message": "Too many requests"})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 operator routes
	b := api.Group("/v1/billing", middleware.OpsAPIKeyAuth(h.opsAPIKeyHash))
	b.Post("/payments/verify", h.billing.HandleVerifyPayment)
	b.Post("/invoices/:id/payment-orders", h.billing.HandleCreatePaymentOrder)
	b.Get("/invoices/:id/payment-orders", h.billing.HandleListPaymentOrders)
	b.Post("/orders/:orderId/refunds", h.billing.HandleRefund)
	b.Post("/subscriptions/:id/reminders", h.billing.HandleSendReminder)
	b.Get("/renewals/status", h.billing.HandleRenewalStatus)
	b.Post("/renewals/run", h.billing.HandleRunRenewals)
	b.Get("/webhooks/failed", h.billing.HandleListFailedWebhooks)
	b.Post("/webhooks/events/:id/reprocess", h.billing.HandleReprocessWebhook)
	b.Get("/stats", h.billing.HandleStats)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{
		billing:        deps.Billing,
		opsAPIKeyHash:  deps.OpsAPIKeyHash,
		limiterStorage: deps.LimiterStorage,
		limiterMax:     deps.LimiterMax,
	}
}

// NewLimiterStorage keeps rate limiter counters in Redis database 1 (the cache uses its configured DB)
// so limits hold across replicas.
func NewLimiterStorage(cfg cache.Config) fiber.Storage {
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		Database: 1,
		Reset:    false,
	})
}
