package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ommanoj88/SEV-sub002/app/controllers"
)

type WebhookRouter struct {
	webhooks *controllers.WebhookController
	metrics  fiber.Handler
}

func (w WebhookRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
	})
	if w.metrics != nil {
		app.Get("/metrics", w.metrics)
	}

	hooks := app.Group("/webhooks")
	hooks.Post("/:gateway", w.webhooks.HandleWebhook)
	hooks.Get("/:gateway/health", w.webhooks.HandleHealth)
}

func NewWebhookRouter(deps Deps) *WebhookRouter {
	return &WebhookRouter{webhooks: deps.Webhooks, metrics: deps.Metrics}
}
