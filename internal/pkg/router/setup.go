package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/ommanoj88/SEV-sub002/app/controllers"
)

// Router installs one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries the controllers and middleware configuration the routers need.
type Deps struct {
	Webhooks *controllers.WebhookController
	Billing  *controllers.BillingController
	// Metrics serves /metrics; nil leaves the route out.
	Metrics fiber.Handler
	// OpsAPIKeyHash is the bcrypt hash guarding /api/v1/billing.
	OpsAPIKeyHash string
	// LimiterStorage backs the API rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	LimiterMax     int
}

func InstallRouter(app *fiber.App, deps Deps) {
	// Webhooks are mounted outside /api so the gateway is never rate limited.
	setup(app, NewWebhookRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
