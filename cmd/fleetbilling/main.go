package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ommanoj88/SEV-sub002/app/controllers"
	"github.com/ommanoj88/SEV-sub002/app/repository"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/archive"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/billing"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/cache"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/database"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/env"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/invoicing"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/jobqueue"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/mail"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/metrics"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/metrics/counter"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/notification"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/payments"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/renewal"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/router"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/statistics"
)

const shutdownTimeout = 30 * time.Second

// Application is the wired HTTP server plus the background workers it owns.
type Application struct {
	App       *fiber.App
	Scheduler *renewal.Scheduler
	Jobs      *jobqueue.Manager
}

func main() {
	a, err := NewApplication()
	if err != nil {
		log.Fatalf("[Main] startup failed: %v", err)
	}

	if err := a.Scheduler.Start(); err != nil {
		log.Fatalf("[Main] renewal scheduler: %v", err)
	}
	a.Jobs.Start()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := a.App.Listen(addr); err != nil {
			log.Fatalf("[Main] listen: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("[Main] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.App.ShutdownWithContext(ctx); err != nil {
		log.Errorf("[Main] http shutdown: %v", err)
	}
	a.Scheduler.Stop(ctx)
	a.Jobs.Stop()
}

func NewApplication() (*Application, error) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	cacheCfg := cache.ConfigFromEnv()
	rdb := cache.GetClient()
	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewPrometheus(registry)
	counters := counter.NewRedisSink(rdb)
	sink := metrics.Multi(prom, counters)

	// background queue and mail delivery
	jobCfg, err := jobqueue.ManagerConfigFromEnv()
	if err != nil {
		return nil, err
	}
	queue := jobqueue.NewQueue(rdb, jobCfg.Workers)

	smtpMailer := mail.NewSMTPMailer(mail.ConfigFromEnv())
	if !smtpMailer.Enabled() {
		log.Warn("[Main] SMTP_HOST not set, notifications will fail until it is configured")
	}
	var mailer notification.Mailer = smtpMailer
	if env.GetEnvBool("MAIL_VIA_QUEUE", true) {
		mailer = jobqueue.NewEmailEnqueuer(queue, smtpMailer)
	}
	notifier := notification.NewMailDispatcher(mailer)

	// payments and webhooks
	coordinator := payments.NewCoordinator(repos, notifier, sink)
	webhookCfg, err := billing.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	ingestor := billing.NewIngestor(repos.WebhookEvent, billing.NewDispatcher(coordinator, sink), webhookCfg, sink)

	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		return nil, err
	}
	if archiveCfg.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		archiver, err := archive.NewS3Archiver(ctx, archiveCfg)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("payload archive: %w", err)
		}
		ingestor.WithArchiver(archiver)
	}

	// invoicing and renewals
	invoiceCfg, err := invoicing.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	invoices := invoicing.NewService(repos.Invoice, invoiceCfg)
	renewalCfg, err := renewal.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	scheduler := renewal.NewScheduler(renewalCfg, repos.Subscription, invoices, repos.BillingContact, notifier, sink)

	jobs := jobqueue.NewManager(queue, jobCfg, ingestor, coordinator, invoices)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
		// real client addresses come from CF-Connecting-IP / X-Forwarded-For, see controllers.GetClientIP
		ProxyHeader: env.GetEnv("PROXY_HEADER", ""),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if specPath := findOpenAPISpec(); specPath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: specPath,
			Path:     "v1",
		}))
	} else {
		log.Warn("[Main] docs/openapi.yml not found, API docs disabled")
	}

	// ROUTER
	router.InstallRouter(app, router.Deps{
		Webhooks: controllers.NewWebhookController(ingestor),
		Billing: controllers.NewBillingController(controllers.BillingControllerDeps{
			Coordinator: coordinator,
			Scheduler:   scheduler,
			Ingestor:    ingestor,
			Repos:       repos,
			Stats:       statistics.NewCollector(repos, true),
			Counters:    counters,
			Queue:       queue,
		}),
		Metrics:        prom.Handler(),
		OpsAPIKeyHash:  env.GetEnv("OPS_API_KEY_HASH", ""),
		LimiterStorage: router.NewLimiterStorage(cacheCfg),
		LimiterMax:     env.GetEnvInt("API_RATE_LIMIT_PER_MINUTE", 60),
	})

	return &Application{App: app, Scheduler: scheduler, Jobs: jobs}, nil
}

// findOpenAPISpec looks for docs/openapi.yml from the working directory and from cmd/fleetbilling.
func findOpenAPISpec() string {
	for _, base := range []string{"./", "../../", "../../../"} {
		p := base + "docs/openapi.yml"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
