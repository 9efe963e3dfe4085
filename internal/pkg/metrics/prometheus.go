package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus holds the billing collectors.
type Prometheus struct {
	registry *prometheus.Registry

	WebhooksTotal       *prometheus.CounterVec
	DispatchTotal       *prometheus.CounterVec
	PaymentsTotal       *prometheus.CounterVec
	RenewalTotal        *prometheus.CounterVec
	RenewalRunDuration  prometheus.Histogram
	RenewalLastRunEpoch prometheus.Gauge
}

// NewPrometheus creates and registers all collectors on registry.
func NewPrometheus(registry *prometheus.Registry) *Prometheus {
	p := &Prometheus{
		registry: registry,
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetbilling_webhooks_total",
				Help: "Webhook deliveries by source, event type and ingest outcome",
			},
			[]string{"source", "event_type", "outcome"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetbilling_dispatch_total",
				Help: "Event handler invocations by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetbilling_payments_total",
				Help: "Payment coordinator operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		RenewalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetbilling_renewal_subscriptions_total",
				Help: "Subscriptions handled by the renewal scheduler per phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		RenewalRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleetbilling_renewal_run_duration_seconds",
				Help:    "Duration of a full renewal run",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		RenewalLastRunEpoch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetbilling_renewal_last_run_timestamp_seconds",
				Help: "Unix time of the last completed renewal run",
			},
		),
	}

	registry.MustRegister(
		p.WebhooksTotal,
		p.DispatchTotal,
		p.PaymentsTotal,
		p.RenewalTotal,
		p.RenewalRunDuration,
		p.RenewalLastRunEpoch,
	)
	return p
}

func (p *Prometheus) IncWebhook(source, eventType, outcome string) {
	p.WebhooksTotal.WithLabelValues(source, eventType, outcome).Inc()
}

func (p *Prometheus) IncDispatch(eventType, outcome string) {
	p.DispatchTotal.WithLabelValues(eventType, outcome).Inc()
}

func (p *Prometheus) IncPayment(operation, outcome string) {
	p.PaymentsTotal.WithLabelValues(operation, outcome).Inc()
}

func (p *Prometheus) IncRenewal(phase, outcome string) {
	p.RenewalTotal.WithLabelValues(phase, outcome).Inc()
}

func (p *Prometheus) ObserveRenewalRun(d time.Duration) {
	p.RenewalRunDuration.Observe(d.Seconds())
	p.RenewalLastRunEpoch.SetToCurrentTime()
}

// Handler serves the registry in the Prometheus text format on a fiber route.
func (p *Prometheus) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
