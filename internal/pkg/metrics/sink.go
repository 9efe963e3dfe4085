// Package metrics defines the observability sink that billing components report to.
//
// Components receive a Sink at construction time; there is no package-level state.
// Implementations: Prometheus (Prometheus), Redis hash counters (counter.RedisSink),
// Noop and Multi for fan-out.
package metrics

import "time"

// Outcome labels shared by all sinks.
const (
	OutcomeProcessed        = "processed"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeConflict         = "conflict"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeInvalidPayload   = "invalid_payload"
	OutcomeAccepted         = "accepted"
	OutcomeFailed           = "failed"
	OutcomeIgnored          = "ignored"
	OutcomeOK               = "ok"
	OutcomeSkipped          = "skipped"
	OutcomeError            = "error"
)

type Sink interface {
	// IncWebhook counts one webhook delivery by its final ingest outcome.
	IncWebhook(source, eventType, outcome string)
	// IncDispatch counts one handler invocation.
	IncDispatch(eventType, outcome string)
	// IncPayment counts coordinator operations, e.g. ("success", "processed").
	IncPayment(operation, outcome string)
	// IncRenewal counts one subscription handled in a renewal phase.
	IncRenewal(phase, outcome string)
	ObserveRenewalRun(d time.Duration)
}

type noop struct{}

// Noop discards everything.
func Noop() Sink { return noop{} }

func (noop) IncWebhook(string, string, string) {}
func (noop) IncDispatch(string, string)        {}
func (noop) IncPayment(string, string)         {}
func (noop) IncRenewal(string, string)         {}
func (noop) ObserveRenewalRun(time.Duration)   {}

type multi []Sink

// Multi fans every observation out to all non-nil sinks.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) IncWebhook(source, eventType, outcome string) {
	for _, s := range m {
		s.IncWebhook(source, eventType, outcome)
	}
}

func (m multi) IncDispatch(eventType, outcome string) {
	for _, s := range m {
		s.IncDispatch(eventType, outcome)
	}
}

func (m multi) IncPayment(operation, outcome string) {
	for _, s := range m {
		s.IncPayment(operation, outcome)
	}
}

func (m multi) IncRenewal(phase, outcome string) {
	for _, s := range m {
		s.IncRenewal(phase, outcome)
	}
}

func (m multi) ObserveRenewalRun(d time.Duration) {
	for _, s := range m {
		s.ObserveRenewalRun(d)
	}
}

// OrNoop returns s, or Noop when s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return Noop()
	}
	return s
}
