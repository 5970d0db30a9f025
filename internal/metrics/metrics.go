// Package metrics exposes broker counters for Prometheus scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the services report to. Collector is the Prometheus
// implementation; Nop discards everything.
type Recorder interface {
	RecordLedgerDelta(reason string, amount int64)
	RecordLedgerRejection(reason string)
	RecordWebhook(outcome string)
	RecordSessionStarted()
	RecordSessionEnded(reason string)
	SetActiveSessions(n int)
}

// Webhook outcomes.
const (
	WebhookApplied          = "applied"
	WebhookDuplicate        = "duplicate"
	WebhookRejected         = "rejected"
	WebhookIgnored          = "ignored"
	WebhookInvalidSignature = "invalid_signature"
	WebhookUnknownReference = "unknown_reference"
)

type Collector struct {
	creditsMoved     *prometheus.CounterVec
	ledgerRejections *prometheus.CounterVec
	webhooks         *prometheus.CounterVec
	sessionsStarted  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		creditsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_ledger_credits_total",
			Help: "Credits moved through the ledger, by entry reason",
		}, []string{"reason"}),
		ledgerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_ledger_rejections_total",
			Help: "Ledger operations refused, by cause",
		}, []string{"cause"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_payment_webhooks_total",
			Help: "Payment webhooks processed, by outcome",
		}, []string{"outcome"}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_sessions_started_total",
			Help: "Sessions that reached connected",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_sessions_ended_total",
			Help: "Sessions that reached a terminal state, by reason",
		}, []string{"reason"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_sessions_active",
			Help: "Sessions with a live actor on this instance",
		}),
	}

	reg.MustRegister(
		c.creditsMoved,
		c.ledgerRejections,
		c.webhooks,
		c.sessionsStarted,
		c.sessionsEnded,
		c.sessionsActive,
	)

	return c
}

// RecordLedgerDelta counts the absolute amount of a committed entry.
func (c *Collector) RecordLedgerDelta(reason string, amount int64) {
	if amount < 0 {
		amount = -amount
	}
	c.creditsMoved.WithLabelValues(reason).Add(float64(amount))
}

func (c *Collector) RecordLedgerRejection(cause string) {
	c.ledgerRejections.WithLabelValues(cause).Inc()
}

func (c *Collector) RecordWebhook(outcome string) {
	c.webhooks.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordSessionStarted() {
	c.sessionsStarted.Inc()
}

func (c *Collector) RecordSessionEnded(reason string) {
	c.sessionsEnded.WithLabelValues(reason).Inc()
}

func (c *Collector) SetActiveSessions(n int) {
	c.sessionsActive.Set(float64(n))
}

// Nop is a Recorder that records nothing.
type Nop struct{}

func (Nop) RecordLedgerDelta(string, int64) {}
func (Nop) RecordLedgerRejection(string)    {}
func (Nop) RecordWebhook(string)            {}
func (Nop) RecordSessionStarted()           {}
func (Nop) RecordSessionEnded(string)       {}
func (Nop) SetActiveSessions(int)           {}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
