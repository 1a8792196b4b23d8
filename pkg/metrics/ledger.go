package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/compliance-ledger/internal/compliance"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

const namespace = "ledger"

// LedgerMetrics exports admission, rule and integrity observations.
type LedgerMetrics struct {
	appends       *prometheus.CounterVec
	appendLatency *prometheus.HistogramVec
	seals         *prometheus.CounterVec
	integrity     *prometheus.CounterVec
	chainRecords  *prometheus.GaugeVec
	ruleLatency   *prometheus.HistogramVec
	violations    *prometheus.CounterVec
	ruleFailures  *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger metrics on reg. A nil registerer
// yields a no-op recorder.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	m := &LedgerMetrics{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Append attempts by chain, event type and outcome.",
		}, []string{"chain", "event_type", "outcome"}),
		appendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Time from append call to admission decision.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain"}),
		seals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seals_total",
			Help:      "Chains transitioned to sealed.",
		}, []string{"chain"}),
		integrity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_checks_total",
			Help:      "Integrity verifications by result.",
		}, []string{"chain", "result"}),
		chainRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_records",
			Help:      "Records checked by the latest verification of a chain.",
		}, []string{"chain"}),
		ruleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_duration_seconds",
			Help:      "Compliance rule evaluation time.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"rule"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_violations_total",
			Help:      "Violations reported by rule and severity.",
		}, []string{"rule", "severity"}),
		ruleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_failures_total",
			Help:      "Rule evaluations that failed internally.",
		}, []string{"rule"}),
	}
	reg.MustRegister(m.appends, m.appendLatency, m.seals, m.integrity, m.chainRecords,
		m.ruleLatency, m.violations, m.ruleFailures)
	return m
}

func (m *LedgerMetrics) ObserveAppend(chainID string, eventType enums.EventType, outcome string, elapsed time.Duration) {
	if m == nil || m.appends == nil {
		return
	}
	typ := string(eventType)
	if typ == "" {
		typ = "unknown"
	}
	m.appends.WithLabelValues(normalizeLabel(chainID), typ, normalizeLabel(outcome)).Inc()
	m.appendLatency.WithLabelValues(normalizeLabel(chainID)).Observe(elapsed.Seconds())
}

func (m *LedgerMetrics) ObserveIntegrity(chainID string, valid bool, records int) {
	if m == nil || m.integrity == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.integrity.WithLabelValues(normalizeLabel(chainID), result).Inc()
	m.chainRecords.WithLabelValues(normalizeLabel(chainID)).Set(float64(records))
}

func (m *LedgerMetrics) ObserveSeal(chainID string) {
	if m == nil || m.seals == nil {
		return
	}
	m.seals.WithLabelValues(normalizeLabel(chainID)).Inc()
}

// ObserveRule implements compliance.Observer.
func (m *LedgerMetrics) ObserveRule(ruleID string, elapsed time.Duration, violations []compliance.Violation, failed bool) {
	if m == nil || m.ruleLatency == nil {
		return
	}
	rule := normalizeLabel(ruleID)
	m.ruleLatency.WithLabelValues(rule).Observe(elapsed.Seconds())
	if failed {
		m.ruleFailures.WithLabelValues(rule).Inc()
	}
	for _, v := range violations {
		m.violations.WithLabelValues(rule, string(v.Severity)).Inc()
	}
}

// OutboxMetrics tracks the outbox publisher.
type OutboxMetrics struct {
	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
	dlq       *prometheus.CounterVec
	pending   prometheus.Gauge
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	m := &OutboxMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox events delivered to the broker.",
		}, []string{"event_type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_failures_total",
			Help:      "Outbox publish attempts that failed.",
		}, []string{"event_type"}),
		dlq: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_lettered_total",
			Help:      "Outbox events moved to the DLQ.",
		}, []string{"event_type", "reason"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Outbox rows waiting to be published.",
		}),
	}
	reg.MustRegister(m.published, m.failed, m.dlq, m.pending)
	return m
}

func (m *OutboxMetrics) IncPublished(eventType enums.OutboxEventType) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(string(eventType))).Inc()
}

func (m *OutboxMetrics) IncFailed(eventType enums.OutboxEventType) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(string(eventType))).Inc()
}

func (m *OutboxMetrics) IncDeadLettered(eventType enums.OutboxEventType, reason enums.OutboxDLQErrorReason) {
	if m == nil || m.dlq == nil {
		return
	}
	m.dlq.WithLabelValues(normalizeLabel(string(eventType)), normalizeLabel(string(reason))).Inc()
}

func (m *OutboxMetrics) SetPending(n int64) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Set(float64(n))
}
