package observability

import (
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the BFA.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	sessionOps      *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	policyDecisions *prometheus.CounterVec
	chatAnswers     *prometheus.CounterVec
	tokensUsed      *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "compass_request_duration_seconds",
				Help:    "Duration of requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		sessionOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_session_operations_total",
				Help: "Session store operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "compass_active_sessions",
				Help: "Session stores currently held in memory.",
			},
		),
		policyDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_policy_decisions_total",
				Help: "Route guard decisions by outcome.",
			},
			[]string{"outcome"},
		),
		chatAnswers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_chat_answers_total",
				Help: "Chat answers by source (llm, canned, fallback).",
			},
			[]string{"source"},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_llm_tokens_total",
				Help: "Total LLM tokens consumed.",
			},
			[]string{"type"},
		),
		rateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compass_rate_limited_total",
				Help: "Requests rejected by the rate limiter.",
			},
			[]string{"route"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrSessionOp counts one session store operation.
func (m *Metrics) IncrSessionOp(operation, outcome string) {
	m.sessionOps.WithLabelValues(operation, outcome).Inc()
}

// SetActiveSessions sets the in-memory session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncrPolicyDecision counts one route guard outcome.
func (m *Metrics) IncrPolicyDecision(outcome string) {
	m.policyDecisions.WithLabelValues(outcome).Inc()
}

// IncrChatAnswer counts one chat answer by source.
func (m *Metrics) IncrChatAnswer(source string) {
	m.chatAnswers.WithLabelValues(source).Inc()
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(prompt, completion int) {
	m.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// IncrRateLimited counts one rejected request.
func (m *Metrics) IncrRateLimited(route string) {
	m.rateLimited.WithLabelValues(route).Inc()
}

// SessionOpCount returns the cumulative count for an operation/outcome pair.
func (m *Metrics) SessionOpCount(operation, outcome string) float64 {
	return getMetricValue(m.sessionOps.WithLabelValues(operation, outcome))
}

// GetChatSnapshot returns a snapshot of chat-related metrics suitable for the
// GET /v1/metrics/chat endpoint.
func (m *Metrics) GetChatSnapshot() *domain.ChatMetrics {
	llm := getCounterValue(m.chatAnswers, "llm")
	canned := getCounterValue(m.chatAnswers, "canned")
	fallback := getCounterValue(m.chatAnswers, "fallback")
	promptTokens := getCounterValue(m.tokensUsed, "prompt")
	completionTokens := getCounterValue(m.tokensUsed, "completion")

	total := llm + canned + fallback
	fallbackRate := float64(0)
	avgTokens := float64(0)
	if total > 0 {
		fallbackRate = fallback / total
	}
	if llm > 0 {
		avgTokens = (promptTokens + completionTokens) / llm
	}

	// gpt-3.5-turbo pricing: ~$0.0005/1k prompt tokens, ~$0.0015/1k completion tokens
	estimatedCost := (promptTokens/1000)*0.0005 + (completionTokens/1000)*0.0015

	return &domain.ChatMetrics{
		TotalAnswers:        int64(total),
		LLMAnswers:          int64(llm),
		CannedAnswers:       int64(canned),
		FallbackAnswers:     int64(fallback),
		FallbackRate:        fallbackRate,
		AvgTokensPerRequest: avgTokens,
		EstimatedCostUsd:    estimatedCost,
		Period:              "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	return getMetricValue(cv.WithLabelValues(label))
}

func getMetricValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
