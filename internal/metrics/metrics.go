// Package metrics holds the Prometheus collectors shared by the agent
// runtime. Collectors register with the default registry on package
// init; Handler serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "astarte"

var (
	// TurnsTotal counts handled messages by outcome: answered, command,
	// ignored, empty, failed, loop_exceeded or cancelled.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Turns processed by outcome",
	}, []string{"outcome"})

	// LLMAttempts counts completion attempts by outcome
	// (ok, retryable, fatal).
	LLMAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_attempts_total",
		Help:      "Chat completion attempts by outcome",
	}, []string{"outcome"})

	// LLMTokens counts tokens by direction (input, output).
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "Tokens reported by the completion backend",
	}, []string{"direction"})

	// ToolCalls counts tool invocations by tool and outcome
	// (ok, error, validation, unavailable, unknown, timeout, cancelled).
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and outcome",
	}, []string{"tool", "outcome"})

	// ToolDuration observes tool latency.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Tool invocation latency",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
	}, []string{"tool"})

	// CacheResolutions counts tool server resolutions by result
	// (hit, connected, cooling_down, failed).
	CacheResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "toolcache_resolutions_total",
		Help:      "Tool server resolutions by result",
	}, []string{"result"})

	// ActiveSessions is the number of live execution sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sandbox_active_sessions",
		Help:      "Execution sessions currently holding a workspace",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
