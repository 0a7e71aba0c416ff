package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts finished top-level resolutions by terminal state.
	// Labels: state (DONE, ABORTED, CLARIFY_WAIT), reason (abort reason or "")
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kb",
		Subsystem: "loop",
		Name:      "runs_total",
		Help:      "Resolutions by the state they ended or suspended in",
	}, []string{"state", "reason"})

	// decisionsTotal counts analyzer decisions by primary action.
	// Labels: action, fallback (true when the analyzer gave up on the model output)
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kb",
		Subsystem: "loop",
		Name:      "decisions_total",
		Help:      "Analyzer decisions by primary action",
	}, []string{"action", "fallback"})

	// iterationsPerRun is the number of charged REASON steps per finished run.
	iterationsPerRun = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kb",
		Subsystem: "loop",
		Name:      "iterations",
		Help:      "Charged REASON steps per run",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20},
	})

	// toolCallsTotal counts tool invocations.
	// Labels: tool, status (ok, error, discarded)
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kb",
		Subsystem: "tool",
		Name:      "calls_total",
		Help:      "Tool invocations by tool and outcome",
	}, []string{"tool", "status"})

	// toolDuplicateCallsTotal counts calls repeating an earlier (tool, input) pair of the same run.
	toolDuplicateCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kb_tool_duplicate_calls_total",
		Help: "Tool calls that repeat an earlier call with the same input in the same run",
	}, []string{"tool"})

	// toolLatencySeconds measures tool execution latency.
	toolLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kb",
		Subsystem: "tool",
		Name:      "latency_seconds",
		Help:      "Tool execution latency",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
	}, []string{"tool"})

	// modelCallsTotal counts model calls by purpose and status.
	// Labels: purpose (analyze, answer, decompose), status (ok, error)
	modelCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kb",
		Subsystem: "model",
		Name:      "calls_total",
		Help:      "Model calls by purpose and outcome",
	}, []string{"purpose", "status"})

	// analysisFormatErrorsTotal counts unparsable analyzer replies.
	analysisFormatErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kb",
		Subsystem: "model",
		Name:      "analysis_format_errors_total",
		Help:      "Analyzer replies that could not be parsed into a decision",
	})
)

func recordRun(state, reason string, iterations int) {
	runsTotal.WithLabelValues(state, reason).Inc()
	if state != "CLARIFY_WAIT" {
		iterationsPerRun.Observe(float64(iterations))
	}
}

func recordDecision(action string, fallback bool) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	decisionsTotal.WithLabelValues(action, fb).Inc()
}

func recordToolCall(tool, status string, elapsed time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolLatencySeconds.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func recordModelCall(purpose string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	modelCallsTotal.WithLabelValues(purpose, status).Inc()
}
