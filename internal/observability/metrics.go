package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the turn path, tool execution,
// and the workflow engine. Call NewMetrics once at startup; the metrics
// register with the default registry and surface on /metrics.
type Metrics struct {
	// TurnCounter counts handled user turns.
	// Labels: outcome (direct|tool|model_error)
	TurnCounter *prometheus.CounterVec

	// LLMRequestCounter counts model queries.
	// Labels: provider, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model query latency in seconds.
	// Labels: provider
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// JobCounter counts background jobs reaching a terminal status.
	// Labels: workflow, status (completed|failed)
	JobCounter *prometheus.CounterVec

	// StepCounter counts workflow step executions.
	// Labels: workflow, step, status (checkpointed|skipped|failed)
	StepCounter *prometheus.CounterVec

	// StepRetryCounter counts workflow step retry attempts.
	// Labels: workflow, step
	StepRetryCounter *prometheus.CounterVec

	// CallbackCounter counts job completion callback deliveries.
	// Labels: status (delivered|undeliverable)
	CallbackCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polymath_turns_total",
				Help: "User turns handled, by outcome.",
			},
			[]string{"outcome"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polymath_llm_requests_total",
				Help: "Model queries, by provider and status.",
			},
			[]string{"provider", "status"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polymath_llm_request_duration_seconds",
				Help:    "Model query latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polymath_tool_executions_total",
				Help: "Tool invocations, by tool and status.",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polymath_tool_execution_duration_seconds",
				Help:    "Tool execution latency.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		JobCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polymath_jobs_total",
				Help: "Background jobs reaching a terminal status.",
			},
			[]string{"workflow", "status"},
		),
		StepCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polymath_workflow_steps_total",
				Help: "Workflow step executions, by outcome.",
			},
			[]string{"workflow", "step", "status"},
		),
		StepRetryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polymath_workflow_step_retries_total",
				Help: "Workflow step retry attempts.",
			},
			[]string{"workflow", "step"},
		),
		CallbackCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polymath_job_callbacks_total",
				Help: "Job completion callback deliveries.",
			},
			[]string{"status"},
		),
	}
}
