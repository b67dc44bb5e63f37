// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMRequestDuration tracks model completion latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM completion duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// AgentCyclesTotal counts processMessage cycles by outcome.
	AgentCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_cycles_total",
			Help: "Agent processing cycles by outcome",
		},
		[]string{"outcome"},
	)

	// AgentRoundsTotal counts model rounds.
	AgentRoundsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_rounds_total",
			Help: "Total model rounds across all agents",
		},
	)

	// AgentsActive tracks agents held in memory.
	AgentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agents_active",
			Help: "Number of in-memory ticket agents",
		},
	)

	// ToolCallsTotal counts dispatched tool calls.
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Dispatched tool calls by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// ToolDuration tracks tool execution time.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tool_duration_seconds",
			Help:    "Tool execution duration",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"tool"},
	)

	// TicketStatusChanges counts ticket status transitions.
	TicketStatusChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_status_changes_total",
			Help: "Ticket status transitions by target status",
		},
		[]string{"status"},
	)

	// TicketsTotal tracks tickets created.
	TicketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickets_total",
			Help: "Total tickets created",
		},
		[]string{"source"},
	)

	// MessagesTotal tracks persisted conversation messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// BackgroundTasksTotal counts deferred tasks by outcome.
	BackgroundTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "background_tasks_total",
			Help: "Background tasks by name and outcome",
		},
		[]string{"task", "outcome"},
	)

	// BackgroundQueueDepth tracks queued background tasks.
	BackgroundQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "background_queue_depth",
			Help: "Number of queued background tasks",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// EventsPublishedTotal counts ticket events sent to the event feed.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_events_published_total",
			Help: "Ticket events published by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMCompletion records metrics for one model completion.
func RecordLLMCompletion(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordToolCall records metrics for one dispatched tool call.
func RecordToolCall(tool, outcome string, duration float64) {
	ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	ToolDuration.WithLabelValues(tool).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
