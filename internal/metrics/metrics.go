package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"mode"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_workflows_completed_total",
			Help: "Total number of workflows completed",
		},
		[]string{"mode", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_workflows_active",
			Help: "Number of workflows currently executing",
		},
	)

	WorkflowsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_workflows_cancelled_total",
			Help: "Total number of workflows cancelled by request",
		},
	)

	// Event queue metrics
	EventsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_enqueued_total",
			Help: "Total number of workflow events enqueued",
		},
		[]string{"event_type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Total number of workflow events dropped because the queue was full",
		},
	)

	EventQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_event_queue_depth",
			Help: "Current number of events waiting in the queue",
		},
	)

	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_broadcast_total",
			Help: "Total number of events forwarded to the broadcast sink",
		},
		[]string{"event_type"},
	)

	// Persistence metrics
	StepsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_steps_persisted_total",
			Help: "Total number of workflow steps persisted",
		},
	)

	StepPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_step_persist_failures_total",
			Help: "Total number of workflow step writes that failed",
		},
	)

	// Agent/tool metrics
	AgentDelegations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_agent_delegations_total",
			Help: "Total number of sub-agent delegations",
		},
		[]string{"agent_name"},
	)

	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tool_executions_total",
			Help: "Total number of tool executions observed",
		},
		[]string{"tool_name", "status"},
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_tool_execution_duration_ms",
			Help:    "Tool execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"tool_name"},
	)

	// Session cache metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_session_cache_size",
			Help: "Current number of sessions in local cache",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_session_cache_evictions_total",
			Help: "Total number of sessions evicted from cache",
		},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_stream_subscribers",
			Help: "Number of active broadcast subscribers",
		},
	)

	StreamEventsMirrored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_stream_events_mirrored_total",
			Help: "Total number of events mirrored to Redis Streams",
		},
		[]string{"status"},
	)

	// Rate limiting
	WorkflowStartsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_workflow_starts_throttled_total",
			Help: "Total number of workflow starts rejected by the rate limiter",
		},
	)
)

// RecordWorkflowMetrics records metrics for a completed workflow
func RecordWorkflowMetrics(mode, status string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(mode, status).Inc()
	WorkflowDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordToolMetrics records metrics for an observed tool execution
func RecordToolMetrics(toolName string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	ToolExecutions.WithLabelValues(toolName, status).Inc()
	if durationMs > 0 {
		ToolExecutionDuration.WithLabelValues(toolName).Observe(durationMs)
	}
}
