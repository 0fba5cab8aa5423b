package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsEnabled = true

var (
	tenantLabels = []string{"tenant_id"}

	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_session_orchestrator_sessions_live",
		Help: "Current number of automation handles held in the registry.",
	})
	SessionsReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_session_orchestrator_sessions_ready",
		Help: "Current number of handles in the Ready state.",
	})
	HandlesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_handles_created_total",
			Help: "Total number of automation handles created, labeled by outcome.",
		},
		[]string{"tenant_id", "status"},
	)
	HandlesTornDownTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_handles_torn_down_total",
			Help: "Total number of handle teardowns, labeled by reason.",
		},
		[]string{"reason"},
	)
	AcquireWaitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_acquire_contended_total",
			Help: "Acquire calls that found another initialization in flight, labeled by how they resolved.",
		},
		[]string{"resolution"},
	)
	PairingTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_pairing_transitions_total",
			Help: "Pairing state machine transitions.",
		},
		[]string{"from", "to"},
	)
	DataWipesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_data_wipes_total",
			Help: "Tenant data wipes, labeled by trigger.",
		},
		[]string{"trigger"},
	)

	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_sync_runs_total",
			Help: "Sync runs, labeled by final status (complete, partial, not_ready, aborted, skipped).",
		},
		[]string{"status"},
	)
	SyncDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_session_orchestrator_sync_duration_seconds",
			Help:    "Histogram of full sync durations.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		},
		tenantLabels,
	)
	SyncMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_sync_messages_total",
			Help: "Messages upserted by sync runs.",
		},
		tenantLabels,
	)
	ReadinessWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_session_orchestrator_readiness_wait_seconds",
			Help:    "Time spent waiting for the bulk-read readiness probe.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"outcome"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_events_published_total",
			Help: "Events published, labeled by type, sink and status.",
		},
		[]string{"event_type", "sink", "status"},
	)
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_events_dropped_total",
			Help: "Events not delivered to a slow in-process subscriber.",
		},
		[]string{"event_type"},
	)

	OutboundSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_outbound_sends_total",
			Help: "Outbound sends, labeled by result (success, not_ready, policy, error).",
		},
		[]string{"result"},
	)

	ControlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_control_requests_total",
			Help: "Control requests served over NATS, labeled by operation and result code.",
		},
		[]string{"op", "code"},
	)
	ControlRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_session_orchestrator_control_request_duration_seconds",
			Help:    "Time spent serving a control request.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	SimulatorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_simulator_requests_total",
			Help: "Driver requests answered by the sidecar simulator, labeled by operation and error code.",
		},
		[]string{"op", "code"},
	)
	SimulatorSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_simulator_signals_total",
			Help: "Signals pushed by the sidecar simulator.",
		},
		[]string{"kind", "status"},
	)

	IngestTasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_ingest_tasks_submitted_total",
			Help: "Total number of tasks submitted to the ingest worker pool.",
		},
		[]string{"kind"},
	)
	IngestTasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_orchestrator_ingest_tasks_processed_total",
			Help: "Total number of ingest tasks processed, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)
	IngestQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_session_orchestrator_ingest_queue_length",
		Help: "Approximate number of submitters waiting on the ingest pool.",
	})

	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_session_orchestrator_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "entity", "tenant_id", "status"},
	)
)

// InitMetrics toggles metric collection. Collectors are registered by promauto at init.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// SetSessionCounts publishes the registry size and the ready subset.
func SetSessionCounts(live, ready int) {
	if !metricsEnabled {
		return
	}
	SessionsLive.Set(float64(live))
	SessionsReady.Set(float64(ready))
}

// IncHandleCreated counts a handle construction attempt.
func IncHandleCreated(tenantID string, err error) {
	if !metricsEnabled {
		return
	}
	HandlesCreatedTotal.WithLabelValues(sanitizeTenant(tenantID), statusOf(err)).Inc()
}

// IncHandleTornDown counts a teardown by reason.
func IncHandleTornDown(reason string) {
	if !metricsEnabled {
		return
	}
	HandlesTornDownTotal.WithLabelValues(SanitizeReason(reason)).Inc()
}

// IncAcquireContended counts an acquire that met an in-flight initialization.
func IncAcquireContended(resolution string) {
	if !metricsEnabled {
		return
	}
	AcquireWaitTotal.WithLabelValues(resolution).Inc()
}

// IncPairingTransition counts a state machine transition.
func IncPairingTransition(from, to string) {
	if !metricsEnabled {
		return
	}
	PairingTransitionsTotal.WithLabelValues(from, to).Inc()
}

// IncDataWipe counts a tenant wipe.
func IncDataWipe(trigger string) {
	if !metricsEnabled {
		return
	}
	DataWipesTotal.WithLabelValues(trigger).Inc()
}

// ObserveSync records the result of a sync run.
func ObserveSync(tenantID, status string, duration time.Duration, messages int) {
	if !metricsEnabled {
		return
	}
	SyncRunsTotal.WithLabelValues(status).Inc()
	if status == "skipped" {
		return
	}
	SyncDurationSeconds.WithLabelValues(sanitizeTenant(tenantID)).Observe(duration.Seconds())
	SyncMessagesTotal.WithLabelValues(sanitizeTenant(tenantID)).Add(float64(messages))
}

// ObserveReadinessWait records how long the readiness probe took.
func ObserveReadinessWait(outcome string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	ReadinessWaitSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncEventPublished counts an event delivery attempt to a sink.
func IncEventPublished(eventType, sink string, err error) {
	if !metricsEnabled {
		return
	}
	EventsPublishedTotal.WithLabelValues(eventType, sink, statusOf(err)).Inc()
}

// IncEventDropped counts an event a slow subscriber or a full sink backlog missed.
func IncEventDropped(eventType string) {
	if !metricsEnabled {
		return
	}
	EventsDroppedTotal.WithLabelValues(eventType).Inc()
}

// IncOutboundSend counts an outbound send by result.
func IncOutboundSend(result string) {
	if !metricsEnabled {
		return
	}
	OutboundSendsTotal.WithLabelValues(result).Inc()
}

// ObserveControlRequest records one served control request.
func ObserveControlRequest(op, code string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	ControlRequestsTotal.WithLabelValues(op, code).Inc()
	ControlRequestDurationSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// IncSimulatorRequest counts a request answered by the simulator. code is empty on success.
func IncSimulatorRequest(op, code string) {
	if !metricsEnabled {
		return
	}
	if code == "" {
		code = "ok"
	}
	SimulatorRequestsTotal.WithLabelValues(op, code).Inc()
}

func IncSimulatorSignal(kind string, err error) {
	if !metricsEnabled {
		return
	}
	SimulatorSignalsTotal.WithLabelValues(kind, statusOf(err)).Inc()
}

// IncIngestTaskSubmitted counts a task submitted to the ingest pool.
func IncIngestTaskSubmitted(kind string) {
	if !metricsEnabled {
		return
	}
	IngestTasksSubmittedTotal.WithLabelValues(kind).Inc()
}

// IncIngestTaskProcessed counts a processed ingest task.
func IncIngestTaskProcessed(kind, status string) {
	if !metricsEnabled {
		return
	}
	IngestTasksProcessedTotal.WithLabelValues(kind, status).Inc()
}

// SetIngestQueueLength sets the approximate ingest queue length.
func SetIngestQueueLength(n int) {
	if !metricsEnabled {
		return
	}
	IngestQueueLength.Set(float64(n))
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, tenantID string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(tenantID), statusOf(err)).Observe(duration.Seconds())
}

// SanitizeReason folds free-form disconnect/teardown reasons into a bounded label set.
func SanitizeReason(reason string) string {
	r := strings.ToLower(reason)
	switch {
	case r == "":
		return "unknown"
	case strings.Contains(r, "logout"):
		return "logout"
	case strings.Contains(r, "conflict"):
		return "conflict"
	case strings.Contains(r, "navigation"):
		return "navigation"
	case strings.Contains(r, "stale"):
		return "stale"
	case strings.Contains(r, "timeout"):
		return "timeout"
	case strings.Contains(r, "auth"):
		return "auth_failure"
	case strings.Contains(r, "manual"), strings.Contains(r, "requested"):
		return "manual"
	case strings.Contains(r, "shutdown"):
		return "shutdown"
	case strings.Contains(r, "init"):
		return "init_error"
	default:
		return "other"
	}
}
