package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory gauges, refreshed by the Collector
	ExecutorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanplane_executors_total",
			Help: "Number of registered executors by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanplane_tasks_total",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	StagesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanplane_stages_running",
			Help: "Number of stages currently RUNNING",
		},
	)

	SessionsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanplane_sessions_connected",
			Help: "Number of executors with an open channel",
		},
	)

	// Dispatch
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanplane_dispatch_total",
			Help: "Dispatch attempts by engine and result",
		},
		[]string{"engine", "result"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanplane_dispatch_duration_seconds",
			Help:    "Time taken to build and write a dispatch message",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Stages and results
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanplane_stage_duration_seconds",
			Help:    "Stage wall time from start to end",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"stage_type", "status"},
	)

	ResultsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanplane_results_ingested_total",
			Help: "Stage results accepted by stage type and status",
		},
		[]string{"stage_type", "status"},
	)

	ArtifactBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanplane_artifact_bytes_total",
			Help: "Bytes of stage artifacts written by kind",
		},
		[]string{"kind"},
	)

	// Liveness
	HeartbeatSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanplane_heartbeat_sweeps_total",
			Help: "Number of stale-executor sweeps run",
		},
	)

	ExecutorsMarkedOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanplane_executors_marked_offline_total",
			Help: "Executors transitioned to OFFLINE by the heartbeat monitor",
		},
	)

	// Reconciler
	ReconciliationCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanplane_reconciliation_cycles_total",
			Help: "Number of reconciliation cycles completed",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanplane_reconciliation_duration_seconds",
			Help:    "Time taken by one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	StalledStages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanplane_stalled_stages",
			Help: "RUNNING stages whose executor has been offline past the grace period",
		},
	)

	// Events
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanplane_events_dropped_total",
			Help: "Stage events not delivered because a buffer was full",
		},
	)

	// API
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanplane_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanplane_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutorsTotal,
		TasksTotal,
		StagesRunning,
		SessionsConnected,
		DispatchTotal,
		DispatchDuration,
		StageDuration,
		ResultsIngested,
		ArtifactBytes,
		HeartbeatSweeps,
		ExecutorsMarkedOffline,
		ReconciliationCycles,
		ReconciliationDuration,
		StalledStages,
		EventsDropped,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
