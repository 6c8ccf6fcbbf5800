// Package metrics holds the process-wide Prometheus instruments. Everything
// registers on a private registry so tests can build as many instances as
// they want without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// ExecutionsTotal counts finished executions by task type and final
	// status.
	ExecutionsTotal *prometheus.CounterVec

	// ProbeDuration observes single probe attempts by protocol.
	ProbeDuration *prometheus.HistogramVec

	// ProbeErrors counts failed probe attempts by protocol and error kind.
	ProbeErrors *prometheus.CounterVec

	// OverlapDecisions counts admission outcomes: proceed, skip, queued,
	// queue_full.
	OverlapDecisions *prometheus.CounterVec

	// StaleResets counts running_instances resets from the cleanup loop.
	StaleResets prometheus.Counter

	// RetriesScheduled counts retry attempts pushed to the retry queue.
	RetriesScheduled prometheus.Counter

	// NotificationsTotal counts delivery attempts by channel and outcome.
	NotificationsTotal *prometheus.CounterVec

	// HeartbeatTransitions counts heartbeat state changes by new state.
	HeartbeatTransitions *prometheus.CounterVec

	// MonitorEvents counts process monitor events by type.
	MonitorEvents *prometheus.CounterVec

	// LoopDuration observes one pass of each scheduler loop.
	LoopDuration *prometheus.HistogramVec

	// JobsInFlight tracks executor jobs currently running.
	JobsInFlight prometheus.Gauge

	// JobQueueDepth tracks jobs waiting in the executor channel.
	JobQueueDepth prometheus.Gauge

	// ExecutionsDeleted counts rows removed by the retention sweep.
	ExecutionsDeleted prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cronbox",
			Name:      "executions_total",
			Help:      "Finished executions by task type and final status.",
		}, []string{"task_type", "status"}),
		ProbeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cronbox",
			Name:      "probe_duration_seconds",
			Help:      "Duration of individual probe attempts.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"protocol"}),
		ProbeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cronbox",
			Name:      "probe_errors_total",
			Help:      "Failed probe attempts by protocol and error kind.",
		}, []string{"protocol", "kind"}),
		OverlapDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cronbox",
			Name:      "overlap_decisions_total",
			Help:      "Overlap admission outcomes.",
		}, []string{"decision"}),
		StaleResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cronbox",
			Name:      "stale_instance_resets_total",
			Help:      "Stuck running_instances counters reset by cleanup.",
		}),
		RetriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cronbox",
			Name:      "retries_scheduled_total",
			Help:      "Retry attempts pushed to the retry queue.",
		}),
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cronbox",
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		HeartbeatTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cronbox",
			Name:      "heartbeat_transitions_total",
			Help:      "Heartbeat state changes by new state.",
		}, []string{"state"}),
		MonitorEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cronbox",
			Name:      "monitor_events_total",
			Help:      "Process monitor events by type.",
		}, []string{"event"}),
		LoopDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cronbox",
			Name:      "scheduler_loop_duration_seconds",
			Help:      "Duration of one pass of each scheduler loop.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cronbox",
			Name:      "executor_jobs_in_flight",
			Help:      "Executor jobs currently running.",
		}),
		JobQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cronbox",
			Name:      "executor_job_queue_depth",
			Help:      "Jobs waiting in the executor channel.",
		}),
		ExecutionsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cronbox",
			Name:      "executions_deleted_total",
			Help:      "Execution rows removed by the retention sweep.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
