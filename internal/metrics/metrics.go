package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rigger"

// Metrics holds all Prometheus metrics for the fleet controller.
type Metrics struct {
	// Scaling cycle metrics
	CycleTotal    *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec

	// Fleet metrics
	RunnersByState *prometheus.GaugeVec
	QueueDepth     *prometheus.GaugeVec

	// Scaling action metrics
	ScaleUpEvents   *prometheus.CounterVec
	ScaleDownEvents *prometheus.CounterVec

	// Credential metrics
	CredentialRefresh *prometheus.CounterVec

	// Health metrics
	UnhealthyRunners   *prometheus.CounterVec
	RecoveryActions    *prometheus.CounterVec
	QuarantinedRunners prometheus.Gauge

	// Job routing metrics
	RoutedJobs *prometheus.CounterVec

	// Driver metrics
	DriverOperations *prometheus.CounterVec

	// System metrics
	ControllerInfo *prometheus.GaugeVec
	LeaderElection prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		CycleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scaling_cycles_total",
				Help:      "Total number of scaling cycles per pool",
			},
			[]string{"pool", "status"},
		),
		CycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scaling_cycle_duration_seconds",
				Help:      "Duration of scaling cycles",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pool"},
		),
		RunnersByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runners",
				Help:      "Number of runner instances by pool and state",
			},
			[]string{"pool", "state"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Queued CI jobs per pool",
			},
			[]string{"pool"},
		),
		ScaleUpEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_up_events_total",
				Help:      "Total number of scale-up events",
			},
			[]string{"pool", "reason"},
		),
		ScaleDownEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_down_events_total",
				Help:      "Total number of scale-down events",
			},
			[]string{"pool", "reason"},
		),
		CredentialRefresh: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_refreshes_total",
				Help:      "Credential refresh attempts by outcome",
			},
			[]string{"outcome"},
		),
		UnhealthyRunners: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unhealthy_runners_total",
				Help:      "Runners declared unhealthy after missed heartbeats",
			},
			[]string{"pool"},
		),
		RecoveryActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_actions_total",
				Help:      "Recovery actions by kind of runner",
			},
			[]string{"pool", "kind"},
		),
		QuarantinedRunners: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quarantined_runners",
				Help:      "Runners removed from service and awaiting operator attention",
			},
		),
		RoutedJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routed_jobs_total",
				Help:      "Job routing outcomes",
			},
			[]string{"pool", "outcome"},
		),
		DriverOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_operations_total",
				Help:      "Container runtime operations by driver and outcome",
			},
			[]string{"driver", "operation", "status"},
		),
		ControllerInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "controller_info",
				Help:      "Information about the controller",
			},
			[]string{"version", "driver"},
		),
		LeaderElection: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader_election_status",
				Help:      "Leader election status (1 if leader, 0 otherwise)",
			},
		),
	}
}

// RegisterStatusDropped exposes the status channel's dropped-delivery
// counter, read from the source at scrape time.
func RegisterStatusDropped(registry *prometheus.Registry, dropped func() uint64) {
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_updates_dropped",
			Help:      "Status channel updates dropped for slow subscribers",
		},
		func() float64 { return float64(dropped()) },
	))
}
