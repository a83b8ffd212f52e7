// Package metrics provides Prometheus instrumentation for the dispatcher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the metric instances. A nil *Registry records nothing.
type Registry struct {
	Gatherer prometheus.Gatherer

	DispatchPasses   prometheus.Counter
	DispatchDuration prometheus.Histogram
	DispatchOutcomes *prometheus.CounterVec
	TasksLoaded      prometheus.Gauge
	StaleRunsSwept   prometheus.Counter
	LaunchWait       prometheus.Histogram
}

// New creates a registry backed by a fresh prometheus.Registry that also
// carries the Go runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r := NewRegistry(reg)
	r.Gatherer = reg
	return r
}

// NewRegistry registers the metrics with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		DispatchPasses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cronkeeper",
				Subsystem: "dispatch",
				Name:      "passes_total",
				Help:      "Total number of dispatch passes",
			},
		),

		DispatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cronkeeper",
				Subsystem: "dispatch",
				Name:      "pass_duration_seconds",
				Help:      "Wall time of one dispatch pass",
				Buckets:   prometheus.DefBuckets,
			},
		),

		DispatchOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cronkeeper",
				Subsystem: "dispatch",
				Name:      "outcomes_total",
				Help:      "Per-task dispatch outcomes",
			},
			[]string{"status", "reason"},
		),

		TasksLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cronkeeper",
				Subsystem: "dispatch",
				Name:      "tasks_registered",
				Help:      "Number of tasks considered by the last pass",
			},
		),

		StaleRunsSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cronkeeper",
				Subsystem: "sweep",
				Name:      "stale_runs_total",
				Help:      "Runs forced to error by the stale-run sweep",
			},
		),

		LaunchWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cronkeeper",
				Subsystem: "dispatch",
				Name:      "launch_wait_seconds",
				Help:      "Time spent waiting on the spawn rate limiter",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

func (r *Registry) ObservePass(tasks int, d time.Duration) {
	if r == nil {
		return
	}
	r.DispatchPasses.Inc()
	r.DispatchDuration.Observe(d.Seconds())
	r.TasksLoaded.Set(float64(tasks))
}

func (r *Registry) ObserveOutcome(status, reason string) {
	if r == nil {
		return
	}
	r.DispatchOutcomes.WithLabelValues(status, reason).Inc()
}

func (r *Registry) ObserveSweep(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.StaleRunsSwept.Add(float64(n))
}

func (r *Registry) ObserveLaunchWait(d time.Duration) {
	if r == nil {
		return
	}
	r.LaunchWait.Observe(d.Seconds())
}
