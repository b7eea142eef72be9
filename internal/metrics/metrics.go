// Package metrics exposes the dispatcher core's internal counters as
// Prometheus instruments, supplementing spec.md with the observability
// surface a production deployment of this subsystem would carry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mjtrangoni/wprocd/internal/dispatch"
)

// Collectors bundles every metric this package registers.
type Collectors struct {
	WorkersAlive   prometheus.Gauge
	PoolDepth      *prometheus.GaugeVec
	JobsRunning    prometheus.Gauge
	JobsStarted    prometheus.Gauge
	WorkerDeaths   prometheus.Counter
	DispatchErrors *prometheus.CounterVec
}

// NewCollectors creates and registers every collector against reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		WorkersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wprocd",
			Name:      "workers_alive",
			Help:      "Number of worker processes currently tracked by the dispatcher.",
		}),
		PoolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wprocd",
			Name:      "pool_depth",
			Help:      "Number of workers in a given pool (global or a specialized command pool).",
		}, []string{"pool"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wprocd",
			Name:      "jobs_running",
			Help:      "Number of job slots currently occupied across all workers.",
		}),
		JobsStarted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wprocd",
			Name:      "jobs_started_total",
			Help:      "Lifetime count of jobs ever allocated a slot, summed across all workers.",
		}),
		WorkerDeaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wprocd",
			Name:      "worker_deaths_total",
			Help:      "Lifetime count of worker connections that reported EOF.",
		}),
		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wprocd",
			Name:      "dispatch_errors_total",
			Help:      "Job submission failures, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(c.WorkersAlive, c.PoolDepth, c.JobsRunning, c.JobsStarted, c.WorkerDeaths, c.DispatchErrors)
	return c
}

// Sample refreshes the gauges from the subsystem's current state. Call it
// from the status HTTP handler or a periodic ticker; it is cheap enough
// (a handles snapshot plus per-worker job-table reads) to do either.
func (c *Collectors) Sample(s *dispatch.Subsystem) {
	handles := s.Handles()
	c.WorkersAlive.Set(float64(len(handles)))

	running := 0
	var started uint64
	for _, h := range handles {
		running += h.Jobs.Running()
		started += h.Jobs.Started()
	}
	c.JobsRunning.Set(float64(running))
	c.JobsStarted.Set(float64(started))

	c.PoolDepth.WithLabelValues("global").Set(float64(s.Registry.Global.Len()))
}
