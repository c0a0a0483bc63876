// Package metrics exposes the supervisor's counters and gauges as Prometheus
// collectors. A Collector registers on the Registerer it is given; nothing is
// registered on the global default registry.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"triangulum/internal/types"
)

const namespace = "triangulum"

// Collector implements core.Metrics.
type Collector struct {
	ticketsSubmitted prometheus.Counter
	ticketsRequeued  prometheus.Counter
	sessionsLaunched prometheus.Counter
	sessionsDone     *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
	snapshots        prometheus.Counter
	writeFailures    *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	reviewDecisions  *prometheus.CounterVec

	backlog      prometheus.Gauge
	active       prometheus.Gauge
	freeCapacity prometheus.Gauge
	signal       prometheus.Gauge
}

// New builds a Collector and registers it on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		return nil, errors.New("metrics: registerer is required")
	}

	c := &Collector{
		ticketsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tickets_submitted_total",
			Help: "Tickets accepted by SubmitBug.",
		}),
		ticketsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tickets_requeued_total",
			Help: "Tickets put back in the queue after a refused launch or a restart.",
		}),
		sessionsLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "sessions_launched_total",
			Help: "Repair sessions started.",
		}),
		sessionsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "sessions_completed_total",
			Help: "Harvested repair sessions by result status.",
		}, []string{"status"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "executor", Name: "session_duration_seconds",
			Help:    "Wall time a session held capacity.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "snapshots_written_total",
			Help: "Snapshots written.",
		}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "durable_write_failures_total",
			Help: "Failed log appends and snapshot writes by operation.",
		}, []string{"op"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "tick_duration_seconds",
			Help:    "Time spent in one supervisor tick.",
			Buckets: prometheus.DefBuckets,
		}),
		reviewDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "review", Name: "decisions_total",
			Help: "Escalated sessions decided by an operator, by verdict.",
		}, []string{"verdict"}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "backlog",
			Help: "Tickets waiting in the queue.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "executor", Name: "active_sessions",
			Help: "Sessions running or awaiting harvest.",
		}),
		freeCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "allocator", Name: "free_units",
			Help: "Unallocated capacity units.",
		}),
		signal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "signal",
			Help: "Latest PID admission signal.",
		}),
	}

	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ticketsSubmitted, c.ticketsRequeued, c.sessionsLaunched, c.sessionsDone,
		c.sessionDuration, c.snapshots, c.writeFailures, c.tickDuration, c.reviewDecisions,
		c.backlog, c.active, c.freeCapacity, c.signal,
	}
}

func (c *Collector) TicketSubmitted() { c.ticketsSubmitted.Inc() }
func (c *Collector) TicketRequeued()  { c.ticketsRequeued.Inc() }
func (c *Collector) SessionLaunched() { c.sessionsLaunched.Inc() }
func (c *Collector) SnapshotWritten() { c.snapshots.Inc() }

func (c *Collector) SessionCompleted(status types.ResultStatus, d time.Duration) {
	c.sessionsDone.WithLabelValues(string(status)).Inc()
	c.sessionDuration.Observe(d.Seconds())
}

func (c *Collector) DurableWriteFailed(op string) {
	c.writeFailures.WithLabelValues(op).Inc()
}

func (c *Collector) ReviewDecided(verdict string) {
	c.reviewDecisions.WithLabelValues(verdict).Inc()
}

// ObserveTick records the tick's duration and the post-tick gauges.
func (c *Collector) ObserveTick(d time.Duration, backlog, active, free int, signal float64) {
	c.tickDuration.Observe(d.Seconds())
	c.backlog.Set(float64(backlog))
	c.active.Set(float64(active))
	c.freeCapacity.Set(float64(free))
	c.signal.Set(signal)
}
