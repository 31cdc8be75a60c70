// Package pgmetrics exposes a pool.Pool's occupancy and lifetime
// counters as Prometheus metrics.
package pgmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dbbouncer/pgwire/pool"
)

// Collector registers and updates the Prometheus metrics for one Pool. It
// holds its own registry so creating more than one Collector in a test
// doesn't collide on metric names the way registering against
// prometheus.DefaultRegisterer repeatedly would.
type Collector struct {
	Registry *prometheus.Registry
	pool     *pool.Pool

	connectionsTotal   prometheus.Gauge
	connectionsIdle    prometheus.Gauge
	connectionsPending prometheus.Gauge

	connectionsCreated        prometheus.Counter
	requestsSuccessful        prometheus.Counter
	requestsTooBusy           prometheus.Counter
	requestsTimedOut          prometheus.Counter
	requestsError             prometheus.Counter
	allocatedTimedOut         prometheus.Counter
	allocatedClosedByCaller   prometheus.Counter
	pendingHighWater          prometheus.Gauge
	pendingLowWater           prometheus.Gauge
	averageTimeToAcquire      prometheus.Gauge

	acquireDuration prometheus.Histogram

	lastCreated       uint64
	lastSuccessful    uint64
	lastTooBusy       uint64
	lastTimedOut      uint64
	lastError         uint64
	lastAllocTimedOut uint64
	lastAllocClosed   uint64
}

// New creates a Collector for p and registers its metrics against a
// fresh registry.
func New(p *pool.Pool) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		pool:     p,

		connectionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_pool_connections_total",
			Help: "Connections currently open, idle or in use.",
		}),
		connectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_pool_connections_idle",
			Help: "Connections currently idle.",
		}),
		connectionsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_pool_requests_pending",
			Help: "Callers currently queued waiting for a connection.",
		}),
		connectionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_pool_connections_created_total",
			Help: "Connections opened over the pool's lifetime.",
		}),
		requestsSuccessful: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_pool_requests_successful_total",
			Help: "Acquire calls that returned a connection.",
		}),
		requestsTooBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_pool_requests_too_busy_total",
			Help: "Acquire calls rejected immediately because the pending-request backlog was full.",
		}),
		requestsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_pool_requests_timed_out_total",
			Help: "Acquire calls that gave up waiting for a connection.",
		}),
		requestsError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_pool_requests_error_total",
			Help: "Acquire calls that failed because dialing a new connection returned an error.",
		}),
		allocatedTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_pool_allocated_connections_timed_out_total",
			Help: "Checked-out connections the pool reclaimed after AllocatedConnectionTimeout elapsed.",
		}),
		allocatedClosedByCaller: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_pool_allocated_connections_closed_by_requestor_total",
			Help: "Checked-out connections that were already closed by the caller when released.",
		}),
		pendingHighWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_pool_requests_pending_high_water",
			Help: "Largest pending-request queue length observed since the last metrics reset.",
		}),
		pendingLowWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_pool_requests_pending_low_water",
			Help: "Smallest pending-request queue length observed since the last metrics reset.",
		}),
		averageTimeToAcquire: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_pool_acquire_average_seconds",
			Help: "Average time spent acquiring a connection since the last metrics reset.",
		}),
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgwire_pool_acquire_duration_seconds",
			Help:    "Time spent inside Pool.Acquire, including any queueing.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsIdle,
		c.connectionsPending,
		c.connectionsCreated,
		c.requestsSuccessful,
		c.requestsTooBusy,
		c.requestsTimedOut,
		c.requestsError,
		c.allocatedTimedOut,
		c.allocatedClosedByCaller,
		c.pendingHighWater,
		c.pendingLowWater,
		c.averageTimeToAcquire,
		c.acquireDuration,
	)
	return c
}

// Refresh pulls a fresh snapshot from the pool and updates every gauge
// and counter. Counters only move forward (Prometheus counters can't be
// set), so Refresh computes the delta against what was last observed.
func (c *Collector) Refresh() {
	m := c.pool.ComputeMetrics(false)
	c.connectionsTotal.Set(float64(m.Total))
	c.connectionsIdle.Set(float64(m.Idle))
	c.connectionsPending.Set(float64(m.Pending))
	c.pendingHighWater.Set(float64(m.MaxPendingRequestsHighWater))
	c.pendingLowWater.Set(float64(m.MinPendingRequestsLowWater))
	c.averageTimeToAcquire.Set(m.AverageTimeToAcquire.Seconds())

	c.addCounterDelta(c.connectionsCreated, &c.lastCreated, m.ConnectionsCreated)
	c.addCounterDelta(c.requestsSuccessful, &c.lastSuccessful, m.SuccessfulRequests)
	c.addCounterDelta(c.requestsTooBusy, &c.lastTooBusy, m.UnsuccessfulRequestsTooBusy)
	c.addCounterDelta(c.requestsTimedOut, &c.lastTimedOut, m.UnsuccessfulRequestsTimedOut)
	c.addCounterDelta(c.requestsError, &c.lastError, m.UnsuccessfulRequestsError)
	c.addCounterDelta(c.allocatedTimedOut, &c.lastAllocTimedOut, m.AllocatedConnectionsTimedOut)
	c.addCounterDelta(c.allocatedClosedByCaller, &c.lastAllocClosed, m.AllocatedConnectionsClosedByRequestor)
}

// ObserveAcquireDuration records how long one Pool.Acquire call took.
// Callers wrap their own Acquire call since the pool itself has no
// instrumentation hook; this keeps pool free of a metrics dependency.
func (c *Collector) ObserveAcquireDuration(d time.Duration) {
	c.acquireDuration.Observe(d.Seconds())
}

func (c *Collector) addCounterDelta(counter prometheus.Counter, last *uint64, current uint64) {
	if current > *last {
		counter.Add(float64(current - *last))
	}
	*last = current
}
