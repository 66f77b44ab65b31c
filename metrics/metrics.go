// Package metrics defines the Stats collector interface consulted by the
// wire server on connection/query lifecycle and pool-admission events, a
// no-op default, and a Prometheus-backed implementation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the external introspection hook described in spec §6. The core
// protocol package never depends on a concrete implementation, only on this
// interface (the pool package does not use it at all), so installing a
// collector never changes behavior.
type Stats interface {
	ConnectionCreated()
	ConnectionDestroyed(connectionID int64)
	ConnectionStateChanged(connectionID int64, state string)
	QueryObserved(command string, d time.Duration)
	NotificationDelivered(channel string, delivered, failed int)
	PoolAcquireObserved(d time.Duration)
	PoolExhausted()
}

// Noop satisfies Stats by doing nothing. It is the default installed by
// NewServer when no Stats option is given.
type Noop struct{}

func (Noop) ConnectionCreated()                                 {}
func (Noop) ConnectionDestroyed(connectionID int64)              {}
func (Noop) ConnectionStateChanged(connectionID int64, state string) {}
func (Noop) QueryObserved(command string, d time.Duration)       {}
func (Noop) NotificationDelivered(channel string, delivered, failed int) {}
func (Noop) PoolAcquireObserved(d time.Duration)                {}
func (Noop) PoolExhausted()                                      {}

// Collector holds the Prometheus metrics exposed by a running server.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	connectionStates  *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	notificationsSent *prometheus.CounterVec
	notificationsLost *prometheus.CounterVec
	poolAcquire       prometheus.Histogram
	poolExhausted     prometheus.Counter
}

// New creates and registers a Collector against a fresh registry. Safe to
// call multiple times, e.g. in tests, since each call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgmockd_connections_active",
			Help: "Number of currently open client connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgmockd_connections_total",
			Help: "Total number of client connections accepted",
		}),
		connectionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgmockd_connection_state_transitions_total",
			Help: "Session state transitions observed, by state",
		}, []string{"state"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgmockd_query_duration_seconds",
			Help:    "Duration of dispatched statements in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"command"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgmockd_notifications_delivered_total",
			Help: "Total NOTIFY payloads delivered to listeners, by channel",
		}, []string{"channel"}),
		notificationsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgmockd_notifications_failed_total",
			Help: "Total NOTIFY deliveries that failed, by channel",
		}, []string{"channel"}),
		poolAcquire: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgmockd_pool_acquire_duration_seconds",
			Help:    "Time spent waiting to acquire a pooled connection",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgmockd_pool_exhausted_total",
			Help: "Total number of times the connection pool was exhausted",
		}),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsTotal,
		c.connectionStates,
		c.queryDuration,
		c.notificationsSent,
		c.notificationsLost,
		c.poolAcquire,
		c.poolExhausted,
	)

	return c
}

func (c *Collector) ConnectionCreated() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *Collector) ConnectionDestroyed(connectionID int64) {
	c.connectionsActive.Dec()
}

func (c *Collector) ConnectionStateChanged(connectionID int64, state string) {
	c.connectionStates.WithLabelValues(state).Inc()
}

func (c *Collector) QueryObserved(command string, d time.Duration) {
	c.queryDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (c *Collector) NotificationDelivered(channel string, delivered, failed int) {
	if delivered > 0 {
		c.notificationsSent.WithLabelValues(channel).Add(float64(delivered))
	}
	if failed > 0 {
		c.notificationsLost.WithLabelValues(channel).Add(float64(failed))
	}
}

func (c *Collector) PoolAcquireObserved(d time.Duration) {
	c.poolAcquire.Observe(d.Seconds())
}

func (c *Collector) PoolExhausted() {
	c.poolExhausted.Inc()
}
