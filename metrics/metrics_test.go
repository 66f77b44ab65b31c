package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherMetric(t *testing.T, c *Collector, name string) *dto.MetricFamily {
	families, err := c.Registry.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}

	t.Fatalf("metric %q was never registered", name)
	return nil
}

func TestConnectionLifecycleMetrics(t *testing.T) {
	c := New()

	c.ConnectionCreated()
	c.ConnectionCreated()
	c.ConnectionDestroyed(1)

	total := gatherMetric(t, c, "pgmockd_connections_total")
	assert.Equal(t, float64(2), total.Metric[0].Counter.GetValue())

	active := gatherMetric(t, c, "pgmockd_connections_active")
	assert.Equal(t, float64(1), active.Metric[0].Gauge.GetValue())
}

func TestConnectionStateChangedLabelsByState(t *testing.T) {
	c := New()

	c.ConnectionStateChanged(1, "ready")
	c.ConnectionStateChanged(2, "ready")
	c.ConnectionStateChanged(3, "closing")

	family := gatherMetric(t, c, "pgmockd_connection_state_transitions_total")
	assert.Len(t, family.Metric, 2)
}

func TestQueryObservedRecordsDuration(t *testing.T) {
	c := New()

	c.QueryObserved("SELECT", 5*time.Millisecond)

	family := gatherMetric(t, c, "pgmockd_query_duration_seconds")
	assert.Equal(t, uint64(1), family.Metric[0].Histogram.GetSampleCount())
}

func TestNotificationDeliveredSplitsSentAndFailed(t *testing.T) {
	c := New()

	c.NotificationDelivered("updates", 3, 1)

	sent := gatherMetric(t, c, "pgmockd_notifications_delivered_total")
	assert.Equal(t, float64(3), sent.Metric[0].Counter.GetValue())

	lost := gatherMetric(t, c, "pgmockd_notifications_failed_total")
	assert.Equal(t, float64(1), lost.Metric[0].Counter.GetValue())
}

func TestNotificationDeliveredSkipsZeroCounters(t *testing.T) {
	c := New()

	c.NotificationDelivered("updates", 0, 0)

	families, err := c.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.NotContains(t, names, "pgmockd_notifications_delivered_total")
}

func TestPoolMetrics(t *testing.T) {
	c := New()

	c.PoolAcquireObserved(time.Millisecond)
	c.PoolExhausted()
	c.PoolExhausted()

	acquire := gatherMetric(t, c, "pgmockd_pool_acquire_duration_seconds")
	assert.Equal(t, uint64(1), acquire.Metric[0].Histogram.GetSampleCount())

	exhausted := gatherMetric(t, c, "pgmockd_pool_exhausted_total")
	assert.Equal(t, float64(2), exhausted.Metric[0].Counter.GetValue())
}

func TestNoopSatisfiesStats(t *testing.T) {
	var stats Stats = Noop{}

	stats.ConnectionCreated()
	stats.ConnectionDestroyed(1)
	stats.ConnectionStateChanged(1, "ready")
	stats.QueryObserved("SELECT", time.Millisecond)
	stats.NotificationDelivered("updates", 1, 0)
	stats.PoolAcquireObserved(time.Millisecond)
	stats.PoolExhausted()
}
