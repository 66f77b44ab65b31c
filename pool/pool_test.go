package pool

import (
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/pgmockd/pgmockd/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFactory() Factory {
	return func() (*session.Session, error) {
		sess := session.New(0, 0, 0, nil)
		sess.Authenticated = true
		return sess, nil
	}
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	p := New(cfg, testFactory(), slogt.New(t))
	require.NoError(t, p.Initialize())
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 2
	cfg.MaxIdleConnections = 2
	cfg.AcquisitionTimeout = 50 * time.Millisecond
	cfg.CleanupInterval = 0
	cfg.ValidateConnections = false
	return cfg
}

func TestInitializePreWarmsMinConnections(t *testing.T) {
	p := newTestPool(t, smallConfig())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Idle)
}

func TestInitializeTwiceFails(t *testing.T) {
	p := newTestPool(t, smallConfig())

	err := p.Initialize()
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestAcquireReturnsPrewarmedConnection(t *testing.T) {
	p := newTestPool(t, smallConfig())

	conn, err := p.Acquire("client-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "client-1", conn.CurrentClientID)
	assert.Equal(t, int64(1), conn.UsageCount)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 1, stats.InUse)
}

func TestAcquireCreatesNewConnectionUpToMax(t *testing.T) {
	p := newTestPool(t, smallConfig())

	first, err := p.Acquire("client-1", 0)
	require.NoError(t, err)

	second, err := p.Acquire("client-2", 0)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.InUse)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	p := newTestPool(t, smallConfig())

	_, err := p.Acquire("client-1", 0)
	require.NoError(t, err)
	_, err = p.Acquire("client-2", 0)
	require.NoError(t, err)

	_, err = p.Acquire("client-3", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReleaseReturnsConnectionToIdlePool(t *testing.T) {
	p := newTestPool(t, smallConfig())

	conn, err := p.Acquire("client-1", 0)
	require.NoError(t, err)

	require.NoError(t, p.Release(conn.ID, "client-1"))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
}

func TestReleaseRefusesClientMismatch(t *testing.T) {
	p := newTestPool(t, smallConfig())

	conn, err := p.Acquire("client-1", 0)
	require.NoError(t, err)

	err = p.Release(conn.ID, "someone-else")
	assert.Error(t, err)

	stats := p.Stats()
	assert.Equal(t, 1, stats.InUse, "a mismatched release must not free the connection")
}

func TestReleaseUnknownConnectionFails(t *testing.T) {
	p := newTestPool(t, smallConfig())

	err := p.Release(999, "client-1")
	assert.Error(t, err)
}

func TestReleaseWakesWaiter(t *testing.T) {
	p := newTestPool(t, smallConfig())

	first, err := p.Acquire("client-1", 0)
	require.NoError(t, err)
	_, err = p.Acquire("client-2", 0)
	require.NoError(t, err)

	waiterResult := make(chan error, 1)
	go func() {
		_, err := p.Acquire("client-3", time.Second)
		waiterResult <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Release(first.ID, "client-1"))

	select {
	case err := <-waiterResult:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken after release")
	}
}

func TestReleaseDestroysSessionThatFailsReset(t *testing.T) {
	p := newTestPool(t, smallConfig())

	conn, err := p.Acquire("client-1", 0)
	require.NoError(t, err)

	conn.Session.MarkDisconnected()
	require.NoError(t, p.Release(conn.ID, "client-1"))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Total, "a disconnected session cannot be reset for reuse and must be destroyed")
}

func TestAcquireRejectsAfterShutdown(t *testing.T) {
	cfg := smallConfig()
	p := New(cfg, testFactory(), slogt.New(t))
	require.NoError(t, p.Initialize())

	p.Shutdown(time.Second)

	_, err := p.Acquire("client-1", 0)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownDestroysRemainingConnections(t *testing.T) {
	cfg := smallConfig()
	p := New(cfg, testFactory(), slogt.New(t))
	require.NoError(t, p.Initialize())

	_, err := p.Acquire("client-1", 0)
	require.NoError(t, err)

	p.Shutdown(50 * time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Total)
}

func TestCleanupReapsIdleConnectionsAboveMin(t *testing.T) {
	cfg := smallConfig()
	cfg.MinConnections = 0
	cfg.IdleTimeout = time.Millisecond
	p := newTestPool(t, cfg)

	conn, err := p.Acquire("client-1", 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(conn.ID, "client-1"))

	time.Sleep(5 * time.Millisecond)
	p.cleanup()

	stats := p.Stats()
	assert.Equal(t, 0, stats.Total)
}

func TestCleanupNeverGoesBelowMinConnections(t *testing.T) {
	cfg := smallConfig()
	cfg.MinConnections = 1
	cfg.IdleTimeout = time.Millisecond
	p := newTestPool(t, cfg)

	time.Sleep(5 * time.Millisecond)
	p.cleanup()

	stats := p.Stats()
	assert.Equal(t, 1, stats.Total, "cleanup must never drop below MinConnections")
}
