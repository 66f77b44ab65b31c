package wire

import (
	"crypto/tls"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/pgmockd/pgmockd/notify"
	"github.com/pgmockd/pgmockd/pkg/oid"
	"github.com/pgmockd/pgmockd/pool"
	"github.com/pgmockd/pgmockd/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerOption(t *testing.T) {
	srv := &Server{}
	logger := slogt.New(t)

	Logger(logger)(srv)
	assert.Same(t, logger, srv.logger)
}

func TestBufferedMsgSizeOption(t *testing.T) {
	srv := &Server{}

	BufferedMsgSize(4096)(srv)
	assert.Equal(t, 4096, srv.BufferedMsgSize)
}

func TestVersionOption(t *testing.T) {
	srv := &Server{}

	Version("15.2 (Mock)")(srv)
	assert.Equal(t, "15.2 (Mock)", srv.Version)
}

func TestNotificationLimitsOptionReachesTheDefaultHub(t *testing.T) {
	limits := notify.DefaultLimits()
	limits.MaxChannels = 3

	srv, err := NewServer(NotificationLimits(limits))
	require.NoError(t, err)
	t.Cleanup(func() { srv.hub.Close() })

	require.NoError(t, srv.hub.AddListener(1, "a", nil))
	require.NoError(t, srv.hub.AddListener(1, "b", nil))
	require.NoError(t, srv.hub.AddListener(1, "c", nil))

	err = srv.hub.AddListener(1, "d", nil)
	assert.Error(t, err, "the custom MaxChannels must reach the hub that NewServer constructs")
}

func TestCustomTypesOptionReachesTheDefaultDispatcher(t *testing.T) {
	customTypes := []oid.Custom{{Name: "my_type", Oid: 90000, Typlen: -1, Typtype: "b"}}

	srv, err := NewServer(CustomTypes(customTypes))
	require.NoError(t, err)
	t.Cleanup(func() { srv.hub.Close() })

	assert.NotNil(t, srv.customTypes)
}

func TestTLSConfigOption(t *testing.T) {
	srv := &Server{}
	cfg := &tls.Config{}

	TLSConfig(cfg)(srv)
	assert.Same(t, cfg, srv.TLSConfig)
}

func TestPoolOption(t *testing.T) {
	srv := &Server{}
	p := pool.New(pool.DefaultConfig(), func() (*session.Session, error) {
		return session.New(0, 0, 0, nil), nil
	}, nil)

	Pool(p)(srv)
	assert.Same(t, p, srv.connPool)
}

func TestStatsOption(t *testing.T) {
	srv := &Server{}
	stats := NoopStats{}

	Stats(stats)(srv)
	assert.Equal(t, stats, srv.stats)
}
