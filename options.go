package wire

import (
	"crypto/tls"
	"log/slog"

	"github.com/pgmockd/pgmockd/notify"
	"github.com/pgmockd/pgmockd/pkg/oid"
	"github.com/pgmockd/pgmockd/pool"
)

// OptionFn is the options pattern used to configure a new Server.
type OptionFn func(*Server)

// Logger sets the structured logger used across the server.
func Logger(logger *slog.Logger) OptionFn {
	return func(srv *Server) {
		srv.logger = logger
	}
}

// BufferedMsgSize sets the maximum accepted frame size per message.
func BufferedMsgSize(size int) OptionFn {
	return func(srv *Server) {
		srv.BufferedMsgSize = size
	}
}

// Auth sets the authentication strategy used to validate new connections.
func Auth(strategy AuthStrategy) OptionFn {
	return func(srv *Server) {
		srv.Auth = strategy
	}
}

// Version sets the server_version parameter announced to clients.
func Version(version string) OptionFn {
	return func(srv *Server) {
		srv.Version = version
	}
}

// NotificationLimits overrides the LISTEN/NOTIFY hub's default resource
// limits (spec configuration surface "notifications").
func NotificationLimits(limits notify.Limits) OptionFn {
	return func(srv *Server) {
		srv.notifyLimits = &limits
	}
}

// CustomTypes registers custom OID mappings in a Registry that is handed to
// the default dispatcher (spec configuration surface "customTypes"). Neither
// introspection nor row encoding looks them up.
func CustomTypes(types []oid.Custom) OptionFn {
	return func(srv *Server) {
		srv.customTypes = oid.NewRegistry(types)
	}
}

// Stats installs a Stats collector invoked on connection/query lifecycle
// events. The core never depends on its presence.
func Stats(stats Stats) OptionFn {
	return func(srv *Server) {
		srv.stats = stats
	}
}

// TLSConfig installs the certificates offered during SSLRequest upgrade.
func TLSConfig(config *tls.Config) OptionFn {
	return func(srv *Server) {
		srv.TLSConfig = config
	}
}

// Pool admission-gates accepted connections through p, bounding concurrent
// connections at p's configured maxConnections and queuing acceptance behind
// its acquisitionTimeout once saturated (spec configuration surface "pool").
// Initialize must already have been called on p.
func Pool(p *pool.Pool) OptionFn {
	return func(srv *Server) {
		srv.connPool = p
	}
}
