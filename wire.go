// Package wire implements the PostgreSQL v3 frontend/backend wire protocol:
// byte-stream framing, startup/authentication negotiation, the simple and
// extended query sub-protocols, transaction/savepoint bookkeeping, COPY, and
// LISTEN/NOTIFY fan-out. Query text itself is never planned or executed; it
// is classified and routed to a Handler that returns a structurally-correct
// synthetic result, so a real SQL engine can be swapped in without touching
// anything in this package.
package wire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgmockd/pgmockd/dispatch"
	"github.com/pgmockd/pgmockd/metrics"
	"github.com/pgmockd/pgmockd/notify"
	"github.com/pgmockd/pgmockd/pkg/buffer"
	"github.com/pgmockd/pgmockd/pkg/oid"
	"github.com/pgmockd/pgmockd/pkg/types"
	"github.com/pgmockd/pgmockd/pool"
	"github.com/pgmockd/pgmockd/session"
)

// Handler is the Query Handler collaborator described in spec §6: the
// boundary between the protocol core and SQL semantics. The default
// installed by NewServer is *dispatch.Dispatcher, which returns canned but
// structurally-correct results. NewServer always installs it; no OptionFn
// replaces it with another Handler.
type Handler interface {
	Dispatch(sess *session.Session, sql string) (dispatch.Result, error)
}

// Stats is the external introspection hook consulted on connection and
// query lifecycle events. See package metrics for the canonical interface
// and a Prometheus-backed implementation; the core never depends on a
// concrete Stats implementation.
type Stats = metrics.Stats

// NoopStats is installed by NewServer when no Stats option is given.
type NoopStats = metrics.Noop

// ListenAndServe opens a new Postgres mock server on the given address using
// default configuration and serves until the process is interrupted or the
// server is closed.
func ListenAndServe(address string, options ...OptionFn) error {
	server, err := NewServer(options...)
	if err != nil {
		return err
	}

	return server.ListenAndServe(address)
}

// NewServer constructs a new Postgres mock Server. The session notification
// hub and SQL dispatcher are always created, after every option has been
// applied: the hub from the NotificationLimits option (or the default
// limits), the dispatcher with the CustomTypes registry. No option replaces
// either one.
func NewServer(options ...OptionFn) (*Server, error) {
	srv := &Server{
		logger:  slog.Default(),
		closer:  make(chan struct{}),
		types:   pgtype.NewMap(),
		stats:   NoopStats{},
		Version: "13.0 (Mock)",
	}

	for _, option := range options {
		option(srv)
	}

	// Logger/NotificationLimits/CustomTypes options are applied above, so
	// the hub and default handler are only created now that every override
	// is known; this is what lets those options reach the dispatcher they
	// configure instead of a construction-time snapshot of it.
	if srv.notifyLimits == nil {
		limits := notify.DefaultLimits()
		srv.notifyLimits = &limits
	}
	if srv.hub == nil {
		srv.hub = notify.New(srv.logger, *srv.notifyLimits)
	}
	if srv.handler == nil {
		srv.handler = dispatch.New(srv.logger, srv.hub, srv.customTypes)
	}

	return srv, nil
}

// Server owns the listening socket, the shared notification hub and SQL
// dispatcher, and the registry of live sessions used for cancel-request
// lookup and graceful shutdown.
type Server struct {
	closing         atomic.Bool
	wg              sync.WaitGroup
	logger          *slog.Logger
	types           *pgtype.Map
	Auth            AuthStrategy
	BufferedMsgSize int
	TLSConfig       *tls.Config
	Certificates    []tls.Certificate
	ClientCAs       *x509.CertPool
	ClientAuth      tls.ClientAuthType
	Version         string
	closer          chan struct{}

	hub          *notify.Hub
	handler      Handler
	customTypes  *oid.Registry
	notifyLimits *notify.Limits
	connPool     *pool.Pool
	stats        Stats

	connCounter atomic.Int64

	sessionsMu sync.Mutex
	sessions   map[int64]*session.Session
	byKey      map[backendKey]*session.Session
}

// backendKey identifies a session for the cancel-request handshake.
type backendKey struct {
	pid    int32
	secret int32
}

// ListenAndServe opens a new Postgres server on the preconfigured address and
// starts accepting and serving incoming client connections.
func (srv *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	return srv.Serve(listener)
}

// Serve accepts and serves incoming Postgres client connections using the
// preconfigured configurations. The given listener will be closed once the
// server is gracefully closed.
func (srv *Server) Serve(listener net.Listener) error {
	defer srv.logger.Info("closing server")

	srv.logger.Info("serving incoming connections", slog.String("addr", listener.Addr().String()))
	srv.wg.Add(1)

	go func() {
		defer srv.wg.Done()
		<-srv.closer

		err := listener.Close()
		if err != nil {
			srv.logger.Error("unexpected error while attempting to close the net listener", "err", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			return err
		}

		// When a Pool is configured it admission-gates real connections
		// against maxConnections/acquisitionTimeout (spec §4.6); the pooled
		// Session it hands back is never touched for IO, only held as the
		// slot that's released once this connection's own serve loop ends.
		var admission *pool.PooledConnection
		if srv.connPool != nil {
			clientID := conn.RemoteAddr().String()
			start := time.Now()
			admission, err = srv.connPool.Acquire(clientID, 0)
			srv.stats.PoolAcquireObserved(time.Since(start))
			if err != nil {
				srv.stats.PoolExhausted()
				srv.logger.Warn("connection pool rejected new connection", slog.String("remote", clientID), "err", err)
				conn.Close()
				continue
			}
		}

		go func() {
			ctx := context.Background()
			err := srv.serve(ctx, conn)
			if admission != nil {
				if rerr := srv.connPool.Release(admission.ID, conn.RemoteAddr().String()); rerr != nil {
					srv.logger.Error("error releasing pool admission slot", "err", rerr)
				}
			}
			if err != nil && !errors.Is(err, io.EOF) {
				srv.logger.Error("an unexpected error got returned while serving a client connection", "err", err)
			}
		}()
	}
}

func (srv *Server) serve(ctx context.Context, conn net.Conn) error {
	ctx = setTypeInfo(ctx, srv.types)
	defer conn.Close()

	srv.logger.Debug("serving a new client connection")

	conn, version, reader, err := srv.Handshake(conn)
	if err != nil {
		return err
	}

	if version == types.VersionCancel {
		return conn.Close()
	}

	srv.logger.Debug("handshake successful, validating authentication")

	writer := buffer.NewWriter(srv.logger, conn)
	ctx, err = srv.readClientParameters(ctx, reader)
	if err != nil {
		return err
	}

	err = srv.handleAuth(ctx, reader, writer)
	if err != nil {
		return err
	}

	sess := srv.newSession(conn, ClientParameters(ctx))
	defer srv.dropSession(sess)

	sess.SetNotifyFunc(func(senderPid int32, channel, payload string) error {
		return writeNotificationResponse(writer, senderPid, channel, payload)
	})

	srv.stats.ConnectionCreated()

	srv.logger.Debug("connection authenticated, writing server parameters")

	ctx, err = srv.writeParameters(ctx, writer, nil)
	if err != nil {
		return err
	}

	err = srv.writeBackendKeyData(writer, sess)
	if err != nil {
		return err
	}

	err = readyForQuery(writer, types.ServerIdle)
	if err != nil {
		return err
	}

	sess.Authenticated = true
	srv.stats.ConnectionStateChanged(sess.ConnectionID, "ready")

	return srv.consumeCommands(ctx, sess, conn, reader, writer)
}

// newSession allocates a fresh Session, registers it so that cancel requests
// and shutdown bookkeeping can find it, and seeds it from the client's
// startup parameters.
func (srv *Server) newSession(conn net.Conn, params Parameters) *session.Session {
	id := srv.connCounter.Add(1)
	pid := int32(id)
	secret := int32(id*7919 + 104729)

	sess := session.New(id, pid, secret, conn)
	for k, v := range params {
		sess.Parameters[string(k)] = v
	}

	srv.sessionsMu.Lock()
	if srv.sessions == nil {
		srv.sessions = make(map[int64]*session.Session)
		srv.byKey = make(map[backendKey]*session.Session)
	}
	srv.sessions[id] = sess
	srv.byKey[backendKey{pid: pid, secret: secret}] = sess
	srv.sessionsMu.Unlock()

	return sess
}

// dropSession unregisters a session on connection close, cleaning up any
// channels it was listening on.
func (srv *Server) dropSession(sess *session.Session) {
	sess.MarkDisconnected()
	srv.hub.RemoveAllListenersForConnection(sess.ConnectionID)

	srv.sessionsMu.Lock()
	delete(srv.sessions, sess.ConnectionID)
	delete(srv.byKey, backendKey{pid: sess.BackendPid, secret: sess.BackendSecret})
	srv.sessionsMu.Unlock()

	srv.stats.ConnectionDestroyed(sess.ConnectionID)
}

// lookupSession resolves the (pid, secret) pair carried by a cancel-request,
// best-effort. Returns nil if no live session matches.
func (srv *Server) lookupSession(pid, secret int32) *session.Session {
	srv.sessionsMu.Lock()
	defer srv.sessionsMu.Unlock()

	return srv.byKey[backendKey{pid: pid, secret: secret}]
}

// Close gracefully closes the underlying Postgres server.
func (srv *Server) Close() error {
	if srv.closing.Load() {
		return nil
	}

	srv.closing.Store(true)
	close(srv.closer)
	srv.wg.Wait()
	srv.hub.Close()
	return nil
}
