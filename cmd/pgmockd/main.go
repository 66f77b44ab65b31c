// Command pgmockd runs a standalone PostgreSQL wire-protocol mock server,
// loading its configuration from a YAML file and hot-reloading on change.
package main

import (
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	wire "github.com/pgmockd/pgmockd"
	"github.com/pgmockd/pgmockd/config"
	"github.com/pgmockd/pgmockd/metrics"
	"github.com/pgmockd/pgmockd/pkg/oid"
	"github.com/pgmockd/pgmockd/pool"
	"github.com/pgmockd/pgmockd/session"
)

func main() {
	configPath := flag.String("config", "configs/pgmockd.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "err", err)
		os.Exit(1)
	}

	collector := metrics.New()

	connPool := pool.New(cfg.Pool.PoolConfig(), func() (*session.Session, error) {
		return session.New(0, 0, 0, nil), nil
	}, logger)
	if err := connPool.Initialize(); err != nil {
		logger.Error("failed to initialize connection pool", "err", err)
		os.Exit(1)
	}

	var current atomic.Pointer[wire.Server]
	srv, err := newServer(logger, collector, connPool, cfg)
	if err != nil {
		logger.Error("failed to configure server", "err", err)
		os.Exit(1)
	}
	current.Store(srv)

	// Auth strategy, notification limits, and custom types are all
	// construction-time options on *wire.Server, so a reload replaces the
	// running server with a freshly configured one rather than mutating it
	// in place; the old listener is closed only once the new one is serving.
	// The connection pool itself is long-lived across reloads.
	watcher, err := config.NewWatcher(*configPath, logger, func(newCfg *config.Config) {
		reloaded, err := newServer(logger, collector, connPool, newCfg)
		if err != nil {
			logger.Error("configuration reload rejected", "err", err)
			return
		}

		go serveOrExit(logger, reloaded, newCfg.Listen.Address)
		previous := current.Swap(reloaded)
		if err := previous.Close(); err != nil {
			logger.Error("error closing previous server during reload", "err", err)
		}
	})
	if err != nil {
		logger.Warn("configuration hot-reload not available", "err", err)
	}

	go serveOrExit(logger, srv, cfg.Listen.Address)

	logger.Info("pgmockd ready", "addr", cfg.Listen.Address, "pool_min", cfg.Pool.MinConnections, "pool_max", cfg.Pool.MaxConnections)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	if watcher != nil {
		watcher.Stop()
	}
	if err := current.Load().Close(); err != nil {
		logger.Error("error closing server", "err", err)
	}
	connPool.Shutdown(cfg.Pool.IdleTimeout)

	logger.Info("pgmockd stopped")
}

func serveOrExit(logger *slog.Logger, srv *wire.Server, addr string) {
	if err := srv.ListenAndServe(addr); err != nil {
		logger.Error("server stopped unexpectedly", "err", err)
	}
}

// newServer builds a *wire.Server from a loaded Config. Split out from main
// so the config watcher can rebuild one on every reload.
func newServer(logger *slog.Logger, collector *metrics.Collector, connPool *pool.Pool, cfg *config.Config) (*wire.Server, error) {
	options := []wire.OptionFn{
		wire.Logger(logger),
		wire.NotificationLimits(cfg.Notifications.Limits()),
		wire.CustomTypes(customTypes(cfg.CustomTypes)),
		wire.Stats(collector),
		wire.Pool(connPool),
	}

	if cfg.Auth.Mode == "cleartext" {
		options = append(options, wire.Auth(wire.ClearTextPassword(func(username, password string) (bool, error) {
			return username == cfg.Auth.Username && password == cfg.Auth.Password, nil
		})))
	}

	if cfg.Listen.TLSCert != "" && cfg.Listen.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			return nil, err
		}
		options = append(options, wire.TLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}}))
	}

	return wire.NewServer(options...)
}

func customTypes(configured []config.CustomTypeConfig) []oid.Custom {
	out := make([]oid.Custom, len(configured))
	for i, c := range configured {
		out[i] = oid.Custom{Name: c.Name, Oid: c.Oid, Typlen: c.Typlen, Typtype: c.Typtype}
	}
	return out
}
