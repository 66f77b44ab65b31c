// Package config loads the server's YAML configuration, with ${VAR} shell-
// style environment substitution, and supports hot-reload via fsnotify.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pgmockd/pgmockd/notify"
	"github.com/pgmockd/pgmockd/pool"
)

// Config is the top-level server configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Auth          AuthConfig          `yaml:"auth"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Pool          PoolConfig          `yaml:"pool"`
	CustomTypes   []CustomTypeConfig  `yaml:"custom_types"`
}

// ListenConfig controls the TCP listener and optional TLS.
type ListenConfig struct {
	Address string `yaml:"address"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// AuthConfig selects and configures the authentication strategy.
type AuthConfig struct {
	Mode     string `yaml:"mode"` // "trust" or "cleartext"
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// NotificationsConfig mirrors notify.Limits for YAML configurability.
type NotificationsConfig struct {
	MaxChannels            int           `yaml:"max_channels"`
	MaxListenersPerChannel int           `yaml:"max_listeners_per_channel"`
	ChannelNameMaxLength   int           `yaml:"channel_name_max_length"`
	PayloadMaxLength       int           `yaml:"payload_max_length"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
}

// Limits converts the YAML section into notify.Limits, applying defaults to
// any zero-valued field.
func (n NotificationsConfig) Limits() notify.Limits {
	d := notify.DefaultLimits()

	limits := notify.Limits{
		MaxChannels:            n.MaxChannels,
		MaxListenersPerChannel: n.MaxListenersPerChannel,
		ChannelNameMaxLength:   n.ChannelNameMaxLength,
		PayloadMaxLength:       n.PayloadMaxLength,
		SweepInterval:          n.SweepInterval,
	}

	if limits.MaxChannels == 0 {
		limits.MaxChannels = d.MaxChannels
	}
	if limits.MaxListenersPerChannel == 0 {
		limits.MaxListenersPerChannel = d.MaxListenersPerChannel
	}
	if limits.ChannelNameMaxLength == 0 {
		limits.ChannelNameMaxLength = d.ChannelNameMaxLength
	}
	if limits.PayloadMaxLength == 0 {
		limits.PayloadMaxLength = d.PayloadMaxLength
	}
	if limits.SweepInterval == 0 {
		limits.SweepInterval = d.SweepInterval
	}

	return limits
}

// PoolConfig mirrors pool.Config for YAML configurability.
type PoolConfig struct {
	MaxConnections      int           `yaml:"max_connections"`
	MinConnections      int           `yaml:"min_connections"`
	MaxIdleConnections  int           `yaml:"max_idle_connections"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	AcquisitionTimeout  time.Duration `yaml:"acquisition_timeout"`
	ValidateConnections bool          `yaml:"validate_connections"`
	ValidationInterval  time.Duration `yaml:"validation_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
}

// PoolConfig converts the YAML section into pool.Config, applying defaults
// to any zero-valued count or duration field. ValidateConnections is taken
// as configured.
func (p PoolConfig) PoolConfig() pool.Config {
	d := pool.DefaultConfig()

	cfg := pool.Config{
		MaxConnections:      p.MaxConnections,
		MinConnections:      p.MinConnections,
		MaxIdleConnections:  p.MaxIdleConnections,
		IdleTimeout:         p.IdleTimeout,
		AcquisitionTimeout:  p.AcquisitionTimeout,
		ValidateConnections: p.ValidateConnections,
		ValidationInterval:  p.ValidationInterval,
		CleanupInterval:     p.CleanupInterval,
	}

	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = d.MaxConnections
	}
	if cfg.MinConnections == 0 {
		cfg.MinConnections = d.MinConnections
	}
	if cfg.MaxIdleConnections == 0 {
		cfg.MaxIdleConnections = d.MaxIdleConnections
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.AcquisitionTimeout == 0 {
		cfg.AcquisitionTimeout = d.AcquisitionTimeout
	}
	if cfg.ValidationInterval == 0 {
		cfg.ValidationInterval = d.ValidationInterval
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}

	return cfg
}

// CustomTypeConfig describes a single user-registered OID mapping.
type CustomTypeConfig struct {
	Name    string `yaml:"name"`
	Oid     uint32 `yaml:"oid"`
	Typlen  int16  `yaml:"typlen"`
	Typtype string `yaml:"typtype"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment values,
// leaving unset references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, substituting environment
// variables before unmarshaling, and applies defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = "127.0.0.1:5432"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "trust"
	}
}

func validate(cfg *Config) error {
	switch cfg.Auth.Mode {
	case "", "trust":
	case "cleartext":
		if cfg.Auth.Username == "" {
			return fmt.Errorf("auth.mode cleartext requires auth.username")
		}
	default:
		return fmt.Errorf("unsupported auth.mode %q", cfg.Auth.Mode)
	}

	return nil
}

// Watcher watches a config file for changes and invokes a callback with the
// reloaded configuration, debounced to absorb editor rewrite bursts.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates and starts a config file watcher.
func NewWatcher(path string, logger *slog.Logger, callback func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		cw.logger.Error("config hot-reload failed", "path", cw.path, "err", err)
		return
	}

	cw.logger.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
