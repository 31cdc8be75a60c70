// Package yamlconfig loads the YAML configuration file consumed by the
// cmd/pgwireclient example binary and can watch it for live edits.
package yamlconfig

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level shape of the example CLI's config file: how to
// reach one PostgreSQL backend, and how the Pool in front of it should be
// sized.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Pool       PoolConfig       `yaml:"pool"`
}

// ConnectionConfig carries the fields pgwire.Config needs.
type ConnectionConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	AuthMethod      string `yaml:"auth_method"` // "trust", "cleartext", "md5", "scram-sha-256"
	ApplicationName string `yaml:"application_name"`
}

// PoolConfig carries the fields pool.Config needs.
type PoolConfig struct {
	MaxConnections             int           `yaml:"max_connections"`
	MaxPendingRequests         int           `yaml:"max_pending_requests"`
	PendingRequestTimeout      time.Duration `yaml:"pending_request_timeout"`
	AllocatedConnectionTimeout time.Duration `yaml:"allocated_connection_timeout"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} occurrences with the named
// environment variable's value, leaving the placeholder untouched if the
// variable isn't set.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads, substitutes, and parses the YAML file at path, then applies
// defaults for anything the file left zero.
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
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Connection.Port == 0 {
		cfg.Connection.Port = 5432
	}
	if cfg.Connection.AuthMethod == "" {
		cfg.Connection.AuthMethod = "trust"
	}
	if cfg.Connection.ApplicationName == "" {
		cfg.Connection.ApplicationName = "pgwireclient"
	}
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 4
	}
}

// Watcher reloads a Config from its file whenever the file is written or
// recreated, debouncing rapid successive events (editors commonly write
// a file more than once per save).
type Watcher struct {
	path     string
	callback func(*Config)
	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	log      *slog.Logger
}

// NewWatcher starts watching path in the background, invoking callback
// with each successfully reloaded Config. A failed reload is logged and
// the previous Config (held by the caller) keeps being used.
func NewWatcher(path string, callback func(*Config), log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	w := &Watcher{path: path, callback: callback, fsw: fsw, stopCh: make(chan struct{}), log: log}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, w.reload)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config hot-reload failed", "path", w.path, "error", err)
		return
	}
	w.log.Info("config reloaded", "path", w.path)
	w.callback(cfg)
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fsw.Close()
}
