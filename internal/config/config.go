// Package config loads and merges the agent's TOML configuration, with
// environment-variable overrides and optional hot-reload of a subset of
// fields that are safe to change without a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// Device identifies this agent instance to a relay.
type Device struct {
	Serial string `toml:"serial"`
}

// Journal controls on-disk mirroring of session output.
type Journal struct {
	Enabled bool          `toml:"enabled"`
	MaxAge  time.Duration `toml:"max_age"`
}

// Tunnel controls the outbound reverse-tunnel client.
type Tunnel struct {
	Relay     bool   `toml:"relay"`
	URL       string `toml:"url"`
	TunnelKey string `toml:"tunnel_key"`
}

// Config is the full set of tunable agentd parameters, loaded from TOML
// and layered with environment overrides.
type Config struct {
	Listen           string        `toml:"listen"`
	APIKey           string        `toml:"api_key"`
	Device           Device        `toml:"device"`
	DataDir          string        `toml:"data_dir"`
	PlaybooksDir     string        `toml:"playbooks_dir"`
	MaxSessions      int           `toml:"max_sessions"`
	SessionBufferSize int          `toml:"session_buffer_size"`
	DetachTimeout    time.Duration `toml:"detach_timeout"`
	ExecTimeoutMS    int           `toml:"exec_timeout_ms"`
	MaxBatchSize     int           `toml:"max_batch_size"`
	MaxFileSize      int64         `toml:"max_file_size"`
	MaxConnections   int           `toml:"max_connections"`
	MaxOutputBytes   int64         `toml:"max_output_bytes"`
	Journal          Journal       `toml:"journal"`
	Tunnel           Tunnel        `toml:"tunnel"`
}

// Defaults returns a Config populated with the baseline values an agent
// should run with when a field is absent from the TOML file.
func Defaults() Config {
	dataDir, _ := DefaultDataDir()
	return Config{
		Listen:            "127.0.0.1:7777",
		DataDir:           dataDir,
		MaxSessions:       32,
		SessionBufferSize: 1000,
		DetachTimeout:     10 * time.Minute,
		ExecTimeoutMS:     30000,
		MaxBatchSize:      64,
		MaxFileSize:       64 << 20,
		MaxConnections:    128,
		MaxOutputBytes:    64 << 20,
		Journal: Journal{
			Enabled: true,
			MaxAge:  7 * 24 * time.Hour,
		},
	}
}

// Load reads path (if it exists), applies environment overrides, and
// fills unset fields from Defaults(). A missing file is not an error —
// defaults plus env vars are a valid configuration for a fresh agent.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.PlaybooksDir == "" {
		cfg.PlaybooksDir = cfg.DataDir + "/playbooks"
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("AGENTD_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("AGENTD_DEVICE_SERIAL"); v != "" {
		cfg.Device.Serial = v
	}
	if v := os.Getenv("AGENTD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTD_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("AGENTD_DETACH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DetachTimeout = d
		}
	}
	if v := os.Getenv("AGENTD_TUNNEL_URL"); v != "" {
		cfg.Tunnel.URL = v
		cfg.Tunnel.Relay = true
	}
	if v := os.Getenv("AGENTD_TUNNEL_KEY"); v != "" {
		cfg.Tunnel.TunnelKey = v
	}
}

// Manager wraps a loaded Config with an optional fsnotify watch. On a file
// change it reloads max_sessions, detach_timeout, exec_timeout_ms,
// max_batch_size and tunnel.* into the Config that later Get calls return;
// other fields such as Listen and DataDir are not reloaded. Values a caller
// has already copied out of Get are not updated.
type Manager struct {
	path string

	mu  sync.RWMutex
	cur *Config

	watcher *fsnotify.Watcher
}

// NewManager loads path and returns a Manager ready to serve Get() calls.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, cur: cfg}, nil
}

// Get returns the current configuration snapshot. Safe for concurrent use.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cur
}

// Watch starts an fsnotify watch on the config file's directory and
// reloads hot-reloadable fields whenever the file is written. Stops when
// stop is closed.
func (m *Manager) Watch(stop <-chan struct{}) error {
	if m.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	m.watcher = w
	dir := dirOf(m.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != m.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m.reload()
			case <-w.Errors:
				// watcher errors are non-fatal; keep serving the last-known config
			}
		}
	}()
	return nil
}

func (m *Manager) reload() {
	next, err := Load(m.path)
	if err != nil {
		return
	}
	m.mu.Lock()
	// Only hot-reload fields that are safe to change without restarting
	// listeners or re-opening the data directory.
	cur := *m.cur
	cur.MaxSessions = next.MaxSessions
	cur.DetachTimeout = next.DetachTimeout
	cur.ExecTimeoutMS = next.ExecTimeoutMS
	cur.MaxBatchSize = next.MaxBatchSize
	cur.Tunnel = next.Tunnel
	m.cur = &cur
	m.mu.Unlock()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
