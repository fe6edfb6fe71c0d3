// Package config loads and watches linkmirror settings.
//
// Settings live in a YAML file (default: ~/.linkmirror/config.yaml) read
// through viper, with LINKMIRROR_* environment overrides. The manager
// re-reads the file on change and notifies registered listeners after each
// successful reload, so components see new settings without polling.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Settings holds the configuration consumed by the sync subsystem.
type Settings struct {
	// RemoteURL is the base URL of the remote bookmark service.
	RemoteURL string `mapstructure:"remote_url"`

	// AuthToken authenticates requests to the remote service.
	AuthToken string `mapstructure:"auth_token"`

	// AutoSync enables periodic background sync in the daemon.
	AutoSync bool `mapstructure:"auto_sync"`

	// SyncInterval is the advisory minimum period between periodic runs.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// DataDir is where the local store and daemon state live.
	DataDir string `mapstructure:"data_dir"`

	// HubAddr is the coordination hub address the daemon listens on and
	// foreground processes connect to.
	HubAddr string `mapstructure:"hub_addr"`
}

// Valid reports whether the settings are complete enough to sync.
func (s Settings) Valid() bool {
	return s.RemoteURL != "" && s.AuthToken != ""
}

// DatabasePath returns the path of the local bookmark store.
func (s Settings) DatabasePath() string {
	return filepath.Join(s.DataDir, "linkmirror.db")
}

// Listener is notified with the new settings after a successful reload.
type Listener func(Settings)

// Manager owns the viper instance and the current settings snapshot.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	current   Settings
	loaded    bool
	listeners []Listener

	logger *log.Logger
}

// NewManager creates a manager with defaults applied but nothing loaded.
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}

	v := viper.New()
	v.SetDefault("auto_sync", true)
	v.SetDefault("sync_interval", "15m")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("hub_addr", "127.0.0.1:7337")

	v.SetEnvPrefix("LINKMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return &Manager{v: v, logger: logger}
}

// Load reads the config file at path. An empty path uses the default
// location; a missing file is not an error (env vars and defaults apply).
func (m *Manager) Load(path string) error {
	if path != "" {
		m.v.SetConfigFile(path)
	} else {
		m.v.SetConfigName("config")
		m.v.SetConfigType("yaml")
		m.v.AddConfigPath(defaultDataDir())
	}

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return m.reload()
}

// Watch starts watching the config file for changes. Each successful
// reload notifies listeners synchronously with the new snapshot.
func (m *Manager) Watch() {
	m.v.OnConfigChange(func(_ fsnotify.Event) {
		if err := m.reload(); err != nil {
			m.logger.Printf("Config reload failed: %v", err)
			return
		}
		m.logger.Printf("Config reloaded")
	})
	m.v.WatchConfig()
}

// reload unmarshals the current viper state and notifies listeners.
func (m *Manager) reload() error {
	var s Settings
	if err := m.v.Unmarshal(&s); err != nil {
		return fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	m.mu.Lock()
	m.current = s
	m.loaded = true
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
	return nil
}

// Current returns the latest settings snapshot and whether any load has
// succeeded yet.
func (m *Manager) Current() (Settings, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.loaded
}

// OnChange registers a listener for settings reloads.
func (m *Manager) OnChange(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Get returns the raw value of one key.
func (m *Manager) Get(key string) any {
	return m.v.Get(key)
}

// Set overrides a single key in the live settings and writes the config
// file when one is in use.
func (m *Manager) Set(key string, value any) error {
	m.v.Set(key, value)
	if err := m.reload(); err != nil {
		return err
	}
	if m.v.ConfigFileUsed() == "" {
		return nil
	}
	return m.v.WriteConfig()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".linkmirror"
	}
	return filepath.Join(home, ".linkmirror")
}
