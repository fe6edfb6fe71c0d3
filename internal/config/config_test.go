package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	m := NewManager(nil)
	if err := m.Load(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}

	s, ok := m.Current()
	if !ok {
		t.Fatal("Current must report loaded after Load")
	}
	if !s.AutoSync {
		t.Fatal("auto_sync must default to true")
	}
	if s.SyncInterval != 15*time.Minute {
		t.Fatalf("sync_interval default = %v, want 15m", s.SyncInterval)
	}
	if s.HubAddr == "" || s.DataDir == "" {
		t.Fatalf("hub_addr and data_dir must have defaults, got %+v", s)
	}
	if s.Valid() {
		t.Fatal("defaults alone must not be valid for sync")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "remote_url: https://example.com\nauth_token: secret\nauto_sync: false\nsync_interval: 1h\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := NewManager(nil)
	if err := m.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	s, _ := m.Current()
	if !s.Valid() {
		t.Fatalf("settings with url and token must be valid: %+v", s)
	}
	if s.AutoSync {
		t.Fatal("auto_sync: false not applied")
	}
	if s.SyncInterval != time.Hour {
		t.Fatalf("sync_interval = %v, want 1h", s.SyncInterval)
	}
}

func TestSetNotifiesListeners(t *testing.T) {
	m := NewManager(nil)
	if err := m.Load(filepath.Join(t.TempDir(), "config.yaml")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var seen []string
	m.OnChange(func(s Settings) { seen = append(seen, s.RemoteURL) })

	if err := m.Set("remote_url", "https://example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if len(seen) != 1 || seen[0] != "https://example.com" {
		t.Fatalf("listener not notified with new settings, saw %v", seen)
	}
	if got := m.Get("remote_url"); got != "https://example.com" {
		t.Fatalf("Get = %v", got)
	}
}

func TestSetPersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("remote_url: https://old.example.com\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := NewManager(nil)
	if err := m.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.Set("remote_url", "https://new.example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// A fresh manager reading the same file sees the written value.
	m2 := NewManager(nil)
	if err := m2.Load(path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	s, _ := m2.Current()
	if s.RemoteURL != "https://new.example.com" {
		t.Fatalf("persisted remote_url = %q", s.RemoteURL)
	}
}

func TestDatabasePath(t *testing.T) {
	s := Settings{DataDir: "/tmp/lm"}
	if got := s.DatabasePath(); got != filepath.Join("/tmp/lm", "linkmirror.db") {
		t.Fatalf("DatabasePath = %q", got)
	}
}
