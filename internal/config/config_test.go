package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := &Config{DefaultSession: "work", Log: Log{Level: "debug", Quiet: true}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" || !loaded.Log.Quiet {
		t.Errorf("loaded = %+v", loaded)
	}
	lvl, err := loaded.Log.ZapLevel()
	if err != nil || lvl != zapcore.DebugLevel {
		t.Errorf("ZapLevel() = %v, %v", lvl, err)
	}
}

func TestLoadMissingUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultSession != "" || cfg.Log.Level != "info" || cfg.Log.Quiet {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadRejectsBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[log]\nlevel = \"chatty\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for unknown level")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadEngineDefaults(t *testing.T) {
	t.Setenv("PIGEON_USER_ID", "")
	t.Setenv("PIGEON_NATS_URL", "")
	cfg, err := LoadEngine(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadEngine() error = %v", err)
	}
	if cfg.Remote.Backend != BackendMemory {
		t.Errorf("backend = %q, want memory", cfg.Remote.Backend)
	}
	if cfg.Outbox.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", cfg.Outbox.MaxRetries)
	}
	if cfg.Sync.MatchTolerance.Duration != 2*time.Second {
		t.Errorf("match_tolerance = %s, want 2s", cfg.Sync.MatchTolerance)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should require user_id")
	}
}

func TestLoadEngineFile(t *testing.T) {
	t.Setenv("PIGEON_USER_ID", "")
	t.Setenv("PIGEON_NATS_URL", "")
	path := filepath.Join(t.TempDir(), "pigeon.toml")
	data := `
user_id = "alice"

[remote]
backend = "nats"

[nats]
url = "nats://example:4222"

[sync]
write_timeout = "3s"

[connectivity]
source = "nats"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadEngine(path)
	if err != nil {
		t.Fatalf("LoadEngine() error = %v", err)
	}
	if cfg.UserID != "alice" || cfg.NATS.URL != "nats://example:4222" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Sync.WriteTimeout.Duration != 3*time.Second {
		t.Errorf("write_timeout = %s, want 3s", cfg.Sync.WriteTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.NATS.MessagesBucket != "pigeon_messages" {
		t.Errorf("messages_bucket = %q", cfg.NATS.MessagesBucket)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadEngineEnvOverrides(t *testing.T) {
	t.Setenv("PIGEON_USER_ID", "bob")
	t.Setenv("PIGEON_NATS_URL", "nats://env:4222")
	cfg, err := LoadEngine(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UserID != "bob" || cfg.NATS.URL != "nats://env:4222" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadEngineBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pigeon.toml")
	if err := os.WriteFile(path, []byte("[sync]\nwrite_timeout = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadEngine(path); err == nil {
		t.Error("LoadEngine() expected error for bad duration")
	}
}

func TestEngineValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Engine)
		wantErr bool
	}{
		{"defaults with user", func(*Engine) {}, false},
		{"unknown backend", func(c *Engine) { c.Remote.Backend = "redis" }, true},
		{"nats source without nats backend", func(c *Engine) { c.Connectivity.Source = SourceNATS }, true},
		{"probe without addr", func(c *Engine) { c.Connectivity.Source = SourceProbe }, true},
		{"probe with addr", func(c *Engine) {
			c.Connectivity.Source = SourceProbe
			c.Connectivity.ProbeAddr = "example.com:443"
		}, false},
		{"zero retries", func(c *Engine) { c.Outbox.MaxRetries = 0 }, true},
		{"zero tolerance", func(c *Engine) { c.Sync.MatchTolerance = Duration{} }, true},
		{"embedded nats", func(c *Engine) {
			c.Remote.Backend = BackendNATS
			c.NATS.URL = ""
			c.NATS.Embedded = true
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEngine()
			cfg.UserID = "alice"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveEngineRoundTrip(t *testing.T) {
	t.Setenv("PIGEON_USER_ID", "")
	t.Setenv("PIGEON_NATS_URL", "")
	path := filepath.Join(t.TempDir(), "pigeon.toml")
	cfg := DefaultEngine()
	cfg.UserID = "carol"
	cfg.Outbox.FlushInterval = Duration{time.Minute}
	if err := SaveEngine(path, &cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadEngine(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.UserID != "carol" || loaded.Outbox.FlushInterval.Duration != time.Minute {
		t.Errorf("loaded = %+v", loaded)
	}
}
