package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Errorf("cfg = %+v, want defaults %+v", cfg, DefaultConfig())
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[server]
addr = ":9000"
cors_origins = ["http://a.local", "http://b.local"]

[store]
driver = "file"
path = "/tmp/hb-docs"

[sync]
debounce_ms = 250
client_id = "kitchen"

[chore]
timezone = "Asia/Seoul"
boundary_hour = 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9000" || len(cfg.Server.CORSOrigins) != 2 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Store.Driver != DriverFile || cfg.Store.Path != "/tmp/hb-docs" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Debounce() != 250*time.Millisecond || cfg.Sync.ClientID != "kitchen" {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	// keys absent from the file keep their defaults
	if cfg.Store.MaxAttempts != 10 || cfg.Log.MaxSizeMB != 10 {
		t.Errorf("defaults lost: store=%+v log=%+v", cfg.Store, cfg.Log)
	}

	calc, err := cfg.Calculator()
	if err != nil {
		t.Fatalf("Calculator failed: %v", err)
	}
	if calc.BoundaryHour != 5 || calc.Location.String() != "Asia/Seoul" {
		t.Errorf("calculator = %+v", calc)
	}
}

func TestLoad_MidnightBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[chore]\nboundary_hour = 0\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	calc, err := cfg.Calculator()
	if err != nil {
		t.Fatalf("Calculator failed: %v", err)
	}
	if calc.BoundaryHour != 0 {
		t.Fatalf("BoundaryHour = %d, want 0", calc.BoundaryHour)
	}
	now := time.Date(2024, 5, 5, 0, 30, 0, 0, calc.Location)
	if got := calc.Today(now); got != "2024-05-05" {
		t.Errorf("Today at 00:30 = %s, want 2024-05-05", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[store]\ndriver = \"sqlite\"\n")

	t.Setenv("HB_STORE_DRIVER", "remote")
	t.Setenv("HB_STORE_URL", "http://hub.local:8740")
	t.Setenv("HB_SYNC_DEBOUNCE_MS", "100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != DriverRemote || cfg.Store.URL != "http://hub.local:8740" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Sync.DebounceMS != 100 {
		t.Errorf("debounce_ms = %d", cfg.Sync.DebounceMS)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "")
	writeFile(t, filepath.Join(dir, ".env"), "HB_SERVER_ADDR=:7777\n")
	t.Cleanup(func() { os.Unsetenv("HB_SERVER_ADDR") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("addr = %q, want value from .env", cfg.Server.Addr)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[store\n", "failed to read config"},
		{"driver", "[store]\ndriver = \"mongo\"\n", "unknown store.driver"},
		{"postgres dsn", "[store]\ndriver = \"postgres\"\n", "store.dsn is required"},
		{"remote url", "[store]\ndriver = \"remote\"\n", "store.url is required"},
		{"boundary", "[chore]\nboundary_hour = 24\n", "boundary_hour"},
		{"timezone", "[chore]\ntimezone = \"Mars/Olympus\"\n", "invalid chore.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			writeFile(t, path, tt.content)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Error("expected error when the file exists")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("forced WriteDefault failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Errorf("written defaults load as %+v", cfg)
	}
}
