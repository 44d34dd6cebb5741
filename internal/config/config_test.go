package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "debug: true\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Debug {
		t.Fatalf("expected debug to be parsed")
	}
	if cfg.APIURL != DefaultAPIURL {
		t.Fatalf("expected default api url, got %q", cfg.APIURL)
	}
	if cfg.Auth.Mode != AuthModePolling {
		t.Fatalf("expected polling mode, got %q", cfg.Auth.Mode)
	}
	if got := cfg.Auth.PollInterval(); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s poll interval, got %s", got)
	}
	if got := cfg.Auth.SignInTimeout(); got != 5*time.Minute {
		t.Fatalf("expected 5m sign-in timeout, got %s", got)
	}
	if got := cfg.Auth.RefreshBuffer(); got != 5*time.Minute {
		t.Fatalf("expected 5m refresh buffer, got %s", got)
	}
	if cfg.Store.Type != StoreTypeFile {
		t.Fatalf("expected file store, got %q", cfg.Store.Type)
	}
	if got := cfg.Health.Interval(); got != 5*time.Second {
		t.Fatalf("expected 5s health interval, got %s", got)
	}
}

func TestLoadConfig_ParsesNestedSections(t *testing.T) {
	path := writeConfig(t, `
api-url: "https://mc.example.com/api/"
auth:
  mode: " Loopback "
  callback-port: 8765
  google-client-id: "client.apps.googleusercontent.com"
  emulator-host: "localhost:9099"
store:
  type: object
  object:
    endpoint: "s3.local:9000"
    bucket: "sessions"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIURL != "https://mc.example.com/api" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.APIURL)
	}
	if cfg.Auth.Mode != AuthModeLoopback || cfg.Auth.CallbackPort != 8765 {
		t.Fatalf("unexpected auth section: %+v", cfg.Auth)
	}
	if cfg.Auth.EmulatorHost != "localhost:9099" {
		t.Fatalf("expected emulator host, got %q", cfg.Auth.EmulatorHost)
	}
	if cfg.Store.Type != StoreTypeObject || cfg.Store.Object.Bucket != "sessions" {
		t.Fatalf("unexpected store section: %+v", cfg.Store)
	}
}

func TestLoadConfig_RejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, "auth:\n  mode: carrier-pigeon\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unsupported auth mode")
	}
}

func TestLoadConfig_LoopbackRequiresClientID(t *testing.T) {
	path := writeConfig(t, "auth:\n  mode: loopback\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error when google-client-id is missing")
	}
}

func TestLoadConfigOptional_MissingFile(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "absent.yaml"), true)
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	if cfg.APIURL == "" || cfg.Auth.Mode == "" {
		t.Fatalf("expected defaults on missing file, got %+v", cfg)
	}

	if _, err = LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for required missing file")
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("MCONTROL_API_URL", "http://10.0.0.5:8000/api")
	t.Setenv("mcontrol_auth_mode", "dev")
	t.Setenv("FIREBASE_AUTH_EMULATOR_HOST", "127.0.0.1:9099")
	t.Setenv("PGSTORE_DSN", "postgres://u:p@db/mc")
	t.Setenv("PGSTORE_SCHEMA", "desktop")

	cfg := &Config{}
	cfg.ApplyEnv()
	cfg.SanitizeDefaults()

	if cfg.APIURL != "http://10.0.0.5:8000/api" {
		t.Fatalf("api url override not applied: %q", cfg.APIURL)
	}
	if cfg.Auth.Mode != AuthModeDev {
		t.Fatalf("lower-case env key not honored: %q", cfg.Auth.Mode)
	}
	if cfg.Auth.EmulatorHost != "127.0.0.1:9099" {
		t.Fatalf("emulator host override not applied: %q", cfg.Auth.EmulatorHost)
	}
	if cfg.Store.Type != StoreTypePostgres || cfg.Store.Postgres.Schema != "desktop" {
		t.Fatalf("postgres env not applied: %+v", cfg.Store)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
