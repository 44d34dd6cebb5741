package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcontrol/mission-control/internal/config"
)

type resyncRecorder struct {
	calls chan struct{}
}

func (r *resyncRecorder) Resync(context.Context) {
	r.calls <- struct{}{}
}

func waitCall(t *testing.T, ch <-chan struct{}, want bool) {
	t.Helper()
	select {
	case <-ch:
		if !want {
			t.Fatal("unexpected resync")
		}
	case <-time.After(2 * time.Second):
		if want {
			t.Fatal("timed out waiting for resync")
		}
	}
}

func TestWatcherResyncsOnSessionChanges(t *testing.T) {
	dir := t.TempDir()
	rec := &resyncRecorder{calls: make(chan struct{}, 4)}
	w, err := NewWatcher(dir, "", rec, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = w.Stop() }()

	path := filepath.Join(dir, "mcontrol_auth.json")
	if err = os.WriteFile(path, []byte(`{"idToken":"a"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitCall(t, rec.calls, true)

	if err = os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitCall(t, rec.calls, true)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &resyncRecorder{calls: make(chan struct{}, 4)}
	w, err := NewWatcher(dir, "", rec, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = w.Stop() }()

	if err = os.WriteFile(filepath.Join(dir, "notes.json"), []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitCall(t, rec.calls, false)
}

func TestWatcherReloadsConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("api-url: http://a.example/api\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	reloaded := make(chan *config.Config, 2)
	rec := &resyncRecorder{calls: make(chan struct{}, 4)}
	w, err := NewWatcher(filepath.Join(dir, "auth"), configPath, rec, func(cfg *config.Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = w.Stop() }()

	if err = os.WriteFile(configPath, []byte("api-url: http://b.example/api\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-reloaded:
		if cfg.APIURL != "http://b.example/api" {
			t.Fatalf("APIURL = %q", cfg.APIURL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestNewWatcherValidation(t *testing.T) {
	if _, err := NewWatcher("", "", &resyncRecorder{}, nil); err == nil {
		t.Fatal("expected error without auth dir")
	}
	if _, err := NewWatcher(t.TempDir(), "", nil, nil); err == nil {
		t.Fatal("expected error without resync target")
	}
}
