// Package watcher follows the session file and the config file on disk so a
// running shell notices sign-outs and sign-ins made by another process.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mcontrol/mission-control/internal/config"
	"github.com/mcontrol/mission-control/sdk/auth"
	log "github.com/sirupsen/logrus"
)

// Resyncer re-reads the session store after it changed underneath it.
type Resyncer interface {
	Resync(ctx context.Context)
}

const (
	sessionDebounce      = 150 * time.Millisecond
	configReloadDebounce = 150 * time.Millisecond
)

// Watcher manages file watching for the session record and the config file.
type Watcher struct {
	authDir        string
	sessionPath    string
	configPath     string
	resync         Resyncer
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher

	mu                sync.Mutex
	sessionTimer      *time.Timer
	configReloadTimer *time.Timer
	lastSessionHash   string
	lastConfigHash    string
	ctx               context.Context
}

// NewWatcher creates a watcher for authDir. configPath and reloadCallback are optional.
func NewWatcher(authDir, configPath string, resync Resyncer, reloadCallback func(*config.Config)) (*Watcher, error) {
	if authDir == "" {
		return nil, fmt.Errorf("watcher: auth directory is required")
	}
	if resync == nil {
		return nil, fmt.Errorf("watcher: resync target is required")
	}
	fsw, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	w := &Watcher{
		authDir:        filepath.Clean(authDir),
		sessionPath:    normalizePath(filepath.Join(authDir, auth.RecordKey+".json")),
		configPath:     configPath,
		resync:         resync,
		reloadCallback: reloadCallback,
		watcher:        fsw,
	}
	w.lastSessionHash = fileHash(w.sessionPath)
	if configPath != "" {
		w.lastConfigHash = fileHash(configPath)
	}
	return w, nil
}

// Start begins watching. Events are processed until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.authDir, 0o700); err != nil {
		return fmt.Errorf("watcher: create auth directory: %w", err)
	}
	if err := w.watcher.Add(w.authDir); err != nil {
		log.WithField("component", "watcher").Errorf("failed to watch auth directory %s: %v", w.authDir, err)
		return err
	}
	log.WithField("component", "watcher").Debugf("watching auth directory: %s", w.authDir)
	if w.configPath != "" {
		// The parent directory is watched so editors that replace the file keep working.
		if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
			log.WithField("component", "watcher").Warnf("failed to watch config file %s: %v", w.configPath, err)
		}
	}
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.sessionTimer != nil {
		w.sessionTimer.Stop()
		w.sessionTimer = nil
	}
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
