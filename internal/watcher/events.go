package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithField("component", "watcher").Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	ops := fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	if event.Op&ops == 0 {
		return
	}
	name := normalizePath(event.Name)
	switch {
	case name == w.sessionPath:
		log.WithField("component", "watcher").Debugf("session file event: %s", event.Op.String())
		w.schedule(&w.sessionTimer, sessionDebounce, w.resyncIfChanged)
	case w.configPath != "" && name == normalizePath(w.configPath):
		log.WithField("component", "watcher").Debugf("config file event: %s", event.Op.String())
		w.schedule(&w.configReloadTimer, configReloadDebounce, w.reloadConfigIfChanged)
	}
}

// schedule restarts the debounce timer held in slot.
func (w *Watcher) schedule(slot **time.Timer, delay time.Duration, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if *slot != nil {
		(*slot).Stop()
	}
	*slot = time.AfterFunc(delay, func() {
		w.mu.Lock()
		*slot = nil
		w.mu.Unlock()
		fn()
	})
}

func (w *Watcher) resyncIfChanged() {
	hash := fileHash(w.sessionPath)
	w.mu.Lock()
	unchanged := hash == w.lastSessionHash
	w.lastSessionHash = hash
	ctx := w.ctx
	w.mu.Unlock()
	if unchanged {
		log.WithField("component", "watcher").Debug("session file unchanged (hash match), skipping resync")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	log.WithField("component", "watcher").Info("session file changed on disk, resyncing")
	w.resync.Resync(ctx)
}

// fileHash returns the content hash of path, or "" when it cannot be read.
func fileHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
