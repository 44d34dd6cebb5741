package watcher

import (
	"github.com/mcontrol/mission-control/internal/config"
	"github.com/mcontrol/mission-control/internal/util"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) reloadConfigIfChanged() {
	hash := fileHash(w.configPath)
	if hash == "" {
		log.WithField("component", "watcher").Debug("ignoring empty or missing config file")
		return
	}
	w.mu.Lock()
	unchanged := hash == w.lastConfigHash
	w.mu.Unlock()
	if unchanged {
		log.WithField("component", "watcher").Debug("config file content unchanged (hash match), skipping reload")
		return
	}
	log.WithField("component", "watcher").Infof("config file changed, reloading: %s", w.configPath)

	newConfig, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.WithField("component", "watcher").Errorf("failed to reload config: %v", err)
		return
	}
	w.mu.Lock()
	w.lastConfigHash = hash
	w.mu.Unlock()

	util.SetLogLevel(newConfig)
	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
}
