package logging

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logPruneInterval = time.Minute

type logPruner struct {
	done chan struct{}
}

func startLogPruner(dir string, maxBytes int64, keep string) *logPruner {
	p := &logPruner{done: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(logPruneInterval)
		defer ticker.Stop()
		for {
			if removed, err := pruneLogDir(dir, maxBytes, keep); err != nil {
				log.WithError(err).Warn("logging: prune log directory failed")
			} else if removed > 0 {
				log.Debugf("logging: pruned %d old log file(s)", removed)
			}
			select {
			case <-p.done:
				return
			case <-ticker.C:
			}
		}
	}()
	return p
}

func (p *logPruner) stop() {
	close(p.done)
}

type logEntry struct {
	path    string
	size    int64
	modTime time.Time
}

// pruneLogDir deletes the oldest *.log and *.log.gz files in dir until their
// combined size is at most maxBytes. The file at keep is never removed.
func pruneLogDir(dir string, maxBytes int64, keep string) (int, error) {
	if maxBytes <= 0 || strings.TrimSpace(dir) == "" {
		return 0, nil
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var (
		files []logEntry
		total int64
	)
	for _, dirEntry := range dirEntries {
		if !dirEntry.Type().IsRegular() || !isLogFile(dirEntry.Name()) {
			continue
		}
		info, errInfo := dirEntry.Info()
		if errInfo != nil {
			continue
		}
		files = append(files, logEntry{path: filepath.Join(dir, dirEntry.Name()), size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	if total <= maxBytes {
		return 0, nil
	}

	slices.SortFunc(files, func(a, b logEntry) int { return a.modTime.Compare(b.modTime) })
	keep = filepath.Clean(keep)
	removed := 0
	for _, file := range files {
		if total <= maxBytes {
			break
		}
		if filepath.Clean(file.path) == keep {
			continue
		}
		if errRemove := os.Remove(file.path); errRemove != nil && !os.IsNotExist(errRemove) {
			log.WithError(errRemove).Warnf("logging: remove %s", filepath.Base(file.path))
			continue
		}
		total -= file.size
		removed++
	}
	return removed, nil
}

func isLogFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
