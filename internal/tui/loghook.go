package tui

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LogLine is one captured log entry.
type LogLine struct {
	Level     string
	Component string
	Message   string
}

// LogHook captures logrus entries for the activity panel. When the buffer is
// full the oldest line is dropped.
type LogHook struct {
	mu     sync.Mutex
	ch     chan LogLine
	levels []log.Level
}

// NewLogHook creates a hook that keeps up to bufSize unread lines of level
// info and above.
func NewLogHook(bufSize int) *LogHook {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &LogHook{
		ch: make(chan LogLine, bufSize),
		levels: []log.Level{
			log.PanicLevel,
			log.FatalLevel,
			log.ErrorLevel,
			log.WarnLevel,
			log.InfoLevel,
		},
	}
}

// SetLevels replaces the captured levels.
func (h *LogHook) SetLevels(levels []log.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.levels = levels
}

// Levels implements log.Hook.
func (h *LogHook) Levels() []log.Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.levels
}

// Fire implements log.Hook.
func (h *LogHook) Fire(entry *log.Entry) error {
	line := LogLine{
		Level:   entry.Level.String(),
		Message: strings.TrimRight(entry.Message, "\r\n"),
	}
	if component, ok := entry.Data["component"].(string); ok {
		line.Component = component
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case h.ch <- line:
	default:
		select {
		case <-h.ch:
		default:
		}
		select {
		case h.ch <- line:
		default:
		}
	}
	return nil
}

// Chan returns the channel to read lines from.
func (h *LogHook) Chan() <-chan LogLine {
	return h.ch
}
