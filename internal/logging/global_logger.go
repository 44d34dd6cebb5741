// Package logging configures the process-wide logrus logger: a compact line
// formatter, optional rotating file output, and a size cap on the log directory.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mcontrol/mission-control/internal/config"
	"github.com/mcontrol/mission-control/internal/util"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const mainLogName = "main.log"

var (
	setupOnce      sync.Once
	writerMu       sync.Mutex
	logWriter      *lumberjack.Logger
	ginInfoWriter  *io.PipeWriter
	ginErrorWriter *io.PipeWriter
	activePruner   *logPruner
)

// LogFormatter renders entries as
// [2026-01-02 15:04:05] [info ] [manager.go:120] session refreshed component=session
type LogFormatter struct{}

// logFieldOrder lists the fields printed after the message, in order.
var logFieldOrder = []string{"component", "mode", "state", "session", "status", "attempt", "error"}

// Format renders a single log entry.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	var fields []string
	for _, key := range logFieldOrder {
		if value, ok := entry.Data[key]; ok {
			fields = append(fields, fmt.Sprintf("%s=%v", key, value))
		}
	}
	suffix := ""
	if len(fields) > 0 {
		suffix = " " + strings.Join(fields, " ")
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")
	if entry.Caller != nil {
		fmt.Fprintf(buffer, "[%s] [%-5s] [%s:%d] %s%s\n", timestamp, level, filepath.Base(entry.Caller.File), entry.Caller.Line, message, suffix)
	} else {
		fmt.Fprintf(buffer, "[%s] [%-5s] %s%s\n", timestamp, level, message, suffix)
	}
	return buffer.Bytes(), nil
}

// SetupBaseLogger configures the shared logrus instance and routes Gin output through it.
// It is safe to call multiple times; initialization happens only once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		ginInfoWriter = log.StandardLogger().Writer()
		gin.DefaultWriter = ginInfoWriter
		ginErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultErrorWriter = ginErrorWriter
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			log.StandardLogger().Debugf(strings.TrimRight(format, "\r\n"), values...)
		}

		log.RegisterExitHandler(closeLogOutputs)
	})
}

// ResolveLogDirectory determines the directory used for application logs.
// WRITABLE_PATH wins; otherwise logs live next to the session file.
func ResolveLogDirectory(cfg *config.Config) string {
	if base := util.WritablePath(); base != "" {
		return filepath.Join(base, "logs")
	}
	if cfg == nil {
		return "logs"
	}
	authDir, err := util.ResolveAuthDir(cfg.AuthDir)
	if err != nil {
		log.Warnf("failed to resolve auth-dir %q for log directory: %v", cfg.AuthDir, err)
	}
	if authDir == "" {
		return "logs"
	}
	return filepath.Join(authDir, "logs")
}

// ConfigureLogOutput switches the global log destination between a rotating file and stdout.
// When the configuration caps the directory size, a background pruner removes the oldest
// rotated files until the directory fits.
func ConfigureLogOutput(cfg *config.Config) error {
	SetupBaseLogger()

	writerMu.Lock()
	defer writerMu.Unlock()

	if activePruner != nil {
		activePruner.stop()
		activePruner = nil
	}
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}

	if cfg == nil || !cfg.LoggingToFile {
		log.SetOutput(os.Stdout)
		return nil
	}

	logDir := ResolveLogDirectory(cfg)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}
	mainPath := filepath.Join(logDir, mainLogName)
	logWriter = &lumberjack.Logger{
		Filename: mainPath,
		MaxSize:  10,
	}
	log.SetOutput(logWriter)

	if cfg.LogsMaxTotalSizeMB > 0 {
		activePruner = startLogPruner(logDir, int64(cfg.LogsMaxTotalSizeMB)*1024*1024, mainPath)
	}
	return nil
}

// RedirectForTerminalUI sends log output to w, typically a hook-backed discard
// writer while the full-screen UI owns stdout. File output is left untouched.
func RedirectForTerminalUI(w io.Writer) {
	writerMu.Lock()
	defer writerMu.Unlock()
	if logWriter != nil {
		return
	}
	log.SetOutput(w)
}

func closeLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()

	if activePruner != nil {
		activePruner.stop()
		activePruner = nil
	}
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	if ginInfoWriter != nil {
		_ = ginInfoWriter.Close()
		ginInfoWriter = nil
	}
	if ginErrorWriter != nil {
		_ = ginErrorWriter.Close()
		ginErrorWriter = nil
	}
}
