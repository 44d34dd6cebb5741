// Package util provides utility functions for the Mission Control client.
// It includes helpers for logging configuration, file system paths, and
// masking credentials before they reach a log line.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mcontrol/mission-control/internal/config"
	log "github.com/sirupsen/logrus"
)

// SetLogLevel configures the logrus log level based on the configuration.
// It sets the log level to DebugLevel if debug mode is enabled, otherwise to InfoLevel.
func SetLogLevel(cfg *config.Config) {
	currentLevel := log.GetLevel()
	newLevel := log.InfoLevel
	if cfg != nil && cfg.Debug {
		newLevel = log.DebugLevel
	}
	if currentLevel != newLevel {
		log.SetLevel(newLevel)
		log.Debugf("log level changed from %s to %s", currentLevel, newLevel)
	}
}

// ResolveAuthDir normalizes the auth directory path for consistent reuse throughout the app.
// It expands a leading tilde (~) to the user's home directory and returns a cleaned path.
func ResolveAuthDir(authDir string) (string, error) {
	authDir = strings.TrimSpace(authDir)
	if authDir == "" {
		return "", nil
	}
	if !strings.HasPrefix(authDir, "~") {
		return filepath.Clean(authDir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve auth dir: %w", err)
	}
	remainder := strings.TrimLeft(strings.TrimPrefix(authDir, "~"), "/\\")
	if remainder == "" {
		return filepath.Clean(home), nil
	}
	normalized := strings.ReplaceAll(remainder, "\\", "/")
	return filepath.Clean(filepath.Join(home, filepath.FromSlash(normalized))), nil
}

// WritablePath returns the cleaned WRITABLE_PATH environment variable when it is set.
func WritablePath() string {
	if value, ok := config.LookupEnv("WRITABLE_PATH", "writable_path"); ok {
		return filepath.Clean(value)
	}
	return ""
}

// HideToken obscures a credential for logging, keeping only a short prefix and suffix.
func HideToken(token string) string {
	switch n := len(token); {
	case n > 12:
		return token[:4] + "..." + token[n-4:]
	case n > 4:
		return token[:1] + "..." + token[n-1:]
	case n > 0:
		return "..."
	default:
		return ""
	}
}

// MaskAuthorizationHeader masks an Authorization header value while keeping its scheme.
func MaskAuthorizationHeader(value string) string {
	scheme, credential, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found {
		return HideToken(value)
	}
	return scheme + " " + HideToken(credential)
}
