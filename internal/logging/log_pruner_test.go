package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestPruneLogDir_RemovesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "main.log")
	writeSizedFile(t, filepath.Join(dir, "main-2026-01-01.log"), 60, time.Unix(10, 0))
	writeSizedFile(t, filepath.Join(dir, "main-2026-01-02.log.gz"), 60, time.Unix(20, 0))
	writeSizedFile(t, keep, 60, time.Unix(30, 0))
	writeSizedFile(t, filepath.Join(dir, "notes.txt"), 500, time.Unix(1, 0))

	removed, err := pruneLogDir(dir, 120, keep)
	if err != nil {
		t.Fatalf("pruneLogDir: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err = os.Stat(filepath.Join(dir, "main-2026-01-01.log")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest log removed, stat err=%v", err)
	}
	for _, name := range []string{"main-2026-01-02.log.gz", "main.log", "notes.txt"} {
		if _, err = os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestPruneLogDir_NeverRemovesActiveFile(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "main.log")
	writeSizedFile(t, keep, 300, time.Unix(1, 0))

	removed, err := pruneLogDir(dir, 100, keep)
	if err != nil {
		t.Fatalf("pruneLogDir: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing removed, got %d", removed)
	}
}

func TestPruneLogDir_MissingDirectory(t *testing.T) {
	removed, err := pruneLogDir(filepath.Join(t.TempDir(), "absent"), 10, "")
	if err != nil || removed != 0 {
		t.Fatalf("expected no-op for missing dir, got removed=%d err=%v", removed, err)
	}
}

func TestLogFormatter_OrdersKnownFields(t *testing.T) {
	entry := &log.Entry{
		Time:    time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "refresh failed\n",
		Data:    log.Fields{"error": "boom", "component": "session", "ignored": 1},
	}
	out, err := (&LogFormatter{}).Format(entry)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	line := string(out)
	if !strings.HasPrefix(line, "[2026-01-02 15:04:05] [warn ] refresh failed component=session error=boom") {
		t.Fatalf("unexpected formatted line %q", line)
	}
	if strings.Contains(line, "ignored") {
		t.Fatalf("unlisted field leaked into %q", line)
	}
}

func writeSizedFile(t *testing.T, path string, size int, modTime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestMaskQuery(t *testing.T) {
	got := maskQuery("session_id=abc123&verbose=1")
	if got != "session_id=%2A%2A%2A&verbose=1" {
		t.Fatalf("unexpected masked query %q", got)
	}
	if plain := maskQuery("page=2"); plain != "page=2" {
		t.Fatalf("expected untouched query, got %q", plain)
	}
}
