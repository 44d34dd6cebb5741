package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileTokenStore keeps the session record as <base-dir>/mcontrol_auth.json.
type FileTokenStore struct {
	mu      sync.Mutex
	dirLock sync.RWMutex
	baseDir string
}

// NewFileTokenStore creates a store rooted at dir. The directory is created on first save.
func NewFileTokenStore(dir string) *FileTokenStore {
	s := &FileTokenStore{}
	s.SetBaseDir(dir)
	return s
}

// SetBaseDir updates the directory holding the session file.
func (s *FileTokenStore) SetBaseDir(dir string) {
	s.dirLock.Lock()
	s.baseDir = strings.TrimSpace(dir)
	s.dirLock.Unlock()
}

// Path returns the session file location, or "" when no directory is configured.
func (s *FileTokenStore) Path() string {
	s.dirLock.RLock()
	defer s.dirLock.RUnlock()
	if s.baseDir == "" {
		return ""
	}
	return filepath.Join(s.baseDir, RecordKey+".json")
}

// Load reads the session file. A missing or corrupt file yields nil, nil.
func (s *FileTokenStore) Load(ctx context.Context) (*Bundle, error) {
	path := s.Path()
	if path == "" {
		return nil, fmt.Errorf("auth filestore: directory not configured")
	}
	s.mu.Lock()
	raw, err := os.ReadFile(path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth filestore: read %s: %w", path, err)
	}
	bundle, err := DecodeBundle(raw)
	if err != nil {
		log.WithField("component", "filestore").Warnf("ignoring stored session at %s: %v", path, err)
		return nil, nil
	}
	return bundle, nil
}

// Save atomically replaces the session file.
func (s *FileTokenStore) Save(ctx context.Context, bundle *Bundle) error {
	path := s.Path()
	if path == "" {
		return fmt.Errorf("auth filestore: directory not configured")
	}
	raw, err := EncodeBundle(bundle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("auth filestore: create dir failed: %w", err)
	}
	return writeFileAtomic(path, raw)
}

// Clear removes the session file. Clearing an absent session is a no-op.
func (s *FileTokenStore) Clear(ctx context.Context) error {
	path := s.Path()
	if path == "" {
		return fmt.Errorf("auth filestore: directory not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("auth filestore: delete %s: %w", path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("auth filestore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("auth filestore: chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("auth filestore: write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("auth filestore: sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("auth filestore: close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("auth filestore: replace %s: %w", path, err)
	}
	return nil
}
