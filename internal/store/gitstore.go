package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/plumbing/transport/http"
	"github.com/mcontrol/mission-control/sdk/auth"
)

// gcInterval defines minimum time between garbage collection runs.
const gcInterval = 5 * time.Minute

// GitStoreConfig captures configuration for the git-backed token store.
type GitStoreConfig struct {
	Remote     string
	Username   string
	Password   string
	RepoDir    string
	SpoolDir   string
	Passphrase string
}

// GitTokenStore mirrors the session record into a git repository. Every save
// or clear becomes a single squashed commit force-pushed to the remote.
type GitTokenStore struct {
	mu       sync.Mutex
	repoDir  string
	remote   string
	username string
	password string
	spool    *spool
	lastGC   time.Time
}

// NewGitTokenStore creates a git-backed store. The working copy is prepared by Bootstrap.
func NewGitTokenStore(cfg GitStoreConfig) (*GitTokenStore, error) {
	remote := strings.TrimSpace(cfg.Remote)
	if remote == "" {
		return nil, fmt.Errorf("git token store: remote not configured")
	}
	repoDir := strings.TrimSpace(cfg.RepoDir)
	if repoDir == "" {
		return nil, fmt.Errorf("git token store: repository directory not configured")
	}
	if abs, err := filepath.Abs(repoDir); err == nil {
		repoDir = abs
	}
	sp, err := newSpool("git token store", cfg.SpoolDir, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	return &GitTokenStore{
		repoDir:  repoDir,
		remote:   remote,
		username: cfg.Username,
		password: cfg.Password,
		spool:    sp,
	}, nil
}

// SpoolDir returns the directory holding the local copy.
func (s *GitTokenStore) SpoolDir() string { return s.spool.dir }

// RecordPath returns the location of the record inside the working copy.
func (s *GitTokenStore) RecordPath() string {
	return filepath.Join(s.repoDir, sessionObjectName())
}

// Close is a no-op.
func (s *GitTokenStore) Close() error { return nil }

// Bootstrap clones or pulls the repository and copies the record into the spool.
func (s *GitTokenStore) Bootstrap(ctx context.Context) error {
	if err := s.EnsureRepository(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.RecordPath())
	if errors.Is(err, fs.ErrNotExist) {
		return s.spool.adopt(ctx, nil)
	}
	if err != nil {
		return fmt.Errorf("git token store: read record: %w", err)
	}
	return s.spool.adopt(ctx, data)
}

// EnsureRepository prepares the local git working tree by cloning or opening the repository.
func (s *GitTokenStore) EnsureRepository() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gitDir := filepath.Join(s.repoDir, ".git")
	authMethod := s.gitAuth()
	if _, err := os.Stat(gitDir); errors.Is(err, fs.ErrNotExist) {
		if errMk := os.MkdirAll(s.repoDir, 0o700); errMk != nil {
			return fmt.Errorf("git token store: create repo dir: %w", errMk)
		}
		_, errClone := git.PlainClone(s.repoDir, &git.CloneOptions{Auth: authMethod, URL: s.remote})
		if errClone == nil {
			return nil
		}
		if !errors.Is(errClone, transport.ErrEmptyRemoteRepository) {
			return fmt.Errorf("git token store: clone remote: %w", errClone)
		}
		_ = os.RemoveAll(gitDir)
		repo, errInit := git.PlainInit(s.repoDir, false)
		if errInit != nil {
			return fmt.Errorf("git token store: init empty repo: %w", errInit)
		}
		if _, errRemote := repo.Remote("origin"); errRemote != nil {
			if _, errCreate := repo.CreateRemote(&config.RemoteConfig{
				Name: "origin",
				URLs: []string{s.remote},
			}); errCreate != nil && !errors.Is(errCreate, git.ErrRemoteExists) {
				return fmt.Errorf("git token store: configure remote: %w", errCreate)
			}
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("git token store: stat repo: %w", err)
	}

	repo, errOpen := git.PlainOpen(s.repoDir)
	if errOpen != nil {
		return fmt.Errorf("git token store: open repo: %w", errOpen)
	}
	worktree, errWorktree := repo.Worktree()
	if errWorktree != nil {
		return fmt.Errorf("git token store: worktree: %w", errWorktree)
	}
	errPull := worktree.Pull(&git.PullOptions{Auth: authMethod, RemoteName: "origin"})
	switch {
	case errPull == nil,
		errors.Is(errPull, git.NoErrAlreadyUpToDate),
		errors.Is(errPull, git.ErrUnstagedChanges),
		errors.Is(errPull, git.ErrNonFastForwardUpdate),
		errors.Is(errPull, transport.ErrAuthenticationRequired),
		errors.Is(errPull, plumbing.ErrReferenceNotFound),
		errors.Is(errPull, transport.ErrEmptyRemoteRepository):
		return nil
	default:
		return fmt.Errorf("git token store: pull: %w", errPull)
	}
}

// Load reads the local spool.
func (s *GitTokenStore) Load(ctx context.Context) (*auth.Bundle, error) {
	return s.spool.local.Load(ctx)
}

// Save commits and pushes the record, then replaces the spool.
func (s *GitTokenStore) Save(ctx context.Context, bundle *auth.Bundle) error {
	payload, err := s.spool.encode(bundle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = os.WriteFile(s.RecordPath(), payload, 0o600); err != nil {
		return fmt.Errorf("git token store: write record: %w", err)
	}
	if err = s.commitAndPushLocked("Update session"); err != nil {
		return err
	}
	return s.spool.local.Save(ctx, bundle)
}

// Clear removes the spool, then deletes the record from the repository.
func (s *GitTokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.spool.local.Clear(ctx); err != nil {
		return err
	}
	if err := os.Remove(s.RecordPath()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("git token store: remove record: %w", err)
	}
	return s.commitAndPushLocked("Sign out")
}

func (s *GitTokenStore) gitAuth() transport.AuthMethod {
	if s.username == "" && s.password == "" {
		return nil
	}
	user := s.username
	if user == "" {
		user = "git"
	}
	return &http.BasicAuth{Username: user, Password: s.password}
}

func (s *GitTokenStore) commitAndPushLocked(message string) error {
	repo, err := git.PlainOpen(s.repoDir)
	if err != nil {
		return fmt.Errorf("git token store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git token store: worktree: %w", err)
	}
	rel := sessionObjectName()
	if _, err = worktree.Add(rel); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("git token store: add %s: %w", rel, err)
		}
		if _, errRemove := worktree.Remove(rel); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
			return fmt.Errorf("git token store: remove %s: %w", rel, errRemove)
		}
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("git token store: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	signature := &object.Signature{
		Name:  "Mission Control",
		Email: "mcontrol@local",
		When:  time.Now(),
	}
	commitHash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature,
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("git token store: commit: %w", err)
	}
	headRef, errHead := repo.Head()
	if errHead != nil {
		if !errors.Is(errHead, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("git token store: get head: %w", errHead)
		}
	} else if errRewrite := rewriteHeadAsSingleCommit(repo, headRef.Name(), commitHash, message, signature); errRewrite != nil {
		return errRewrite
	}
	s.maybeRunGC(repo)
	if err = repo.Push(&git.PushOptions{Auth: s.gitAuth(), Force: true}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("git token store: push: %w", err)
	}
	return nil
}

// rewriteHeadAsSingleCommit points branch at a parentless copy of commitHash
// so old tokens never survive in history.
func rewriteHeadAsSingleCommit(repo *git.Repository, branch plumbing.ReferenceName, commitHash plumbing.Hash, message string, signature *object.Signature) error {
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return fmt.Errorf("git token store: inspect head commit: %w", err)
	}
	squashed := &object.Commit{
		Author:       *signature,
		Committer:    *signature,
		Message:      message,
		TreeHash:     commitObj.TreeHash,
		ParentHashes: nil,
		Encoding:     commitObj.Encoding,
		ExtraHeaders: commitObj.ExtraHeaders,
	}
	mem := &plumbing.MemoryObject{}
	mem.SetType(plumbing.CommitObject)
	if err := squashed.Encode(mem); err != nil {
		return fmt.Errorf("git token store: encode squashed commit: %w", err)
	}
	newHash, err := repo.Storer.SetEncodedObject(mem)
	if err != nil {
		return fmt.Errorf("git token store: write squashed commit: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branch, newHash)); err != nil {
		return fmt.Errorf("git token store: update branch reference: %w", err)
	}
	return nil
}

func (s *GitTokenStore) maybeRunGC(repo *git.Repository) {
	now := time.Now()
	if now.Sub(s.lastGC) < gcInterval {
		return
	}
	s.lastGC = now

	pruneOpts := git.PruneOptions{
		OnlyObjectsOlderThan: now,
		Handler:              repo.DeleteObject,
	}
	if err := repo.Prune(pruneOpts); err != nil && !errors.Is(err, git.ErrLooseObjectsNotSupported) {
		return
	}
	_ = repo.RepackObjects(&git.RepackConfig{})
}
