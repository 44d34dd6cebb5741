package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcontrol/mission-control/internal/auth/google"
	"github.com/mcontrol/mission-control/internal/config"
	"github.com/mcontrol/mission-control/internal/store"
	"github.com/mcontrol/mission-control/internal/util"
	sdkAuth "github.com/mcontrol/mission-control/sdk/auth"
	log "github.com/sirupsen/logrus"
)

const storeBootstrapTimeout = 30 * time.Second

// session bundles the manager with the backend it persists to. mirror is nil
// for the plain file store.
type session struct {
	manager *sdkAuth.Manager
	authn   *sdkAuth.GoogleAuthenticator
	mirror  store.Mirror
	// recordDir holds the session file the manager reads.
	recordDir string
}

// Close stops the manager and releases the remote backend.
func (s *session) Close() {
	s.manager.Close()
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Close(); err != nil {
		log.WithField("component", "store").Warnf("close token store: %v", err)
	}
}

// newSession selects the token store from the configuration, registers it as
// the shared store, and starts a session manager on top of it. The stored
// session is restored before newSession returns.
func newSession(ctx context.Context, cfg *config.Config) (*session, error) {
	tokenStore, mirror, err := openTokenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sdkAuth.RegisterTokenStore(tokenStore)

	client := google.NewGoogleAuth(cfg)
	authn := sdkAuth.NewGoogleAuthenticatorWithClient(client, cfg.Auth)
	manager := sdkAuth.NewManager(sdkAuth.GetTokenStore(), sdkAuth.NewGoogleRefresher(client), authn,
		sdkAuth.WithRefreshBuffer(cfg.Auth.RefreshBuffer()),
		sdkAuth.WithRefreshTimeout(cfg.Auth.RefreshTimeout()),
	)
	manager.Start(ctx)

	recordDir := cfg.AuthDir
	if mirror != nil {
		recordDir = mirror.SpoolDir()
	}
	return &session{manager: manager, authn: authn, mirror: mirror, recordDir: recordDir}, nil
}

// openTokenStore builds the configured backend. Remote backends are pulled
// into their spool before the manager reads it.
func openTokenStore(ctx context.Context, cfg *config.Config) (sdkAuth.TokenStore, store.Mirror, error) {
	var (
		mirror store.Mirror
		err    error
	)
	switch cfg.Store.Type {
	case config.StoreTypePostgres:
		pg := cfg.Store.Postgres
		mirror, err = newPostgresMirror(ctx, pg, spoolDir(cfg, pg.SpoolDir, "pgstore"), cfg.Store.Passphrase)
	case config.StoreTypeObject:
		obj := cfg.Store.Object
		mirror, err = store.NewObjectTokenStore(store.ObjectStoreConfig{
			Endpoint:   obj.Endpoint,
			Bucket:     obj.Bucket,
			AccessKey:  obj.AccessKey,
			SecretKey:  obj.SecretKey,
			Region:     obj.Region,
			Prefix:     obj.Prefix,
			SpoolDir:   spoolDir(cfg, obj.SpoolDir, "objectstore"),
			Passphrase: cfg.Store.Passphrase,
			UseSSL:     obj.UseSSL,
			PathStyle:  obj.PathStyle,
		})
	case config.StoreTypeGit:
		gitCfg := cfg.Store.Git
		root := spoolDir(cfg, gitCfg.LocalPath, "gitstore")
		mirror, err = store.NewGitTokenStore(store.GitStoreConfig{
			Remote:     gitCfg.URL,
			Username:   gitCfg.Username,
			Password:   gitCfg.Token,
			RepoDir:    filepath.Join(root, "repo"),
			SpoolDir:   filepath.Join(root, "spool"),
			Passphrase: cfg.Store.Passphrase,
		})
	default:
		return sdkAuth.NewFileTokenStore(cfg.AuthDir), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s token store: %w", cfg.Store.Type, err)
	}

	bootCtx, cancel := context.WithTimeout(ctx, storeBootstrapTimeout)
	defer cancel()
	if errBootstrap := mirror.Bootstrap(bootCtx); errBootstrap != nil {
		_ = mirror.Close()
		return nil, nil, fmt.Errorf("bootstrap %s token store: %w", cfg.Store.Type, errBootstrap)
	}
	log.WithField("component", "store").Infof("%s-backed token store enabled, spool path: %s", cfg.Store.Type, mirror.SpoolDir())
	return mirror, mirror, nil
}

func newPostgresMirror(ctx context.Context, pg config.PostgresStoreConfig, spool, passphrase string) (store.Mirror, error) {
	connCtx, cancel := context.WithTimeout(ctx, storeBootstrapTimeout)
	defer cancel()
	return store.NewPostgresStore(connCtx, store.PostgresStoreConfig{
		DSN:        pg.DSN,
		Schema:     pg.Schema,
		Table:      pg.Table,
		SpoolDir:   spool,
		Passphrase: passphrase,
	})
}

// spoolDir resolves the local directory of a remote backend: the configured
// path, else WRITABLE_PATH, else the auth directory, each suffixed with name.
func spoolDir(cfg *config.Config, configured, name string) string {
	if dir := strings.TrimSpace(configured); dir != "" {
		if resolved, err := util.ResolveAuthDir(dir); err == nil {
			return resolved
		}
		return dir
	}
	base := util.WritablePath()
	if base == "" {
		base = cfg.AuthDir
	}
	return filepath.Join(base, name)
}
