package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcontrol/mission-control/sdk/auth"
	log "github.com/sirupsen/logrus"
)

// Mirror is a token store backed by a remote copy of the session record.
type Mirror interface {
	auth.TokenStore
	// Bootstrap replaces the local spool with the remote record.
	Bootstrap(ctx context.Context) error
	// SpoolDir returns the directory holding the local copy.
	SpoolDir() string
	Close() error
}

// spool is the local half of every mirror: the session manager reads from it,
// and pulls from the remote land in it.
type spool struct {
	name   string
	local  *auth.FileTokenStore
	sealer *Sealer
	dir    string
}

func newSpool(name, dir, passphrase string) (*spool, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%s: spool directory is required", name)
	}
	return &spool{
		name:   name,
		local:  auth.NewFileTokenStore(dir),
		sealer: NewSealer(passphrase),
		dir:    dir,
	}, nil
}

// encode renders bundle as the payload pushed to the remote.
func (s *spool) encode(bundle *auth.Bundle) ([]byte, error) {
	raw, err := auth.EncodeBundle(bundle)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	sealed, err := s.sealer.Seal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	return sealed, nil
}

// adopt writes a pulled payload into the local spool. An empty payload, or
// one that cannot be opened or parsed, leaves the spool empty.
func (s *spool) adopt(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return s.local.Clear(ctx)
	}
	plain, err := s.sealer.Open(payload)
	if err != nil {
		log.WithField("component", "store").Warnf("%s: discarding remote record: %v", s.name, err)
		return s.local.Clear(ctx)
	}
	bundle, err := auth.DecodeBundle(plain)
	if err != nil {
		log.WithField("component", "store").Warnf("%s: discarding remote record: %v", s.name, err)
		return s.local.Clear(ctx)
	}
	return s.local.Save(ctx, bundle)
}
