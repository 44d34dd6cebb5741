package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mcontrol/mission-control/sdk/auth"
)

const defaultSessionTable = "mcontrol_auth_store"

// PostgresStoreConfig captures configuration required to initialize a Postgres-backed store.
type PostgresStoreConfig struct {
	DSN        string
	Schema     string
	Table      string
	SpoolDir   string
	Passphrase string
}

// PostgresStore mirrors the session record into a PostgreSQL table while the
// session manager keeps reading a local spool file.
type PostgresStore struct {
	db    *sql.DB
	cfg   PostgresStoreConfig
	spool *spool
	mu    sync.Mutex
}

// NewPostgresStore establishes a connection to PostgreSQL and prepares the local spool.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	trimmedDSN := strings.TrimSpace(cfg.DSN)
	if trimmedDSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	cfg.DSN = trimmedDSN
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = defaultSessionTable
	}
	sp, err := newSpool("postgres store", cfg.SpoolDir, cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return &PostgresStore{db: db, cfg: cfg, spool: sp}, nil
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the session table (and schema when provided).
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.fullTableName())); err != nil {
		return fmt.Errorf("postgres store: create session table: %w", err)
	}
	return nil
}

// Bootstrap creates the schema and pulls the stored session into the spool.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	query := fmt.Sprintf("SELECT content FROM %s WHERE id = $1", s.fullTableName())
	var content []byte
	err := s.db.QueryRowContext(ctx, query, auth.RecordKey).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return s.spool.adopt(ctx, nil)
	}
	if err != nil {
		return fmt.Errorf("postgres store: load session record: %w", err)
	}
	return s.spool.adopt(ctx, content)
}

// SpoolDir returns the directory holding the local copy.
func (s *PostgresStore) SpoolDir() string { return s.spool.dir }

// Load reads the local spool.
func (s *PostgresStore) Load(ctx context.Context) (*auth.Bundle, error) {
	return s.spool.local.Load(ctx)
}

// Save upserts the record remotely, then replaces the spool.
func (s *PostgresStore) Save(ctx context.Context, bundle *auth.Bundle) error {
	payload, err := s.spool.encode(bundle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = s.persistSession(ctx, payload); err != nil {
		return err
	}
	return s.spool.local.Save(ctx, bundle)
}

// Clear removes the spool first so a failed remote delete never leaves the
// local session signed in.
func (s *PostgresStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.spool.local.Clear(ctx); err != nil {
		return err
	}
	return s.deleteSessionRecord(ctx)
}

func (s *PostgresStore) persistSession(ctx context.Context, data []byte) error {
	jsonPayload := json.RawMessage(data)
	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, s.fullTableName())
	if _, err := s.db.ExecContext(ctx, query, auth.RecordKey, jsonPayload); err != nil {
		return fmt.Errorf("postgres store: upsert session record: %w", err)
	}
	return nil
}

func (s *PostgresStore) deleteSessionRecord(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.fullTableName())
	if _, err := s.db.ExecContext(ctx, query, auth.RecordKey); err != nil {
		return fmt.Errorf("postgres store: delete session record: %w", err)
	}
	return nil
}

func (s *PostgresStore) fullTableName() string {
	return qualifiedTableName(s.cfg.Schema, s.cfg.Table)
}

func qualifiedTableName(schema, table string) string {
	if strings.TrimSpace(schema) == "" {
		return quoteIdentifier(table)
	}
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
