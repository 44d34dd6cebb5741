package store

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcontrol/mission-control/sdk/auth"
	"github.com/minio/minio-go/v7"
)

func testBundle() *auth.Bundle {
	return auth.NewBundle("id-token", "refresh-token", time.Hour,
		auth.Identity{UID: "u1", Email: "ada@example.com", DisplayName: "Ada"},
		time.UnixMilli(1_700_000_000_000))
}

func TestSealerRoundTrip(t *testing.T) {
	t.Parallel()
	sealer := NewSealer("correct horse")
	plain := []byte(`{"idToken":"a"}`)

	sealed, err := sealer.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("sealed payload not recognised: %s", sealed)
	}
	if string(sealed) == string(plain) {
		t.Fatal("sealed payload equals plaintext")
	}
	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(plain) {
		t.Fatalf("Open = %s, want %s", opened, plain)
	}
}

func TestSealerRejectsWrongPassphrase(t *testing.T) {
	t.Parallel()
	sealed, err := NewSealer("one").Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err = NewSealer("two").Open(sealed); !errors.Is(err, ErrUnseal) {
		t.Fatalf("Open with wrong passphrase = %v, want ErrUnseal", err)
	}
	if _, err = NewSealer("").Open(sealed); !errors.Is(err, ErrSealed) {
		t.Fatalf("Open without passphrase = %v, want ErrSealed", err)
	}
}

func TestNilSealerPassesThrough(t *testing.T) {
	t.Parallel()
	var sealer *Sealer
	if sealer.Enabled() {
		t.Fatal("nil sealer reports enabled")
	}
	out, err := sealer.Seal([]byte(`{"a":1}`))
	if err != nil || string(out) != `{"a":1}` {
		t.Fatalf("Seal = %s, %v", out, err)
	}
	out, err = NewSealer("pw").Open([]byte(`{"a":1}`))
	if err != nil || string(out) != `{"a":1}` {
		t.Fatalf("Open plaintext = %s, %v", out, err)
	}
}

func TestSpoolAdopt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sealedWith := func(pass string) []byte {
		sp, err := newSpool("test", t.TempDir(), pass)
		if err != nil {
			t.Fatalf("newSpool: %v", err)
		}
		payload, err := sp.encode(testBundle())
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return payload
	}

	tests := []struct {
		name       string
		passphrase string
		payload    []byte
		wantStored bool
	}{
		{name: "plain record", payload: sealedWith(""), wantStored: true},
		{name: "sealed record", passphrase: "pw", payload: sealedWith("pw"), wantStored: true},
		{name: "wrong passphrase", passphrase: "other", payload: sealedWith("pw")},
		{name: "sealed without passphrase", payload: sealedWith("pw")},
		{name: "corrupt", payload: []byte("{not json")},
		{name: "partial", payload: []byte(`{"idToken":"a"}`)},
		{name: "absent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp, err := newSpool("test", t.TempDir(), tt.passphrase)
			if err != nil {
				t.Fatalf("newSpool: %v", err)
			}
			stale := auth.NewBundle("stale", "stale-rt", time.Hour, auth.Identity{UID: "u0", Email: "old@example.com"}, time.Now())
			if err = sp.local.Save(ctx, stale); err != nil {
				t.Fatalf("seed spool: %v", err)
			}
			if seeded, _ := sp.local.Load(ctx); seeded == nil || seeded.IDToken != "stale" {
				t.Fatalf("seed not readable: %+v", seeded)
			}
			if err = sp.adopt(ctx, tt.payload); err != nil {
				t.Fatalf("adopt: %v", err)
			}
			got, err := sp.local.Load(ctx)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !tt.wantStored {
				if got != nil {
					t.Fatalf("stale record survived adopt: %+v", got)
				}
				return
			}
			if got == nil || got.IDToken != "id-token" || got.User.Email != "ada@example.com" {
				t.Fatalf("spool holds %+v", got)
			}
		})
	}
}

func TestNewSpoolRequiresDir(t *testing.T) {
	t.Parallel()
	if _, err := newSpool("test", "  ", ""); err == nil {
		t.Fatal("expected error for empty spool dir")
	}
}

func TestQualifiedTableName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		schema, table, want string
	}{
		{"", "mcontrol_auth_store", `"mcontrol_auth_store"`},
		{"ops", "sessions", `"ops"."sessions"`},
		{"", `we"ird`, `"we""ird"`},
	}
	for _, tt := range tests {
		if got := qualifiedTableName(tt.schema, tt.table); got != tt.want {
			t.Errorf("qualifiedTableName(%q, %q) = %s, want %s", tt.schema, tt.table, got, tt.want)
		}
	}
}

func TestJoinObjectKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		prefix, key, want string
	}{
		{"", "mcontrol_auth.json", "mcontrol_auth.json"},
		{"team/alice", "mcontrol_auth.json", "team/alice/mcontrol_auth.json"},
		{"team", "/mcontrol_auth.json", "team/mcontrol_auth.json"},
	}
	for _, tt := range tests {
		if got := joinObjectKey(tt.prefix, tt.key); got != tt.want {
			t.Errorf("joinObjectKey(%q, %q) = %s, want %s", tt.prefix, tt.key, got, tt.want)
		}
	}
}

func TestIsObjectNotFound(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"404", minio.ErrorResponse{StatusCode: http.StatusNotFound}, true},
		{"no such key", minio.ErrorResponse{StatusCode: http.StatusBadRequest, Code: "NoSuchKey"}, true},
		{"no such bucket", minio.ErrorResponse{Code: "NoSuchBucket"}, true},
		{"denied", minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}, false},
	}
	for _, tt := range tests {
		if got := isObjectNotFound(tt.err); got != tt.want {
			t.Errorf("%s: isObjectNotFound = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestObjectConfigValidation(t *testing.T) {
	t.Parallel()
	valid := ObjectStoreConfig{Endpoint: "s3.local:9000", Bucket: "b", AccessKey: "a", SecretKey: "s", Prefix: "/team/"}
	cfg, err := normalizeObjectConfig(valid)
	if err != nil {
		t.Fatalf("normalizeObjectConfig: %v", err)
	}
	if cfg.Prefix != "team" {
		t.Fatalf("prefix = %q, want team", cfg.Prefix)
	}
	missing := valid
	missing.SecretKey = " "
	if _, err = normalizeObjectConfig(missing); err == nil {
		t.Fatal("expected error for missing secret key")
	}
}

func TestNewGitTokenStoreValidation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if _, err := NewGitTokenStore(GitStoreConfig{RepoDir: dir, SpoolDir: dir}); err == nil {
		t.Fatal("expected error without remote")
	}
	store, err := NewGitTokenStore(GitStoreConfig{
		Remote:   "https://git.example.com/sessions.git",
		RepoDir:  filepath.Join(dir, "repo"),
		SpoolDir: filepath.Join(dir, "spool"),
	})
	if err != nil {
		t.Fatalf("NewGitTokenStore: %v", err)
	}
	if got, want := store.RecordPath(), filepath.Join(dir, "repo", "mcontrol_auth.json"); got != want {
		t.Fatalf("RecordPath = %s, want %s", got, want)
	}
	if got := store.SpoolDir(); got != filepath.Join(dir, "spool") {
		t.Fatalf("SpoolDir = %s", got)
	}
}

var (
	_ Mirror = (*PostgresStore)(nil)
	_ Mirror = (*ObjectTokenStore)(nil)
	_ Mirror = (*GitTokenStore)(nil)
)
