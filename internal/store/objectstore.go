package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/mcontrol/mission-control/sdk/auth"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig captures configuration for the object storage-backed token store.
type ObjectStoreConfig struct {
	Endpoint   string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Region     string
	Prefix     string
	SpoolDir   string
	Passphrase string
	UseSSL     bool
	PathStyle  bool
}

// ObjectTokenStore mirrors the session record into an S3-compatible bucket
// as <prefix>/mcontrol_auth.json.
type ObjectTokenStore struct {
	client *minio.Client
	cfg    ObjectStoreConfig
	spool  *spool
	mu     sync.Mutex
}

// NewObjectTokenStore initializes an object storage backed token store.
func NewObjectTokenStore(cfg ObjectStoreConfig) (*ObjectTokenStore, error) {
	cfg, err := normalizeObjectConfig(cfg)
	if err != nil {
		return nil, err
	}
	sp, err := newSpool("object store", cfg.SpoolDir, cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectTokenStore{client: client, cfg: cfg, spool: sp}, nil
}

func normalizeObjectConfig(cfg ObjectStoreConfig) (ObjectStoreConfig, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return cfg, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return cfg, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" {
		return cfg, fmt.Errorf("object store: access key is required")
	}
	if cfg.SecretKey == "" {
		return cfg, fmt.Errorf("object store: secret key is required")
	}
	return cfg, nil
}

// SpoolDir returns the directory holding the local copy.
func (s *ObjectTokenStore) SpoolDir() string { return s.spool.dir }

// Close is a no-op; the minio client holds no persistent connection.
func (s *ObjectTokenStore) Close() error { return nil }

// Bootstrap makes sure the bucket exists and pulls the stored session into the spool.
func (s *ObjectTokenStore) Bootstrap(ctx context.Context) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.prefixedKey(sessionObjectName())
	_, err := s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil:
	case isObjectNotFound(err):
		return s.spool.adopt(ctx, nil)
	default:
		return fmt.Errorf("object store: stat session: %w", err)
	}
	object, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("object store: fetch session: %w", err)
	}
	defer object.Close()
	data, err := io.ReadAll(object)
	if err != nil {
		return fmt.Errorf("object store: read session: %w", err)
	}
	return s.spool.adopt(ctx, data)
}

// Load reads the local spool.
func (s *ObjectTokenStore) Load(ctx context.Context) (*auth.Bundle, error) {
	return s.spool.local.Load(ctx)
}

// Save uploads the record, then replaces the spool.
func (s *ObjectTokenStore) Save(ctx context.Context, bundle *auth.Bundle) error {
	payload, err := s.spool.encode(bundle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = s.putObject(ctx, sessionObjectName(), payload, "application/json"); err != nil {
		return err
	}
	return s.spool.local.Save(ctx, bundle)
}

// Clear removes the spool, then the remote object.
func (s *ObjectTokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.spool.local.Clear(ctx); err != nil {
		return err
	}
	return s.deleteObject(ctx, sessionObjectName())
}

func (s *ObjectTokenStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

func (s *ObjectTokenStore) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	if len(data) == 0 {
		return s.deleteObject(ctx, key)
	}
	fullKey := s.prefixedKey(key)
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, fullKey, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("object store: put object %s: %w", fullKey, err)
	}
	return nil
}

func (s *ObjectTokenStore) deleteObject(ctx context.Context, key string) error {
	fullKey := s.prefixedKey(key)
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, fullKey, minio.RemoveObjectOptions{})
	if err != nil {
		if isObjectNotFound(err) {
			return nil
		}
		return fmt.Errorf("object store: delete object %s: %w", fullKey, err)
	}
	return nil
}

func (s *ObjectTokenStore) prefixedKey(key string) string {
	return joinObjectKey(s.cfg.Prefix, key)
}

func joinObjectKey(prefix, key string) string {
	key = strings.TrimLeft(key, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimLeft(prefix+"/"+key, "/")
}

func sessionObjectName() string {
	return auth.RecordKey + ".json"
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
