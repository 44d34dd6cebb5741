// Package config provides configuration management for the Mission Control client.
// It loads the YAML configuration file, applies environment overrides, and fills
// defaults for the sign-in, refresh, storage, and logging settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAPIURL is the API base used when neither the config file nor the environment sets one.
	DefaultAPIURL = "http://localhost:8000/api"

	// AuthModePolling starts a broker session and polls it for completion.
	AuthModePolling = "polling"
	// AuthModeLoopback receives the provider redirect on a local listener.
	AuthModeLoopback = "loopback"
	// AuthModeDev uses the emulator-only dev sign-in endpoint.
	AuthModeDev = "dev"

	// StoreTypeFile keeps the session in the local auth directory.
	StoreTypeFile = "file"
	// StoreTypePostgres mirrors the session into a PostgreSQL table.
	StoreTypePostgres = "postgres"
	// StoreTypeObject mirrors the session into an S3-compatible bucket.
	StoreTypeObject = "object"
	// StoreTypeGit mirrors the session into a git repository.
	StoreTypeGit = "git"

	defaultPollIntervalMS       = 1500
	defaultSignInTimeoutSeconds = 300
	defaultRefreshBufferSeconds = 300
	defaultRefreshTimeoutSecs   = 30
	defaultHealthIntervalSecs   = 5
	defaultPingIntervalSecs     = 25
	defaultAuthDir              = "~/.mcontrol"
)

// Config represents the client configuration, loaded from a YAML file.
type Config struct {
	// APIURL is the base URL of the Mission Control API, including the /api prefix.
	APIURL string `yaml:"api-url" json:"api-url"`

	// AuthDir is the directory holding the persisted session file.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// Debug enables debug level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the size of the log directory. Zero disables the cap.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// ProxyURL is the URL of an optional proxy server used for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// Auth holds sign-in and token refresh settings.
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// Store selects where the session is persisted.
	Store StoreConfig `yaml:"store" json:"store"`

	// Health configures the connection status poller.
	Health HealthConfig `yaml:"health" json:"health"`

	// Realtime configures the websocket link.
	Realtime RealtimeConfig `yaml:"realtime" json:"realtime"`
}

// AuthConfig holds sign-in flow and refresh settings.
type AuthConfig struct {
	// Mode selects the sign-in transport: polling, loopback, or dev.
	Mode string `yaml:"mode" json:"mode"`

	// CallbackPort is the loopback listener port. Zero picks an ephemeral port.
	CallbackPort int `yaml:"callback-port" json:"callback-port"`

	// PollIntervalMS is the delay between broker poll requests.
	PollIntervalMS int `yaml:"poll-interval-ms" json:"poll-interval-ms"`

	// SignInTimeoutSeconds bounds an interactive sign-in.
	SignInTimeoutSeconds int `yaml:"sign-in-timeout-seconds" json:"sign-in-timeout-seconds"`

	// RefreshBufferSeconds is how long before expiry a token is refreshed.
	RefreshBufferSeconds int `yaml:"refresh-buffer-seconds" json:"refresh-buffer-seconds"`

	// RefreshTimeoutSeconds bounds a single refresh request.
	RefreshTimeoutSeconds int `yaml:"refresh-timeout-seconds" json:"refresh-timeout-seconds"`

	// GoogleClientID is the OAuth client used to build the loopback authorization URL.
	GoogleClientID string `yaml:"google-client-id" json:"google-client-id"`

	// FirebaseAPIKey is appended to the token endpoint.
	FirebaseAPIKey string `yaml:"firebase-api-key" json:"firebase-api-key"`

	// EmulatorHost points refreshes at a local auth emulator (host:port).
	EmulatorHost string `yaml:"emulator-host" json:"emulator-host"`

	// TokenURL overrides the refresh endpoint entirely.
	TokenURL string `yaml:"token-url,omitempty" json:"token-url,omitempty"`

	// DevEmail is the default identity for dev sign-in.
	DevEmail string `yaml:"dev-email,omitempty" json:"dev-email,omitempty"`
}

// StoreConfig selects and configures the session persistence backend.
type StoreConfig struct {
	// Type is one of file, postgres, object, git.
	Type string `yaml:"type" json:"type"`

	// Passphrase seals the session before it leaves the machine. Remote backends only.
	Passphrase string `yaml:"passphrase,omitempty" json:"-"`

	Postgres PostgresStoreConfig `yaml:"postgres" json:"postgres"`
	Object   ObjectStoreConfig   `yaml:"object" json:"object"`
	Git      GitStoreConfig      `yaml:"git" json:"git"`
}

// PostgresStoreConfig configures the PostgreSQL mirror.
type PostgresStoreConfig struct {
	DSN      string `yaml:"dsn" json:"-"`
	Schema   string `yaml:"schema" json:"schema"`
	Table    string `yaml:"table" json:"table"`
	SpoolDir string `yaml:"spool-dir" json:"spool-dir"`
}

// ObjectStoreConfig configures the S3-compatible mirror.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
	Region    string `yaml:"region" json:"region"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	SpoolDir  string `yaml:"spool-dir" json:"spool-dir"`
	UseSSL    bool   `yaml:"use-ssl" json:"use-ssl"`
	PathStyle bool   `yaml:"path-style" json:"path-style"`
}

// GitStoreConfig configures the git mirror.
type GitStoreConfig struct {
	URL       string `yaml:"url" json:"url"`
	Username  string `yaml:"username" json:"username"`
	Token     string `yaml:"token" json:"-"`
	LocalPath string `yaml:"local-path" json:"local-path"`
}

// HealthConfig configures connection status polling.
type HealthConfig struct {
	IntervalSeconds int `yaml:"interval-seconds" json:"interval-seconds"`
}

// RealtimeConfig configures the websocket link.
type RealtimeConfig struct {
	Enabled             bool `yaml:"enabled" json:"enabled"`
	PingIntervalSeconds int  `yaml:"ping-interval-seconds" json:"ping-interval-seconds"`
}

// LoadConfig reads and parses the YAML configuration file at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads the configuration file. When optional is true a missing
// or empty file yields a default configuration instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			cfg.ApplyEnv()
			cfg.SanitizeDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !optional {
		return nil, fmt.Errorf("config file %s is empty", configFile)
	}
	cfg.ApplyEnv()
	cfg.SanitizeDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file settings with environment variables. Both upper and lower
// case keys are accepted.
func (cfg *Config) ApplyEnv() {
	if cfg == nil {
		return
	}
	if v, ok := LookupEnv("MCONTROL_API_URL", "mcontrol_api_url"); ok {
		cfg.APIURL = v
	}
	if v, ok := LookupEnv("MCONTROL_AUTH_DIR", "mcontrol_auth_dir"); ok {
		cfg.AuthDir = v
	}
	if v, ok := LookupEnv("MCONTROL_AUTH_MODE", "mcontrol_auth_mode"); ok {
		cfg.Auth.Mode = v
	}
	if v, ok := LookupEnv("MCONTROL_DEBUG", "mcontrol_debug"); ok {
		if parsed, errParse := strconv.ParseBool(v); errParse == nil {
			cfg.Debug = parsed
		}
	}
	if v, ok := LookupEnv("FIREBASE_AUTH_EMULATOR_HOST", "firebase_auth_emulator_host"); ok {
		cfg.Auth.EmulatorHost = v
	}
	if v, ok := LookupEnv("FIREBASE_API_KEY", "firebase_api_key"); ok {
		cfg.Auth.FirebaseAPIKey = v
	}
	if v, ok := LookupEnv("GOOGLE_CLIENT_ID", "google_client_id"); ok {
		cfg.Auth.GoogleClientID = v
	}
	if v, ok := LookupEnv("MCONTROL_STORE_PASSPHRASE", "mcontrol_store_passphrase"); ok {
		cfg.Store.Passphrase = v
	}
	if v, ok := LookupEnv("PGSTORE_DSN", "pgstore_dsn"); ok {
		cfg.Store.Type = StoreTypePostgres
		cfg.Store.Postgres.DSN = v
		if schema, okSchema := LookupEnv("PGSTORE_SCHEMA", "pgstore_schema"); okSchema {
			cfg.Store.Postgres.Schema = schema
		}
		if spool, okSpool := LookupEnv("PGSTORE_LOCAL_PATH", "pgstore_local_path"); okSpool {
			cfg.Store.Postgres.SpoolDir = spool
		}
	}
	if v, ok := LookupEnv("GITSTORE_GIT_URL", "gitstore_git_url"); ok {
		cfg.Store.Type = StoreTypeGit
		cfg.Store.Git.URL = v
		if user, okUser := LookupEnv("GITSTORE_GIT_USERNAME", "gitstore_git_username"); okUser {
			cfg.Store.Git.Username = user
		}
		if token, okToken := LookupEnv("GITSTORE_GIT_TOKEN", "gitstore_git_token"); okToken {
			cfg.Store.Git.Token = token
		}
		if local, okLocal := LookupEnv("GITSTORE_LOCAL_PATH", "gitstore_local_path"); okLocal {
			cfg.Store.Git.LocalPath = local
		}
	}
	if v, ok := LookupEnv("OBJECTSTORE_ENDPOINT", "objectstore_endpoint"); ok {
		cfg.Store.Type = StoreTypeObject
		cfg.Store.Object.Endpoint = v
		if key, okKey := LookupEnv("OBJECTSTORE_ACCESS_KEY", "objectstore_access_key"); okKey {
			cfg.Store.Object.AccessKey = key
		}
		if secret, okSecret := LookupEnv("OBJECTSTORE_SECRET_KEY", "objectstore_secret_key"); okSecret {
			cfg.Store.Object.SecretKey = secret
		}
		if bucket, okBucket := LookupEnv("OBJECTSTORE_BUCKET", "objectstore_bucket"); okBucket {
			cfg.Store.Object.Bucket = bucket
		}
		if local, okLocal := LookupEnv("OBJECTSTORE_LOCAL_PATH", "objectstore_local_path"); okLocal {
			cfg.Store.Object.SpoolDir = local
		}
	}
}

// SanitizeDefaults fills zero values with their defaults and normalizes enumerations.
func (cfg *Config) SanitizeDefaults() {
	if cfg == nil {
		return
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if strings.TrimSpace(cfg.AuthDir) == "" {
		cfg.AuthDir = defaultAuthDir
	}
	if cfg.LogsMaxTotalSizeMB < 0 {
		cfg.LogsMaxTotalSizeMB = 0
	}

	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthModePolling
	}
	if cfg.Auth.CallbackPort < 0 {
		cfg.Auth.CallbackPort = 0
	}
	if cfg.Auth.PollIntervalMS <= 0 {
		cfg.Auth.PollIntervalMS = defaultPollIntervalMS
	}
	if cfg.Auth.SignInTimeoutSeconds <= 0 {
		cfg.Auth.SignInTimeoutSeconds = defaultSignInTimeoutSeconds
	}
	if cfg.Auth.RefreshBufferSeconds <= 0 {
		cfg.Auth.RefreshBufferSeconds = defaultRefreshBufferSeconds
	}
	if cfg.Auth.RefreshTimeoutSeconds <= 0 {
		cfg.Auth.RefreshTimeoutSeconds = defaultRefreshTimeoutSecs
	}

	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	if cfg.Store.Type == "" {
		cfg.Store.Type = StoreTypeFile
	}

	if cfg.Health.IntervalSeconds <= 0 {
		cfg.Health.IntervalSeconds = defaultHealthIntervalSecs
	}
	if cfg.Realtime.PingIntervalSeconds <= 0 {
		cfg.Realtime.PingIntervalSeconds = defaultPingIntervalSecs
	}
}

// Validate reports settings that cannot work together.
func (cfg *Config) Validate() error {
	switch cfg.Auth.Mode {
	case AuthModePolling, AuthModeLoopback, AuthModeDev:
	default:
		return fmt.Errorf("config: unsupported auth mode %q", cfg.Auth.Mode)
	}
	switch cfg.Store.Type {
	case StoreTypeFile:
	case StoreTypePostgres:
		if strings.TrimSpace(cfg.Store.Postgres.DSN) == "" {
			return fmt.Errorf("config: postgres store requires a dsn")
		}
	case StoreTypeObject:
		if strings.TrimSpace(cfg.Store.Object.Endpoint) == "" || strings.TrimSpace(cfg.Store.Object.Bucket) == "" {
			return fmt.Errorf("config: object store requires endpoint and bucket")
		}
	case StoreTypeGit:
		if strings.TrimSpace(cfg.Store.Git.URL) == "" {
			return fmt.Errorf("config: git store requires a url")
		}
	default:
		return fmt.Errorf("config: unsupported store type %q", cfg.Store.Type)
	}
	if cfg.Auth.Mode == AuthModeLoopback && strings.TrimSpace(cfg.Auth.GoogleClientID) == "" {
		return fmt.Errorf("config: loopback sign-in requires google-client-id")
	}
	return nil
}

// PollInterval returns the broker poll interval.
func (a AuthConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalMS) * time.Millisecond
}

// SignInTimeout returns the interactive sign-in deadline.
func (a AuthConfig) SignInTimeout() time.Duration {
	return time.Duration(a.SignInTimeoutSeconds) * time.Second
}

// RefreshBuffer returns how long before expiry a token counts as stale.
func (a AuthConfig) RefreshBuffer() time.Duration {
	return time.Duration(a.RefreshBufferSeconds) * time.Second
}

// RefreshTimeout returns the per-request refresh timeout.
func (a AuthConfig) RefreshTimeout() time.Duration {
	return time.Duration(a.RefreshTimeoutSeconds) * time.Second
}

// Interval returns the health poll interval.
func (h HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// PingInterval returns the websocket ping interval.
func (r RealtimeConfig) PingInterval() time.Duration {
	return time.Duration(r.PingIntervalSeconds) * time.Second
}

// LookupEnv returns the first non-empty value among keys.
func LookupEnv(keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}
