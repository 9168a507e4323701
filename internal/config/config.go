// Package config loads the hubgate server configuration.
//
// Configuration is read from a single YAML file, named by the --config flag
// or the HUBGATE_CONFIG environment variable, and applied over built-in
// defaults. A missing file means defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "HUBGATE_CONFIG"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBbolt    = "bbolt"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Duration is a time.Duration that unmarshals from a Go duration string
// such as "30s" or "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the server configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	SiteURL  string `yaml:"site_url"`
	AdminURL string `yaml:"admin_url"`
	LoginURL string `yaml:"login_url"`
	DataDir  string `yaml:"data_dir"`

	TLS     TLSConfig     `yaml:"tls"`
	Storage StorageConfig `yaml:"storage"`
	Handoff HandoffConfig `yaml:"handoff"`
	Keys    KeysConfig    `yaml:"keys"`
	Tokens  TokensConfig  `yaml:"tokens"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Audit   AuditConfig   `yaml:"audit"`

	// UsersFile is the YAML users file backing the directory.
	UsersFile string `yaml:"users_file"`
	// InventoryFile is the YAML update inventory. Updates are written back.
	InventoryFile string `yaml:"inventory_file"`

	// TrustedProxies may set the client address through forwarding
	// headers. CIDRs or bare addresses.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TLSConfig selects the server certificate. With neither file set a
// self-signed certificate is generated at startup.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	// Disabled serves plain HTTP, for use behind a terminating proxy.
	Disabled bool `yaml:"disabled"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Path is the bbolt file. Relative paths resolve against DataDir.
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type HandoffConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// KeysConfig names the key files. Relative paths resolve against DataDir.
type KeysConfig struct {
	SiteSigningKey string `yaml:"site_signing_key"`
	SiteIdentity   string `yaml:"site_identity"`
	HubPublicKey   string `yaml:"hub_public_key"`
	HubRecipient   string `yaml:"hub_recipient"`
	// StorageSecret is a file whose contents seed at-rest encryption.
	StorageSecret string `yaml:"storage_secret"`
}

type TokensConfig struct {
	RefreshTTL Duration `yaml:"refresh_ttl"`
	CodeTTL    Duration `yaml:"code_ttl"`
	HandoffTTL Duration `yaml:"handoff_ttl"`
}

type SessionConfig struct {
	TTL         Duration `yaml:"ttl"`
	IdleTimeout Duration `yaml:"idle_timeout"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

type AuditConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	// WebhookHeader is a "Name: value" pair sent with every delivery.
	WebhookHeader string `yaml:"webhook_header"`
	// Retention and MaxRecords bound the stored trail. Zero disables a limit.
	Retention  Duration `yaml:"retention"`
	MaxRecords int      `yaml:"max_records"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:  ":8443",
		SiteURL: "https://localhost:8443",
		DataDir: "./data",
		Storage: StorageConfig{
			Backend: BackendBbolt,
			Path:    "hubgate.db",
		},
		Handoff: HandoffConfig{
			Backend:     BackendMemory,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "hubgate:handoff",
		},
		Keys: KeysConfig{
			SiteSigningKey: "keys/site/signing.key",
			SiteIdentity:   "keys/site/identity.age",
			HubPublicKey:   "keys/hub/signing.pub",
			HubRecipient:   "keys/hub/recipient.age",
			StorageSecret:  "storage.secret",
		},
		Tokens: TokensConfig{
			RefreshTTL: Duration(900 * time.Second),
			CodeTTL:    Duration(30 * time.Second),
			HandoffTTL: Duration(30 * time.Second),
		},
		Session: SessionConfig{
			TTL:         Duration(12 * time.Hour),
			IdleTimeout: Duration(30 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			Retention:  Duration(30 * 24 * time.Hour),
			MaxRecords: 10000,
		},
		UsersFile:     "users.yaml",
		InventoryFile: "inventory.yaml",
	}
}

// Load reads path over the defaults. An empty path falls back to
// HUBGATE_CONFIG; if that is empty too, or the file does not exist, the
// defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	u, err := url.Parse(c.SiteURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site_url %q must be an absolute URL", c.SiteURL)
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendBbolt:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Handoff.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Handoff.RedisAddr == "" {
			return errors.New("handoff.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown handoff.backend %q", c.Handoff.Backend)
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.New("tls.cert and tls.key must be set together")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	if c.Audit.Retention < 0 || c.Audit.MaxRecords < 0 {
		return errors.New("audit.retention and audit.max_records must not be negative")
	}
	for name, d := range map[string]Duration{
		"tokens.refresh_ttl": c.Tokens.RefreshTTL,
		"tokens.code_ttl":    c.Tokens.CodeTTL,
		"tokens.handoff_ttl": c.Tokens.HandoffTTL,
		"session.ttl":        c.Session.TTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// Resolve returns p relative to the data directory unless it is absolute.
func (c Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// SlogLevel parses the configured log level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("unknown log.level %q", l.Level)
	}
	return level, nil
}

// NewLogger builds the process logger described by l.
func (l LogConfig) NewLogger() (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}
