// Package config loads server settings from an optional TOML file overlaid
// by SIMPLE_* environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/davehorton/drachtio-simple-server/internal/model"
	"github.com/davehorton/drachtio-simple-server/internal/sip"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Domain          string           `toml:"domain"`        // SIMPLE_DOMAIN
	DomainPolicy    sip.DomainPolicy `toml:"domain_policy"` // SIMPLE_DOMAIN_POLICY (default "ip-literal")
	SupportedEvents []string         `toml:"supported_events"`
	Methods         []string         `toml:"methods"` // SIMPLE_METHODS (default "PUBLISH,SUBSCRIBE")

	Publish   PublishConfig   `toml:"publish"`
	Subscribe SubscribeConfig `toml:"subscribe"`

	NotifyOnRemove bool          `toml:"notify_on_remove"` // SIMPLE_NOTIFY_ON_REMOVE
	NotifyTimeout  time.Duration `toml:"notify_timeout"`   // SIMPLE_NOTIFY_TIMEOUT (default 32s)

	Store       string `toml:"store"`        // SIMPLE_STORE (default "memory")
	DatabaseURL string `toml:"database_url"` // SIMPLE_DATABASE_URL (required for postgres)
	NATSURL     string `toml:"nats_url"`     // SIMPLE_NATS_URL (optional, empty = no events)

	HTTPAddr  string `toml:"http_addr"`  // SIMPLE_HTTP_ADDR (default ":8080")
	GRPCAddr  string `toml:"grpc_addr"`  // SIMPLE_GRPC_ADDR (default ":9090")
	EngineURL string `toml:"engine_url"` // SIMPLE_ENGINE_URL (where NOTIFYs are sent)
	AuthToken string `toml:"auth_token"` // SIMPLE_AUTH_TOKEN (optional, empty = auth disabled)

	ReapInterval time.Duration `toml:"reap_interval"` // SIMPLE_REAP_INTERVAL (default 60s)

	// Snapshot settings
	SnapshotInterval   time.Duration `toml:"snapshot_interval"`    // SIMPLE_SNAPSHOT_INTERVAL (default 5m; 0 = disabled)
	SnapshotS3Bucket   string        `toml:"snapshot_s3_bucket"`   // SIMPLE_SNAPSHOT_S3_BUCKET (enables snapshots when set)
	SnapshotS3Endpoint string        `toml:"snapshot_s3_endpoint"` // SIMPLE_SNAPSHOT_S3_ENDPOINT (custom endpoint for MinIO)
	SnapshotS3Region   string        `toml:"snapshot_s3_region"`   // SIMPLE_SNAPSHOT_S3_REGION (default "us-east-1")
	SnapshotS3Key      string        `toml:"snapshot_s3_key"`      // SIMPLE_SNAPSHOT_S3_KEY (default "simple/state.jsonl")

	LogLevel string `toml:"log_level"` // SIMPLE_LOG_LEVEL (default "info")
}

type PublishConfig struct {
	Expires model.ExpiresPolicy `toml:"expires"`
}

type SubscribeConfig struct {
	Expires model.ExpiresPolicy `toml:"expires"`

	// EventExpires sets per-event default expiries for SUBSCRIBEs that
	// carry no Expires header.
	EventExpires map[string]int `toml:"event_expires"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DomainPolicy:    sip.PolicyIPLiteral,
		SupportedEvents: []string{"presence", "dialog", "message-summary"},
		Methods:         []string{sip.MethodPublish, sip.MethodSubscribe},
		Publish: PublishConfig{
			Expires: model.ExpiresPolicy{Default: 3600, Min: 60, Max: 7200},
		},
		Subscribe: SubscribeConfig{
			Expires:      model.ExpiresPolicy{Default: 3600, Min: 60, Max: 7200},
			EventExpires: map[string]int{},
		},
		NotifyTimeout:    32 * time.Second,
		Store:            StoreMemory,
		HTTPAddr:         ":8080",
		GRPCAddr:         ":9090",
		ReapInterval:     60 * time.Second,
		SnapshotInterval: 5 * time.Minute,
		SnapshotS3Region: "us-east-1",
		SnapshotS3Key:    "simple/state.jsonl",
		LogLevel:         "info",
	}
}

// Load builds the configuration from defaults, the TOML file at path (or
// SIMPLE_CONFIG when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	c := Default()

	if path == "" {
		path = os.Getenv("SIMPLE_CONFIG")
	}
	if path != "" {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config %s: unknown keys %v", path, undecoded)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	c.Domain = envOrDefault("SIMPLE_DOMAIN", c.Domain)
	c.DomainPolicy = sip.DomainPolicy(envOrDefault("SIMPLE_DOMAIN_POLICY", string(c.DomainPolicy)))
	if v := os.Getenv("SIMPLE_SUPPORTED_EVENTS"); v != "" {
		c.SupportedEvents = splitList(v)
	}
	if v := os.Getenv("SIMPLE_METHODS"); v != "" {
		c.Methods = splitList(v)
	}
	c.Store = envOrDefault("SIMPLE_STORE", c.Store)
	c.DatabaseURL = envOrDefault("SIMPLE_DATABASE_URL", c.DatabaseURL)
	c.NATSURL = envOrDefault("SIMPLE_NATS_URL", c.NATSURL)
	c.HTTPAddr = envOrDefault("SIMPLE_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = envOrDefault("SIMPLE_GRPC_ADDR", c.GRPCAddr)
	c.EngineURL = envOrDefault("SIMPLE_ENGINE_URL", c.EngineURL)
	c.AuthToken = envOrDefault("SIMPLE_AUTH_TOKEN", c.AuthToken)
	c.SnapshotS3Bucket = envOrDefault("SIMPLE_SNAPSHOT_S3_BUCKET", c.SnapshotS3Bucket)
	c.SnapshotS3Endpoint = envOrDefault("SIMPLE_SNAPSHOT_S3_ENDPOINT", c.SnapshotS3Endpoint)
	c.SnapshotS3Region = envOrDefault("SIMPLE_SNAPSHOT_S3_REGION", c.SnapshotS3Region)
	c.SnapshotS3Key = envOrDefault("SIMPLE_SNAPSHOT_S3_KEY", c.SnapshotS3Key)
	c.LogLevel = envOrDefault("SIMPLE_LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("SIMPLE_NOTIFY_ON_REMOVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SIMPLE_NOTIFY_ON_REMOVE: %w", err)
		}
		c.NotifyOnRemove = b
	}
	for key, dst := range map[string]*time.Duration{
		"SIMPLE_NOTIFY_TIMEOUT":    &c.NotifyTimeout,
		"SIMPLE_REAP_INTERVAL":     &c.ReapInterval,
		"SIMPLE_SNAPSHOT_INTERVAL": &c.SnapshotInterval,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if len(c.SupportedEvents) == 0 {
		return fmt.Errorf("supported_events must not be empty")
	}
	if err := validateMethods(c.Methods); err != nil {
		return err
	}
	if !c.DomainPolicy.IsValid() {
		return fmt.Errorf("domain_policy %q: want %q or %q", c.DomainPolicy, sip.PolicyIPLiteral, sip.PolicyAlways)
	}
	if err := c.Publish.Expires.Validate(); err != nil {
		return fmt.Errorf("publish.expires: %w", err)
	}
	if err := c.Subscribe.Expires.Validate(); err != nil {
		return fmt.Errorf("subscribe.expires: %w", err)
	}
	for ev, n := range c.Subscribe.EventExpires {
		if n <= 0 {
			return fmt.Errorf("subscribe.event_expires.%s must be positive, got %d", ev, n)
		}
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("store %q: want %q or %q", c.Store, StoreMemory, StorePostgres)
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("reap_interval must be positive, got %v", c.ReapInterval)
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("notify_timeout must be positive, got %v", c.NotifyTimeout)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel)
	}
	return nil
}

// validateMethods requires at least one of PUBLISH and SUBSCRIBE. OPTIONS
// may be listed but is always answered.
func validateMethods(methods []string) error {
	serving := false
	for _, m := range methods {
		switch strings.ToUpper(strings.TrimSpace(m)) {
		case sip.MethodPublish, sip.MethodSubscribe:
			serving = true
		case sip.MethodOptions:
		default:
			return fmt.Errorf("methods: unknown method %q", m)
		}
	}
	if !serving {
		return fmt.Errorf("methods must enable %s or %s", sip.MethodPublish, sip.MethodSubscribe)
	}
	return nil
}

// WriteTOML encodes c to w, omitting the auth token.
func (c *Config) WriteTOML(w io.Writer) error {
	redacted := *c
	if redacted.AuthToken != "" {
		redacted.AuthToken = "<redacted>"
	}
	return toml.NewEncoder(w).Encode(redacted)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
