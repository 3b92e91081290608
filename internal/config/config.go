// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/crisiscenter/crisis-relay/internal/pkg/glob"
)

// Backpressure policies.
const (
	PolicyDropOldest = "drop-oldest"
	PolicyForceClose = "force-close"
)

// Duplicate identity policies.
const (
	DuplicateReject = "reject"
	DuplicateEvict  = "evict"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"RELAY_HOST" yaml:"host"`
	Port int    `envconfig:"RELAY_PORT" yaml:"port"`

	// Realtime distribution core
	Realtime RealtimeConfig `yaml:"realtime"`

	// Authentication collaborator
	Auth AuthConfig `yaml:"auth"`

	// Domain event ingress
	Bus BusConfig `yaml:"bus"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`
}

// RealtimeConfig holds the connection, routing and dispatch settings.
type RealtimeConfig struct {
	QueueCapacity     int           `envconfig:"RELAY_QUEUE_CAPACITY" yaml:"queue_capacity"`
	HeartbeatInterval time.Duration `envconfig:"RELAY_HEARTBEAT_INTERVAL" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `envconfig:"RELAY_HEARTBEAT_TIMEOUT" yaml:"heartbeat_timeout"`
	DrainGrace        time.Duration `envconfig:"RELAY_DRAIN_GRACE" yaml:"drain_grace"`
	HandshakeTimeout  time.Duration `envconfig:"RELAY_HANDSHAKE_TIMEOUT" yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `envconfig:"RELAY_WRITE_TIMEOUT" yaml:"write_timeout"`

	DefaultPolicy string       `envconfig:"RELAY_DEFAULT_POLICY" yaml:"default_policy"`
	TopicPolicies []PolicyRule `ignored:"true" yaml:"topic_policies"`

	SingleSession   bool   `envconfig:"RELAY_SINGLE_SESSION" yaml:"single_session"`
	DuplicatePolicy string `envconfig:"RELAY_DUPLICATE_POLICY" yaml:"duplicate_policy"`

	RegistryShards int     `envconfig:"RELAY_REGISTRY_SHARDS" yaml:"registry_shards"`
	InboundRate    float64 `envconfig:"RELAY_INBOUND_RATE" yaml:"inbound_rate"` // 0 = unlimited
	InboundBurst   int     `envconfig:"RELAY_INBOUND_BURST" yaml:"inbound_burst"`

	// ACL rules; empty means the built-in role map.
	ACL []ACLRule `ignored:"true" yaml:"acl"`

	Sequencer       string        `envconfig:"RELAY_SEQUENCER" yaml:"sequencer"`
	RedisURL        string        `envconfig:"RELAY_REDIS_URL" yaml:"redis_url"`
	SequenceTimeout time.Duration `envconfig:"RELAY_SEQUENCE_TIMEOUT" yaml:"sequence_timeout"`
}

// PolicyRule selects a backpressure policy for topics matching Pattern.
type PolicyRule struct {
	Pattern string `yaml:"pattern"`
	Policy  string `yaml:"policy"`
}

// ACLRule restricts subscription to topics matching Pattern.
type ACLRule struct {
	Pattern  string   `yaml:"pattern"`
	Roles    []string `yaml:"roles"`
	Self     bool     `yaml:"self"`
	SelfRole bool     `yaml:"self_role"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// Mode is "jwt" or "insecure" (identity and role taken from query params; dev only).
	Mode        string `envconfig:"RELAY_AUTH_MODE" yaml:"mode"`
	JWTSecret   string `envconfig:"RELAY_JWT_SECRET" yaml:"jwt_secret"`
	Issuer      string `envconfig:"RELAY_JWT_ISSUER" yaml:"issuer"`
	DefaultRole string `envconfig:"RELAY_DEFAULT_ROLE" yaml:"default_role"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"RELAY_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"RELAY_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"RELAY_KAFKA_GROUP" yaml:"kafka_group"`
	EventLogPath string `envconfig:"RELAY_EVENT_LOG" yaml:"event_log"` // empty = disabled
	AuditLogPath string `envconfig:"RELAY_AUDIT_LOG" yaml:"audit_log"` // empty = disabled
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"RELAY_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"RELAY_LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	PublishAPIKey  string `envconfig:"RELAY_PUBLISH_API_KEY" yaml:"publish_api_key"`
	RateLimit      int    `envconfig:"RELAY_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
	CORSOrigins    string `envconfig:"RELAY_CORS_ORIGINS" yaml:"cors_origins"`
	AllowedOrigins string `envconfig:"RELAY_WS_ORIGINS" yaml:"ws_origins"` // empty = any
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled     bool   `envconfig:"RELAY_METRICS_ENABLED" yaml:"enabled"`
	Path        string `envconfig:"RELAY_METRICS_PATH" yaml:"path"`
	Persistence string `envconfig:"RELAY_METRICS_PERSISTENCE" yaml:"persistence"`
	RedisURL    string `envconfig:"RELAY_METRICS_REDIS_URL" yaml:"redis_url"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg, err := Read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply overrides first.
func Read(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080

	cfg.Realtime = RealtimeConfig{
		QueueCapacity:     256,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
		DrainGrace:        5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		DefaultPolicy:     PolicyDropOldest,
		SingleSession:     false,
		DuplicatePolicy:   DuplicateReject,
		RegistryShards:    32,
		InboundRate:       20,
		InboundBurst:      40,
		Sequencer:         "memory",
		RedisURL:          "redis://localhost:6379",
		SequenceTimeout:   2 * time.Second,
	}

	cfg.Auth = AuthConfig{
		Mode:        "jwt",
		DefaultRole: "citizen",
	}

	cfg.Bus = BusConfig{
		Type:       "memory",
		KafkaGroup: "crisis-relay",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Security = SecurityConfig{
		RateLimit:   0,
		CORSOrigins: "*",
	}

	cfg.Metrics = MetricsConfig{
		Enabled:     true,
		Path:        "/metrics",
		Persistence: "memory",
		RedisURL:    "redis://localhost:6379",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	errs = append(errs, c.Realtime.validate()...)

	// Auth validation
	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.JWTSecret == "" {
			errs = append(errs, "jwt_secret is required when auth mode is jwt")
		}
	case "insecure":
	default:
		errs = append(errs, fmt.Sprintf("invalid auth mode: %s (must be jwt or insecure)", c.Auth.Mode))
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required when bus type is kafka")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	validPersistence := map[string]bool{"memory": true, "redis": true}
	if !validPersistence[c.Metrics.Persistence] {
		errs = append(errs, fmt.Sprintf("invalid metrics persistence: %s (must be memory or redis)", c.Metrics.Persistence))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (r *RealtimeConfig) validate() []string {
	var errs []string

	if r.QueueCapacity < 1 {
		errs = append(errs, "queue_capacity must be positive")
	}
	if r.HeartbeatInterval <= 0 {
		errs = append(errs, "heartbeat_interval must be positive")
	}
	if r.HeartbeatTimeout <= r.HeartbeatInterval {
		errs = append(errs, "heartbeat_timeout must be greater than heartbeat_interval")
	}
	if r.DrainGrace <= 0 {
		errs = append(errs, "drain_grace must be positive")
	}
	if r.HandshakeTimeout <= 0 {
		errs = append(errs, "handshake_timeout must be positive")
	}
	if r.WriteTimeout <= 0 {
		errs = append(errs, "write_timeout must be positive")
	}

	if !validPolicy(r.DefaultPolicy) {
		errs = append(errs, fmt.Sprintf("invalid default_policy: %s (must be drop-oldest or force-close)", r.DefaultPolicy))
	}
	for i, rule := range r.TopicPolicies {
		if !validPattern(rule.Pattern) {
			errs = append(errs, fmt.Sprintf("topic_policies[%d]: invalid pattern %q", i, rule.Pattern))
		}
		if !validPolicy(rule.Policy) {
			errs = append(errs, fmt.Sprintf("topic_policies[%d]: invalid policy %q", i, rule.Policy))
		}
	}

	if r.DuplicatePolicy != DuplicateReject && r.DuplicatePolicy != DuplicateEvict {
		errs = append(errs, fmt.Sprintf("invalid duplicate_policy: %s (must be reject or evict)", r.DuplicatePolicy))
	}

	if r.RegistryShards < 1 {
		errs = append(errs, "registry_shards must be positive")
	}
	if r.InboundRate < 0 {
		errs = append(errs, "inbound_rate must not be negative")
	}
	if r.InboundRate > 0 && r.InboundBurst < 1 {
		errs = append(errs, "inbound_burst must be positive when inbound_rate is set")
	}

	for i, rule := range r.ACL {
		if !validPattern(rule.Pattern) {
			errs = append(errs, fmt.Sprintf("acl[%d]: invalid pattern %q", i, rule.Pattern))
		}
	}

	if r.SequenceTimeout <= 0 {
		errs = append(errs, "sequence_timeout must be positive")
	}
	switch r.Sequencer {
	case "memory":
	case "redis":
		if r.RedisURL == "" {
			errs = append(errs, "redis_url is required when sequencer is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid sequencer: %s (must be memory or redis)", r.Sequencer))
	}

	return errs
}

func validPolicy(p string) bool {
	return p == PolicyDropOldest || p == PolicyForceClose
}

func validPattern(p string) bool {
	return glob.Validate(p) == nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}
