package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RELAY_PORT", "9090")
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Setenv("RELAY_JWT_SECRET", "s3cret")
	t.Setenv("RELAY_QUEUE_CAPACITY", "64")
	t.Setenv("RELAY_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("RELAY_DEFAULT_POLICY", "force-close")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Realtime.QueueCapacity != 64 {
		t.Errorf("QueueCapacity = %d, want 64", cfg.Realtime.QueueCapacity)
	}
	if cfg.Realtime.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", cfg.Realtime.HeartbeatInterval)
	}
	if cfg.Realtime.DefaultPolicy != PolicyForceClose {
		t.Errorf("DefaultPolicy = %s, want force-close", cfg.Realtime.DefaultPolicy)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
host: "127.0.0.1"
port: 8888
log:
  level: warn
  format: json
auth:
  mode: insecure
realtime:
  queue_capacity: 32
  heartbeat_interval: 2s
  heartbeat_timeout: 6s
  single_session: true
  duplicate_policy: evict
  topic_policies:
    - pattern: "incident:*"
      policy: force-close
  acl:
    - pattern: "broadcast:*"
      roles: [dispatcher]
    - pattern: "user:*"
      self: true
    - pattern: "role:*"
      self_role: true
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %s, want 127.0.0.1", cfg.Host)
	}
	if cfg.Port != 8888 {
		t.Errorf("Port = %d, want 8888", cfg.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want warn", cfg.Log.Level)
	}
	if cfg.Realtime.QueueCapacity != 32 {
		t.Errorf("QueueCapacity = %d, want 32", cfg.Realtime.QueueCapacity)
	}
	if cfg.Realtime.HeartbeatTimeout != 6*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 6s", cfg.Realtime.HeartbeatTimeout)
	}
	if !cfg.Realtime.SingleSession || cfg.Realtime.DuplicatePolicy != DuplicateEvict {
		t.Errorf("single session = %v/%s, want true/evict", cfg.Realtime.SingleSession, cfg.Realtime.DuplicatePolicy)
	}
	if len(cfg.Realtime.TopicPolicies) != 1 || cfg.Realtime.TopicPolicies[0].Policy != PolicyForceClose {
		t.Errorf("TopicPolicies = %+v", cfg.Realtime.TopicPolicies)
	}
	if len(cfg.Realtime.ACL) != 3 || !cfg.Realtime.ACL[1].Self || cfg.Realtime.ACL[1].SelfRole || !cfg.Realtime.ACL[2].SelfRole {
		t.Errorf("ACL = %+v", cfg.Realtime.ACL)
	}
	// Untouched sections keep their defaults.
	if cfg.Realtime.DrainGrace != 5*time.Second {
		t.Errorf("DrainGrace = %v, want default 5s", cfg.Realtime.DrainGrace)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() with missing file should fail")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			modify: func(c *Config) {},
		},
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.Port = 0 },
			wantErr: "port",
		},
		{
			name:    "missing jwt secret",
			modify:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "jwt_secret",
		},
		{
			name:    "invalid auth mode",
			modify:  func(c *Config) { c.Auth.Mode = "oauth" },
			wantErr: "auth mode",
		},
		{
			name:    "zero queue capacity",
			modify:  func(c *Config) { c.Realtime.QueueCapacity = 0 },
			wantErr: "queue_capacity",
		},
		{
			name: "timeout not above interval",
			modify: func(c *Config) {
				c.Realtime.HeartbeatInterval = 10 * time.Second
				c.Realtime.HeartbeatTimeout = 10 * time.Second
			},
			wantErr: "heartbeat_timeout",
		},
		{
			name:    "invalid default policy",
			modify:  func(c *Config) { c.Realtime.DefaultPolicy = "block" },
			wantErr: "default_policy",
		},
		{
			name: "invalid topic policy pattern",
			modify: func(c *Config) {
				c.Realtime.TopicPolicies = []PolicyRule{{Pattern: "incident:[", Policy: PolicyForceClose}}
			},
			wantErr: "topic_policies[0]",
		},
		{
			name:    "invalid duplicate policy",
			modify:  func(c *Config) { c.Realtime.DuplicatePolicy = "ignore" },
			wantErr: "duplicate_policy",
		},
		{
			name:    "invalid sequencer",
			modify:  func(c *Config) { c.Realtime.Sequencer = "etcd" },
			wantErr: "sequencer",
		},
		{
			name:    "invalid bus type",
			modify:  func(c *Config) { c.Bus.Type = "nats" },
			wantErr: "bus type",
		},
		{
			name:    "kafka without brokers",
			modify:  func(c *Config) { c.Bus.Type = "kafka" },
			wantErr: "kafka_brokers",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: "log level",
		},
		{
			name:    "empty acl pattern",
			modify:  func(c *Config) { c.Realtime.ACL = []ACLRule{{Pattern: ""}} },
			wantErr: "acl[0]",
		},
		{
			name:    "zero sequence timeout",
			modify:  func(c *Config) { c.Realtime.SequenceTimeout = 0 },
			wantErr: "sequence_timeout",
		},
		{
			name: "slash topics in patterns",
			modify: func(c *Config) {
				c.Realtime.ACL = []ACLRule{{Pattern: "gov:IN/*", Roles: []string{"gov_officer"}}}
				c.Realtime.TopicPolicies = []PolicyRule{{Pattern: "incident:*/tasks", Policy: PolicyForceClose}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = "test-secret"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidation_AggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Port = -1
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"port", "log format", "jwt_secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("aggregated error missing %q: %v", want, err)
		}
	}
}

func TestAddress(t *testing.T) {
	cfg := &Config{
		Host: "localhost",
		Port: 8080,
	}

	if addr := cfg.Address(); addr != "localhost:8080" {
		t.Errorf("Address() = %s, want localhost:8080", addr)
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{}

	cfg.Log.Level = "debug"
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true for debug level")
	}

	cfg.Log.Level = "info"
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true, want false for info level")
	}
}
