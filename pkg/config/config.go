// Package config loads the flat key-value configuration surface (§6.3):
// a YAML file, overlaid with environment variable expansion, decoded into
// a typed Config struct, following the teacher's env.go expansion cascade
// and mapstructure-based decoding.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/arclance/conductor/pkg/roster"
)

// NotificationConfig selects and configures the notification sink (§6.2).
type NotificationConfig struct {
	Sink        string `yaml:"sink" mapstructure:"sink"` // "console" | "email" | "webhook"
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	SMTPAddr    string `yaml:"smtp_addr" mapstructure:"smtp_addr"`
	EmailFrom   string `yaml:"email_from" mapstructure:"email_from"`
	EmailTo     []string `yaml:"email_to" mapstructure:"email_to"`
}

// Config is the decoded, typed form of the configuration surface (§6.3).
type Config struct {
	ProjectName string `yaml:"project_name" mapstructure:"project_name"`
	WorkingDir  string `yaml:"working_dir" mapstructure:"working_dir"`

	PollingInterval         time.Duration `yaml:"polling_interval" mapstructure:"polling_interval"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	HeartbeatTimeout        time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	DefaultTimeout          time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
	MaxRetries              int           `yaml:"max_retries" mapstructure:"max_retries"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" mapstructure:"graceful_shutdown_timeout"`
	SpawningGrace           time.Duration `yaml:"spawning_grace" mapstructure:"spawning_grace"`

	SafeContextTokens int `yaml:"safe_context_tokens" mapstructure:"safe_context_tokens"`
	TokensPerFile     int `yaml:"tokens_per_file" mapstructure:"tokens_per_file"`

	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	MCPListenAddress     string        `yaml:"mcp_listen_address" mapstructure:"mcp_listen_address"`
	MCPKeepAliveInterval time.Duration `yaml:"mcp_keep_alive_interval" mapstructure:"mcp_keep_alive_interval"`

	StorageDialect string `yaml:"storage_dialect" mapstructure:"storage_dialect"`
	StorageDSN     string `yaml:"storage_dsn" mapstructure:"storage_dsn"`

	MaxConcurrentLaunches int  `yaml:"max_concurrent_launches" mapstructure:"max_concurrent_launches"`
	FailOnEscalation      bool `yaml:"fail_on_escalation" mapstructure:"fail_on_escalation"`

	WorkerCommand string   `yaml:"worker_command" mapstructure:"worker_command"`
	WorkerArgs    []string `yaml:"worker_args" mapstructure:"worker_args"`

	RosterPath string `yaml:"roster_path" mapstructure:"roster_path"`

	Notification NotificationConfig `yaml:"notification" mapstructure:"notification"`

	LogLevel  string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format"`
	LogOutput string `yaml:"log_output" mapstructure:"log_output"`
}

// Default returns a Config with conservative defaults for every field not
// supplied by the caller's YAML file.
func Default() Config {
	return Config{
		PollingInterval:         5 * time.Second,
		HeartbeatInterval:       30 * time.Second,
		HeartbeatTimeout:        2 * time.Minute,
		DefaultTimeout:          30 * time.Minute,
		MaxRetries:              3,
		GracefulShutdownTimeout: 10 * time.Second,
		SpawningGrace:           1 * time.Minute,
		DataDir:                 "./data",
		MCPListenAddress:        ":8090",
		MCPKeepAliveInterval:    15 * time.Second,
		StorageDialect:          "sqlite",
		StorageDSN:              "./data/conductor.db",
		MaxConcurrentLaunches:   0,
		LogLevel:                "info",
		LogFormat:               "text",
		LogOutput:               "stdout",
		Notification:            NotificationConfig{Sink: "console"},
	}
}

// Load reads .env files (if present), then the YAML file at path, expands
// environment references in every string value, and decodes the result
// onto a Default() base.
func Load(path string) (*Config, error) {
	godotenv.Load(".env.local", ".env") // best-effort, matching teacher's LoadEnvFiles

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("config: parse yaml %q: %w", path, err)
	}
	expanded := expandEnvVarsInData(tree)

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(expanded); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", path, err)
	}
	return &cfg, nil
}

// LoadRoster reads and validates the roster file referenced by cfg (or an
// explicit override path), returning a validated roster.Roster.
func LoadRoster(path string) (*roster.Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read roster %q: %w", path, err)
	}

	var doc struct {
		Roles []roster.Entry `yaml:"roles"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse roster %q: %w", path, err)
	}

	return roster.New(doc.Roles, nil)
}
