// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.docbridge-agent/config.yaml)
//  3. Default values
//
// Main categories:
//   - Platform: downstream API credentials and tool-server command
//   - Model: Anthropic model selection and token limits
//   - Store: Redis connection
//   - Agent: iteration caps, timeouts, keepalive and rate-limit tuning
//
// Sensitive data (tokens, API keys) is masked in MarshalJSON and String.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation.
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the Anthropic API key is missing.
	ErrMissingAPIKey = errors.New("missing ANTHROPIC_API_KEY")

	// ErrInvalidMode indicates the platform mode is not a known value.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrInvalidPersona indicates the persona is not a known value.
	ErrInvalidPersona = errors.New("invalid persona")

	// ErrInvalidRedisPort indicates the Redis port is out of range.
	ErrInvalidRedisPort = errors.New("invalid redis port")

	// ErrInvalidMaxIterations indicates the agent iteration cap is out of range.
	ErrInvalidMaxIterations = errors.New("invalid max iterations")

	// ErrInvalidBaseURL indicates the platform base URL is malformed.
	ErrInvalidBaseURL = errors.New("invalid platform base URL")
)

// Platform access modes. Read-only is the safe default: write tools are
// excluded from the schema and refused at dispatch.
const (
	ModeReadOnly  = "read-only"
	ModeReadWrite = "read-write"
)

// Agent personas. The cautious persona adds confirmation-seeking prompt
// sections before writes.
const (
	PersonaDefault  = "default"
	PersonaCautious = "cautious"
)

// Defaults that are also referenced from other packages' documentation.
const (
	// DefaultMaxIterations caps the model/tool loop per message.
	DefaultMaxIterations = 30

	// MaxAllowedIterations is the absolute ceiling to prevent runaway loops.
	MaxAllowedIterations = 200

	// DefaultKeepaliveInterval must stay below common reverse-proxy idle
	// timeouts (usually 30-60s).
	DefaultKeepaliveInterval = 15 * time.Second

	// DefaultSupersedeGrace bounds how long a new message waits for the
	// previous in-flight run of the same chat to wind down.
	DefaultSupersedeGrace = 2 * time.Second

	// DefaultToolTimeout bounds a single tool dispatch.
	DefaultToolTimeout = 60 * time.Second

	// DefaultWriteStall cancels a run when the SSE socket accepts no write
	// for this long.
	DefaultWriteStall = 30 * time.Second
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON. When adding new
// sensitive fields, update MarshalJSON.
type Config struct {
	// Downstream platform credentials (defaults; per-request headers win)
	APIToken   string `mapstructure:"api_token" json:"api_token"` // SENSITIVE: masked in MarshalJSON
	APIBaseURL string `mapstructure:"api_base_url" json:"api_base_url"`
	Mode       string `mapstructure:"mode" json:"mode"` // "read-only" (default) or "read-write"
	Persona    string `mapstructure:"persona" json:"persona"`

	// Tool server (MCP over stdio)
	ToolServerCommand string   `mapstructure:"tool_server_command" json:"tool_server_command"`
	ToolServerArgs    []string `mapstructure:"tool_server_args" json:"tool_server_args"`

	// Model configuration
	AnthropicAPIKey string `mapstructure:"anthropic_api_key" json:"anthropic_api_key"` // SENSITIVE: masked in MarshalJSON
	ModelName       string `mapstructure:"model_name" json:"model_name"`
	SummaryModel    string `mapstructure:"summary_model" json:"summary_model"` // cheap model for commit messages
	MaxOutputTokens int    `mapstructure:"max_output_tokens" json:"max_output_tokens"`
	ThinkingBudget  int    `mapstructure:"thinking_budget" json:"thinking_budget"`

	// Agent loop tuning
	MaxIterations     int           `mapstructure:"max_iterations" json:"max_iterations"`
	ToolTimeout       time.Duration `mapstructure:"tool_timeout" json:"tool_timeout"`
	SupersedeGrace    time.Duration `mapstructure:"supersede_grace" json:"supersede_grace"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" json:"keepalive_interval"`
	WriteStall        time.Duration `mapstructure:"write_stall" json:"write_stall"`

	// Store configuration
	RedisHost string `mapstructure:"redis_host" json:"redis_host"`
	RedisPort int    `mapstructure:"redis_port" json:"redis_port"`

	// HTTP server
	Addr      string `mapstructure:"addr" json:"addr"`
	OutputDir string `mapstructure:"output_dir" json:"output_dir"` // root for per-run output directories
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".docbridge-agent")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env take over.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeReadOnly)
	v.SetDefault("persona", PersonaDefault)

	v.SetDefault("tool_server_command", "docbridge-mcp")

	v.SetDefault("model_name", "claude-sonnet-4-20250514")
	v.SetDefault("summary_model", "claude-3-5-haiku-20241022")
	v.SetDefault("max_output_tokens", 32000)
	v.SetDefault("thinking_budget", 10000)

	v.SetDefault("max_iterations", DefaultMaxIterations)
	v.SetDefault("tool_timeout", DefaultToolTimeout)
	v.SetDefault("supersede_grace", DefaultSupersedeGrace)
	v.SetDefault("keepalive_interval", DefaultKeepaliveInterval)
	v.SetDefault("write_stall", DefaultWriteStall)

	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)

	v.SetDefault("addr", "127.0.0.1:8600")
	v.SetDefault("output_dir", filepath.Join(os.TempDir(), "docbridge-agent"))
}

// bindEnvVariables binds recognized environment variables explicitly.
// The downstream credential variables follow the platform convention
// (API_TOKEN, API_BASE_URL, MODE, REDIS_HOST, REDIS_PORT).
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime condition.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("api_token", "API_TOKEN")
	mustBind("api_base_url", "API_BASE_URL")
	mustBind("mode", "MODE")
	mustBind("redis_host", "REDIS_HOST")
	mustBind("redis_port", "REDIS_PORT")

	mustBind("anthropic_api_key", "ANTHROPIC_API_KEY")
	mustBind("model_name", "AGENT_MODEL_NAME")
	mustBind("addr", "AGENT_ADDR")
	mustBind("tool_server_command", "AGENT_TOOL_SERVER")
	mustBind("output_dir", "AGENT_OUTPUT_DIR")
}

// Validate checks the basic configuration invariants: mode, persona, Redis
// port and iteration cap. ValidateServe adds the serve-mode checks.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.Mode != ModeReadOnly && c.Mode != ModeReadWrite {
		return fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidMode, c.Mode, ModeReadOnly, ModeReadWrite)
	}
	if c.Persona != PersonaDefault && c.Persona != PersonaCautious {
		return fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidPersona, c.Persona, PersonaDefault, PersonaCautious)
	}
	if c.RedisPort < 1 || c.RedisPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidRedisPort, c.RedisPort)
	}
	if c.MaxIterations < 1 || c.MaxIterations > MaxAllowedIterations {
		return fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidMaxIterations, c.MaxIterations, MaxAllowedIterations)
	}
	return nil
}

// ValidateServe performs the stricter checks required to start the server.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.AnthropicAPIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// RedisAddr returns the host:port address of the persistence store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 chars or
// fewer are fully masked; longer ones keep 2 chars of prefix and suffix for
// debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.APIToken = maskSecret(a.APIToken)
	a.AnthropicAPIKey = maskSecret(a.AnthropicAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
