// Package config loads the YAML configuration file, expands ${VAR}
// references from the environment, applies CIANA_* env overrides, and
// validates the result.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var envRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// AgentConfig configures the agent runtime.
type AgentConfig struct {
	Workspace         string `yaml:"workspace" env:"CIANA_AGENT_WORKSPACE"`
	DataDir           string `yaml:"data_dir" env:"CIANA_AGENT_DATA_DIR"`
	MaxToolIterations int    `yaml:"max_tool_iterations" env:"CIANA_AGENT_MAX_TOOL_ITERATIONS"`
}

// ProviderConfig configures the LLM provider.
type ProviderConfig struct {
	Name       string            `yaml:"name" env:"CIANA_PROVIDER_NAME"`
	Model      string            `yaml:"model" env:"CIANA_PROVIDER_MODEL"`
	APIKey     string            `yaml:"api_key" env:"CIANA_PROVIDER_API_KEY"`
	BaseURL    string            `yaml:"base_url" env:"CIANA_PROVIDER_BASE_URL"`
	MaxTokens  int               `yaml:"max_tokens" env:"CIANA_PROVIDER_MAX_TOKENS"`
	ModelTiers map[string]string `yaml:"model_tiers"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled      bool     `yaml:"enabled" env:"CIANA_TELEGRAM_ENABLED"`
	Token        string   `yaml:"token" env:"CIANA_TELEGRAM_TOKEN"`
	Trigger      string   `yaml:"trigger" env:"CIANA_TELEGRAM_TRIGGER"`
	AllowedUsers []string `yaml:"allowed_users" env:"CIANA_TELEGRAM_ALLOWED_USERS"`
}

// ChannelsConfig groups the channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	Enabled      bool   `yaml:"enabled" env:"CIANA_SCHEDULER_ENABLED"`
	PollInterval int    `yaml:"poll_interval" env:"CIANA_SCHEDULER_POLL_INTERVAL"`
	DataFile     string `yaml:"data_file" env:"CIANA_SCHEDULER_DATA_FILE"`
}

// BridgeDefConfig is one gateway bridge definition.
type BridgeDefConfig struct {
	AllowedCommands []string `yaml:"allowed_commands"`
	AllowedCwd      []string `yaml:"allowed_cwd"`
}

// GatewayConfig configures the host gateway (server and client sides).
type GatewayConfig struct {
	URL            string                     `yaml:"url" env:"CIANA_GATEWAY_URL"`
	Token          string                     `yaml:"token" env:"CIANA_GATEWAY_TOKEN"`
	Port           int                        `yaml:"port" env:"CIANA_GATEWAY_PORT"`
	DefaultTimeout int                        `yaml:"default_timeout" env:"CIANA_GATEWAY_DEFAULT_TIMEOUT"`
	Bridges        map[string]BridgeDefConfig `yaml:"bridges"`
}

// ClaudeCodeConfig configures the bridge session manager.
type ClaudeCodeConfig struct {
	Enabled        bool   `yaml:"enabled" env:"CIANA_CLAUDE_CODE_ENABLED"`
	CLIPath        string `yaml:"cli_path" env:"CIANA_CLAUDE_CODE_CLI_PATH"`
	ProjectsDir    string `yaml:"projects_dir" env:"CIANA_CLAUDE_CODE_PROJECTS_DIR"`
	PermissionMode string `yaml:"permission_mode" env:"CIANA_CLAUDE_CODE_PERMISSION_MODE"`
	Timeout        int    `yaml:"timeout" env:"CIANA_CLAUDE_CODE_TIMEOUT"`
	StateFile      string `yaml:"state_file" env:"CIANA_CLAUDE_CODE_STATE_FILE"`
	GatewayBridge  string `yaml:"gateway_bridge" env:"CIANA_CLAUDE_CODE_GATEWAY_BRIDGE"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"CIANA_LOG_LEVEL"`
	File       string `yaml:"file" env:"CIANA_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"CIANA_LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"CIANA_LOG_MAX_BACKUPS"`
}

// Config is the root configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Provider   ProviderConfig   `yaml:"provider"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	ClaudeCode ClaudeCodeConfig `yaml:"claude_code"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// defaults returns a Config populated with default values.
func defaults() *Config {
	cfg := &Config{}
	cfg.Agent.Workspace = "./workspace"
	cfg.Agent.DataDir = "./data"
	cfg.Agent.MaxToolIterations = 20
	cfg.Provider.Name = "anthropic"
	cfg.Provider.Model = "claude-sonnet-4-5"
	cfg.Channels.Telegram.Trigger = "@Ciana"
	cfg.Scheduler.PollInterval = 60
	cfg.Scheduler.DataFile = "./data/scheduled_tasks.json"
	cfg.Gateway.Port = 9842
	cfg.Gateway.DefaultTimeout = 30
	cfg.ClaudeCode.CLIPath = "claude"
	cfg.ClaudeCode.ProjectsDir = "~/.claude/projects"
	cfg.ClaudeCode.StateFile = "./data/cc_user_states.json"
	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 3
	return cfg
}

// Load reads, expands, decodes, overrides, and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := envRe.ReplaceAllStringFunc(string(raw), func(match string) string {
		return os.Getenv(envRe.FindStringSubmatch(match)[1])
	})

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Env vars win over the file.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks cross-field constraints. Violations are fatal at startup.
func (c *Config) Validate() error {
	if c.Scheduler.PollInterval < 1 {
		return fmt.Errorf("scheduler.poll_interval must be >= 1, got %d", c.Scheduler.PollInterval)
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.token is required when telegram is enabled")
	}
	if c.ClaudeCode.Timeout < 0 {
		return fmt.Errorf("claude_code.timeout must be >= 0, got %d", c.ClaudeCode.Timeout)
	}
	return nil
}

// BridgeCommands returns the bridge name -> allowed commands mapping used by
// the host tool.
func (c *Config) BridgeCommands() map[string][]string {
	out := make(map[string][]string, len(c.Gateway.Bridges))
	for name, def := range c.Gateway.Bridges {
		out[name] = def.AllowedCommands
	}
	return out
}
