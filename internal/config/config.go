package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete bridge configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Image   ImageConfig   `mapstructure:"image"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the WebSocket listener
type ServerConfig struct {
	// Port is the TCP port the bridge listens on (default: 8765)
	Port int `mapstructure:"port"`
	// ProjectRoot is the default working directory for agent sessions.
	// Clients may override it per connection via a register message.
	ProjectRoot string `mapstructure:"project_root"`
	// Concurrency is the number of annotation jobs processed in parallel (default: 1)
	Concurrency int `mapstructure:"concurrency"`
	// DryRun simulates job processing without spawning the agent
	DryRun bool `mapstructure:"dry_run"`
}

// AgentConfig controls the coding agent subprocess
type AgentConfig struct {
	// Command is the agent binary to spawn (default: "codex")
	Command string `mapstructure:"command"`
	// Model is the model passed to the agent (default: "gpt-5.1-codex")
	Model string `mapstructure:"model"`
	// SandboxMode is the agent sandbox policy (default: "workspace-write")
	SandboxMode string `mapstructure:"sandbox_mode"`
	// FirstCallIdleTimeoutSecs is the idle watchdog threshold for fresh
	// conversations, in seconds (default: 180)
	FirstCallIdleTimeoutSecs int `mapstructure:"first_call_idle_timeout_secs"`
	// ReplyIdleTimeoutSecs is the idle watchdog threshold for follow-up
	// calls on an existing thread, in seconds (default: 90)
	ReplyIdleTimeoutSecs int `mapstructure:"reply_idle_timeout_secs"`
}

// ImageConfig controls the image generation backend
type ImageConfig struct {
	// Model is the image model identifier (default: "gemini-3-pro-image-preview")
	Model string `mapstructure:"model"`
	// APIKeyEnv names the environment variable holding the API key (default: "GEMINI_API_KEY")
	APIKeyEnv string `mapstructure:"api_key_env"`
	// Variations is the number of candidate images generated per request (default: 3, max: 3)
	Variations int `mapstructure:"variations"`
	// TimeoutSecs bounds a full analyze round trip in seconds (default: 90)
	TimeoutSecs int `mapstructure:"timeout_secs"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether file logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the directory for log files. Empty means log to stderr.
	Dir string `mapstructure:"dir"`
}

// FirstCallIdleTimeout returns the fresh-conversation watchdog threshold as a time.Duration
func (a *AgentConfig) FirstCallIdleTimeout() time.Duration {
	return time.Duration(a.FirstCallIdleTimeoutSecs) * time.Second
}

// ReplyIdleTimeout returns the follow-up watchdog threshold as a time.Duration
func (a *AgentConfig) ReplyIdleTimeout() time.Duration {
	return time.Duration(a.ReplyIdleTimeoutSecs) * time.Second
}

// Timeout returns the analyze round-trip bound as a time.Duration
func (i *ImageConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSecs) * time.Second
}

// APIKey reads the configured API key from the environment
func (i *ImageConfig) APIKey() string {
	return os.Getenv(i.APIKeyEnv)
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8765,
			ProjectRoot: "",
			Concurrency: 1, // Sequential by default; the agent is the bottleneck
			DryRun:      false,
		},
		Agent: AgentConfig{
			Command:                  "codex",
			Model:                    "gpt-5.1-codex",
			SandboxMode:              "workspace-write",
			FirstCallIdleTimeoutSecs: 180,
			ReplyIdleTimeoutSecs:     90,
		},
		Image: ImageConfig{
			Model:       "gemini-3-pro-image-preview",
			APIKeyEnv:   "GEMINI_API_KEY",
			Variations:  3,
			TimeoutSecs: 90,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Dir:     "",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Server defaults
	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("server.project_root", defaults.Server.ProjectRoot)
	viper.SetDefault("server.concurrency", defaults.Server.Concurrency)
	viper.SetDefault("server.dry_run", defaults.Server.DryRun)

	// Agent defaults
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.model", defaults.Agent.Model)
	viper.SetDefault("agent.sandbox_mode", defaults.Agent.SandboxMode)
	viper.SetDefault("agent.first_call_idle_timeout_secs", defaults.Agent.FirstCallIdleTimeoutSecs)
	viper.SetDefault("agent.reply_idle_timeout_secs", defaults.Agent.ReplyIdleTimeoutSecs)

	// Image defaults
	viper.SetDefault("image.model", defaults.Image.Model)
	viper.SetDefault("image.api_key_env", defaults.Image.APIKeyEnv)
	viper.SetDefault("image.variations", defaults.Image.Variations)
	viper.SetDefault("image.timeout_secs", defaults.Image.TimeoutSecs)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// Watch re-reads the config file on change and invokes onChange with the
// freshly loaded Config. Invalid edits are skipped; the previous config
// stays in effect until the file parses and validates again.
func Watch(onChange func(*Config)) {
	viper.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := Load()
		if err != nil {
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sparkbridge")
	}
	// Fall back to ~/.config/sparkbridge
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sparkbridge"
	}
	return filepath.Join(home, ".config", "sparkbridge")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
