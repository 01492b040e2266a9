// Package config loads pulse daemon configuration from environment
// variables, an optional config file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section for the pulse system's processes.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	ChatPoll ChatPollConfig `mapstructure:"chatPoll"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP Ingress bind configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the "host:port" listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds Store connection configuration.
type DatabaseConfig struct {
	// Driver names the storage engine. Only "sqlite" is implemented: the
	// value is echoed by /api/status, but Store.Open always opens SQLite and
	// never reads it, so other values are neither used nor rejected.
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	MaxConns int    `mapstructure:"maxConns"`
}

// AuthConfig holds HTTP Ingress bearer-token configuration.
type AuthConfig struct {
	APIToken string `mapstructure:"apiToken"`
}

// RunnerConfig holds Executor child-process configuration.
type RunnerConfig struct {
	// Command is the runner executable (HAPI_COMMAND).
	Command string `mapstructure:"command"`
	// DeskPath is the working directory passed to the runner (REEVE_DESK_PATH).
	DeskPath string `mapstructure:"deskPath"`
	// TimeoutSeconds bounds a single execution. Default 1 hour.
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
	// MaxConcurrent bounds in-flight executions (PULSE_MAX_CONCURRENT).
	MaxConcurrent int `mapstructure:"maxConcurrent"`
}

func (r *RunnerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// ChatPollConfig holds Chat-Poll Ingress configuration.
type ChatPollConfig struct {
	APIToken       string `mapstructure:"apiToken"`
	AuthorizedPeer string `mapstructure:"authorizedPeer"`
	// PulseAPIURL is the base URL of the HTTP Ingress this poller forwards to.
	PulseAPIURL string `mapstructure:"pulseApiUrl"`
	// OffsetFile persists the last consumed chat update id between polls.
	OffsetFile string `mapstructure:"offsetFile"`
	// Source names the chat provider, used in translated prompts and tags.
	Source string `mapstructure:"source"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("REEVE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", home+"/.reeve/pulse_queue.db")
	v.SetDefault("database.maxConns", 1)

	v.SetDefault("auth.apiToken", "")

	v.SetDefault("runner.command", "")
	v.SetDefault("runner.deskPath", home+"/.reeve/desk")
	v.SetDefault("runner.timeoutSeconds", 3600)
	v.SetDefault("runner.maxConcurrent", 1)

	v.SetDefault("chatPoll.apiToken", "")
	v.SetDefault("chatPoll.authorizedPeer", "")
	v.SetDefault("chatPoll.pulseApiUrl", "http://127.0.0.1:8765")
	v.SetDefault("chatPoll.offsetFile", home+"/.reeve/chat_offset")
	v.SetDefault("chatPoll.source", "chat")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults, looking for a config file in the current directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, optionally adding configPath to the
// config file search path ahead of the defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Config keys use a mix of legacy env var names (see spec's external
	// interfaces table) rather than a single PULSE_ prefix, so each is bound
	// explicitly instead of relying on AutomaticEnv.
	_ = v.BindEnv("database.path", "PULSE_DB_PATH", "PULSE_DB_URL")
	_ = v.BindEnv("server.host", "PULSE_API_HOST")
	_ = v.BindEnv("server.port", "PULSE_API_PORT")
	_ = v.BindEnv("auth.apiToken", "PULSE_API_TOKEN")
	_ = v.BindEnv("runner.maxConcurrent", "PULSE_MAX_CONCURRENT")
	_ = v.BindEnv("runner.command", "HAPI_COMMAND")
	_ = v.BindEnv("runner.deskPath", "REEVE_DESK_PATH")
	_ = v.BindEnv("chatPoll.apiToken", "CHAT_API_TOKEN")
	_ = v.BindEnv("chatPoll.authorizedPeer", "CHAT_AUTHORIZED_PEER")
	_ = v.BindEnv("chatPoll.pulseApiUrl", "PULSE_API_URL")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.outputPath", "LOG_FILE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/reeve/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks structural requirements common to every process. Process
// entrypoints additionally check the requirements specific to them (e.g.
// the HTTP Ingress refusing to start without an auth token).
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Runner.MaxConcurrent <= 0 {
		errs = append(errs, "runner.maxConcurrent must be positive")
	}
	if cfg.Runner.TimeoutSeconds <= 0 {
		errs = append(errs, "runner.timeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
