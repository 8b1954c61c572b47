package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Chat modes
const (
	ChatModeBackend = "backend"
	ChatModeDirect  = "direct"
)

// Config holds the application configuration
type Config struct {
	API    APIConfig
	Chat   ChatConfig
	LLM    LLMConfig
	Query  QueryConfig
	Outbox OutboxConfig
	Cache  CacheConfig
	Log    LogConfig
}

// APIConfig holds the task backend configuration
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Token     string        `mapstructure:"token"`
	TokenFile string        `mapstructure:"token_file"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ChatConfig holds the assistant panel configuration
type ChatConfig struct {
	Mode         string `mapstructure:"mode"`
	Model        string `mapstructure:"model"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// LLMConfig holds the LLM configuration used by the direct chat mode
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	MaxTurns     int    `mapstructure:"max_turns"`

	Fallback LLMFallbackConfig `mapstructure:"fallback"`
}

// LLMFallbackConfig names a second provider tried when the primary fails.
// An empty Model disables it; other empty fields inherit from the primary.
type LLMFallbackConfig struct {
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// FallbackLLM returns the fallback provider settings, or false when none is
// configured.
func (c LLMConfig) FallbackLLM() (LLMConfig, bool) {
	fb := c.Fallback
	if fb.Model == "" {
		return LLMConfig{}, false
	}
	out := c
	out.Fallback = LLMFallbackConfig{}
	out.Model = fb.Model
	if fb.Provider != "" {
		out.Provider = fb.Provider
		// a different provider never reuses the primary endpoint
		out.BaseURL = ""
	}
	if fb.BaseURL != "" {
		out.BaseURL = fb.BaseURL
	}
	if fb.APIKey != "" {
		out.APIKey = fb.APIKey
	}
	return out, true
}

// QueryConfig holds the task cache policy
type QueryConfig struct {
	StaleTime  time.Duration `mapstructure:"stale_time"`
	Retry      int           `mapstructure:"retry"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// OutboxConfig holds the message save queue configuration
type OutboxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// CacheConfig holds the cross-process invalidation configuration
type CacheConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds the redis pub/sub configuration. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 60*time.Second)
	v.SetDefault("chat.mode", ChatModeBackend)
	v.SetDefault("chat.model", "google/gemini-2.0-flash-exp:free")
	v.SetDefault("chat.history_limit", 50)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_turns", 5)
	v.SetDefault("query.stale_time", 10*time.Second)
	v.SetDefault("query.retry", 1)
	v.SetDefault("query.retry_delay", time.Second)
	v.SetDefault("outbox.path", filepath.Join(Dir(), "outbox.db"))
	v.SetDefault("cache.redis.channel", "taskpilot:invalidate")
	v.SetDefault("log.level", "info")

	// registered so AutomaticEnv can override them during Unmarshal
	for _, key := range []string{
		"api.token", "api.token_file", "llm.api_key", "llm.system_prompt",
		"llm.fallback.provider", "llm.fallback.base_url", "llm.fallback.api_key", "llm.fallback.model",
		"cache.redis.addr", "cache.redis.username", "cache.redis.password", "log.file",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("outbox.enabled", false)
	v.SetDefault("cache.redis.db", 0)
}

// Dir returns the per-user configuration directory.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".taskpilot"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "taskpilot")
}

// Load loads the configuration. CONFIG_PATH points at an explicit file;
// otherwise config.yaml is looked up in the working directory and then in Dir.
// A missing file is not an error: defaults and TASKPILOT_* env vars apply.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("CONFIG_PATH"))
}

// LoadFrom is Load with an explicit file path; an empty path searches the
// default locations.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url must be configured")
	}
	switch c.Chat.Mode {
	case ChatModeBackend:
	case ChatModeDirect:
		if c.LLM.APIKey == "" {
			return errors.New("llm.api_key is required when chat.mode is direct")
		}
	default:
		return errors.New("chat.mode must be 'backend' or 'direct'")
	}
	if c.Chat.HistoryLimit <= 0 {
		return errors.New("chat.history_limit must be positive")
	}
	if c.Query.Retry < 0 {
		return errors.New("query.retry must not be negative")
	}
	return nil
}
