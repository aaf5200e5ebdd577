// Package config loads server configuration from file, environment and
// flags via viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/twinforge/twinchat/pkg/bus"
)

// Config is the full server configuration.
type Config struct {
	Addr       string `mapstructure:"addr"`
	SQLitePath string `mapstructure:"sqlite_path"`

	Redis      bus.RedisSettings `mapstructure:"redis"`
	Completion CompletionConfig  `mapstructure:"completion"`
	Speech     SpeechConfig      `mapstructure:"speech"`
	Media      MediaConfig       `mapstructure:"media"`
	Context    ContextConfig     `mapstructure:"context"`
	Auth       AuthConfig        `mapstructure:"auth"`
}

// CompletionConfig controls the chat-completions client.
type CompletionConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	VisionModel string        `mapstructure:"vision_model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SpeechConfig controls the speech-to-text client and worker pool.
type SpeechConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Language string `mapstructure:"language"`
	Workers  int    `mapstructure:"workers"`
}

// MediaConfig points at the file/document service.
type MediaConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// ContextConfig bounds the prompt window.
type ContextConfig struct {
	MaxMessages int `mapstructure:"max_messages"`
	MaxTokens   int `mapstructure:"max_tokens"`
}

// AuthConfig maps static tokens to user ids. Deployments with a real
// identity provider replace the validator at wiring time.
type AuthConfig struct {
	Tokens map[string]string `mapstructure:"tokens"`
}

// Load reads twinchat.yaml from the given path (or the working directory)
// plus TWINCHAT_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("twinchat")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/twinchat")
	}

	v.SetEnvPrefix("TWINCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("sqlite_path", "twinchat.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.group", "twinchat")
	v.SetDefault("redis.consumer", "")

	v.SetDefault("completion.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("completion.api_key", "")
	v.SetDefault("completion.model", "meta-llama/llama-3-8b-instruct")
	v.SetDefault("completion.vision_model", "meta-llama/llama-3.2-90b-vision-instruct")
	v.SetDefault("completion.temperature", 0.7)
	v.SetDefault("completion.max_tokens", 1024)
	v.SetDefault("completion.timeout", 45*time.Second)

	v.SetDefault("speech.base_url", "https://api.assemblyai.com/v2")
	v.SetDefault("speech.api_key", "")
	v.SetDefault("speech.language", "en")
	v.SetDefault("speech.workers", 4)

	v.SetDefault("media.base_url", "")

	v.SetDefault("context.max_messages", 15)
	v.SetDefault("context.max_tokens", 0)
}
