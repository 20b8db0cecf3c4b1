package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider identifiers form a closed set; anything else fails at
// client build time.
const (
	ProviderOpenAI     = "openai"     // hosted API
	ProviderAzure      = "azure"      // enterprise gateway
	ProviderSelfHosted = "selfhosted" // OpenAI-compatible local endpoint
)

// Source tags describe where the effective configuration came from.
const (
	SourceSystem = "system"
	SourceCaller = "caller"
)

// OpenAIConfig holds hosted-API credentials.
type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// AzureConfig holds enterprise-gateway credentials and endpoint.
type AzureConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Endpoint   string `mapstructure:"endpoint"`
	APIVersion string `mapstructure:"api_version"`
	Deployment string `mapstructure:"deployment"` // defaults to the model name
}

// SelfHostedConfig holds the endpoint of a local OpenAI-compatible server.
type SelfHostedConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Effective is the configuration actually in force for an engine
// instance: system defaults merged with caller overrides. Every field
// has a system default; an override, when present and well-typed, wins
// field-by-field.
type Effective struct {
	Provider       string           `mapstructure:"provider"`
	Model          string           `mapstructure:"model"`
	Stream         bool             `mapstructure:"stream"`
	Temperature    float64          `mapstructure:"temperature"`
	MaxTokens      int              `mapstructure:"max_tokens"`
	Timeout        time.Duration    `mapstructure:"timeout"`
	SystemPrompt   string           `mapstructure:"system_prompt"`
	ResponseFormat string           `mapstructure:"response_format"`
	SafetyEnabled  bool             `mapstructure:"safety_enabled"`
	MaxRetries     int              `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration    `mapstructure:"retry_base_delay"`
	CustomHeaders  map[string]string
	RequestsPerMin int              `mapstructure:"requests_per_minute"`
	OpenAI         OpenAIConfig     `mapstructure:"openai"`
	Azure          AzureConfig      `mapstructure:"azure"`
	SelfHosted     SelfHostedConfig `mapstructure:"selfhosted"`
	// Source is "system" until a caller applies overrides.
	Source string
}

// Load reads the system baseline: built-in defaults, an optional YAML
// config file, and environment credentials.
func Load() (Effective, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Effective{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Effective
	if err := v.Unmarshal(&cfg); err != nil {
		return Effective{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CustomHeaders = v.GetStringMapString("custom_headers")
	cfg.Source = SourceSystem

	resolveCredentials(&cfg)
	return cfg, nil
}

// Defaults returns the built-in baseline without touching the
// filesystem. Used by tests and by callers embedding the engine.
func Defaults() Effective {
	v := viper.New()
	setDefaults(v)
	var cfg Effective
	_ = v.Unmarshal(&cfg)
	cfg.Source = SourceSystem
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("model", "gpt-4o-mini")
	v.SetDefault("stream", true)
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 2000)
	v.SetDefault("timeout", "60s")
	v.SetDefault("system_prompt", "")
	v.SetDefault("response_format", "text")
	v.SetDefault("safety_enabled", true)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_base_delay", "1s")
	v.SetDefault("requests_per_minute", 60)
	v.SetDefault("azure.api_version", "2024-06-01")
	v.SetDefault("selfhosted.endpoint", "http://localhost:11434/v1")
}

func resolveCredentials(cfg *Effective) {
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.Azure.APIKey = expandEnv(cfg.Azure.APIKey)
	if cfg.Azure.APIKey == "" {
		cfg.Azure.APIKey = os.Getenv("AZURE_OPENAI_API_KEY")
	}
	cfg.Azure.Endpoint = expandEnv(cfg.Azure.Endpoint)
	if cfg.Azure.Endpoint == "" {
		cfg.Azure.Endpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")
	}
	cfg.SelfHosted.Endpoint = expandEnv(cfg.SelfHosted.Endpoint)
}

// expandEnv expands ${VAR} or $VAR in a string.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// configDir returns the XDG config directory for conductor.
func configDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "conductor"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "conductor"), nil
}

// DataPath returns the path of a data file under the XDG data
// directory for conductor.
func DataPath(name string) (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "conductor", name), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", "conductor", name), nil
}

// ReinitRequired reports whether switching from prev to next requires
// rebuilding the provider client. Cosmetic changes (temperature,
// prompts, tool selection) do not count; provider identity,
// credentials, endpoints, and custom headers do.
func ReinitRequired(prev, next Effective) bool {
	if prev.Provider != next.Provider {
		return true
	}
	if prev.OpenAI != next.OpenAI || prev.Azure != next.Azure || prev.SelfHosted != next.SelfHosted {
		return true
	}
	if len(prev.CustomHeaders) != len(next.CustomHeaders) {
		return true
	}
	for k, v := range prev.CustomHeaders {
		if next.CustomHeaders[k] != v {
			return true
		}
	}
	if prev.Timeout != next.Timeout {
		return true
	}
	return false
}
