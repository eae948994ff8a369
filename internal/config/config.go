package config

import "fmt"

// Config represents the main chatrelay configuration
type Config struct {
	// Telegram
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Generation backend
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// Web search tool
	Search SearchConfig `json:"search" mapstructure:"search"`

	// Streaming behavior
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Observer gateway
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"`
}

// ProviderConfig selects and configures the generation backend
type ProviderConfig struct {
	Name         string  `json:"name" mapstructure:"name"` // anthropic, openai
	APIKey       string  `json:"api_key" mapstructure:"api_key"`
	Model        string  `json:"model" mapstructure:"model"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// SearchConfig holds web_search tool configuration
type SearchConfig struct {
	BraveAPIKey string `json:"brave_api_key" mapstructure:"brave_api_key"`
	ResultCount int    `json:"result_count" mapstructure:"result_count"`
}

// StreamConfig holds streaming update behavior
type StreamConfig struct {
	// Minimum milliseconds between non-final message updates
	UpdateIntervalMs int `json:"update_interval_ms" mapstructure:"update_interval_ms"`
}

// GatewayConfig holds the websocket observer gateway configuration
type GatewayConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:        "anthropic",
			Model:       "claude-sonnet-4-20250514",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Search: SearchConfig{
			ResultCount: 5,
		},
		Stream: StreamConfig{
			UpdateIntervalMs: 1000,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8793,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if err := ValidateTelegramToken(c.Telegram.BotToken); err != nil {
		return err
	}

	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider.Name)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider API key is required")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if c.Provider.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}

	if c.Stream.UpdateIntervalMs < 0 {
		return fmt.Errorf("stream update interval cannot be negative")
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
		}
	}

	return nil
}
