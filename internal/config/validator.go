package config

import (
	"fmt"
	"regexp"
	"strings"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// ValidateTelegramToken checks that a Telegram bot token has the
// expected bot_id:secret shape
func ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token is empty")
	}
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("telegram bot token has invalid format")
	}
	return nil
}

// ValidateAPIKey checks that an API key matches the provider's prefix
func ValidateAPIKey(provider, key string) error {
	if key == "" {
		return fmt.Errorf("API key is empty")
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("anthropic API keys start with sk-ant-")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("openai API keys start with sk-")
		}
	default:
		return fmt.Errorf("unknown provider: %s", provider)
	}

	return nil
}
