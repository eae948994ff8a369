package llm

import "fmt"

// ProviderFactory creates stream providers from configured credentials.
type ProviderFactory struct{}

// NewProvider creates a provider by name.
func (f *ProviderFactory) NewProvider(name, apiKey string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
