package embedding

import "fmt"

// New selects a provider by name: "openai", "ollama", or "hash". The hash
// provider needs no server and suits development and tests.
func New(provider, baseURL, apiKey, model string, dimensions int) (Provider, error) {
	switch provider {
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("embedding: openai provider requires an api key")
		}
		return NewOpenAIProvider(baseURL, apiKey, model, dimensions), nil
	case "ollama":
		return NewOllamaProvider(baseURL, model, dimensions), nil
	case "hash", "":
		return NewHashProvider(dimensions), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", provider)
	}
}
