// Package resolve builds a relay.Provider from a backend name, filling in
// the base URL of well-known OpenAI-compatible services.
package resolve

import (
	"fmt"
	"log/slog"

	"github.com/nevindra/relay"
	"github.com/nevindra/relay/provider/openaicompat"
)

// Config selects and configures a chat backend.
type Config struct {
	Provider string // "openai", "openrouter", "groq", "gemini", ..., or "custom"
	APIKey   string
	Model    string
	BaseURL  string // required for "custom"; overrides the known default otherwise

	Temperature *float64
	TopP        *float64
	Logger      *slog.Logger
}

// Provider creates the provider named by cfg.Provider.
func Provider(cfg Config) (relay.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q and no base URL", cfg.Provider)
	}
	name := cfg.Provider
	if name == "" {
		name = "custom"
	}

	opts := []openaicompat.ProviderOption{openaicompat.WithName(name)}
	if cfg.Logger != nil {
		opts = append(opts, openaicompat.WithLogger(cfg.Logger))
	}
	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if len(reqOpts) > 0 {
		opts = append(opts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, opts...), nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
