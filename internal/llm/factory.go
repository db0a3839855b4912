package llm

import (
	"github.com/pkg/errors"

	"visa-chatter/internal/config"
)

// Sampling used for the structured fallback reply.
const (
	DefaultTemperature = 0.4
	DefaultMaxTokens   = 450
)

// Factory creates LLM clients with consistent logic
type Factory struct {
	Provider         config.LLMProvider
	OpenaiAPIKey     string
	OpenaiBaseURL    string
	OpenaiModel      string
	YandexOAuthToken string
	YandexFolderID   string
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		Provider:         cfg.LLMProvider,
		OpenaiAPIKey:     cfg.OpenAIAPIKey,
		OpenaiBaseURL:    cfg.OpenAIBaseURL,
		OpenaiModel:      cfg.OpenAIModel,
		YandexOAuthToken: cfg.YandexOAuthToken,
		YandexFolderID:   cfg.YandexFolderID,
	}
}

// CreateClient returns nil, nil when the configured provider has no
// credentials; callers then answer with the safe reply only.
func (f *Factory) CreateClient() (Client, error) {
	switch f.Provider {
	case config.ProviderOpenAI:
		if f.OpenaiAPIKey == "" {
			return nil, nil
		}
		return NewOpenAI(OpenAIOptions{
			APIKey:      f.OpenaiAPIKey,
			BaseURL:     f.OpenaiBaseURL,
			Model:       f.OpenaiModel,
			JSONMode:    true,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
		}), nil
	case config.ProviderYandex:
		if f.YandexOAuthToken == "" || f.YandexFolderID == "" {
			return nil, nil
		}
		return NewYandex(f.YandexOAuthToken, f.YandexFolderID)
	default:
		return nil, errors.Errorf("unknown llm provider: %s", f.Provider)
	}
}
