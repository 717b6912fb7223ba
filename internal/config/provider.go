package config

import (
	"strings"
)

const (
	ProviderOpenAI   = "OpenAI"
	ProviderDeepSeek = "DeepSeek"
	ProviderGoogle   = "Google"
)

const (
	openAIChatURL   = "https://api.openai.com/v1/chat/completions"
	deepSeekChatURL = "https://api.deepseek.com/v1/chat/completions"
	googleGenerate  = "https://generativelanguage.googleapis.com/v1beta/models/MODEL_PLACEHOLDER:generateContent?key=API_KEY_PLACEHOLDER"
)

// AIConfig is the resolved endpoint the summarizer talks to.
type AIConfig struct {
	Provider string
	APIKey   string
	APIURL   string
	Model    string
}

// Available reports whether the config carries enough to make a request.
func (c AIConfig) Available() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APIURL) != ""
}

// IsGoogle reports whether requests use the generateContent shape.
func (c AIConfig) IsGoogle() bool {
	return strings.EqualFold(strings.TrimSpace(c.Provider), ProviderGoogle)
}

// AIConfigProvider supplies the summarizer's provider settings. The value is
// resolved on every call so runtime edits take effect without a restart.
type AIConfigProvider interface {
	Name() string
	AIConfig() AIConfig
}

// DefaultAPIURL returns the well-known endpoint for a provider name, or "".
func DefaultAPIURL(provider string) string {
	switch {
	case strings.EqualFold(provider, ProviderOpenAI):
		return openAIChatURL
	case strings.EqualFold(provider, ProviderDeepSeek):
		return deepSeekChatURL
	case strings.EqualFold(provider, ProviderGoogle):
		return googleGenerate
	default:
		return ""
	}
}

func resolveAIConfig(provider, apiKey, apiURL, model string) AIConfig {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = ProviderOpenAI
	}
	apiURL = strings.TrimSpace(apiURL)
	if apiURL == "" {
		apiURL = DefaultAPIURL(provider)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultSummarizerModel
	}
	return AIConfig{
		Provider: provider,
		APIKey:   strings.TrimSpace(apiKey),
		APIURL:   apiURL,
		Model:    model,
	}
}

// NativeAIConfig reads the summarizer block of the live config.
type NativeAIConfig struct {
	live *Live
}

func NewNativeAIConfig(live *Live) *NativeAIConfig {
	return &NativeAIConfig{live: live}
}

func (n *NativeAIConfig) Name() string { return "native" }

func (n *NativeAIConfig) AIConfig() AIConfig {
	s := n.live.Get().Summarizer
	return resolveAIConfig(s.Provider, s.APIKey, s.APIURL, s.Model)
}

// DelegatedAIConfig reuses the host application's provider block.
type DelegatedAIConfig struct {
	live *Live
}

func NewDelegatedAIConfig(live *Live) *DelegatedAIConfig {
	return &DelegatedAIConfig{live: live}
}

func (d *DelegatedAIConfig) Name() string { return "delegated" }

func (d *DelegatedAIConfig) AIConfig() AIConfig {
	p := d.live.Get().Provider
	return resolveAIConfig(p.Type, p.APIKey, p.BaseURL, p.Model)
}

// SelectAIConfigProvider picks the provider once at startup: the host block
// when delegation is enabled and complete, the summarizer's own otherwise.
func SelectAIConfigProvider(live *Live) AIConfigProvider {
	if live.Get().Summarizer.UseHostProvider {
		delegated := NewDelegatedAIConfig(live)
		if delegated.AIConfig().Available() {
			return delegated
		}
	}
	return NewNativeAIConfig(live)
}
