package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Provider names an LLM backend.
type Provider string

// Supported providers.
const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// ParseProvider maps a case-insensitive name to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
		return p, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Message is one chat message sent to the model.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatResponse is the provider-neutral result of one invocation. Token
// counts are zero when the provider does not report usage.
type ChatResponse struct {
	Model        string
	Message      Message
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Options are the sampling parameters sent with every request. Nil
// pointers leave the provider default in place.
type Options struct {
	Model            string
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   Provider
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}
