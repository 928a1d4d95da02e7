// Package llm provides clients for the chat-completion providers tutorbot
// can drive: OpenAI (and compatible servers), Anthropic and Ollama.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tutorbot/tutorbot/internal/httpkit"
)

// Client is the interface that all LLM providers implement.
type Client interface {
	// Chat sends the ordered messages and returns the model's reply.
	Chat(ctx context.Context, messages []Message) (*ChatResponse, error)

	// Ping checks that the provider is reachable and the credentials work.
	Ping(ctx context.Context) error
}

// Settings select and configure a provider client.
type Settings struct {
	Provider   Provider
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Options    Options
}

// retryDelay is the pause between retried provider requests when the
// response carries no Retry-After header.
const retryDelay = 2 * time.Second

// New builds the client for s.Provider.
func New(s Settings, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hc := newHTTPClient(s, logger)
	switch s.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(s.BaseURL, s.APIKey, s.Options, hc, logger), nil
	case ProviderAnthropic:
		return NewAnthropicClient(s.BaseURL, s.APIKey, s.Options, hc, logger), nil
	case ProviderOllama:
		return NewOllamaClient(s.BaseURL, s.Options, hc, logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", s.Provider)
	}
}

// newHTTPClient applies the invocation timeout and retry budget. Model
// replies can take a long time before headers arrive, so the transport
// header timeout is left to the overall deadline.
func newHTTPClient(s Settings, logger *slog.Logger) *http.Client {
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 0

	opts := []httpkit.ClientOption{
		httpkit.WithTransport(t),
		httpkit.WithTimeout(s.Timeout),
		httpkit.WithLogger(logger.With("provider", string(s.Provider))),
	}
	if s.MaxRetries > 0 {
		opts = append(opts,
			httpkit.WithRetry(s.MaxRetries, retryDelay),
			httpkit.WithStatusRetry(),
		)
	}
	return httpkit.NewClient(opts...)
}
