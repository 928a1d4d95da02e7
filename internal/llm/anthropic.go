package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tutorbot/tutorbot/internal/httpkit"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	baseURL    string
	apiKey     string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// selects the public API.
func NewAnthropicClient(baseURL, apiKey string, opts Options, hc *http.Client, logger *slog.Logger) *AnthropicClient {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	if hc == nil {
		hc = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		opts:       opts,
		httpClient: hc,
		logger:     logger.With("provider", "anthropic"),
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	msgs, system := convertToAnthropic(messages)

	c.logger.Debug("preparing request",
		"model", c.opts.Model,
		"messages", len(msgs),
		"system_len", len(system),
	)

	// Anthropic rejects frequency and presence penalties; they are
	// OpenAI-only parameters.
	req := anthropicRequest{
		Model:       c.opts.Model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
		TopP:        c.opts.TopP,
	}

	var resp anthropicResponse
	start := time.Now()
	if err := c.post(ctx, req, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	result := &ChatResponse{
		Model:        resp.Model,
		Message:      Message{Role: "assistant", Content: text.String()},
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Duration:     time.Since(start),
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"duration", result.Duration,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// Ping sends a one-token request to verify the API key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	req := anthropicRequest{
		Model:     c.opts.Model,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	var resp anthropicResponse
	return c.post(ctx, req, &resp)
}

func (c *AnthropicClient) post(ctx context.Context, req anthropicRequest, out *anthropicResponse) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return &APIError{Provider: ProviderAnthropic, StatusCode: resp.StatusCode, Body: errBody}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// convertToAnthropic lifts system messages into the top-level system
// field, joined by blank lines, and merges consecutive messages of the
// same role since the Messages API expects alternation.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)
		case "user", "assistant":
			if n := len(result); n > 0 && result[n-1].Role == msg.Role {
				result[n-1].Content += "\n\n" + msg.Content
				continue
			}
			result = append(result, anthropicMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}
