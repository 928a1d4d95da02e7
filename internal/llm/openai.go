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

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient talks to the Chat Completions API of OpenAI or any
// server implementing it.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a Chat Completions client. An empty baseURL
// selects api.openai.com.
func NewOpenAIClient(baseURL, apiKey string, opts Options, hc *http.Client, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	if hc == nil {
		hc = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		opts:       opts,
		httpClient: hc,
		logger:     logger.With("provider", "openai"),
	}
}

type openAIRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_completion_tokens,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	req := openAIRequest{
		Model:            c.opts.Model,
		Messages:         messages,
		MaxTokens:        c.opts.MaxTokens,
		Temperature:      c.opts.Temperature,
		TopP:             c.opts.TopP,
		FrequencyPenalty: c.opts.FrequencyPenalty,
		PresencePenalty:  c.opts.PresencePenalty,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request", "model", c.opts.Model, "messages", len(messages))
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: ProviderOpenAI, StatusCode: resp.StatusCode, Body: errBody}
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("response %s has no choices", out.ID)
	}

	result := &ChatResponse{
		Model:    out.Model,
		Message:  Message{Role: "assistant", Content: out.Choices[0].Message.Content},
		Duration: time.Since(start),
	}
	if out.Usage != nil {
		result.InputTokens = out.Usage.PromptTokens
		result.OutputTokens = out.Usage.CompletionTokens
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"finish_reason", out.Choices[0].FinishReason,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"duration", result.Duration,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// Ping lists models to verify connectivity and credentials.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: ProviderOpenAI, StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 1024)}
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}
