package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ptr(f float64) *float64 { return &f }

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "scenario"},
		{Role: "system", Content: "conundrum"},
		{Role: "user", Content: "first"},
		{Role: "user", Content: "second"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "plan"},
	}

	result, system := convertToAnthropic(messages)

	if system != "scenario\n\nconundrum" {
		t.Errorf("system = %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 merged messages, got %d: %+v", len(result), result)
	}
	if result[0].Role != "user" || result[0].Content != "first\n\nsecond" {
		t.Errorf("merged user = %+v", result[0])
	}
	if result[1].Role != "assistant" || result[2].Content != "plan" {
		t.Errorf("tail = %+v", result[1:])
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key" || r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("headers = %v", r.Header)
		}
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.System != "sys" || req.MaxTokens != 100 || req.Model != "claude-test" {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"role":"assistant","model":"claude-test","content":[{"type":"text","text":"hello "},{"type":"text","text":"there"}],"usage":{"input_tokens":12,"output_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "key", Options{Model: "claude-test", MaxTokens: 100}, nil, nil)
	resp, err := c.Chat(context.Background(), []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "hello there" || resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["temperature"] != 0.7 || req["presence_penalty"] != 0.1 {
			t.Errorf("sampling params = %v", req)
		}
		if _, ok := req["top_p"]; ok {
			t.Error("unset top_p should be omitted")
		}
		w.Write([]byte(`{"id":"x","model":"gpt","choices":[{"message":{"role":"assistant","content":"answer"},"finish_reason":"stop"}],"usage":{"prompt_tokens":20,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	opts := Options{Model: "gpt", MaxTokens: 50, Temperature: ptr(0.7), PresencePenalty: ptr(0.1)}
	c := NewOpenAIClient(srv.URL, "sk", opts, nil, nil)
	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "q"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "answer" || resp.InputTokens != 20 || resp.OutputTokens != 5 {
		t.Errorf("response = %+v", resp)
	}
}

func TestOpenAIClient_NoUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"a"}}]}`))
	}))
	defer srv.Close()

	resp, err := NewOpenAIClient(srv.URL, "", Options{}, nil, nil).Chat(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.InputTokens != 0 || resp.OutputTokens != 0 {
		t.Errorf("tokens = %d/%d, want zero", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream || req.Options == nil || req.Options.NumPredict != 64 {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"model":"llama","message":{"role":"assistant","content":"hi"},"done":true,"prompt_eval_count":7,"eval_count":2,"total_duration":1000000}`))
	}))
	defer srv.Close()

	resp, err := NewOllamaClient(srv.URL, Options{Model: "llama", MaxTokens: 64}, nil, nil).Chat(context.Background(), []Message{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.InputTokens != 7 || resp.OutputTokens != 2 || resp.Duration != time.Millisecond {
		t.Errorf("response = %+v", resp)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	clients := map[string]Client{
		"openai":    NewOpenAIClient(srv.URL, "k", Options{}, nil, nil),
		"anthropic": NewAnthropicClient(srv.URL, "k", Options{}, nil, nil),
		"ollama":    NewOllamaClient(srv.URL, Options{}, nil, nil),
	}
	for name, c := range clients {
		_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "x"}})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Errorf("%s: error %v is not *APIError", name, err)
			continue
		}
		if apiErr.StatusCode != http.StatusBadRequest || apiErr.Body != `{"error":"bad"}` {
			t.Errorf("%s: APIError = %+v", name, apiErr)
		}
	}
}

func TestNew_RetriesTransientStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c, err := New(Settings{Provider: ProviderOpenAI, BaseURL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "q"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "ok" || calls != 2 {
		t.Errorf("content = %q after %d calls", resp.Message.Content, calls)
	}
}

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"OpenAI", ProviderOpenAI, false},
		{" anthropic ", ProviderAnthropic, false},
		{"ollama", ProviderOllama, false},
		{"google", "", true},
	}
	for _, tt := range tests {
		got, err := ParseProvider(tt.in)
		if got != tt.want || (err != nil) != tt.wantErr {
			t.Errorf("ParseProvider(%q) = %q, %v", tt.in, got, err)
		}
	}
	if _, err := New(Settings{Provider: "ibm"}, nil); err == nil {
		t.Error("New with unknown provider should fail")
	}
}
