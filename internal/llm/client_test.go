package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAnthropicCall_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		fmt.Fprint(w, `{
			"content": [{"type": "text", "text": "{\"actors\": []}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 120, "output_tokens": 45}
		}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := c.Call(context.Background(), Request{Model: "claude-sonnet-4-20250514", Prompt: "hi", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Text != `{"actors": []}` {
		t.Errorf("unexpected text: %q", resp.Text)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 45 {
		t.Errorf("usage not reported: in=%d out=%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicCall_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{429, KindRateLimit},
		{529, KindRateLimit},
		{404, KindModelNotFound},
		{500, KindConnection},
		{503, KindConnection},
		{400, KindUnknown},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			fmt.Fprint(w, `{"error": {"type": "whatever", "message": "nope"}}`)
		}))
		c := NewAnthropicClient(Config{APIKey: "k", BaseURL: srv.URL})
		_, err := c.Call(context.Background(), Request{Model: "m", Prompt: "p"})
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: not an APIError: %v", tt.status, err)
		}
		if apiErr.Kind != tt.want {
			t.Errorf("status %d: kind = %s, want %s", tt.status, apiErr.Kind, tt.want)
		}
		if apiErr.Message != "nope" {
			t.Errorf("status %d: provider message not extracted: %q", tt.status, apiErr.Message)
		}
	}
}

func TestOpenAICall_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		fmt.Fprint(w, `{
			"choices": [{"message": {"content": "{\"actors\": []}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 80, "completion_tokens": 30}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := c.Call(context.Background(), Request{Model: "gpt-4o", System: "sys", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.InputTokens != 80 || resp.OutputTokens != 30 {
		t.Errorf("usage not reported: in=%d out=%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAICall_ModelNotFoundCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "model does not exist", "type": "invalid_request_error", "code": "model_not_found"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Call(context.Background(), Request{Model: "gpt-bogus", Prompt: "p"})
	if got := ErrKind(err); got != KindModelNotFound {
		t.Fatalf("kind = %s, want %s", got, KindModelNotFound)
	}
}

func TestCall_TimeoutIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewAnthropicClient(Config{APIKey: "k", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Call(context.Background(), Request{Model: "m", Prompt: "p"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if got := ErrKind(err); got != KindConnection {
		t.Fatalf("kind = %s, want %s", got, KindConnection)
	}
}

func TestCall_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Call(ctx, Request{Model: "m", Prompt: "p"})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if got := ErrKind(err); got != KindConnection {
		t.Fatalf("kind = %s, want %s", got, KindConnection)
	}
}

func TestNew_MissingKeyIsAuthError(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := New(ProviderAnthropic, Config{})
	if err == nil {
		t.Fatal("expected error for missing key")
	}
	if got := ErrKind(err); got != KindAuth {
		t.Fatalf("kind = %s, want %s", got, KindAuth)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New("mistral", Config{APIKey: "k"})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestErrKind_UnwrapsChain(t *testing.T) {
	base := &APIError{Kind: KindRateLimit, Provider: "anthropic", Model: "m"}
	wrapped := fmt.Errorf("attempt 2: %w", base)
	if got := ErrKind(wrapped); got != KindRateLimit {
		t.Fatalf("kind = %s, want %s", got, KindRateLimit)
	}
	if got := ErrKind(errors.New("plain")); got != KindUnknown {
		t.Fatalf("kind = %s, want %s", got, KindUnknown)
	}
}
