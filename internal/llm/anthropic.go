package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// AnthropicClient implements Client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicClient creates a client for the Anthropic API.
func NewAnthropicClient(cfg Config) *AnthropicClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.timeout()},
	}
}

func (c *AnthropicClient) Provider() string { return ProviderAnthropic }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call sends one prompt to the Messages API. A max_tokens-truncated
// response is returned as success with its usage intact; the validator
// decides what truncation means.
func (c *AnthropicClient) Call(ctx context.Context, req Request) (*Response, error) {
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(ProviderAnthropic, req.Model, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(ProviderAnthropic, req.Model, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		var parsed anthropicResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, &APIError{
			Kind:       kindFromStatus(resp.StatusCode),
			Provider:   ProviderAnthropic,
			Model:      req.Model,
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &APIError{
			Kind:     KindUnknown,
			Provider: ProviderAnthropic,
			Model:    req.Model,
			Message:  fmt.Sprintf("failed to parse response: %v", err),
		}
	}
	if parsed.Error != nil {
		return nil, &APIError{
			Kind:     KindUnknown,
			Provider: ProviderAnthropic,
			Model:    req.Model,
			Message:  parsed.Error.Message,
		}
	}
	if len(parsed.Content) == 0 {
		return nil, &APIError{
			Kind:     KindUnknown,
			Provider: ProviderAnthropic,
			Model:    req.Model,
			Message:  "no completion returned",
		}
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Text:         strings.TrimSpace(text.String()),
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}
