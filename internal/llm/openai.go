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

// OpenAIClient implements Client for the OpenAI chat completions API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a client for the OpenAI API.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.timeout()},
	}
}

func (c *OpenAIClient) Provider() string { return ProviderOpenAI }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Call sends one prompt to the chat completions API.
func (c *OpenAIClient) Call(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	body := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(ProviderOpenAI, req.Model, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(ProviderOpenAI, req.Model, err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := kindFromStatus(resp.StatusCode)
		msg := string(raw)
		var parsed openAIResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
			// OpenAI reports a bad model name as a 404 with code
			// model_not_found; a 400 variant exists too.
			if parsed.Error.Code == "model_not_found" {
				kind = KindModelNotFound
			}
		}
		return nil, &APIError{
			Kind:       kind,
			Provider:   ProviderOpenAI,
			Model:      req.Model,
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &APIError{
			Kind:     KindUnknown,
			Provider: ProviderOpenAI,
			Model:    req.Model,
			Message:  fmt.Sprintf("failed to parse response: %v", err),
		}
	}
	if parsed.Error != nil {
		return nil, &APIError{
			Kind:     KindUnknown,
			Provider: ProviderOpenAI,
			Model:    req.Model,
			Message:  parsed.Error.Message,
		}
	}
	if len(parsed.Choices) == 0 {
		return nil, &APIError{
			Kind:     KindUnknown,
			Provider: ProviderOpenAI,
			Model:    req.Model,
			Message:  "no completion returned",
		}
	}

	return &Response{
		Text:         strings.TrimSpace(parsed.Choices[0].Message.Content),
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}
