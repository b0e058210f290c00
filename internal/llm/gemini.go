package llm

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient implements Client on top of the official genai SDK.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a client for the Gemini API.
func NewGeminiClient(cfg Config) (*GeminiClient, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, &APIError{
			Kind:     KindConnection,
			Provider: ProviderGemini,
			Message:  "failed to create genai client: " + err.Error(),
		}
	}
	return &GeminiClient{client: client}, nil
}

func (c *GeminiClient) Provider() string { return ProviderGemini }

// Call sends one prompt through the genai SDK.
func (c *GeminiClient) Call(ctx context.Context, req Request) (*Response, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	genCfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		genCfg.Temperature = &temp
	}

	result, err := c.client.Models.GenerateContent(ctx, req.Model, contents, genCfg)
	if err != nil {
		return nil, classifyGenAIError(req.Model, err)
	}

	var text strings.Builder
	if len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
		for _, part := range result.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &APIError{
			Kind:     KindUnknown,
			Provider: ProviderGemini,
			Model:    req.Model,
			Message:  "no completion returned",
		}
	}

	resp := &Response{Text: strings.TrimSpace(text.String())}
	if result.UsageMetadata != nil {
		resp.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}

// classifyGenAIError maps SDK errors onto the kind taxonomy. The SDK wraps
// HTTP failures in genai.APIError with the upstream status code.
func classifyGenAIError(model string, err error) *APIError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			Kind:       kindFromStatus(apiErr.Code),
			Provider:   ProviderGemini,
			Model:      model,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return wrapTransport(ProviderGemini, model, err)
}
