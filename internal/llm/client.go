// Package llm holds the provider clients that carry prompts to the remote
// model APIs. Each client performs exactly one network call per Call and
// reports token usage whenever the remote API does — including calls whose
// output was truncated, since those still billed. Retry policy lives one
// layer up, in internal/retry, so it stays a single testable unit.
package llm

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Provider names the supported backends.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

// Request is one prompt destined for one model.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is the raw model output plus the usage the provider reported.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client sends one prompt to one provider/model pair.
type Client interface {
	// Call performs a single network round trip. The context (and the
	// client's own timeout) bound the call; expiry surfaces as an
	// *APIError with KindConnection.
	Call(ctx context.Context, req Request) (*Response, error)

	// Provider returns the backend name this client talks to.
	Provider() string
}

// Config holds the per-provider client settings.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

const defaultTimeout = 120 * time.Second

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// envKey maps providers to their conventional API key variables.
var envKey = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderGemini:    "GEMINI_API_KEY",
}

// New builds a client for the named provider. An empty Config.APIKey falls
// back to the provider's environment variable; a missing key is an auth
// error at construction time rather than on the first call.
func New(provider string, cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(envKey[provider])
	}
	if cfg.APIKey == "" {
		return nil, &APIError{
			Kind:     KindAuth,
			Provider: provider,
			Message:  fmt.Sprintf("no API key configured; set %s", envKey[provider]),
		}
	}

	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	case ProviderGemini:
		return NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s (valid: anthropic, openai, gemini)", provider)
	}
}
