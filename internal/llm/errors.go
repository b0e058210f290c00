package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
)

// Kind classifies a provider failure. The retry controller keys its policy
// off this: auth aborts, rate limit and connection back off, model-not-found
// triggers provider fallback.
type Kind string

const (
	KindAuth          Kind = "auth"
	KindRateLimit     Kind = "rate_limit"
	KindConnection    Kind = "connection"
	KindModelNotFound Kind = "model_not_found"
	KindUnknown       Kind = "unknown"
)

// APIError is the typed failure surfaced by every provider client. Failures
// are never silent and never returned as bare strings.
type APIError struct {
	Kind       Kind
	Provider   string
	Model      string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s/%s: %s (%d): %s", e.Provider, e.Model, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s: %s", e.Provider, e.Model, e.Kind, e.Message)
}

// ErrKind extracts the failure kind from an error chain. Unclassified errors
// report KindUnknown.
func ErrKind(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// kindFromStatus maps HTTP status codes onto the taxonomy. 529 is
// Anthropic's "overloaded", treated like a rate limit.
func kindFromStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests || code == 529:
		return KindRateLimit
	case code == http.StatusNotFound:
		return KindModelNotFound
	case code >= 500:
		return KindConnection
	default:
		return KindUnknown
	}
}

// wrapTransport classifies transport-level failures (DNS, refused
// connections, deadline expiry). Timeouts must surface as connection
// errors, never as a hang or an unknown.
func wrapTransport(provider, model string, err error) *APIError {
	kind := KindUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr),
		strings.Contains(err.Error(), "connection refused"):
		kind = KindConnection
	}
	return &APIError{Kind: kind, Provider: provider, Model: model, Message: err.Error()}
}
