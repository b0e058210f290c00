// Package cost tracks token and dollar usage for one generation run.
//
// A Ledger is created per run and injected into everything that makes API
// calls; there is no process-wide session state, so concurrent runs keep
// independent books. The critical section is the in-memory increment only —
// callers never hold the ledger lock across a network call.
package cost

import (
	"sync"
	"time"
)

// TokenUsage holds input/output token sums.
type TokenUsage struct {
	Input  int `json:"input_tokens"`
	Output int `json:"output_tokens"`
	Total  int `json:"total_tokens"`
}

func (t *TokenUsage) add(in, out int) {
	t.Input += in
	t.Output += out
	t.Total += in + out
}

// ModelUsage is the per-model breakdown inside a provider.
type ModelUsage struct {
	Cost   float64 `json:"cost"`
	Calls  int     `json:"calls"`
	Tokens struct {
		Input  int `json:"input"`
		Output int `json:"output"`
		Total  int `json:"total"`
	} `json:"tokens"`
}

// ProviderUsage aggregates all calls to one provider.
type ProviderUsage struct {
	Cost   float64               `json:"cost"`
	Calls  int                   `json:"calls"`
	Models map[string]ModelUsage `json:"models"`
}

// Session is a point-in-time, read-only snapshot of a run's ledger. It is
// embedded verbatim into each persisted level artifact as cost_tracking.
type Session struct {
	TotalCost       float64                  `json:"total_cost"`
	APICalls        int                      `json:"api_calls"`
	TokensUsed      TokenUsage               `json:"tokens_used"`
	DurationSeconds float64                  `json:"session_duration_seconds"`
	Providers       map[string]ProviderUsage `json:"providers"`
}

// Ledger accumulates usage across all API calls within one run. All methods
// are safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	start     time.Time
	totalCost float64
	calls     int
	tokens    TokenUsage
	providers map[string]ProviderUsage
}

// NewLedger returns an empty ledger with the session clock started.
func NewLedger() *Ledger {
	return &Ledger{
		start:     time.Now(),
		providers: make(map[string]ProviderUsage),
	}
}

// Record attributes one API call to the ledger. Failed-but-billed attempts
// (a truncated response still consumed tokens) must be recorded too; the
// caller decides whether an attempt was billed by whether the provider
// reported usage.
func (l *Ledger) Record(provider, model string, inputTokens, outputTokens int, dollars float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalCost += dollars
	l.calls++
	l.tokens.add(inputTokens, outputTokens)

	p, ok := l.providers[provider]
	if !ok {
		p = ProviderUsage{Models: make(map[string]ModelUsage)}
	}
	p.Cost += dollars
	p.Calls++

	m := p.Models[model]
	m.Cost += dollars
	m.Calls++
	m.Tokens.Input += inputTokens
	m.Tokens.Output += outputTokens
	m.Tokens.Total += inputTokens + outputTokens
	p.Models[model] = m
	l.providers[provider] = p
}

// Snapshot returns an immutable deep copy of the current totals.
func (l *Ledger) Snapshot() Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Session{
		TotalCost:       l.totalCost,
		APICalls:        l.calls,
		TokensUsed:      l.tokens,
		DurationSeconds: time.Since(l.start).Seconds(),
		Providers:       make(map[string]ProviderUsage, len(l.providers)),
	}
	for name, p := range l.providers {
		cp := ProviderUsage{Cost: p.Cost, Calls: p.Calls, Models: make(map[string]ModelUsage, len(p.Models))}
		for model, m := range p.Models {
			cp.Models[model] = m
		}
		s.Providers[name] = cp
	}
	return s
}
