// Package retry drives repeated expansion attempts for a single node. The
// controller owns the recovery policy: what to change between attempts
// (breadth, prompt, provider) is decided here, never in the provider clients
// and never in the orchestrator.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"worldtree/internal/actor"
	"worldtree/internal/cost"
	"worldtree/internal/llm"
	"worldtree/internal/prompt"
	"worldtree/internal/validate"
)

// DefaultMaxAttempts bounds token spend per node.
const DefaultMaxAttempts = 3

const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// NodeExhaustedError marks a node whose attempt budget ran out. The
// orchestrator decides whether that skips the node or aborts the run.
type NodeExhaustedError struct {
	Node     string
	Attempts int
	LastErr  error
}

func (e *NodeExhaustedError) Error() string {
	return fmt.Sprintf("node %q exhausted after %d attempts: %v", e.Node, e.Attempts, e.LastErr)
}

func (e *NodeExhaustedError) Unwrap() error { return e.LastErr }

// Usage summarizes what one node's expansion consumed across all attempts.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
	Attempts     int
}

// Controller runs the per-node attempt state machine. Primary is required;
// Fallback is optional and engaged on repeated transient failures or a
// missing model. All fields are read-only after construction, so one
// controller is shared by every worker in a level.
type Controller struct {
	Primary       llm.Client
	PrimaryModel  string
	Fallback      llm.Client
	FallbackModel string

	Builder prompt.Builder
	Ledger  *cost.Ledger
	Prices  cost.PriceTable
	Logger  *zap.Logger

	MaxAttempts int
	MaxTokens   int
	Temperature float64

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (c *Controller) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

func (c *Controller) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Expand generates children for parent. A nil parent requests the synthetic
// root expansion at level 0. Breadth may shrink across attempts but the
// returned children are always from a single accepted response.
func (c *Controller) Expand(ctx context.Context, parent *actor.Actor, level, breadth int) ([]actor.Actor, Usage, error) {
	nodeName := "<root>"
	wantParent := ""
	if parent != nil {
		nodeName = parent.Name
		wantParent = parent.Name
	}

	var children []actor.Actor
	usage, err := c.attempt(ctx, nodeName, func(reinforced bool, width int) (string, string) {
		system, user := c.Builder.Build(parent, level, width)
		if reinforced {
			system = c.Builder.Reinforce(system)
		}
		return system, user
	}, breadth, func(text string) error {
		parsed, perr := parseExpansion(text, parent, wantParent, level)
		if perr != nil {
			return perr
		}
		children = parsed
		return nil
	})
	if err != nil {
		return nil, usage, err
	}
	return children, usage, nil
}

// Parameters generates n analysis parameters for a single actor, under the
// same attempt budget and recovery policy as Expand.
func (c *Controller) Parameters(ctx context.Context, a *actor.Actor, n int) ([]actor.Parameter, Usage, error) {
	var params []actor.Parameter
	usage, err := c.attempt(ctx, a.Name, func(reinforced bool, _ int) (string, string) {
		system, user := c.Builder.Parameters(a, n)
		if reinforced {
			system = c.Builder.Reinforce(system)
		}
		return system, user
	}, n, func(text string) error {
		parsed, perr := validate.Parameters(text, n)
		if perr != nil {
			return perr
		}
		params = parsed
		return nil
	})
	if err != nil {
		return nil, usage, err
	}
	return params, usage, nil
}

func parseExpansion(text string, parent *actor.Actor, wantParent string, level int) ([]actor.Actor, error) {
	if parent == nil {
		return validate.Roots(text)
	}
	return validate.Children(text, wantParent, level)
}

// attempt is the shared state machine. buildPrompt receives the current
// reinforcement flag and breadth; parse accepts or rejects the raw text.
func (c *Controller) attempt(
	ctx context.Context,
	nodeName string,
	buildPrompt func(reinforced bool, breadth int) (system, user string),
	breadth int,
	parse func(text string) error,
) (Usage, error) {
	log := c.logger().With(zap.String("node", nodeName))

	client := c.Primary
	model := c.PrimaryModel
	onFallback := false
	reinforced := false
	transientFailures := 0

	var usage Usage
	var lastErr error

	budget := c.maxAttempts()
	for attemptNo := 0; attemptNo < budget; attemptNo++ {
		if err := ctx.Err(); err != nil {
			return usage, err
		}
		usage.Attempts++

		system, user := buildPrompt(reinforced, breadth)
		resp, err := client.Call(ctx, llm.Request{
			Model:       model,
			System:      system,
			Prompt:      user,
			MaxTokens:   c.MaxTokens,
			Temperature: c.Temperature,
		})

		if resp != nil {
			// Billed tokens are attributed even when the attempt fails
			// validation afterwards.
			dollars := c.Prices.Cost(client.Provider(), model, resp.InputTokens, resp.OutputTokens)
			if c.Ledger != nil {
				c.Ledger.Record(client.Provider(), model, resp.InputTokens, resp.OutputTokens, dollars)
			}
			usage.InputTokens += resp.InputTokens
			usage.OutputTokens += resp.OutputTokens
			usage.Cost += dollars
		}

		if err != nil {
			lastErr = err
			kind := llm.ErrKind(err)
			log.Warn("api call failed",
				zap.Int("attempt", usage.Attempts),
				zap.String("kind", string(kind)),
				zap.Error(err))

			switch kind {
			case llm.KindAuth:
				return usage, fmt.Errorf("authentication failed, aborting: %w", err)

			case llm.KindModelNotFound:
				if !onFallback && c.Fallback != nil {
					client, model, onFallback = c.Fallback, c.FallbackModel, true
					continue
				}
				return usage, fmt.Errorf("model not found and no fallback available: %w", err)

			case llm.KindRateLimit, llm.KindConnection:
				transientFailures++
				if transientFailures > 1 && !onFallback && c.Fallback != nil {
					client, model, onFallback = c.Fallback, c.FallbackModel, true
				}
				if werr := c.wait(ctx, attemptNo); werr != nil {
					return usage, werr
				}
				continue

			default:
				if werr := c.wait(ctx, attemptNo); werr != nil {
					return usage, werr
				}
				continue
			}
		}

		if perr := parse(resp.Text); perr != nil {
			lastErr = perr

			var trunc *validate.TruncatedError
			var schema *validate.SchemaError
			switch {
			case errors.As(perr, &trunc):
				next := breadth / 2
				if next < 1 {
					next = 1
				}
				log.Warn("response truncated, shrinking request",
					zap.Int("attempt", usage.Attempts),
					zap.Int("breadth", breadth),
					zap.Int("next_breadth", next))
				breadth = next
			case errors.As(perr, &schema):
				log.Warn("schema validation failed, reinforcing prompt",
					zap.Int("attempt", usage.Attempts),
					zap.Error(perr))
				reinforced = true
			default:
				log.Warn("unexpected validation failure",
					zap.Int("attempt", usage.Attempts),
					zap.Error(perr))
			}
			continue
		}

		return usage, nil
	}

	return usage, &NodeExhaustedError{Node: nodeName, Attempts: usage.Attempts, LastErr: lastErr}
}

// wait sleeps for the backoff interval of the given attempt, or returns early
// if the context is done.
func (c *Controller) wait(ctx context.Context, attemptNo int) error {
	d := time.Duration(1<<uint(attemptNo)) * backoffBase
	if d > backoffCap {
		d = backoffCap
	}
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
