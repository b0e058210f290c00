package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"worldtree/internal/config"
	"worldtree/internal/cost"
	"worldtree/internal/llm"
	"worldtree/internal/retry"
	"worldtree/internal/runstore"
)

// ErrBusy is returned when a generation run is already in flight.
var ErrBusy = errors.New("a generation run is already in progress")

// State is the lifecycle position of the runner.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// RunHandle identifies one started run.
type RunHandle string

// Status is a point-in-time view of a run.
type Status struct {
	State     State
	Progress  int // 0-100
	Message   string
	RunFolder string
}

// Runner is the control surface over the orchestrator: it starts runs in the
// background, tracks their status, and answers queries about stored runs.
// One run at a time; a second StartGeneration while running returns ErrBusy.
type Runner struct {
	cfg    *config.Config
	store  *runstore.Store
	logger *zap.Logger

	// buildController is replaced in tests to avoid real provider clients.
	buildController func(ledger *cost.Ledger) (*retry.Controller, error)

	mu      sync.Mutex
	handle  RunHandle
	status  Status
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner over the given config and store.
func NewRunner(cfg *config.Config, store *runstore.Store, logger *zap.Logger) *Runner {
	r := &Runner{
		cfg:    cfg,
		store:  store,
		logger: logger,
		status: Status{State: StateIdle},
	}
	r.buildController = r.defaultController
	return r
}

func (r *Runner) defaultController(ledger *cost.Ledger) (*retry.Controller, error) {
	c := r.cfg
	primary, err := llm.New(c.LLM.Provider, llm.Config{
		APIKey:  c.LLM.APIKey,
		BaseURL: c.LLM.BaseURL,
		Timeout: c.GetLLMTimeout(),
	})
	if err != nil {
		return nil, err
	}

	ctrl := &retry.Controller{
		Primary:      primary,
		PrimaryModel: c.LLM.Model,
		Ledger:       ledger,
		Prices:       c.Prices(),
		Logger:       r.logger,
		MaxAttempts:  c.Generation.MaxAttempts,
		MaxTokens:    c.LLM.MaxTokens,
		Temperature:  c.LLM.Temperature,
	}

	if c.LLM.FallbackProvider != "" {
		fallback, err := llm.New(c.LLM.FallbackProvider, llm.Config{Timeout: c.GetLLMTimeout()})
		if err != nil {
			return nil, fmt.Errorf("fallback provider: %w", err)
		}
		ctrl.Fallback = fallback
		ctrl.FallbackModel = c.LLM.FallbackModel
	}
	return ctrl, nil
}

func (r *Runner) newOrchestrator(ledger *cost.Ledger) (*Orchestrator, error) {
	ctrl, err := r.buildController(ledger)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		Retry:         ctrl,
		Store:         r.store,
		Ledger:        ledger,
		Logger:        r.logger,
		Provider:      r.cfg.LLM.Provider,
		Model:         r.cfg.LLM.Model,
		MaxConcurrent: r.cfg.Generation.MaxConcurrent,
		SkipOnError:   r.cfg.Generation.SkipOnError,
		Progress:      r.setProgress,
	}, nil
}

// StartGeneration launches a run in the background and returns its handle.
func (r *Runner) StartGeneration(cfg RunConfig) (RunHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.State == StateRunning {
		return "", ErrBusy
	}

	orch, err := r.newOrchestrator(cost.NewLedger())
	if err != nil {
		return "", err
	}

	handle := RunHandle(uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())
	r.handle = handle
	r.cancel = cancel
	r.status = Status{State: StateRunning, Message: "starting"}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		folder, runErr := orch.Run(ctx, cfg)
		r.finish(folder, runErr)
	}()
	return handle, nil
}

func (r *Runner) setProgress(pct int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.State == StateRunning {
		r.status.Progress = pct
		r.status.Message = message
	}
}

func (r *Runner) finish(folder string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.RunFolder = folder
	if err != nil {
		r.status.State = StateFailed
		r.status.Message = err.Error()
		return
	}
	r.status.State = StateCompleted
	r.status.Progress = 100
	r.status.Message = "completed"
}

// Status reports the state of a run. Handles from finished runs keep
// answering until a new run starts.
func (r *Runner) Status(handle RunHandle) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handle != r.handle {
		return Status{}, fmt.Errorf("unknown run handle: %s", handle)
	}
	return r.status, nil
}

// Stop cancels the in-flight run, if any. In-flight API calls finish or time
// out; completed level data is persisted by the run itself.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current run finishes.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// GenerateParameters runs the parameter-analysis pass synchronously against
// the latest stored run.
func (r *Runner) GenerateParameters(ctx context.Context, numParams int) (string, error) {
	r.mu.Lock()
	if r.status.State == StateRunning {
		r.mu.Unlock()
		return "", ErrBusy
	}
	r.mu.Unlock()

	orch, err := r.newOrchestrator(cost.NewLedger())
	if err != nil {
		return "", err
	}
	return orch.GenerateParameters(ctx, ParamsConfig{NumParameters: numParams})
}

// LatestRun returns the most recent run on disk.
func (r *Runner) LatestRun() (*runstore.RunRecord, error) {
	return r.store.LatestRun()
}

// LevelData loads one stored level artifact.
func (r *Runner) LevelData(folder string, level int) (*runstore.LevelArtifact, error) {
	return r.store.LoadLevel(folder, level)
}
