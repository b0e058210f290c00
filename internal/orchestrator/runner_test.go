package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"worldtree/internal/config"
	"worldtree/internal/cost"
	"worldtree/internal/llm"
	"worldtree/internal/retry"
	"worldtree/internal/runstore"
)

func newTestRunner(t *testing.T, respond func(llm.Request) (*llm.Response, error)) *Runner {
	t.Helper()
	store, err := runstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	r := NewRunner(cfg, store, zap.NewNop())
	r.buildController = func(ledger *cost.Ledger) (*retry.Controller, error) {
		return &retry.Controller{
			Primary:      &stubClient{provider: "anthropic", respond: respond},
			PrimaryModel: cfg.LLM.Model,
			Ledger:       ledger,
			Prices:       cost.DefaultPrices(),
		}, nil
	}
	return r
}

func TestRunner_StartGenerationToCompletion(t *testing.T) {
	r := newTestRunner(t, func(req llm.Request) (*llm.Response, error) {
		if parent := parentOf(req.Prompt); parent != "" {
			return &llm.Response{Text: childrenJSON(parent, 2)}, nil
		}
		return &llm.Response{Text: rootsJSON("Alpha")}, nil
	})

	handle, err := r.StartGeneration(RunConfig{NumActors: 1, NumSubactors: 2, TargetDepth: 1})
	if err != nil {
		t.Fatalf("StartGeneration failed: %v", err)
	}
	r.Wait()

	status, err := r.Status(handle)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateCompleted || status.Progress != 100 {
		t.Errorf("status = %+v", status)
	}
	if status.RunFolder == "" {
		t.Error("completed status missing run folder")
	}

	rec, err := r.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if rec.Folder != status.RunFolder || rec.Levels != 2 {
		t.Errorf("record = %+v", rec)
	}

	art, err := r.LevelData(rec.Folder, 1)
	if err != nil {
		t.Fatalf("LevelData failed: %v", err)
	}
	if len(art.Actors) != 1 || len(art.Actors[0].Children) != 2 {
		t.Errorf("artifact shape: %+v", art.Actors)
	}
}

func TestRunner_RejectsConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	r := newTestRunner(t, func(req llm.Request) (*llm.Response, error) {
		<-release
		return &llm.Response{Text: rootsJSON("Alpha")}, nil
	})

	if _, err := r.StartGeneration(RunConfig{NumActors: 1, TargetDepth: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.StartGeneration(RunConfig{NumActors: 1, TargetDepth: 0}); err != ErrBusy {
		t.Errorf("second start: err = %v, want ErrBusy", err)
	}
	close(release)
	r.Wait()
}

func TestRunner_UnknownHandle(t *testing.T) {
	r := newTestRunner(t, func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: rootsJSON("Alpha")}, nil
	})
	if _, err := r.Status("nope"); err == nil {
		t.Fatal("expected error for unknown handle")
	}
}

func TestRunner_StopCancelsRun(t *testing.T) {
	started := make(chan struct{}, 1)
	r := newTestRunner(t, func(req llm.Request) (*llm.Response, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(20 * time.Millisecond)
		return &llm.Response{Text: rootsJSON("Alpha")}, nil
	})

	handle, err := r.StartGeneration(RunConfig{NumActors: 1, NumSubactors: 2, TargetDepth: 3})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	r.Stop()
	r.Wait()

	status, err := r.Status(handle)
	if err != nil {
		t.Fatal(err)
	}
	if status.State == StateRunning {
		t.Errorf("run still marked running after Stop")
	}
}

func TestRunner_GenerateParameters(t *testing.T) {
	paramsJSON := `[{"code_name": "reach", "name": "Reach", "description": "d", "type": "int", "expected_value": "1-10"}]`
	r := newTestRunner(t, func(req llm.Request) (*llm.Response, error) {
		if parent := parentOf(req.Prompt); parent != "" {
			return &llm.Response{Text: childrenJSON(parent, 1)}, nil
		}
		if strings.Contains(req.Prompt, "most important parameters") {
			return &llm.Response{Text: paramsJSON}, nil
		}
		return &llm.Response{Text: rootsJSON("Alpha")}, nil
	})

	if _, err := r.StartGeneration(RunConfig{NumActors: 1, NumSubactors: 1, TargetDepth: 1}); err != nil {
		t.Fatal(err)
	}
	r.Wait()

	file, err := r.GenerateParameters(context.Background(), 1)
	if err != nil {
		t.Fatalf("GenerateParameters failed: %v", err)
	}
	if file != "Features_level_1_with_params.json" {
		t.Errorf("file = %q", file)
	}
}
