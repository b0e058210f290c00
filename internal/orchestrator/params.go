package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"worldtree/internal/actor"
	"worldtree/internal/retry"
	"worldtree/internal/runstore"
)

// ParamsConfig is the shape of one parameter-analysis pass.
type ParamsConfig struct {
	NumParameters int
}

// GenerateParameters loads the deepest level of the latest run, attaches
// analysis parameters to every actor in the tree, and writes the annotated
// copy next to the source artifact. The source artifact itself is never
// touched.
func (o *Orchestrator) GenerateParameters(ctx context.Context, cfg ParamsConfig) (string, error) {
	log := o.logger()

	rec, err := o.Store.LatestRun()
	if err != nil {
		return "", err
	}
	if rec.Levels == 0 {
		return "", fmt.Errorf("run %s has no level artifacts", rec.Folder)
	}
	deepest := rec.Levels - 1

	art, err := o.Store.LoadLevel(rec.Folder, deepest)
	if err != nil {
		return "", err
	}

	var all []*actor.Actor
	for i := range art.Actors {
		art.Actors[i].Walk(func(a *actor.Actor) error {
			all = append(all, a)
			return nil
		})
	}
	log.Info("parameter pass started",
		zap.String("folder", rec.Folder),
		zap.Int("level", deepest),
		zap.Int("actors", len(all)),
		zap.Int("parameters_per_actor", cfg.NumParameters))

	var fatal atomic.Bool
	var fatalErr atomic.Value
	var failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(o.maxConcurrent())
	for _, a := range all {
		if ctx.Err() != nil || fatal.Load() {
			break
		}
		a := a
		g.Go(func() error {
			params, usage, perr := o.Retry.Parameters(ctx, a, cfg.NumParameters)
			if perr != nil {
				failed.Add(1)
				log.Warn("parameter generation failed",
					zap.String("node", a.Name),
					zap.Int("attempts", usage.Attempts),
					zap.Error(perr))

				var exhausted *retry.NodeExhaustedError
				if errors.As(perr, &exhausted) && o.SkipOnError {
					return nil
				}
				fatal.Store(true)
				fatalErr.Store(errBox{perr})
				return nil
			}
			a.Parameters = params
			return nil
		})
	}
	g.Wait()

	if box, ok := fatalErr.Load().(errBox); ok {
		return "", fmt.Errorf("parameter pass aborted: %w", box.err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	art.Metadata.Timestamp = time.Now().UTC().Format(time.RFC3339)
	art.Metadata.ParentFile = runstore.LevelFileName(deepest)
	if o.Ledger != nil {
		art.Metadata.CostTracking = o.Ledger.Snapshot()
	}

	fileName := fmt.Sprintf("Features_level_%d_with_params.json", deepest)
	if err := o.Store.SaveLevelAs(rec.Folder, fileName, art); err != nil {
		return "", err
	}
	log.Info("parameter pass completed",
		zap.String("file", fileName),
		zap.Int64("failed", failed.Load()))
	return fileName, nil
}
