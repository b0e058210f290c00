// Package orchestrator drives whole-tree generation: level by level, with a
// bounded worker pool inside each level and a strict barrier between levels.
// A level's artifact is persisted before the next level starts, so a killed
// run always resumes from a complete prefix of levels.
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
	"worldtree/internal/cost"
	"worldtree/internal/retry"
	"worldtree/internal/runstore"
)

// DefaultMaxConcurrent bounds in-flight API calls per level.
const DefaultMaxConcurrent = 5

type errBox struct{ err error }

// RunConfig is the shape of one generation run.
type RunConfig struct {
	NumActors    int // breadth at level 0
	NumSubactors int // breadth at every deeper level
	TargetDepth  int // deepest level to generate
}

// Orchestrator expands one tree. Fields are set once before Run and not
// touched after; the retry controller and ledger carry all mutable state.
type Orchestrator struct {
	Retry  *retry.Controller
	Store  *runstore.Store
	Ledger *cost.Ledger
	Logger *zap.Logger

	Provider      string
	Model         string
	MaxConcurrent int
	SkipOnError   bool

	// Progress receives coarse percentage updates during Run. Optional.
	Progress func(pct int, message string)
}

func (o *Orchestrator) maxConcurrent() int {
	if o.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return o.MaxConcurrent
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Orchestrator) progress(pct int, message string) {
	if o.Progress != nil {
		o.Progress(pct, message)
	}
}

// GenerateLevel expands every parent at one level, attaching accepted
// children in place. Results land in input order no matter how the pool
// schedules them. A fatal error stops new dispatches but lets in-flight
// calls run to completion before returning.
func (o *Orchestrator) GenerateLevel(ctx context.Context, parents []*actor.Actor, level, breadth int) (runstore.GenerationStats, error) {
	log := o.logger().With(zap.Int("level", level))
	stats := runstore.GenerationStats{TotalActors: len(parents)}

	results := make([][]actor.Actor, len(parents))
	failures := make([]error, len(parents))

	var fatal atomic.Bool
	var fatalErr atomic.Value // holds errBox; atomic.Value needs one concrete type

	g := new(errgroup.Group)
	g.SetLimit(o.maxConcurrent())

	dispatched := 0
	for i, parent := range parents {
		if ctx.Err() != nil || fatal.Load() {
			break
		}
		dispatched++
		i, parent := i, parent
		g.Go(func() error {
			children, usage, err := o.Retry.Expand(ctx, parent, level, breadth)
			if err != nil {
				failures[i] = err
				log.Warn("node expansion failed",
					zap.String("node", parent.Name),
					zap.Int("attempts", usage.Attempts),
					zap.Error(err))

				var exhausted *retry.NodeExhaustedError
				if errors.As(err, &exhausted) && o.SkipOnError {
					return nil
				}
				fatal.Store(true)
				fatalErr.Store(errBox{err})
				return nil
			}
			results[i] = children
			log.Debug("node expanded",
				zap.String("node", parent.Name),
				zap.Int("children", len(children)),
				zap.Int("attempts", usage.Attempts))
			return nil
		})
	}
	g.Wait()

	for i, parent := range parents {
		switch {
		case results[i] != nil:
			parent.Children = results[i]
			stats.Successful++
			stats.TotalChildren += len(results[i])
			if len(results[i]) > 0 {
				stats.ActorsWithChildren++
			}
		case failures[i] != nil:
			parent.ErrorFlag = true
			stats.Failed++
		}
	}
	if stats.TotalActors > 0 {
		stats.AvgChildrenPerActor = float64(stats.TotalChildren) / float64(stats.TotalActors)
	}

	if box, ok := fatalErr.Load().(errBox); ok {
		return stats, box.err
	}
	if dispatched < len(parents) {
		return stats, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// Run generates a complete tree: roots at level 0, then one expansion level
// at a time up to cfg.TargetDepth, persisting each level before advancing.
// The returned folder is valid even when Run fails partway; completed level
// artifacts are never discarded.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (string, error) {
	log := o.logger()

	folder, err := o.Store.AllocateRun(time.Now(), o.Provider, o.Model)
	if err != nil {
		return "", err
	}
	log.Info("run started",
		zap.String("folder", folder),
		zap.String("provider", o.Provider),
		zap.String("model", o.Model),
		zap.Int("target_depth", cfg.TargetDepth))

	fail := func(err error) (string, error) {
		if merr := o.Store.MarkStatus(folder, runstore.StatusFailed); merr != nil {
			log.Warn("failed to mark run failed", zap.Error(merr))
		}
		return folder, err
	}

	o.progress(0, "generating root actors")
	roots, usage, err := o.Retry.Expand(ctx, nil, 0, cfg.NumActors)
	if err != nil {
		return fail(fmt.Errorf("root generation failed: %w", err))
	}
	log.Info("roots generated", zap.Int("actors", len(roots)), zap.Int("attempts", usage.Attempts))

	rootStats := runstore.GenerationStats{
		TotalActors: len(roots),
		Successful:  len(roots),
	}
	if err := o.saveLevel(folder, 0, roots, rootStats); err != nil {
		return fail(err)
	}

	for level := 1; level <= cfg.TargetDepth; level++ {
		o.progress(100*level/(cfg.TargetDepth+1), fmt.Sprintf("expanding level %d", level))

		parents := actor.LeavesAt(roots, level-1)
		stats, lerr := o.GenerateLevel(ctx, parents, level, cfg.NumSubactors)

		// Whatever the level accumulated is persisted before the error
		// propagates.
		if serr := o.saveLevel(folder, level, roots, stats); serr != nil {
			if lerr == nil {
				return fail(serr)
			}
			log.Warn("failed to persist partial level", zap.Int("level", level), zap.Error(serr))
		}
		if lerr != nil {
			return fail(fmt.Errorf("level %d failed: %w", level, lerr))
		}

		log.Info("level completed",
			zap.Int("level", level),
			zap.Int("children", stats.TotalChildren),
			zap.Int("failed", stats.Failed))
	}

	if err := o.Store.MarkStatus(folder, runstore.StatusCompleted); err != nil {
		log.Warn("failed to mark run completed", zap.Error(err))
	}
	o.progress(100, "completed")
	log.Info("run completed", zap.String("folder", folder))
	return folder, nil
}

func (o *Orchestrator) saveLevel(folder string, level int, roots []actor.Actor, stats runstore.GenerationStats) error {
	parentFile := ""
	if level > 0 {
		parentFile = runstore.LevelFileName(level - 1)
	}
	artifact := &runstore.LevelArtifact{
		Metadata: runstore.Metadata{
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
			RunFolder:       folder,
			ModelProvider:   o.Provider,
			ModelName:       o.Model,
			Level:           level,
			ParentFile:      parentFile,
			GenerationStats: stats,
			CostTracking:    o.Ledger.Snapshot(),
		},
		Actors:     roots,
		TotalCount: len(roots),
	}
	return o.Store.SaveLevel(folder, artifact)
}
