package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"worldtree/internal/config"
	"worldtree/internal/orchestrator"
	"worldtree/internal/runstore"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Generate flags
	flagProvider  string
	flagModel     string
	flagActors    int
	flagSubactors int
	flagDepth     int
	flagNoSkip    bool

	// Params flags
	flagNumParams int

	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "worldtree",
	Short: "worldtree - LLM-driven influence tree generator",
	Long: `worldtree builds a multi-level tree of the world's most influential
actors by repeatedly prompting an LLM to expand each node into its most
influential sub-entities.

Each completed level is persisted as an append-only JSON artifact with full
provenance: timing, token usage, and dollar cost.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// generateCmd runs a full tree generation
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new influence tree",
	Long: `Generates a complete influence tree: root actors at level 0, then one
expansion level at a time up to the target depth.

Each level is persisted before the next one starts, so an interrupted run
keeps everything it completed. Ctrl-C stops new expansions, lets in-flight
API calls finish, and persists the partial level.

Example:
  worldtree generate --provider anthropic --actors 10 --subactors 8 --depth 2`,
	RunE: runGenerate,
}

// paramsCmd annotates the latest run with analysis parameters
var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Attach analysis parameters to the latest run",
	Long: `Loads the deepest level of the most recent run and asks the model for
a set of analysis parameters for every actor in the tree. The annotated copy
is written next to the source artifact; the source is never modified.`,
	RunE: runParams,
}

// runsCmd inspects stored runs
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show the latest stored run",
	RunE:  runRuns,
}

// levelCmd dumps one level artifact
var levelCmd = &cobra.Command{
	Use:   "level [folder] [level]",
	Short: "Print one stored level artifact as JSON",
	Args:  cobra.ExactArgs(2),
	RunE:  runLevel,
}

func loadSetup() (*config.Config, *runstore.Store, *orchestrator.Runner, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if flagProvider != "" {
		cfg.LLM.Provider = flagProvider
	}
	if flagModel != "" {
		cfg.LLM.Model = flagModel
	}
	if flagActors > 0 {
		cfg.Generation.NumActors = flagActors
	}
	if flagSubactors > 0 {
		cfg.Generation.NumSubactors = flagSubactors
	}
	if flagDepth >= 0 {
		cfg.Generation.TargetDepth = flagDepth
	}
	if flagNoSkip {
		cfg.Generation.SkipOnError = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	store, err := runstore.NewStore(cfg.Output.Dir)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, store, orchestrator.NewRunner(cfg, store, logger), nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, store, runner, err := loadSetup()
	if err != nil {
		return err
	}
	defer store.Close()

	handle, err := runner.StartGeneration(orchestrator.RunConfig{
		NumActors:    cfg.Generation.NumActors,
		NumSubactors: cfg.Generation.NumSubactors,
		TargetDepth:  cfg.Generation.TargetDepth,
	})
	if err != nil {
		return err
	}

	// Ctrl-C cancels the run; completed levels stay on disk.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		runner.Wait()
		close(done)
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "interrupted, finishing in-flight calls...")
			runner.Stop()
		case <-ticker.C:
			if status, serr := runner.Status(handle); serr == nil {
				fmt.Printf("  %3d%%  %s\n", status.Progress, status.Message)
			}
		case <-done:
			status, serr := runner.Status(handle)
			if serr != nil {
				return serr
			}
			if status.State == orchestrator.StateFailed {
				return fmt.Errorf("run failed: %s", status.Message)
			}
			fmt.Printf("run completed: %s\n", status.RunFolder)
			return nil
		}
	}
}

func runParams(cmd *cobra.Command, args []string) error {
	cfg, store, runner, err := loadSetup()
	if err != nil {
		return err
	}
	defer store.Close()

	n := cfg.Generation.NumParameters
	if flagNumParams > 0 {
		n = flagNumParams
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	file, err := runner.GenerateParameters(ctx, n)
	if err != nil {
		return err
	}
	fmt.Printf("parameters written: %s\n", file)
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	_, store, runner, err := loadSetup()
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := runner.LatestRun()
	if err != nil {
		return err
	}
	fmt.Printf("folder:   %s\nstatus:   %s\nlevels:   %d\n", rec.Folder, rec.Status, rec.Levels)
	if rec.Provider != "" {
		fmt.Printf("provider: %s\nmodel:    %s\n", rec.Provider, rec.Model)
	}
	return nil
}

func runLevel(cmd *cobra.Command, args []string) error {
	_, store, runner, err := loadSetup()
	if err != nil {
		return err
	}
	defer store.Close()

	var level int
	if _, err := fmt.Sscanf(args[1], "%d", &level); err != nil {
		return fmt.Errorf("invalid level %q", args[1])
	}

	art, err := runner.LevelData(args[0], level)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "worldtree.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	generateCmd.Flags().StringVar(&flagProvider, "provider", "", "LLM provider (anthropic, openai, gemini)")
	generateCmd.Flags().StringVar(&flagModel, "model", "", "model name")
	generateCmd.Flags().IntVar(&flagActors, "actors", 0, "number of root actors")
	generateCmd.Flags().IntVar(&flagSubactors, "subactors", 0, "children per actor")
	generateCmd.Flags().IntVar(&flagDepth, "depth", -1, "target depth")
	generateCmd.Flags().BoolVar(&flagNoSkip, "no-skip", false, "abort the run when a node exhausts its retries")

	paramsCmd.Flags().StringVar(&flagProvider, "provider", "", "LLM provider (anthropic, openai, gemini)")
	paramsCmd.Flags().StringVar(&flagModel, "model", "", "model name")
	paramsCmd.Flags().IntVar(&flagNumParams, "count", 0, "parameters per actor")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(paramsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(levelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
