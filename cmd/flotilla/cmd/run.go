package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flotilla-ai/flotilla/internal/config"
	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/decompose"
	"github.com/flotilla-ai/flotilla/internal/events"
	"github.com/flotilla-ai/flotilla/internal/scheduler"
	"github.com/flotilla-ai/flotilla/internal/store"
	"github.com/flotilla-ai/flotilla/internal/swarm"
	"github.com/flotilla-ai/flotilla/internal/worker"
	"github.com/flotilla-ai/flotilla/internal/workspace"
)

var (
	runStrategy    string
	runMaxAgents   int
	runTimeout     time.Duration
	runTaskTimeout time.Duration
	runTopology    string
	runWorkspace   string
	runRetain      string
	runTeamFile    string
	runDryRun      bool
)

var runCmd = &cobra.Command{
	Use:   "run <objective>",
	Short: "Run an objective with a swarm of agents",
	Long: `Run decomposes the objective into tasks, spawns a team of agents and
executes the task graph. The command blocks until the swarm finishes;
Ctrl-C cancels gracefully.

Exit codes: 0 completed, 1 failed, 124 swarm timeout, 130 cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runSwarm,
}

func init() {
	runCmd.Flags().StringVarP(&runStrategy, "strategy", "s", "auto",
		"execution strategy (auto, research, development, analysis, testing, optimization, maintenance)")
	runCmd.Flags().IntVarP(&runMaxAgents, "max-agents", "a", 0,
		"maximum number of agents (default from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0,
		"overall swarm timeout (default from config)")
	runCmd.Flags().DurationVar(&runTaskTimeout, "task-timeout", 0,
		"per-task timeout (default from config)")
	runCmd.Flags().StringVarP(&runTopology, "topology", "t", "",
		"coordination topology (centralized, hierarchical, mesh, hybrid)")
	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", "",
		"workspace root directory")
	runCmd.Flags().StringVar(&runRetain, "retain", "",
		"workspace retention after the run (keep, archive, delete)")
	runCmd.Flags().StringVar(&runTeamFile, "team-file", "",
		"YAML file overriding the team composition")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false,
		"print the plan without spawning any workers")

	rootCmd.AddCommand(runCmd)
}

func runSwarm(cmd *cobra.Command, args []string) error {
	objective := strings.TrimSpace(args[0])
	strategy := core.Strategy(runStrategy)
	if !core.ValidStrategy(strategy) {
		return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("Error: unknown strategy %q", runStrategy)}
	}

	applyRunFlags(cmd)

	if runDryRun {
		return printPlan(objective, strategy)
	}

	opts, err := swarmOptions()
	if err != nil {
		return err
	}

	bus := events.NewBus(1024)
	defer bus.Close()

	supervisor := worker.NewSupervisor(bus, logger).
		WithBufferCap(cfg.Worker.BufferCapBytes).
		WithStallWindow(cfg.Worker.StallWindow).
		WithPreflight(worker.Preflight{
			Enabled:         cfg.Worker.Preflight,
			MinFreeMemoryMB: cfg.Worker.MinFreeMemoryMB,
		})

	coordinator := swarm.New(supervisor, bus, logger, opts)
	if cfg.Store.Persist && cfg.Store.SQLitePath != "" {
		kv, err := store.NewSQLiteKV(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		defer kv.Close()
		coordinator = coordinator.WithKV(kv)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := coordinator.RunObjective(ctx, objective, strategy)
	if err != nil {
		if core.IsKind(err, core.ErrKindInvalidInput) {
			return &ExitError{Code: ExitUsage, Message: "Error: " + err.Error()}
		}
		return err
	}

	printResult(res)

	switch res.Status {
	case core.ObjectiveStatusCompleted:
		return nil
	case core.ObjectiveStatusTimedOut:
		return &ExitError{Code: ExitTimeout}
	case core.ObjectiveStatusCancelled:
		return &ExitError{Code: ExitCancelled}
	default:
		return &ExitError{Code: ExitFailure}
	}
}

// applyRunFlags folds explicit CLI flags over the loaded config.
func applyRunFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("max-agents") {
		cfg.Swarm.MaxAgents = runMaxAgents
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Swarm.SwarmTimeout = runTimeout
	}
	if cmd.Flags().Changed("task-timeout") {
		cfg.Swarm.TaskTimeout = runTaskTimeout
	}
	if runTopology != "" {
		cfg.Swarm.Topology = runTopology
	}
	if runWorkspace != "" {
		cfg.Workspace.Root = runWorkspace
	}
	if runRetain != "" {
		cfg.Workspace.Retain = runRetain
	}
}

// swarmOptions maps the effective config onto coordinator options.
func swarmOptions() (swarm.Options, error) {
	opts := swarm.Options{
		MaxAgents:                  cfg.Swarm.MaxAgents,
		MaxConcurrentTasksPerAgent: cfg.Swarm.MaxConcurrentTasksPerAgent,
		TaskTimeout:                cfg.Swarm.TaskTimeout,
		SwarmTimeout:               cfg.Swarm.SwarmTimeout,
		Topology:                   core.Topology(cfg.Swarm.Topology),
		WorkspaceRoot:              cfg.Workspace.Root,
		FileCapBytes:               cfg.Workspace.FileCapBytes,
		Retain:                     workspace.TeardownPolicy(cfg.Workspace.Retain),
		MaxRunningTasks:            cfg.Swarm.MaxRunningTasks,
		StarvationThreshold:        cfg.Swarm.StarvationThreshold,
		Retry: scheduler.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BackoffBase: cfg.Retry.BackoffBase,
			BackoffCap:  cfg.Retry.BackoffCap,
		},
		Worker: swarm.WorkerOptions{
			Executable:   cfg.Worker.Path,
			BaseArgs:     cfg.Worker.Args,
			AllowedTools: cfg.Worker.AllowedTools,
			GraceTimeout: cfg.Worker.GraceTimeout,
		},
	}
	if runTeamFile != "" {
		team, err := config.LoadTeamFile(runTeamFile)
		if err != nil {
			return swarm.Options{}, &ExitError{Code: ExitUsage, Message: "Error: " + err.Error()}
		}
		opts.Team = team
	}
	return opts, nil
}

// printPlan shows what would run: the resolved strategy, the team and
// the task graph.
func printPlan(objective string, strategy core.Strategy) error {
	plan, err := decompose.Decompose(objective, strategy, cfg.Swarm.MaxAgents)
	if err != nil {
		if core.IsKind(err, core.ErrKindInvalidInput) {
			return &ExitError{Code: ExitUsage, Message: "Error: " + err.Error()}
		}
		return err
	}

	fmt.Printf("Objective: %s\n", objective)
	fmt.Printf("Strategy:  %s\n", plan.Strategy)
	fmt.Printf("Topology:  %s\n\n", cfg.Swarm.Topology)

	fmt.Printf("Team (%d agents):\n", len(plan.Team))
	for _, p := range plan.Team {
		fmt.Printf("  %-16s %-12s layer=%d  [%s]\n",
			p.Name, p.Type, p.Layer, strings.Join(p.Capabilities.Tags(), ", "))
	}

	fmt.Printf("\nTasks (%d):\n", len(plan.Tasks))
	for _, t := range plan.Tasks {
		deps := "-"
		if len(t.Dependencies) > 0 {
			parts := make([]string, len(t.Dependencies))
			for i, d := range t.Dependencies {
				parts[i] = string(d)
			}
			deps = strings.Join(parts, ", ")
		}
		fmt.Printf("  %-24s %-14s deps: %s\n", t.ID, t.Type, deps)
	}
	return nil
}

func printResult(res *swarm.ObjectiveResult) {
	fmt.Printf("\nSwarm %s %s in %s\n", res.SwarmID, res.Status, res.Duration.Round(time.Millisecond))

	statuses := make([]string, 0, len(res.TaskCounts))
	for status := range res.TaskCounts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Printf("  %-10s %d\n", status, res.TaskCounts[core.TaskStatus(status)])
	}

	fmt.Printf("\nOutput:   %s\n", res.OutputDir)
	fmt.Printf("Snapshot: %s\n", res.SnapshotPath)
}
