package main

import (
	"conductor/cache"
	"conductor/config"
	"conductor/depgraph"
	"conductor/log"
	"conductor/plan"
	"conductor/pool"
	"conductor/runner"
	"conductor/status"
	"conductor/ui"
	"context"
	"fmt"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"

	commandFlag   string
	workersFlag   int
	noCacheFlag   bool
	speculateFlag bool
	monitorFlag   bool
	timeoutFlag   time.Duration

	rootCmd = &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - a dependency-aware plan executor",
		Long: "Conductor runs markdown plans through a priority worker pool: tasks\n" +
			"are dispatched as their dependencies complete, failed tasks are retried,\n" +
			"and linear plans are speculatively prefetched into a result cache.",
	}

	runCmd = &cobra.Command{
		Use:   "run <plan.md>",
		Short: "Execute a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()
			return runPlan(cmd.Context(), args[0])
		},
	}

	validateCmd = &cobra.Command{
		Use:   "validate <plan.md>",
		Short: "Parse a plan and check its dependency graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()
			return validatePlan(args[0])
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the latest run",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()
			return showStatus()
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor version %s\n", version)
		},
	}
)

func init() {
	runCmd.Flags().StringVarP(&commandFlag, "command", "c", "",
		"Command invoked for each task (overrides the configured task command)")
	runCmd.Flags().IntVarP(&workersFlag, "workers", "w", 0,
		"Maximum concurrent tasks (overrides the configured value)")
	runCmd.Flags().BoolVar(&noCacheFlag, "no-cache", false,
		"Disable the result cache for this run")
	runCmd.Flags().BoolVar(&speculateFlag, "speculate", false,
		"Force speculative prefetching even when the config disables it")
	runCmd.Flags().BoolVarP(&monitorFlag, "monitor", "m", false,
		"Show the live task monitor while the plan runs")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0,
		"Per-task timeout (overrides the configured value)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runPlan(ctx context.Context, planPath string) error {
	cfg := config.LoadConfig()
	if workersFlag > 0 {
		cfg.MaxConcurrent = workersFlag
	}
	if commandFlag != "" {
		cfg.TaskCommand = commandFlag
	}
	if noCacheFlag {
		cfg.EnableCache = false
	}
	if speculateFlag {
		cfg.EnableSpeculation = true
	}

	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}

	store, err := statusStore()
	if err != nil {
		return err
	}

	workers, watcher, err := buildPool(cfg)
	if err != nil {
		return err
	}
	if err := workers.Start(); err != nil {
		return err
	}
	defer func() {
		if watcher != nil {
			watcher.Stop()
		}
		if err := workers.Shutdown(false, 30*time.Second); err != nil {
			log.WarningLog.Printf("pool shutdown: %v", err)
		}
	}()

	taskTimeout := timeoutFlag
	if taskTimeout == 0 {
		taskTimeout = time.Duration(cfg.TaskTimeoutMs) * time.Millisecond
	}
	r, err := runner.New(p, workers, store, runner.Config{
		Invoker:           &runner.CommandInvoker{Command: cfg.TaskCommand, Timeout: taskTimeout},
		EnableSpeculation: cfg.EnableSpeculation,
		LookAhead:         cfg.LookAhead,
	})
	if err != nil {
		return err
	}

	if monitorFlag {
		return runWithMonitor(ctx, r, p, workers)
	}

	result, err := r.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Print(result.Report())
	return nil
}

// runWithMonitor runs the plan behind a live bubbletea view. The runner
// executes in a goroutine and hands the monitor its summary when done.
func runWithMonitor(ctx context.Context, r *runner.Runner, p *plan.Plan, workers *pool.Pool) error {
	title := p.Title
	if title == "" {
		title = filepath.Base(p.Path)
	}
	monitor := ui.NewMonitor(title, r.Graph(), workers)
	program := tea.NewProgram(monitor)

	resultCh := make(chan *runner.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := r.Run(ctx)
		if err != nil {
			errCh <- err
			program.Send(ui.RunFinishedMsg{Summary: err.Error()})
			return
		}
		resultCh <- result
		program.Send(ui.RunFinishedMsg{Summary: result.Report()})
	}()

	if _, err := program.Run(); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case result := <-resultCh:
		fmt.Print(result.Report())
		return nil
	default:
		// The user quit the view before the run finished; the deferred
		// shutdown drains what is still active.
		return nil
	}
}

func validatePlan(planPath string) error {
	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}

	g, err := p.Graph()
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d phases, %d tasks (%d completed)\n",
		planPath, len(p.Phases), p.TaskCount(), p.CompletedCount())
	ready := g.GetReadyTasks(0, depgraph.ReadyOptions{})
	fmt.Printf("ready now: %v\n", ready)
	for _, blocked := range g.GetBlockedTasks() {
		for _, dep := range blocked.Unmet {
			fmt.Printf("blocked: %s waiting on %s (%s)\n", blocked.ID, dep.ID, dep.Status)
		}
	}
	return nil
}

func showStatus() error {
	store, err := statusStore()
	if err != nil {
		return err
	}

	run, err := store.LatestRun()
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("no runs recorded")
		return nil
	}

	state := "running"
	if run.Finished() {
		state = fmt.Sprintf("finished %s", run.CompletedAt.Format(time.RFC3339))
	}
	fmt.Printf("run %s  %s  (%s)\n", run.ID, run.PlanPath, state)
	for taskStatus, count := range run.Counts() {
		fmt.Printf("  %-12s %d\n", taskStatus, count)
	}
	return nil
}

func statusStore() (*status.Store, error) {
	configDir, err := config.GetConfigDir()
	if err != nil {
		return nil, err
	}
	return status.NewStore(filepath.Join(configDir, "status.json"))
}

// buildPool assembles the worker pool, its persistent result cache and the
// watcher that eagerly invalidates entries when tracked files change.
func buildPool(cfg *config.Config) (*pool.Pool, *cache.Watcher, error) {
	poolCfg := pool.DefaultConfig()
	poolCfg.MaxConcurrent = cfg.MaxConcurrent
	poolCfg.MinConcurrent = cfg.MinConcurrent
	poolCfg.HealthCheckInterval = time.Duration(cfg.HealthCheckIntervalMs) * time.Millisecond
	poolCfg.ErrorRateThreshold = cfg.ErrorRateThreshold
	poolCfg.TimeoutRateThreshold = cfg.TimeoutRateThreshold
	poolCfg.MaxRetries = cfg.MaxRetries
	poolCfg.RetryDelay = time.Duration(cfg.RetryDelayMs) * time.Millisecond
	poolCfg.EnableCache = cfg.EnableCache
	poolCfg.CacheTTL = time.Duration(cfg.CacheTTLMs) * time.Millisecond

	var watcher *cache.Watcher
	if cfg.EnableCache {
		configDir, err := config.GetConfigDir()
		if err != nil {
			return nil, nil, err
		}
		store := cache.NewStore(cache.StoreConfig{
			TTL:             poolCfg.CacheTTL,
			PersistencePath: filepath.Join(configDir, "cache.json"),
		})
		poolCfg.Cache = store

		watcher, err = cache.NewWatcher(store)
		if err != nil {
			log.WarningLog.Printf("cache watcher unavailable: %v", err)
			watcher = nil
		} else if err := watcher.Start(); err != nil {
			log.WarningLog.Printf("cache watcher failed to start: %v", err)
			watcher = nil
		}
	}

	p, err := pool.New(poolCfg)
	if err != nil {
		return nil, nil, err
	}
	return p, watcher, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
	}
}
