package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/config"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/control"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/engine"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/event"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/faultguard"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/githost"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/gitrepo"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/orchestrator"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/parallel"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/plan"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/progress"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/workflow"
)

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore returns the state store for the working directory.
func openStore(cfg *config.Config, logger *logging.Logger) (*state.Store, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return state.NewStore(cfg.State.ResolveStateDir(cwd),
		state.WithLogger(logger),
		state.WithKeepLogs(cfg.State.KeepLogs),
		state.WithMaxBackups(cfg.State.MaxBackups),
	), nil
}

// newManager builds the control manager used by the lifecycle commands.
func newManager(cfg *config.Config, opts ...control.Option) (*control.Manager, *state.Store, error) {
	store, err := openStore(cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return control.NewManager(store, opts...), store, nil
}

// runLogger opens the per-run log file inside the state directory.
func runLogger(store *state.Store, st *state.RunState) (*logging.Logger, error) {
	level := logging.LevelForVerbosity(st.Options.LogLevel)
	logger, err := logging.NewLogger(store.LogPath(st.RunID), level)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return logger.WithRun(st.RunID), nil
}

// buildOrchestrator wires the collaborators of a run from the configuration.
func buildOrchestrator(ctx context.Context, cfg *config.Config, store *state.Store, st *state.RunState, reg prometheus.Registerer, bus *event.Bus, logger *logging.Logger) (*orchestrator.Orchestrator, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	repo, err := gitrepo.Open(cwd, cfg.Git.Remote, gitrepo.WithToken(cfg.GitHub.Token), gitrepo.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	owner, name, err := repo.RemoteSlug()
	if err != nil {
		return nil, fmt.Errorf("failed to determine repository: %w", err)
	}

	host, err := githost.NewGitHub(ctx, cfg.GitHub, owner, name, repo,
		githost.WithHostLogger(logger),
		githost.WithLogFetch(parallel.FromSettings(cfg.Parallel)),
	)
	if err != nil {
		return nil, err
	}

	eng := engine.NewClaudeCLI(cfg.Engine.Binary, engine.Tier(st.Model),
		engine.WithModels(cfg.Models.ModelFor),
		engine.WithWorkDir(cwd),
		engine.WithSessionTimeout(cfg.Engine.SessionTimeout()),
		engine.WithSkipPermissions(cfg.Engine.SkipPermissions),
		engine.WithExtraArgs(cfg.Engine.ExtraArgs...),
		engine.WithLogger(logger),
	)

	guardMetrics := faultguard.NewMetrics(reg)
	registry := faultguard.NewRegistry(faultguard.WithRegistryMetrics(guardMetrics))
	guard := faultguard.NewGuard(registry,
		faultguard.WithPolicy(faultguard.Policy{
			RetryDelay:              cfg.Guard.RetryDelay(),
			ConsecutiveFailureLimit: cfg.Guard.ConsecutiveFailureLimit,
			FailureWindow:           cfg.Guard.FailureWindow(),
			Breaker:                 faultguard.PresetConfig(cfg.Guard.BreakerPreset),
		}),
		faultguard.WithGuardMetrics(guardMetrics),
		faultguard.WithLogger(logger),
	)

	scheduler := plan.NewScheduler(store)
	monitor := progress.NewMonitor(progress.PresetConfig(cfg.Monitor.Preset))

	machine := workflow.New(store, scheduler, eng, host, guard,
		workflow.WithConfig(workflow.Config{
			PollInterval:          cfg.Workflow.PollInterval(),
			SettleDelay:           cfg.Workflow.SettleDelay(),
			CheckRestartDelay:     cfg.Workflow.CheckRestartDelay(),
			MergeablePollAttempts: cfg.Workflow.MergeablePollAttempts,
			TargetBranch:          cfg.Git.TargetBranch,
		}),
		workflow.WithRepository(repo),
		workflow.WithMonitor(monitor),
		workflow.WithMetrics(workflow.NewMetrics(reg)),
		workflow.WithLogger(logger),
		workflow.WithEvents(bus),
	)

	return orchestrator.New(store, scheduler, eng, guard, machine,
		orchestrator.WithMonitor(monitor),
		orchestrator.WithMetrics(orchestrator.NewMetrics(reg)),
		orchestrator.WithLogger(logger),
		orchestrator.WithEvents(bus),
		orchestrator.WithWatcher(true),
	), nil
}

// serveMetrics exposes reg on addr until the returned stop function is
// called. An empty addr disables the endpoint.
func serveMetrics(addr string, reg *prometheus.Registry, logger *logging.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint stopped", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// execute runs the loop for the run in store and reports the outcome.
func execute(ctx context.Context, cfg *config.Config, store *state.Store, metricsAddr string) error {
	st, err := store.Load()
	if err != nil {
		return err
	}
	logger, err := runLogger(store, st)
	if err != nil {
		return err
	}
	defer logger.Close()

	reg := prometheus.NewRegistry()
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Addr
	}
	stopMetrics := serveMetrics(metricsAddr, reg, logger)
	defer stopMetrics()

	bus := event.NewBus(logger)
	bus.SubscribeAll(func(e event.Event) {
		if line := describeEvent(e); line != "" {
			fmt.Println(line)
		}
	})

	orch, err := buildOrchestrator(ctx, cfg, store, st, reg, bus, logger)
	if err != nil {
		return err
	}

	code, runErr := orch.Run(ctx)
	printOutcome(store, code, orch.Reason(), runErr)
	if code != orchestrator.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}
