package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"beacon/internal/config"
	"beacon/internal/logging"
	"beacon/internal/pipeline"
)

// Runtime defines runtime inputs required to start the telemetry agent.
// Params: ConfigPath points to the TOML configuration file or directory; Reload triggers hot reload.
// Returns: Runtime value used by Run.
type Runtime struct {
	ConfigPath string
	Reload     <-chan struct{}
}

type pipelineRunner interface {
	Run(context.Context) error
}

// telemetryLatch is implemented by runners whose telemetry can be switched off while running.
type telemetryLatch interface {
	Enabled() bool
}

type runDeps struct {
	loadConfig  func(string) (*config.Config, error)
	newLogger   func(config.LogConfig) (*slog.Logger, func(), error)
	newPipeline func(context.Context, *config.Config, *slog.Logger) (pipelineRunner, error)
}

// generation is one running pipeline together with the config and log sink it was built from.
type generation struct {
	seq         int
	cfg         *config.Config
	logger      *slog.Logger
	closeLogger func()
	latch       telemetryLatch
	// startedEnabled is the latch state right after build; latched carries a runtime disable
	// from an earlier generation.
	startedEnabled bool
	latched        bool
	cancel         context.CancelFunc
	done           chan error
}

var errRunnerExited = errors.New("pipeline exited without context cancellation")

// Run loads configuration, starts the pipeline, and rebuilds it on every Reload signal.
// Params: ctx controls lifecycle; rt provides runtime inputs and optional reload trigger channel.
// Returns: error on startup failure or failed reload without rollback, nil on graceful stop.
func Run(ctx context.Context, rt Runtime) error {
	return runWithDeps(ctx, rt, defaultRunDeps())
}

// runWithDeps executes the runtime lifecycle using injectable dependencies.
// Params: ctx controls lifecycle; rt runtime inputs; deps start/reload dependencies.
// Returns: runtime error or nil on graceful stop.
func runWithDeps(ctx context.Context, rt Runtime, deps runDeps) error {
	if strings.TrimSpace(rt.ConfigPath) == "" {
		return fmt.Errorf("config path is required")
	}

	cfg, err := deps.loadConfig(rt.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	current, err := launch(ctx, deps, cfg, launchState{seq: 1})
	if err != nil {
		return err
	}

	reloads := rt.Reload
	for {
		select {
		case runErr := <-current.done:
			current.done = nil
			return current.exited(ctx, runErr)
		case <-ctx.Done():
			current.drain()
			current.release("agent stopped", slog.String("reason", ctx.Err().Error()))
			return nil
		case _, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			next, reloadErr := current.reload(ctx, rt.ConfigPath, deps)
			if next == nil {
				return reloadErr
			}
			current = next
		}
	}
}

// defaultRunDeps provides production runtime dependencies.
// Params: none.
// Returns: dependency set used by Run.
func defaultRunDeps() runDeps {
	return runDeps{
		loadConfig: config.Load,
		newLogger:  logging.New,
		newPipeline: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipelineRunner, error) {
			return pipeline.NewFromConfig(ctx, cfg, logger)
		},
	}
}

// launchState carries what a new generation inherits from the one it replaces.
type launchState struct {
	seq         int
	logger      *slog.Logger
	closeLogger func()
	latched     bool
}

// launch builds a pipeline from cfg and runs it in the background.
// Params: ctx root lifecycle context; deps dependency set; cfg validated config; state inherited sequence, logger and latch.
// Returns: running generation or startup error.
func launch(ctx context.Context, deps runDeps, cfg *config.Config, state launchState) (*generation, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("runtime context canceled: %w", ctx.Err())
	}
	if state.latched {
		cfg = withTelemetryDisabled(cfg)
	}

	logger, closeLogger := state.logger, state.closeLogger
	if logger == nil {
		created, closeFn, err := deps.newLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		logger, closeLogger = created, closeFn
	}

	runCtx, cancel := context.WithCancel(ctx)
	runner, err := deps.newPipeline(runCtx, cfg, logger)
	if err != nil {
		cancel()
		if state.logger == nil && closeLogger != nil {
			closeLogger()
		}
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	g := &generation{
		seq:         state.seq,
		cfg:         cfg,
		logger:      logger,
		closeLogger: closeLogger,
		latched:     state.latched,
		cancel:      cancel,
		done:        make(chan error, 1),
	}
	if latch, ok := runner.(telemetryLatch); ok {
		g.latch = latch
		g.startedEnabled = latch.Enabled()
	}
	go func() {
		g.done <- runner.Run(runCtx)
	}()

	logStartup(logger, cfg, g.seq)
	return g, nil
}

// reload replaces this generation with one built from the current config file.
// A config that fails to load keeps this generation running; a config that loads but fails
// to start is rolled back to this generation's config. A runtime telemetry disable survives.
// Params: ctx root lifecycle context; path config path; deps dependency set.
// Returns: generation to keep running (nil when rollback failed) and optional reload error.
func (g *generation) reload(ctx context.Context, path string, deps runDeps) (*generation, error) {
	latched := g.telemetryLatched()
	g.logger.Info("config reload requested",
		slog.Int("generation", g.seq),
		slog.Bool("telemetry_latched", latched),
	)

	nextCfg, err := deps.loadConfig(path)
	if err != nil {
		g.logger.Error("config reload validation failed", slog.String("error", err.Error()))
		return g, fmt.Errorf("reload config: %w", err)
	}
	nextLogger, nextClose, err := deps.newLogger(nextCfg.Log)
	if err != nil {
		g.logger.Error("config reload logger init failed", slog.String("error", err.Error()))
		return g, fmt.Errorf("init reload logger: %w", err)
	}

	g.drain()
	g.logger.Debug("pipeline drained for reload", slog.Int("generation", g.seq))

	next, startErr := launch(ctx, deps, nextCfg, launchState{
		seq:         g.seq + 1,
		logger:      nextLogger,
		closeLogger: nextClose,
		latched:     latched,
	})
	if startErr == nil {
		g.release("")
		next.logger.Info("config reload applied", slog.Int("generation", next.seq))
		return next, nil
	}
	nextClose()
	if ctx.Err() != nil {
		g.logger.Info("config reload interrupted by shutdown")
		return g, nil
	}

	g.logger.Error("config reload apply failed, restoring previous runtime", slog.String("error", startErr.Error()))
	restored, rollbackErr := launch(ctx, deps, g.cfg, launchState{
		seq:         g.seq,
		logger:      g.logger,
		closeLogger: g.closeLogger,
		latched:     latched,
	})
	if rollbackErr != nil {
		g.release("")
		return nil, fmt.Errorf("apply reload: %w; rollback failed: %w", startErr, rollbackErr)
	}
	restored.logger.Warn("config reload rejected, previous runtime restored", slog.String("error", startErr.Error()))
	return restored, fmt.Errorf("apply reload: %w", startErr)
}

// exited handles a pipeline Run that returned on its own.
// Params: ctx root lifecycle context; runErr value returned by Run.
// Returns: nil when the root context is done; wrapped run error otherwise.
func (g *generation) exited(ctx context.Context, runErr error) error {
	g.drain()
	if ctx.Err() != nil {
		g.release("agent stopped", slog.String("reason", ctx.Err().Error()))
		return nil
	}
	if runErr == nil {
		runErr = errRunnerExited
	}
	g.logger.Error("pipeline stopped unexpectedly",
		slog.Int("generation", g.seq),
		slog.String("error", runErr.Error()),
	)
	g.release("")
	return fmt.Errorf("run pipeline: %w", runErr)
}

// telemetryLatched reports whether telemetry was switched off at runtime in this or an earlier generation.
// Params: none.
// Returns: true when the disable must carry into the next generation.
func (g *generation) telemetryLatched() bool {
	if g.latched {
		return true
	}
	return g.latch != nil && g.startedEnabled && !g.latch.Enabled()
}

// drain cancels the pipeline and waits for its shutdown flush while keeping the logger open.
// Params: none.
// Returns: none.
func (g *generation) drain() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.done != nil {
		<-g.done
		g.done = nil
	}
}

// release optionally logs a final message and closes the logger sink.
// Params: message final log line, empty to skip; attrs log attributes.
// Returns: none.
func (g *generation) release(message string, attrs ...any) {
	if message != "" {
		g.logger.Info(message, attrs...)
	}
	if g.closeLogger != nil {
		g.closeLogger()
		g.closeLogger = nil
	}
}

// withTelemetryDisabled returns a copy of cfg with the telemetry switch forced off.
// Params: cfg source config.
// Returns: config copy.
func withTelemetryDisabled(cfg *config.Config) *config.Config {
	off := false
	copied := *cfg
	copied.Telemetry.Enabled = &off
	return &copied
}

// logStartup emits initial startup metadata.
// Params: logger initialized slog logger; cfg validated runtime config; seq generation number.
// Returns: none.
func logStartup(logger *slog.Logger, cfg *config.Config, seq int) {
	logger.Info(
		"agent started",
		slog.Int("generation", seq),
		slog.String("release", cfg.Global.Release),
		slog.String("environment", cfg.Global.Environment),
		slog.String("server_name", cfg.Global.ServerName),
		slog.Bool("telemetry", cfg.Telemetry.IsEnabled()),
		slog.Any("channels", cfg.Delivery.Channels),
		slog.Bool("control", cfg.Control.Enabled),
	)
}
