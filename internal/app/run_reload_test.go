package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"beacon/internal/config"
)

type blockingPipeline struct {
	stopped  chan struct{}
	disabled atomic.Bool
}

type exitingPipeline struct {
	err error
}

// Run blocks until context cancellation and marks the pipeline stopped.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop.
func (p *blockingPipeline) Run(ctx context.Context) error {
	<-ctx.Done()
	close(p.stopped)
	return nil
}

// Enabled reports the scripted telemetry state.
// Params: none.
// Returns: false once the test disabled the pipeline.
func (p *blockingPipeline) Enabled() bool {
	return !p.disabled.Load()
}

// Run exits immediately with the scripted error.
// Params: _ ignored context.
// Returns: scripted run error.
func (p *exitingPipeline) Run(_ context.Context) error {
	return p.err
}

type pipelineFactory struct {
	mu        sync.Mutex
	pipelines []*blockingPipeline
	cfgs      []*config.Config
	builds    int
	failAt    map[int]error
}

// build creates one blocking pipeline and records the config snapshot.
// Params: _ ignored runtime context; cfg config snapshot; _ ignored logger.
// Returns: pipeline or scripted build error for the failAt build index.
func (f *pipelineFactory) build(_ context.Context, cfg *config.Config, _ *slog.Logger) (pipelineRunner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	index := f.builds
	f.builds++
	if err, exists := f.failAt[index]; exists {
		return nil, err
	}

	built := &blockingPipeline{stopped: make(chan struct{})}
	f.pipelines = append(f.pipelines, built)
	f.cfgs = append(f.cfgs, cfg)
	return built, nil
}

// count returns how many pipelines started.
// Params: none.
// Returns: started pipeline count.
func (f *pipelineFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pipelines)
}

// waitCount waits until the started pipeline count reaches expected.
// Params: t test context; expected desired count.
// Returns: none; fails test on timeout.
func (f *pipelineFactory) waitCount(t *testing.T, expected int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for pipeline count=%d (have=%d)", expected, f.count())
}

// waitStopped waits for one pipeline to stop.
// Params: t test context; index pipeline index.
// Returns: none; fails test on timeout.
func (f *pipelineFactory) waitStopped(t *testing.T, index int) {
	t.Helper()

	f.mu.Lock()
	if index >= len(f.pipelines) {
		f.mu.Unlock()
		t.Fatalf("pipeline index %d not found", index)
	}
	stopped := f.pipelines[index].stopped
	f.mu.Unlock()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting pipeline[%d] stop", index)
	}
}

// isStopped reports whether one pipeline stopped.
// Params: index pipeline index.
// Returns: true when its stop signal is closed.
func (f *pipelineFactory) isStopped(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= len(f.pipelines) {
		return false
	}
	select {
	case <-f.pipelines[index].stopped:
		return true
	default:
		return false
	}
}

// releases returns the release of every started pipeline config.
// Params: none.
// Returns: releases by start order.
func (f *pipelineFactory) releases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.cfgs))
	for _, cfg := range f.cfgs {
		out = append(out, cfg.Global.Release)
	}
	return out
}

// channelCounts returns the delivery channel count of every started pipeline config.
// Params: none.
// Returns: channel counts by start order.
func (f *pipelineFactory) channelCounts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]int, 0, len(f.cfgs))
	for _, cfg := range f.cfgs {
		out = append(out, len(cfg.Delivery.Channels))
	}
	return out
}

// disable switches one started pipeline's telemetry off.
// Params: index pipeline index.
// Returns: none.
func (f *pipelineFactory) disable(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelines[index].disabled.Store(true)
}

// telemetryFlags returns the telemetry switch of every started pipeline config.
// Params: none.
// Returns: switches by start order.
func (f *pipelineFactory) telemetryFlags() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]bool, 0, len(f.cfgs))
	for _, cfg := range f.cfgs {
		out = append(out, cfg.Telemetry.IsEnabled())
	}
	return out
}

type loaderResponse struct {
	cfg *config.Config
	err error
}

type loaderSequence struct {
	mu        sync.Mutex
	responses []loaderResponse
	calls     int
}

// load returns the next scripted config response.
// Params: _ ignored path.
// Returns: config or error.
func (l *loaderSequence) load(_ string) (*config.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.calls
	l.calls++
	if index >= len(l.responses) {
		return nil, errors.New("unexpected config load call")
	}
	response := l.responses[index]
	if response.err != nil {
		return nil, response.err
	}
	return response.cfg, nil
}

type loggerFactory struct {
	created atomic.Int32
	closed  atomic.Int32
}

// create builds a discard logger and tracks create/close counts.
// Params: _ ignored log config.
// Returns: logger, close callback and nil error.
func (f *loggerFactory) create(_ config.LogConfig) (*slog.Logger, func(), error) {
	f.created.Add(1)
	return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {
		f.closed.Add(1)
	}, nil
}

// testConfig creates a minimal config snapshot.
// Params: release release tag; channels delivery channel names.
// Returns: config snapshot.
func testConfig(release string, channels ...string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			Release:     release,
			Environment: "production",
			ServerName:  "host1",
		},
		Log: config.LogConfig{
			Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "line"},
		},
		Delivery: config.DeliveryConfig{Channels: channels},
	}
}

// startRun runs runWithDeps in the background.
// Params: ctx lifecycle; deps dependency set; reload trigger channel.
// Returns: channel receiving the run result.
func startRun(ctx context.Context, deps runDeps, reload chan struct{}) chan error {
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: "test.toml", Reload: reload}, deps)
	}()
	return done
}

// waitDone waits for a graceful run result.
// Params: t test context; done run result channel.
// Returns: none; fails test on error or timeout.
func waitDone(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}
}

// TestRunWithDeps_ReloadValidConfig verifies the pipeline is swapped on a valid reload.
// Params: testing.T for assertions.
// Returns: none.
func TestRunWithDeps_ReloadValidConfig(t *testing.T) {
	loader := &loaderSequence{responses: []loaderResponse{
		{cfg: testConfig("1.0.0", "scheduled")},
		{cfg: testConfig("1.1.0", "scheduled")},
	}}
	loggers := &loggerFactory{}
	pipelines := &pipelineFactory{}
	deps := runDeps{loadConfig: loader.load, newLogger: loggers.create, newPipeline: pipelines.build}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan struct{}, 1)
	done := startRun(ctx, deps, reload)

	pipelines.waitCount(t, 1)
	reload <- struct{}{}
	pipelines.waitCount(t, 2)
	pipelines.waitStopped(t, 0)

	cancel()
	waitDone(t, done)

	if got := pipelines.releases(); got[0] != "1.0.0" || got[1] != "1.1.0" {
		t.Fatalf("unexpected releases: %v", got)
	}
	if got := loggers.created.Load(); got != 2 {
		t.Fatalf("logger created=%d, want=2", got)
	}
	if got := loggers.closed.Load(); got != 2 {
		t.Fatalf("logger closed=%d, want=2", got)
	}
	if got := pipelines.telemetryFlags(); !got[0] || !got[1] {
		t.Fatalf("telemetry should stay enabled across reload: %v", got)
	}
}

// TestRunWithDeps_ReloadKeepsRuntimeTelemetryDisable verifies a runtime disable survives every later reload.
// Params: testing.T for assertions.
// Returns: none.
func TestRunWithDeps_ReloadKeepsRuntimeTelemetryDisable(t *testing.T) {
	loader := &loaderSequence{responses: []loaderResponse{
		{cfg: testConfig("1.0.0", "scheduled")},
		{cfg: testConfig("1.1.0", "scheduled")},
		{cfg: testConfig("1.2.0", "scheduled")},
	}}
	pipelines := &pipelineFactory{}
	deps := runDeps{loadConfig: loader.load, newLogger: (&loggerFactory{}).create, newPipeline: pipelines.build}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan struct{}, 1)
	done := startRun(ctx, deps, reload)

	pipelines.waitCount(t, 1)
	pipelines.disable(0)
	reload <- struct{}{}
	pipelines.waitCount(t, 2)
	reload <- struct{}{}
	pipelines.waitCount(t, 3)

	cancel()
	waitDone(t, done)

	flags := pipelines.telemetryFlags()
	if !flags[0] || flags[1] || flags[2] {
		t.Fatalf("expected telemetry off after the runtime disable, got %v", flags)
	}
	if got := pipelines.releases(); got[1] != "1.1.0" || got[2] != "1.2.0" {
		t.Fatalf("reloaded configs should still apply, got %v", got)
	}
}

// TestRunWithDeps_ReloadInvalidConfigKeepsRuntime verifies an invalid config leaves the pipeline running.
// Params: testing.T for assertions.
// Returns: none.
func TestRunWithDeps_ReloadInvalidConfigKeepsRuntime(t *testing.T) {
	loader := &loaderSequence{responses: []loaderResponse{
		{cfg: testConfig("1.0.0", "scheduled")},
		{err: errors.New("invalid config")},
	}}
	pipelines := &pipelineFactory{}
	deps := runDeps{loadConfig: loader.load, newLogger: (&loggerFactory{}).create, newPipeline: pipelines.build}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan struct{}, 1)
	done := startRun(ctx, deps, reload)

	pipelines.waitCount(t, 1)
	reload <- struct{}{}
	time.Sleep(100 * time.Millisecond)

	if got := pipelines.count(); got != 1 {
		t.Fatalf("pipeline count=%d, want=1", got)
	}
	if pipelines.isStopped(0) {
		t.Fatal("pipeline stopped after invalid reload")
	}

	cancel()
	waitDone(t, done)
}

// TestRunWithDeps_ReloadAppliesChannelChanges verifies rebuilds pick up channel list changes.
// Params: testing.T for assertions.
// Returns: none.
func TestRunWithDeps_ReloadAppliesChannelChanges(t *testing.T) {
	loader := &loaderSequence{responses: []loaderResponse{
		{cfg: testConfig("1.0.0", "scheduled")},
		{cfg: testConfig("1.0.0", "scheduled", "async", "fallback")},
		{cfg: testConfig("1.0.0", "async")},
	}}
	pipelines := &pipelineFactory{}
	deps := runDeps{loadConfig: loader.load, newLogger: (&loggerFactory{}).create, newPipeline: pipelines.build}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan struct{}, 1)
	done := startRun(ctx, deps, reload)

	pipelines.waitCount(t, 1)
	reload <- struct{}{}
	pipelines.waitCount(t, 2)
	reload <- struct{}{}
	pipelines.waitCount(t, 3)

	counts := pipelines.channelCounts()
	want := []int{1, 3, 1}
	for idx := range want {
		if counts[idx] != want[idx] {
			t.Fatalf("channel count[%d]=%d, want=%d", idx, counts[idx], want[idx])
		}
	}

	cancel()
	waitDone(t, done)
}

// TestRunWithDeps_ReloadStartFailureRollsBack verifies a pipeline build failure restores the previous config.
// Params: testing.T for assertions.
// Returns: none.
func TestRunWithDeps_ReloadStartFailureRollsBack(t *testing.T) {
	loader := &loaderSequence{responses: []loaderResponse{
		{cfg: testConfig("1.0.0", "scheduled")},
		{cfg: testConfig("2.0.0", "scheduled")},
	}}
	pipelines := &pipelineFactory{failAt: map[int]error{1: errors.New("bind control plane")}}
	deps := runDeps{loadConfig: loader.load, newLogger: (&loggerFactory{}).create, newPipeline: pipelines.build}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan struct{}, 1)
	done := startRun(ctx, deps, reload)

	pipelines.waitCount(t, 1)
	reload <- struct{}{}
	pipelines.waitCount(t, 2)

	if got := pipelines.releases(); got[1] != "1.0.0" {
		t.Fatalf("expected rollback to previous release, got %v", got)
	}

	cancel()
	waitDone(t, done)
}

// TestRunWithDeps_PipelineStopsUnexpectedly verifies the run loop fails when the pipeline exits on its own.
// Params: testing.T for assertions.
// Returns: none.
func TestRunWithDeps_PipelineStopsUnexpectedly(t *testing.T) {
	loader := &loaderSequence{responses: []loaderResponse{{cfg: testConfig("1.0.0", "scheduled")}}}
	loggers := &loggerFactory{}
	runErr := errors.New("control plane: address in use")
	deps := runDeps{
		loadConfig: loader.load,
		newLogger:  loggers.create,
		newPipeline: func(_ context.Context, _ *config.Config, _ *slog.Logger) (pipelineRunner, error) {
			return &exitingPipeline{err: runErr}, nil
		},
	}

	err := runWithDeps(context.Background(), Runtime{ConfigPath: "test.toml"}, deps)
	if !errors.Is(err, runErr) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := loggers.closed.Load(); got != 1 {
		t.Fatalf("logger closed=%d, want=1", got)
	}

	loader = &loaderSequence{responses: []loaderResponse{{cfg: testConfig("1.0.0", "scheduled")}}}
	deps.loadConfig = loader.load
	deps.newPipeline = func(_ context.Context, _ *config.Config, _ *slog.Logger) (pipelineRunner, error) {
		return &exitingPipeline{}, nil
	}
	if err := runWithDeps(context.Background(), Runtime{ConfigPath: "test.toml"}, deps); !errors.Is(err, errRunnerExited) {
		t.Fatalf("expected runner exit error, got %v", err)
	}
}

// TestRunWithDeps_ReloadInterruptedByShutdown verifies graceful stop while a reload is being applied.
// Params: testing.T for assertions.
// Returns: none.
func TestRunWithDeps_ReloadInterruptedByShutdown(t *testing.T) {
	loader := &loaderSequence{responses: []loaderResponse{
		{cfg: testConfig("1.0.0", "scheduled")},
		{cfg: testConfig("2.0.0", "scheduled")},
	}}

	secondBuildStarted := make(chan struct{})
	var buildCount atomic.Int32
	deps := runDeps{
		loadConfig: loader.load,
		newLogger:  (&loggerFactory{}).create,
		newPipeline: func(ctx context.Context, _ *config.Config, _ *slog.Logger) (pipelineRunner, error) {
			if buildCount.Add(1) == 1 {
				return &blockingPipeline{stopped: make(chan struct{})}, nil
			}
			close(secondBuildStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan struct{}, 1)
	done := startRun(ctx, deps, reload)

	reload <- struct{}{}
	select {
	case <-secondBuildStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting second build start")
	}
	cancel()
	waitDone(t, done)
}

// TestRunWithDeps_RequiresConfigPath verifies the empty path guard.
// Params: testing.T for assertions.
// Returns: none.
func TestRunWithDeps_RequiresConfigPath(t *testing.T) {
	if err := runWithDeps(context.Background(), Runtime{ConfigPath: "  "}, runDeps{}); err == nil {
		t.Fatal("expected error for empty config path")
	}
}
