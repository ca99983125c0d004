package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"beacon/internal/auth"
	"beacon/internal/backpressure"
	"beacon/internal/config"
	"beacon/internal/controlplane"
	"beacon/internal/dedup"
	"beacon/internal/delivery"
	"beacon/internal/event"
	"beacon/internal/filter"
	"beacon/internal/sender"
	"beacon/internal/statestore"
)

const (
	defaultShutdownFlush = 5 * time.Second
	captureScope         = "telemetry:write"
	inspectScope         = "telemetry:read"
	loggerName           = "beacon"
)

// runtimeParts are the long-lived resources owned by Run.
type runtimeParts struct {
	scheduler  *delivery.TimerScheduler
	async      *delivery.AsyncChannel
	disk       *delivery.DiskQueue
	sweeper    *delivery.Sweeper
	store      statestore.Store
	control    *controlplane.Server
	flushEvery time.Duration
	sweepEvery time.Duration
	shutdown   time.Duration
}

// NewFromConfig builds the full delivery pipeline from validated config.
// Params: ctx startup context for state store access; cfg validated config; logger local diagnostics.
// Returns: pipeline ready for Run or construction error.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Pipeline, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for idx := len(closers) - 1; idx >= 0; idx-- {
			_ = closers[idx]()
		}
	}()

	enabled, reason := EnabledFromSettings(config.NewSettings(cfg))
	if enabled && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		enabled, reason = false, "telemetry.endpoint is empty"
	}
	if !enabled {
		logger.Info("telemetry disabled", slog.String("reason", reason))
	}

	store, err := statestore.Open(ctx, cfg.State, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	closers = append(closers, store.Close)

	sampler, err := backpressure.NewSampler(cfg.Backpressure)
	if err != nil {
		return nil, fmt.Errorf("build memory sampler: %w", err)
	}
	monitor := backpressure.NewMonitor(sampler, cfg.Backpressure.SampleEvery)

	dropRules, err := filter.New(cfg.Filter.DropEvent)
	if err != nil {
		return nil, fmt.Errorf("build drop_event filter: %w", err)
	}

	var gate dedup.Gate
	switch cfg.Dedup.Backend {
	case "state":
		gate = dedup.NewStoreGate(store, cfg.Dedup.Window.Duration, logger)
	default:
		gate = dedup.NewMemoryGate(cfg.Dedup.Window.Duration, cfg.Dedup.Capacity)
	}

	secret, err := auth.ResolveSecret(ctx, cfg.Auth.Secret, store)
	if err != nil {
		return nil, fmt.Errorf("resolve signing secret: %w", err)
	}
	authenticator, err := auth.New(secret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenTTL.Duration)
	if err != nil {
		return nil, fmt.Errorf("build authenticator: %w", err)
	}
	subject := cfg.Telemetry.SourceIdentity
	if strings.TrimSpace(subject) == "" {
		subject = cfg.Global.ServerName
	}
	tokens := auth.NewTokenSource(authenticator, map[string]any{"sub": subject})

	var disk *delivery.DiskQueue
	if cfg.Fallback.Enabled {
		disk, err = delivery.OpenDiskQueue(cfg.Fallback.Dir, cfg.Fallback.MaxRecords, cfg.Fallback.MaxAge.Duration)
		if err != nil {
			return nil, fmt.Errorf("open fallback queue: %w", err)
		}
		closers = append(closers, disk.Close)
	}

	var pending func() float64
	if disk != nil {
		pending = func() float64 { return float64(disk.Pending()) }
	}
	metrics := NewMetrics(pending)
	hooks := delivery.Hooks{Delivered: metrics.Delivered, Dropped: metrics.Dropped, Lost: ForgetLost(gate)}

	components := Components{
		Formatter: event.NewFormatter(event.StaticInfo{
			Release:     cfg.Global.Release,
			Environment: cfg.Global.Environment,
			ServerName:  cfg.Global.ServerName,
			Component:   cfg.Global.Component,
			Logger:      loggerName,
		}, cfg.Telemetry.MaxStringLength),
		Filter:           dropRules,
		Gate:             gate,
		Monitor:          monitor,
		GateThreshold:    cfg.Backpressure.GateThreshold,
		DisableThreshold: cfg.Backpressure.DisableThreshold,
		SyncTimeout:      cfg.Sender.Timeout.Duration,
		Metrics:          metrics,
		Enabled:          enabled,
	}
	parts := runtimeParts{
		disk:       disk,
		store:      store,
		flushEvery: cfg.Delivery.FlushInterval.Duration,
		sweepEvery: cfg.Fallback.SweepEvery.Duration,
		shutdown:   defaultShutdownFlush,
	}

	if strings.TrimSpace(cfg.Telemetry.Endpoint) != "" {
		opts := sender.OptionsFromConfig(cfg.Telemetry, cfg.Sender)
		opts.OnAttempt = metrics.Attempt
		snd, err := sender.New(opts, logger)
		if err != nil {
			return nil, fmt.Errorf("build sender: %w", err)
		}

		background := delivery.NewDeliverer(snd, tokens, cfg.Sender.BackgroundTimeout.Duration, logger)
		components.Sync = delivery.NewDeliverer(snd, tokens, cfg.Sender.Timeout.Duration, logger)
		components.Queue = delivery.NewQueue(delivery.QueueOptions{
			BatchSize:   cfg.Delivery.BatchSize,
			Threshold:   cfg.Backpressure.QueueThreshold,
			MaxAttempts: cfg.Delivery.MaxAttempts,
			Channel:     delivery.ChannelScheduled,
		}, monitor, background, disk, hooks, logger)

		channels := make([]delivery.Channel, 0, len(cfg.Delivery.Channels))
		for _, name := range cfg.Delivery.Channels {
			switch name {
			case config.ChannelScheduled:
				parts.scheduler = delivery.NewTimerScheduler(cfg.Delivery.MaxScheduled)
				channels = append(channels, delivery.NewScheduledChannel(parts.scheduler, cfg.Delivery.ScheduleDelay.Duration, components.Queue))
			case config.ChannelAsync:
				parts.async = delivery.NewAsyncChannel(snd.Available, background, components.Queue, cfg.Delivery.AsyncWait.Duration, hooks)
				channels = append(channels, parts.async)
			case config.ChannelFallback:
				if disk != nil {
					channels = append(channels, delivery.NewFallbackChannel(disk))
				}
			}
		}
		components.Selector = delivery.NewSelector(channels...)

		if disk != nil {
			parts.sweeper = delivery.NewSweeper(disk, background, delivery.SweeperOptions{
				Batch:       cfg.Fallback.SweepBatch,
				Requeue:     cfg.Fallback.Requeue,
				MaxAttempts: cfg.Delivery.MaxAttempts,
			}, hooks, logger)
		}
	}

	p := New(components, logger)
	p.runtime = parts

	if cfg.Control.Enabled {
		var inspector controlplane.DedupInspector
		if memory, ok := gate.(*dedup.MemoryGate); ok {
			inspector = memory
		}
		control := controlplane.New(controlplane.Options{
			Listen:       cfg.Control.Listen,
			GRPCListen:   cfg.Control.GRPCListen,
			Pprof:        cfg.Control.Pprof,
			Metrics:      cfg.Control.Metrics,
			Exchanger:    auth.NewExchanger(authenticator, cfg.Auth.ControlAPIKey, cfg.Auth.ControlTokenTTL.Duration, cfg.Auth.ControlScope),
			CaptureScope: captureScope,
			Capture:      p.captureRequest,
			Gatherer:     metrics.Registry(),
			Healthy:      p.Enabled,
			Dedup:        inspector,
			InspectScope: inspectScope,
		}, logger)
		p.runtime.control = control
		p.OnDisable(func() { control.SetServing(false) })
	}

	return p, nil
}

// Run owns the flush ticker, the fallback sweeper and the control plane until ctx is done.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop; control plane failure.
func (p *Pipeline) Run(ctx context.Context) error {
	rt := &p.runtime
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	controlErr := make(chan error, 1)
	if rt.control != nil {
		if err := rt.control.Listen(); err != nil {
			p.shutdown(&wg, cancel)
			return fmt.Errorf("start control plane: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			controlErr <- rt.control.Run(runCtx)
		}()
	}
	if rt.sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.sweeper.Run(runCtx, rt.sweepEvery)
		}()
	}

	flushEvery := rt.flushEvery
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	p.logger.Info("telemetry pipeline started",
		slog.Bool("enabled", p.Enabled()),
		slog.Any("channels", p.selector.Names()),
	)

	for {
		select {
		case <-ctx.Done():
			p.shutdown(&wg, cancel)
			return nil
		case err := <-controlErr:
			controlErr = nil
			if err != nil {
				p.shutdown(&wg, cancel)
				return fmt.Errorf("control plane: %w", err)
			}
		case <-ticker.C:
			if p.queue != nil {
				p.queue.FlushStale(runCtx, flushEvery)
			}
		}
	}
}

// shutdown drains pending work and releases runtime resources.
// Params: wg background goroutines; cancel stops them.
// Returns: none.
func (p *Pipeline) shutdown(wg *sync.WaitGroup, cancel context.CancelFunc) {
	rt := &p.runtime
	cancel()

	if rt.scheduler != nil {
		if drained := rt.scheduler.Drain(); drained > 0 {
			p.logger.Debug("scheduled deliveries drained", slog.Int("count", drained))
		}
	}
	if p.queue != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), rt.shutdown)
		p.queue.Flush(flushCtx)
		flushCancel()
	}
	if rt.async != nil {
		rt.async.Wait()
	}
	wg.Wait()

	if rt.disk != nil {
		if err := rt.disk.Close(); err != nil {
			p.logger.Warn("fallback queue close failed", slog.String("error", err.Error()))
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			p.logger.Warn("state store close failed", slog.String("error", err.Error()))
		}
	}
	p.logger.Info("telemetry pipeline stopped")
}

// captureRequest maps a control plane capture request onto the pipeline.
// Params: ctx request context; req decoded request.
// Returns: capture result.
func (p *Pipeline) captureRequest(ctx context.Context, req controlplane.CaptureRequest) controlplane.CaptureResult {
	kind, ok := event.ParseKind(req.Kind)
	if !ok {
		kind = event.KindMessage
	}
	level, ok := event.ParseLevel(req.Level)
	if !ok {
		level = event.LevelError
	}

	var payload any = req.Message
	if kind == event.KindException {
		exceptionType := strings.TrimSpace(req.ExceptionType)
		if exceptionType == "" {
			exceptionType = "error"
		}
		payload = &event.Exception{Type: exceptionType, Value: req.Message}
	}

	var opts []event.Option
	if len(req.Tags) > 0 {
		opts = append(opts, event.WithTags(req.Tags))
	}

	var outcome Outcome
	if req.Sync {
		outcome = p.CaptureSync(ctx, kind, payload, level, req.Context, opts...)
	} else {
		outcome = p.Capture(kind, payload, level, req.Context, opts...)
	}
	return controlplane.CaptureResult{Status: string(outcome.Status), EventID: outcome.EventID, Channel: outcome.Channel}
}

// Close releases resources of a pipeline that is not running.
// Params: none.
// Returns: none.
func (p *Pipeline) Close() {
	p.shutdown(&sync.WaitGroup{}, func() {})
}
