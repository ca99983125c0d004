package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"beacon/internal/backpressure"
	"beacon/internal/config"
	"beacon/internal/dedup"
	"beacon/internal/delivery"
	"beacon/internal/event"
	"beacon/internal/filter"
)

// Status is the terminal state of one capture call.
type Status string

// Capture statuses.
const (
	StatusAccepted  Status = "accepted"
	StatusDelivered Status = "delivered"
	StatusDisabled  Status = "disabled"
	StatusFiltered  Status = "filtered"
	StatusDuplicate Status = "duplicate"
	StatusRefused   Status = "refused"
	StatusDropped   Status = "dropped"
	StatusFailed    Status = "failed"
)

// Outcome describes what happened to one captured event.
type Outcome struct {
	Status  Status
	EventID string
	Channel string
}

// Components are the collaborators a Pipeline is built from.
type Components struct {
	Formatter        *event.Formatter
	Filter           *filter.Filter
	Gate             dedup.Gate
	Monitor          *backpressure.Monitor
	GateThreshold    float64
	DisableThreshold float64
	Selector         *delivery.Selector
	Queue            *delivery.Queue
	Sync             delivery.Batcher
	SyncTimeout      time.Duration
	Metrics          *Metrics
	Enabled          bool
}

// Pipeline turns capture calls into delivered telemetry events.
type Pipeline struct {
	enabled       atomic.Bool
	formatter     *event.Formatter
	filter        *filter.Filter
	gate          dedup.Gate
	monitor       *backpressure.Monitor
	latch         *backpressure.Latch
	gateThreshold float64
	selector      *delivery.Selector
	queue         *delivery.Queue
	sync          delivery.Batcher
	syncTimeout   time.Duration
	metrics       *Metrics
	logger        *slog.Logger
	now           func() time.Time

	hooksMu   sync.Mutex
	onDisable []func()

	runtime runtimeParts
}

// New assembles a pipeline from explicit components.
// Params: c collaborators; logger local diagnostics.
// Returns: pipeline.
func New(c Components, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Formatter == nil {
		c.Formatter = event.NewFormatter(event.StaticInfo{}, 1000)
	}
	if c.Gate == nil {
		c.Gate = dedup.NewMemoryGate(time.Hour, 100)
	}
	if c.Selector == nil {
		c.Selector = delivery.NewSelector()
	}
	if c.GateThreshold <= 0 {
		c.GateThreshold = 0.5
	}
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = 0.8
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 5 * time.Second
	}

	p := &Pipeline{
		formatter:     c.Formatter,
		filter:        c.Filter,
		gate:          c.Gate,
		monitor:       c.Monitor,
		gateThreshold: c.GateThreshold,
		selector:      c.Selector,
		queue:         c.Queue,
		sync:          c.Sync,
		syncTimeout:   c.SyncTimeout,
		metrics:       c.Metrics,
		logger:        logger,
		now:           time.Now,
	}
	p.latch = backpressure.NewLatch(c.Monitor, c.DisableThreshold, p.tripLatch)
	p.enabled.Store(c.Enabled)
	return p
}

// Enabled reports whether capture is active.
// Params: none.
// Returns: enabled flag.
func (p *Pipeline) Enabled() bool {
	return p.enabled.Load()
}

// Metrics returns the pipeline metrics.
// Params: none.
// Returns: metrics.
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// OnDisable registers fn to run when telemetry is disabled at runtime.
// Params: fn callback.
// Returns: none.
func (p *Pipeline) OnDisable(fn func()) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.onDisable = append(p.onDisable, fn)
}

// Capture formats, filters and deduplicates one event, then hands it to a delivery channel.
// It never blocks on the network beyond the async channel wait and never panics.
// Params: kind message/exception; payload message text, error or *event.Exception; level severity; fields caller context; opts format options.
// Returns: outcome.
func (p *Pipeline) Capture(kind event.Kind, payload any, level event.Level, fields map[string]any, opts ...event.Option) (outcome Outcome) {
	defer p.absorbPanic(&outcome)

	ctx := context.Background()
	item, outcome, ok := p.prepare(ctx, kind, payload, level, fields, opts)
	if !ok {
		return outcome
	}

	channel, accepted := p.selector.Dispatch(item)
	if !accepted {
		p.gate.Forget(ctx, item.Event.Fingerprint)
		p.metrics.Dropped(reasonNoChannel, 1)
		return Outcome{Status: StatusDropped, EventID: item.Event.EventID}
	}
	return Outcome{Status: StatusAccepted, EventID: item.Event.EventID, Channel: channel}
}

// CaptureMessage captures a message event.
// Params: message text; level severity; fields caller context.
// Returns: outcome.
func (p *Pipeline) CaptureMessage(message string, level event.Level, fields map[string]any, opts ...event.Option) Outcome {
	return p.Capture(event.KindMessage, message, level, fields, opts...)
}

// CaptureError captures err as an error-level exception with the caller's stack.
// Params: err captured error (nil is ignored); fields caller context.
// Returns: outcome.
func (p *Pipeline) CaptureError(err error, fields map[string]any, opts ...event.Option) (outcome Outcome) {
	defer p.absorbPanic(&outcome)

	if err == nil {
		return Outcome{Status: StatusDropped}
	}
	return p.Capture(event.KindException, event.ExceptionFromError(err, 1), event.LevelError, fields, opts...)
}

// Recover captures an in-flight panic as a fatal exception and re-panics.
// Use as: defer pipeline.Recover().
// Params: none.
// Returns: none.
func (p *Pipeline) Recover() {
	recovered := recover()
	if recovered == nil {
		return
	}
	p.Capture(event.KindException, event.ExceptionFromPanic(recovered, 1), event.LevelFatal, nil)
	panic(recovered)
}

// CaptureSync delivers one event immediately on the caller's goroutine with the sync timeout.
// Params: ctx caller context; kind/payload/level/fields as Capture.
// Returns: delivered or failed outcome; failed events follow the queue spill policy.
func (p *Pipeline) CaptureSync(ctx context.Context, kind event.Kind, payload any, level event.Level, fields map[string]any, opts ...event.Option) (outcome Outcome) {
	defer p.absorbPanic(&outcome)

	item, outcome, ok := p.prepare(ctx, kind, payload, level, fields, opts)
	if !ok {
		return outcome
	}
	if p.sync == nil {
		p.gate.Forget(ctx, item.Event.Fingerprint)
		p.metrics.Dropped(reasonNoChannel, 1)
		return Outcome{Status: StatusDropped, EventID: item.Event.EventID}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.syncTimeout)
	defer cancel()

	if _, err := p.sync.Deliver(sendCtx, []event.TelemetryEvent{item.Event}); err != nil {
		if p.queue == nil || !p.queue.Spill(item, err) {
			p.gate.Forget(ctx, item.Event.Fingerprint)
		}
		return Outcome{Status: StatusFailed, EventID: item.Event.EventID, Channel: delivery.ChannelSync}
	}
	p.metrics.Delivered(delivery.ChannelSync, 1)
	return Outcome{Status: StatusDelivered, EventID: item.Event.EventID, Channel: delivery.ChannelSync}
}

// prepare runs every pre-delivery stage.
// Params: ctx dedup context; capture arguments.
// Returns: queue item, outcome when stopped, and whether delivery should proceed.
func (p *Pipeline) prepare(
	ctx context.Context,
	kind event.Kind,
	payload any,
	level event.Level,
	fields map[string]any,
	opts []event.Option,
) (delivery.Item, Outcome, bool) {
	if !p.enabled.Load() {
		p.metrics.suppressed.WithLabelValues(reasonDisabled).Inc()
		return delivery.Item{}, Outcome{Status: StatusDisabled}, false
	}
	if !p.latch.IsSafe() {
		p.metrics.suppressed.WithLabelValues(reasonLatch).Inc()
		return delivery.Item{}, Outcome{Status: StatusDisabled}, false
	}

	ev := p.formatter.Format(kind, payload, level, fields, opts...)
	p.metrics.captured.WithLabelValues(string(ev.Level)).Inc()

	if rule, drop := p.filter.Drop(ev); drop {
		p.logger.Debug("telemetry event filtered", slog.String("rule", rule), slog.String("event_id", ev.EventID))
		p.metrics.suppressed.WithLabelValues(reasonFiltered).Inc()
		return delivery.Item{}, Outcome{Status: StatusFiltered, EventID: ev.EventID}, false
	}

	ev.Fingerprint = event.Fingerprint(ev)
	if !p.gate.TryMark(ctx, ev.Fingerprint) {
		p.metrics.suppressed.WithLabelValues(reasonDuplicate).Inc()
		return delivery.Item{}, Outcome{Status: StatusDuplicate, EventID: ev.EventID}, false
	}

	if !p.monitor.IsSafe(p.gateThreshold) {
		p.gate.Forget(ctx, ev.Fingerprint)
		p.metrics.suppressed.WithLabelValues(reasonBackpressure).Inc()
		return delivery.Item{}, Outcome{Status: StatusRefused, EventID: ev.EventID}, false
	}

	return delivery.NewItem(ev, p.now()), Outcome{}, true
}

// absorbPanic converts a panic inside a capture call into a dropped outcome.
// Use as: defer p.absorbPanic(&outcome).
// Params: outcome result slot of the deferring call.
// Returns: none.
func (p *Pipeline) absorbPanic(outcome *Outcome) {
	recovered := recover()
	if recovered == nil {
		return
	}
	p.logger.Error("telemetry capture panicked", slog.String("panic", fmt.Sprint(recovered)))
	p.metrics.suppressed.WithLabelValues(reasonPanic).Inc()
	*outcome = Outcome{Status: StatusDropped}
}

// ForgetLost returns a delivery hook that releases the dedup claim of an item that will
// never be delivered, so a later occurrence is sent again.
// Params: gate dedup gate holding the claim.
// Returns: hook for delivery.Hooks.Lost.
func ForgetLost(gate dedup.Gate) func(delivery.Item) {
	return func(item delivery.Item) {
		fingerprint := item.Event.Fingerprint
		if fingerprint == "" {
			fingerprint = event.Fingerprint(item.Event)
		}
		gate.Forget(context.Background(), fingerprint)
	}
}

// tripLatch disables telemetry for the rest of the process.
func (p *Pipeline) tripLatch() {
	p.enabled.Store(false)
	p.logger.Warn("telemetry disabled for the rest of the process: memory usage above limit",
		slog.Float64("ratio", p.monitor.Ratio()),
	)

	p.hooksMu.Lock()
	hooks := append([]func(){}, p.onDisable...)
	p.hooksMu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// EnabledFromSettings applies the enable policy.
// Params: settings config reader.
// Returns: enabled flag and reason when disabled.
func EnabledFromSettings(settings *config.Settings) (bool, string) {
	if !settings.GetBool("telemetry.enabled") {
		return false, "telemetry.enabled is false"
	}
	if settings.GetBool("telemetry.disable_on_local_dev") {
		switch strings.ToLower(settings.GetString("global.environment")) {
		case "local", "development", "dev":
			return false, "local development environment"
		}
	}
	return true, ""
}
