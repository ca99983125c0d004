package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"beacon/internal/backpressure"
	"beacon/internal/event"
	"beacon/internal/sender"
)

// Drop reasons reported through Hooks.
const (
	DropBackpressure = "backpressure"
	DropTerminal     = "terminal"
	DropExhausted    = "exhausted"
	DropQueueFull    = "queue_full"
	DropExpired      = "expired"
	DropSweepFailed  = "sweep_failed"
)

// Batcher delivers a batch of events as one envelope.
type Batcher interface {
	Deliver(ctx context.Context, events []event.TelemetryEvent) (sender.Result, error)
}

// Hooks observe delivery outcomes; nil funcs are skipped.
// Lost receives every accepted item that will never be delivered.
type Hooks struct {
	Delivered func(channel string, n int)
	Dropped   func(reason string, n int)
	Lost      func(item Item)
}

func (h Hooks) delivered(channel string, n int) {
	if h.Delivered != nil && n > 0 {
		h.Delivered(channel, n)
	}
}

func (h Hooks) dropped(reason string, n int) {
	if h.Dropped != nil && n > 0 {
		h.Dropped(reason, n)
	}
}

func (h Hooks) lost(reason string, item Item) {
	h.dropped(reason, 1)
	if h.Lost != nil {
		h.Lost(item)
	}
}

// QueueOptions configures the in-memory delivery queue.
type QueueOptions struct {
	BatchSize   int
	Threshold   float64
	MaxAttempts int
	Channel     string
}

// Queue is the in-memory delivery queue drained in small FIFO batches.
type Queue struct {
	mu    sync.Mutex
	items []Item

	opts    QueueOptions
	monitor *backpressure.Monitor
	batcher Batcher
	disk    *DiskQueue
	hooks   Hooks
	logger  *slog.Logger
	now     func() time.Time
}

// NewQueue creates a queue.
// Params: opts batch/threshold/attempt settings; monitor admission gate (nil = always safe); batcher delivery; disk spill target (nil = drop); hooks outcome observers; logger diagnostics.
// Returns: queue.
func NewQueue(opts QueueOptions, monitor *backpressure.Monitor, batcher Batcher, disk *DiskQueue, hooks Hooks, logger *slog.Logger) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Channel == "" {
		opts.Channel = "scheduled"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		opts:    opts,
		monitor: monitor,
		batcher: batcher,
		disk:    disk,
		hooks:   hooks,
		logger:  logger,
		now:     time.Now,
	}
}

// Add enqueues item unless memory pressure is above the queue threshold.
// Params: item delivery request.
// Returns: false when refused.
func (q *Queue) Add(item Item) bool {
	if !q.Admits() {
		q.hooks.lost(DropBackpressure, item)
		return false
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	full := len(q.items) >= q.opts.BatchSize
	q.mu.Unlock()

	if full {
		q.Flush(context.Background())
	}
	return true
}

// Admits reports whether memory pressure allows new queue work.
// Params: none.
// Returns: false above the queue threshold.
func (q *Queue) Admits() bool {
	return q.monitor.IsSafe(q.opts.Threshold)
}

// Len returns pending item count.
// Params: none.
// Returns: count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush drains every pending item in FIFO batches.
// Params: ctx bounds the whole drain pass.
// Returns: delivered item count.
func (q *Queue) Flush(ctx context.Context) int {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	delivered := 0
	for start := 0; start < len(pending); start += q.opts.BatchSize {
		end := min(start+q.opts.BatchSize, len(pending))
		batch := pending[start:end]

		if ctx.Err() != nil {
			for _, item := range batch {
				q.Spill(item, &sender.Error{Kind: sender.KindTimeout, Err: ctx.Err()})
			}
			continue
		}

		events := make([]event.TelemetryEvent, 0, len(batch))
		for _, item := range batch {
			events = append(events, item.Event)
		}
		if _, err := q.batcher.Deliver(ctx, events); err != nil {
			q.logger.Debug("telemetry batch delivery failed",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
			for _, item := range batch {
				q.Spill(item, err)
			}
			continue
		}
		delivered += len(batch)
		q.hooks.delivered(q.opts.Channel, len(batch))
	}
	return delivered
}

// FlushStale drains the queue when its oldest item waited longer than maxAge.
// Params: ctx drain bound; maxAge allowed wait.
// Returns: delivered item count.
func (q *Queue) FlushStale(ctx context.Context, maxAge time.Duration) int {
	q.mu.Lock()
	stale := len(q.items) > 0 && q.now().Sub(q.items[0].EnqueuedAt) >= maxAge
	q.mu.Unlock()

	if !stale {
		return 0
	}
	return q.Flush(ctx)
}

// Spill hands a failed item to the disk queue or drops it.
// Params: item failed request; err delivery error.
// Returns: true when the item was persisted for a later attempt.
func (q *Queue) Spill(item Item, err error) bool {
	item.Attempts++
	switch {
	case !Retryable(err):
		q.hooks.lost(DropTerminal, item)
	case item.Attempts >= q.opts.MaxAttempts || q.disk == nil:
		q.hooks.lost(DropExhausted, item)
	default:
		if enqueueErr := q.disk.Enqueue(item); enqueueErr != nil {
			reason := DropExhausted
			if errors.Is(enqueueErr, ErrQueueFull) {
				reason = DropQueueFull
			}
			q.logger.Warn("telemetry fallback enqueue failed",
				slog.String("event_id", item.Event.EventID),
				slog.String("error", enqueueErr.Error()),
			)
			q.hooks.lost(reason, item)
			return false
		}
		return true
	}
	return false
}
