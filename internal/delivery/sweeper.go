package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"beacon/internal/event"
)

// SweeperOptions configures fallback draining.
type SweeperOptions struct {
	Batch       int
	Requeue     bool
	MaxAttempts int
}

// Sweeper drains the disk queue in small bounded batches.
type Sweeper struct {
	disk    *DiskQueue
	batcher Batcher
	opts    SweeperOptions
	hooks   Hooks
	logger  *slog.Logger
}

// NewSweeper creates a sweeper.
// Params: disk queue; batcher delivery; opts batch and requeue policy; hooks observers; logger diagnostics.
// Returns: sweeper.
func NewSweeper(disk *DiskQueue, batcher Batcher, opts SweeperOptions, hooks Hooks, logger *slog.Logger) *Sweeper {
	if opts.Batch <= 0 {
		opts.Batch = 5
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{disk: disk, batcher: batcher, opts: opts, hooks: hooks, logger: logger}
}

// Sweep attempts delivery of up to Batch records; each record is removed after one attempt.
// Failed retryable records are re-appended with attempts+1 only when requeue is enabled.
// Params: ctx bounds the pass.
// Returns: delivered record count, IO error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	delivered := 0
	for range s.opts.Batch {
		if ctx.Err() != nil {
			return delivered, nil
		}

		record, expired, err := s.disk.Peek()
		s.hooks.dropped(DropExpired, expired)
		if errors.Is(err, ErrQueueEmpty) {
			return delivered, nil
		}
		if err != nil {
			return delivered, err
		}

		_, sendErr := s.batcher.Deliver(ctx, []event.TelemetryEvent{record.Item.Event})
		if err := s.disk.Ack(record); err != nil {
			return delivered, err
		}
		if sendErr == nil {
			delivered++
			s.hooks.delivered(ChannelFallback, 1)
			continue
		}

		item := record.Item
		item.Attempts++
		if !s.opts.Requeue || !Retryable(sendErr) || item.Attempts >= s.opts.MaxAttempts {
			s.logger.Debug("telemetry fallback record dropped after attempt",
				slog.String("event_id", item.Event.EventID),
				slog.Int("attempts", item.Attempts),
				slog.String("error", sendErr.Error()),
			)
			s.hooks.lost(DropSweepFailed, item)
			continue
		}
		if err := s.disk.Enqueue(item); err != nil {
			s.hooks.lost(DropQueueFull, item)
		}
	}
	return delivered, nil
}

// Run sweeps on every tick until ctx is done.
// Params: ctx lifecycle; every sweep interval.
// Returns: none.
func (s *Sweeper) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("telemetry fallback sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
