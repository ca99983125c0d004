package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"beacon/internal/envelope"
	"beacon/internal/event"
	"beacon/internal/sender"
)

// Item is one queued delivery request.
type Item struct {
	Event      event.TelemetryEvent `json:"event"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
	Attempts   int                  `json:"attempts"`
}

// NewItem wraps ev for queueing.
// Params: ev formatted event; now enqueue time.
// Returns: item with zero attempts.
func NewItem(ev event.TelemetryEvent, now time.Time) Item {
	return Item{Event: ev, EnqueuedAt: now.UTC()}
}

// Tokens supplies bearer tokens for ingestion requests.
type Tokens interface {
	Token() (string, error)
}

// Transport posts an encoded envelope.
type Transport interface {
	Send(ctx context.Context, body []byte, token string) (sender.Result, error)
}

// Deliverer encodes events into one envelope and sends it.
type Deliverer struct {
	transport Transport
	tokens    Tokens
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDeliverer creates a deliverer.
// Params: transport sender; tokens bearer source; timeout per-delivery bound; logger local diagnostics.
// Returns: deliverer.
func NewDeliverer(transport Transport, tokens Tokens, timeout time.Duration, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{transport: transport, tokens: tokens, timeout: timeout, logger: logger}
}

// Deliver sends events as one envelope.
// Params: ctx caller context; events batch.
// Returns: send result; error (retryable or terminal, see Retryable).
func (d *Deliverer) Deliver(ctx context.Context, events []event.TelemetryEvent) (sender.Result, error) {
	if len(events) == 0 {
		return sender.Result{Success: true}, nil
	}

	body, err := envelope.Encode(events, nil)
	if err != nil {
		d.logger.Warn("telemetry envelope encode failed", slog.Int("events", len(events)), slog.String("error", err.Error()))
		return sender.Result{}, &sender.Error{Kind: sender.KindEncode, Err: fmt.Errorf("encode envelope: %w", err)}
	}

	token, err := d.tokens.Token()
	if err != nil {
		d.logger.Warn("telemetry token unavailable", slog.String("error", err.Error()))
		return sender.Result{}, &sender.Error{Kind: sender.KindAuth, Err: fmt.Errorf("issue token: %w", err)}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	result, err := d.transport.Send(ctx, body, token)
	if err != nil && !Retryable(err) {
		d.logger.Warn("telemetry delivery failed permanently",
			slog.Int("events", len(events)),
			slog.Int("status", result.StatusCode),
			slog.String("error", err.Error()),
		)
	}
	return result, err
}

// Retryable reports whether a delivery error may succeed later.
// Params: err delivery error.
// Returns: true for transient sender errors and unknown errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var sendErr *sender.Error
	if errors.As(err, &sendErr) {
		return sendErr.Retryable()
	}
	return true
}
