package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"beacon/internal/config"
	"beacon/internal/envelope"
)

const (
	maxResponseBody  = 64 << 10
	defaultUserAgent = "beacon-go"
)

// Result describes one Send call.
type Result struct {
	Success    bool
	EventID    string
	StatusCode int
	Attempts   int
}

// Options configures an HTTP sender.
type Options struct {
	Endpoint       string
	Timeout        time.Duration
	MaxRetries     uint
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Jitter         float64
	MaxConcurrent  int64
	Compression    string
	UserAgent      string
	PluginVersion  string
	SourceIdentity string
	// OnAttempt observes every attempt outcome: "success" or an ErrorKind.
	OnAttempt func(outcome string)
}

// OptionsFromConfig maps config sections to sender options.
// Params: telemetry endpoint identity section; cfg sender section.
// Returns: sender options.
func OptionsFromConfig(telemetry config.TelemetryConfig, cfg config.SenderConfig) Options {
	return Options{
		Endpoint:       telemetry.Endpoint,
		Timeout:        cfg.BackgroundTimeout.Duration,
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase.Duration,
		BackoffMax:     cfg.BackoffMax.Duration,
		Jitter:         cfg.Jitter,
		MaxConcurrent:  cfg.MaxConcurrent,
		Compression:    cfg.Compression,
		PluginVersion:  telemetry.PluginVersion,
		SourceIdentity: telemetry.SourceIdentity,
	}
}

// Sender posts envelopes to the ingestion endpoint with retry and a concurrency cap.
type Sender struct {
	opts     Options
	client   *http.Client
	sem      *semaphore.Weighted
	logger   *slog.Logger
	inFlight atomic.Int64
}

// New creates a sender.
// Params: opts sender options; logger reports retries locally.
// Returns: sender or error for invalid options.
func New(opts Options, logger *slog.Logger) (*Sender, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("sender endpoint is empty")
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if _, _, err := compressBody(opts.Compression, nil); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	transport.MaxIdleConnsPerHost = int(opts.MaxConcurrent)

	return &Sender{
		opts:   opts,
		client: &http.Client{Transport: transport, Timeout: opts.Timeout},
		sem:    semaphore.NewWeighted(opts.MaxConcurrent),
		logger: logger,
	}, nil
}

// Available reports whether a send slot is free right now.
// Params: none.
// Returns: true when fewer than MaxConcurrent sends are in flight.
func (s *Sender) Available() bool {
	return s.inFlight.Load() < s.opts.MaxConcurrent
}

// Send posts body with bearer token, retrying retryable failures.
// Params: ctx caller deadline (cancellation counts as a retryable timeout); body envelope bytes; token bearer token.
// Returns: result with attempt count; *Error on terminal failure.
func (s *Sender) Send(ctx context.Context, body []byte, token string) (Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Result{}, &Error{Kind: KindTimeout, Err: fmt.Errorf("acquire send slot: %w", err)}
	}
	s.inFlight.Add(1)
	defer func() {
		s.inFlight.Add(-1)
		s.sem.Release(1)
	}()

	payload, encoding, err := compressBody(s.opts.Compression, body)
	if err != nil {
		return Result{}, &Error{Kind: KindEncode, Err: err}
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     s.opts.BackoffBase,
		RandomizationFactor: s.opts.Jitter,
		Multiplier:          2,
		MaxInterval:         s.opts.BackoffMax,
	}
	policy.Reset()

	attempts := 0
	var lastErr *Error
	operation := func() (Result, error) {
		attempts++
		result, err := s.attempt(ctx, payload, encoding, token)
		result.Attempts = attempts
		s.observe(err)
		if err == nil {
			return result, nil
		}

		var sendErr *Error
		if !errors.As(err, &sendErr) || !sendErr.Retryable() {
			return result, backoff.Permanent(err)
		}
		lastErr = sendErr
		if uint(attempts) >= s.opts.MaxRetries {
			return result, err
		}
		if sendErr.RetryAfter > 0 {
			return result, backoff.RetryAfter(int((sendErr.RetryAfter + time.Second - 1) / time.Second))
		}
		return result, err
	}

	notify := func(err error, wait time.Duration) {
		s.logger.Debug("telemetry send retry scheduled",
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.opts.MaxRetries),
		backoff.WithNotify(notify),
	)
	result.Attempts = attempts
	if err == nil {
		return result, nil
	}

	// A retry wait that would overrun the elapsed budget surfaces as backoff's own error.
	var sendErr *Error
	if !errors.As(err, &sendErr) {
		if lastErr != nil && ctx.Err() == nil {
			err = lastErr
		} else {
			err = &Error{Kind: KindTimeout, Err: err}
		}
	}
	result.Success = false
	return result, err
}

// attempt performs one HTTP POST.
// Params: ctx caller context; payload encoded body; encoding Content-Encoding; token bearer token.
// Returns: result and classified error.
func (s *Sender) attempt(ctx context.Context, payload []byte, encoding string, token string) (Result, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, &Error{Kind: KindClient, Err: fmt.Errorf("build request: %w", err)}
	}
	request.Header.Set("Content-Type", envelope.ContentType)
	request.Header.Set("User-Agent", s.opts.UserAgent)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if encoding != "" {
		request.Header.Set("Content-Encoding", encoding)
	}
	if s.opts.PluginVersion != "" {
		request.Header.Set("X-Plugin-Version", s.opts.PluginVersion)
	}
	if s.opts.SourceIdentity != "" {
		request.Header.Set("X-Source-Identity", s.opts.SourceIdentity)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return Result{}, &Error{Kind: transportKind(ctx, err), Err: fmt.Errorf("post %s: %w", s.opts.Endpoint, err)}
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxResponseBody))
	result := Result{StatusCode: response.StatusCode}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		result.Success = true
		var body struct {
			ID string `json:"id"`
		}
		if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &body) == nil {
			result.EventID = body.ID
		}
		return result, nil
	}

	sendErr := &Error{Kind: classifyStatus(response.StatusCode), StatusCode: response.StatusCode}
	if message := strings.TrimSpace(string(raw)); message != "" {
		sendErr.Err = errors.New(truncate(message, 256))
	}
	if sendErr.Kind == KindRateLimited {
		sendErr.RetryAfter = parseRetryAfter(response.Header.Get("Retry-After"), time.Now())
	}
	return result, sendErr
}

// observe reports one attempt outcome to the metrics hook.
// Params: err attempt error.
// Returns: none.
func (s *Sender) observe(err error) {
	if s.opts.OnAttempt == nil {
		return
	}
	if err == nil {
		s.opts.OnAttempt("success")
		return
	}
	var sendErr *Error
	if errors.As(err, &sendErr) {
		s.opts.OnAttempt(string(sendErr.Kind))
		return
	}
	s.opts.OnAttempt(string(KindNetwork))
}

// transportKind classifies transport failures.
// Params: ctx request context; err transport error.
// Returns: timeout for deadlines/cancellation, network otherwise.
func transportKind(ctx context.Context, err error) ErrorKind {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// parseRetryAfter parses delta-seconds or HTTP-date values.
// Params: raw header value; now reference time.
// Returns: wait duration or zero when absent/invalid.
func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// truncate caps message length for error text.
// Params: message input; limit max bytes.
// Returns: capped message.
func truncate(message string, limit int) string {
	if len(message) <= limit {
		return message
	}
	return message[:limit] + "..."
}
