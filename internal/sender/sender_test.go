package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// newTestSender builds a sender against url with millisecond backoff.
// Params: t test handle; url endpoint; mutate optional option changes.
// Returns: sender.
func newTestSender(t *testing.T, url string, mutate func(*Options)) *Sender {
	t.Helper()

	opts := Options{
		Endpoint:      url,
		Timeout:       2 * time.Second,
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    10 * time.Millisecond,
		MaxConcurrent: 4,
	}
	if mutate != nil {
		mutate(&opts)
	}
	sender, err := New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	return sender
}

// TestSend_AlwaysServerErrorStopsAfterMaxRetries verifies the retry bound.
// Params: testing.T for assertions.
// Returns: none.
func TestSend_AlwaysServerErrorStopsAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var outcomes []string
	sender := newTestSender(t, server.URL, func(opts *Options) {
		opts.OnAttempt = func(outcome string) { outcomes = append(outcomes, outcome) }
	})

	result, err := sender.Send(context.Background(), []byte("{}\n"), "tok")
	if err == nil {
		t.Fatalf("expected terminal failure")
	}
	var sendErr *Error
	if !errors.As(err, &sendErr) || sendErr.Kind != KindServer || sendErr.StatusCode != 500 {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Attempts != 3 || hits.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, result=%+v hits=%d", result, hits.Load())
	}
	if len(outcomes) != 3 || outcomes[0] != string(KindServer) {
		t.Fatalf("unexpected attempt outcomes: %v", outcomes)
	}
}

// TestSend_SucceedsOnSecondAttempt verifies retry stops on success and surfaces the id.
// Params: testing.T for assertions.
// Returns: none.
func TestSend_SucceedsOnSecondAttempt(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"abc123"}`))
	}))
	defer server.Close()

	result, err := newTestSender(t, server.URL, nil).Send(context.Background(), []byte("{}\n"), "tok")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Success || result.Attempts != 2 || result.EventID != "abc123" || result.StatusCode != 200 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 server hits, got %d", hits.Load())
	}
}

// TestSend_TerminalClientErrors verifies 4xx other than 429 are not retried.
// Params: testing.T for assertions.
// Returns: none.
func TestSend_TerminalClientErrors(t *testing.T) {
	cases := map[int]ErrorKind{
		http.StatusBadRequest:   KindClient,
		http.StatusUnauthorized: KindAuth,
		http.StatusForbidden:    KindAuth,
	}

	for status, kind := range cases {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			http.Error(w, "nope", status)
		}))

		result, err := newTestSender(t, server.URL, nil).Send(context.Background(), []byte("{}\n"), "tok")
		server.Close()

		var sendErr *Error
		if !errors.As(err, &sendErr) || sendErr.Kind != kind || sendErr.Retryable() {
			t.Fatalf("status %d: unexpected error %v", status, err)
		}
		if result.Attempts != 1 || hits.Load() != 1 {
			t.Fatalf("status %d: expected single attempt, result=%+v hits=%d", status, result, hits.Load())
		}
	}
}

// TestSend_RateLimitedIsRetried verifies 429 is retryable.
// Params: testing.T for assertions.
// Returns: none.
func TestSend_RateLimitedIsRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result, err := newTestSender(t, server.URL, nil).Send(context.Background(), []byte("{}\n"), "tok")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Attempts != 2 {
		t.Fatalf("expected retry after 429, attempts=%d", result.Attempts)
	}
}

// TestSend_LongRetryAfterKeepsRateLimitedKind verifies a wait past the retry budget reports the 429.
// Params: testing.T for assertions.
// Returns: none.
func TestSend_LongRetryAfterKeepsRateLimitedKind(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	result, err := newTestSender(t, server.URL, nil).Send(context.Background(), []byte("{}\n"), "tok")
	var sendErr *Error
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if sendErr.Kind != KindRateLimited || sendErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected rate limited 429, got kind=%s status=%d", sendErr.Kind, sendErr.StatusCode)
	}
	if sendErr.RetryAfter != time.Hour {
		t.Fatalf("expected retry-after to survive, got %v", sendErr.RetryAfter)
	}
	if result.Success || result.Attempts != 1 || hits.Load() != 1 {
		t.Fatalf("expected a single attempt, result=%+v hits=%d", result, hits.Load())
	}
}

// TestSend_BackoffWaitDoubles verifies retry waits grow from the base by a factor of two.
// Params: testing.T for assertions.
// Returns: none.
func TestSend_BackoffWaitDoubles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sender, err := New(Options{
		Endpoint:    server.URL,
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}

	if _, err := sender.Send(context.Background(), []byte("{}\n"), "tok"); err == nil {
		t.Fatalf("expected terminal failure")
	}

	var waits []time.Duration
	decoder := json.NewDecoder(&logs)
	for decoder.More() {
		var record struct {
			Msg  string `json:"msg"`
			Wait int64  `json:"wait"`
		}
		if err := decoder.Decode(&record); err != nil {
			t.Fatalf("decode log record: %v", err)
		}
		if record.Msg == "telemetry send retry scheduled" {
			waits = append(waits, time.Duration(record.Wait))
		}
	}
	if len(waits) != 2 || waits[0] != time.Millisecond || waits[1] != 2*time.Millisecond {
		t.Fatalf("expected waits [1ms 2ms], got %v", waits)
	}
}

// TestSend_RequestHeadersAndCompression verifies auth/content headers and gzip/zstd bodies.
// Params: testing.T for assertions.
// Returns: none.
func TestSend_RequestHeadersAndCompression(t *testing.T) {
	body := []byte("{\"sent_at\":\"2026-03-01T07:00:00Z\"}\n")

	for _, encoding := range []string{"none", "gzip", "zstd"} {
		t.Run(encoding, func(t *testing.T) {
			var (
				gotHeaders http.Header
				gotBody    []byte
			)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotHeaders = r.Header.Clone()
				var reader io.Reader = r.Body
				switch r.Header.Get("Content-Encoding") {
				case "gzip":
					gz, err := gzip.NewReader(r.Body)
					if err != nil {
						w.WriteHeader(http.StatusBadRequest)
						return
					}
					reader = gz
				case "zstd":
					dec, err := zstd.NewReader(r.Body)
					if err != nil {
						w.WriteHeader(http.StatusBadRequest)
						return
					}
					defer dec.Close()
					reader = dec
				}
				gotBody, _ = io.ReadAll(reader)
				w.WriteHeader(http.StatusAccepted)
			}))
			defer server.Close()

			sender := newTestSender(t, server.URL, func(opts *Options) {
				opts.Compression = encoding
				opts.PluginVersion = "1.2.3"
				opts.SourceIdentity = "site-42"
			})
			if _, err := sender.Send(context.Background(), body, "tok-1"); err != nil {
				t.Fatalf("send: %v", err)
			}

			if gotHeaders.Get("Authorization") != "Bearer tok-1" {
				t.Fatalf("unexpected authorization header: %q", gotHeaders.Get("Authorization"))
			}
			if gotHeaders.Get("Content-Type") != "application/x-telemetry-envelope" {
				t.Fatalf("unexpected content type: %q", gotHeaders.Get("Content-Type"))
			}
			if gotHeaders.Get("X-Plugin-Version") != "1.2.3" || gotHeaders.Get("X-Source-Identity") != "site-42" {
				t.Fatalf("unexpected identity headers: %v", gotHeaders)
			}
			if string(gotBody) != string(body) {
				t.Fatalf("unexpected body after decoding: %q", gotBody)
			}
		})
	}
}

// TestSend_ConcurrencyCapHonoursDeadline verifies slot acquisition respects the caller deadline.
// Params: testing.T for assertions.
// Returns: none.
func TestSend_ConcurrencyCapHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	sender := newTestSender(t, server.URL, func(opts *Options) { opts.MaxConcurrent = 1 })

	done := make(chan error, 1)
	go func() {
		_, err := sender.Send(context.Background(), []byte("{}\n"), "tok")
		done <- err
	}()
	<-entered

	if sender.Available() {
		t.Fatalf("expected no free slot while first send is in flight")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sender.Send(ctx, []byte("{}\n"), "tok")
	var sendErr *Error
	if !errors.As(err, &sendErr) || sendErr.Kind != KindTimeout {
		t.Fatalf("expected timeout acquiring slot, got %v", err)
	}

	release <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

// TestSend_NetworkFailureIsRetried verifies connection errors are retryable.
// Params: testing.T for assertions.
// Returns: none.
func TestSend_NetworkFailureIsRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	result, err := newTestSender(t, url, nil).Send(context.Background(), []byte("{}\n"), "tok")
	var sendErr *Error
	if !errors.As(err, &sendErr) || sendErr.Kind != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if result.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", result.Attempts)
	}
}

// TestParseRetryAfter verifies delta-seconds and HTTP-date parsing.
// Params: testing.T for assertions.
// Returns: none.
func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	if got := parseRetryAfter("5", now); got != 5*time.Second {
		t.Fatalf("unexpected seconds value: %v", got)
	}
	if got := parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now); got != 10*time.Second {
		t.Fatalf("unexpected date value: %v", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("expected zero for invalid value, got %v", got)
	}
}
