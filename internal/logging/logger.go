package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"beacon/internal/config"
)

const (
	ansiReset   = "\x1b[0m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
	ansiGray    = "\x1b[90m"
)

var tokenPattern = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b|\b-?\d+(?:\.\d+)?\b`)

var ipPattern = regexp.MustCompile(`^\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?$`)

// New builds the process logger from console/file sink configuration.
// Params: cfg logging sinks.
// Returns: logger, close callback for file sinks, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	handlers := make([]slog.Handler, 0, 2)
	closers := make([]io.Closer, 0, 1)

	if cfg.Console.Enabled {
		var out io.Writer = os.Stderr
		if cfg.Console.Format == "line" && isTerminal(os.Stderr) {
			out = &colorLineWriter{dst: os.Stderr}
		}
		handler, err := newHandler(out, cfg.Console)
		if err != nil {
			return nil, nil, fmt.Errorf("console sink: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		if dir := filepath.Dir(cfg.File.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log dir %q: %w", dir, err)
			}
		}
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.File.Path, err)
		}
		handler, err := newHandler(file, cfg.File)
		if err != nil {
			_ = file.Close()
			return nil, nil, fmt.Errorf("file sink: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, file)
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, nil)
	case 1:
		handler = handlers[0]
	default:
		handler = fanoutHandler(handlers)
	}

	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			for _, closer := range closers {
				_ = closer.Close()
			}
		})
	}

	return slog.New(handler), closeFn, nil
}

// newHandler creates one slog handler for a sink.
// Params: out destination writer; sink level/format options.
// Returns: configured handler or error.
func newHandler(out io.Writer, sink config.LogSinkConfig) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "", "line":
		return slog.NewTextHandler(out, opts), nil
	case "json":
		return slog.NewJSONHandler(out, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

// parseLevel maps config level names to slog levels.
// Params: level lower-case name.
// Returns: slog level or error.
func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", level)
	}
}

// isTerminal reports whether file is attached to a character device.
// Params: file output handle.
// Returns: true for interactive terminals.
func isTerminal(file *os.File) bool {
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// fanoutHandler duplicates records into every sink handler.
type fanoutHandler []slog.Handler

// Enabled reports whether any sink accepts level.
// Params: ctx record context; level record level.
// Returns: true when at least one sink is enabled.
func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards record to every enabled sink.
// Params: ctx record context; record log record.
// Returns: joined sink errors.
func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithAttrs returns fanout with attrs bound on every sink.
// Params: attrs attributes to bind.
// Returns: derived handler.
func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, 0, len(h))
	for _, handler := range h {
		out = append(out, handler.WithAttrs(attrs))
	}
	return out
}

// WithGroup returns fanout with group opened on every sink.
// Params: name group name.
// Returns: derived handler.
func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, 0, len(h))
	for _, handler := range h {
		out = append(out, handler.WithGroup(name))
	}
	return out
}

// colorLineWriter colorizes slog text lines for interactive consoles.
type colorLineWriter struct {
	mu  sync.Mutex
	dst io.Writer
}

// Write colorizes one text handler line by level and token kind.
// Params: p raw log line bytes.
// Returns: consumed byte count and destination error.
func (w *colorLineWriter) Write(p []byte) (int, error) {
	line := string(p)
	newline := strings.HasSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\n")

	base := levelColor(line)
	var rendered string
	if base == "" {
		rendered = line
	} else {
		colored := tokenPattern.ReplaceAllStringFunc(line, func(token string) string {
			return tokenColor(token) + token + ansiReset + base
		})
		rendered = base + colored + ansiReset
	}
	if newline {
		rendered += "\n"
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.dst, rendered); err != nil {
		return 0, err
	}
	return len(p), nil
}

// levelColor picks line base color from level attribute.
// Params: line one text handler line.
// Returns: ANSI color or empty string for unknown level.
func levelColor(line string) string {
	switch {
	case strings.Contains(line, "level=ERROR"):
		return ansiRed
	case strings.Contains(line, "level=WARN"):
		return ansiMagenta
	case strings.Contains(line, "level=INFO"):
		return ansiBlue
	case strings.Contains(line, "level=DEBUG"):
		return ansiGray
	default:
		return ""
	}
}

// tokenColor picks highlight color for one matched token.
// Params: token quoted string, IP address or number.
// Returns: ANSI color.
func tokenColor(token string) string {
	switch {
	case strings.HasPrefix(token, `"`):
		return ansiGreen
	case ipPattern.MatchString(token):
		return ansiCyan
	default:
		return ansiYellow
	}
}
