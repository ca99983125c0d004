package event

import (
	"context"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

const hostInfoTimeout = 2 * time.Second

// StaticInfo is process-wide identity attached to every event.
type StaticInfo struct {
	Release     string
	Environment string
	ServerName  string
	Component   string
	Logger      string
}

// Option adjusts one Format call.
type Option func(*TelemetryEvent)

// WithTags merges caller tags over the configured tags.
// Params: tags caller tags.
// Returns: format option.
func WithTags(tags map[string]string) Option {
	return func(ev *TelemetryEvent) {
		for key, value := range tags {
			if strings.TrimSpace(key) == "" {
				continue
			}
			if ev.Tags == nil {
				ev.Tags = make(map[string]string, len(tags))
			}
			ev.Tags[key] = value
		}
	}
}

// WithLogger sets the logger name reported with the event.
// Params: name logger name.
// Returns: format option.
func WithLogger(name string) Option {
	return func(ev *TelemetryEvent) {
		if name != "" {
			ev.Logger = name
		}
	}
}

// Formatter builds TelemetryEvent values with cached static context.
type Formatter struct {
	mu        sync.Mutex
	info      StaticInfo
	maxString int
	static    map[string]map[string]any
	now       func() time.Time
	newID     func() string
	hostInfo  func(context.Context) (*host.InfoStat, error)
}

// NewFormatter creates a formatter for info with the given context string cap.
// Params: info static identity; maxString per-string cap.
// Returns: formatter.
func NewFormatter(info StaticInfo, maxString int) *Formatter {
	return &Formatter{
		info:      info,
		maxString: maxString,
		now:       time.Now,
		newID:     NewEventID,
		hostInfo:  host.InfoWithContext,
	}
}

// NewEventID returns a random 128-bit id as 32 lower-case hex chars.
// Params: none.
// Returns: event id.
func NewEventID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Format builds an event; it never fails.
// Params: kind event kind; payload message string, error or *Exception; level severity; fields caller context; opts tag/logger options.
// Returns: formatted event with fingerprint left empty.
func (f *Formatter) Format(kind Kind, payload any, level Level, fields map[string]any, opts ...Option) TelemetryEvent {
	info, static := f.snapshot()

	if _, ok := ParseLevel(string(level)); !ok {
		level = LevelError
	}

	ev := TelemetryEvent{
		EventID:     f.newID(),
		Timestamp:   f.now().UTC(),
		Level:       level,
		Kind:        kind,
		Logger:      info.Logger,
		Release:     info.Release,
		Environment: info.Environment,
		ServerName:  info.ServerName,
		Context:     SanitizeContext(fields, f.maxString),
		Contexts:    static,
	}

	switch kind {
	case KindException:
		ev.Exception = exceptionPayload(payload)
		if ev.Exception.Value != "" {
			ev.Message = Truncate(ev.Exception.Value, f.maxString)
		}
	default:
		ev.Kind = KindMessage
		ev.Message = Truncate(messagePayload(payload), f.maxString)
	}

	ev.Tags = baseTags(info)
	for _, opt := range opts {
		opt(&ev)
	}

	return ev
}

// Reconfigure replaces static identity and invalidates cached static context.
// Params: info new static identity.
// Returns: none.
func (f *Formatter) Reconfigure(info StaticInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
	f.static = nil
}

// snapshot returns identity and the static context, computing it on first use.
// Params: none.
// Returns: identity copy and shared read-only static context.
func (f *Formatter) snapshot() (StaticInfo, map[string]map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.static == nil {
		f.static = f.buildStatic()
	}
	return f.info, f.static
}

// buildStatic resolves runtime/os/host context; unresolved fields are omitted.
// Params: none.
// Returns: static contexts map.
func (f *Formatter) buildStatic() map[string]map[string]any {
	static := map[string]map[string]any{
		"runtime": {"name": "go", "version": runtime.Version()},
		"os":      {"name": runtime.GOOS, "arch": runtime.GOARCH},
	}

	if f.hostInfo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), hostInfoTimeout)
		stat, err := f.hostInfo(ctx)
		cancel()
		if err == nil && stat != nil {
			putNonEmpty(static["os"], "platform", stat.Platform)
			putNonEmpty(static["os"], "version", stat.PlatformVersion)
			putNonEmpty(static["os"], "kernel_version", stat.KernelVersion)
			hostCtx := map[string]any{}
			putNonEmpty(hostCtx, "hostname", stat.Hostname)
			putNonEmpty(hostCtx, "host_id", stat.HostID)
			putNonEmpty(hostCtx, "virtualization", stat.VirtualizationSystem)
			if len(hostCtx) > 0 {
				static["host"] = hostCtx
			}
		}
	}

	app := map[string]any{}
	putNonEmpty(app, "release", f.info.Release)
	putNonEmpty(app, "environment", f.info.Environment)
	putNonEmpty(app, "component", f.info.Component)
	if len(app) > 0 {
		static["app"] = app
	}

	return static
}

// baseTags builds configured tags for one event.
// Params: info static identity.
// Returns: tags map, nil when empty.
func baseTags(info StaticInfo) map[string]string {
	tags := map[string]string{}
	if info.Environment != "" {
		tags["environment"] = info.Environment
	}
	if info.Release != "" {
		tags["release"] = info.Release
	}
	if info.Component != "" {
		tags["component"] = info.Component
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// exceptionPayload coerces an exception payload.
// Params: payload *Exception, Exception, error or any other value.
// Returns: non-nil exception.
func exceptionPayload(payload any) *Exception {
	switch typed := payload.(type) {
	case *Exception:
		if typed != nil {
			copied := *typed
			return &copied
		}
	case Exception:
		return &typed
	case error:
		return ExceptionFromError(typed, 2)
	case string:
		return &Exception{Type: "error", Value: typed}
	case nil:
	default:
		return &Exception{Type: fmt.Sprintf("%T", payload), Value: fmt.Sprint(payload)}
	}
	return &Exception{Type: "error"}
}

// messagePayload coerces a message payload to string.
// Params: payload string, error, Stringer or any value.
// Returns: message text.
func messagePayload(payload any) string {
	switch typed := payload.(type) {
	case nil:
		return ""
	case string:
		return typed
	case error:
		if text, ok := callText(payload, func() string { return typed.Error() }); ok {
			return text
		}
		return unserializable(payload)
	case fmt.Stringer:
		if text, ok := callText(payload, func() string { return typed.String() }); ok {
			return text
		}
		return unserializable(payload)
	default:
		return fmt.Sprint(payload)
	}
}

// putNonEmpty stores value under key when it is not blank.
// Params: dst map; key name; value candidate.
// Returns: none.
func putNonEmpty(dst map[string]any, key string, value string) {
	if strings.TrimSpace(value) != "" {
		dst[key] = value
	}
}
