package event

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/host"
)

// newTestFormatter builds a formatter with fixed clock and host lookup.
// Params: t test handle.
// Returns: formatter and pointer to host lookup counter.
func newTestFormatter(t *testing.T) (*Formatter, *int) {
	t.Helper()

	calls := 0
	formatter := NewFormatter(StaticInfo{
		Release:     "shop@1.4.2",
		Environment: "staging",
		ServerName:  "web-01",
		Component:   "checkout",
	}, 20)
	formatter.now = func() time.Time {
		return time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("UTC+3", 3*3600))
	}
	formatter.hostInfo = func(context.Context) (*host.InfoStat, error) {
		calls++
		return &host.InfoStat{Hostname: "web-01", Platform: "debian", KernelVersion: "6.1.0"}, nil
	}
	return formatter, &calls
}

// TestFormat_MessageEvent verifies id, timestamp, tags and context merge.
// Params: testing.T for assertions.
// Returns: none.
func TestFormat_MessageEvent(t *testing.T) {
	formatter, _ := newTestFormatter(t)

	ev := formatter.Format(KindMessage, "disk full", LevelError, map[string]any{"path": "/var"}, WithTags(map[string]string{"shard": "7"}))

	if len(ev.EventID) != 32 || strings.Contains(ev.EventID, "-") {
		t.Fatalf("unexpected event id: %q", ev.EventID)
	}
	if ev.Timestamp.Location() != time.UTC || ev.Timestamp.Hour() != 7 {
		t.Fatalf("expected UTC timestamp, got %v", ev.Timestamp)
	}
	if ev.Level != LevelError || ev.Kind != KindMessage || ev.Message != "disk full" {
		t.Fatalf("unexpected event core fields: %+v", ev)
	}
	if ev.Tags["environment"] != "staging" || ev.Tags["release"] != "shop@1.4.2" || ev.Tags["component"] != "checkout" || ev.Tags["shard"] != "7" {
		t.Fatalf("unexpected tags: %v", ev.Tags)
	}
	if ev.Context["path"] != "/var" {
		t.Fatalf("unexpected context: %v", ev.Context)
	}
	if ev.Contexts["runtime"]["name"] != "go" || ev.Contexts["os"]["platform"] != "debian" || ev.Contexts["host"]["hostname"] != "web-01" {
		t.Fatalf("unexpected static contexts: %v", ev.Contexts)
	}
	if ev.Fingerprint != "" {
		t.Fatalf("formatter must not set fingerprint")
	}
}

// TestFormat_UniqueIDs verifies event ids differ per call.
// Params: testing.T for assertions.
// Returns: none.
func TestFormat_UniqueIDs(t *testing.T) {
	formatter, _ := newTestFormatter(t)

	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		ev := formatter.Format(KindMessage, "x", LevelInfo, nil)
		if _, dup := seen[ev.EventID]; dup {
			t.Fatalf("duplicate event id %q", ev.EventID)
		}
		seen[ev.EventID] = struct{}{}
	}
}

// TestFormat_StaticContextCachedUntilReconfigure verifies host lookup happens once per configuration.
// Params: testing.T for assertions.
// Returns: none.
func TestFormat_StaticContextCachedUntilReconfigure(t *testing.T) {
	formatter, calls := newTestFormatter(t)

	formatter.Format(KindMessage, "a", LevelInfo, nil)
	formatter.Format(KindMessage, "b", LevelInfo, nil)
	if *calls != 1 {
		t.Fatalf("expected one host lookup, got %d", *calls)
	}

	formatter.Reconfigure(StaticInfo{Release: "shop@2.0.0"})
	ev := formatter.Format(KindMessage, "c", LevelInfo, nil)
	if *calls != 2 {
		t.Fatalf("expected host lookup after reconfigure, got %d", *calls)
	}
	if ev.Release != "shop@2.0.0" || ev.Tags["release"] != "shop@2.0.0" {
		t.Fatalf("expected reconfigured release, got %+v", ev)
	}
}

// TestFormat_HostLookupFailureOmitsFields verifies unresolved optional context is omitted.
// Params: testing.T for assertions.
// Returns: none.
func TestFormat_HostLookupFailureOmitsFields(t *testing.T) {
	formatter := NewFormatter(StaticInfo{}, 100)
	formatter.hostInfo = func(context.Context) (*host.InfoStat, error) {
		return nil, errors.New("no host info")
	}

	ev := formatter.Format(KindMessage, "x", Level("loud"), nil)
	if _, ok := ev.Contexts["host"]; ok {
		t.Fatalf("expected host context to be omitted")
	}
	if ev.Level != LevelError {
		t.Fatalf("expected unknown level to map to error, got %q", ev.Level)
	}
	if ev.Tags != nil {
		t.Fatalf("expected no tags without identity, got %v", ev.Tags)
	}
}

// TestFormat_ExceptionFromError verifies exception payload building.
// Params: testing.T for assertions.
// Returns: none.
func TestFormat_ExceptionFromError(t *testing.T) {
	formatter, _ := newTestFormatter(t)
	cause := fmt.Errorf("open config: %w", errors.New("permission denied"))

	ev := formatter.Format(KindException, cause, LevelFatal, nil)

	if ev.Exception == nil {
		t.Fatalf("expected exception payload")
	}
	if ev.Exception.Type != "*errors.errorString" {
		t.Fatalf("unexpected exception type: %q", ev.Exception.Type)
	}
	if ev.Exception.Value != "open config: permission denied" {
		t.Fatalf("unexpected exception value: %q", ev.Exception.Value)
	}
	if len(ev.Exception.Stacktrace) == 0 {
		t.Fatalf("expected stacktrace")
	}
	if !strings.Contains(ev.Exception.Stacktrace[0].Function, "TestFormat_ExceptionFromError") {
		t.Fatalf("expected innermost frame to be the caller, got %q", ev.Exception.Stacktrace[0].Function)
	}
}

type hostRef struct {
	name string
}

// String returns the host name; it dereferences the receiver.
// Params: none.
// Returns: name.
func (h *hostRef) String() string { return h.name }

type lookupError struct {
	key string
}

// Error describes the failed lookup; it dereferences the receiver.
// Params: none.
// Returns: message.
func (e *lookupError) Error() string { return "lookup " + e.key }

type brokenMarshaler struct{}

// MarshalJSON always panics.
// Params: none.
// Returns: never.
func (brokenMarshaler) MarshalJSON() ([]byte, error) { panic("marshal exploded") }

// TestSanitizeContext_TypedNilValues verifies typed-nil and panicking values become placeholders.
// Params: testing.T for assertions.
// Returns: none.
func TestSanitizeContext_TypedNilValues(t *testing.T) {
	var (
		ref       *hostRef
		lookupErr *lookupError
	)

	got := SanitizeContext(map[string]any{
		"ref":    ref,
		"err":    error(lookupErr),
		"broken": brokenMarshaler{},
		"live":   &hostRef{name: "db-1"},
	}, 100)

	if got["ref"] != "[unserializable: *event.hostRef]" {
		t.Fatalf("unexpected nil stringer value: %v", got["ref"])
	}
	if got["err"] != "[unserializable: *event.lookupError]" {
		t.Fatalf("unexpected nil error value: %v", got["err"])
	}
	if got["broken"] != "[unserializable: event.brokenMarshaler]" {
		t.Fatalf("unexpected panicking marshaler value: %v", got["broken"])
	}
	if got["live"] != "db-1" {
		t.Fatalf("unexpected stringer value: %v", got["live"])
	}
}

// TestFormat_TypedNilPayloads verifies typed-nil payloads format without panicking.
// Params: testing.T for assertions.
// Returns: none.
func TestFormat_TypedNilPayloads(t *testing.T) {
	formatter, _ := newTestFormatter(t)
	var (
		ref       *hostRef
		lookupErr *lookupError
	)

	ev := formatter.Format(KindException, error(lookupErr), LevelError, nil)
	if ev.Exception == nil || ev.Exception.Type != "*event.lookupError" {
		t.Fatalf("unexpected exception: %+v", ev.Exception)
	}
	if ev.Exception.Value != "[unserializable: *event.lookupError]" {
		t.Fatalf("unexpected exception value: %q", ev.Exception.Value)
	}

	ev = formatter.Format(KindMessage, ref, LevelError, nil)
	if ev.Message != Truncate("[unserializable: *event.hostRef]", 20) {
		t.Fatalf("unexpected message: %q", ev.Message)
	}
}

// TestSanitizeContext_TruncatesAndReplaces verifies string cap and unserializable placeholders.
// Params: testing.T for assertions.
// Returns: none.
func TestSanitizeContext_TruncatesAndReplaces(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	got := SanitizeContext(map[string]any{
		"long":   strings.Repeat("a", 15),
		"nested": map[string]any{"inner": strings.Repeat("b", 12)},
		"ch":     make(chan int),
		"fn":     func() {},
		"nan":    math.NaN(),
		"struct": payload{Name: "alice"},
		"count":  42,
		"err":    errors.New("boom"),
	}, 10)

	if got["long"] != strings.Repeat("a", 10)+TruncatedMarker {
		t.Fatalf("unexpected truncated value: %v", got["long"])
	}
	if nested := got["nested"].(map[string]any); nested["inner"] != strings.Repeat("b", 10)+TruncatedMarker {
		t.Fatalf("unexpected nested value: %v", nested)
	}
	if got["ch"] != "[unserializable: chan int]" {
		t.Fatalf("unexpected chan placeholder: %v", got["ch"])
	}
	if got["fn"] != "[unserializable: func()]" {
		t.Fatalf("unexpected func placeholder: %v", got["fn"])
	}
	if got["nan"] != "[unserializable: float64]" {
		t.Fatalf("unexpected NaN placeholder: %v", got["nan"])
	}
	if structValue := got["struct"].(map[string]any); structValue["name"] != "alice" {
		t.Fatalf("unexpected struct conversion: %v", got["struct"])
	}
	if got["count"] != 42 || got["err"] != "boom" {
		t.Fatalf("unexpected scalar values: %v %v", got["count"], got["err"])
	}
	if SanitizeContext(nil, 10) != nil {
		t.Fatalf("expected nil for empty context")
	}
}

// TestFingerprint_Deterministic verifies identical fields produce identical fingerprints.
// Params: testing.T for assertions.
// Returns: none.
func TestFingerprint_Deterministic(t *testing.T) {
	first := TelemetryEvent{
		EventID: "a", Kind: KindMessage, Level: LevelError, Message: "timeout after 31ms",
		Tags:    map[string]string{"a": "1", "b": "2"},
		Context: map[string]any{"x": 1, "y": 2},
	}
	second := TelemetryEvent{
		EventID: "b", Kind: KindMessage, Level: LevelError, Message: "  Timeout   after 45ms ",
		Tags:    map[string]string{"b": "2", "a": "1", "c": "3"},
		Context: map[string]any{"y": 2},
	}

	fp := Fingerprint(first)
	if len(fp) != 32 {
		t.Fatalf("expected 128-bit hex fingerprint, got %q", fp)
	}
	if fp != Fingerprint(second) {
		t.Fatalf("expected equal fingerprints")
	}
	if fp != Fingerprint(first) {
		t.Fatalf("expected stable fingerprint")
	}
}

// TestFingerprint_DistinguishesFields verifies each fingerprint field participates.
// Params: testing.T for assertions.
// Returns: none.
func TestFingerprint_DistinguishesFields(t *testing.T) {
	base := TelemetryEvent{
		Kind:  KindException,
		Level: LevelError,
		Exception: &Exception{
			Type:  "*net.OpError",
			Value: "dial tcp: refused",
			Stacktrace: []Frame{
				{File: "/src/vendor/lib.go", Line: 3},
				{File: "/src/app/main.go", Line: 10, InApp: true},
			},
		},
	}
	fp := Fingerprint(base)

	variants := map[string]func(ev *TelemetryEvent){
		"level": func(ev *TelemetryEvent) { ev.Level = LevelWarning },
		"type":  func(ev *TelemetryEvent) { ev.Exception.Type = "*os.PathError" },
		"value": func(ev *TelemetryEvent) { ev.Exception.Value = "dial tcp: reset" },
		"line":  func(ev *TelemetryEvent) { ev.Exception.Stacktrace[1].Line = 11 },
		"kind":  func(ev *TelemetryEvent) { ev.Kind = KindMessage },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			exception := *base.Exception
			exception.Stacktrace = append([]Frame(nil), base.Exception.Stacktrace...)
			ev := base
			ev.Exception = &exception
			mutate(&ev)
			if Fingerprint(ev) == fp {
				t.Fatalf("expected fingerprint change for %s", name)
			}
		})
	}

	noise := base
	noise.Exception = &Exception{Type: base.Exception.Type, Value: base.Exception.Value, Stacktrace: append([]Frame(nil), base.Exception.Stacktrace...)}
	noise.Exception.Stacktrace[0].Line = 99
	if Fingerprint(noise) != fp {
		t.Fatalf("expected non-culprit frame change to keep fingerprint")
	}
}

// TestNormalizeMessage verifies ids and numbers collapse to placeholders.
// Params: testing.T for assertions.
// Returns: none.
func TestNormalizeMessage(t *testing.T) {
	cases := map[string]string{
		"Timeout after 31ms":                               "timeout after <n>ms",
		"user 550e8400-e29b-41d4-a716-446655440000 missing": "user <uuid> missing",
		"object 0xdeadbeef1 freed":                          "object <hex> freed",
		"  many\t\tspaces  ":                                "many spaces",
	}
	for input, want := range cases {
		if got := NormalizeMessage(input); got != want {
			t.Fatalf("NormalizeMessage(%q) = %q, want %q", input, got, want)
		}
	}
}
