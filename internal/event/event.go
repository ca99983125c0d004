package event

import (
	"strings"
	"time"
)

// Level is event severity.
type Level string

// Known severities.
const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// Kind distinguishes message events from exception events.
type Kind string

// Known event kinds.
const (
	KindMessage   Kind = "message"
	KindException Kind = "exception"
)

// ParseLevel maps raw level names, including common aliases, to Level.
// Params: raw level name.
// Returns: level and true when recognized.
func ParseLevel(raw string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return LevelDebug, true
	case "info", "notice":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error", "err":
		return LevelError, true
	case "fatal", "critical", "panic":
		return LevelFatal, true
	default:
		return "", false
	}
}

// ParseKind maps raw kind names to Kind.
// Params: raw kind name.
// Returns: kind and true when recognized.
func ParseKind(raw string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "message":
		return KindMessage, true
	case "exception", "error":
		return KindException, true
	default:
		return "", false
	}
}

// Frame is one stack frame of an exception.
type Frame struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	InApp    bool   `json:"in_app"`
}

// Exception is the exception payload. Stacktrace is innermost-first.
type Exception struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Stacktrace []Frame `json:"stacktrace,omitempty"`
}

// TelemetryEvent is one captured event.
type TelemetryEvent struct {
	EventID     string                    `json:"event_id"`
	Timestamp   time.Time                 `json:"timestamp"`
	Level       Level                     `json:"level"`
	Kind        Kind                      `json:"kind"`
	Message     string                    `json:"message,omitempty"`
	Exception   *Exception                `json:"exception,omitempty"`
	Logger      string                    `json:"logger,omitempty"`
	Release     string                    `json:"release,omitempty"`
	Environment string                    `json:"environment,omitempty"`
	ServerName  string                    `json:"server_name,omitempty"`
	Tags        map[string]string         `json:"tags,omitempty"`
	Context     map[string]any            `json:"context,omitempty"`
	Contexts    map[string]map[string]any `json:"contexts,omitempty"`
	Fingerprint string                    `json:"-"`
}

// CulpritFrame returns the innermost in-app frame, or the innermost frame.
// Params: none.
// Returns: frame and true when the event carries a stacktrace.
func (e TelemetryEvent) CulpritFrame() (Frame, bool) {
	if e.Exception == nil || len(e.Exception.Stacktrace) == 0 {
		return Frame{}, false
	}
	for _, frame := range e.Exception.Stacktrace {
		if frame.InApp {
			return frame, true
		}
	}
	return e.Exception.Stacktrace[0], true
}

// ExceptionType returns exception type name or empty string.
// Params: none.
// Returns: exception type.
func (e TelemetryEvent) ExceptionType() string {
	if e.Exception == nil {
		return ""
	}
	return e.Exception.Type
}
