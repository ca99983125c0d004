package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"beacon/internal/event"
)

const platform = "go"

type wireEvent struct {
	EventID     string                    `json:"event_id"`
	Timestamp   string                    `json:"timestamp"`
	Level       string                    `json:"level"`
	Platform    string                    `json:"platform"`
	Logger      string                    `json:"logger,omitempty"`
	Message     string                    `json:"message,omitempty"`
	Exception   *wireExceptions           `json:"exception,omitempty"`
	Tags        map[string]string         `json:"tags,omitempty"`
	Extra       map[string]any            `json:"extra,omitempty"`
	Release     string                    `json:"release,omitempty"`
	Environment string                    `json:"environment,omitempty"`
	ServerName  string                    `json:"server_name,omitempty"`
	Contexts    map[string]map[string]any `json:"contexts,omitempty"`
}

type wireExceptions struct {
	Values []wireException `json:"values"`
}

type wireException struct {
	Type       string          `json:"type"`
	Value      string          `json:"value"`
	Stacktrace *wireStacktrace `json:"stacktrace,omitempty"`
}

type wireStacktrace struct {
	Frames []wireFrame `json:"frames"`
}

type wireFrame struct {
	Filename string `json:"filename,omitempty"`
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	InApp    bool   `json:"in_app"`
}

// MarshalEvent renders the wire JSON of ev with frames outermost-first.
// Params: ev formatted event.
// Returns: JSON payload or encode error.
func MarshalEvent(ev event.TelemetryEvent) ([]byte, error) {
	wire := wireEvent{
		EventID:     ev.EventID,
		Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Level:       string(ev.Level),
		Platform:    platform,
		Logger:      ev.Logger,
		Message:     ev.Message,
		Tags:        ev.Tags,
		Extra:       ev.Context,
		Release:     ev.Release,
		Environment: ev.Environment,
		ServerName:  ev.ServerName,
		Contexts:    ev.Contexts,
	}

	if ev.Exception != nil {
		exception := wireException{Type: ev.Exception.Type, Value: ev.Exception.Value}
		if count := len(ev.Exception.Stacktrace); count > 0 {
			frames := make([]wireFrame, 0, count)
			for idx := count - 1; idx >= 0; idx-- {
				frame := ev.Exception.Stacktrace[idx]
				frames = append(frames, wireFrame{
					Filename: frame.File,
					Function: frame.Function,
					Module:   frame.Module,
					Lineno:   frame.Line,
					InApp:    frame.InApp,
				})
			}
			exception.Stacktrace = &wireStacktrace{Frames: frames}
		}
		wire.Exception = &wireExceptions{Values: []wireException{exception}}
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	return payload, nil
}

// UnmarshalEvent parses wire JSON back into an event with frames innermost-first.
// Params: payload event item payload.
// Returns: event or decode error.
func UnmarshalEvent(payload []byte) (event.TelemetryEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return event.TelemetryEvent{}, fmt.Errorf("decode event: %w", err)
	}

	ev := event.TelemetryEvent{
		EventID:     wire.EventID,
		Level:       event.Level(wire.Level),
		Kind:        event.KindMessage,
		Logger:      wire.Logger,
		Message:     wire.Message,
		Tags:        wire.Tags,
		Context:     wire.Extra,
		Release:     wire.Release,
		Environment: wire.Environment,
		ServerName:  wire.ServerName,
		Contexts:    wire.Contexts,
	}
	if wire.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
		if err != nil {
			return event.TelemetryEvent{}, fmt.Errorf("decode event timestamp: %w", err)
		}
		ev.Timestamp = ts
	}

	if wire.Exception != nil && len(wire.Exception.Values) > 0 {
		value := wire.Exception.Values[0]
		exception := &event.Exception{Type: value.Type, Value: value.Value}
		if value.Stacktrace != nil {
			frames := value.Stacktrace.Frames
			exception.Stacktrace = make([]event.Frame, 0, len(frames))
			for idx := len(frames) - 1; idx >= 0; idx-- {
				exception.Stacktrace = append(exception.Stacktrace, event.Frame{
					File:     frames[idx].Filename,
					Line:     frames[idx].Lineno,
					Function: frames[idx].Function,
					Module:   frames[idx].Module,
					InApp:    frames[idx].InApp,
				})
			}
		}
		ev.Kind = event.KindException
		ev.Exception = exception
	}

	return ev, nil
}
