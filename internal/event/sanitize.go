package event

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
	"unicode/utf8"

	"google.golang.org/protobuf/types/known/structpb"
)

// TruncatedMarker is appended to context strings cut at the length cap.
const TruncatedMarker = "...[truncated]"

const maxSanitizeDepth = 8

// SanitizeContext copies context into the JSON value space with capped strings.
// Params: context caller context; maxString per-string rune cap (<=0 disables).
// Returns: sanitized copy, nil for empty input.
func SanitizeContext(context map[string]any, maxString int) map[string]any {
	if len(context) == 0 {
		return nil
	}
	out := make(map[string]any, len(context))
	for key, value := range context {
		out[key] = sanitizeEntry(value, maxString)
	}
	return out
}

// sanitizeEntry sanitizes one top-level value; a panicking marshaler yields the placeholder.
// Params: value raw value; maxString string cap.
// Returns: sanitized value.
func sanitizeEntry(value any, maxString int) (out any) {
	defer func() {
		if recover() != nil {
			out = unserializable(value)
		}
	}()
	return sanitizeValue(value, maxString, 0)
}

// Truncate caps one string to maxString runes plus the truncation marker.
// Params: value input string; maxString rune cap (<=0 disables).
// Returns: original or truncated string.
func Truncate(value string, maxString int) string {
	if maxString <= 0 || utf8.RuneCountInString(value) <= maxString {
		return value
	}
	runes := []rune(value)
	return string(runes[:maxString]) + TruncatedMarker
}

// sanitizeValue converts one context value to a JSON-compatible value.
// Params: value raw value; maxString string cap; depth nesting level.
// Returns: sanitized value or unserializable placeholder.
func sanitizeValue(value any, maxString int, depth int) any {
	if depth > maxSanitizeDepth {
		return unserializable(value)
	}

	switch typed := value.(type) {
	case nil:
		return nil
	case string:
		return Truncate(typed, maxString)
	case []byte:
		return Truncate(string(typed), maxString)
	case error:
		if text, ok := callText(value, func() string { return typed.Error() }); ok {
			return Truncate(text, maxString)
		}
		return unserializable(value)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return typed.String()
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return unserializable(value)
		}
		return typed
	case float32:
		if math.IsNaN(float64(typed)) || math.IsInf(float64(typed), 0) {
			return unserializable(value)
		}
		return typed
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = sanitizeValue(item, maxString, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = Truncate(item, maxString)
		}
		return out
	case []any:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			out = append(out, sanitizeValue(item, maxString, depth+1))
		}
		return out
	case []string:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			out = append(out, Truncate(item, maxString))
		}
		return out
	case fmt.Stringer:
		if text, ok := callText(value, func() string { return typed.String() }); ok {
			return Truncate(text, maxString)
		}
		return unserializable(value)
	}

	if _, err := structpb.NewValue(value); err == nil {
		return value
	}

	// Structs and typed collections go through JSON to land in the structpb value space.
	raw, err := json.Marshal(value)
	if err != nil {
		return unserializable(value)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return unserializable(value)
	}
	if _, err := structpb.NewValue(decoded); err != nil {
		return unserializable(value)
	}
	return sanitizeValue(decoded, maxString, depth+1)
}

// unserializable renders the placeholder for a value that cannot be encoded.
// Params: value offending value.
// Returns: placeholder string.
func unserializable(value any) string {
	return fmt.Sprintf("[unserializable: %T]", value)
}

// callText runs a value's text method; typed-nil receivers and panics report false.
// Params: value method owner; text bound method call.
// Returns: text and success flag.
func callText(value any, text func() string) (out string, ok bool) {
	if isNilValue(value) {
		return "", false
	}
	defer func() {
		if recover() != nil {
			out, ok = "", false
		}
	}()
	return text(), true
}

// isNilValue reports whether value is a nil pointer, map, slice, func, chan or interface
// stored in a non-nil interface.
// Params: value candidate.
// Returns: true for typed nils.
func isNilValue(value any) bool {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
