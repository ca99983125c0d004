package filter

import (
	"fmt"
	"strconv"
	"strings"

	"beacon/internal/event"
)

type operator string

const (
	opEQ operator = "="
	opNE operator = "!="
	opGT operator = ">"
	opLT operator = "<"
)

// Rule is one compiled drop_event expression.
type Rule struct {
	Raw   string
	Field string
	Op    operator
	Value string

	number   float64
	isNumber bool
	pattern  Pattern
	wildcard bool
}

// Filter drops events matching any of its rules.
type Filter struct {
	rules []Rule
}

// New compiles drop_event expressions.
// Params: expressions in form <field><op><value>; fields: level, kind, message, exception_type, logger, release, environment, line, tag.<name>, context.<name>.
// Returns: filter or the first parse error.
func New(expressions []string) (*Filter, error) {
	rules := make([]Rule, 0, len(expressions))
	for idx, expression := range expressions {
		rule, err := ParseRule(expression)
		if err != nil {
			return nil, fmt.Errorf("drop_event[%d]: %w", idx, err)
		}
		rules = append(rules, rule)
	}
	return &Filter{rules: rules}, nil
}

// ParseRule parses one expression.
// Params: expression text.
// Returns: compiled rule or parse error.
func ParseRule(expression string) (Rule, error) {
	raw := strings.TrimSpace(expression)
	if raw == "" {
		return Rule{}, fmt.Errorf("empty expression")
	}

	field, op, value, ok := split(raw)
	if !ok {
		return Rule{}, fmt.Errorf("invalid expression %q", raw)
	}
	if field == "" {
		return Rule{}, fmt.Errorf("field is empty in expression %q", raw)
	}
	if value == "" {
		return Rule{}, fmt.Errorf("value is empty in expression %q", raw)
	}
	if !knownField(field) {
		return Rule{}, fmt.Errorf("unknown field %q in expression %q", field, raw)
	}

	rule := Rule{Raw: raw, Field: field, Op: op, Value: value}
	if parsed, err := strconv.ParseFloat(value, 64); err == nil {
		rule.number = parsed
		rule.isNumber = true
	}
	if (op == opGT || op == opLT) && !rule.isNumber {
		return Rule{}, fmt.Errorf("operator %s needs a numeric value in %q", op, raw)
	}
	if strings.Contains(value, "*") {
		rule.pattern, rule.wildcard = Compile(value)
	}
	return rule, nil
}

// Len returns the rule count.
// Params: none.
// Returns: count.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.rules)
}

// Drop reports whether any rule matches ev.
// Params: ev formatted event.
// Returns: matching rule text and true, or "" and false.
func (f *Filter) Drop(ev event.TelemetryEvent) (string, bool) {
	if f == nil {
		return "", false
	}
	for _, rule := range f.rules {
		if rule.Matches(ev) {
			return rule.Raw, true
		}
	}
	return "", false
}

// Matches evaluates the rule against ev. Missing fields never match.
// Params: ev formatted event.
// Returns: verdict.
func (r Rule) Matches(ev event.TelemetryEvent) bool {
	actual, ok := lookup(r.Field, ev)
	if !ok {
		return false
	}

	if r.Op == opGT || r.Op == opLT {
		number, ok := toFloat64(actual)
		if !ok {
			return false
		}
		if r.Op == opGT {
			return number > r.number
		}
		return number < r.number
	}

	var matched bool
	if number, ok := toFloat64(actual); ok && r.isNumber {
		matched = number == r.number
	} else {
		matched = r.matchString(fmt.Sprint(actual))
	}
	if r.Op == opNE {
		return !matched
	}
	return matched
}

// matchString compares against the literal or wildcard value.
func (r Rule) matchString(actual string) bool {
	if r.wildcard {
		return r.pattern.Match(actual)
	}
	return actual == r.Value
}

// lookup resolves a field on ev.
// Params: field name; ev event.
// Returns: value and presence flag.
func lookup(field string, ev event.TelemetryEvent) (any, bool) {
	switch field {
	case "level":
		return string(ev.Level), true
	case "kind":
		return string(ev.Kind), true
	case "message":
		return ev.Message, true
	case "exception_type":
		if ev.Exception == nil {
			return nil, false
		}
		return ev.Exception.Type, true
	case "logger":
		return ev.Logger, true
	case "release":
		return ev.Release, true
	case "environment":
		return ev.Environment, true
	case "line":
		frame, ok := ev.CulpritFrame()
		if !ok {
			return nil, false
		}
		return frame.Line, true
	}

	if name, ok := strings.CutPrefix(field, "tag."); ok {
		value, found := ev.Tags[name]
		return value, found
	}
	if name, ok := strings.CutPrefix(field, "context."); ok {
		value, found := ev.Context[name]
		return value, found
	}
	return nil, false
}

// knownField reports whether lookup understands field.
func knownField(field string) bool {
	switch field {
	case "level", "kind", "message", "exception_type", "logger", "release", "environment", "line":
		return true
	}
	for _, prefix := range []string{"tag.", "context."} {
		if name, ok := strings.CutPrefix(field, prefix); ok && name != "" {
			return true
		}
	}
	return false
}

// split separates field, operator and value; "!=" is tried first.
func split(raw string) (string, operator, string, bool) {
	for _, op := range []operator{opNE, opGT, opLT, opEQ} {
		field, value, found := strings.Cut(raw, string(op))
		if !found {
			continue
		}
		return strings.TrimSpace(field), op, strings.TrimSpace(value), true
	}
	return "", "", "", false
}

// toFloat64 converts numeric values.
func toFloat64(v any) (float64, bool) {
	switch value := v.(type) {
	case int:
		return float64(value), true
	case int8:
		return float64(value), true
	case int16:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case uint:
		return float64(value), true
	case uint8:
		return float64(value), true
	case uint16:
		return float64(value), true
	case uint32:
		return float64(value), true
	case uint64:
		return float64(value), true
	case float32:
		return float64(value), true
	case float64:
		return value, true
	default:
		return 0, false
	}
}
