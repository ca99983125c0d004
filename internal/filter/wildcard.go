package filter

import "strings"

// Pattern is a compiled '*' wildcard.
type Pattern struct {
	parts    []string
	anchorL  bool
	anchorR  bool
	matchAll bool
}

// Compile compiles a '*' wildcard pattern.
// Params: pattern text, '*' matches any run of characters.
// Returns: pattern and false when pattern is blank.
func Compile(pattern string) (Pattern, bool) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return Pattern{}, false
	}
	if strings.Trim(p, "*") == "" {
		return Pattern{matchAll: true}, true
	}
	return Pattern{
		parts:   strings.Split(p, "*"),
		anchorL: !strings.HasPrefix(p, "*"),
		anchorR: !strings.HasSuffix(p, "*"),
	}, true
}

// Match reports whether value matches the pattern.
// Params: value compared text.
// Returns: match verdict.
func (p Pattern) Match(value string) bool {
	if p.matchAll {
		return true
	}
	switch len(p.parts) {
	case 0:
		return false
	case 1:
		return value == p.parts[0]
	}

	first, last := 0, len(p.parts)-1
	cursor, limit := 0, len(value)

	if p.anchorL {
		if !strings.HasPrefix(value, p.parts[0]) {
			return false
		}
		cursor = len(p.parts[0])
		first = 1
	}
	if p.anchorR {
		tail := p.parts[last]
		if !strings.HasSuffix(value[cursor:], tail) {
			return false
		}
		limit = len(value) - len(tail)
		last--
	}

	for _, segment := range p.parts[first : last+1] {
		if segment == "" {
			continue
		}
		offset := strings.Index(value[cursor:limit], segment)
		if offset < 0 {
			return false
		}
		cursor += offset + len(segment)
	}
	return true
}

// Match compiles pattern and matches value once.
// Params: pattern wildcard; value compared text.
// Returns: match verdict, false for a blank pattern.
func Match(pattern, value string) bool {
	compiled, ok := Compile(pattern)
	return ok && compiled.Match(value)
}
