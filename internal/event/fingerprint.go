package event

import (
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// fingerprintDomainKey is the ASCII domain name zero-padded to 32 bytes.
var fingerprintDomainKey = [32]byte{
	'b', 'e', 'a', 'c', 'o', 'n', '.', 'e', 'v', 'e', 'n', 't', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0,
}

var (
	uuidPattern   = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexIDPattern  = regexp.MustCompile(`\b(?:0x)?[0-9a-f]*[0-9][0-9a-f]*[a-f][0-9a-f]*\b|\b(?:0x)?[0-9a-f]*[a-f][0-9a-f]*[0-9][0-9a-f]*\b`)
	digitsPattern = regexp.MustCompile(`\d+`)
)

// fingerprintFields is the canonical fingerprint input in fixed field order.
type fingerprintFields struct {
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	File          string `json:"file"`
	Line          int    `json:"line"`
	ExceptionType string `json:"exception_type"`
	Level         Level  `json:"level"`
}

// Fingerprint computes the deduplication key of an event.
// Params: ev event; tags, context and event id are ignored.
// Returns: 32 hex chars (128-bit keyed BLAKE3 digest).
func Fingerprint(ev TelemetryEvent) string {
	message := ev.Message
	if ev.Exception != nil && ev.Exception.Value != "" {
		message = ev.Exception.Value
	}

	fields := fingerprintFields{
		Kind:          ev.Kind,
		Message:       NormalizeMessage(message),
		ExceptionType: ev.ExceptionType(),
		Level:         ev.Level,
	}
	if frame, ok := ev.CulpritFrame(); ok {
		fields.File = frame.File
		fields.Line = frame.Line
	}

	canonical, err := json.Marshal(fields)
	if err != nil {
		panic("event: marshal fingerprint fields: " + err.Error())
	}

	hasher, err := blake3.NewKeyed(fingerprintDomainKey[:])
	if err != nil {
		panic("event: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(canonical)
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// NormalizeMessage reduces a message to its stable shape.
// Params: message raw event message.
// Returns: lower-cased message with whitespace collapsed and ids/numbers replaced.
func NormalizeMessage(message string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(message), " "))
	normalized = uuidPattern.ReplaceAllString(normalized, "<uuid>")
	normalized = hexIDPattern.ReplaceAllString(normalized, "<hex>")
	return digitsPattern.ReplaceAllString(normalized, "<n>")
}
