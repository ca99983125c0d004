package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"beacon/internal/event"
)

// ContentType identifies the envelope body on the wire.
const ContentType = "application/x-telemetry-envelope"

// ItemType is the envelope item kind.
type ItemType string

// Known item types.
const (
	ItemEvent      ItemType = "event"
	ItemUserReport ItemType = "user_report"
	ItemAttachment ItemType = "attachment"
)

var errTruncated = errors.New("envelope truncated")

// Header is the first envelope line.
type Header struct {
	SentAt  time.Time `json:"sent_at"`
	EventID string    `json:"event_id,omitempty"`
}

// ItemHeader precedes every item payload.
type ItemHeader struct {
	Type        ItemType `json:"type"`
	Length      int      `json:"length,omitempty"`
	Filename    string   `json:"filename,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
}

// Item is one header/payload pair.
type Item struct {
	Header  ItemHeader
	Payload []byte
}

// Envelope is a decoded or to-be-encoded envelope.
type Envelope struct {
	Header Header
	Items  []Item
}

// Attachment is a raw file sent alongside events.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// UserReport is user feedback attached to an event.
type UserReport struct {
	EventID  string `json:"event_id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Comments string `json:"comments"`
}

// Empty reports whether the envelope carries no items.
// Params: none.
// Returns: true when nothing should be sent.
func (e Envelope) Empty() bool {
	return len(e.Items) == 0
}

// Encode builds and serializes an envelope of events and attachments.
// Params: events formatted events; attachments raw files.
// Returns: envelope bytes or encode error.
func Encode(events []event.TelemetryEvent, attachments []Attachment) ([]byte, error) {
	env, err := New(events, attachments, time.Now())
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(env)
}

// New assembles an envelope; the header event id is the first event id.
// Params: events formatted events; attachments raw files; now send time.
// Returns: envelope or item encode error.
func New(events []event.TelemetryEvent, attachments []Attachment, now time.Time) (Envelope, error) {
	env := Envelope{Header: Header{SentAt: now.UTC()}}
	if len(events) > 0 {
		env.Header.EventID = events[0].EventID
	}

	for _, ev := range events {
		item, err := EventItem(ev)
		if err != nil {
			return Envelope{}, err
		}
		env.Items = append(env.Items, item)
	}
	for _, attachment := range attachments {
		env.Items = append(env.Items, AttachmentItem(attachment))
	}
	return env, nil
}

// EventItem builds an event item.
// Params: ev formatted event.
// Returns: item or encode error.
func EventItem(ev event.TelemetryEvent) (Item, error) {
	payload, err := MarshalEvent(ev)
	if err != nil {
		return Item{}, err
	}
	return Item{Header: ItemHeader{Type: ItemEvent}, Payload: payload}, nil
}

// UserReportItem builds a user_report item.
// Params: report user feedback.
// Returns: item or encode error.
func UserReportItem(report UserReport) (Item, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return Item{}, fmt.Errorf("encode user report: %w", err)
	}
	return Item{Header: ItemHeader{Type: ItemUserReport}, Payload: payload}, nil
}

// AttachmentItem builds an attachment item with declared length.
// Params: attachment raw file.
// Returns: item.
func AttachmentItem(attachment Attachment) Item {
	return Item{
		Header: ItemHeader{
			Type:        ItemAttachment,
			Length:      len(attachment.Data),
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
		},
		Payload: attachment.Data,
	}
}

// EncodeEnvelope serializes env as newline-delimited lines.
// Params: env envelope.
// Returns: bytes or encode error.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	var buf bytes.Buffer

	header, err := json.Marshal(env.Header)
	if err != nil {
		return nil, fmt.Errorf("encode envelope header: %w", err)
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for idx, item := range env.Items {
		itemHeader := item.Header
		if itemHeader.Type == ItemAttachment {
			itemHeader.Length = len(item.Payload)
		}
		if itemHeader.Length == 0 && bytes.IndexByte(item.Payload, '\n') >= 0 {
			return nil, fmt.Errorf("encode item %d: payload contains newline without declared length", idx)
		}
		raw, err := json.Marshal(itemHeader)
		if err != nil {
			return nil, fmt.Errorf("encode item %d header: %w", idx, err)
		}
		buf.Write(raw)
		buf.WriteByte('\n')
		buf.Write(item.Payload)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

// Decode parses envelope bytes produced by EncodeEnvelope.
// Params: data envelope bytes.
// Returns: envelope or decode error.
func Decode(data []byte) (Envelope, error) {
	line, rest, ok := cutLine(data)
	if !ok && len(line) == 0 {
		return Envelope{}, fmt.Errorf("decode envelope header: %w", errTruncated)
	}

	var env Envelope
	if err := json.Unmarshal(line, &env.Header); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope header: %w", err)
	}

	for len(rest) > 0 {
		line, rest, _ = cutLine(rest)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var item Item
		if err := json.Unmarshal(line, &item.Header); err != nil {
			return Envelope{}, fmt.Errorf("decode item %d header: %w", len(env.Items), err)
		}

		if item.Header.Length > 0 {
			if len(rest) < item.Header.Length {
				return Envelope{}, fmt.Errorf("decode item %d payload: %w", len(env.Items), errTruncated)
			}
			item.Payload = rest[:item.Header.Length]
			rest = rest[item.Header.Length:]
			if len(rest) > 0 && rest[0] == '\n' {
				rest = rest[1:]
			}
		} else {
			item.Payload, rest, _ = cutLine(rest)
		}

		env.Items = append(env.Items, item)
	}

	return env, nil
}

// cutLine splits data at the first newline.
// Params: data input bytes.
// Returns: line without newline, remainder, and whether a newline was found.
func cutLine(data []byte) ([]byte, []byte, bool) {
	line, rest, found := bytes.Cut(data, []byte{'\n'})
	return line, rest, found
}
