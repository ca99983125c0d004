package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"beacon/internal/envelope"
	"beacon/internal/event"
	"beacon/internal/sender"
)

type staticTokens struct {
	token string
	err   error
}

// Token returns the scripted token.
// Params: none.
// Returns: token and error.
func (s staticTokens) Token() (string, error) { return s.token, s.err }

type recordingTransport struct {
	body     []byte
	token    string
	deadline bool
	calls    int
	err      error
}

// Send records the request.
// Params: ctx request context; body envelope; token bearer token.
// Returns: success result or scripted error.
func (r *recordingTransport) Send(ctx context.Context, body []byte, token string) (sender.Result, error) {
	r.calls++
	r.body = body
	r.token = token
	_, r.deadline = ctx.Deadline()
	if r.err != nil {
		return sender.Result{StatusCode: 400}, r.err
	}
	return sender.Result{Success: true, StatusCode: 200, EventID: "srv-1"}, nil
}

// TestDeliverer_SendsOneEnvelope verifies encoding, token use and the per-delivery deadline.
// Params: testing.T for assertions.
// Returns: none.
func TestDeliverer_SendsOneEnvelope(t *testing.T) {
	transport := &recordingTransport{}
	deliverer := NewDeliverer(transport, staticTokens{token: "tok"}, time.Second, discardLogger())

	events := []event.TelemetryEvent{testItem("a").Event, testItem("b").Event}
	result, err := deliverer.Deliver(context.Background(), events)
	if err != nil || result.EventID != "srv-1" {
		t.Fatalf("deliver: result=%+v err=%v", result, err)
	}
	if transport.token != "tok" || !transport.deadline {
		t.Fatalf("expected token and deadline, got token=%q deadline=%v", transport.token, transport.deadline)
	}

	env, err := envelope.Decode(transport.body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Items) != 2 || env.Items[0].Header.Type != envelope.ItemEvent {
		t.Fatalf("unexpected envelope items: %+v", env.Items)
	}
	decoded, err := envelope.UnmarshalEvent(env.Items[1].Payload)
	if err != nil || decoded.EventID != "b" || decoded.Level != event.LevelError {
		t.Fatalf("unexpected decoded event: %+v err=%v", decoded, err)
	}
}

// TestDeliverer_EmptyBatchSkipsSend verifies empty batches never reach the transport.
// Params: testing.T for assertions.
// Returns: none.
func TestDeliverer_EmptyBatchSkipsSend(t *testing.T) {
	transport := &recordingTransport{}
	deliverer := NewDeliverer(transport, staticTokens{token: "tok"}, 0, discardLogger())

	if _, err := deliverer.Deliver(context.Background(), nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if transport.calls != 0 {
		t.Fatalf("expected no send for empty batch")
	}
}

// TestDeliverer_TokenFailureIsTerminal verifies token errors surface as auth failures.
// Params: testing.T for assertions.
// Returns: none.
func TestDeliverer_TokenFailureIsTerminal(t *testing.T) {
	transport := &recordingTransport{}
	deliverer := NewDeliverer(transport, staticTokens{err: errors.New("no secret")}, 0, discardLogger())

	_, err := deliverer.Deliver(context.Background(), []event.TelemetryEvent{testItem("a").Event})
	var sendErr *sender.Error
	if !errors.As(err, &sendErr) || sendErr.Kind != sender.KindAuth || Retryable(err) {
		t.Fatalf("expected terminal auth error, got %v", err)
	}
	if transport.calls != 0 {
		t.Fatalf("expected no send without token")
	}
}
