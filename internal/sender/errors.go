package sender

import (
	"fmt"
	"time"
)

// ErrorKind classifies delivery failures.
type ErrorKind string

// Failure kinds. Network, timeout, rate-limited and server failures are retryable.
const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server"
	KindAuth        ErrorKind = "auth"
	KindClient      ErrorKind = "client"
	KindEncode      ErrorKind = "encode"
)

// Error is a classified delivery failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// Error renders the failure.
// Params: none.
// Returns: message.
func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s failure (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s failure (status %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s failure", e.Kind)
	}
}

// Unwrap returns the underlying cause.
// Params: none.
// Returns: cause or nil.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
// Params: none.
// Returns: retry verdict.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// classifyStatus maps a non-2xx status to an error kind.
// Params: status HTTP status code.
// Returns: error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindServer
	case status == 401 || status == 403:
		return KindAuth
	default:
		return KindClient
	}
}
