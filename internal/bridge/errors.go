package bridge

import (
	"context"
	"errors"
	"fmt"
)

// ErrRetriesExhausted wraps the last TransportFault once the retry budget is spent.
var ErrRetriesExhausted = errors.New("bridge: retries exhausted")

// errCaptureLost means the page-side capture buffer disappeared, usually
// because the page navigated away mid-stream.
var errCaptureLost = errors.New("capture buffer missing from page")

// AuthError means the sign-in protocol failed or the session never became
// ready. No session is left behind.
type AuthError struct {
	Stage string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s: %v", e.Stage, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportFault means the browser stopped cooperating mid-operation. The
// orchestrator recovers from one of these per request.
type TransportFault struct {
	State State
	Op    string
	Err   error
}

func (e *TransportFault) Error() string {
	return fmt.Sprintf("transport fault in %s (%s): %v", e.State, e.Op, e.Err)
}

func (e *TransportFault) Unwrap() error { return e.Err }

// DecodeError describes one malformed record line. It is logged, never returned.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed record %q: %v", truncate(e.Line, 120), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RequestError rejects a caller payload before any session work starts.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// deliveryError carries a failure from the caller's emit callback, such as a
// disconnected client. It is never retried.
type deliveryError struct{ err error }

func (e *deliveryError) Error() string { return "deliver event: " + e.err.Error() }
func (e *deliveryError) Unwrap() error { return e.err }

// authFailure wraps err as an AuthError unless the caller gave up first.
func authFailure(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &AuthError{Stage: stage, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
