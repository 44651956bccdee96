package proxy

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Kind classifies a transport-level forwarding failure. Backend HTTP
// responses, whatever their status code, are never a Kind: they relay
// verbatim.
type Kind int

const (
	// KindTimeout means the backend did not answer within the forward
	// timeout.
	KindTimeout Kind = iota

	// KindConnectionRefused means the backend could not be reached at all.
	KindConnectionRefused

	// KindProtocolError means the backend connection broke or produced a
	// malformed response.
	KindProtocolError

	// KindBodyTooLarge means the response exceeded the configured body cap.
	KindBodyTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionRefused:
		return "connection refused"
	case KindBodyTooLarge:
		return "body too large"
	default:
		return "protocol error"
	}
}

// Error is a failed forward attempt.
type Error struct {
	Kind      Kind
	Validator string
	cause     error
}

func (e *Error) Error() string {
	msg := "validator '" + e.Validator + "' is unavailable: " + e.Kind.String()
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// classify maps a transport error from the upstream client to a Kind.
func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindConnectionRefused
	}

	return KindProtocolError
}
