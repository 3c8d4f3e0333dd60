package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChannel means the destination channel no longer exists.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrAuthExpired means the upstream rejected a freshly refreshed credential.
	ErrAuthExpired = errors.New("auth expired")

	// ErrBudgetExhausted means no credential pool had room for another subscription.
	ErrBudgetExhausted = errors.New("subscription budget exhausted")
)

// UpstreamError is a transient failure talking to an upstream API.
type UpstreamError struct {
	Err        error
	Op         string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the request may succeed.
func (e *UpstreamError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// MalformedPayloadError means an upstream response could not be decoded.
type MalformedPayloadError struct {
	Err    error
	Source string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Source, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// IsTransient checks if an error is a retryable upstream failure.
func IsTransient(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream) && upstream.Temporary()
}

// IsMalformed checks if an error is an undecodable upstream payload.
func IsMalformed(err error) bool {
	var malformed *MalformedPayloadError
	return errors.As(err, &malformed)
}
