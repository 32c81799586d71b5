package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrAuthFailure = errors.New("gateway authentication failed")
	ErrTransient   = errors.New("gateway transient failure")
	ErrRejected    = errors.New("gateway rejected request")
)

// AuthError means the gateway refused our credentials, even after one re-authentication.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway auth failed (status %d): %s", e.StatusCode, e.Message)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailure }

// TransientError covers network faults, timeouts, 429 and 5xx responses, and an open breaker.
type TransientError struct {
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	msg := "gateway unavailable"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// RejectedError is an explicit business decline from the gateway. It is never retried.
type RejectedError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request (code %s): %s", e.Code, e.Description)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Kind names the error class for metadata and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrTransient):
		return "transient_failure"
	default:
		return "error"
	}
}

// errUnauthorized is returned by a single call when the bearer token was refused.
var errUnauthorized = errors.New("gateway token rejected")
