package kumo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrReauthRequired is returned when both the access and refresh tokens are
// rejected. The account needs a full re-authentication; the error applies to
// the whole account, not a single device.
var ErrReauthRequired = errors.New("kumo: re-authentication required")

// AuthError is an authorization failure on a single call (expired or
// rejected token). Callers invalidate the session and retry once before
// escalating to ErrReauthRequired.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("kumo: authorization failed (status %d)", e.Status)
}

// TransientError wraps failures worth retrying with backoff: timeouts,
// 5xx responses and rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("kumo: transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// StatusError is a non-auth, non-transient HTTP failure.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("kumo: api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// IsAuth reports whether err is an authorization failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func classifyStatus(status int, body string) error {
	switch {
	case status == 401 || status == 403:
		return &AuthError{Status: status}
	case status == 429 || status >= 500:
		return &TransientError{Err: &StatusError{Status: status, Body: body}}
	default:
		return &StatusError{Status: status, Body: body}
	}
}
