package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound means the player or resource does not exist upstream.
var ErrNotFound = errors.New("player not found")

// ErrForbidden means the API token is invalid or the caller IP is not
// whitelisted for it.
var ErrForbidden = errors.New("api token rejected")

// RateLimitedError is returned on 429 responses. RetryAfter carries the
// upstream hint when one was provided, zero otherwise.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError wraps network failures and 5xx-class responses that are
// worth retrying.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient api failure: %v", e.Err)
	}
	return fmt.Sprintf("transient api failure: status %d", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable reports whether the scheduler should back off and try again
// rather than surface the error.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}

// RetryHint extracts the upstream retry delay, if the error carries one.
func RetryHint(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
