// Package backoff holds the retry policy shared by the redis and database layers.
package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// New returns an exponential policy starting at initial, capped at max, that allows
// attempts calls in total. Fewer than one attempt is treated as one.
func New(attempts int, initial, max time.Duration) retry.Backoff {
	if attempts < 1 {
		attempts = 1
	}
	if initial <= 0 {
		initial = time.Millisecond
	}
	b := retry.NewExponential(initial)
	if max > 0 {
		b = retry.WithCappedDuration(max, b)
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// IsTransient reports whether err is worth retrying: deadlines, and errors that
// declare themselves timeouts or temporary.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
