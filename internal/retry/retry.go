// Package retry runs fallible operations with exponential backoff.
// Gateway calls and webhook deliveries use it for transient failures.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it immediately instead of
// retrying. Use it for client errors, declined charges and other
// failures where repeating the call would give the same answer.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do invokes fn until it succeeds, up to maxAttempts times. Between
// attempts it sleeps baseDelay doubled per attempt, with jitter so
// that concurrent retries spread out. A *PermanentError stops the
// loop at once, with the wrapped error returned. Context cancellation
// during a backoff sleep returns ctx.Err().
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(lastErr, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(baseDelay, attempt)):
		}
	}
	return lastErr
}

// backoff returns the sleep before the next attempt: baseDelay
// shifted left per completed attempt, jittered by up to +-25%.
func backoff(baseDelay time.Duration, attempt int) time.Duration {
	d := baseDelay << (attempt - 1)
	spread := int64(d) / 4
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(randInt64n(2*spread+1))
}

// randInt64n returns a uniform-ish value in [0, n). crypto/rand keeps
// retry timing unpredictable without seeding concerns.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // v>>1 fits in int64 and n>0
}
