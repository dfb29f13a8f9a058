// Package retry implements bounded retries with exponential backoff for the
// outbound HTTP clients. Callers classify which errors are transient; the
// package only decides when to give up and how long to sleep in between.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the initial
	// one. A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Multiplier is the factor applied to the backoff after each retry.
	Multiplier float64
	// Jitter adds up to ±Jitter fraction of randomness to each delay.
	Jitter float64
	// Retryable reports whether an error is worth another attempt. When nil,
	// IsTransient is used.
	Retryable func(error) bool
}

// DefaultConfig returns the retry configuration used by the OpenSenseMap
// client for metadata calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// ExhaustedError is returned when all attempts failed with transient errors.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Delayer is implemented by errors that carry a server-mandated wait, such as
// an HTTP 429 with a Retry-After header. When the last error implements it,
// the mandated delay replaces the computed backoff.
type Delayer interface {
	RetryDelay() (time.Duration, bool)
}

// IsTransient is the default classifier: timeouts and temporary DNS failures
// retry, context cancellation never does.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. Backoff honors context cancellation.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		delay := backoff(cfg, attempt)
		var d Delayer
		if errors.As(err, &d) {
			if mandated, ok := d.RetryDelay(); ok && mandated > delay {
				delay = mandated
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

func backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if max := float64(cfg.MaxBackoff); cfg.MaxBackoff > 0 && d > max {
		d = max
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(d)
}
