package opensensemap

import (
	"errors"
	"fmt"
	"time"

	"thermocast/internal/retry"
)

// StatusError is returned for non-2xx responses. A 429 carries the parsed
// Retry-After delay so the retry loop can honor it.
type StatusError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("opensensemap: HTTP %d: %s", e.Status, e.Body)
}

// RetryDelay implements retry.Delayer.
func (e *StatusError) RetryDelay() (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}

// DecodeError is returned when a 2xx response body is not valid JSON.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("opensensemap: decode response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether the error is a client-side request failure that
// retrying cannot fix: any 4xx other than 429.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 400 && se.Status < 500 && se.Status != 429
	}
	return false
}

// retryable classifies errors per the ingestion policy: connection and
// timeout failures, 5xx, 429 and JSON decode errors retry; other 4xx do not.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == 429
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return true
	}
	if retry.IsTransient(err) {
		return true
	}
	// url.Error wraps connection refusals and DNS failures that are not
	// surfaced as net.Error timeouts; treat any remaining transport-level
	// failure from http.Client.Do as transient.
	var transient *transportError
	return errors.As(err, &transient)
}

// transportError marks request execution failures (as opposed to status or
// decode errors) so the classifier can retry them.
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("opensensemap: request failed: %v", e.err)
}

func (e *transportError) Unwrap() error {
	return e.err
}
