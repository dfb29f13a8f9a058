// Package opensensemap is a typed read-only client for the OpenSenseMap API.
// It fetches box metadata and raw sensor measurements; it never writes.
package opensensemap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"thermocast/internal/retry"
)

const (
	// DefaultBaseURL is the public OpenSenseMap API endpoint.
	DefaultBaseURL = "https://api.opensensemap.org"

	metadataTimeout     = 30 * time.Second
	measurementsTimeout = 60 * time.Second

	// apiTimeLayout is RFC 3339 with millisecond precision and a trailing Z,
	// the format the API expects for from-date/to-date.
	apiTimeLayout = "2006-01-02T15:04:05.000Z"
)

// Doer is the subset of http.Client the client needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures the client.
type Options struct {
	// BaseURL overrides the public API endpoint, mainly for tests.
	BaseURL string
	// HTTPClient overrides the transport. Per-call timeouts are applied via
	// context, so the default client carries none of its own.
	HTTPClient Doer
	// MetadataRetry and MeasurementsRetry override the retry budgets
	// (3 and 2 attempts respectively by default).
	MetadataRetry     *retry.Config
	MeasurementsRetry *retry.Config
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
}

// Client calls the OpenSenseMap API with bounded retries.
type Client struct {
	baseURL          string
	http             Doer
	metadataRetry    retry.Config
	measurementRetry retry.Config
	limiter          *rate.Limiter
}

// New constructs a Client.
func New(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	doer := opts.HTTPClient
	if doer == nil {
		doer = &http.Client{}
	}
	metaRetry := retry.DefaultConfig()
	metaRetry.MaxAttempts = 3
	if opts.MetadataRetry != nil {
		metaRetry = *opts.MetadataRetry
	}
	metaRetry.Retryable = retryable
	measRetry := retry.DefaultConfig()
	measRetry.MaxAttempts = 2
	if opts.MeasurementsRetry != nil {
		measRetry = *opts.MeasurementsRetry
	}
	measRetry.Retryable = retryable
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		baseURL:          baseURL,
		http:             doer,
		metadataRetry:    metaRetry,
		measurementRetry: measRetry,
		limiter:          limiter,
	}
}

// FetchBoxMetadata retrieves the metadata document for a box, including its
// sensor list and lastMeasurementAt.
func (c *Client) FetchBoxMetadata(ctx context.Context, boxID string) (BoxMeta, error) {
	if boxID == "" {
		return BoxMeta{}, fmt.Errorf("opensensemap: box id is required")
	}
	endpoint := fmt.Sprintf("%s/boxes/%s", c.baseURL, url.PathEscape(boxID))

	var meta BoxMeta
	err := retry.Do(ctx, c.metadataRetry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, metadataTimeout)
		defer cancel()
		return c.getJSON(callCtx, endpoint, &meta)
	})
	if err != nil {
		return BoxMeta{}, fmt.Errorf("fetch box %s metadata: %w", boxID, err)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "fetched box metadata"}, log.KV{K: "box_id", V: boxID}, log.KV{K: "sensors", V: len(meta.Sensors)})
	return meta, nil
}

// FetchMeasurements retrieves raw measurements for one sensor in [from, to].
// Bounds are normalized to UTC and formatted with millisecond precision.
func (c *Client) FetchMeasurements(ctx context.Context, boxID, sensorID string, from, to time.Time) ([]Measurement, error) {
	if boxID == "" || sensorID == "" {
		return nil, fmt.Errorf("opensensemap: box id and sensor id are required")
	}
	q := url.Values{}
	q.Set("from-date", from.UTC().Format(apiTimeLayout))
	q.Set("to-date", to.UTC().Format(apiTimeLayout))
	q.Set("format", "json")
	endpoint := fmt.Sprintf("%s/boxes/%s/data/%s?%s",
		c.baseURL, url.PathEscape(boxID), url.PathEscape(sensorID), q.Encode())

	var measurements []Measurement
	err := retry.Do(ctx, c.measurementRetry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, measurementsTimeout)
		defer cancel()
		measurements = measurements[:0]
		return c.getJSON(callCtx, endpoint, &measurements)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch measurements for sensor %s: %w", sensorID, err)
	}
	return measurements, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("opensensemap: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// parseRetryAfter handles the delay-seconds form of the header. The HTTP-date
// form is rare enough on this API that it falls back to zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
