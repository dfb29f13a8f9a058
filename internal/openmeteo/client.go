// Package openmeteo fetches historical hourly weather variables from the
// Open-Meteo archive API. The feature pipeline joins them onto the sensor
// series; forecasting quality depends mostly on global irradiance.
package openmeteo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"thermocast/internal/retry"
)

const (
	// DefaultBaseURL is the public archive endpoint.
	DefaultBaseURL = "https://archive-api.open-meteo.com/v1/archive"

	requestTimeout = 30 * time.Second

	// hourlyVariables are the columns requested from the archive.
	hourlyVariables = "relative_humidity_2m,cloud_cover,wind_speed_10m,global_tilted_irradiance"

	// apiHourLayout is the zone-local naive hour format in archive responses.
	apiHourLayout = "2006-01-02T15:04"
)

// Hour is one hourly weather observation, timestamps resolved to the
// configured zone.
type Hour struct {
	Time       time.Time
	Humidity   float64
	CloudCover float64
	WindSpeed  float64
	GHI        float64
}

// Options configures the client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Latitude and Longitude locate the sensor box.
	Latitude  float64
	Longitude float64
	// Timezone is the IANA zone both requested from and applied to the
	// archive response timestamps.
	Timezone string
	Retry    *retry.Config
}

// Client reads hourly weather history.
type Client struct {
	baseURL   string
	http      *http.Client
	latitude  float64
	longitude float64
	timezone  string
	location  *time.Location
	retryCfg  retry.Config
}

// New constructs a Client. The timezone must be a valid IANA name.
func New(opts Options) (*Client, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	tz := opts.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("openmeteo: load timezone %q: %w", tz, err)
	}
	cfg := retry.DefaultConfig()
	if opts.Retry != nil {
		cfg = *opts.Retry
	}
	cfg.Retryable = weatherRetryable
	return &Client{
		baseURL:   baseURL,
		http:      httpClient,
		latitude:  opts.Latitude,
		longitude: opts.Longitude,
		timezone:  tz,
		location:  loc,
		retryCfg:  cfg,
	}, nil
}

type hourlyPayload struct {
	Hourly struct {
		Time       []string  `json:"time"`
		Humidity   []float64 `json:"relative_humidity_2m"`
		CloudCover []float64 `json:"cloud_cover"`
		WindSpeed  []float64 `json:"wind_speed_10m"`
		GHI        []float64 `json:"global_tilted_irradiance"`
	} `json:"hourly"`
}

// FetchHourly returns the hourly weather history for [startDate, endDate]
// (inclusive calendar dates in the configured zone).
func (c *Client) FetchHourly(ctx context.Context, startDate, endDate time.Time) ([]Hour, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.6f", c.latitude))
	q.Set("longitude", fmt.Sprintf("%.6f", c.longitude))
	q.Set("hourly", hourlyVariables)
	q.Set("timezone", c.timezone)
	q.Set("start_date", startDate.In(c.location).Format("2006-01-02"))
	q.Set("end_date", endDate.In(c.location).Format("2006-01-02"))
	endpoint := c.baseURL + "?" + q.Encode()

	var payload hourlyPayload
	err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("openmeteo: build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return &weatherTransportError{err: err}
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &weatherStatusError{status: resp.StatusCode, body: string(body)}
		}
		payload = hourlyPayload{}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("openmeteo: decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	hours := make([]Hour, 0, len(payload.Hourly.Time))
	for i, raw := range payload.Hourly.Time {
		ts, err := time.ParseInLocation(apiHourLayout, raw, c.location)
		if err != nil {
			return nil, fmt.Errorf("openmeteo: parse hour %q: %w", raw, err)
		}
		h := Hour{Time: ts}
		if i < len(payload.Hourly.Humidity) {
			h.Humidity = payload.Hourly.Humidity[i]
		}
		if i < len(payload.Hourly.CloudCover) {
			h.CloudCover = payload.Hourly.CloudCover[i]
		}
		if i < len(payload.Hourly.WindSpeed) {
			h.WindSpeed = payload.Hourly.WindSpeed[i]
		}
		if i < len(payload.Hourly.GHI) {
			h.GHI = payload.Hourly.GHI[i]
		}
		hours = append(hours, h)
	}
	return hours, nil
}

type weatherStatusError struct {
	status int
	body   string
}

func (e *weatherStatusError) Error() string {
	return fmt.Sprintf("openmeteo: HTTP %d: %s", e.status, e.body)
}

type weatherTransportError struct {
	err error
}

func (e *weatherTransportError) Error() string {
	return fmt.Sprintf("openmeteo: request failed: %v", e.err)
}

func (e *weatherTransportError) Unwrap() error {
	return e.err
}

func weatherRetryable(err error) bool {
	var se *weatherStatusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == 429
	}
	var te *weatherTransportError
	if errors.As(err, &te) {
		return true
	}
	return retry.IsTransient(err)
}
