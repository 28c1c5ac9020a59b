// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package nextdns is a thin client for the NextDNS REST API.
//
// Only the two endpoints the monitor needs are wrapped:
//
//   - GET /profiles lists the profiles an API key can access
//   - GET /profiles/{id}/analytics/status returns query counts per status
//
// Every response is a JSON envelope holding either a "data" member or an
// "errors" array. An envelope whose first error code is "authRequired" is
// reported as errors.ErrAuthRequired regardless of the HTTP status, so callers
// can tell a rejected key apart from a transport failure.
//
// Calls run through a circuit breaker. Authentication rejections do not count
// as breaker failures. The client never retries.
package nextdns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/metrics"
)

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://api.nextdns.io"

	// TimeRangeAll disables the time filter of analytics queries.
	TimeRangeAll = "all"

	apiKeyHeader     = "X-Api-Key"
	authRequiredCode = "authRequired"
	maxBodySize      = 4 * 1024 * 1024

	defaultTimeout         = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// Profile is a NextDNS configuration profile.
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StatusCount is one row of the analytics status breakdown.
type StatusCount struct {
	Status  string  `json:"status"`
	Queries float64 `json:"queries"`
}

type remoteError struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []remoteError   `json:"errors"`
}

// Config holds client settings. Zero values select defaults.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerTimeout  time.Duration // time the breaker stays open
	HTTPClient      *http.Client
}

// Client calls the NextDNS API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = defaultBreakerTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nextdns-api",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperrors.ErrAuthRequired)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("NextDNS API circuit breaker changed state")
		},
	})

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		breaker:    breaker,
	}
}

// BaseURL returns the API endpoint the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListProfiles returns the profiles visible to apiKey, in server order.
func (c *Client) ListProfiles(ctx context.Context, apiKey string) ([]Profile, error) {
	var profiles []Profile
	if err := c.get(ctx, "list profiles", "profiles", apiKey, "/profiles", nil, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// AnalyticsStatus returns the per-status query counts of a profile.
// timeRange is forwarded verbatim, see TimeRangeQuery.
func (c *Client) AnalyticsStatus(ctx context.Context, apiKey, profileID, timeRange string) ([]StatusCount, error) {
	path := "/profiles/" + url.PathEscape(profileID) + "/analytics/status"

	var counts []StatusCount
	if err := c.get(ctx, "analytics status", "analytics_status", apiKey, path, TimeRangeQuery(timeRange), &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// TimeRangeQuery maps a time-range setting to the analytics query string.
// "all" yields no filter; any other value v yields from=-v without validation.
func TimeRangeQuery(timeRange string) url.Values {
	if timeRange == TimeRangeAll {
		return nil
	}
	return url.Values{"from": {"-" + timeRange}}
}

func (c *Client) get(ctx context.Context, op, endpoint, apiKey, path string, query url.Values, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, op, apiKey, path, query, out)
	})

	switch {
	case err == nil:
		metrics.APIRequests.WithLabelValues(endpoint, "ok").Inc()
	case errors.Is(err, apperrors.ErrAuthRequired):
		metrics.APIRequests.WithLabelValues(endpoint, "auth_required").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.APIRequests.WithLabelValues(endpoint, "breaker_open").Inc()
		return apperrors.NewAPIError(op, 0, fmt.Errorf("%w: %v", apperrors.ErrCircuitBreakerOpen, err))
	default:
		metrics.APIRequests.WithLabelValues(endpoint, "error").Inc()
	}
	return err
}

func (c *Client) do(ctx context.Context, op, apiKey, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return apperrors.NewAPIError(op, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set(apiKeyHeader, apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewAPIError(op, 0, fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return apperrors.NewAPIError(op, resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	var env envelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
		if !ok {
			return apperrors.NewAPIError(op, resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
		}
		return apperrors.NewAPIError(op, resp.StatusCode, fmt.Errorf("%w: %v", apperrors.ErrUnexpectedResponse, jsonErr))
	}

	if len(env.Errors) > 0 {
		code := env.Errors[0].Code
		if code == authRequiredCode {
			return &apperrors.APIError{Op: op, StatusCode: resp.StatusCode, Code: code, Err: apperrors.ErrAuthRequired}
		}
		return &apperrors.APIError{Op: op, StatusCode: resp.StatusCode, Code: code, Err: fmt.Errorf("remote error %q", code)}
	}

	if !ok {
		return apperrors.NewAPIError(op, resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return apperrors.NewAPIError(op, resp.StatusCode, fmt.Errorf("%w: missing data", apperrors.ErrUnexpectedResponse))
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.NewAPIError(op, resp.StatusCode, fmt.Errorf("%w: %v", apperrors.ErrUnexpectedResponse, err))
	}

	return nil
}
