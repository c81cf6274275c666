package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/idbridge/idbridge/pkg/engine"
	"github.com/idbridge/idbridge/pkg/telemetry"
)

// apiClient is the shared HTTP plumbing for both services: token-injecting
// transport, JSON codec, error classification, and retry with exponential
// backoff on throttled and transient failures.
type apiClient struct {
	baseURL    string
	service    string
	httpClient *http.Client
	maxRetries int
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
}

// newAPIClient builds a client whose requests carry the given static token.
// tokenType is the Authorization scheme ("SSWS" for Okta, "Bearer" for
// Braintrust).
func newAPIClient(baseURL, service, token, tokenType string, timeout time.Duration, maxRetries int, logger zerolog.Logger, metrics *telemetry.Metrics) *apiClient {
	source := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   tokenType,
	})
	httpClient := oauth2.NewClient(context.Background(), source)
	httpClient.Timeout = timeout

	return &apiClient{
		baseURL:    baseURL,
		service:    service,
		httpClient: httpClient,
		maxRetries: maxRetries,
		logger:     logger,
		metrics:    metrics,
	}
}

// doJSON performs one API call with retries, decoding the response into out
// when out is non-nil. Returns the response headers of the final attempt so
// callers can walk pagination links. A 404 comes back as a permanent
// SyncError with code NOT_FOUND; find-style callers convert that to (nil, nil).
func (c *apiClient) doJSON(ctx context.Context, method, path string, query url.Values, body, out interface{}) (http.Header, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, engine.NewPermanentError("failed to encode request body", err).
				WithCode(engine.ErrCodeInternal).WithOperation(method + " " + path)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.RecordAPIRetry(c.service)
			delay := c.calculateBackoff(attempt-1, lastErr)
			c.logger.Debug().
				Str("path", path).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying API request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, engine.NewTransientError("request cancelled", ctx.Err()).
					WithCode(engine.ErrCodeTimeout).WithOperation(method + " " + path)
			}
		}

		header, err := c.attempt(ctx, method, endpoint, payload, out)
		c.metrics.RecordAPICall(c.service, method+" "+path, err)
		if err == nil {
			return header, nil
		}
		lastErr = err
		if !engine.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *apiClient) attempt(ctx context.Context, method, endpoint string, payload []byte, out interface{}) (http.Header, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, engine.NewPermanentError("failed to build request", err).
			WithCode(engine.ErrCodeInternal)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, engine.NewTransientError("request failed", err).
			WithCode(engine.ErrCodeConnectivity).WithOperation(method + " " + endpoint)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.NewTransientError("failed to read response body", err).
			WithCode(engine.ErrCodeConnectivity)
	}

	if err := c.classifyStatus(resp, data); err != nil {
		return nil, err
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, engine.NewPermanentError("failed to decode response", err).
				WithCode(engine.ErrCodeAPIFailed).WithOperation(method + " " + endpoint)
		}
	}
	return resp.Header, nil
}

// classifyStatus maps HTTP status codes onto the sync error taxonomy.
func (c *apiClient) classifyStatus(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return engine.NewPermanentError("resource not found", nil).
			WithCode(engine.ErrCodeNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return engine.NewPermanentError(
			fmt.Sprintf("%s rejected credentials (HTTP %d)", c.service, status), nil).
			WithCode(engine.ErrCodePermissionDenied)
	case status == http.StatusConflict:
		return engine.NewConflictError(
			fmt.Sprintf("%s reported a conflict: %s", c.service, truncate(body, 200)), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	case status == http.StatusTooManyRequests:
		err := engine.NewThrottledError(
			fmt.Sprintf("%s rate limit exceeded", c.service), nil).
			WithCode(engine.ErrCodeRateLimited)
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			err = err.WithDetail("retry_after", retryAfter)
		}
		return err
	case status >= 500:
		return engine.NewTransientError(
			fmt.Sprintf("%s server error (HTTP %d)", c.service, status), nil).
			WithCode(engine.ErrCodeAPIFailed)
	default:
		return engine.NewPermanentError(
			fmt.Sprintf("%s request failed (HTTP %d): %s", c.service, status, truncate(body, 200)), nil).
			WithCode(engine.ErrCodeAPIFailed)
	}
}

// calculateBackoff computes exponential backoff with jitter, using a longer
// base delay for throttled errors and honoring Retry-After when present.
func (c *apiClient) calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if engine.IsThrottled(err) {
		baseDelay = 5 * time.Second
		var syncErr *engine.SyncError
		if asSyncError(err, &syncErr) {
			if ra, ok := syncErr.Details["retry_after"].(string); ok {
				if seconds, convErr := strconv.Atoi(ra); convErr == nil && seconds > 0 {
					return time.Duration(seconds) * time.Second
				}
			}
		}
	} else if engine.IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// Add jitter (+25%)
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

func asSyncError(err error, target **engine.SyncError) bool {
	se, ok := err.(*engine.SyncError)
	if ok {
		*target = se
	}
	return ok
}

// IsNotFound reports whether the error is the explicit-absence case.
func IsNotFound(err error) bool {
	var se *engine.SyncError
	if asSyncError(err, &se) {
		return se.Code == engine.ErrCodeNotFound
	}
	return false
}

func truncate(body []byte, limit int) string {
	s := string(body)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextLink extracts the rel="next" pagination URL from a Link header.
func nextLink(header http.Header) string {
	for _, link := range header.Values("Link") {
		if m := linkNextPattern.FindStringSubmatch(link); m != nil {
			return m[1]
		}
	}
	return ""
}

// afterCursor extracts the "after" query parameter from a pagination URL.
func afterCursor(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("after")
}
