package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"whendoist/pkg/circuitbreaker"
	"whendoist/pkg/metrics"
)

const defaultCalendarBaseURL = "https://www.googleapis.com/calendar/v3"

// transientRetries is the bounded retry count for 5xx/network failures on
// a single call. Permanent 4xx errors are never retried.
const transientRetries = 2

// Event is the canonical payload written to the external calendar.
type Event struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"-"`
	End         time.Time `json:"-"`
}

type eventBody struct {
	Summary     string        `json:"summary"`
	Description string        `json:"description,omitempty"`
	Start       eventDateTime `json:"start"`
	End         eventDateTime `json:"end"`
}

type eventDateTime struct {
	DateTime string `json:"dateTime"`
}

// CalendarClient performs single-event operations against the Google
// Calendar API under rate limiting and circuit-breaker protection.
type CalendarClient struct {
	baseURL    string
	calendarID string
	httpClient *http.Client
	limiter    *AdaptiveLimiter
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewCalendarClient(calendarID string, perSecond float64, logger *zap.Logger) *CalendarClient {
	return &CalendarClient{
		baseURL:    defaultCalendarBaseURL,
		calendarID: calendarID,
		httpClient: &http.Client{
			Timeout: 5 * time.Second, // short per-call timeout, retries handle the rest
		},
		limiter: NewAdaptiveLimiter(perSecond, 30*time.Second),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		logger:  logger,
	}
}

// WithBaseURL overrides the API endpoint. Used in tests.
func (c *CalendarClient) WithBaseURL(baseURL string) *CalendarClient {
	c.baseURL = baseURL
	return c
}

// InsertEvent creates an event and returns its provider-issued id.
func (c *CalendarClient) InsertEvent(ctx context.Context, accessToken string, ev *Event) (string, error) {
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(c.calendarID))

	var created struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, "insert", http.MethodPost, path, accessToken, ev, &created)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateEvent overwrites an existing event.
func (c *CalendarClient) UpdateEvent(ctx context.Context, accessToken, eventID string, ev *Event) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(c.calendarID), url.PathEscape(eventID))
	return c.call(ctx, "update", http.MethodPut, path, accessToken, ev, nil)
}

// DeleteEvent removes an event. A provider 404 maps to ErrEventNotFound,
// which callers treat as already deleted.
func (c *CalendarClient) DeleteEvent(ctx context.Context, accessToken, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(c.calendarID), url.PathEscape(eventID))
	return c.call(ctx, "delete", http.MethodDelete, path, accessToken, nil, nil)
}

func (c *CalendarClient) call(ctx context.Context, verb, method, path, accessToken string, ev *Event, out any) error {
	var body []byte
	if ev != nil {
		b, err := json.Marshal(eventBody{
			Summary:     ev.Summary,
			Description: ev.Description,
			Start:       eventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
			End:         eventDateTime{DateTime: ev.End.Format(time.RFC3339)},
		})
		if err != nil {
			return err
		}
		body = b
	}

	var lastErr error
	for attempt := 0; attempt <= transientRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		start := time.Now()
		err := c.breaker.Execute(func() error {
			return c.doOnce(ctx, method, path, accessToken, body, out)
		})
		duration := time.Since(start)

		switch {
		case err == nil:
			metrics.RecordCalendarCall(verb, "ok", duration)
			return nil

		case isRateLimited(err):
			metrics.RecordCalendarCall(verb, "rate_limited", duration)
			c.limiter.Backoff()
			lastErr = err
			continue

		case isTransient(err):
			metrics.RecordCalendarCall(verb, "error", duration)
			lastErr = err
			continue

		default:
			// Permanent: not-found, revoked credential, other 4xx.
			status := "error"
			if err == ErrEventNotFound {
				status = "not_found"
			}
			metrics.RecordCalendarCall(verb, status, duration)
			return err
		}
	}

	return fmt.Errorf("calendar %s exhausted retries: %w", verb, lastErr)
}

func (c *CalendarClient) doOnce(ctx context.Context, method, path, accessToken string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusForbidden && hasRateLimitReason(resp):
		// Google reports quota exhaustion as 403 rateLimitExceeded.
		return ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthRevoked
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrEventNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("calendar api 5xx: %d", resp.StatusCode)
	default:
		return fmt.Errorf("calendar api error: %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode calendar response: %w", err)
		}
	}
	return nil
}

func hasRateLimitReason(resp *http.Response) bool {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false
	}
	return bytes.Contains(raw, []byte("rateLimitExceeded")) ||
		bytes.Contains(raw, []byte("userRateLimitExceeded"))
}

func isRateLimited(err error) bool {
	return err == ErrRateLimited
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if err == circuitbreaker.ErrCircuitBreakerOpen {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "calendar api 5xx") ||
		strings.Contains(s, "connection") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "EOF")
}
