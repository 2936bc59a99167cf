// Package backoff retries HTTP calls with exponential backoff.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy controls how many times and how long a request is retried.
type Policy struct {
	MaxRetries int           `yaml:"max_retries"`
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	// Jitter is the upper bound of the random delay added to each backoff.
	Jitter time.Duration `yaml:"jitter"`
}

// DefaultPolicy returns five retries starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		Base:       time.Second,
		Max:        60 * time.Second,
		Jitter:     time.Second,
	}
}

// StatusError is returned for a final non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
	Retries    int
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(body))
}

// Retryable reports whether a status code is worth another attempt.
func Retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base << attempt
	if d <= 0 || (p.Max > 0 && d > p.Max) {
		d = p.Max
	}
	if p.Jitter > 0 {
		d += rand.N(p.Jitter)
	}
	return d
}

// RetryAfter parses a Retry-After header given as seconds or an HTTP date.
func RetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do sends the request built by newReq, retrying on 429, 5xx and transport
// errors. Other 4xx responses are returned immediately. On success the caller
// owns the response body.
func Do(ctx context.Context, client *http.Client, p Policy, logger *slog.Logger, newReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt == p.MaxRetries {
				break
			}
			wait := p.Delay(attempt)
			logger.Warn("request failed, retrying",
				"url", req.URL.Redacted(),
				"attempt", attempt+1,
				"wait", wait,
				"error", err,
			)
			if err := Sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body := readBody(resp)
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: body, Retries: attempt}
		if !Retryable(resp.StatusCode) || attempt == p.MaxRetries {
			return nil, statusErr
		}
		lastErr = statusErr

		wait := p.Delay(attempt)
		if resp.StatusCode == http.StatusTooManyRequests {
			if d, ok := RetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				wait = d
			}
		}
		logger.Warn("retryable response",
			"url", req.URL.Redacted(),
			"status", resp.StatusCode,
			"attempt", attempt+1,
			"wait", wait,
		)
		if err := Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return nil, fmt.Errorf("giving up after %d retries: %w", p.MaxRetries, lastErr)
}

func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return string(b)
}
