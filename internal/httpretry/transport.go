// Package httpretry provides an http.RoundTripper that retries transient
// provider failures.
package httpretry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"slices"
	"strconv"
	"time"
)

var defaultRetryableStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Config controls retry behaviour.
type Config struct {
	MaxRetries            int
	MinDelay              time.Duration
	MaxDelay              time.Duration
	UseExponentialBackoff bool
	RetryableStatusCodes  []int
	RetryOnTransportError bool
}

// DefaultConfig retries three times on the usual transient statuses.
func DefaultConfig() Config {
	return Config{
		MaxRetries:            3,
		MinDelay:              500 * time.Millisecond,
		MaxDelay:              10 * time.Second,
		UseExponentialBackoff: true,
		RetryableStatusCodes:  slices.Clone(defaultRetryableStatusCodes),
		RetryOnTransportError: true,
	}
}

// Transport retries requests that fail with a retryable status code or a
// transport error. Request bodies are replayed through Request.GetBody, so
// requests built with http.NewRequest from a bytes reader are retryable.
type Transport struct {
	Base   http.RoundTripper
	Config Config
	// OnRetry is called before every retry with the 1-based retry number.
	OnRetry func(req *http.Request, retry int, reason string)

	sleep func(ctx context.Context, d time.Duration) error
	rand  func(n int64) int64
}

// New wraps base (http.DefaultTransport when nil) with retry behaviour.
func New(base http.RoundTripper, cfg Config) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultConfig().MinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if len(cfg.RetryableStatusCodes) == 0 {
		cfg.RetryableStatusCodes = slices.Clone(defaultRetryableStatusCodes)
	}
	return &Transport{
		Base:   base,
		Config: cfg,
		sleep:  sleepContext,
		rand:   rand.Int63n,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	for attempt := 0; ; attempt++ {
		outReq := req
		if attempt > 0 {
			var err error
			outReq, err = rewind(req)
			if err != nil {
				return nil, err
			}
		}

		resp, err := t.Base.RoundTrip(outReq)
		if attempt >= t.Config.MaxRetries || !t.shouldRetry(ctx, resp, err) {
			return resp, err
		}

		delay := t.backoff(attempt + 1)
		reason := "transport error"
		if resp != nil {
			reason = resp.Status
			if d, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				delay = min(d, t.Config.MaxDelay)
			}
			drain(resp)
		}

		if t.OnRetry != nil {
			t.OnRetry(req, attempt+1, reason)
		}
		if err := t.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) shouldRetry(ctx context.Context, resp *http.Response, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return t.Config.RetryOnTransportError
	}
	return slices.Contains(t.Config.RetryableStatusCodes, resp.StatusCode)
}

func (t *Transport) backoff(retry int) time.Duration {
	delay := t.Config.MinDelay
	if t.Config.UseExponentialBackoff {
		delay = t.Config.MinDelay * time.Duration(1<<uint(min(retry-1, 16)))
		// Up to 20% jitter to spread concurrent retries.
		if j := int64(delay) / 5; j > 0 {
			delay += time.Duration(t.rand(j))
		}
	}
	return min(delay, t.Config.MaxDelay)
}

func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("retry %s %s: request body cannot be replayed", req.Method, req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

// retryAfter parses a Retry-After header given either as seconds or an HTTP date.
func retryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
