// Package retry classifies upstream failures and retries them with jittered backoff.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/api/googleapi"
)

// Defaults for call-level retries.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 60 * time.Second

	jitterMin = 0.75
	jitterMax = 1.25
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterHinter is implemented by errors that carry a provider wait hint.
type RetryAfterHinter interface {
	RetryAfterHint() (time.Duration, bool)
}

// jitter returns a factor in [0.75, 1.25]. Replaced in tests.
var jitter = func() float64 {
	return jitterMin + rand.Float64()*(jitterMax-jitterMin)
}

// StatusOf extracts the HTTP status from err, or 0 when none is present.
func StatusOf(err error) int {
	if err == nil {
		return 0
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		if s := sc.HTTPStatus(); s != 0 {
			return s
		}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Unknown failures are not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	switch status := StatusOf(err); {
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden:
		return false
	case status != 0:
		return false
	}

	return isNetworkError(err)
}

func isNetworkError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "connection refused", "no such host", "timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryAfter extracts a provider supplied wait hint from err.
func RetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var h RetryAfterHinter
	if errors.As(err, &h) {
		if d, ok := h.RetryAfterHint(); ok {
			return d, true
		}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Header != nil {
		return ParseRetryAfter(apiErr.Header.Get("Retry-After"), time.Now())
	}
	return 0, false
}

// ParseRetryAfter parses a Retry-After header value (delta-seconds or HTTP-date).
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
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
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// ComputeDelay returns the wait before retry number attempt (0-based).
// A positive hint wins, capped by maxDelay. Otherwise base*2^attempt is
// capped by maxDelay and jittered, never exceeding maxDelay.
func ComputeDelay(attempt int, base, maxDelay, hint time.Duration) time.Duration {
	if hint > 0 {
		if hint > maxDelay {
			return maxDelay
		}
		return hint
	}
	if attempt < 0 {
		attempt = 0
	}

	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(maxDelay) {
		exp = float64(maxDelay)
	}

	d := time.Duration(exp * jitter())
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Options configures Do.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// OnRetry is called before sleeping with the failure, the 0-based
	// attempt that failed and the chosen delay.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultOptions returns the call-level defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	return o
}

// Do runs op, retrying retryable failures up to opts.MaxRetries times.
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var zero T
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= opts.MaxRetries || !IsRetryable(err) {
			return zero, err
		}

		hint, _ := RetryAfter(err)
		delay := ComputeDelay(attempt, opts.BaseDelay, opts.MaxDelay, hint)
		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
