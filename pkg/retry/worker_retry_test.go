package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"google.golang.org/api/googleapi"
)

type statusErr struct {
	status int
	msg    string
	hint   time.Duration
}

func (e *statusErr) Error() string   { return fmt.Sprintf("%d: %s", e.status, e.msg) }
func (e *statusErr) HTTPStatus() int { return e.status }
func (e *statusErr) RetryAfterHint() (time.Duration, bool) {
	return e.hint, e.hint > 0
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &statusErr{status: 429}, true},
		{"server error", &statusErr{status: 500}, true},
		{"bad gateway", &statusErr{status: 502}, true},
		{"unavailable wrapped", fmt.Errorf("list page: %w", &statusErr{status: 503}), true},
		{"bad request", &statusErr{status: 400, msg: "timeout while parsing"}, false},
		{"unauthorized", &statusErr{status: 401, msg: "connection reset"}, false},
		{"forbidden", &statusErr{status: 403, msg: "rate limit"}, false},
		{"not found", &statusErr{status: 404}, false},
		{"googleapi 429", &googleapi.Error{Code: 429}, true},
		{"googleapi 401", &googleapi.Error{Code: 401}, false},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "gmail.googleapis.com"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"unknown", errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	t.Run("hint from error", func(t *testing.T) {
		d, ok := RetryAfter(&statusErr{status: 429, hint: 7 * time.Second})
		if !ok || d != 7*time.Second {
			t.Fatalf("RetryAfter = %v, %v", d, ok)
		}
	})

	t.Run("googleapi header", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "12")
		d, ok := RetryAfter(&googleapi.Error{Code: 429, Header: h})
		if !ok || d != 12*time.Second {
			t.Fatalf("RetryAfter = %v, %v", d, ok)
		}
	})

	t.Run("absent", func(t *testing.T) {
		if _, ok := RetryAfter(&statusErr{status: 503}); ok {
			t.Fatal("expected no hint")
		}
	})

	t.Run("http date", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		d, ok := ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now)
		if !ok || d != 30*time.Second {
			t.Fatalf("ParseRetryAfter = %v, %v", d, ok)
		}
	})
}

func TestComputeDelay_Hint(t *testing.T) {
	if got := ComputeDelay(0, time.Second, time.Minute, 10*time.Second); got != 10*time.Second {
		t.Errorf("hint under max: got %v", got)
	}
	if got := ComputeDelay(0, time.Second, time.Minute, 5*time.Minute); got != time.Minute {
		t.Errorf("hint over max: got %v", got)
	}
}

func TestComputeDelay_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	base := 100 * time.Millisecond
	maxDelay := 30 * time.Second

	properties.Property("never exceeds max after jitter", prop.ForAll(
		func(attempt int) bool {
			return ComputeDelay(attempt, base, maxDelay, 0) <= maxDelay
		},
		gen.IntRange(0, 40),
	))

	properties.Property("stays inside the jitter band before the cap", prop.ForAll(
		func(attempt int) bool {
			d := ComputeDelay(attempt, base, maxDelay, 0)
			raw := float64(base) * float64(int64(1)<<uint(attempt))
			return float64(d) >= raw*jitterMin-1 && float64(d) <= raw*jitterMax+1
		},
		gen.IntRange(0, 7),
	))

	// 2 * 0.75 > 1.25, so any two samples are ordered while uncapped.
	properties.Property("non-decreasing in attempt before the cap", prop.ForAll(
		func(attempt int) bool {
			return ComputeDelay(attempt, base, maxDelay, 0) <= ComputeDelay(attempt+1, base, maxDelay, 0)
		},
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}

func TestDo(t *testing.T) {
	opts := Options{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("retries transient failures", func(t *testing.T) {
		calls := 0
		var observed []int
		o := opts
		o.OnRetry = func(err error, attempt int, delay time.Duration) {
			observed = append(observed, attempt)
		}

		err := Do(context.Background(), o, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return &statusErr{status: 503}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
		if len(observed) != 2 || observed[0] != 0 || observed[1] != 1 {
			t.Errorf("OnRetry attempts = %v", observed)
		}
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), opts, func(ctx context.Context) error {
			calls++
			return &statusErr{status: 401}
		})
		if err == nil || calls != 1 {
			t.Fatalf("err = %v, calls = %d", err, calls)
		}
	})

	t.Run("propagates after budget", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), opts, func(ctx context.Context) error {
			calls++
			return &statusErr{status: 429}
		})
		if StatusOf(err) != 429 {
			t.Fatalf("err = %v", err)
		}
		if calls != opts.MaxRetries+1 {
			t.Errorf("calls = %d, want %d", calls, opts.MaxRetries+1)
		}
	})

	t.Run("honours cancellation while sleeping", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		o := Options{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
		o.OnRetry = func(error, int, time.Duration) { cancel() }

		v, err := DoValue(ctx, o, func(ctx context.Context) (int, error) {
			return 1, &statusErr{status: 500}
		})
		if !errors.Is(err, context.Canceled) || v != 0 {
			t.Fatalf("v = %d, err = %v", v, err)
		}
	})
}
