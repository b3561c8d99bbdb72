package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func testPolicy(rec *sleepRecorder) Policy {
	p := DefaultPolicy()
	p.Sleep = rec.sleep
	p.Jitter = func() float64 { return 1.0 }
	return p
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	rec := &sleepRecorder{}
	calls := 0

	got, err := Do(context.Background(), testPolicy(rec), "test", func(_ context.Context, _ int) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("Do() = %q, want ok", got)
	}
	if calls != 1 || len(rec.waits) != 0 {
		t.Errorf("calls = %d, waits = %v, want 1 call and no waits", calls, rec.waits)
	}
}

func TestDo_RateLimitExhaustion(t *testing.T) {
	rec := &sleepRecorder{}
	calls := 0

	_, err := Do(context.Background(), testPolicy(rec), "generate", func(_ context.Context, _ int) (int, error) {
		calls++
		return 0, NewStatusError(http.StatusTooManyRequests, nil)
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("error type = %T, want *Failure", err)
	}
	if f.Attempts != 3 || f.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Failure = %+v, want 3 attempts with status 429", f)
	}

	want := []time.Duration{10 * time.Second, 20 * time.Second}
	if len(rec.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", rec.waits, want)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, rec.waits[i], want[i])
		}
	}
}

func TestDo_UnauthorizedShortCircuits(t *testing.T) {
	rec := &sleepRecorder{}
	calls := 0

	_, err := Do(context.Background(), testPolicy(rec), "generate", func(_ context.Context, _ int) (int, error) {
		calls++
		return 0, NewStatusError(http.StatusUnauthorized, nil)
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(rec.waits) != 0 {
		t.Errorf("waits = %v, want none", rec.waits)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestDo_ServerErrorsBackOffLinearly(t *testing.T) {
	rec := &sleepRecorder{}
	p := testPolicy(rec)
	p.MaxAttempts = 4
	calls := 0

	got, err := Do(context.Background(), p, "generate", func(_ context.Context, attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", NewStatusError(http.StatusBadGateway, nil)
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "done" || calls != 4 {
		t.Errorf("got %q after %d calls, want done after 4", got, calls)
	}

	want := []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, rec.waits[i], want[i])
		}
	}
}

func TestDo_UnknownStatusRetriedOnce(t *testing.T) {
	rec := &sleepRecorder{}
	p := testPolicy(rec)
	p.MaxAttempts = 5
	calls := 0

	_, err := Do(context.Background(), p, "upload", func(_ context.Context, _ int) (int, error) {
		calls++
		return 0, NewStatusError(http.StatusBadRequest, []byte(`{"error":{"message":"bad field"}}`))
	})

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("error = %v, want ErrUnexpectedStatus", err)
	}
}

func TestDo_ForbiddenFatalOnExhaustion(t *testing.T) {
	rec := &sleepRecorder{}
	calls := 0

	_, err := Do(context.Background(), testPolicy(rec), "generate", func(_ context.Context, _ int) (int, error) {
		calls++
		return 0, NewStatusError(http.StatusForbidden, nil)
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}
}

func TestDo_PermanentAndDecodeErrors(t *testing.T) {
	rec := &sleepRecorder{}
	sentinel := errors.New("bad input")
	calls := 0

	_, err := Do(context.Background(), testPolicy(rec), "edit", func(_ context.Context, _ int) (int, error) {
		calls++
		return 0, Permanent(sentinel)
	})
	if calls != 1 || !errors.Is(err, sentinel) {
		t.Errorf("permanent: calls = %d, err = %v", calls, err)
	}

	calls = 0
	_, err = Do(context.Background(), testPolicy(rec), "generate", func(_ context.Context, _ int) (int, error) {
		calls++
		return 0, &DecodeError{Err: fmt.Errorf("unexpected EOF")}
	})
	if calls != 3 || !errors.Is(err, ErrBadResponse) {
		t.Errorf("decode: calls = %d, err = %v", calls, err)
	}
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultPolicy()
	p.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	calls := 0

	_, err := Do(ctx, p, "generate", func(_ context.Context, _ int) (int, error) {
		calls++
		return 0, errors.New("connection reset")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestPolicy_Decide(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = func() float64 { return 1.5 }
	ctx := context.Background()

	tests := []struct {
		name    string
		err     error
		attempt int
		action  Action
		wait    time.Duration
	}{
		{"401", NewStatusError(401, nil), 0, ActionFatal, 0},
		{"403", NewStatusError(403, nil), 1, ActionRetry, 4 * time.Second},
		{"429 attempt 2", NewStatusError(429, nil), 2, ActionRetry, 60 * time.Second},
		{"503", NewStatusError(503, nil), 0, ActionRetry, 10 * time.Second},
		{"418", NewStatusError(418, nil), 0, ActionRetryOnce, 2 * time.Second},
		{"network", errors.New("dial tcp: refused"), 0, ActionRetry, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(ctx, tt.err, tt.attempt)
			if d.Action != tt.action {
				t.Errorf("Action = %v, want %v", d.Action, tt.action)
			}
			if d.Wait != tt.wait {
				t.Errorf("Wait = %v, want %v", d.Wait, tt.wait)
			}
		})
	}
}

func TestNewStatusError_Detail(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"quota", `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`, "quota exhausted (RESOURCE_EXHAUSTED)"},
		{"throttled", `{"error":{"code":429,"status":"X","details":[{"reason":"PUBLIC_ERROR_USER_REQUESTS_THROTTLED"}]}}`, "requests throttled, reduce workers or wait longer"},
		{"message", `{"error":{"message":"boom"}}`, "boom"},
		{"not json", `<html>`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewStatusError(429, []byte(tt.body)).Detail; got != tt.want {
				t.Errorf("Detail = %q, want %q", got, tt.want)
			}
		})
	}
}
