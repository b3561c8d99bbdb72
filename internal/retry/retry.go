// Package retry implements the bounded retry state machine shared by every
// remote generation call.
//
// A call is attempted up to Policy.MaxAttempts times. Each failed attempt is
// classified into one of three buckets:
//
//	fatal       401, local validation, Permanent errors, context cancellation
//	retry       403, 429, 5xx, unparseable 200 bodies, transport failures
//	retry once  any other status
//
// Waits between attempts depend on the class: exponential with jitter for
// 429, linear for 5xx, a short linear delay otherwise.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type Action int

const (
	ActionRetry Action = iota
	ActionRetryOnce
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionRetryOnce:
		return "retry-once"
	case ActionFatal:
		return "fatal"
	}
	return "unknown"
}

type Decision struct {
	Action Action
	Wait   time.Duration
}

// DefaultMaxAttempts is the per-call attempt budget of the generation client.
// It is independent of the transport's own status retries.
const DefaultMaxAttempts = 3

type Policy struct {
	MaxAttempts   int
	RateLimitBase time.Duration
	ServerBase    time.Duration
	DefaultBase   time.Duration
	// Jitter returns the multiplier applied to rate-limit waits.
	Jitter func() float64
	// Sleep blocks for d or until ctx is done.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger zerolog.Logger
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   DefaultMaxAttempts,
		RateLimitBase: 10 * time.Second,
		ServerBase:    10 * time.Second,
		DefaultBase:   2 * time.Second,
		Jitter:        UniformJitter,
		Sleep:         SleepContext,
		Logger:        zerolog.Nop(),
	}
}

// UniformJitter returns a value in [0.5, 1.5).
func UniformJitter() float64 {
	return 0.5 + rand.Float64()
}

func SleepContext(ctx context.Context, d time.Duration) error {
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

// Decide classifies the error returned by the attempt with zero-based index
// attempt.
func (p Policy) Decide(ctx context.Context, err error, attempt int) Decision {
	var perm *permanentError
	if errors.As(err, &perm) {
		return Decision{Action: ActionFatal}
	}
	if ctx.Err() != nil {
		return Decision{Action: ActionFatal}
	}

	linear := p.DefaultBase * time.Duration(attempt+1)

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized:
			return Decision{Action: ActionFatal}
		case se.StatusCode == http.StatusForbidden:
			return Decision{Action: ActionRetry, Wait: linear}
		case se.StatusCode == http.StatusTooManyRequests:
			jitter := 1.0
			if p.Jitter != nil {
				jitter = p.Jitter()
			}
			wait := float64(p.RateLimitBase) * math.Pow(2, float64(attempt)) * jitter
			return Decision{Action: ActionRetry, Wait: time.Duration(wait)}
		case se.StatusCode >= 500:
			return Decision{Action: ActionRetry, Wait: p.ServerBase * time.Duration(attempt+1)}
		default:
			return Decision{Action: ActionRetryOnce, Wait: linear}
		}
	}

	return Decision{Action: ActionRetry, Wait: linear}
}

// Do runs call until it succeeds, a fatal outcome is reached, or the attempt
// budget is spent. call receives the zero-based attempt index so it can mint
// fresh per-attempt identifiers.
func Do[T any](ctx context.Context, p Policy, op string, call func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	retriedOnce := false
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts++
		result, err := call(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				p.Logger.Info().Str("op", op).Int("attempts", attempts).Msg("Call succeeded after retry")
			}
			return result, nil
		}
		lastErr = err

		d := p.Decide(ctx, err, attempt)
		if d.Action == ActionRetryOnce {
			if retriedOnce {
				d.Action = ActionFatal
			}
			retriedOnce = true
		}

		if d.Action == ActionFatal {
			p.Logger.Error().Err(err).Str("op", op).Int("attempt", attempts).Msg("Call failed, not retrying")
			break
		}
		if attempt == maxAttempts-1 {
			p.Logger.Error().Err(err).Str("op", op).Int("attempts", attempts).Msg("Retry budget exhausted")
			break
		}

		p.Logger.Warn().Err(err).Str("op", op).
			Int("attempt", attempts).
			Int("maxAttempts", maxAttempts).
			Dur("wait", d.Wait).
			Msg("Call failed, retrying")

		if err := sleep(ctx, d.Wait); err != nil {
			lastErr = err
			break
		}
	}

	return zero, &Failure{
		Op:         op,
		Attempts:   attempts,
		StatusCode: statusOf(lastErr),
		Err:        lastErr,
	}
}

func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
