// Package retry implements bounded exponential backoff for upstream calls.
// Only errors the fault package classifies as transient are retried;
// validation, auth, resolution, and permanent upstream failures surface
// immediately.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/Log-LogN/warden/internal/fault"
)

// Policy controls backoff behavior.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps each backoff step. Retry-After hints are capped here too.
	MaxDelay time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter randomizes each delay within [50%, 150%] to avoid thundering herds.
	Jitter bool
}

// Default returns the policy used for external API calls: 4 attempts,
// 500ms initial delay doubling up to 16s.
func Default() Policy {
	return Policy{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     16 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 16 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2.0
	}
	return p
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. The context cancels waits between attempts.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoWithValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoWithValue is Do for operations that return a value.
func DoWithValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	delay := p.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !fault.Retryable(err) || attempt == p.MaxAttempts {
			break
		}

		wait := delay
		if u, ok := fault.IsUpstream(err); ok && u.RetryAfter > 0 {
			wait = time.Duration(u.RetryAfter) * time.Second
		}
		if wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if p.Jitter {
			// #nosec G404 -- jitter does not need crypto randomness
			wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
			if wait > p.MaxDelay {
				wait = p.MaxDelay
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.Factor)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return zero, lastErr
}
