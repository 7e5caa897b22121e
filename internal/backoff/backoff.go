package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"

	"stackline/internal/fault"
)

// Policy defines retry behaviour for a single unit of work.
type Policy struct {
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the fraction of the computed delay added at random, in [0,1].
	Jitter float64
	// Retryable decides whether an error is worth another attempt.
	// Defaults to fault.Retriable.
	Retryable func(error) bool
}

// Default mirrors the transfer defaults: 3 attempts, 500ms doubling, 8s cap.
func Default() Policy {
	return Policy{
		Attempts:   3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
		Multiplier: 2,
		Jitter:     0.3,
	}
}

// Delay returns how long to wait before attempt n+1, where n is 1-based.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(n-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 && delay > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = fault.Retriable
	}

	var err error
	for n := 1; n <= attempts; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if n == attempts || !retryable(err) {
			return err
		}
		timer := time.NewTimer(p.Delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
