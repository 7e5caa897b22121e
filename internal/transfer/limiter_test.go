package transfer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stackline/internal/backoff"
	"stackline/internal/fault"
)

func TestLimiterStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 100; trial++ {
		min := 1 + rng.Intn(3)
		max := min + rng.Intn(6)
		l := NewLimiter(LimiterConfig{Min: min, Max: max, Initial: rng.Intn(12), DecreaseFactor: 0.5 + rng.Float64()*0.4})
		for i := 0; i < 500; i++ {
			if rng.Intn(4) == 0 {
				l.Failure()
			} else {
				l.Success()
			}
			if got := l.Limit(); got < min || got > max {
				t.Fatalf("limit %d escaped [%d,%d]", got, min, max)
			}
		}
	}
}

func TestLimiterAdditiveIncreaseMultiplicativeDecrease(t *testing.T) {
	l := NewLimiter(LimiterConfig{Min: 1, Max: 6, Initial: 3, SuccessWindow: 6, DecreaseFactor: 0.7})
	for i := 0; i < 5; i++ {
		l.Success()
	}
	if l.Limit() != 3 {
		t.Fatalf("expected no growth before the window fills, got %d", l.Limit())
	}
	l.Success()
	if l.Limit() != 4 {
		t.Fatalf("expected growth to 4, got %d", l.Limit())
	}
	l.Failure()
	if l.Limit() != 2 {
		t.Fatalf("expected floor(4*0.7)=2, got %d", l.Limit())
	}
	l.Failure()
	l.Failure()
	if l.Limit() != 1 {
		t.Fatalf("expected clamp to min, got %d", l.Limit())
	}
}

func TestLimiterCooldown(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewLimiter(LimiterConfig{Min: 1, Max: 8, Initial: 1, SuccessWindow: 6, Cooldown: 2 * time.Second, DecreaseFactor: 0.7})
	l.now = func() time.Time { return now }
	for i := 0; i < 6; i++ {
		l.Success()
	}
	if l.Limit() != 2 {
		t.Fatalf("expected first increase, got %d", l.Limit())
	}
	for i := 0; i < 12; i++ {
		l.Success()
	}
	if l.Limit() != 2 {
		t.Fatalf("expected cooldown to block growth, got %d", l.Limit())
	}
	now = now.Add(3 * time.Second)
	l.Success()
	if l.Limit() != 3 {
		t.Fatalf("expected growth after cooldown, got %d", l.Limit())
	}
}

func TestLimiterDerivedWindow(t *testing.T) {
	cases := map[int]int{1: 6, 2: 8, 5: 8}
	for min, want := range cases {
		got := NewLimiter(LimiterConfig{Min: min, Max: min + 2}).Config().SuccessWindow
		if got != want {
			t.Fatalf("min %d: expected window %d, got %d", min, want, got)
		}
	}
	if NewLimiter(LimiterConfig{Min: 2, Max: 4, Initial: 10}).Limit() != 4 {
		t.Fatalf("initial must clamp to max")
	}
}

func fastRetry() backoff.Policy {
	return backoff.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestRunnerRespectsLimit(t *testing.T) {
	r := NewRunner(LimiterConfig{Min: 1, Max: 2, Initial: 2}, fastRetry())
	var current, peak int32
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{Name: "t", Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		}}
	}
	for _, err := range r.Run(context.Background(), tasks) {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if peak > 2 {
		t.Fatalf("concurrency peaked at %d, limit was 2", peak)
	}
}

func TestRunnerRetriesAndShrinks(t *testing.T) {
	r := NewRunner(LimiterConfig{Min: 1, Max: 4, Initial: 4, DecreaseFactor: 0.5}, fastRetry())
	var calls int32
	var changes []int
	var mu sync.Mutex
	r.OnLimitChange(func(limit int) {
		mu.Lock()
		changes = append(changes, limit)
		mu.Unlock()
	})
	errs := r.Run(context.Background(), []Task{{Name: "flaky", Run: func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return fault.New(fault.ErrTransient, "test", "flaky")
		}
		return nil
	}}})
	if errs[0] != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got %v after %d calls", errs[0], calls)
	}
	if r.Limiter().Limit() != 1 {
		t.Fatalf("expected limit 1 after two failures, got %d", r.Limiter().Limit())
	}
	if len(changes) != 2 {
		t.Fatalf("expected two limit changes, got %v", changes)
	}
}

func TestRunnerIgnoresPermanentAndMissingErrors(t *testing.T) {
	r := NewRunner(LimiterConfig{Min: 1, Max: 4, Initial: 3}, fastRetry())
	var calls int32
	errs := r.Run(context.Background(), []Task{
		{Name: "missing", Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return fault.New(fault.ErrMissingSource, "test", "gone")
		}},
		{Name: "rejected", Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return fault.New(fault.ErrGroupFatal, "test", "rejected")
		}},
	})
	if !errors.Is(errs[0], fault.ErrMissingSource) || !errors.Is(errs[1], fault.ErrGroupFatal) {
		t.Fatalf("unexpected errors %v", errs)
	}
	if calls != 2 || r.Limiter().Limit() != 3 {
		t.Fatalf("permanent errors must not retry or shrink: calls=%d limit=%d", calls, r.Limiter().Limit())
	}
}

func TestRunnerStopsLaunchingAfterCancel(t *testing.T) {
	r := NewRunner(LimiterConfig{Min: 1, Max: 1, Initial: 1}, fastRetry())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 5)
	tasks := make([]Task, 5)
	for i := range tasks {
		tasks[i] = Task{Name: "block", Run: func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}}
	}
	go func() {
		<-started
		cancel()
	}()

	done := make(chan []error)
	go func() { done <- r.Run(ctx, tasks) }()
	select {
	case errs := <-done:
		for i := 1; i < len(errs); i++ {
			if !errors.Is(errs[i], fault.ErrCanceled) {
				t.Fatalf("task %d: expected canceled, got %v", i, errs[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not return after cancellation")
	}
	if len(started) != 0 {
		t.Fatalf("expected no further launches, %d started", len(started))
	}
}
