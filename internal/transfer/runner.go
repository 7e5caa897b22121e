package transfer

import (
	"context"
	"errors"
	"sync"

	"stackline/internal/backoff"
	"stackline/internal/fault"
)

// Task is one unit of transfer work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// Coordinating tasks schedule metered work of their own (the parts of a
	// multipart upload). They hold a slot but are neither retried nor fed
	// into the limiter.
	Coordinating bool
}

// Runner executes tasks under an adaptive concurrency limit. Each attempt is
// retried according to the policy and its outcome adjusts the limiter.
type Runner struct {
	limiter *Limiter
	retry   backoff.Policy
	observe func(limit int)
}

// NewRunner returns a runner over a fresh limiter.
func NewRunner(cfg LimiterConfig, retry backoff.Policy) *Runner {
	return &Runner{limiter: NewLimiter(cfg), retry: retry}
}

// Limiter exposes the runner's limiter.
func (r *Runner) Limiter() *Limiter { return r.limiter }

// OnLimitChange registers a callback invoked whenever the limit moves.
func (r *Runner) OnLimitChange(fn func(limit int)) { r.observe = fn }

// Run launches tasks in order, never exceeding the current limit, and waits
// for every launched task to finish. The returned slice holds one error per
// task; tasks not launched because ctx ended carry ctx's error.
func (r *Runner) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}

	var (
		mu      sync.Mutex
		running int
		wg      sync.WaitGroup
	)
	doneCh := make(chan struct{}, len(tasks))

	next := 0
	for next < len(tasks) {
		mu.Lock()
		free := r.limiter.Limit() - running
		mu.Unlock()

		for free > 0 && next < len(tasks) && ctx.Err() == nil {
			i := next
			next++
			free--
			mu.Lock()
			running++
			mu.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = r.execute(ctx, tasks[i])
				mu.Lock()
				running--
				mu.Unlock()
				doneCh <- struct{}{}
			}()
		}
		if ctx.Err() != nil {
			break
		}
		if next >= len(tasks) {
			break
		}
		select {
		case <-doneCh:
		case <-ctx.Done():
		}
	}

	for i := next; i < len(tasks); i++ {
		errs[i] = fault.Wrap(fault.ErrCanceled, "transfer", tasks[i].Name, "not started", ctx.Err())
	}
	wg.Wait()
	return errs
}

func (r *Runner) execute(ctx context.Context, t Task) error {
	if t.Coordinating {
		return t.Run(ctx)
	}
	return r.retry.Do(ctx, func(ctx context.Context) error {
		err := t.Run(ctx)
		r.feed(ctx, err)
		return err
	})
}

// Do runs a single metered unit with retries outside of Run.
func (r *Runner) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.execute(ctx, Task{Name: name, Run: fn})
}

func (r *Runner) feed(ctx context.Context, err error) {
	before := r.limiter.Limit()
	switch {
	case err == nil:
		r.limiter.Success()
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, fault.ErrCanceled), errors.Is(err, fault.ErrMissingSource):
		return
	case fault.Retriable(err):
		r.limiter.Failure()
	default:
		return
	}
	if after := r.limiter.Limit(); after != before && r.observe != nil {
		r.observe(after)
	}
}
