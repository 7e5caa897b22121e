package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stackline/internal/logging"
)

// TaskRunner processes one dispatched group.
type TaskRunner interface {
	Process(ctx context.Context, task Task) error
}

// PoolOptions sizes the worker pool.
type PoolOptions struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
}

// Pipeline runs the machine's dispatched groups on a fixed set of workers
// and packages jobs that reach packaging.
type Pipeline struct {
	machine  *Machine
	runner   TaskRunner
	packager *Packager
	log      *slog.Logger
	tasks    chan Task
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context
	stopOnce sync.Once

	mu      sync.Mutex
	stopped bool
}

// New starts the pool and installs its hooks on machine. packager may be
// nil, in which case jobs finish without an archive.
func New(ctx context.Context, machine *Machine, runner TaskRunner, packager *Packager, opts PoolOptions, logger *slog.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.Workers * 2
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		machine:  machine,
		runner:   runner,
		packager: packager,
		log:      logging.Or(logger),
		tasks:    make(chan Task, opts.QueueSize),
		cancel:   cancel,
		ctx:      ctx,
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(1)
	go p.sweeper(ctx, opts.SweepInterval)

	machine.SetDispatcher(p.enqueue)
	if packager != nil {
		machine.SetPackager(p.pack)
	}
	return p
}

// enqueue never blocks: the machine calls it under its lock.
func (p *Pipeline) enqueue(task Task) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.tasks <- task:
		return true
	default:
		p.log.Debug("task queue full", "job", task.JobID, "group", task.GroupID)
		return false
	}
}

func (p *Pipeline) pack(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.packager.Package(p.ctx, jobID); err != nil {
			p.log.Debug("package run ended", "job", jobID, "error", err)
		}
	}()
}

// Stop cancels in-flight work and waits for workers to exit. Interrupted
// groups and packages stay where they are for Restore.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			_ = p.runner.Process(ctx, task)
		}
	}
}

func (p *Pipeline) sweeper(ctx context.Context, every time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.machine.Sweep(); n > 0 {
				p.log.Debug("re-offered queued groups", "count", n)
			}
		}
	}
}
