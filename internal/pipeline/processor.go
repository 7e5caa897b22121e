package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stackline/internal/enhance"
	"stackline/internal/fault"
	"stackline/internal/fsutil"
	"stackline/internal/hdr"
	"stackline/internal/logging"
)

// Compositor fuses a group's frames.
type Compositor interface {
	Composite(ctx context.Context, req hdr.Request) (hdr.Result, error)
}

// Enhancer resolves a composite to its final output.
type Enhancer interface {
	Enhance(ctx context.Context, req enhance.Request) (enhance.Result, error)
}

// Processor runs one dispatched group through fusion and enhancement,
// reporting each step to the machine.
type Processor struct {
	machine    *Machine
	compositor Compositor
	enhancer   Enhancer
	log        *slog.Logger
	now        func() time.Time
}

// NewProcessor wires a processor to machine.
func NewProcessor(machine *Machine, compositor Compositor, enhancer Enhancer, logger *slog.Logger) *Processor {
	return &Processor{
		machine:    machine,
		compositor: compositor,
		enhancer:   enhancer,
		log:        logging.Or(logger),
		now:        time.Now,
	}
}

// CompositeKey is where the fused image of a group is stored.
func CompositeKey(jobID, groupID string) string {
	return fmt.Sprintf("jobs/%s/hdr/%s/composite.jpg", jobID, groupID)
}

// Process claims task and drives it to a terminal group state. Claims that
// are stale or belong to a canceled job are dropped.
func (p *Processor) Process(ctx context.Context, task Task) error {
	work, err := p.machine.Claim(ctx, task)
	if err != nil {
		p.log.Debug("dropping task", "job", task.JobID, "group", task.GroupID, "attempt", task.Attempt, "error", err)
		return err
	}
	start := p.now()
	logging.LogGroupStart(p.log, work.JobID, work.GroupID, work.Index, len(work.Frames), work.Attempt)

	key, err := p.run(ctx, work)
	if err != nil {
		p.fail(ctx, task, start, err)
		return err
	}
	logging.LogGroupComplete(p.log, work.JobID, work.GroupID, p.now().Sub(start), key)
	return nil
}

func (p *Processor) run(ctx context.Context, work Work) (string, error) {
	sources := make([]hdr.Source, len(work.Frames))
	for i, f := range work.Frames {
		sources[i] = hdr.Source{Key: f.Key, Filename: f.Filename}
	}

	fetched := false
	res, err := p.compositor.Composite(ctx, hdr.Request{
		JobID:     work.JobID,
		GroupID:   work.GroupID,
		Frames:    sources,
		OutputKey: CompositeKey(work.JobID, work.GroupID),
		OnFetched: func(ctx context.Context) error {
			if fetched {
				return nil
			}
			fetched = true
			if err := p.machine.ReportStage(ctx, work.Task, GroupPreprocessOK); err != nil {
				return err
			}
			return p.machine.ReportStage(ctx, work.Task, GroupHDRProcessing)
		},
	})
	if err != nil {
		return "", err
	}
	if err := p.machine.ReportComposite(ctx, work.Task, res.Key); err != nil {
		return "", err
	}
	if err := p.machine.ReportStage(ctx, work.Task, GroupAIProcessing); err != nil {
		return "", err
	}

	out, err := p.enhancer.Enhance(ctx, enhance.Request{
		JobID:      work.JobID,
		GroupID:    work.GroupID,
		Index:      work.Index,
		WorkflowID: work.WorkflowID,
		InputKey:   res.Key,
		OutputKey:  fsutil.ObjectKey(work.OwnerID, work.ToolFolder, work.ProjectFolder, p.now(), work.GroupID+"-output.jpg"),
	})
	if err != nil {
		return "", err
	}
	if err := p.machine.ReportEnhanced(ctx, work.Task, out.Key); err != nil {
		return "", err
	}
	return out.Key, nil
}

// fail reports err unless the work no longer owns its group. Interrupted
// work is left for Restore or the next retry.
func (p *Processor) fail(ctx context.Context, task Task, start time.Time, err error) {
	logging.LogGroupError(p.log, task.JobID, task.GroupID, p.now().Sub(start), err)
	if errors.Is(err, fault.ErrCanceled) || errors.Is(err, fault.ErrConflict) || ctx.Err() != nil {
		return
	}
	if rerr := p.machine.ReportFailure(ctx, task, err); rerr != nil {
		p.log.Debug("failure report refused", "job", task.JobID, "group", task.GroupID, "error", rerr)
	}
}
