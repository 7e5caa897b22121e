package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"stackline/internal/burst"
	"stackline/internal/client"
	"stackline/internal/events"
	"stackline/internal/fault"
	"stackline/internal/fsutil"
	"stackline/internal/pipeline"
	"stackline/internal/resume"
	"stackline/internal/transfer"
)

type submitOptions struct {
	Source     string   // folder the captures came from
	Paths      []string // explicit files; empty lists Source
	Name       string
	WorkflowID string
	Threshold  time.Duration
	SkipGroups []int // 1-based group indexes excluded from processing
	NoStart    bool
	Wait       bool
	Mode       string
	JobID      string // continue this job instead of creating one
}

// localGroups lists and groups the captures of opts.
func (r *Root) localGroups(ctx context.Context, opts submitOptions) ([]burst.Group, error) {
	paths := opts.Paths
	if len(paths) == 0 {
		if opts.Source == "" {
			return nil, fault.New(fault.ErrValidation, "cli", "no source folder given")
		}
		var err error
		if paths, err = fsutil.ListImages(opts.Source); err != nil {
			return nil, fmt.Errorf("list %s: %w", opts.Source, err)
		}
	}
	if len(paths) == 0 {
		return nil, fault.New(fault.ErrValidation, "cli", "no images found in "+opts.Source)
	}
	frames, err := r.newExtractor(r.cfg.HDR.Exiftool).Extract(ctx, paths)
	if err != nil {
		return nil, err
	}
	return burst.Partition(frames, opts.Threshold), nil
}

// submit groups local captures, registers them, uploads every pending frame
// and optionally starts and follows the job.
func (r *Root) submit(ctx context.Context, opts submitOptions) (pipeline.Snapshot, error) {
	if opts.Mode == "" {
		opts.Mode = resume.ModeSubmit
	}
	groups, err := r.localGroups(ctx, opts)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	r.log.Info("grouped captures", "source", opts.Source, "groups", len(groups), "threshold", opts.Threshold)

	api := r.api()
	rf := r.resumeFile()

	var snap pipeline.Snapshot
	if opts.JobID == "" {
		name := opts.Name
		if name == "" {
			name = projectName(opts.Source)
		}
		job, err := api.CreateJob(ctx, name, opts.WorkflowID)
		if err != nil {
			return pipeline.Snapshot{}, fmt.Errorf("create job: %w", err)
		}
		opts.JobID = job.ID
		if err := rf.Save(resume.Record{
			Mode:       opts.Mode,
			WorkflowID: opts.WorkflowID,
			JobID:      job.ID,
			Source:     opts.Source,
			Server:     r.cfg.Client.ServerURL,
		}); err != nil {
			r.log.Warn("resume record not saved", "path", rf.Path(), "error", err)
		}
	} else if snap, err = api.Status(ctx, opts.JobID); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("load job %s: %w", opts.JobID, err)
	}
	if len(snap.Groups) == 0 {
		if snap, err = api.RegisterGroups(ctx, opts.JobID, registration(groups, opts.Threshold)); err != nil {
			return pipeline.Snapshot{}, fmt.Errorf("register groups: %w", err)
		}
	}
	r.printf("Job %s: %d groups registered\n", opts.JobID, len(snap.Groups))

	if err := r.upload(ctx, api, rf, snap, groups, opts.Source); err != nil {
		return snap, err
	}

	if !opts.NoStart && !snap.Job.Status.Started() {
		skip, err := skipIDs(snap, opts.SkipGroups)
		if err != nil {
			return snap, err
		}
		if snap, err = api.Start(ctx, opts.JobID, skip); err != nil {
			return snap, fmt.Errorf("start job: %w", err)
		}
		r.printf("Processing started\n")
	}
	if !opts.Wait || opts.NoStart {
		return snap, nil
	}
	return r.waitForJob(ctx, api, rf, opts.JobID)
}

// upload transfers every frame of snap that is not yet stored.
func (r *Root) upload(ctx context.Context, api pipelineAPI, rf *resume.File, snap pipeline.Snapshot, groups []burst.Group, source string) error {
	local := make(map[string]string)
	for _, g := range groups {
		for _, f := range g.Frames {
			local[f.Filename] = f.Path
		}
	}

	plan := transfer.Plan{JobID: snap.Job.ID}
	var pending int64
	for _, g := range snap.Groups {
		gp := transfer.GroupPlan{GroupID: g.ID}
		for _, f := range g.Frames {
			path, ok := local[f.Filename]
			if !ok {
				path = filepath.Join(source, f.Filename)
			}
			uploaded := f.Status == pipeline.FrameUploaded
			if !uploaded {
				pending += f.Size
			}
			gp.Frames = append(gp.Frames, transfer.FramePlan{
				FrameID:  f.ID,
				Path:     path,
				Filename: f.Filename,
				Size:     f.Size,
				Uploaded: uploaded,
				Key:      f.Key,
			})
		}
		plan.Groups = append(plan.Groups, gp)
	}

	var cursor map[string]string
	if rec, ok, err := rf.Load(); err == nil && ok && rec.JobID == snap.Job.ID {
		cursor = rec.Cursor
	}
	ledger := transfer.NewLedger(cursor)
	ledger.OnRecord(func(fingerprint, key string) {
		err := rf.Update(func(rec *resume.Record, ok bool) error {
			if !ok || rec.JobID != snap.Job.ID {
				return nil
			}
			if rec.Cursor == nil {
				rec.Cursor = map[string]string{}
			}
			rec.Cursor[fingerprint] = key
			return nil
		})
		if err != nil {
			r.log.Warn("resume cursor not saved", "error", err)
		}
	})

	opts := transfer.OptionsFrom(r.cfg.Transfer)
	opts.Ledger = ledger
	bar := r.newTransferBar(pending)
	opts.Progress = bar.observe

	report, err := transfer.NewEngine(api, opts, r.log).Upload(ctx, plan)
	bar.finish()
	if report != nil {
		r.printf("Uploaded %d frames (%s), %d already stored\n", len(report.Uploaded), humanize.Bytes(uint64(pending)), len(report.Skipped))
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, fault.ErrMissingSource) {
		r.printf("%d source files are missing. Reconnect the originals and run: stackline resume --source <folder>\n", len(report.Missing))
	}
	return err
}

func skipIDs(snap pipeline.Snapshot, indexes []int) ([]string, error) {
	if len(indexes) == 0 {
		return nil, nil
	}
	byIndex := make(map[int]string, len(snap.Groups))
	for _, g := range snap.Groups {
		byIndex[g.Index] = g.ID
	}
	ids := make([]string, 0, len(indexes))
	for _, i := range indexes {
		id, ok := byIndex[i]
		if !ok {
			return nil, fault.New(fault.ErrValidation, "cli", fmt.Sprintf("no group %d to skip", i))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// waitForJob follows events until the job finishes and prints the result.
func (r *Root) waitForJob(ctx context.Context, api pipelineAPI, rf *resume.File, jobID string) (pipeline.Snapshot, error) {
	if err := r.follow(ctx, api, jobID); err != nil {
		return pipeline.Snapshot{}, err
	}
	snap, err := api.Status(ctx, jobID)
	if err != nil {
		return snap, err
	}
	r.printSnapshot(snap)
	if snap.Job.Status.Terminal() {
		if rec, ok, err := rf.Load(); err == nil && ok && rec.JobID == jobID {
			if err := rf.Clear(); err != nil {
				r.log.Warn("resume record not cleared", "path", rf.Path(), "error", err)
			}
		}
	}
	return snap, nil
}

// follow prints each event of a job until job_done.
func (r *Root) follow(ctx context.Context, api pipelineAPI, jobID string) error {
	_, err := api.Follow(ctx, jobID, client.FollowOptions{}, func(ev events.Event) error {
		r.printEvent(ev)
		return nil
	})
	return err
}

func (r *Root) printEvent(ev events.Event) {
	var data map[string]any
	_ = ev.Decode(&data)
	switch ev.Type {
	case events.GroupDone, events.GroupFailed, events.ImageReady, events.JobStatusChanged, events.JobDone, events.Error:
		r.printf("%s  %-20s %v\n", ev.At.Local().Format("15:04:05"), ev.Type, data)
	default:
		r.log.Debug("event", "type", ev.Type, "data", data)
	}
}

// transferBar turns per-frame progress into one byte counter.
type transferBar struct {
	bar *progressbar.ProgressBar

	mu   sync.Mutex
	sent map[string]int64
}

func (r *Root) newTransferBar(total int64) *transferBar {
	tb := &transferBar{sent: make(map[string]int64)}
	if !r.interactive || total <= 0 {
		return tb
	}
	tb.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionSetDescription("uploading"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(r.out) }),
	)
	return tb
}

func (tb *transferBar) observe(p transfer.Progress) {
	if tb.bar == nil || p.Err != nil {
		return
	}
	tb.mu.Lock()
	delta := p.Sent - tb.sent[p.FrameID]
	if delta > 0 {
		tb.sent[p.FrameID] = p.Sent
	}
	tb.mu.Unlock()
	if delta > 0 {
		_ = tb.bar.Add64(delta)
	}
}

func (tb *transferBar) finish() {
	if tb.bar != nil {
		_ = tb.bar.Finish()
	}
}
