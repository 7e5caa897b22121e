package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stackline/internal/events"
	"stackline/internal/fault"
	"stackline/internal/logging"
	"stackline/internal/metrics"
)

// Publisher receives every transition as an event.
type Publisher interface {
	Emit(jobID string, typ events.Type, data any) events.Event
}

// Store persists snapshots so a restarted server can resume in-flight jobs.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadActive(ctx context.Context) ([]Snapshot, error)
}

// Options configures a Machine. Every field is optional.
type Options struct {
	Publisher  Publisher
	Store      Store
	Reserver   Reserver
	RetryLimit int    // 0 means unlimited retry-missing calls
	ToolFolder string // second segment of raw object keys
	ImageURL   func(key string) string
	Logger     *slog.Logger
	Now        func() time.Time
}

type jobState struct {
	job    Job
	groups []Group
}

func (st *jobState) group(groupID string) (*Group, error) {
	for i := range st.groups {
		if st.groups[i].ID == groupID {
			return &st.groups[i], nil
		}
	}
	return nil, fault.New(fault.ErrNotFound, "pipeline", fmt.Sprintf("group %s not found", groupID))
}

func (st *jobState) frame(frameID string) (*Group, *Frame, error) {
	for i := range st.groups {
		g := &st.groups[i]
		for j := range g.Frames {
			if g.Frames[j].ID == frameID {
				return g, &g.Frames[j], nil
			}
		}
	}
	return nil, nil, fault.New(fault.ErrNotFound, "pipeline", fmt.Sprintf("frame %s not found", frameID))
}

func (st *jobState) snapshot() Snapshot {
	groups := make([]Group, len(st.groups))
	for i, g := range st.groups {
		groups[i] = g.clone()
	}
	return Snapshot{Job: st.job, Groups: groups, Progress: ComputeProgress(st.groups)}
}

// Machine owns every Job and Group status field. Workers, the transfer API
// and the packager only report outcomes; the Machine decides transitions.
type Machine struct {
	log        *slog.Logger
	pub        Publisher
	store      Store
	reserver   Reserver
	retryLimit int
	toolFolder string
	imageURL   func(string) string
	now        func() time.Time

	mu       sync.Mutex
	jobs     map[string]*jobState
	dispatch func(Task) bool
	pack     func(jobID string)
}

// NewMachine returns an empty machine.
func NewMachine(opts Options) *Machine {
	m := &Machine{
		log:        logging.Or(opts.Logger),
		pub:        opts.Publisher,
		store:      opts.Store,
		reserver:   opts.Reserver,
		retryLimit: opts.RetryLimit,
		toolFolder: opts.ToolFolder,
		imageURL:   opts.ImageURL,
		now:        opts.Now,
		jobs:       make(map[string]*jobState),
	}
	if m.reserver == nil {
		m.reserver = NewCreditLedger(0)
	}
	if m.toolFolder == "" {
		m.toolFolder = "hdr"
	}
	if m.imageURL == nil {
		m.imageURL = func(key string) string { return key }
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SetDispatcher installs the non-blocking hand-off to the worker pool. It
// reports false when the task could not be enqueued; Sweep offers it again.
func (m *Machine) SetDispatcher(fn func(Task) bool) {
	m.mu.Lock()
	m.dispatch = fn
	m.mu.Unlock()
}

// SetPackager installs the hook started when a job enters packaging. Without
// one, jobs finish directly from postprocess.
func (m *Machine) SetPackager(fn func(jobID string)) {
	m.mu.Lock()
	m.pack = fn
	m.mu.Unlock()
}

func (m *Machine) get(jobID string) (*jobState, error) {
	st, ok := m.jobs[jobID]
	if !ok {
		return nil, fault.New(fault.ErrNotFound, "pipeline", fmt.Sprintf("job %s not found", jobID))
	}
	return st, nil
}

// Snapshot returns the materialized state of a job.
func (m *Machine) Snapshot(jobID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	return st.snapshot(), nil
}

// Authorize hides jobs of other owners behind not-found.
func (m *Machine) Authorize(jobID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return err
	}
	if st.job.OwnerID != ownerID {
		return fault.New(fault.ErrNotFound, "pipeline", fmt.Sprintf("job %s not found", jobID))
	}
	return nil
}

// Jobs lists an owner's jobs, newest first. An empty owner lists all jobs.
func (m *Machine) Jobs(ownerID string) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, st := range m.jobs {
		if ownerID == "" || st.job.OwnerID == ownerID {
			out = append(out, st.job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Machine) emit(jobID string, typ events.Type, data any) {
	if m.pub != nil {
		m.pub.Emit(jobID, typ, data)
	}
}

func (m *Machine) persist(ctx context.Context, st *jobState) {
	st.job.UpdatedAt = m.now().UTC()
	if m.store == nil {
		return
	}
	if err := m.store.SaveSnapshot(ctx, st.snapshot()); err != nil {
		m.log.Warn("failed to persist job snapshot", "job", st.job.ID, "error", err)
	}
}

func (m *Machine) setJobStatus(st *jobState, to JobStatus) {
	from := st.job.Status
	if from == to {
		return
	}
	st.job.Status = to
	logging.LogStageTransition(m.log, st.job.ID, "job", string(from), string(to))
	m.emit(st.job.ID, events.JobStatusChanged, map[string]any{"status": to})
	if to.Terminal() {
		metrics.JobFinished(string(to))
		m.emit(st.job.ID, events.JobDone, map[string]any{"status": to, "error": st.job.Error})
	}
}

func (m *Machine) setGroupStatus(st *jobState, g *Group, to GroupStatus, errMsg string) {
	from := g.Status
	if from == to && g.Error == errMsg {
		return
	}
	g.Status = to
	g.Error = errMsg
	logging.LogStageTransition(m.log, st.job.ID, "group "+g.ID, string(from), string(to))
	m.emit(st.job.ID, events.GroupStatusChanged, map[string]any{"index": g.Index, "status": to, "error": errMsg})
	switch to {
	case GroupFailed:
		g.Dispatched = false
		metrics.GroupFinished(string(to))
		m.emit(st.job.ID, events.GroupFailed, map[string]any{"index": g.Index, "error": errMsg})
	case GroupAIOK:
		g.Dispatched = false
		metrics.GroupFinished(string(to))
		m.emit(st.job.ID, events.GroupDone, map[string]any{"index": g.Index})
		m.emit(st.job.ID, events.ImageReady, map[string]any{"index": g.Index, "imageUrl": m.imageURL(g.OutputKey)})
	}
}

// failJob terminates a job with the normalized message of err.
func (m *Machine) failJob(st *jobState, err error) {
	st.job.Error = fault.UserMessage(err)
	m.log.Error("job failed", "job", st.job.ID, "error", err)
	m.setJobStatus(st, JobFailed)
}

// offer hands a queued group to the worker pool once per dispatch.
func (m *Machine) offer(st *jobState, g *Group) {
	if m.dispatch == nil || g.Dispatched || g.Status != GroupQueuedHDR {
		return
	}
	if !st.job.Status.Started() || st.job.Status.Terminal() {
		return
	}
	if m.dispatch(Task{JobID: st.job.ID, GroupID: g.ID, Attempt: g.Attempt}) {
		g.Dispatched = true
	}
}

func (m *Machine) offerAll(st *jobState) {
	for i := range st.groups {
		m.offer(st, &st.groups[i])
	}
}

// Sweep re-offers queued groups that were not accepted earlier and returns
// how many were handed off.
func (m *Machine) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.jobs {
		for i := range st.groups {
			g := &st.groups[i]
			if g.Dispatched {
				continue
			}
			m.offer(st, g)
			if g.Dispatched {
				n++
			}
		}
	}
	return n
}

// advance steps the job past every gate its groups have cleared.
func (m *Machine) advance(st *jobState) {
	for {
		status := st.job.Status
		if !status.Started() || status.Terminal() {
			return
		}
		if status == JobPostprocess {
			m.postprocess(st)
			return
		}
		moved := false
		for _, sg := range stageGate {
			if sg.stage != status {
				continue
			}
			if low := LowWaterMark(st.groups); low >= sg.gate.Rank() {
				m.setJobStatus(st, sg.next)
				moved = true
			}
			break
		}
		if !moved {
			return
		}
	}
}

func (m *Machine) postprocess(st *jobState) {
	out := Tally(st.groups)
	if out.Succeeded == 0 {
		st.job.Error = "every group failed"
		m.setJobStatus(st, JobFailed)
		return
	}
	m.setJobStatus(st, JobPackaging)
	if m.pack == nil {
		m.finish(st)
		return
	}
	m.pack(st.job.ID)
}

func (m *Machine) finish(st *jobState) {
	out := Tally(st.groups)
	st.job.Error = ""
	if out.Failed > 0 {
		st.job.Error = fmt.Sprintf("%d of %d groups failed", out.Failed, out.Active)
	}
	m.setJobStatus(st, out.TerminalStatus())
}

// reportable checks that task still owns its group.
func (m *Machine) reportable(jobID string, task Task) (*jobState, *Group, error) {
	st, err := m.get(jobID)
	if err != nil {
		return nil, nil, err
	}
	if st.job.Status == JobCanceled {
		return nil, nil, fault.New(fault.ErrCanceled, "pipeline", "job was canceled")
	}
	g, err := st.group(task.GroupID)
	if err != nil {
		return nil, nil, err
	}
	if g.Attempt != task.Attempt {
		return nil, nil, fault.New(fault.ErrConflict, "pipeline", fmt.Sprintf("stale result for attempt %d, group is on attempt %d", task.Attempt, g.Attempt))
	}
	if g.Status.Terminal() {
		return nil, nil, fault.New(fault.ErrConflict, "pipeline", fmt.Sprintf("group %d already %s", g.Index, g.Status))
	}
	return st, g, nil
}

// Claim hands a dispatched group to a worker.
func (m *Machine) Claim(ctx context.Context, task Task) (Work, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, g, err := m.reportable(task.JobID, task)
	if err != nil {
		return Work{}, err
	}
	if g.Status != GroupQueuedHDR {
		return Work{}, fault.New(fault.ErrConflict, "pipeline", fmt.Sprintf("group %d is %s, not queued", g.Index, g.Status))
	}
	g.Dispatched = true
	return Work{
		Task:          task,
		OwnerID:       st.job.OwnerID,
		WorkflowID:    st.job.WorkflowID,
		ProjectFolder: st.job.ProjectFolder,
		ToolFolder:    m.toolFolder,
		Index:         g.Index,
		Frames:        append([]Frame(nil), g.Frames...),
	}, nil
}

// ReportStage records forward progress inside the processing stages.
func (m *Machine) ReportStage(ctx context.Context, task Task, to GroupStatus) error {
	switch to {
	case GroupPreprocessOK, GroupHDRProcessing, GroupAIProcessing:
	default:
		return fault.New(fault.ErrValidation, "pipeline", fmt.Sprintf("%s cannot be reported as a stage", to))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, g, err := m.reportable(task.JobID, task)
	if err != nil {
		return err
	}
	if to.Rank() <= g.Status.Rank() {
		return fault.New(fault.ErrConflict, "pipeline", fmt.Sprintf("group %d is already %s", g.Index, g.Status))
	}
	m.setGroupStatus(st, g, to, "")
	m.advance(st)
	m.persist(ctx, st)
	return nil
}

// ReportComposite records the fused image of a group.
func (m *Machine) ReportComposite(ctx context.Context, task Task, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, g, err := m.reportable(task.JobID, task)
	if err != nil {
		return err
	}
	if g.Status.Rank() >= GroupHDROK.Rank() {
		return fault.New(fault.ErrConflict, "pipeline", fmt.Sprintf("group %d is already %s", g.Index, g.Status))
	}
	g.CompositeKey = key
	m.setGroupStatus(st, g, GroupHDROK, "")
	m.advance(st)
	m.persist(ctx, st)
	return nil
}

// ReportEnhanced records the final output of a group.
func (m *Machine) ReportEnhanced(ctx context.Context, task Task, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, g, err := m.reportable(task.JobID, task)
	if err != nil {
		return err
	}
	if g.Status.Rank() < GroupHDROK.Rank() {
		return fault.New(fault.ErrConflict, "pipeline", fmt.Sprintf("group %d has no composite yet", g.Index))
	}
	g.OutputKey = key
	m.setGroupStatus(st, g, GroupAIOK, "")
	m.advance(st)
	m.persist(ctx, st)
	return nil
}

// ReportFailure marks one group failed. Siblings are unaffected.
func (m *Machine) ReportFailure(ctx context.Context, task Task, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, g, err := m.reportable(task.JobID, task)
	if err != nil {
		return err
	}
	m.setGroupStatus(st, g, GroupFailed, fault.UserMessage(cause))
	m.advance(st)
	m.persist(ctx, st)
	return nil
}

// PackageItems lists the deliverables of a job in packaging.
func (m *Machine) PackageItems(jobID string) (Job, []PackageItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return Job{}, nil, err
	}
	if st.job.Status != JobPackaging && st.job.Status != JobZipping {
		return Job{}, nil, fault.New(fault.ErrConflict, "package", fmt.Sprintf("job is %s", st.job.Status))
	}
	var items []PackageItem
	for _, g := range st.groups {
		if g.Status != GroupAIOK || g.OutputKey == "" {
			continue
		}
		items = append(items, PackageItem{Index: g.Index, OutputKey: g.OutputKey, Filename: deliverableName(g)})
	}
	return st.job, items, nil
}

// MarkZipping records that the archive is being written.
func (m *Machine) MarkZipping(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return err
	}
	if st.job.Status == JobCanceled {
		return fault.New(fault.ErrCanceled, "package", "job was canceled")
	}
	if st.job.Status != JobPackaging {
		return fault.New(fault.ErrConflict, "package", fmt.Sprintf("job is %s", st.job.Status))
	}
	m.setJobStatus(st, JobZipping)
	m.persist(ctx, st)
	return nil
}

// PackageDone finishes the job once its archive is stored, or fails it.
func (m *Machine) PackageDone(ctx context.Context, jobID, key string, packErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return err
	}
	if st.job.Status == JobCanceled {
		return fault.New(fault.ErrCanceled, "package", "job was canceled")
	}
	if st.job.Status != JobPackaging && st.job.Status != JobZipping {
		return fault.New(fault.ErrConflict, "package", fmt.Sprintf("job is %s", st.job.Status))
	}
	if packErr != nil {
		m.failJob(st, fault.Wrap(fault.ErrJobFatal, "package", "zip", "packaging failed", packErr))
	} else {
		st.job.PackageKey = key
		m.finish(st)
	}
	m.persist(ctx, st)
	return nil
}

// Cancel stops dispatch for a job. Work in flight drains and its reports are
// refused.
func (m *Machine) Cancel(ctx context.Context, jobID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	switch {
	case st.job.Status == JobCanceled:
		return st.snapshot(), nil
	case st.job.Status.Terminal():
		return Snapshot{}, fault.New(fault.ErrConflict, "pipeline", fmt.Sprintf("job already %s", st.job.Status))
	}
	st.job.Error = "canceled by operator"
	m.setJobStatus(st, JobCanceled)
	m.reserver.Release(st.job.OwnerID, st.job.ID)
	m.persist(ctx, st)
	return st.snapshot(), nil
}

// RetryMissing re-queues failed groups and returns how many were requeued.
// Succeeded and skipped groups are never touched. Calling it with nothing
// failed is a no-op, except after a packaging failure where packaging runs
// again.
func (m *Machine) RetryMissing(ctx context.Context, jobID string) (int, Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return 0, Snapshot{}, err
	}
	if !st.job.Status.CanRetry() {
		return 0, Snapshot{}, fault.New(fault.ErrConflict, "pipeline", fmt.Sprintf("retry is not available while job is %s", st.job.Status))
	}
	out := Tally(st.groups)
	repack := out.Failed == 0 && out.Succeeded > 0 && st.job.PackageKey == ""
	if out.Failed == 0 && !repack {
		return 0, st.snapshot(), nil
	}
	if m.retryLimit > 0 && st.job.Retries >= m.retryLimit {
		return 0, Snapshot{}, fault.New(fault.ErrConflict, "pipeline", fmt.Sprintf("retry limit of %d reached", m.retryLimit))
	}
	st.job.Retries++
	st.job.Error = ""
	st.job.PackageKey = ""

	if repack {
		m.setJobStatus(st, JobPostprocess)
		m.advance(st)
		m.persist(ctx, st)
		return 0, st.snapshot(), nil
	}

	requeued := 0
	for i := range st.groups {
		g := &st.groups[i]
		if g.Status != GroupFailed {
			continue
		}
		g.Attempt++
		g.Dispatched = false
		g.CompositeKey = ""
		g.OutputKey = ""
		next := GroupQueuedHDR
		if !g.AllUploaded() {
			next = GroupWaitingUpload
			for j := range g.Frames {
				switch g.Frames[j].Status {
				case FrameFailed:
					g.Frames[j].Status = FramePending
					g.Frames[j].Error = ""
				case FrameUploaded:
					next = GroupUploading
				}
			}
		}
		m.setGroupStatus(st, g, next, "")
		requeued++
	}
	m.setJobStatus(st, JobPreprocessing)
	m.offerAll(st)
	m.advance(st)
	m.persist(ctx, st)
	return requeued, st.snapshot(), nil
}

// Restore loads unfinished jobs from the store. Groups caught mid-processing
// go back to queued_hdr on a new attempt; jobs caught packaging package again.
func (m *Machine) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	snaps, err := m.store.LoadActive(ctx)
	if err != nil {
		return 0, fault.Wrap(fault.ErrTransient, "pipeline", "restore", "failed to load active jobs", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snap := range snaps {
		st := &jobState{job: snap.Job, groups: snap.Groups}
		for i := range st.groups {
			g := &st.groups[i]
			g.Dispatched = false
			if g.Status.Processing() {
				g.Attempt++
				g.Status = GroupQueuedHDR
			}
		}
		if st.job.Status == JobPackaging || st.job.Status == JobZipping {
			st.job.Status = JobPostprocess
		}
		m.jobs[st.job.ID] = st
		m.log.Info("restored job", "job", st.job.ID, "status", st.job.Status, "groups", len(st.groups))
	}
	for _, snap := range snaps {
		st := m.jobs[snap.Job.ID]
		m.offerAll(st)
		m.advance(st)
		m.persist(ctx, st)
	}
	return len(snaps), nil
}
