package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"stackline/internal/burst"
	"stackline/internal/events"
	"stackline/internal/fault"
	"stackline/internal/fsutil"
)

// CreateJob opens a job in idle.
func (m *Machine) CreateJob(ctx context.Context, ownerID, name, workflowID string) (Job, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Job{}, fault.New(fault.ErrValidation, "pipeline", "owner is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "project"
	}
	now := m.now().UTC()
	id := uuid.NewString()
	st := &jobState{job: Job{
		ID:            id,
		OwnerID:       ownerID,
		Name:          name,
		WorkflowID:    workflowID,
		ProjectFolder: fsutil.Folder(name) + "-" + id[:8],
		Status:        JobIdle,
		Threshold:     burst.DefaultThreshold.Seconds(),
		CreatedAt:     now,
	}}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id] = st
	m.persist(ctx, st)
	return st.job, nil
}

// groupedItem is one entry of the grouped event.
type groupedItem struct {
	GroupID        string           `json:"groupId"`
	Index          int              `json:"index"`
	Type           string           `json:"type"`
	Size           int              `json:"size"`
	Representative int              `json:"representative"`
	Confidence     burst.Confidence `json:"confidence"`
	Filenames      []string         `json:"filenames"`
}

func groupedItems(groups []Group) []groupedItem {
	items := make([]groupedItem, 0, len(groups))
	for _, g := range groups {
		names := make([]string, len(g.Frames))
		for i, f := range g.Frames {
			names[i] = f.Filename
		}
		items = append(items, groupedItem{
			GroupID:        g.ID,
			Index:          g.Index,
			Type:           g.Type,
			Size:           g.Size(),
			Representative: g.Representative,
			Confidence:     g.Confidence,
			Filenames:      names,
		})
	}
	return items
}

// regroupable rejects grouping changes once processing was confirmed.
func regroupable(st *jobState) error {
	switch {
	case st.job.Status == JobCanceled:
		return fault.New(fault.ErrCanceled, "grouping", "job was canceled")
	case st.job.Status.Terminal(), st.job.Status.Started():
		return fault.New(fault.ErrConflict, "grouping", fmt.Sprintf("grouping is locked while job is %s", st.job.Status))
	}
	return nil
}

func validateRegistration(reg Registration) error {
	if len(reg.Groups) == 0 {
		return fault.New(fault.ErrJobFatal, "grouping", "grouping produced zero groups")
	}
	for i, rg := range reg.Groups {
		if len(rg.Frames) == 0 {
			return fault.New(fault.ErrJobFatal, "grouping", fmt.Sprintf("group %d has no frames", i+1))
		}
		if rg.Representative < 0 || rg.Representative > len(rg.Frames) {
			return fault.New(fault.ErrJobFatal, "grouping", fmt.Sprintf("group %d representative %d outside 1..%d", i+1, rg.Representative, len(rg.Frames)))
		}
		for j, f := range rg.Frames {
			if strings.TrimSpace(f.Filename) == "" {
				return fault.New(fault.ErrJobFatal, "grouping", fmt.Sprintf("group %d frame %d has no filename", i+1, j+1))
			}
			if f.Size <= 0 {
				return fault.New(fault.ErrJobFatal, "grouping", fmt.Sprintf("%s has no size", f.Filename))
			}
		}
	}
	return nil
}

// RegisterGroups replaces the job's grouping with the client's. A structurally
// invalid or empty registration fails the job.
func (m *Machine) RegisterGroups(ctx context.Context, jobID string, reg Registration) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := regroupable(st); err != nil {
		return Snapshot{}, err
	}
	for _, g := range st.groups {
		if g.TransferBegun() {
			return Snapshot{}, fault.New(fault.ErrConflict, "grouping", "transfer already begun; grouping can no longer be replaced")
		}
	}

	prev := st.job.Status
	m.setJobStatus(st, JobGrouping)
	m.emit(jobID, events.GroupingProgress, map[string]any{"progress": 0})

	if err := validateRegistration(reg); err != nil {
		m.failJob(st, err)
		m.persist(ctx, st)
		return Snapshot{}, err
	}

	derived := make([]burst.Group, 0, len(reg.Groups))
	for _, rg := range reg.Groups {
		frames := make([]burst.Frame, len(rg.Frames))
		for i, f := range rg.Frames {
			frames[i] = f.burstFrame()
		}
		derived = append(derived, burst.Group{Frames: burst.SortFrames(frames)})
	}
	derived = burst.Normalize(derived)
	for i, rg := range reg.Groups {
		if rg.Representative > 0 {
			derived[i].Representative = rg.Representative
		}
	}
	if reg.ThresholdSeconds > 0 {
		st.job.Threshold = burst.ClampThreshold(seconds(reg.ThresholdSeconds)).Seconds()
	}
	st.groups = nil
	m.applyGrouping(st, derived)
	m.resolveInput(st, prev)
	m.persist(ctx, st)
	return st.snapshot(), nil
}

func (m *Machine) resolveInput(st *jobState, prev JobStatus) {
	m.emit(st.job.ID, events.GroupingProgress, map[string]any{"progress": 100})
	m.emit(st.job.ID, events.Grouped, map[string]any{"items": groupedItems(st.groups)})
	if prev == JobUploading {
		m.setJobStatus(st, JobUploading)
		return
	}
	m.setJobStatus(st, JobInputResolved)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func frameKey(f burst.Frame) string {
	return fmt.Sprintf("%s|%d|%d", f.Filename, f.Size, f.CaptureTime.UnixNano())
}

func groupKey(frames []burst.Frame) string {
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = frameKey(f)
	}
	return strings.Join(parts, "/")
}

// applyGrouping installs derived as the job's groups. A derived group whose
// frames match an existing group exactly keeps that group's identity and
// state; every other group is created fresh. Callers check that replaced
// groups have not begun transfer.
func (m *Machine) applyGrouping(st *jobState, derived []burst.Group) {
	existing := make(map[string]Group, len(st.groups))
	for _, g := range st.groups {
		existing[groupKey(burstFrames(g))] = g
	}
	groups := make([]Group, 0, len(derived))
	for _, bg := range derived {
		key := groupKey(bg.Frames)
		if g, ok := existing[key]; ok {
			delete(existing, key)
			g.Index = bg.Index
			g.Confidence = bg.Confidence
			groups = append(groups, g)
			continue
		}
		g := Group{
			ID:             uuid.NewString(),
			JobID:          st.job.ID,
			Index:          bg.Index,
			Type:           bg.Type,
			Representative: bg.Representative,
			Status:         GroupWaitingUpload,
			Confidence:     bg.Confidence,
		}
		for i, f := range bg.Frames {
			g.Frames = append(g.Frames, Frame{
				ID:           uuid.NewString(),
				GroupID:      g.ID,
				Index:        i + 1,
				Filename:     f.Filename,
				Size:         f.Size,
				CaptureTime:  f.CaptureTime,
				TimeSource:   f.TimeSource,
				ExposureBias: f.ExposureBias,
				ExposureTime: f.ExposureTime,
				FNumber:      f.FNumber,
				FocalLength:  f.FocalLength,
				ISO:          f.ISO,
				Status:       FramePending,
			})
		}
		groups = append(groups, g)
	}
	st.groups = groups
	st.job.GroupCount = len(groups)
}

func burstFrames(g Group) []burst.Frame {
	out := make([]burst.Frame, len(g.Frames))
	for i, f := range g.Frames {
		out[i] = f.burstFrame()
	}
	return out
}

func burstGroups(groups []Group) []burst.Group {
	out := make([]burst.Group, len(groups))
	for i, g := range groups {
		out[i] = burst.Group{Index: g.Index, Type: g.Type, Frames: burstFrames(g), Representative: g.Representative, Confidence: g.Confidence}
	}
	return out
}

// regroup applies derived after checking that every group it replaces is
// still untouched by transfer.
func (m *Machine) regroup(ctx context.Context, st *jobState, derived []burst.Group) (Snapshot, error) {
	kept := make(map[string]bool, len(derived))
	for _, bg := range derived {
		kept[groupKey(bg.Frames)] = true
	}
	for _, g := range st.groups {
		if !kept[groupKey(burstFrames(g))] && g.TransferBegun() {
			return Snapshot{}, fault.New(fault.ErrConflict, "grouping", fmt.Sprintf("group %d has begun transfer and cannot be regrouped", g.Index))
		}
	}
	prev := st.job.Status
	m.setJobStatus(st, JobGrouping)
	m.emit(st.job.ID, events.GroupingProgress, map[string]any{"progress": 0})
	m.applyGrouping(st, derived)
	m.resolveInput(st, prev)
	m.persist(ctx, st)
	return st.snapshot(), nil
}

func (m *Machine) groupingTarget(jobID string) (*jobState, error) {
	st, err := m.get(jobID)
	if err != nil {
		return nil, err
	}
	if err := regroupable(st); err != nil {
		return nil, err
	}
	if len(st.groups) == 0 {
		return nil, fault.New(fault.ErrConflict, "grouping", "job has no registered frames")
	}
	return st, nil
}

// Regroup re-derives the grouping from the registered frames' metadata with a
// new threshold.
func (m *Machine) Regroup(ctx context.Context, jobID string, thresholdSeconds float64) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.groupingTarget(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	var frames []burst.Frame
	for _, g := range st.groups {
		frames = append(frames, burstFrames(g)...)
	}
	threshold := burst.ClampThreshold(seconds(thresholdSeconds))
	st.job.Threshold = threshold.Seconds()
	return m.regroup(ctx, st, burst.Partition(frames, threshold))
}

// MergeWithPrevious folds a group into its predecessor.
func (m *Machine) MergeWithPrevious(ctx context.Context, jobID, groupID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.groupingTarget(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	g, err := st.group(groupID)
	if err != nil {
		return Snapshot{}, err
	}
	derived, err := burst.MergeWithPrevious(burstGroups(st.groups), g.Index)
	if err != nil {
		return Snapshot{}, err
	}
	return m.regroup(ctx, st, derived)
}

// Split replaces a multi-frame group with singletons.
func (m *Machine) Split(ctx context.Context, jobID, groupID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.groupingTarget(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	g, err := st.group(groupID)
	if err != nil {
		return Snapshot{}, err
	}
	derived, err := burst.SplitIntoSingles(burstGroups(st.groups), g.Index)
	if err != nil {
		return Snapshot{}, err
	}
	return m.regroup(ctx, st, derived)
}

// SetRepresentative changes a group's thumbnail frame. rep is 1-based.
func (m *Machine) SetRepresentative(ctx context.Context, jobID, groupID string, rep int) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return Group{}, err
	}
	if st.job.Status.Terminal() {
		return Group{}, fault.New(fault.ErrConflict, "grouping", fmt.Sprintf("job already %s", st.job.Status))
	}
	g, err := st.group(groupID)
	if err != nil {
		return Group{}, err
	}
	bg := burst.Group{Frames: burstFrames(*g), Representative: g.Representative}
	if err := burst.SetRepresentative(&bg, rep); err != nil {
		return Group{}, err
	}
	g.Representative = bg.Representative
	m.persist(ctx, st)
	return g.clone(), nil
}

// Upload is the storage destination assigned to one frame.
type Upload struct {
	FrameID  string
	GroupID  string
	Filename string
	Size     int64
	Key      string
}

func (m *Machine) uploadable(st *jobState) error {
	switch {
	case st.job.Status == JobCanceled:
		return fault.New(fault.ErrCanceled, "transfer", "job was canceled")
	case st.job.Status.Terminal():
		return fault.New(fault.ErrConflict, "transfer", fmt.Sprintf("job already %s", st.job.Status))
	case len(st.groups) == 0:
		return fault.New(fault.ErrConflict, "transfer", "job has no registered frames")
	}
	return nil
}

// BeginUpload marks frames as uploading and assigns their object keys. The
// first call moves the job from input_resolved to uploading.
func (m *Machine) BeginUpload(ctx context.Context, jobID string, frameIDs []string) ([]Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return nil, err
	}
	if err := m.uploadable(st); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	uploads := make([]Upload, 0, len(frameIDs))
	for _, id := range frameIDs {
		g, f, err := st.frame(id)
		if err != nil {
			return nil, err
		}
		if f.Status == FrameUploaded {
			return nil, fault.New(fault.ErrConflict, "transfer", fmt.Sprintf("%s is already uploaded", f.Filename))
		}
		if g.Status == GroupFailed {
			return nil, fault.New(fault.ErrConflict, "transfer", fmt.Sprintf("group %d failed; retry the job first", g.Index))
		}
		uploads = append(uploads, Upload{
			FrameID:  f.ID,
			GroupID:  g.ID,
			Filename: f.Filename,
			Size:     f.Size,
			Key:      fsutil.ObjectKey(st.job.OwnerID, m.toolFolder, st.job.ProjectFolder, now, f.Filename),
		})
	}
	if st.job.Status == JobInputResolved {
		m.setJobStatus(st, JobUploading)
	}
	for _, u := range uploads {
		g, f, _ := st.frame(u.FrameID)
		if f.Status != FrameUploading {
			f.Status = FrameUploading
			f.Error = ""
			m.emit(jobID, events.FrameProgress, map[string]any{"frameId": f.ID, "index": g.Index, "status": f.Status})
		}
		if g.Status == GroupWaitingUpload {
			m.setGroupStatus(st, g, GroupUploading, "")
		}
	}
	m.persist(ctx, st)
	return uploads, nil
}

// FinalizeGroup records uploaded frames. The group moves to queued_hdr, and is
// dispatched, exactly once: when the last of its frames is confirmed. Repeat
// calls after that return ready without side effects.
func (m *Machine) FinalizeGroup(ctx context.Context, jobID, groupID string, uploaded []UploadedFrame) (GroupStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return "", false, err
	}
	if err := m.uploadable(st); err != nil {
		return "", false, err
	}
	g, err := st.group(groupID)
	if err != nil {
		return "", false, err
	}
	switch {
	case g.Status == GroupFailed:
		return g.Status, false, fault.New(fault.ErrConflict, "transfer", fmt.Sprintf("group %d failed; retry the job first", g.Index))
	case g.Status != GroupSkipped && g.Status.Rank() >= GroupQueuedHDR.Rank():
		return g.Status, true, nil
	}

	prefix := path.Join("user", fsutil.Folder(st.job.OwnerID)) + "/"
	for _, u := range uploaded {
		f := frameIn(g, u.FrameID)
		if f == nil {
			return g.Status, false, fault.New(fault.ErrValidation, "transfer", fmt.Sprintf("frame %s is not part of group %d", u.FrameID, g.Index))
		}
		if !strings.HasPrefix(u.Key, prefix) {
			return g.Status, false, fault.New(fault.ErrValidation, "transfer", fmt.Sprintf("key for %s is outside the owner's prefix", f.Filename))
		}
	}
	for _, u := range uploaded {
		f := frameIn(g, u.FrameID)
		if f.Status == FrameUploaded && f.Key == u.Key {
			continue
		}
		f.Key = u.Key
		f.Status = FrameUploaded
		f.Error = ""
		m.emit(jobID, events.FrameProgress, map[string]any{"frameId": f.ID, "index": g.Index, "status": f.Status})
	}
	if g.Status == GroupWaitingUpload {
		m.setGroupStatus(st, g, GroupUploading, "")
	}

	ready := g.AllUploaded()
	if ready && g.Status != GroupSkipped {
		m.setGroupStatus(st, g, GroupQueuedHDR, "")
		m.offer(st, g)
		m.advance(st)
	}
	m.persist(ctx, st)
	return g.Status, ready && g.Status != GroupSkipped, nil
}

func frameIn(g *Group, frameID string) *Frame {
	for i := range g.Frames {
		if g.Frames[i].ID == frameID {
			return &g.Frames[i]
		}
	}
	return nil
}

// MarkFrameFailed records a frame whose transfer exhausted its retries. Its
// group fails; siblings continue.
func (m *Machine) MarkFrameFailed(ctx context.Context, jobID, frameID, reason string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := m.uploadable(st); err != nil {
		return Snapshot{}, err
	}
	g, f, err := st.frame(frameID)
	if err != nil {
		return Snapshot{}, err
	}
	if g.Status != GroupSkipped && g.Status.Rank() >= GroupQueuedHDR.Rank() {
		return Snapshot{}, fault.New(fault.ErrConflict, "transfer", fmt.Sprintf("group %d already has every frame", g.Index))
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "upload failed"
	}
	f.Status = FrameFailed
	f.Error = fault.UserMessage(fault.New(fault.ErrTransient, "transfer", reason))
	m.emit(jobID, events.FrameProgress, map[string]any{"frameId": f.ID, "index": g.Index, "status": f.Status})
	if g.Status != GroupSkipped {
		m.setGroupStatus(st, g, GroupFailed, fmt.Sprintf("upload of %s failed: %s", f.Filename, f.Error))
		m.advance(st)
	}
	m.persist(ctx, st)
	return st.snapshot(), nil
}

// Start confirms processing past input_resolved. skip excludes groups from
// processing and from the outcome tally.
func (m *Machine) Start(ctx context.Context, jobID string, skip []string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	if st.job.Status == JobCanceled {
		return Snapshot{}, fault.New(fault.ErrCanceled, "pipeline", "job was canceled")
	}
	if !st.job.Status.CanStart() {
		return Snapshot{}, fault.New(fault.ErrConflict, "pipeline", fmt.Sprintf("job cannot start while %s", st.job.Status))
	}
	skipped := make(map[string]bool, len(skip))
	for _, id := range skip {
		if _, err := st.group(id); err != nil {
			return Snapshot{}, fault.New(fault.ErrValidation, "pipeline", fmt.Sprintf("unknown group %s in skip list", id))
		}
		skipped[id] = true
	}
	active := 0
	for _, g := range st.groups {
		if !skipped[g.ID] && g.Status != GroupFailed {
			active++
		}
	}
	if active == 0 {
		return Snapshot{}, fault.New(fault.ErrValidation, "pipeline", "every group is skipped or failed; nothing to process")
	}

	for i := range st.groups {
		g := &st.groups[i]
		if skipped[g.ID] {
			g.Skip = true
			m.setGroupStatus(st, g, GroupSkipped, "")
		}
	}
	m.setJobStatus(st, JobReserved)
	if err := m.reserver.Reserve(ctx, st.job.OwnerID, st.job.ID, active); err != nil {
		m.failJob(st, fault.Wrap(fault.ErrJobFatal, "reservation", "reserve", "credit reservation failed", err))
		m.persist(ctx, st)
		return st.snapshot(), fault.Wrap(fault.ErrJobFatal, "reservation", "reserve", "credit reservation failed", err)
	}
	m.setJobStatus(st, JobPreprocessing)
	m.offerAll(st)
	m.advance(st)
	m.persist(ctx, st)
	return st.snapshot(), nil
}

func deliverableName(g Group) string {
	rep := g.Representative
	if rep < 1 || rep > len(g.Frames) {
		rep = burst.DefaultRepresentative(len(g.Frames))
	}
	name := "image"
	if rep > 0 {
		name = fsutil.SanitizeFilename(g.Frames[rep-1].Filename)
		name = strings.TrimSuffix(name, path.Ext(name))
	}
	return name + path.Ext(g.OutputKey)
}
