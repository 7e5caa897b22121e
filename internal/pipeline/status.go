package pipeline

// JobStatus is the lifecycle stage of a Job.
type JobStatus string

const (
	JobIdle            JobStatus = "idle"
	JobGrouping        JobStatus = "grouping"
	JobInputResolved   JobStatus = "input_resolved"
	JobUploading       JobStatus = "uploading"
	JobReserved        JobStatus = "reserved"
	JobPreprocessing   JobStatus = "preprocessing"
	JobHDRProcessing   JobStatus = "hdr_processing"
	JobWorkflowRunning JobStatus = "workflow_running"
	JobAIProcessing    JobStatus = "ai_processing"
	JobPostprocess     JobStatus = "postprocess"
	JobPackaging       JobStatus = "packaging"
	JobZipping         JobStatus = "zipping"
	JobCompleted       JobStatus = "completed"
	JobPartial         JobStatus = "partial"
	JobFailed          JobStatus = "failed"
	JobCanceled        JobStatus = "canceled"
)

// GroupStatus is the stage of one Group.
type GroupStatus string

const (
	GroupWaitingUpload GroupStatus = "waiting_upload"
	GroupUploading     GroupStatus = "uploading"
	GroupQueuedHDR     GroupStatus = "queued_hdr"
	GroupPreprocessOK  GroupStatus = "preprocess_ok"
	GroupHDRProcessing GroupStatus = "hdr_processing"
	GroupHDROK         GroupStatus = "hdr_ok"
	GroupAIProcessing  GroupStatus = "ai_processing"
	GroupAIOK          GroupStatus = "ai_ok"
	GroupSkipped       GroupStatus = "skipped"
	GroupFailed        GroupStatus = "failed"
)

// FrameStatus is the upload state of one Frame.
type FrameStatus string

const (
	FramePending   FrameStatus = "pending"
	FrameUploading FrameStatus = "uploading"
	FrameUploaded  FrameStatus = "uploaded"
	FrameFailed    FrameStatus = "failed"
)

var groupRank = map[GroupStatus]int{
	GroupWaitingUpload: 0,
	GroupUploading:     1,
	GroupQueuedHDR:     2,
	GroupPreprocessOK:  3,
	GroupHDRProcessing: 4,
	GroupHDROK:         5,
	GroupAIProcessing:  6,
	GroupAIOK:          7,
}

// passedAll ranks failed groups past every gate.
const passedAll = 100

// Rank orders the success path. Failed groups rank past every gate;
// skipped groups rank -1 and are never counted.
func (s GroupStatus) Rank() int {
	switch s {
	case GroupFailed:
		return passedAll
	case GroupSkipped:
		return -1
	}
	return groupRank[s]
}

// Terminal reports whether the group will not change without a retry.
func (s GroupStatus) Terminal() bool {
	return s == GroupAIOK || s == GroupFailed || s == GroupSkipped
}

// Processing reports whether a worker owns the group.
func (s GroupStatus) Processing() bool {
	r := s.Rank()
	return r >= groupRank[GroupPreprocessOK] && r < groupRank[GroupAIOK]
}

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartial, JobFailed, JobCanceled:
		return true
	}
	return false
}

// Started reports whether the operator confirmed processing.
func (s JobStatus) Started() bool {
	switch s {
	case JobIdle, JobGrouping, JobInputResolved, JobUploading:
		return false
	}
	return s != JobCanceled
}

// CanStart reports whether start may be issued.
func (s JobStatus) CanStart() bool {
	return s == JobInputResolved || s == JobUploading
}

// CanRetry reports whether retry-missing applies.
func (s JobStatus) CanRetry() bool {
	return s == JobFailed || s == JobPartial
}

// Downloadable reports whether a package may exist.
func (s JobStatus) Downloadable() bool {
	return s == JobCompleted || s == JobPartial
}

// stageGate maps a processing stage to the group status every active group
// must reach before the job moves on.
var stageGate = []struct {
	stage JobStatus
	gate  GroupStatus
	next  JobStatus
}{
	{JobPreprocessing, GroupPreprocessOK, JobHDRProcessing},
	{JobHDRProcessing, GroupHDROK, JobWorkflowRunning},
	{JobWorkflowRunning, GroupAIProcessing, JobAIProcessing},
	{JobAIProcessing, GroupAIOK, JobPostprocess},
}

// Outcome tallies active groups.
type Outcome struct {
	Active    int `json:"active"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}

// Tally counts groups by outcome.
func Tally(groups []Group) Outcome {
	var o Outcome
	for _, g := range groups {
		switch g.Status {
		case GroupSkipped:
			o.Skipped++
			continue
		case GroupAIOK:
			o.Succeeded++
		case GroupFailed:
			o.Failed++
		default:
			o.Pending++
		}
		o.Active++
	}
	return o
}

// TerminalStatus derives the job result once no group is pending.
func (o Outcome) TerminalStatus() JobStatus {
	switch {
	case o.Succeeded == 0:
		return JobFailed
	case o.Failed == 0:
		return JobCompleted
	default:
		return JobPartial
	}
}

// LowWaterMark is the lowest rank among active groups, or -1 without any.
func LowWaterMark(groups []Group) int {
	low := -1
	for _, g := range groups {
		if g.Status == GroupSkipped {
			continue
		}
		if r := g.Status.Rank(); low < 0 || r < low {
			low = r
		}
	}
	return low
}

// Progress summarizes a snapshot for display.
type Progress struct {
	Outcome
	FramesTotal    int     `json:"framesTotal"`
	FramesUploaded int     `json:"framesUploaded"`
	Percent        float64 `json:"percent"`
}

// ComputeProgress weighs upload and processing equally per active group.
func ComputeProgress(groups []Group) Progress {
	p := Progress{Outcome: Tally(groups)}
	score := 0.0
	for _, g := range groups {
		for _, f := range g.Frames {
			p.FramesTotal++
			if f.Status == FrameUploaded {
				p.FramesUploaded++
			}
		}
		if g.Status == GroupSkipped {
			continue
		}
		switch {
		case g.Status == GroupFailed || g.Status == GroupAIOK:
			score += 1
		default:
			uploaded := 0
			for _, f := range g.Frames {
				if f.Status == FrameUploaded {
					uploaded++
				}
			}
			if len(g.Frames) > 0 {
				score += 0.5 * float64(uploaded) / float64(len(g.Frames))
			}
			if r := g.Status.Rank(); r > groupRank[GroupQueuedHDR] {
				score += 0.5 * float64(r-groupRank[GroupQueuedHDR]) / float64(groupRank[GroupAIOK]-groupRank[GroupQueuedHDR])
			}
		}
	}
	if p.Active > 0 {
		p.Percent = float64(int(score/float64(p.Active)*1000)) / 10
	}
	return p
}
