package pipeline

import (
	"time"

	"stackline/internal/burst"
)

// Job is one project submission.
type Job struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Name          string    `json:"name"`
	WorkflowID    string    `json:"workflowId"`
	ProjectFolder string    `json:"projectFolder"`
	Status        JobStatus `json:"status"`
	GroupCount    int       `json:"groupCount"`
	Error         string    `json:"error,omitempty"`
	PackageKey    string    `json:"packageKey,omitempty"`
	Retries       int       `json:"retries"`
	Threshold     float64   `json:"thresholdSeconds"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Frame is one original capture.
type Frame struct {
	ID           string      `json:"id"`
	GroupID      string      `json:"groupId"`
	Index        int         `json:"index"`
	Filename     string      `json:"filename"`
	Size         int64       `json:"size"`
	CaptureTime  time.Time   `json:"captureTime"`
	TimeSource   string      `json:"timeSource"`
	ExposureBias *float64    `json:"exposureBias,omitempty"`
	ExposureTime float64     `json:"exposureTime,omitempty"`
	FNumber      float64     `json:"fNumber,omitempty"`
	FocalLength  float64     `json:"focalLength,omitempty"`
	ISO          int         `json:"iso,omitempty"`
	Key          string      `json:"key,omitempty"`
	Status       FrameStatus `json:"status"`
	Error        string      `json:"error,omitempty"`
}

// Group is one exposure stack.
type Group struct {
	ID             string           `json:"id"`
	JobID          string           `json:"jobId"`
	Index          int              `json:"index"`
	Type           string           `json:"type"`
	Representative int              `json:"representative"`
	Status         GroupStatus      `json:"status"`
	Error          string           `json:"error,omitempty"`
	CompositeKey   string           `json:"compositeKey,omitempty"`
	OutputKey      string           `json:"outputKey,omitempty"`
	Skip           bool             `json:"skip"`
	Attempt        int              `json:"attempt"`
	Confidence     burst.Confidence `json:"confidence"`
	Frames         []Frame          `json:"frames"`
	Dispatched     bool             `json:"-"` // enqueued or claimed by a worker
}

// Size returns the frame count.
func (g Group) Size() int { return len(g.Frames) }

// AllUploaded reports whether every frame is stored.
func (g Group) AllUploaded() bool {
	if len(g.Frames) == 0 {
		return false
	}
	for _, f := range g.Frames {
		if f.Status != FrameUploaded {
			return false
		}
	}
	return true
}

// TransferBegun reports whether any frame left the pending state.
func (g Group) TransferBegun() bool {
	for _, f := range g.Frames {
		if f.Status != FramePending {
			return true
		}
	}
	return false
}

func (g Group) clone() Group {
	g.Frames = append([]Frame(nil), g.Frames...)
	return g
}

// Snapshot is a point-in-time view of a job.
type Snapshot struct {
	Job      Job      `json:"job"`
	Groups   []Group  `json:"groups"`
	Progress Progress `json:"progress"`
}

// RegisterFrame is one file as described by the client after metadata
// extraction.
type RegisterFrame struct {
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	CaptureTime  time.Time `json:"captureTime"`
	HasExif      bool      `json:"hasExif"`
	ExposureBias *float64  `json:"exposureBias,omitempty"`
	ExposureTime float64   `json:"exposureTime,omitempty"`
	FNumber      float64   `json:"fNumber,omitempty"`
	FocalLength  float64   `json:"focalLength,omitempty"`
	ISO          int       `json:"iso,omitempty"`
}

// RegisterGroup is one group of the client's grouping.
type RegisterGroup struct {
	Frames         []RegisterFrame `json:"frames"`
	Representative int             `json:"representative,omitempty"`
}

// Registration is the full grouping of a job.
type Registration struct {
	ThresholdSeconds float64         `json:"thresholdSeconds,omitempty"`
	Groups           []RegisterGroup `json:"groups"`
}

// UploadedFrame reports a stored frame.
type UploadedFrame struct {
	FrameID string `json:"frameId"`
	Key     string `json:"key"`
}

// Task identifies one dispatch of a group to a worker.
type Task struct {
	JobID   string
	GroupID string
	Attempt int
}

// Work is what a worker needs to process a claimed group.
type Work struct {
	Task
	OwnerID       string
	WorkflowID    string
	ProjectFolder string
	ToolFolder    string
	Index         int
	Frames        []Frame
}

// PackageItem is one deliverable in a job package.
type PackageItem struct {
	Index     int
	OutputKey string
	Filename  string
}

// burstFrame converts a client frame into grouper input.
func (rf RegisterFrame) burstFrame() burst.Frame {
	src := burst.SourceMtime
	if rf.HasExif {
		src = burst.SourceExif
	}
	return burst.Frame{
		Filename:     rf.Filename,
		Size:         rf.Size,
		CaptureTime:  rf.CaptureTime.UTC(),
		TimeSource:   src,
		ExposureBias: rf.ExposureBias,
		ExposureTime: rf.ExposureTime,
		FNumber:      rf.FNumber,
		FocalLength:  rf.FocalLength,
		ISO:          rf.ISO,
	}
}

func (f Frame) burstFrame() burst.Frame {
	return burst.Frame{
		Filename:     f.Filename,
		Size:         f.Size,
		CaptureTime:  f.CaptureTime,
		TimeSource:   f.TimeSource,
		ExposureBias: f.ExposureBias,
		ExposureTime: f.ExposureTime,
		FNumber:      f.FNumber,
		FocalLength:  f.FocalLength,
		ISO:          f.ISO,
	}
}
