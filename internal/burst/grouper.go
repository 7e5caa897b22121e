// Package burst reconstructs exposure brackets from capture timestamps.
package burst

import (
	"sort"
	"time"
)

const (
	DefaultThreshold = 3500 * time.Millisecond
	MinThreshold     = 500 * time.Millisecond
	MaxThreshold     = 15 * time.Second
)

// Group types.
const (
	TypeSingle = "single"
	TypeGroup  = "group"
)

// Time sources for a frame's capture timestamp.
const (
	SourceExif  = "exif"
	SourceMtime = "mtime"
)

// Frame is one captured file plus the metadata grouping depends on.
type Frame struct {
	Path         string
	Filename     string
	Size         int64
	CaptureTime  time.Time
	TimeSource   string
	ExposureBias *float64
	ExposureTime float64 // seconds
	FNumber      float64
	FocalLength  float64
	ISO          int
	Make         string
	Model        string
}

// Group is one exposure stack. Index and Representative are 1-based.
type Group struct {
	Index          int
	Type           string
	Frames         []Frame
	Representative int
	Confidence     Confidence
}

// ClampThreshold applies the default to non-positive values and bounds the
// result to [MinThreshold, MaxThreshold].
func ClampThreshold(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultThreshold
	case d < MinThreshold:
		return MinThreshold
	case d > MaxThreshold:
		return MaxThreshold
	}
	return d
}

// SortFrames orders frames by capture time, breaking ties by filename so the
// result is deterministic. The input slice is not modified.
func SortFrames(frames []Frame) []Frame {
	sorted := make([]Frame, len(frames))
	copy(sorted, frames)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CaptureTime.Equal(sorted[j].CaptureTime) {
			return sorted[i].CaptureTime.Before(sorted[j].CaptureTime)
		}
		return sorted[i].Filename < sorted[j].Filename
	})
	return sorted
}

// Partition splits frames into groups: a gap at or above threshold between
// consecutive frames starts a new group. The threshold is clamped first.
// Partition always derives from the frames given, so calling it again on the
// original frames with another threshold never accumulates drift.
func Partition(frames []Frame, threshold time.Duration) []Group {
	threshold = ClampThreshold(threshold)
	sorted := SortFrames(frames)

	var groups []Group
	var current []Frame
	for i, f := range sorted {
		if i > 0 && f.CaptureTime.Sub(sorted[i-1].CaptureTime) >= threshold {
			groups = append(groups, Group{Frames: current})
			current = nil
		}
		current = append(current, f)
	}
	if len(current) > 0 {
		groups = append(groups, Group{Frames: current})
	}
	return Normalize(groups)
}

// Normalize renumbers groups from 1, sets their type, resets the
// representative to the middle frame and rescores confidence.
func Normalize(groups []Group) []Group {
	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		if len(g.Frames) == 0 {
			continue
		}
		g.Index = len(out) + 1
		g.Type = TypeGroup
		if len(g.Frames) == 1 {
			g.Type = TypeSingle
		}
		g.Representative = DefaultRepresentative(len(g.Frames))
		g.Confidence = Score(g.Frames)
		out = append(out, g)
	}
	return out
}

// DefaultRepresentative returns the 1-based middle frame of an n-frame group.
func DefaultRepresentative(n int) int {
	if n < 1 {
		return 0
	}
	return (n + 1) / 2
}
