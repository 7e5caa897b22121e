package burst

import (
	"fmt"

	"stackline/internal/fault"
)

// MergeWithPrevious folds the group at 1-based position index into its
// predecessor and renormalizes the list.
func MergeWithPrevious(groups []Group, index int) ([]Group, error) {
	if index < 2 || index > len(groups) {
		return nil, fault.New(fault.ErrValidation, "grouping", fmt.Sprintf("group %d has no predecessor to merge with", index))
	}
	out := make([]Group, 0, len(groups)-1)
	for i, g := range groups {
		switch {
		case i == index-1:
			prev := &out[len(out)-1]
			frames := make([]Frame, 0, len(prev.Frames)+len(g.Frames))
			frames = append(frames, prev.Frames...)
			frames = append(frames, g.Frames...)
			prev.Frames = SortFrames(frames)
		default:
			out = append(out, Group{Frames: append([]Frame(nil), g.Frames...)})
		}
	}
	return Normalize(out), nil
}

// SplitIntoSingles replaces the multi-frame group at 1-based position index
// with one singleton group per frame.
func SplitIntoSingles(groups []Group, index int) ([]Group, error) {
	if index < 1 || index > len(groups) {
		return nil, fault.New(fault.ErrValidation, "grouping", fmt.Sprintf("group %d does not exist", index))
	}
	if len(groups[index-1].Frames) < 2 {
		return nil, fault.New(fault.ErrValidation, "grouping", fmt.Sprintf("group %d has a single frame", index))
	}
	out := make([]Group, 0, len(groups)+len(groups[index-1].Frames)-1)
	for i, g := range groups {
		if i == index-1 {
			for _, f := range g.Frames {
				out = append(out, Group{Frames: []Frame{f}})
			}
			continue
		}
		out = append(out, Group{Frames: append([]Frame(nil), g.Frames...)})
	}
	return Normalize(out), nil
}

// SetRepresentative changes which frame represents the group. rep is 1-based.
func SetRepresentative(g *Group, rep int) error {
	if rep < 1 || rep > len(g.Frames) {
		return fault.New(fault.ErrValidation, "grouping", fmt.Sprintf("representative %d outside 1..%d", rep, len(g.Frames)))
	}
	g.Representative = rep
	return nil
}
