package burst

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func framesAt(seconds ...float64) []Frame {
	frames := make([]Frame, len(seconds))
	for i, s := range seconds {
		frames[i] = Frame{
			Filename:    fmt.Sprintf("IMG_%04d.ARW", i),
			CaptureTime: epoch.Add(time.Duration(s * float64(time.Second))),
		}
	}
	return frames
}

func sizes(groups []Group) []int {
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = len(g.Frames)
	}
	return out
}

func TestPartitionScenario(t *testing.T) {
	groups := Partition(framesAt(0, 1, 2, 9, 10, 20, 21), 3*time.Second)
	got := sizes(groups)
	want := []int{3, 2, 2}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected sizes %v, got %v", want, got)
	}
	for i, g := range groups {
		if g.Index != i+1 {
			t.Fatalf("expected index %d, got %d", i+1, g.Index)
		}
		if g.Type != TypeGroup {
			t.Fatalf("expected type group, got %s", g.Type)
		}
	}
	if groups[0].Representative != 2 || groups[1].Representative != 1 {
		t.Fatalf("unexpected representatives %d %d", groups[0].Representative, groups[1].Representative)
	}
}

func TestPartitionSingleFile(t *testing.T) {
	groups := Partition(framesAt(5), 0)
	if len(groups) != 1 || groups[0].Type != TypeSingle || groups[0].Representative != 1 {
		t.Fatalf("expected one single group, got %+v", groups)
	}
	if len(Partition(nil, time.Second)) != 0 {
		t.Fatalf("expected no groups for empty input")
	}
}

func TestPartitionBoundaryDeltaStartsNewGroup(t *testing.T) {
	groups := Partition(framesAt(0, 3, 5.999), 3*time.Second)
	if fmt.Sprint(sizes(groups)) != "[1 2]" {
		t.Fatalf("a delta equal to threshold must split: got %v", sizes(groups))
	}
}

func TestClampThreshold(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                      DefaultThreshold,
		-time.Second:           DefaultThreshold,
		100 * time.Millisecond: MinThreshold,
		time.Minute:            MaxThreshold,
		2 * time.Second:        2 * time.Second,
	}
	for in, want := range cases {
		if got := ClampThreshold(in); got != want {
			t.Fatalf("ClampThreshold(%v): expected %v, got %v", in, want, got)
		}
	}
}

func TestPartitionProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(40)
		secs := make([]float64, n)
		for i := range secs {
			secs[i] = rng.Float64() * 120
		}
		frames := framesAt(secs...)
		threshold := time.Duration(1+rng.Intn(10)) * time.Second

		groups := Partition(frames, threshold)
		total := 0
		var prevLast time.Time
		for gi, g := range groups {
			total += len(g.Frames)
			for i := 1; i < len(g.Frames); i++ {
				if d := g.Frames[i].CaptureTime.Sub(g.Frames[i-1].CaptureTime); d >= threshold || d < 0 {
					t.Fatalf("intra-group delta %v violates threshold %v", d, threshold)
				}
			}
			if gi > 0 {
				if d := g.Frames[0].CaptureTime.Sub(prevLast); d < threshold {
					t.Fatalf("boundary delta %v below threshold %v", d, threshold)
				}
			}
			prevLast = g.Frames[len(g.Frames)-1].CaptureTime
		}
		if total != n {
			t.Fatalf("expected %d frames across groups, got %d", n, total)
		}

		larger := Partition(frames, threshold+time.Duration(1+rng.Intn(5))*time.Second)
		if len(larger) > len(groups) {
			t.Fatalf("larger threshold produced more groups: %d > %d", len(larger), len(groups))
		}
		again := Partition(frames, threshold)
		if fmt.Sprint(sizes(again)) != fmt.Sprint(sizes(groups)) {
			t.Fatalf("regrouping is not idempotent")
		}
	}
}

func TestMergeAndSplit(t *testing.T) {
	groups := Partition(framesAt(0, 1, 2, 9, 10, 20), 3*time.Second)

	merged, err := MergeWithPrevious(groups, 3)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if fmt.Sprint(sizes(merged)) != "[3 3]" {
		t.Fatalf("unexpected merge sizes %v", sizes(merged))
	}
	if merged[1].Index != 2 || merged[1].Representative != 2 {
		t.Fatalf("merge did not renormalize: %+v", merged[1])
	}
	if _, err := MergeWithPrevious(groups, 1); err == nil {
		t.Fatalf("expected error merging the first group")
	}

	split, err := SplitIntoSingles(groups, 1)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if fmt.Sprint(sizes(split)) != "[1 1 1 2 1]" {
		t.Fatalf("unexpected split sizes %v", sizes(split))
	}
	for i, g := range split {
		if g.Index != i+1 {
			t.Fatalf("split indices not normalized")
		}
	}
	if _, err := SplitIntoSingles(split, 1); err == nil {
		t.Fatalf("expected error splitting a singleton")
	}
	if len(groups) != 3 || len(groups[2].Frames) != 1 {
		t.Fatalf("overrides must not mutate their input")
	}
}

func TestSetRepresentative(t *testing.T) {
	g := Partition(framesAt(0, 1, 2), time.Second*3)[0]
	if err := SetRepresentative(&g, 3); err != nil || g.Representative != 3 {
		t.Fatalf("expected representative 3, got %d err %v", g.Representative, err)
	}
	if err := SetRepresentative(&g, 4); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestScoreBracket(t *testing.T) {
	frames := framesAt(0, 0.5, 1)
	for i, ev := range []float64{-2, 0, 2} {
		v := ev
		frames[i].ExposureBias = &v
		frames[i].FNumber = 8
		frames[i].FocalLength = 24
	}
	c := Score(frames)
	if !c.HDRCandidate || c.Decision != DecisionAutoApproved || c.Score != 1 {
		t.Fatalf("expected approved HDR bracket, got %+v", c)
	}

	single := Score(framesAt(0))
	if single.Decision != DecisionAutoHold || single.Score != 0 {
		t.Fatalf("expected single frame on hold, got %+v", single)
	}
}

func TestApplyExifPrecedenceAndParsing(t *testing.T) {
	f := Frame{CaptureTime: epoch, TimeSource: SourceMtime}
	applyExif(&f, map[string]any{
		"SubSecDateTimeOriginal": "2024:06:01 12:00:00.25+02:00",
		"DateTimeOriginal":       "2024:06:01 13:00:00",
		"ExposureCompensation":   "-1/3",
		"ExposureTime":           "1/250",
		"FNumber":                8.0,
		"FocalLength":            "24.0 mm",
		"ISO":                    100.0,
		"Make":                   "SONY",
	})
	want := time.Date(2024, 6, 1, 10, 0, 0, 250_000_000, time.UTC)
	if !f.CaptureTime.Equal(want) || f.TimeSource != SourceExif {
		t.Fatalf("expected subsec time %v, got %v (%s)", want, f.CaptureTime, f.TimeSource)
	}
	if f.ExposureBias == nil || *f.ExposureBias > -0.33 || *f.ExposureBias < -0.34 {
		t.Fatalf("unexpected exposure bias %v", f.ExposureBias)
	}
	if f.ExposureTime != 0.004 || f.FNumber != 8 || f.FocalLength != 24 || f.ISO != 100 || f.Make != "SONY" {
		t.Fatalf("unexpected parsed fields %+v", f)
	}

	g := Frame{CaptureTime: epoch, TimeSource: SourceMtime}
	applyExif(&g, map[string]any{"DateTimeOriginal": "0000:00:00 00:00:00", "ExposureCompensation": "+0.7"})
	if g.TimeSource != SourceMtime || !g.CaptureTime.Equal(epoch) {
		t.Fatalf("invalid exif date must fall back to mtime")
	}
	if g.ExposureBias == nil || *g.ExposureBias != 0.7 {
		t.Fatalf("expected +0.7 bias, got %v", g.ExposureBias)
	}
}

func TestExtractorFallsBackWithoutExiftool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	ext := NewExtractor("exiftool", nil)
	ext.lookPath = func(string) (string, error) { return "", os.ErrNotExist }
	frames, err := ext.Extract(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if frames[0].TimeSource != SourceMtime || frames[0].Size != 3 || frames[0].Filename != "a.jpg" {
		t.Fatalf("unexpected frame %+v", frames[0])
	}

	if _, err := ext.Extract(context.Background(), []string{filepath.Join(dir, "missing.jpg")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestExtractorParsesExiftoolJSON(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.ARW")
	b := filepath.Join(dir, "b.ARW")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("raw"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ext := NewExtractor("exiftool", nil)
	ext.lookPath = func(string) (string, error) { return "/usr/bin/exiftool", nil }
	var gotArgs []string
	ext.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte(fmt.Sprintf(`[{"SourceFile":%q,"DateTimeOriginal":"2024:05:01 10:00:00"},{"SourceFile":%q,"DateTimeOriginal":"2024:05:01 10:00:01"}]`, a, b)), nil
	}
	frames, err := ext.Extract(context.Background(), []string{a, b})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(strings.Join(gotArgs, " "), "-json") {
		t.Fatalf("expected -json argument, got %v", gotArgs)
	}
	if frames[1].CaptureTime.Sub(frames[0].CaptureTime) != time.Second || frames[0].TimeSource != SourceExif {
		t.Fatalf("unexpected capture times %v %v", frames[0].CaptureTime, frames[1].CaptureTime)
	}
}
