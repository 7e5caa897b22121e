package burst

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"stackline/internal/logging"
)

const exiftoolBatch = 200

// exiftool tags requested per file, in timestamp precedence order first.
var exifTags = []string{
	"-SubSecDateTimeOriginal",
	"-DateTimeOriginal",
	"-CreateDate",
	"-ExposureCompensation",
	"-ExposureTime",
	"-FNumber",
	"-FocalLength",
	"-ISO",
	"-Make",
	"-Model",
}

var exifTimeLayouts = []string{
	"2006:01:02 15:04:05.999999999-07:00",
	"2006:01:02 15:04:05-07:00",
	"2006:01:02 15:04:05.999999999",
	"2006:01:02 15:04:05",
}

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Extractor reads capture metadata with exiftool, falling back to file
// modification time when exiftool or the tags are unavailable.
type Extractor struct {
	exiftool string
	run      commandRunner
	lookPath func(string) (string, error)
	log      *slog.Logger
}

// NewExtractor returns an Extractor using the given exiftool binary.
func NewExtractor(exiftool string, logger *slog.Logger) *Extractor {
	if exiftool == "" {
		exiftool = "exiftool"
	}
	return &Extractor{exiftool: exiftool, run: execRunner, lookPath: exec.LookPath, log: logging.Or(logger)}
}

// Extract returns one Frame per path in input order. Any path that cannot be
// stat'ed is an error; metadata problems only degrade to mtime.
func (e *Extractor) Extract(ctx context.Context, paths []string) ([]Frame, error) {
	frames := make([]Frame, len(paths))
	index := make(map[string]int, len(paths))
	for i, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		frames[i] = Frame{
			Path:        p,
			Filename:    filepath.Base(p),
			Size:        info.Size(),
			CaptureTime: info.ModTime().UTC(),
			TimeSource:  SourceMtime,
		}
		index[p] = i
	}

	if _, err := e.lookPath(e.exiftool); err != nil {
		e.log.Warn("exiftool not found, grouping by file modification time", "tool", e.exiftool)
		return frames, nil
	}

	for start := 0; start < len(paths); start += exiftoolBatch {
		end := start + exiftoolBatch
		if end > len(paths) {
			end = len(paths)
		}
		args := append([]string{"-json"}, exifTags...)
		args = append(args, paths[start:end]...)
		out, err := e.run(ctx, e.exiftool, args...)
		if err != nil && len(out) == 0 {
			e.log.Warn("exiftool failed, using modification times", "error", err, "files", end-start)
			continue
		}
		var parsed []map[string]any
		if err := json.Unmarshal(out, &parsed); err != nil {
			e.log.Warn("exiftool output unreadable", "error", err)
			continue
		}
		for _, m := range parsed {
			src, _ := m["SourceFile"].(string)
			i, ok := index[src]
			if !ok {
				continue
			}
			applyExif(&frames[i], m)
		}
	}
	return frames, nil
}

// applyExif copies the tags exiftool returned onto f.
func applyExif(f *Frame, m map[string]any) {
	for _, key := range []string{"SubSecDateTimeOriginal", "DateTimeOriginal", "CreateDate"} {
		if s, ok := m[key].(string); ok {
			if ts, ok := parseExifTime(s); ok {
				f.CaptureTime = ts
				f.TimeSource = SourceExif
				break
			}
		}
	}
	if ev, ok := parseEV(m["ExposureCompensation"]); ok {
		f.ExposureBias = &ev
	}
	if v, ok := parseRational(m["ExposureTime"]); ok {
		f.ExposureTime = v
	}
	if v, ok := parseRational(m["FNumber"]); ok {
		f.FNumber = v
	}
	if v, ok := parseRational(m["FocalLength"]); ok {
		f.FocalLength = v
	}
	if v, ok := parseRational(m["ISO"]); ok {
		f.ISO = int(v)
	}
	if s, ok := m["Make"].(string); ok {
		f.Make = s
	}
	if s, ok := m["Model"].(string); ok {
		f.Model = s
	}
}

func parseExifTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000") {
		return time.Time{}, false
	}
	for _, layout := range exifTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseEV accepts numbers and strings such as "+0.7", "-1/3" or "0".
func parseEV(v any) (float64, bool) {
	return parseRational(v)
}

// parseRational accepts JSON numbers, decimal strings, "a/b" fractions and
// values with a unit suffix ("24.0 mm").
func parseRational(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if i := strings.IndexByte(s, ' '); i > 0 {
			s = s[:i]
		}
		s = strings.TrimPrefix(s, "+")
		if s == "" {
			return 0, false
		}
		if num, den, ok := strings.Cut(s, "/"); ok {
			n, err1 := strconv.ParseFloat(num, 64)
			d, err2 := strconv.ParseFloat(den, 64)
			if err1 != nil || err2 != nil || d == 0 {
				return 0, false
			}
			return n / d, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
