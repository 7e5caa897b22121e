// Package hdr fuses an exposure stack into one image with exiftool, dcraw,
// align_image_stack, enfuse and ImageMagick.
package hdr

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"stackline/internal/config"
)

// Logical tool names.
const (
	ToolExiftool    = "exiftool"
	ToolDcraw       = "dcraw"
	ToolAlign       = "align_image_stack"
	ToolEnfuse      = "enfuse"
	ToolImageMagick = "imagemagick"
)

type toolSpec struct {
	name        string
	binary      string
	versionArgs []string
}

// ToolManager reports which external tools are installed.
type ToolManager struct {
	specs    []toolSpec
	lookPath func(string) (string, error)
	output   func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Name      string
	Binary    string
	Available bool
	Version   string
	Path      string
	Error     error
}

// NewToolManager builds the tool list from configured binaries.
func NewToolManager(cfg config.HDR) *ToolManager {
	return &ToolManager{
		specs: []toolSpec{
			{ToolExiftool, orDefault(cfg.Exiftool, "exiftool"), []string{"-ver"}},
			{ToolDcraw, orDefault(cfg.Dcraw, "dcraw"), nil}, // prints usage without args
			{ToolAlign, orDefault(cfg.AlignImageStack, "align_image_stack"), []string{"--help"}},
			{ToolEnfuse, orDefault(cfg.Enfuse, "enfuse"), []string{"--version"}},
			{ToolImageMagick, "convert", []string{"-version"}},
		},
		lookPath: exec.LookPath,
		output: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(name string) ToolStatus {
	for _, spec := range tm.specs {
		if spec.name == name {
			return tm.check(spec)
		}
	}
	return ToolStatus{Name: name, Error: fmt.Errorf("unknown tool %q", name)}
}

func (tm *ToolManager) check(spec toolSpec) ToolStatus {
	st := ToolStatus{Name: spec.name, Binary: spec.binary}
	path, err := tm.lookPath(spec.binary)
	if err != nil {
		st.Error = err
		return st
	}
	st.Path = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := tm.output(ctx, path, spec.versionArgs...)
	if err != nil && len(out) == 0 {
		// Some tools (like dcraw) exit non-zero for usage but still print it.
		st.Error = err
		return st
	}
	st.Available = true
	st.Version = extractVersion(string(out))
	return st
}

// Status checks every tool in a fixed order.
func (tm *ToolManager) Status() []ToolStatus {
	out := make([]ToolStatus, 0, len(tm.specs))
	for _, spec := range tm.specs {
		out = append(out, tm.check(spec))
	}
	return out
}

// Missing lists tools from names that are not available.
func (tm *ToolManager) Missing(names ...string) []string {
	var missing []string
	for _, n := range names {
		if !tm.CheckTool(n).Available {
			missing = append(missing, n)
		}
	}
	return missing
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
