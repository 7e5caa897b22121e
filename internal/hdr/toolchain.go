package hdr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/gographics/imagick.v3/imagick"

	"stackline/internal/config"
	"stackline/internal/logging"
)

// Toolchain is the set of image operations the compositor sequences.
type Toolchain interface {
	// ExtractPreview writes the JPEG embedded in a RAW file to dest.
	ExtractPreview(ctx context.Context, src, dest string) error
	// ConvertRAW develops a RAW file into a 16-bit TIFF at dest.
	ConvertRAW(ctx context.Context, src, dest string) error
	// Align registers inputs against each other and returns aligned files
	// in input order, written under prefix.
	Align(ctx context.Context, inputs []string, prefix string) ([]string, error)
	// Fuse exposure-blends inputs into dest.
	Fuse(ctx context.Context, inputs []string, dest string) error
	// Encode normalizes src into a JPEG at dest.
	Encode(ctx context.Context, src, dest string, quality int) error
}

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execRunner returns stdout; stderr is folded into the error.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, tail(stderr.String(), 400))
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

var (
	magickOnce   sync.Once
	magickActive atomic.Bool
)

func initMagick() {
	magickOnce.Do(func() {
		imagick.Initialize()
		magickActive.Store(true)
	})
}

// Shutdown releases ImageMagick if it was initialized.
func Shutdown() {
	if magickActive.CompareAndSwap(true, false) {
		imagick.Terminate()
	}
}

var (
	defaultAlignArgs  = []string{"-C"}
	defaultEnfuseArgs = []string{"--exposure-weight=1", "--saturation-weight=0.2", "--contrast-weight=0", "--depth=16"}
)

// ExecToolchain runs the external binaries.
type ExecToolchain struct {
	exiftool   string
	dcraw      string
	align      string
	enfuse     string
	alignArgs  []string
	enfuseArgs []string
	run        commandRunner
	log        *slog.Logger
}

// NewExecToolchain returns a toolchain using the configured binaries.
func NewExecToolchain(cfg config.HDR, logger *slog.Logger) *ExecToolchain {
	t := &ExecToolchain{
		exiftool:   orDefault(cfg.Exiftool, "exiftool"),
		dcraw:      orDefault(cfg.Dcraw, "dcraw"),
		align:      orDefault(cfg.AlignImageStack, "align_image_stack"),
		enfuse:     orDefault(cfg.Enfuse, "enfuse"),
		alignArgs:  cfg.AlignArgs,
		enfuseArgs: cfg.EnfuseArgs,
		run:        execRunner,
		log:        logging.Or(logger),
	}
	if len(t.alignArgs) == 0 {
		t.alignArgs = defaultAlignArgs
	}
	if len(t.enfuseArgs) == 0 {
		t.enfuseArgs = defaultEnfuseArgs
	}
	return t
}

func (t *ExecToolchain) ExtractPreview(ctx context.Context, src, dest string) error {
	var lastErr error
	for _, tag := range []string{"-JpgFromRaw", "-PreviewImage"} {
		out, err := t.run(ctx, t.exiftool, "-b", tag, src)
		if err != nil {
			lastErr = err
			continue
		}
		if len(out) > 0 {
			return os.WriteFile(dest, out, 0o644)
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("no embedded preview in %s", src)
}

func (t *ExecToolchain) ConvertRAW(ctx context.Context, src, dest string) error {
	out, err := t.run(ctx, t.dcraw, "-c", "-w", "-6", "-T", src)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return fmt.Errorf("dcraw produced no output for %s", src)
	}
	return os.WriteFile(dest, out, 0o644)
}

func (t *ExecToolchain) Align(ctx context.Context, inputs []string, prefix string) ([]string, error) {
	args := append([]string{}, t.alignArgs...)
	args = append(args, "-a", prefix)
	args = append(args, inputs...)
	t.log.Debug("aligning frames", "tool", t.align, "frames", len(inputs))
	if _, err := t.run(ctx, t.align, args...); err != nil {
		return nil, err
	}
	// align_image_stack writes prefix0000.tif, prefix0001.tif, ...
	aligned := make([]string, len(inputs))
	for i := range inputs {
		p := fmt.Sprintf("%s%04d.tif", prefix, i)
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("aligned frame %d not produced: %w", i, err)
		}
		aligned[i] = p
	}
	return aligned, nil
}

func (t *ExecToolchain) Fuse(ctx context.Context, inputs []string, dest string) error {
	args := []string{"-o", dest}
	args = append(args, t.enfuseArgs...)
	args = append(args, inputs...)
	t.log.Debug("fusing frames", "tool", t.enfuse, "frames", len(inputs))
	if _, err := t.run(ctx, t.enfuse, args...); err != nil {
		return err
	}
	if _, err := os.Stat(dest); err != nil {
		return fmt.Errorf("enfuse output not created: %w", err)
	}
	return nil
}

func (t *ExecToolchain) Encode(ctx context.Context, src, dest string, quality int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	initMagick()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(src); err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return fmt.Errorf("auto-orient: %w", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
		return fmt.Errorf("set colorspace: %w", err)
	}
	if err := mw.SetImageDepth(8); err != nil {
		return fmt.Errorf("set depth: %w", err)
	}
	if err := mw.SetImageFormat("JPEG"); err != nil {
		return fmt.Errorf("set format: %w", err)
	}
	if quality > 0 {
		if err := mw.SetImageCompressionQuality(uint(quality)); err != nil {
			return fmt.Errorf("set quality: %w", err)
		}
	}
	if err := mw.WriteImage(dest); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
