package hdr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"stackline/internal/blob"
	"stackline/internal/fault"
	"stackline/internal/fsutil"
	"stackline/internal/logging"
	"stackline/internal/metrics"
)

// Methods reported in Result.
const (
	MethodSingle = "single"
	MethodFused  = "fused"
)

// Objects is the slice of blob storage the compositor needs.
type Objects interface {
	Fetch(ctx context.Context, key, dest string) error
	PutFile(ctx context.Context, key, path string) (blob.Object, error)
}

// Source is one stored frame of a group, in group order.
type Source struct {
	Key      string
	Filename string
}

// Request describes one group to fuse.
type Request struct {
	JobID     string
	GroupID   string
	Frames    []Source
	OutputKey string
	// OnFetched runs once every frame is on local disk, before any tool.
	OnFetched func(ctx context.Context) error
}

// Result describes a stored composite.
type Result struct {
	Key      string
	Method   string
	Frames   int
	Size     int64
	Duration time.Duration
}

// Options tunes a Compositor.
type Options struct {
	TempDir          string
	FetchConcurrency int
	JPEGQuality      int
}

// Compositor turns a group's frames into one stored JPEG.
type Compositor struct {
	objects Objects
	tools   Toolchain
	opts    Options
	log     *slog.Logger
}

// NewCompositor returns a compositor writing temporary files under
// opts.TempDir (the system default when empty).
func NewCompositor(objects Objects, tools Toolchain, opts Options, logger *slog.Logger) *Compositor {
	if opts.FetchConcurrency < 1 {
		opts.FetchConcurrency = 4
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 92
	}
	return &Compositor{objects: objects, tools: tools, opts: opts, log: logging.Or(logger)}
}

// Composite fuses req.Frames and stores the result at req.OutputKey. A single
// frame is only normalized; alignment and fusion run for two or more. The
// working directory is removed before Composite returns.
func (c *Compositor) Composite(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if len(req.Frames) == 0 {
		return Result{}, fault.New(fault.ErrGroupFatal, "hdr", "group has no frames")
	}
	for i, f := range req.Frames {
		if f.Key == "" {
			return Result{}, fault.New(fault.ErrGroupFatal, "hdr", fmt.Sprintf("frame %d has no stored object", i+1))
		}
	}
	if req.OutputKey == "" {
		return Result{}, fault.New(fault.ErrValidation, "hdr", "output key is required")
	}

	if c.opts.TempDir != "" {
		if err := os.MkdirAll(c.opts.TempDir, 0o755); err != nil {
			return Result{}, fault.Wrap(fault.ErrTransient, "hdr", "workspace", "could not prepare working directory", err)
		}
	}
	dir, err := os.MkdirTemp(c.opts.TempDir, "stackline-group-")
	if err != nil {
		return Result{}, fault.Wrap(fault.ErrTransient, "hdr", "workspace", "could not prepare working directory", err)
	}
	defer os.RemoveAll(dir)

	inputs, err := c.fetch(ctx, dir, req.Frames)
	if err != nil {
		return Result{}, err
	}
	if req.OnFetched != nil {
		if err := req.OnFetched(ctx); err != nil {
			return Result{}, err
		}
	}

	out := filepath.Join(dir, "composite.jpg")
	method := MethodSingle
	if len(inputs) == 1 {
		err = c.normalize(ctx, dir, inputs[0], out)
	} else {
		method = MethodFused
		err = c.fuse(ctx, dir, inputs, out)
	}
	if err != nil {
		return Result{}, err
	}

	obj, err := c.objects.PutFile(ctx, req.OutputKey, out)
	if err != nil {
		return Result{}, toolError(ctx, "store", "could not store the composite", fault.ErrTransient, err)
	}
	res := Result{Key: obj.Key, Method: method, Frames: len(inputs), Size: obj.Size, Duration: time.Since(start)}
	metrics.ObserveComposite(res.Frames, res.Duration)
	c.log.Debug("composite stored", "job", req.JobID, "group", req.GroupID, "method", method, "frames", res.Frames, "key", res.Key)
	return res, nil
}

func (c *Compositor) fetch(ctx context.Context, dir string, frames []Source) ([]string, error) {
	inDir := filepath.Join(dir, "in")
	if err := os.MkdirAll(inDir, 0o755); err != nil {
		return nil, fault.Wrap(fault.ErrTransient, "hdr", "fetch", "could not prepare working directory", err)
	}
	paths := make([]string, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.FetchConcurrency)
	for i, f := range frames {
		name := f.Filename
		if name == "" {
			name = filepath.Base(f.Key)
		}
		paths[i] = filepath.Join(inDir, fmt.Sprintf("%03d-%s", i+1, fsutil.SanitizeFilename(name)))
		g.Go(func() error {
			if err := c.objects.Fetch(gctx, f.Key, paths[i]); err != nil {
				if errors.Is(err, fault.ErrNotFound) {
					return fault.Wrap(fault.ErrGroupFatal, "hdr", "fetch", fmt.Sprintf("%s is missing from storage", name), err)
				}
				return toolError(gctx, "fetch", fmt.Sprintf("could not download %s", name), fault.ErrTransient, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// normalize re-encodes one frame. RAW files use their embedded preview and
// fall back to a full development when there is none.
func (c *Compositor) normalize(ctx context.Context, dir, src, out string) error {
	input := src
	if fsutil.IsRAWFile(src) {
		preview := filepath.Join(dir, "preview.jpg")
		if err := c.tools.ExtractPreview(ctx, src, preview); err == nil {
			input = preview
		} else {
			c.log.Debug("no embedded preview, developing RAW", "file", filepath.Base(src), "error", err)
			developed := filepath.Join(dir, "developed.tif")
			if err := c.tools.ConvertRAW(ctx, src, developed); err != nil {
				return toolError(ctx, "convert", "could not read the RAW frame", fault.ErrGroupFatal, err)
			}
			input = developed
		}
	}
	if err := c.tools.Encode(ctx, input, out, c.opts.JPEGQuality); err != nil {
		return toolError(ctx, "encode", "could not encode the image", fault.ErrGroupFatal, err)
	}
	return nil
}

// fuse runs convert, align, fuse and encode in order; each step consumes the
// previous step's files.
func (c *Compositor) fuse(ctx context.Context, dir string, inputs []string, out string) error {
	developed := make([]string, len(inputs))
	for i, in := range inputs {
		developed[i] = in
		if !fsutil.IsRAWFile(in) {
			continue
		}
		tif := filepath.Join(dir, fmt.Sprintf("dev-%03d.tif", i+1))
		if err := c.tools.ConvertRAW(ctx, in, tif); err != nil {
			return toolError(ctx, "convert", fmt.Sprintf("could not read RAW frame %d", i+1), fault.ErrGroupFatal, err)
		}
		developed[i] = tif
	}

	aligned, err := c.tools.Align(ctx, developed, filepath.Join(dir, "aligned_"))
	if err != nil {
		return toolError(ctx, "align", "frame alignment failed", fault.ErrGroupFatal, err)
	}
	if len(aligned) != len(developed) {
		return fault.New(fault.ErrGroupFatal, "hdr", fmt.Sprintf("alignment returned %d of %d frames", len(aligned), len(developed)))
	}

	fused := filepath.Join(dir, "fused.tif")
	if err := c.tools.Fuse(ctx, aligned, fused); err != nil {
		return toolError(ctx, "fuse", "exposure fusion failed", fault.ErrGroupFatal, err)
	}
	if err := c.tools.Encode(ctx, fused, out, c.opts.JPEGQuality); err != nil {
		return toolError(ctx, "encode", "could not encode the fused image", fault.ErrGroupFatal, err)
	}
	return nil
}

// toolError wraps err with marker, or with ErrCanceled once ctx has ended.
func toolError(ctx context.Context, op, msg string, marker error, err error) error {
	if ctx.Err() != nil {
		return fault.Wrap(fault.ErrCanceled, "hdr", op, "processing interrupted", err)
	}
	return fault.Wrap(marker, "hdr", op, msg, err)
}
