package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"stackline/internal/blob"
	"stackline/internal/fault"
	"stackline/internal/fsutil"
	"stackline/internal/logging"
)

// PackageObjects is the blob access the packager needs.
type PackageObjects interface {
	Open(ctx context.Context, key string) (*os.File, blob.Object, error)
	PutFile(ctx context.Context, key, path string) (blob.Object, error)
}

// Packager zips the deliverables of a finished job.
type Packager struct {
	machine *Machine
	objects PackageObjects
	tempDir string
	log     *slog.Logger
}

func NewPackager(machine *Machine, objects PackageObjects, tempDir string, logger *slog.Logger) *Packager {
	return &Packager{machine: machine, objects: objects, tempDir: tempDir, log: logging.Or(logger)}
}

// PackageKey is where a job's archive is stored.
func PackageKey(job Job) string {
	return fmt.Sprintf("jobs/%s/%s-package.zip", job.ID, job.ProjectFolder)
}

// Package builds and stores the archive, then reports the outcome.
func (p *Packager) Package(ctx context.Context, jobID string) error {
	job, items, err := p.machine.PackageItems(jobID)
	if err != nil {
		return err
	}
	if err := p.machine.MarkZipping(ctx, jobID); err != nil {
		return err
	}
	key, err := p.build(ctx, job, items)
	if err != nil {
		if ctx.Err() != nil {
			// Left in zipping; Restore packages it again.
			return err
		}
		p.log.Error("packaging failed", "job", jobID, "error", err)
	} else {
		p.log.Info("package stored", "job", jobID, "key", key, "items", len(items))
	}
	return p.machine.PackageDone(ctx, jobID, key, err)
}

func (p *Packager) build(ctx context.Context, job Job, items []PackageItem) (string, error) {
	if len(items) == 0 {
		return "", fault.New(fault.ErrJobFatal, "package", "nothing to package")
	}
	if p.tempDir != "" {
		if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
			return "", err
		}
	}
	tmp, err := os.CreateTemp(p.tempDir, "stackline-package-*.zip")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	zw := zip.NewWriter(tmp)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name := fmt.Sprintf("%03d-%s", item.Index, fsutil.SanitizeFilename(item.Filename))
		if err := p.addEntry(ctx, zw, name, item.OutputKey); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	obj, err := p.objects.PutFile(ctx, PackageKey(job), tmp.Name())
	if err != nil {
		return "", err
	}
	return obj.Key, nil
}

func (p *Packager) addEntry(ctx context.Context, zw *zip.Writer, name, key string) error {
	src, _, err := p.objects.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer src.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
