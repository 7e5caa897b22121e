// Package ingest watches a hot folder and hands over captures in batches once
// the folder has been quiet for a while.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"stackline/internal/fsutil"
	"stackline/internal/logging"
)

const defaultQuiet = 5 * time.Second

// Batch is a set of captures that arrived together.
type Batch struct {
	Dir   string
	Paths []string
	At    time.Time
}

// Handler receives each batch. An error is logged and the batch dropped.
type Handler func(ctx context.Context, b Batch) error

// Options tunes batching.
type Options struct {
	Quiet    time.Duration // idle time that closes a batch
	MinFiles int           // smaller batches are held until more files arrive
}

// Watcher monitors one directory for new image files.
type Watcher struct {
	dir     string
	opts    Options
	handle  Handler
	log     *slog.Logger
	watcher *fsnotify.Watcher
}

// New starts watching dir immediately; events are batched once Run is called.
func New(dir string, opts Options, handle Handler, logger *slog.Logger) (*Watcher, error) {
	if opts.Quiet <= 0 {
		opts.Quiet = defaultQuiet
	}
	if opts.MinFiles < 1 {
		opts.MinFiles = 1
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("ingest: " + dir + " is not a directory")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{dir: dir, opts: opts, handle: handle, log: logging.Or(logger), watcher: fw}, nil
}

// Run batches events until ctx is canceled or the watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.log.Info("watching hot folder", "dir", w.dir, "quiet", w.opts.Quiet)

	pending := make(map[string]bool)
	timer := time.NewTimer(w.opts.Quiet)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if !fsutil.IsImageFile(event.Name) {
					continue
				}
				pending[event.Name] = true
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, event.Name)
			default:
				continue
			}
			timer.Reset(w.opts.Quiet)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("hot folder watcher error", "dir", w.dir, "error", err)

		case <-timer.C:
			paths := w.settled(pending)
			if len(paths) < w.opts.MinFiles {
				continue
			}
			for _, p := range paths {
				delete(pending, p)
			}
			b := Batch{Dir: w.dir, Paths: paths, At: time.Now().UTC()}
			w.log.Info("hot folder batch ready", "dir", w.dir, "files", len(paths))
			if err := w.handle(ctx, b); err != nil {
				w.log.Error("hot folder batch failed", "dir", w.dir, "files", len(paths), "error", err)
			}
		}
	}
}

// settled returns the pending files that still exist, sorted by name.
func (w *Watcher) settled(pending map[string]bool) []string {
	var out []string
	for p := range pending {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() || info.Size() == 0 {
			if err != nil {
				delete(pending, p)
			}
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return filepath.Base(out[i]) < filepath.Base(out[j]) })
	return out
}
