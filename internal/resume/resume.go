// Package resume keeps the client's session pointer so an interrupted submit
// can pick up where it stopped.
package resume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Version of the on-disk record. Records of other versions are ignored.
const Version = 1

// Modes of a session.
const (
	ModeSubmit = "submit"
	ModeWatch  = "watch"
)

// Record is the persisted session state. Cursor maps transfer fingerprints
// to the keys they were stored under.
type Record struct {
	Version    int               `json:"version"`
	Mode       string            `json:"mode"`
	WorkflowID string            `json:"workflowId,omitempty"`
	JobID      string            `json:"jobId"`
	Source     string            `json:"source,omitempty"`
	Server     string            `json:"server,omitempty"`
	Cursor     map[string]string `json:"cursor,omitempty"`
	SavedAt    time.Time         `json:"savedAt"`
}

// File stores one Record, guarded by a sibling lock file so concurrent CLI
// invocations do not interleave writes.
type File struct {
	path string
	lock *flock.Flock
}

// Open returns a File at path; the directory is created on first save.
func Open(path string) *File {
	return &File{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the record location.
func (f *File) Path() string { return f.path }

func (f *File) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("resume: ensure dir: %w", err)
	}
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("resume: acquire lock: %w", err)
	}
	defer f.lock.Unlock()
	return fn()
}

// Save replaces the record.
func (f *File) Save(rec Record) error {
	return f.withLock(func() error { return f.write(rec) })
}

// Load returns the record, or false when none exists or its version differs.
func (f *File) Load() (Record, bool, error) {
	var rec Record
	var ok bool
	err := f.withLock(func() error {
		var err error
		rec, ok, err = f.read()
		return err
	})
	return rec, ok, err
}

// Update applies fn to the current record under the lock. fn receives a
// zero Record with ok=false when nothing is stored.
func (f *File) Update(fn func(rec *Record, ok bool) error) error {
	return f.withLock(func() error {
		rec, ok, err := f.read()
		if err != nil {
			return err
		}
		if err := fn(&rec, ok); err != nil {
			return err
		}
		rec.SavedAt = time.Time{}
		return f.write(rec)
	})
}

// Clear removes the record. A missing record is not an error.
func (f *File) Clear() error {
	return f.withLock(func() error {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
}

func (f *File) read() (Record, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("resume: decode %s: %w", f.path, err)
	}
	if rec.Version != Version {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (f *File) write(rec Record) error {
	rec.Version = Version
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
