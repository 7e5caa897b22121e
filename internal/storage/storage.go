package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"stackline/internal/fault"
	"stackline/internal/pipeline"
)

// Store wraps SQLite-backed persistence for job snapshots.
type Store struct {
	DB *sql.DB // Export for direct database access
}

var _ pipeline.Store = (*Store)(nil)

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: ensure dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            owner_id TEXT NOT NULL,
            name TEXT,
            status TEXT NOT NULL,
            terminal BOOLEAN NOT NULL DEFAULT FALSE,
            package_key TEXT,
            error_message TEXT,
            snapshot_json TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS job_groups (
            job_id TEXT NOT NULL,
            group_id TEXT NOT NULL,
            idx INTEGER NOT NULL,
            status TEXT NOT NULL,
            frame_count INTEGER NOT NULL,
            output_key TEXT,
            error_message TEXT,
            PRIMARY KEY (job_id, group_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_terminal ON jobs(terminal);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord is the summary row of a stored job.
type JobRecord struct {
	ID         string
	OwnerID    string
	Name       string
	Status     string
	PackageKey string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaveSnapshot replaces the stored state of one job.
func (s *Store) SaveSnapshot(ctx context.Context, snap pipeline.Snapshot) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job := snap.Job
	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (id, owner_id, name, status, terminal, package_key, error_message, snapshot_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET status=excluded.status, terminal=excluded.terminal, package_key=excluded.package_key,
            error_message=excluded.error_message, snapshot_json=excluded.snapshot_json, updated_at=excluded.updated_at;`,
		job.ID, job.OwnerID, job.Name, string(job.Status), job.Status.Terminal(), job.PackageKey, job.Error, string(raw), job.CreatedAt.UTC(), updated.UTC())
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_groups WHERE job_id=?;`, job.ID); err != nil {
		return err
	}
	for _, g := range snap.Groups {
		if _, err := tx.ExecContext(ctx, `INSERT INTO job_groups (job_id, group_id, idx, status, frame_count, output_key, error_message) VALUES (?, ?, ?, ?, ?, ?, ?);`,
			job.ID, g.ID, g.Index, string(g.Status), g.Size(), g.OutputKey, g.Error); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadActive returns every job that has not reached a terminal status.
func (s *Store) LoadActive(ctx context.Context) ([]pipeline.Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT snapshot_json FROM jobs WHERE terminal = FALSE ORDER BY created_at;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.Snapshot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var snap pipeline.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LoadSnapshot returns the stored state of one job.
func (s *Store) LoadSnapshot(ctx context.Context, jobID string) (pipeline.Snapshot, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx, `SELECT snapshot_json FROM jobs WHERE id=?;`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Snapshot{}, fault.New(fault.ErrNotFound, "storage", fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	var snap pipeline.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// RecentJobs returns the latest jobs up to limit, optionally for one owner.
func (s *Store) RecentJobs(ctx context.Context, ownerID string, limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, owner_id, name, status, package_key, error_message, created_at, updated_at FROM jobs
        WHERE (? = '' OR owner_id = ?) ORDER BY created_at DESC LIMIT ?;`, ownerID, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var name, pkg, errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &name, &rec.Status, &pkg, &errMsg, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		rec.PackageKey = pkg.String
		rec.Error = errMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GroupCounts returns how many groups of a job are in each status.
func (s *Store) GroupCounts(ctx context.Context, jobID string) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_groups WHERE job_id=? GROUP BY status;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Prune removes terminal jobs last updated before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_groups WHERE job_id IN (SELECT id FROM jobs WHERE terminal = TRUE AND updated_at < ?);`, cutoff.UTC()); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE terminal = TRUE AND updated_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
