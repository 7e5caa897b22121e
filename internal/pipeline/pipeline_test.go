package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"stackline/internal/blob"
	"stackline/internal/enhance"
	"stackline/internal/fault"
	"stackline/internal/hdr"
)

type stubCompositor struct {
	store *blob.Store
	fail  map[string]bool // group IDs
}

func (c *stubCompositor) Composite(ctx context.Context, req hdr.Request) (hdr.Result, error) {
	if err := req.OnFetched(ctx); err != nil {
		return hdr.Result{}, err
	}
	if c.fail[req.GroupID] {
		return hdr.Result{}, fault.New(fault.ErrGroupFatal, "hdr", "frame alignment failed")
	}
	obj, err := c.store.Put(ctx, req.OutputKey, strings.NewReader("composite"))
	if err != nil {
		return hdr.Result{}, err
	}
	return hdr.Result{Key: obj.Key, Method: hdr.MethodFused, Frames: len(req.Frames)}, nil
}

type stubEnhancer struct {
	store *blob.Store
}

func (e *stubEnhancer) Enhance(ctx context.Context, req enhance.Request) (enhance.Result, error) {
	obj, err := e.store.Put(ctx, req.OutputKey, strings.NewReader("enhanced"))
	if err != nil {
		return enhance.Result{}, err
	}
	return enhance.Result{Key: obj.Key, Provider: "stub", Attempts: 1}, nil
}

func waitForStatus(t *testing.T, m *Machine, jobID string, want JobStatus) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := mustSnapshot(t, m, jobID)
		if snap.Job.Status == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck at %s, want %s", snap.Job.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPipelineProcessesAndPackages(t *testing.T) {
	ctx := context.Background()
	store, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m := NewMachine(Options{Publisher: &recorder{}})
	snap := setupJob(t, m, 3, 2, 1)
	jobID := snap.Job.ID

	comp := &stubCompositor{store: store, fail: map[string]bool{snap.Groups[1].ID: true}}
	proc := NewProcessor(m, comp, &stubEnhancer{store: store}, nil)
	pack := NewPackager(m, store, t.TempDir(), nil)
	p := New(ctx, m, proc, pack, PoolOptions{Workers: 2, QueueSize: 1, SweepInterval: 10 * time.Millisecond}, nil)
	defer p.Stop()

	if _, err := m.Start(ctx, jobID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, g := range snap.Groups {
		uploadGroup(t, m, jobID, g)
	}

	final := waitForStatus(t, m, jobID, JobPartial)
	if final.Job.PackageKey != PackageKey(final.Job) {
		t.Fatalf("unexpected package key %q", final.Job.PackageKey)
	}
	if g := final.Groups[1]; g.Status != GroupFailed || g.Error != "frame alignment failed" {
		t.Fatalf("unexpected failed group %+v", g)
	}
	for _, i := range []int{0, 2} {
		g := final.Groups[i]
		if g.Status != GroupAIOK || g.CompositeKey != CompositeKey(jobID, g.ID) || !strings.HasPrefix(g.OutputKey, "user/owner-1/hdr/") {
			t.Fatalf("unexpected finished group %+v", g)
		}
	}

	f, obj, err := store.Open(ctx, final.Job.PackageKey)
	if err != nil {
		t.Fatalf("open package: %v", err)
	}
	defer f.Close()
	zr, err := zip.NewReader(f, obj.Size)
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "001-IMG_12.jpg" || names[1] != "003-IMG_31.jpg" {
		t.Fatalf("unexpected package entries %v", names)
	}
}

func TestPackagerFailsJobOnMissingOutput(t *testing.T) {
	ctx := context.Background()
	store, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m, _, q := newTestMachine(t, Options{})
	packs := make(chan string, 1)
	m.SetPackager(func(jobID string) { packs <- jobID })

	snap := setupJob(t, m, 1)
	jobID := snap.Job.ID
	if _, err := m.Start(ctx, jobID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	uploadGroup(t, m, jobID, snap.Groups[0])
	processOK(t, m, q.forGroup(snap.Groups[0].ID)[0])
	if got := <-packs; got != jobID {
		t.Fatalf("packager started for %s", got)
	}

	pack := NewPackager(m, store, t.TempDir(), nil)
	if err := pack.Package(ctx, jobID); err != nil {
		t.Fatalf("package: %v", err)
	}
	failed := mustSnapshot(t, m, jobID)
	if failed.Job.Status != JobFailed || failed.Job.Error != "packaging failed" {
		t.Fatalf("unexpected job after packaging failure %+v", failed.Job)
	}

	// The output shows up; retry repackages without touching the group.
	if _, err := store.Put(ctx, "out/"+snap.Groups[0].ID+".jpg", strings.NewReader("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	n, _, err := m.RetryMissing(ctx, jobID)
	if err != nil || n != 0 {
		t.Fatalf("repack retry: n=%d err=%v", n, err)
	}
	<-packs
	if err := pack.Package(ctx, jobID); err != nil {
		t.Fatalf("package: %v", err)
	}
	if s := mustSnapshot(t, m, jobID).Job; s.Status != JobCompleted || s.PackageKey == "" {
		t.Fatalf("unexpected job after repack %+v", s)
	}
}

func TestProcessorDropsStaleTasks(t *testing.T) {
	ctx := context.Background()
	store, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m, _, q := newTestMachine(t, Options{})
	snap := setupJob(t, m, 1)
	if _, err := m.Start(ctx, snap.Job.ID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	uploadGroup(t, m, snap.Job.ID, snap.Groups[0])
	task := q.forGroup(snap.Groups[0].ID)[0]

	proc := NewProcessor(m, &stubCompositor{store: store}, &stubEnhancer{store: store}, nil)
	stale := task
	stale.Attempt = 7
	if err := proc.Process(ctx, stale); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected stale task dropped, got %v", err)
	}
	if err := proc.Process(ctx, task); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := proc.Process(ctx, task); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected finished task dropped, got %v", err)
	}
}
