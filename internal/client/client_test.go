package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"stackline/internal/blob"
	"stackline/internal/config"
	"stackline/internal/credentials"
	"stackline/internal/enhance"
	"stackline/internal/events"
	"stackline/internal/fault"
	"stackline/internal/hdr"
	"stackline/internal/pipeline"
	"stackline/internal/server"
	"stackline/internal/transfer"
)

const testSecret = "client-secret"

type stubCompositor struct{ store *blob.Store }

func (c *stubCompositor) Composite(ctx context.Context, req hdr.Request) (hdr.Result, error) {
	if err := req.OnFetched(ctx); err != nil {
		return hdr.Result{}, err
	}
	obj, err := c.store.Put(ctx, req.OutputKey, strings.NewReader("composite"))
	if err != nil {
		return hdr.Result{}, err
	}
	return hdr.Result{Key: obj.Key, Method: hdr.MethodFused, Frames: len(req.Frames)}, nil
}

type stubEnhancer struct{ store *blob.Store }

func (e *stubEnhancer) Enhance(ctx context.Context, req enhance.Request) (enhance.Result, error) {
	obj, err := e.store.Put(ctx, req.OutputKey, strings.NewReader("enhanced"))
	if err != nil {
		return enhance.Result{}, err
	}
	return enhance.Result{Key: obj.Key, Provider: "stub", Attempts: 1}, nil
}

type testServer struct {
	url  string
	auth *server.Authenticator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	store, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	b := events.NewBroadcaster(256, nil)
	m := pipeline.NewMachine(pipeline.Options{Publisher: b})
	proc := pipeline.NewProcessor(m, &stubCompositor{store: store}, &stubEnhancer{store: store}, nil)
	pack := pipeline.NewPackager(m, store, t.TempDir(), nil)
	p := pipeline.New(context.Background(), m, proc, pack, pipeline.PoolOptions{Workers: 2, SweepInterval: 10 * time.Millisecond}, nil)
	t.Cleanup(p.Stop)

	auth := server.NewAuthenticator(testSecret, time.Hour)
	handler = server.New(server.Options{
		Machine:   m,
		Events:    b,
		Blobs:     store,
		Signer:    blob.NewSigner(testSecret, ts.URL, time.Hour),
		Callbacks: enhance.NewCallbacks(testSecret, ts.URL, time.Minute),
		Auth:      auth,
		Transfer:  config.Transfer{PartSizeMB: 5},
	}).Handler()
	return &testServer{url: ts.URL, auth: auth}
}

func (s *testServer) token(t *testing.T, owner string) string {
	t.Helper()
	tok, _, err := s.auth.Issue(owner)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

// shoot writes groups of three bracketed captures and returns their
// registration alongside the local paths keyed by filename.
func shoot(t *testing.T, groups int) (pipeline.Registration, map[string]string) {
	t.Helper()
	dir := t.TempDir()
	base := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	paths := map[string]string{}
	var reg pipeline.Registration
	for g := 0; g < groups; g++ {
		var frames []pipeline.RegisterFrame
		for f := 0; f < 3; f++ {
			name := "DSC_" + string(rune('A'+g)) + string(rune('1'+f)) + ".jpg"
			path := filepath.Join(dir, name)
			data := []byte(strings.Repeat("p", 48+f))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatalf("write %s: %v", name, err)
			}
			paths[name] = path
			frames = append(frames, pipeline.RegisterFrame{
				Filename:    name,
				Size:        int64(len(data)),
				CaptureTime: base.Add(time.Duration(g)*time.Minute + time.Duration(f)*time.Second),
				HasExif:     true,
			})
		}
		reg.Groups = append(reg.Groups, pipeline.RegisterGroup{Frames: frames})
	}
	return reg, paths
}

func planFor(snap pipeline.Snapshot, paths map[string]string) transfer.Plan {
	plan := transfer.Plan{JobID: snap.Job.ID}
	for _, g := range snap.Groups {
		gp := transfer.GroupPlan{GroupID: g.ID}
		for _, f := range g.Frames {
			gp.Frames = append(gp.Frames, transfer.FramePlan{FrameID: f.ID, Path: paths[f.Filename], Filename: f.Filename, Size: f.Size})
		}
		plan.Groups = append(plan.Groups, gp)
	}
	return plan
}

func TestSubmitUploadAndFollow(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, credentials.Static(srv.token(t, "studio-7")), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	job, err := c.CreateJob(ctx, "Harbor Loft", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reg, paths := shoot(t, 2)
	snap, err := c.RegisterGroups(ctx, job.ID, reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(snap.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(snap.Groups))
	}

	engine := transfer.NewEngine(c, transfer.Options{}, nil)
	report, err := engine.Upload(ctx, planFor(snap, paths))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(report.Uploaded) != 6 || len(report.Finalized) != 2 {
		t.Fatalf("unexpected report uploaded=%d finalized=%d", len(report.Uploaded), len(report.Finalized))
	}

	if _, err := c.Start(ctx, job.ID, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	var seen []events.Type
	last, err := c.Follow(ctx, job.ID, FollowOptions{}, func(ev events.Event) error {
		seen = append(seen, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	if len(seen) == 0 || seen[len(seen)-1] != events.JobDone || last == "" {
		t.Fatalf("expected stream to end with job_done, got %v (last %q)", seen, last)
	}

	final, err := c.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if final.Job.Status != pipeline.JobCompleted {
		t.Fatalf("expected completed, got %s", final.Job.Status)
	}
	dl, err := c.PresignDownload(ctx, job.ID)
	if err != nil || dl.URL == "" || dl.Key != final.Job.PackageKey {
		t.Fatalf("presign download: %+v err=%v", dl, err)
	}
	jobs, err := c.Jobs(ctx)
	if err != nil || len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("unexpected job list %+v err=%v", jobs, err)
	}
}

func TestRemoteErrorsKeepTheirKind(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.url, credentials.Static(srv.token(t, "studio-7")), nil, nil)
	ctx := context.Background()

	if _, err := c.Status(ctx, "missing"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	job, err := c.CreateJob(ctx, "Empty", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.PresignDownload(ctx, job.ID); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := c.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := c.Start(ctx, job.ID, nil); !errors.Is(err, fault.ErrCanceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestRejectedTokenIsRefreshedOnce(t *testing.T) {
	srv := newTestServer(t)
	good := srv.token(t, "studio-7")
	var refreshes atomic.Int32
	creds := credentials.NewRefreshing(func(ctx context.Context) (string, time.Time, error) {
		if refreshes.Add(1) == 1 {
			return "stale", time.Time{}, nil
		}
		return good, time.Time{}, nil
	})
	c := New(srv.url, creds, nil, nil)
	if _, err := c.Jobs(context.Background()); err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if n := refreshes.Load(); n != 2 {
		t.Fatalf("expected 2 refreshes, got %d", n)
	}

	bad := New(srv.url, credentials.Static("nope"), nil, nil)
	if _, err := bad.Jobs(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":  "ws://localhost:8080",
		"https://hdr.example.io": "wss://hdr.example.io",
	}
	for in, want := range cases {
		if got := wsURL(in); got != want {
			t.Fatalf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
}
