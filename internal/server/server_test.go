package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"stackline/internal/blob"
	"stackline/internal/config"
	"stackline/internal/enhance"
	"stackline/internal/events"
	"stackline/internal/hdr"
	"stackline/internal/pipeline"
	"stackline/internal/transfer"
)

const testSecret = "test-secret"

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

type harness struct {
	t       *testing.T
	ts      *httptest.Server
	machine *pipeline.Machine
	events  *events.Broadcaster
	blobs   *blob.Store
	auth    *Authenticator
	cbs     *enhance.Callbacks
}

func newHarness(t *testing.T, withPool bool) *harness {
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
	h := &harness{
		t:       t,
		ts:      ts,
		machine: m,
		events:  b,
		blobs:   store,
		auth:    NewAuthenticator(testSecret, time.Hour),
		cbs:     enhance.NewCallbacks(testSecret, ts.URL, time.Minute),
	}
	if withPool {
		proc := pipeline.NewProcessor(m, &stubCompositor{store: store}, &stubEnhancer{store: store}, nil)
		pack := pipeline.NewPackager(m, store, t.TempDir(), nil)
		p := pipeline.New(context.Background(), m, proc, pack, pipeline.PoolOptions{Workers: 2, SweepInterval: 10 * time.Millisecond}, nil)
		t.Cleanup(p.Stop)
	}
	handler = New(Options{
		Machine:   m,
		Events:    b,
		Blobs:     store,
		Signer:    blob.NewSigner(testSecret, ts.URL, time.Hour),
		Callbacks: h.cbs,
		Auth:      h.auth,
		Transfer:  config.Transfer{PartSizeMB: 5},
	}).Handler()
	return h
}

func (h *harness) token(owner string) string {
	h.t.Helper()
	tok, _, err := h.auth.Issue(owner)
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return tok
}

// call sends a JSON request and decodes a JSON response into out.
func (h *harness) call(method, path, token string, body, out any) int {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	if err != nil {
		h.t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			h.t.Fatalf("decode %s %s (%d): %v", method, path, resp.StatusCode, err)
		}
	}
	return resp.StatusCode
}

func (h *harness) put(url string, data []byte) string {
	h.t.Helper()
	req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("put: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("put status %d", resp.StatusCode)
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`)
}

func registration(sizes ...int64) pipeline.Registration {
	base := time.Date(2025, 5, 4, 9, 0, 0, 0, time.UTC)
	var reg pipeline.Registration
	for g, size := range sizes {
		var frames []pipeline.RegisterFrame
		for f := 0; f < 3; f++ {
			frames = append(frames, pipeline.RegisterFrame{
				Filename:    fmt.Sprintf("IMG_%d%d.jpg", g+1, f+1),
				Size:        size,
				CaptureTime: base.Add(time.Duration(g)*time.Minute + time.Duration(f)*time.Second),
				HasExif:     true,
			})
		}
		reg.Groups = append(reg.Groups, pipeline.RegisterGroup{Frames: frames})
	}
	return reg
}

// createJob makes a job with registered groups for owner.
func (h *harness) createJob(tok string, sizes ...int64) pipeline.Snapshot {
	h.t.Helper()
	var job pipeline.Job
	if code := h.call("POST", "/jobs/create", tok, createJobRequest{Name: "Cedar Court"}, &job); code != http.StatusCreated {
		h.t.Fatalf("create job: %d", code)
	}
	var snap pipeline.Snapshot
	if code := h.call("POST", "/jobs/"+job.ID+"/groups", tok, registration(sizes...), &snap); code != http.StatusOK {
		h.t.Fatalf("register groups: %d", code)
	}
	return snap
}

// upload stores every frame of g through single presigned PUTs.
func (h *harness) upload(tok, jobID string, g pipeline.Group) (transfer.GroupUploadReport, finalizeResponse) {
	h.t.Helper()
	var req presignRequest
	for _, f := range g.Frames {
		req.Files = append(req.Files, transfer.PresignFile{FrameID: f.ID, Filename: f.Filename, Size: f.Size})
	}
	var resp presignResponse
	if code := h.call("POST", "/jobs/"+jobID+"/presign-raw", tok, req, &resp); code != http.StatusOK {
		h.t.Fatalf("presign: %d", code)
	}
	report := transfer.GroupUploadReport{GroupID: g.ID}
	for i, u := range resp.Uploads {
		h.put(u.URL, bytes.Repeat([]byte("x"), int(g.Frames[i].Size)))
		report.Frames = append(report.Frames, transfer.UploadedFrame{FrameID: u.FrameID, Key: u.Key})
	}
	var fin finalizeResponse
	if code := h.call("POST", "/jobs/"+jobID+"/file_uploaded", tok, report, &fin); code != http.StatusOK {
		h.t.Fatalf("file_uploaded: %d", code)
	}
	return report, fin
}

func TestJobRunsEndToEnd(t *testing.T) {
	h := newHarness(t, true)
	tok := h.token("owner-1")
	snap := h.createJob(tok, 64, 32)
	jobID := snap.Job.ID
	if snap.Job.Status != pipeline.JobInputResolved || len(snap.Groups) != 2 {
		t.Fatalf("unexpected registration result %+v", snap.Job)
	}

	var errBody errorBody
	if code := h.call("POST", "/jobs/"+jobID+"/presign-download", tok, nil, &errBody); code != http.StatusConflict || errBody.Kind != "conflict" {
		t.Fatalf("expected early download refused, got %d %+v", code, errBody)
	}

	var first transfer.GroupUploadReport
	for i, g := range snap.Groups {
		report, fin := h.upload(tok, jobID, g)
		if !fin.Ready || fin.Status != pipeline.GroupQueuedHDR {
			t.Fatalf("unexpected finalize %+v", fin)
		}
		if i == 0 {
			first = report
		}
	}
	// A repeated report is acknowledged without side effects.
	var again finalizeResponse
	if code := h.call("POST", "/jobs/"+jobID+"/file_uploaded", tok, first, &again); code != http.StatusOK || !again.Ready {
		t.Fatalf("expected repeated finalize to stay ready, got %d %+v", code, again)
	}

	if code := h.call("POST", "/jobs/"+jobID+"/start", tok, startRequest{}, nil); code != http.StatusOK {
		t.Fatalf("start: %d", code)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		var cur pipeline.Snapshot
		h.call("GET", "/jobs/"+jobID+"/status", tok, nil, &cur)
		if cur.Job.Status == pipeline.JobCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck at %s", cur.Job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var dl downloadResponse
	if code := h.call("POST", "/jobs/"+jobID+"/presign-download", tok, nil, &dl); code != http.StatusOK {
		t.Fatalf("presign download: %d", code)
	}
	resp, err := http.Get(dl.URL)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.HasPrefix(body, []byte("PK")) {
		t.Fatalf("expected zip download, got %d (%d bytes)", resp.StatusCode, len(body))
	}
}

func TestAuthAndOwnership(t *testing.T) {
	h := newHarness(t, false)
	snap := h.createJob(h.token("owner-1"), 10)
	path := "/jobs/" + snap.Job.ID + "/status"

	if code := h.call("GET", path, "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := h.call("GET", path, "not-a-jwt", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", code)
	}
	var errBody errorBody
	if code := h.call("GET", path, h.token("owner-2"), nil, &errBody); code != http.StatusNotFound || errBody.Kind != "not_found" {
		t.Fatalf("expected other owner to get 404, got %d %+v", code, errBody)
	}
	var jobs []pipeline.Job
	h.call("GET", "/jobs", h.token("owner-2"), nil, &jobs)
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs for other owner, got %d", len(jobs))
	}
	if code := h.call("GET", "/healthz", "", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
}

func TestGroupingOverridesAndErrors(t *testing.T) {
	h := newHarness(t, false)
	tok := h.token("owner-1")
	snap := h.createJob(tok, 10, 10)
	jobID := snap.Job.ID

	var split pipeline.Snapshot
	if code := h.call("POST", "/jobs/"+jobID+"/groups/"+snap.Groups[1].ID+"/split", tok, nil, &split); code != http.StatusOK || len(split.Groups) != 4 {
		t.Fatalf("split: %d groups=%d", code, len(split.Groups))
	}
	var merged pipeline.Snapshot
	if code := h.call("POST", "/jobs/"+jobID+"/groups/"+split.Groups[2].ID+"/merge", tok, nil, &merged); code != http.StatusOK || len(merged.Groups) != 3 {
		t.Fatalf("merge: %d groups=%d", code, len(merged.Groups))
	}
	var regrouped pipeline.Snapshot
	if code := h.call("POST", "/jobs/"+jobID+"/regroup", tok, regroupRequest{ThresholdSeconds: 3.5}, &regrouped); code != http.StatusOK || len(regrouped.Groups) != 2 {
		t.Fatalf("regroup: %d groups=%d", code, len(regrouped.Groups))
	}
	var g pipeline.Group
	if code := h.call("POST", "/jobs/"+jobID+"/groups/"+regrouped.Groups[0].ID+"/representative", tok, representativeRequest{Index: 3}, &g); code != http.StatusOK || g.Representative != 3 {
		t.Fatalf("representative: %d %+v", code, g)
	}

	var errBody errorBody
	if code := h.call("POST", "/jobs/"+jobID+"/retry-missing", tok, nil, &errBody); code != http.StatusConflict || errBody.Retriable {
		t.Fatalf("expected retry refused, got %d %+v", code, errBody)
	}
	req := presignRequest{Files: []transfer.PresignFile{{FrameID: regrouped.Groups[0].Frames[0].ID, Size: 99}}}
	if code := h.call("POST", "/jobs/"+jobID+"/presign-raw", tok, req, &errBody); code != http.StatusBadRequest || errBody.Kind != "validation" {
		t.Fatalf("expected size mismatch rejected, got %d %+v", code, errBody)
	}

	var failed pipeline.Snapshot
	frame := regrouped.Groups[1].Frames[0]
	if code := h.call("POST", "/jobs/"+jobID+"/frame_failed", tok, transfer.FrameFailure{FrameID: frame.ID, Error: "connection reset"}, &failed); code != http.StatusOK {
		t.Fatalf("frame_failed: %d", code)
	}
	if failed.Groups[1].Status != pipeline.GroupFailed {
		t.Fatalf("expected group failed, got %s", failed.Groups[1].Status)
	}

	var canceled pipeline.Snapshot
	if code := h.call("POST", "/jobs/"+jobID+"/cancel", tok, nil, &canceled); code != http.StatusOK || canceled.Job.Status != pipeline.JobCanceled {
		t.Fatalf("cancel: %d %s", code, canceled.Job.Status)
	}
	if code := h.call("POST", "/jobs/"+jobID+"/start", tok, startRequest{}, &errBody); code != http.StatusConflict || errBody.Kind != "canceled" {
		t.Fatalf("expected start after cancel refused, got %d %+v", code, errBody)
	}
}

func TestMultipartUploadOverHTTP(t *testing.T) {
	h := newHarness(t, false)
	tok := h.token("owner-1")
	size := int64(5<<20 + 100)
	snap := h.createJob(tok, size)
	jobID := snap.Job.ID
	frame := snap.Groups[0].Frames[0]

	var up transfer.MultipartUpload
	if code := h.call("POST", "/jobs/"+jobID+"/presign-raw-multipart", tok, transfer.MultipartRequest{FrameID: frame.ID, Filename: frame.Filename, Size: size}, &up); code != http.StatusOK {
		t.Fatalf("presign multipart: %d", code)
	}
	if len(up.Parts) != 2 || up.Parts[1].Size != 100 {
		t.Fatalf("unexpected parts %+v", up.Parts)
	}
	data := bytes.Repeat([]byte("y"), int(size))
	var parts []transfer.CompletedPart
	var off int64
	for _, p := range up.Parts {
		etag := h.put(p.URL, data[off:off+p.Size])
		off += p.Size
		parts = append(parts, transfer.CompletedPart{PartNumber: p.PartNumber, ETag: etag})
	}

	var errBody errorBody
	bad := transfer.CompleteRequest{FrameID: frame.ID, Key: "user/owner-2/x.jpg", UploadID: up.UploadID, Parts: parts}
	if code := h.call("POST", "/jobs/"+jobID+"/complete-raw-multipart", tok, bad, &errBody); code != http.StatusBadRequest {
		t.Fatalf("expected foreign key rejected, got %d", code)
	}

	var done transfer.CompleteResult
	req := transfer.CompleteRequest{FrameID: frame.ID, Key: up.Key, UploadID: up.UploadID, Parts: parts}
	if code := h.call("POST", "/jobs/"+jobID+"/complete-raw-multipart", tok, req, &done); code != http.StatusOK {
		t.Fatalf("complete: %d", code)
	}
	if done.Size != size || done.Key != up.Key {
		t.Fatalf("unexpected completion %+v", done)
	}

	// A second session for the next frame is aborted.
	next := snap.Groups[0].Frames[1]
	var up2 transfer.MultipartUpload
	h.call("POST", "/jobs/"+jobID+"/presign-raw-multipart", tok, transfer.MultipartRequest{FrameID: next.ID, Size: size}, &up2)
	if code := h.call("POST", "/jobs/"+jobID+"/abort-raw-multipart", tok, transfer.AbortRequest{FrameID: next.ID, Key: up2.Key, UploadID: up2.UploadID}, nil); code != http.StatusNoContent {
		t.Fatalf("abort: %d", code)
	}
}

func TestEventStreams(t *testing.T) {
	h := newHarness(t, false)
	tok := h.token("owner-1")
	snap := h.createJob(tok, 10)
	jobID := snap.Job.ID

	req, _ := http.NewRequest("GET", h.ts.URL+"/jobs/"+jobID+"/events?token="+tok, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/jobs/" + jobID + "/events?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()
	// The upgrade completes after the subscription exists.

	if code := h.call("POST", "/jobs/"+jobID+"/cancel", tok, nil, nil); code != http.StatusOK {
		t.Fatalf("cancel: %d", code)
	}

	var sawDone bool
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == "event: job_done" {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatalf("sse stream ended without job_done")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("websocket ended before job_done: %v", err)
		}
		if ev.Type == events.JobDone {
			break
		}
	}

	// A finished job replays its history and closes.
	late, err := http.Get(h.ts.URL + "/jobs/" + jobID + "/events?token=" + tok)
	if err != nil {
		t.Fatalf("late sse: %v", err)
	}
	defer late.Body.Close()
	body, _ := io.ReadAll(late.Body)
	if !strings.Contains(string(body), "event: job_done") {
		t.Fatalf("expected replayed job_done, got %q", body)
	}
}

func TestEnhanceCallbackRoute(t *testing.T) {
	h := newHarness(t, false)
	url, ch, cancel, err := h.cbs.Register("job-1", "group-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer cancel()

	post := func(u string, payload enhance.CallbackPayload) int {
		raw, _ := json.Marshal(payload)
		resp, err := http.Post(u, "application/json", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("post callback: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post(h.ts.URL+"/callbacks/enhance?token=forged", enhance.CallbackPayload{Status: "COMPLETED"}); code != http.StatusBadRequest {
		t.Fatalf("expected forged token rejected, got %d", code)
	}
	if code := post(url, enhance.CallbackPayload{ID: "rp-1", Status: "IN_PROGRESS"}); code != http.StatusNoContent {
		t.Fatalf("intermediate callback: %d", code)
	}
	if code := post(url, enhance.CallbackPayload{ID: "rp-1", Status: "COMPLETED", Output: json.RawMessage(`{"resultKey":"out/1.jpg"}`)}); code != http.StatusNoContent {
		t.Fatalf("final callback: %d", code)
	}
	select {
	case st := <-ch:
		if st.State != enhance.StateCompleted || st.Output != "out/1.jpg" {
			t.Fatalf("unexpected delivered status %+v", st)
		}
	default:
		t.Fatalf("callback was not delivered")
	}
	if code := post(url, enhance.CallbackPayload{ID: "rp-1", Status: "COMPLETED"}); code != http.StatusNotFound {
		t.Fatalf("expected duplicate callback 404, got %d", code)
	}
}
