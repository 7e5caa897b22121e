package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stackline/internal/backoff"
	"stackline/internal/blob"
	"stackline/internal/fault"
)

type scripted struct {
	mu       sync.Mutex
	submits  int
	statuses []Status
	polls    int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Submit(ctx context.Context, sub Submission) (Handle, error) {
	s.mu.Lock()
	s.submits++
	s.mu.Unlock()
	return Handle{ID: "h"}, nil
}

func (s *scripted) Status(ctx context.Context, h Handle) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.polls
	s.polls++
	if i >= len(s.statuses) {
		return s.statuses[len(s.statuses)-1], nil
	}
	return s.statuses[i], nil
}

func newTestStore(t *testing.T) *blob.Store {
	t.Helper()
	store, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func newTestDispatcher(t *testing.T, catalog *Catalog, callbacks *Callbacks, p Provider) (*Dispatcher, *blob.Store) {
	t.Helper()
	store := newTestStore(t)
	opts := Options{
		PollAttempts:   5,
		PollInterval:   time.Millisecond,
		SubmitAttempts: 2,
		Submit:         backoff.Policy{Attempts: 1},
	}
	if p != nil {
		opts.Factory = func(Workflow) (Provider, error) { return p, nil }
	}
	signer := blob.NewSigner("secret", "http://stackline.test", time.Hour)
	return NewDispatcher(catalog, store, signer, callbacks, opts, nil), store
}

func mustCatalog(t *testing.T, fallback string, wfs ...Workflow) *Catalog {
	t.Helper()
	c, err := NewCatalog(fallback, wfs...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

func TestPassthroughReturnsComposite(t *testing.T) {
	d, _ := newTestDispatcher(t, mustCatalog(t, ""), nil, nil)
	res, err := d.Enhance(context.Background(), Request{JobID: "j", GroupID: "g", InputKey: "jobs/j/hdr/g/composite.jpg", OutputKey: "user/u/hdr/p/1-out.jpg"})
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if res.Key != "jobs/j/hdr/g/composite.jpg" || res.Provider != KindPassthrough || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestComfyUIPollsAndImportsOutput(t *testing.T) {
	var historyCalls atomic.Int32
	var gotInput string
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt map[string]struct {
				Inputs map[string]any `json:"inputs"`
			} `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotInput, _ = body.Prompt["10"].Inputs["image"].(string)
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p1"})
	})
	mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
		if historyCalls.Add(1) < 2 {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"p1":{"status":{"status_str":"success","completed":true},"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}}`))
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") != "out.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("enhanced"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wf := Workflow{ID: "comfy", Provider: KindComfyUI, Endpoint: srv.URL, InputNode: "10", graph: map[string]any{
		"10": map[string]any{"class_type": "LoadImageURL", "inputs": map[string]any{}},
	}}
	d, store := newTestDispatcher(t, mustCatalog(t, "comfy", wf), nil, nil)

	res, err := d.Enhance(context.Background(), Request{JobID: "j", GroupID: "g", InputKey: "jobs/j/hdr/g/composite.jpg", OutputKey: "user/u/hdr/p/1-output.jpg"})
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if res.Key != "user/u/hdr/p/1-output.jpg" {
		t.Fatalf("unexpected key %q", res.Key)
	}
	if gotInput == "" || historyCalls.Load() < 2 {
		t.Fatalf("expected signed input URL and repeated polling, got %q after %d polls", gotInput, historyCalls.Load())
	}
	f, _, err := store.Open(context.Background(), res.Key)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	if data, _ := io.ReadAll(f); string(data) != "enhanced" {
		t.Fatalf("unexpected stored output %q", data)
	}
}

func TestRunPodResolvesThroughCallback(t *testing.T) {
	t.Setenv("STACKLINE_TEST_RUNPOD_KEY", "rp-key")
	webhooks := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer rp-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v2/ep1/run":
			var body struct {
				Input   map[string]any `json:"input"`
				Webhook string         `json:"webhook"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Input["groupId"] != "g" || body.Input["imageUrl"] == "" {
				http.Error(w, "bad input", http.StatusBadRequest)
				return
			}
			webhooks <- body.Webhook
			_, _ = w.Write([]byte(`{"id":"r1","status":"IN_QUEUE"}`))
		case "/v2/ep1/status/r1":
			_, _ = w.Write([]byte(`{"id":"r1","status":"IN_PROGRESS"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	wf := Workflow{ID: "rp", Provider: KindRunPod, Endpoint: srv.URL, EndpointID: "ep1", APIKeyEnv: "STACKLINE_TEST_RUNPOD_KEY", Webhook: true}
	callbacks := NewCallbacks("cb-secret", "http://stackline.test", time.Minute)
	d, _ := newTestDispatcher(t, mustCatalog(t, "rp", wf), callbacks, nil)
	d.opts.PollAttempts = 1000

	go func() {
		hook := <-webhooks
		u, err := url.Parse(hook)
		if err != nil {
			return
		}
		payload := CallbackPayload{ID: "r1", Status: "COMPLETED", Output: json.RawMessage(`{"resultKey":"jobs/j/enhanced/g.jpg"}`)}
		_, _ = callbacks.Resolve(u.Query().Get("token"), payload)
	}()

	res, err := d.Enhance(context.Background(), Request{JobID: "j", GroupID: "g", WorkflowID: "rp", InputKey: "jobs/j/hdr/g/composite.jpg", OutputKey: "x.jpg"})
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if res.Key != "jobs/j/enhanced/g.jpg" || res.Provider != KindRunPod {
		t.Fatalf("unexpected result %+v", res)
	}
	if callbacks.Pending() != 0 {
		t.Fatalf("callback registration leaked")
	}
}

func TestProviderFailureIsGroupFatal(t *testing.T) {
	p := &scripted{statuses: []Status{{State: StateRunning}, {State: StateFailed, Error: "nsfw"}}}
	d, _ := newTestDispatcher(t, mustCatalog(t, ""), nil, p)
	_, err := d.Enhance(context.Background(), Request{InputKey: "in.jpg", OutputKey: "out.jpg"})
	if !errors.Is(err, fault.ErrGroupFatal) || !errors.Is(err, ErrProviderFailed) {
		t.Fatalf("expected group-fatal provider failure, got %v", err)
	}
	if p.submits != 1 {
		t.Fatalf("explicit failure was resubmitted %d times", p.submits)
	}
}

func TestNoOutputIsRetried(t *testing.T) {
	p := &scripted{statuses: []Status{{State: StateCompleted}}}
	d, _ := newTestDispatcher(t, mustCatalog(t, ""), nil, p)
	_, err := d.Enhance(context.Background(), Request{InputKey: "in.jpg", OutputKey: "out.jpg"})
	if !errors.Is(err, ErrNoOutput) || !fault.Retriable(err) {
		t.Fatalf("expected retriable no-output error, got %v", err)
	}
	if p.submits != 2 {
		t.Fatalf("expected resubmission, got %d submits", p.submits)
	}
}

func TestPollCeilingTimesOut(t *testing.T) {
	p := &scripted{statuses: []Status{{State: StateRunning}}}
	d, _ := newTestDispatcher(t, mustCatalog(t, ""), nil, p)
	d.opts.PollAttempts = 3
	d.opts.SubmitAttempts = 1
	_, err := d.Enhance(context.Background(), Request{InputKey: "in.jpg", OutputKey: "out.jpg"})
	if !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if p.polls != 3 {
		t.Fatalf("expected 3 polls, got %d", p.polls)
	}
}

func TestCanceledWaitStops(t *testing.T) {
	p := &scripted{statuses: []Status{{State: StateRunning}}}
	d, _ := newTestDispatcher(t, mustCatalog(t, ""), nil, p)
	d.opts.PollInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := d.Enhance(ctx, Request{InputKey: "in.jpg", OutputKey: "out.jpg"})
	if !errors.Is(err, fault.ErrCanceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	graph := `{"3":{"class_type":"LoadImage","inputs":{"image":""}}}`
	if err := os.WriteFile(filepath.Join(dir, "relight.json"), []byte(graph), 0o644); err != nil {
		t.Fatal(err)
	}
	yml := `workflows:
  - id: relight
    provider: ComfyUI
    endpoint: http://comfy:8188
    graph_file: relight.json
    input_node: "3"
  - id: sky
    provider: runpod
    endpoint_id: abc123
    webhook: true
    params:
      strength: 0.6
`
	path := filepath.Join(dir, "workflows.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCatalog(path, "relight")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	wf, err := c.Lookup("")
	if err != nil || wf.ID != "relight" || wf.Provider != KindComfyUI {
		t.Fatalf("unexpected default workflow %+v (%v)", wf, err)
	}
	g, err := wf.Graph()
	if err != nil || g["3"] == nil {
		t.Fatalf("graph not loaded: %v", err)
	}
	sky, err := c.Lookup("sky")
	if err != nil || sky.Params["strength"] != 0.6 {
		t.Fatalf("unexpected sky workflow %+v (%v)", sky, err)
	}
	if _, err := c.Lookup("missing"); !errors.Is(err, fault.ErrGroupFatal) {
		t.Fatalf("expected group-fatal lookup error, got %v", err)
	}
	if ids := c.IDs(); len(ids) != 3 {
		t.Fatalf("expected passthrough plus 2 workflows, got %v", ids)
	}

	if _, err := NewCatalog("", Workflow{ID: "x", Provider: "dalle"}); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for unknown provider, got %v", err)
	}
}

func TestCallbackResolveErrors(t *testing.T) {
	cb := NewCallbacks("secret", "http://h", time.Minute)
	if _, err := cb.Resolve("garbage", CallbackPayload{Status: "COMPLETED"}); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	u, _, cancel, err := cb.Register("j", "g")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	parsed, _ := url.Parse(u)
	token := parsed.Query().Get("token")

	claims, err := cb.Resolve(token, CallbackPayload{Status: "IN_PROGRESS"})
	if err != nil || claims.GroupID != "g" {
		t.Fatalf("intermediate status should be accepted: %+v %v", claims, err)
	}
	cancel()
	if _, err := cb.Resolve(token, CallbackPayload{Status: "COMPLETED", Output: json.RawMessage(`"k"`)}); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not-found after cancel, got %v", err)
	}
}

func TestRunPodOutputShapes(t *testing.T) {
	cases := map[string]string{
		`"a.jpg"`:                            "a.jpg",
		`{"outputKey":"b.jpg"}`:              "b.jpg",
		`{"image_url":"https://x/c.jpg"}`:    "https://x/c.jpg",
		`{"groups":[{"resultKey":"d.jpg"}]}`: "d.jpg",
		`{"unrelated":true}`:                 "",
		``:                                   "",
	}
	for raw, want := range cases {
		if got := runpodOutput(json.RawMessage(raw)); got != want {
			t.Fatalf("runpodOutput(%s) = %q, want %q", raw, got, want)
		}
	}
	if st := normalizeRunPod("TIMED_OUT", nil, ""); st.State != StateFailed || st.Error != "timed_out" {
		t.Fatalf("unexpected timed out status %+v", st)
	}
}
