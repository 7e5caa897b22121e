package enhance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"stackline/internal/backoff"
	"stackline/internal/blob"
	"stackline/internal/config"
	"stackline/internal/credentials"
	"stackline/internal/fault"
	"stackline/internal/logging"
	"stackline/internal/metrics"
)

// Objects is the blob access the dispatcher needs to import URL outputs.
type Objects interface {
	Put(ctx context.Context, key string, r io.Reader) (blob.Object, error)
}

// URLSigner issues download URLs the provider can read the composite from.
type URLSigner interface {
	GetURL(key string, ttl time.Duration) (string, time.Time, error)
}

// ProviderFactory builds the provider for a workflow.
type ProviderFactory func(wf Workflow) (Provider, error)

// Request asks for one composite to be enhanced.
type Request struct {
	JobID      string
	GroupID    string
	Index      int
	WorkflowID string
	InputKey   string
	OutputKey  string
}

// Result is the final enhanced object.
type Result struct {
	Key      string
	Provider string
	Attempts int
	Duration time.Duration
}

// Options tunes a Dispatcher. Zero values take the config defaults.
type Options struct {
	PollAttempts   int
	PollInterval   time.Duration
	SubmitAttempts int
	Submit         backoff.Policy
	Factory        ProviderFactory
	HTTPClient     *http.Client
}

// OptionsFromConfig maps the enhance config section.
func OptionsFromConfig(cfg config.Enhance) Options {
	return Options{
		PollAttempts:   cfg.PollAttempts,
		PollInterval:   time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		SubmitAttempts: cfg.SubmitAttempts,
	}
}

// Dispatcher resolves composites to enhanced outputs through whichever
// provider the workflow names.
type Dispatcher struct {
	catalog   *Catalog
	objects   Objects
	signer    URLSigner
	callbacks *Callbacks // nil disables webhooks
	opts      Options
	log       *slog.Logger

	mu        sync.Mutex
	providers map[string]Provider
}

// NewDispatcher returns a dispatcher. callbacks may be nil.
func NewDispatcher(catalog *Catalog, objects Objects, signer URLSigner, callbacks *Callbacks, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.PollAttempts < 1 {
		opts.PollAttempts = 120
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.SubmitAttempts < 1 {
		opts.SubmitAttempts = 2
	}
	if opts.Submit.Attempts == 0 {
		opts.Submit = backoff.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	d := &Dispatcher{
		catalog:   catalog,
		objects:   objects,
		signer:    signer,
		callbacks: callbacks,
		opts:      opts,
		log:       logging.Or(logger),
		providers: make(map[string]Provider),
	}
	if d.opts.Factory == nil {
		d.opts.Factory = d.defaultFactory
	}
	return d
}

func (d *Dispatcher) defaultFactory(wf Workflow) (Provider, error) {
	var creds credentials.Provider
	if wf.APIKeyEnv != "" {
		if key := os.Getenv(wf.APIKeyEnv); key != "" {
			creds = credentials.Static(key)
		}
	}
	switch wf.Provider {
	case KindPassthrough:
		return Passthrough{}, nil
	case KindComfyUI:
		return NewComfyUI(wf, creds, d.opts.HTTPClient), nil
	case KindRunPod:
		if creds == nil {
			creds = credentials.Static("")
		}
		return NewRunPod(wf, creds, d.opts.HTTPClient), nil
	default:
		return nil, fault.New(fault.ErrGroupFatal, "enhance", fmt.Sprintf("unknown provider %q", wf.Provider))
	}
}

// provider returns the cached provider for wf.
func (d *Dispatcher) provider(wf Workflow) (Provider, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.providers[wf.ID]; ok {
		return p, nil
	}
	p, err := d.opts.Factory(wf)
	if err != nil {
		return nil, err
	}
	d.providers[wf.ID] = p
	return p, nil
}

// Enhance submits req and blocks until the provider yields an output, fails,
// or the poll ceiling is reached. Retriable outcomes are resubmitted up to
// SubmitAttempts times.
func (d *Dispatcher) Enhance(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if req.InputKey == "" || req.OutputKey == "" {
		return Result{}, fault.New(fault.ErrValidation, "enhance", "input and output keys are required")
	}
	wf, err := d.catalog.Lookup(req.WorkflowID)
	if err != nil {
		return Result{}, err
	}
	p, err := d.provider(wf)
	if err != nil {
		return Result{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.SubmitAttempts; attempt++ {
		key, err := d.run(ctx, p, req)
		if err == nil {
			res := Result{Key: key, Provider: p.Name(), Attempts: attempt, Duration: time.Since(start)}
			metrics.ObserveEnhance(p.Name(), "ok", res.Duration)
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || !fault.Retriable(err) {
			break
		}
		d.log.Warn("enhancement attempt failed", "job", req.JobID, "group", req.GroupID, "provider", p.Name(), "attempt", attempt, "error", err)
	}
	metrics.ObserveEnhance(p.Name(), fault.Kind(lastErr), time.Since(start))
	return Result{}, lastErr
}

func (d *Dispatcher) run(ctx context.Context, p Provider, req Request) (string, error) {
	inputURL, _, err := d.signer.GetURL(req.InputKey, d.opts.PollInterval*time.Duration(d.opts.PollAttempts)+time.Hour)
	if err != nil {
		return "", fault.Wrap(fault.ErrGroupFatal, "enhance", "sign", "could not sign the composite URL", err)
	}
	sub := Submission{
		JobID:     req.JobID,
		GroupID:   req.GroupID,
		Index:     req.Index,
		InputKey:  req.InputKey,
		InputURL:  inputURL,
		OutputKey: req.OutputKey,
	}

	var results <-chan Status
	if d.callbacks != nil {
		cbURL, ch, cancel, err := d.callbacks.Register(req.JobID, req.GroupID)
		if err != nil {
			return "", fault.Wrap(fault.ErrTransient, "enhance", "callback", "could not register callback", err)
		}
		defer cancel()
		sub.CallbackURL = cbURL
		results = ch
	}

	var h Handle
	err = d.opts.Submit.Do(ctx, func(ctx context.Context) error {
		var err error
		h, err = p.Submit(ctx, sub)
		return err
	})
	if err != nil {
		return "", err
	}
	if !h.Async {
		results = nil
	}
	d.log.Debug("enhancement submitted", "job", req.JobID, "group", req.GroupID, "provider", p.Name(), "handle", h.ID, "async", h.Async)

	st, err := d.wait(ctx, p, h, results)
	if err != nil {
		return "", err
	}
	return d.resolve(ctx, req, st)
}

// wait polls the provider and, for async handles, also listens for the
// callback. It gives up after PollAttempts observations.
func (d *Dispatcher) wait(ctx context.Context, p Provider, h Handle, results <-chan Status) (Status, error) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for polls := 0; polls < d.opts.PollAttempts; {
		if results == nil || polls > 0 {
			st, err := p.Status(ctx, h)
			polls++
			switch {
			case err != nil && !fault.Retriable(err):
				return Status{}, err
			case err != nil:
				d.log.Debug("enhancement status check failed", "provider", p.Name(), "handle", h.ID, "error", err)
			case st.State == StateCompleted || st.State == StateFailed:
				return st, nil
			}
		} else {
			polls++
		}
		select {
		case <-ctx.Done():
			return Status{}, fault.Wrap(fault.ErrCanceled, "enhance", "wait", "enhancement interrupted", ctx.Err())
		case st := <-results:
			return st, nil
		case <-ticker.C:
		}
	}
	return Status{}, fault.New(fault.ErrTimeout, "enhance", fmt.Sprintf("no result after %d checks", d.opts.PollAttempts))
}

// resolve turns a terminal status into a stored key.
func (d *Dispatcher) resolve(ctx context.Context, req Request, st Status) (string, error) {
	if st.State == StateFailed {
		msg := st.Error
		if msg == "" {
			msg = "no detail"
		}
		return "", fault.Wrap(fault.ErrGroupFatal, "enhance", "result", "enhancement failed", fmt.Errorf("%w: %s", ErrProviderFailed, msg))
	}
	out := strings.TrimSpace(st.Output)
	if out == "" {
		return "", fault.Wrap(fault.ErrTransient, "enhance", "result", "enhancement returned no image", ErrNoOutput)
	}
	if !strings.HasPrefix(out, "http://") && !strings.HasPrefix(out, "https://") {
		return out, nil
	}
	if err := d.download(ctx, out, req.OutputKey); err != nil {
		return "", err
	}
	return req.OutputKey, nil
}

func (d *Dispatcher) download(ctx context.Context, u, key string) error {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fault.Wrap(fault.ErrGroupFatal, "enhance", "download", "enhancement output URL is invalid", err)
	}
	resp, err := d.opts.HTTPClient.Do(hreq)
	if err != nil {
		return requestError(ctx, "download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fault.Wrap(fault.ErrTransient, "enhance", "download", "enhancement returned no image", ErrNoOutput)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError("output", "download", resp)
	}
	if _, err := d.objects.Put(ctx, key, resp.Body); err != nil {
		if errors.Is(err, fault.ErrValidation) {
			return fault.Wrap(fault.ErrGroupFatal, "enhance", "download", "could not store the enhanced image", err)
		}
		return fault.Wrap(fault.ErrTransient, "enhance", "download", "could not store the enhanced image", err)
	}
	return nil
}
