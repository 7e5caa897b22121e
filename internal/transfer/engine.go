// Package transfer moves local frames to object storage through presigned
// URLs, using single PUTs for small files and multipart uploads for large
// ones, under an adaptive concurrency limit.
package transfer

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
	"sync/atomic"
	"time"

	"stackline/internal/backoff"
	"stackline/internal/config"
	"stackline/internal/fault"
	"stackline/internal/fsutil"
	"stackline/internal/logging"
)

const (
	defaultThreshold = 20 << 20
	defaultPartSize  = 8 << 20
	presignMargin    = 30 * time.Second
	abortTimeout     = 15 * time.Second
)

var errURLExpired = errors.New("presigned url rejected")

// Options tunes an Engine.
type Options struct {
	MultipartThreshold int64
	PartSize           int64
	Files              LimiterConfig
	Parts              LimiterConfig
	Retry              backoff.Policy
	HTTPClient         *http.Client
	Ledger             *Ledger
	Progress           func(Progress)
	OnLimitChange      func(scope string, limit int)
}

// OptionsFrom maps the transfer configuration onto engine options.
func OptionsFrom(cfg config.Transfer) Options {
	return Options{
		MultipartThreshold: cfg.MultipartThreshold(),
		PartSize:           cfg.PartSize(),
		Files:              LimiterConfigFrom(cfg.Concurrency),
		Parts:              LimiterConfigFrom(cfg.PartConcurrency),
		Retry: backoff.Policy{
			Attempts:   cfg.RetryAttempts,
			BaseDelay:  time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.RetryMaxDelayMS) * time.Millisecond,
			Multiplier: 2,
			Jitter:     0.3,
		},
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.RequestTimeoutSecs) * time.Second},
	}
}

// Engine uploads the frames of a Plan.
type Engine struct {
	api  API
	opts Options
	log  *slog.Logger
}

// NewEngine returns an engine talking to api.
func NewEngine(api API, opts Options, logger *slog.Logger) *Engine {
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = defaultThreshold
	}
	if opts.PartSize <= 0 {
		opts.PartSize = defaultPartSize
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Ledger == nil {
		opts.Ledger = NewLedger(nil)
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = backoff.Default()
	}
	return &Engine{api: api, opts: opts, log: logging.Or(logger)}
}

// Ledger returns the fingerprint ledger shared by every session.
func (e *Engine) Ledger() *Ledger { return e.opts.Ledger }

// Report summarizes one Upload call.
type Report struct {
	Uploaded      []string         // frames transferred in this session
	Skipped       []string         // frames already stored
	Missing       []string         // frames whose local file disappeared
	Failed        map[string]error // frames that exhausted their retries
	Finalized     []string         // groups reported as fully uploaded
	FinalizeError map[string]error // groups whose completion report failed
}

// NeedsReselect reports whether the operator must point at the source again.
func (r *Report) NeedsReselect() bool { return len(r.Missing) > 0 }

type groupState struct {
	plan      GroupPlan
	remaining int
	keys      map[string]string
	done      map[string]bool
	failed    bool
	reported  bool
	presignMu sync.Mutex
}

type session struct {
	e      *Engine
	jobID  string
	files  *Runner
	mu     sync.Mutex
	report *Report
	urls   map[string]PresignedUpload
}

// Upload transfers every pending frame of plan. Frame failures land in the
// report; the returned error summarizes them. A missing local file yields an
// error marked fault.ErrMissingSource.
func (e *Engine) Upload(ctx context.Context, plan Plan) (*Report, error) {
	s := &session{
		e:      e,
		jobID:  plan.JobID,
		files:  NewRunner(e.opts.Files, e.opts.Retry),
		report: &Report{Failed: map[string]error{}, FinalizeError: map[string]error{}},
		urls:   map[string]PresignedUpload{},
	}
	if e.opts.OnLimitChange != nil {
		s.files.OnLimitChange(func(limit int) { e.opts.OnLimitChange("files", limit) })
	}

	var tasks []Task
	var ready []*groupState
	for _, gp := range plan.Groups {
		gs := &groupState{plan: gp, keys: map[string]string{}, done: map[string]bool{}}
		for _, fp := range gp.Frames {
			if fp.Filename == "" {
				fp.Filename = fsutil.SanitizeFilename(fp.Path)
			}
			if key, ok := s.alreadyStored(fp); ok {
				gs.keys[fp.FrameID] = key
				gs.done[fp.FrameID] = true
				s.report.Skipped = append(s.report.Skipped, fp.FrameID)
				continue
			}
			gs.remaining++
			tasks = append(tasks, s.frameTask(gs, fp))
		}
		if gs.remaining == 0 {
			ready = append(ready, gs)
		}
	}

	for _, gs := range ready {
		s.finalize(ctx, gs)
	}
	s.files.Run(ctx, tasks)

	if err := ctx.Err(); err != nil {
		return s.report, fault.Wrap(fault.ErrCanceled, "transfer", "upload", "upload interrupted", err)
	}
	if n := len(s.report.Missing); n > 0 {
		return s.report, fault.New(fault.ErrMissingSource, "transfer",
			fmt.Sprintf("%d source files are missing; reselect the source folder and resume", n))
	}
	if n := len(s.report.Failed) + len(s.report.FinalizeError); n > 0 {
		return s.report, fault.New(fault.ErrTransient, "transfer", fmt.Sprintf("%d uploads did not complete", n))
	}
	return s.report, nil
}

func (s *session) alreadyStored(fp FramePlan) (string, bool) {
	if fp.Uploaded && fp.Key != "" {
		return fp.Key, true
	}
	return s.e.opts.Ledger.Lookup(Fingerprint(fp.Filename, fp.Size))
}

func (s *session) frameTask(gs *groupState, fp FramePlan) Task {
	return Task{
		Name:         fp.FrameID,
		Coordinating: true,
		Run: func(ctx context.Context) error {
			start := time.Now()
			protocol := ProtocolSingle
			var key string
			var err error
			if fp.Size >= s.e.opts.MultipartThreshold {
				protocol = ProtocolMultipart
				key, err = s.uploadMultipart(ctx, gs, fp)
			} else {
				key, err = s.uploadSingle(ctx, gs, fp)
			}
			if err != nil {
				s.frameFailed(ctx, gs, fp, protocol, err)
				return err
			}
			logging.LogTransfer(s.e.log, fp.FrameID, protocol, fp.Size, time.Since(start))
			s.e.opts.Ledger.Record(Fingerprint(fp.Filename, fp.Size), key)
			s.progress(Progress{FrameID: fp.FrameID, GroupID: gs.plan.GroupID, Protocol: protocol, Sent: fp.Size, Total: fp.Size, Done: true})
			s.frameDone(ctx, gs, fp.FrameID, key)
			return nil
		},
	}
}

func (s *session) progress(p Progress) {
	if s.e.opts.Progress != nil {
		s.e.opts.Progress(p)
	}
}

func (s *session) frameDone(ctx context.Context, gs *groupState, frameID, key string) {
	s.mu.Lock()
	s.report.Uploaded = append(s.report.Uploaded, frameID)
	gs.keys[frameID] = key
	gs.done[frameID] = true
	gs.remaining--
	fire := gs.remaining == 0 && !gs.failed
	s.mu.Unlock()
	if fire {
		s.finalize(ctx, gs)
	}
}

// finalize reports a complete group exactly once per session.
func (s *session) finalize(ctx context.Context, gs *groupState) {
	s.mu.Lock()
	if gs.reported {
		s.mu.Unlock()
		return
	}
	gs.reported = true
	report := GroupUploadReport{GroupID: gs.plan.GroupID}
	for _, fp := range gs.plan.Frames {
		report.Frames = append(report.Frames, UploadedFrame{FrameID: fp.FrameID, Key: gs.keys[fp.FrameID]})
	}
	s.mu.Unlock()

	err := s.e.opts.Retry.Do(ctx, func(ctx context.Context) error {
		return s.e.api.FileUploaded(ctx, s.jobID, report)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		gs.reported = false
		s.report.FinalizeError[gs.plan.GroupID] = err
		s.e.log.Warn("group completion report failed", "job_id", s.jobID, "group_id", gs.plan.GroupID, "error", err)
		return
	}
	s.report.Finalized = append(s.report.Finalized, gs.plan.GroupID)
}

func (s *session) frameFailed(ctx context.Context, gs *groupState, fp FramePlan, protocol string, err error) {
	s.mu.Lock()
	gs.failed = true
	switch {
	case errors.Is(err, fault.ErrMissingSource):
		s.report.Missing = append(s.report.Missing, fp.FrameID)
	case ctx.Err() != nil:
	default:
		s.report.Failed[fp.FrameID] = err
	}
	s.mu.Unlock()
	s.progress(Progress{FrameID: fp.FrameID, GroupID: gs.plan.GroupID, Protocol: protocol, Total: fp.Size, Done: true, Err: err})

	if ctx.Err() != nil || errors.Is(err, fault.ErrMissingSource) {
		return
	}
	s.e.log.Warn("frame upload failed", "job_id", s.jobID, "frame_id", fp.FrameID, "protocol", protocol, "error", err)
	if rerr := s.e.api.FrameFailed(ctx, s.jobID, FrameFailure{FrameID: fp.FrameID, Error: fault.UserMessage(err)}); rerr != nil {
		s.e.log.Debug("frame failure report failed", "frame_id", fp.FrameID, "error", rerr)
	}
}

func (s *session) uploadSingle(ctx context.Context, gs *groupState, fp FramePlan) (string, error) {
	var key string
	err := s.files.Do(ctx, fp.FrameID, func(ctx context.Context) error {
		up, err := s.presigned(ctx, gs, fp)
		if err != nil {
			return err
		}
		f, err := openSource(fp)
		if err != nil {
			return err
		}
		defer f.Close()
		s.progress(Progress{FrameID: fp.FrameID, GroupID: gs.plan.GroupID, Protocol: ProtocolSingle, Total: fp.Size})
		if _, err := s.e.put(ctx, up.URL, f, fp.Size, fsutil.ContentType(fp.Filename)); err != nil {
			if errors.Is(err, errURLExpired) {
				s.mu.Lock()
				delete(s.urls, fp.FrameID)
				s.mu.Unlock()
			}
			return err
		}
		key = up.Key
		return nil
	})
	return key, err
}

// presigned returns a valid URL for fp, presigning every small pending
// frame of the group in one batch when the cache misses.
func (s *session) presigned(ctx context.Context, gs *groupState, fp FramePlan) (PresignedUpload, error) {
	if up, ok := s.cachedURL(fp.FrameID); ok {
		return up, nil
	}
	gs.presignMu.Lock()
	defer gs.presignMu.Unlock()
	if up, ok := s.cachedURL(fp.FrameID); ok {
		return up, nil
	}

	batch := []PresignFile{{FrameID: fp.FrameID, Filename: fp.Filename, Size: fp.Size, ContentType: fsutil.ContentType(fp.Filename)}}
	s.mu.Lock()
	for _, other := range gs.plan.Frames {
		if other.FrameID == fp.FrameID || gs.done[other.FrameID] || other.Size >= s.e.opts.MultipartThreshold {
			continue
		}
		if _, ok := s.urls[other.FrameID]; ok {
			continue
		}
		name := other.Filename
		if name == "" {
			name = fsutil.SanitizeFilename(other.Path)
		}
		batch = append(batch, PresignFile{FrameID: other.FrameID, Filename: name, Size: other.Size, ContentType: fsutil.ContentType(name)})
	}
	s.mu.Unlock()

	ups, err := s.e.api.PresignRaw(ctx, s.jobID, batch)
	if err != nil {
		return PresignedUpload{}, err
	}
	s.mu.Lock()
	for _, up := range ups {
		s.urls[up.FrameID] = up
	}
	up, ok := s.urls[fp.FrameID]
	s.mu.Unlock()
	if !ok {
		return PresignedUpload{}, fault.New(fault.ErrTransient, "transfer", "presign response omitted frame "+fp.FrameID)
	}
	return up, nil
}

func (s *session) cachedURL(frameID string) (PresignedUpload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.urls[frameID]
	if !ok {
		return up, false
	}
	if !up.ExpiresAt.IsZero() && time.Until(up.ExpiresAt) < presignMargin {
		delete(s.urls, frameID)
		return up, false
	}
	return up, true
}

func (s *session) uploadMultipart(ctx context.Context, gs *groupState, fp FramePlan) (string, error) {
	f, err := openSource(fp)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var mp MultipartUpload
	err = s.files.Do(ctx, fp.FrameID+" presign", func(ctx context.Context) error {
		var err error
		mp, err = s.e.api.PresignRawMultipart(ctx, s.jobID, MultipartRequest{
			FrameID:     fp.FrameID,
			Filename:    fp.Filename,
			Size:        fp.Size,
			PartSize:    s.e.opts.PartSize,
			ContentType: fsutil.ContentType(fp.Filename),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if mp.PartSize <= 0 {
		mp.PartSize = s.e.opts.PartSize
	}

	parts := NewRunner(s.e.opts.Parts, s.e.opts.Retry)
	if s.e.opts.OnLimitChange != nil {
		parts.OnLimitChange(func(limit int) { s.e.opts.OnLimitChange("parts:"+fp.FrameID, limit) })
	}
	etags := make([]string, len(mp.Parts))
	var sent atomic.Int64
	tasks := make([]Task, len(mp.Parts))
	for i, part := range mp.Parts {
		tasks[i] = Task{
			Name: fmt.Sprintf("%s part %d", fp.FrameID, part.PartNumber),
			Run: func(ctx context.Context) error {
				if _, err := os.Stat(fp.Path); err != nil {
					return missingSource(fp, err)
				}
				offset := int64(part.PartNumber-1) * mp.PartSize
				etag, err := s.e.put(ctx, part.URL, io.NewSectionReader(f, offset, part.Size), part.Size, "")
				if err != nil {
					return err
				}
				if etag == "" {
					return fault.New(fault.ErrTransient, "transfer", fmt.Sprintf("part %d returned no ETag", part.PartNumber))
				}
				etags[i] = etag
				s.progress(Progress{FrameID: fp.FrameID, GroupID: gs.plan.GroupID, Protocol: ProtocolMultipart, Sent: sent.Add(part.Size), Total: fp.Size})
				return nil
			},
		}
	}

	if err := firstError(parts.Run(ctx, tasks)); err != nil {
		s.abort(ctx, mp)
		return "", err
	}

	req := CompleteRequest{FrameID: fp.FrameID, Key: mp.Key, UploadID: mp.UploadID}
	for i, part := range mp.Parts {
		req.Parts = append(req.Parts, CompletedPart{PartNumber: part.PartNumber, ETag: etags[i]})
	}
	var res CompleteResult
	err = s.files.Do(ctx, fp.FrameID+" complete", func(ctx context.Context) error {
		var err error
		res, err = s.e.api.CompleteRawMultipart(ctx, s.jobID, req)
		return err
	})
	if err != nil {
		s.abort(ctx, mp)
		return "", err
	}
	if res.Key == "" {
		res.Key = mp.Key
	}
	return res.Key, nil
}

func (s *session) abort(ctx context.Context, mp MultipartUpload) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := s.e.api.AbortRawMultipart(actx, s.jobID, AbortRequest{FrameID: mp.FrameID, Key: mp.Key, UploadID: mp.UploadID}); err != nil {
		s.e.log.Warn("multipart abort failed", "frame_id", mp.FrameID, "upload_id", mp.UploadID, "error", err)
	}
}

// put sends body to a presigned URL and returns the ETag header.
func (e *Engine) put(ctx context.Context, url string, body io.Reader, size int64, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", fault.Wrap(fault.ErrGroupFatal, "transfer", "put", "invalid upload url", err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fault.Wrap(fault.ErrCanceled, "transfer", "put", "upload canceled", ctx.Err())
		}
		return "", fault.Wrap(fault.ErrTransient, "transfer", "put", "network error", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return strings.Trim(resp.Header.Get("ETag"), `"`), nil
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return "", fault.Wrap(fault.ErrTransient, "transfer", "put", "upload url expired", errURLExpired)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return "", fault.New(fault.ErrTransient, "transfer", fmt.Sprintf("upload returned %d", code))
	default:
		return "", fault.New(fault.ErrGroupFatal, "transfer", fmt.Sprintf("upload rejected with %d", code))
	}
}

func openSource(fp FramePlan) (*os.File, error) {
	f, err := os.Open(fp.Path)
	if err != nil {
		return nil, missingSource(fp, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, missingSource(fp, err)
	}
	if info.Size() != fp.Size {
		f.Close()
		return nil, fault.New(fault.ErrMissingSource, "transfer", fmt.Sprintf("%s changed size since selection", fp.Filename))
	}
	return f, nil
}

func missingSource(fp FramePlan, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fault.Wrap(fault.ErrMissingSource, "transfer", "open", fp.Filename+" is no longer available", err)
	}
	return fault.Wrap(fault.ErrMissingSource, "transfer", "open", "cannot read "+fp.Filename, err)
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
