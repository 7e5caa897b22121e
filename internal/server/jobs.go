package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"stackline/internal/fault"
	"stackline/internal/pipeline"
)

const downloadTTL = 15 * time.Minute

type createJobRequest struct {
	Name       string `json:"name"`
	WorkflowID string `json:"workflowId"`
}

type regroupRequest struct {
	ThresholdSeconds float64 `json:"thresholdSeconds"`
}

type representativeRequest struct {
	Index int `json:"index"`
}

type startRequest struct {
	SkipGroupIDs []string `json:"skipGroupIds"`
}

type retryResponse struct {
	Requeued int               `json:"requeued"`
	Snapshot pipeline.Snapshot `json:"snapshot"`
}

type downloadResponse struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// authorized resolves the {id} route variable to a job the caller owns.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := mux.Vars(r)["id"]
	if err := s.machine.Authorize(jobID, ownerFrom(r.Context())); err != nil {
		writeError(w, err)
		return "", false
	}
	return jobID, true
}

// snapshot reads a live job, falling back to the history store for jobs that
// finished before the last restart.
func (s *Server) snapshot(r *http.Request) (pipeline.Snapshot, error) {
	jobID := mux.Vars(r)["id"]
	owner := ownerFrom(r.Context())
	err := s.machine.Authorize(jobID, owner)
	if err == nil {
		return s.machine.Snapshot(jobID)
	}
	if !errors.Is(err, fault.ErrNotFound) || s.history == nil {
		return pipeline.Snapshot{}, err
	}
	snap, herr := s.history.LoadSnapshot(r.Context(), jobID)
	if herr != nil || snap.Job.OwnerID != owner {
		return pipeline.Snapshot{}, err
	}
	return snap, nil
}

const historyLimit = 50

// handleListJobs returns live jobs followed by finished jobs from history
// that are no longer held in memory.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	jobs := s.machine.Jobs(owner)
	if jobs == nil {
		jobs = []pipeline.Job{}
	}
	if s.history != nil {
		recs, err := s.history.RecentJobs(r.Context(), owner, historyLimit)
		if err != nil {
			s.log.Warn("job history unavailable", "owner", owner, "error", err)
		}
		live := make(map[string]bool, len(jobs))
		for _, j := range jobs {
			live[j.ID] = true
		}
		for _, rec := range recs {
			if live[rec.ID] || owner == "" {
				continue
			}
			jobs = append(jobs, pipeline.Job{
				ID:         rec.ID,
				OwnerID:    rec.OwnerID,
				Name:       rec.Name,
				Status:     pipeline.JobStatus(rec.Status),
				Error:      rec.Error,
				PackageKey: rec.PackageKey,
				CreatedAt:  rec.CreatedAt,
				UpdatedAt:  rec.UpdatedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := s.machine.CreateJob(r.Context(), ownerFrom(r.Context()), req.Name, req.WorkflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("job created", "job", job.ID, "owner", job.OwnerID, "workflow", job.WorkflowID)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRegisterGroups(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	var reg pipeline.Registration
	if !decode(w, r, &reg) {
		return
	}
	snap, err := s.machine.RegisterGroups(r.Context(), jobID, reg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRegroup(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	var req regroupRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := s.machine.Regroup(r.Context(), jobID, req.ThresholdSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	snap, err := s.machine.MergeWithPrevious(r.Context(), jobID, mux.Vars(r)["gid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	snap, err := s.machine.Split(r.Context(), jobID, mux.Vars(r)["gid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRepresentative(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	var req representativeRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := s.machine.SetRepresentative(r.Context(), jobID, mux.Vars(r)["gid"], req.Index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := s.machine.Start(r.Context(), jobID, req.SkipGroupIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRetryMissing(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	n, snap, err := s.machine.RetryMissing(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("retry-missing", "job", jobID, "requeued", n)
	writeJSON(w, http.StatusOK, retryResponse{Requeued: n, Snapshot: snap})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	snap, err := s.machine.Cancel(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePresignDownload(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !snap.Job.Status.Downloadable() || snap.Job.PackageKey == "" {
		writeError(w, fault.New(fault.ErrConflict, "api", "package is not ready"))
		return
	}
	url, exp, err := s.signer.GetURL(snap.Job.PackageKey, downloadTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{URL: url, Key: snap.Job.PackageKey, ExpiresAt: exp})
}
