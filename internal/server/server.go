package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"stackline/internal/blob"
	"stackline/internal/config"
	"stackline/internal/enhance"
	"stackline/internal/events"
	"stackline/internal/logging"
	"stackline/internal/metrics"
	"stackline/internal/pipeline"
	"stackline/internal/storage"
)

// Options collects the collaborators of the HTTP API. Callbacks and History
// are optional.
type Options struct {
	Addr      string
	Machine   *pipeline.Machine
	Events    *events.Broadcaster
	Blobs     *blob.Store
	Signer    *blob.Signer
	Callbacks *enhance.Callbacks
	History   *storage.Store
	Auth      *Authenticator
	Transfer  config.Transfer
	Shutdown  time.Duration
	Logger    *slog.Logger
}

// Server exposes the pipeline over HTTP.
type Server struct {
	addr      string
	machine   *pipeline.Machine
	events    *events.Broadcaster
	blobs     *blob.Store
	signer    *blob.Signer
	callbacks *enhance.Callbacks
	history   *storage.Store
	auth      *Authenticator
	transfer  config.Transfer
	shutdown  time.Duration
	log       *slog.Logger
	upgrader  websocket.Upgrader
	server    *http.Server
}

// New builds a server; it does not listen until Start.
func New(opts Options) *Server {
	if opts.Shutdown <= 0 {
		opts.Shutdown = 10 * time.Second
	}
	return &Server{
		addr:      opts.Addr,
		machine:   opts.Machine,
		events:    opts.Events,
		blobs:     opts.Blobs,
		signer:    opts.Signer,
		callbacks: opts.Callbacks,
		history:   opts.History,
		auth:      opts.Auth,
		transfer:  opts.Transfer,
		shutdown:  opts.Shutdown,
		log:       logging.Or(opts.Logger),
		upgrader: websocket.Upgrader{
			// Browsers authenticate with ?token=, so origin checks add nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		if err := s.server.Shutdown(ctxShutdown); err != nil {
			s.log.Warn("http shutdown incomplete", "error", err)
		}
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.PathPrefix("/blob/").Handler(blob.NewHandler(s.blobs, s.signer, s.log))
	r.HandleFunc("/callbacks/enhance", s.handleEnhanceCallback).Methods("POST")

	r.HandleFunc("/jobs", s.withOwner(s.handleListJobs, false)).Methods("GET")
	jobs := r.PathPrefix("/jobs").Subrouter()
	jobs.HandleFunc("/create", s.withOwner(s.handleCreateJob, false)).Methods("POST")
	jobs.HandleFunc("/{id}/status", s.withOwner(s.handleStatus, false)).Methods("GET")
	jobs.HandleFunc("/{id}/events", s.withOwner(s.handleEvents, true)).Methods("GET")
	jobs.HandleFunc("/{id}/groups", s.withOwner(s.handleRegisterGroups, false)).Methods("POST")
	jobs.HandleFunc("/{id}/regroup", s.withOwner(s.handleRegroup, false)).Methods("POST")
	jobs.HandleFunc("/{id}/groups/{gid}/merge", s.withOwner(s.handleMerge, false)).Methods("POST")
	jobs.HandleFunc("/{id}/groups/{gid}/split", s.withOwner(s.handleSplit, false)).Methods("POST")
	jobs.HandleFunc("/{id}/groups/{gid}/representative", s.withOwner(s.handleRepresentative, false)).Methods("POST")
	jobs.HandleFunc("/{id}/presign-raw", s.withOwner(s.handlePresignRaw, false)).Methods("POST")
	jobs.HandleFunc("/{id}/presign-raw-multipart", s.withOwner(s.handlePresignMultipart, false)).Methods("POST")
	jobs.HandleFunc("/{id}/complete-raw-multipart", s.withOwner(s.handleCompleteMultipart, false)).Methods("POST")
	jobs.HandleFunc("/{id}/abort-raw-multipart", s.withOwner(s.handleAbortMultipart, false)).Methods("POST")
	jobs.HandleFunc("/{id}/file_uploaded", s.withOwner(s.handleFileUploaded, false)).Methods("POST")
	jobs.HandleFunc("/{id}/frame_failed", s.withOwner(s.handleFrameFailed, false)).Methods("POST")
	jobs.HandleFunc("/{id}/start", s.withOwner(s.handleStart, false)).Methods("POST")
	jobs.HandleFunc("/{id}/retry-missing", s.withOwner(s.handleRetryMissing, false)).Methods("POST")
	jobs.HandleFunc("/{id}/cancel", s.withOwner(s.handleCancel, false)).Methods("POST")
	jobs.HandleFunc("/{id}/presign-download", s.withOwner(s.handlePresignDownload, false)).Methods("POST")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleEnhanceCallback(w http.ResponseWriter, r *http.Request) {
	if s.callbacks == nil {
		http.NotFound(w, r)
		return
	}
	var payload enhance.CallbackPayload
	if !decode(w, r, &payload) {
		return
	}
	claims, err := s.callbacks.Resolve(r.URL.Query().Get("token"), payload)
	if err != nil {
		s.log.Warn("enhancement callback rejected", "status", payload.Status, "error", err)
		writeError(w, err)
		return
	}
	s.log.Debug("enhancement callback accepted", "job", claims.JobID, "group", claims.GroupID, "status", payload.Status)
	w.WriteHeader(http.StatusNoContent)
}
