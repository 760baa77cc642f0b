// Package api exposes the HTTP surface: submission intake, the GitHub
// webhook, deposit inspection and operator triggers for batch and archival
// runs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/CiteDrop/internal/archive"
	"github.com/dharsanguruparan/CiteDrop/internal/batch"
	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/intake"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
	"github.com/dharsanguruparan/CiteDrop/internal/queue"
	"github.com/dharsanguruparan/CiteDrop/internal/signing"
	"github.com/dharsanguruparan/CiteDrop/internal/ticketing"
)

const maxBodyBytes = 4 << 20

// Submissions handles intake events inline.
type Submissions interface {
	HandleSubmission(ctx context.Context, ev intake.Event) (intake.Outcome, error)
}

// Batches runs ingestion batches inline.
type Batches interface {
	RunBatch(ctx context.Context) (batch.Report, error)
}

// Archivals runs archival passes inline.
type Archivals interface {
	RunArchival(ctx context.Context) (archive.Report, error)
}

// Options wires a Server. When Queue is set, submissions and runs are
// handed to the worker; otherwise they execute in the request.
type Options struct {
	Address       string
	WebhookSecret []byte
	IntakeLabel   string
	Queue         queue.Enqueuer
	Submissions   Submissions
	Batches       Batches
	Archivals     Archivals
	Logger        *slog.Logger
}

// Server exposes HTTP endpoints for deposits.
type Server struct {
	opts    Options
	machine *deposit.Machine
	signer  *signing.Signer
	logger  *slog.Logger
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(machine *deposit.Machine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		opts:    opts,
		machine: machine,
		signer:  signing.NewSigner(opts.WebhookSecret),
		logger:  opts.Logger,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/deposits", s.handleDeposits)
	mux.HandleFunc("/deposits/", s.handleDepositRoute)
	mux.HandleFunc("/batches", s.handleBatches)
	mux.HandleFunc("/archivals", s.handleArchivals)
	mux.HandleFunc("/webhooks/github", s.handleGitHubWebhook)
	return s.loggingMiddleware(mux)
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.opts.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "address", s.opts.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeposits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var ev intake.Event
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid submission: %v", err))
			return
		}
		s.submit(w, r, ev)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// submit hands ev to the queue or runs intake inline.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, ev intake.Event) {
	if strings.TrimSpace(ev.ExternalRef) == "" {
		respondError(w, http.StatusBadRequest, "externalRef is required")
		return
	}
	if s.opts.Queue != nil {
		err := queue.EnqueueIntake(r.Context(), s.opts.Queue, ev)
		if err != nil && !errors.Is(err, queue.ErrDuplicate) {
			s.logger.Error("enqueue submission failed", "external_ref", ev.ExternalRef, "error", err)
			respondError(w, http.StatusServiceUnavailable, "failed to queue submission")
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"externalRef": ev.ExternalRef, "status": "queued"})
		return
	}
	if s.opts.Submissions == nil {
		respondError(w, http.StatusServiceUnavailable, "intake is not configured")
		return
	}
	out, err := s.opts.Submissions.HandleSubmission(r.Context(), ev)
	if err != nil {
		s.respondDepositError(w, err)
		return
	}
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, out)
}

type depositSummary struct {
	ID               string      `json:"id"`
	ExternalRef      string      `json:"externalRef"`
	State            model.State `json:"state"`
	Attempts         int         `json:"processingAttempts"`
	LastTransitionAt time.Time   `json:"lastTransitionAt"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	states := model.AllStates
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, err := model.ParseState(strings.ToLower(raw))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		states = []model.State{st}
	}
	out := []depositSummary{}
	for _, st := range states {
		ids, err := s.machine.Query(r.Context(), st)
		if err != nil {
			s.respondDepositError(w, err)
			return
		}
		for _, id := range ids {
			d, err := s.machine.Get(r.Context(), id)
			if err != nil {
				continue
			}
			out = append(out, depositSummary{
				ID:               d.ID,
				ExternalRef:      d.ExternalRef,
				State:            d.State,
				Attempts:         d.ProcessingAttempts,
				LastTransitionAt: d.LastTransitionAt,
			})
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDepositRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/deposits/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleDeposit(w, r, id)
		return
	}
	switch parts[1] {
	case "history":
		s.handleHistory(w, r, id)
	case "requeue":
		s.handleRequeue(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d, err := s.machine.Get(r.Context(), id)
	if err != nil {
		s.respondDepositError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.machine.Get(r.Context(), id); err != nil {
		s.respondDepositError(w, err)
		return
	}
	history, err := s.machine.History(r.Context(), id)
	if err != nil {
		s.respondDepositError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "requeued by operator"
	}
	d, err := s.machine.Transition(r.Context(), id, deposit.Requeue(body.Reason))
	if err != nil {
		s.respondDepositError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Queue != nil {
		s.respondEnqueued(w, queue.EnqueueBatch(r.Context(), s.opts.Queue), queue.BatchTask)
		return
	}
	if s.opts.Batches == nil {
		respondError(w, http.StatusServiceUnavailable, "batch processing is not configured")
		return
	}
	report, err := s.opts.Batches.RunBatch(r.Context())
	if errors.Is(err, batch.ErrRunInProgress) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.respondDepositError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleArchivals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Queue != nil {
		s.respondEnqueued(w, queue.EnqueueArchive(r.Context(), s.opts.Queue), queue.ArchiveTask)
		return
	}
	if s.opts.Archivals == nil {
		respondError(w, http.StatusServiceUnavailable, "archival is not configured")
		return
	}
	report, err := s.opts.Archivals.RunArchival(r.Context())
	if errors.Is(err, archive.ErrRunInProgress) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.respondDepositError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !s.signer.Validate(body, r.Header.Get(signing.Header)) {
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	switch r.Header.Get("X-GitHub-Event") {
	case "ping":
		respondJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case "issues":
	default:
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ev, ok, err := ticketing.ParseIssueWebhook(body, s.opts.IntakeLabel)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.submit(w, r, ev)
}

func (s *Server) respondEnqueued(w http.ResponseWriter, err error, task string) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{"task": task, "status": "queued"})
	case errors.Is(err, queue.ErrDuplicate):
		respondJSON(w, http.StatusAccepted, map[string]string{"task": task, "status": "already queued"})
	default:
		s.logger.Error("enqueue failed", "task", task, "error", err)
		respondError(w, http.StatusServiceUnavailable, "failed to queue task")
	}
}

func (s *Server) respondDepositError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch deposit.Kind(err) {
	case deposit.KindNotFound:
		return http.StatusNotFound
	case deposit.KindConsistency:
		return http.StatusConflict
	case deposit.KindFormat:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
