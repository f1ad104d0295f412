package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tabular-platform/internal/config"
	"tabular-platform/internal/lifecycle"
	"tabular-platform/internal/models"
	"tabular-platform/internal/quota"
	"tabular-platform/internal/queue"
	"tabular-platform/internal/ratelimit"
	"tabular-platform/internal/reaper"
	"tabular-platform/internal/store"
	"tabular-platform/internal/telemetry"
)

// Server wires HTTP handlers for the platform front. Routing itself
// carries no invariants; everything of substance lives in the packages it
// composes.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.DispatchQueue
	ledger  *quota.Ledger
	machine *lifecycle.Machine
	reaper  *reaper.Reaper
	limiter *ratelimit.TokenBucket
	log     *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.DispatchQueue, ledger *quota.Ledger, machine *lifecycle.Machine, rp *reaper.Reaper, limiter *ratelimit.TokenBucket, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		ledger:  ledger,
		machine: machine,
		reaper:  rp,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/frameworks", s.handleSubmitFramework)
	r.Get("/frameworks/{id}", s.handleGetJob)
	r.Post("/frameworks/{id}/predictions", s.handleSubmitPrediction)
	r.Post("/frameworks/{id}/stop", s.handleStop)
	r.Delete("/frameworks/{id}", s.handleDeleteJob)

	r.Post("/flights", s.handleSubmitFlight)
	r.Get("/flights/{id}", s.handleGetFlight)
	r.Delete("/flights/{id}", s.handleDeleteFlight)

	r.Put("/users/{id}/tier", s.handleSetTier)
	r.Put("/users/{id}/quota", s.handleSetQuota)

	return r
}

type submitFrameworkRequest struct {
	FrameworkName     string   `json:"framework_name"`
	TrainIDs          []string `json:"train_ids"`
	TestIDs           []string `json:"test_ids"`
	Target            string   `json:"target"`
	CPUs              int      `json:"cpus"`
	GPUs              int      `json:"gpus"`
	MaxRuntimeSeconds int      `json:"max_runtime_seconds"`
}

func (s *Server) handleSubmitFramework(w http.ResponseWriter, r *http.Request) {
	var req submitFrameworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.FrameworkName == "" {
		http.Error(w, "framework_name is required", http.StatusBadRequest)
		return
	}

	user, ok := s.userForRequest(w, r)
	if !ok {
		return
	}
	profile, ok := s.resolveProfile(w, r, user)
	if !ok {
		return
	}

	resources := models.ResourceRequest{CPUs: req.CPUs, GPUs: req.GPUs, RuntimeSeconds: req.MaxRuntimeSeconds}
	job, err := s.store.CreateJobGuarded(r.Context(), store.CreateJobParams{
		Kind:              models.KindFramework,
		Owner:             user.ID,
		FrameworkName:     req.FrameworkName,
		TrainIDs:          req.TrainIDs,
		TestIDs:           req.TestIDs,
		Target:            req.Target,
		CPUs:              req.CPUs,
		GPUs:              req.GPUs,
		MaxRuntimeSeconds: req.MaxRuntimeSeconds,
	}, func(active int) error {
		return quota.Check(profile, active, 1, resources)
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.dispatch(w, r, user, job)
}

func (s *Server) handleSubmitPrediction(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "id")
	var req struct {
		DatasetID         string `json:"dataset_id"`
		CPUs              int    `json:"cpus"`
		GPUs              int    `json:"gpus"`
		MaxRuntimeSeconds int    `json:"max_runtime_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.DatasetID == "" {
		http.Error(w, "dataset_id is required", http.StatusBadRequest)
		return
	}

	parent, err := s.store.GetJob(r.Context(), parentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if parent.Status != models.StatusSuccess {
		http.Error(w, "framework has not completed successfully", http.StatusConflict)
		return
	}

	user, ok := s.userForRequest(w, r)
	if !ok {
		return
	}
	profile, ok := s.resolveProfile(w, r, user)
	if !ok {
		return
	}

	resources := models.ResourceRequest{CPUs: req.CPUs, GPUs: req.GPUs, RuntimeSeconds: req.MaxRuntimeSeconds}
	job, err := s.store.CreateJobGuarded(r.Context(), store.CreateJobParams{
		Kind:              models.KindPrediction,
		Owner:             user.ID,
		ParentID:          parent.ID,
		FrameworkName:     parent.FrameworkName,
		TestIDs:           []string{req.DatasetID},
		CPUs:              req.CPUs,
		GPUs:              req.GPUs,
		MaxRuntimeSeconds: req.MaxRuntimeSeconds,
	}, func(active int) error {
		return quota.Check(profile, active, 1, resources)
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.dispatch(w, r, user, job)
}

type submitFlightRequest struct {
	FrameworkNames    []string `json:"framework_names"`
	TrainIDs          []string `json:"train_ids"`
	TestIDs           []string `json:"test_ids"`
	Target            string   `json:"target"`
	CPUs              int      `json:"cpus"`
	GPUs              int      `json:"gpus"`
	MaxRuntimeSeconds int      `json:"max_runtime_seconds"`
}

func (s *Server) handleSubmitFlight(w http.ResponseWriter, r *http.Request) {
	var req submitFlightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.FrameworkNames) == 0 {
		http.Error(w, "framework_names is required", http.StatusBadRequest)
		return
	}

	user, ok := s.userForRequest(w, r)
	if !ok {
		return
	}
	profile, ok := s.resolveProfile(w, r, user)
	if !ok {
		return
	}

	resources := models.ResourceRequest{CPUs: req.CPUs, GPUs: req.GPUs, RuntimeSeconds: req.MaxRuntimeSeconds}
	flight, jobs, err := s.store.CreateFlightGuarded(r.Context(), store.CreateFlightParams{
		Owner:             user.ID,
		FrameworkNames:    req.FrameworkNames,
		TrainIDs:          req.TrainIDs,
		TestIDs:           req.TestIDs,
		Target:            req.Target,
		CPUs:              req.CPUs,
		GPUs:              req.GPUs,
		MaxRuntimeSeconds: req.MaxRuntimeSeconds,
	}, func(active int) error {
		return quota.Check(profile, active, len(req.FrameworkNames), resources)
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	for _, job := range jobs {
		if err := s.queue.Dispatch(r.Context(), job.ID, dispatchTier(user)); err != nil {
			s.log.Error("dispatch failed", "job_id", job.ID, "error", err)
		}
	}
	telemetry.AdmissionsAccepted.Add(float64(len(jobs)))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"flight":           flight,
		"aggregate_status": lifecycle.AggregateStatus(statusesOf(jobs)),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetFlight(w http.ResponseWriter, r *http.Request) {
	flight, jobs, err := s.store.GetFlight(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flight":           flight,
		"members":          jobs,
		"aggregate_status": lifecycle.AggregateStatus(statusesOf(jobs)),
	})
}

// handleStop raises the job's stop flag. The executor drives the actual
// running -> stopping -> stopped walk when it observes the flag; a job
// that never started fails in place instead.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if lifecycle.IsTerminal(job.Status) {
		http.Error(w, "job already finished", http.StatusConflict)
		return
	}
	if err := s.queue.RequestStop(r.Context(), job.ID); err != nil {
		http.Error(w, "failed to request stop", http.StatusInternalServerError)
		return
	}
	if job.Status == models.StatusCreated {
		if err := s.machine.Transition(r.Context(), &job, models.StatusFail, "stopped before start"); err != nil {
			// Raced with the executor leasing it; the stop flag covers
			// that path.
			s.log.Info("stop raced with start", "job_id", job.ID)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
}

// handleDeleteJob reaps remote artifacts best-effort, then purges the
// record unconditionally. Dependent prediction rows cascade with the
// parent.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.reaper.Reap(r.Context(), job)
	if err := s.queue.Remove(r.Context(), job.ID); err != nil {
		s.log.Error("queue remove failed", "job_id", job.ID, "error", err)
	}
	if err := s.store.DeleteJob(r.Context(), job.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDeleteFlight(w http.ResponseWriter, r *http.Request) {
	flight, jobs, err := s.store.GetFlight(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, job := range jobs {
		s.reaper.Reap(r.Context(), job)
		if err := s.queue.Remove(r.Context(), job.ID); err != nil {
			s.log.Error("queue remove failed", "job_id", job.ID, "error", err)
		}
		if err := s.store.DeleteJob(r.Context(), job.ID); err != nil {
			s.log.Error("delete member failed", "job_id", job.ID, "error", err)
		}
	}
	if err := s.store.DeleteFlight(r.Context(), flight.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tier == "" {
		http.Error(w, "tier is required", http.StatusBadRequest)
		return
	}
	if err := s.store.SetUserTier(r.Context(), chi.URLParam(r, "id"), req.Tier); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req models.QuotaProfile
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.store.SetUserQuota(r.Context(), chi.URLParam(r, "id"), req); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// userForRequest resolves the calling user from the X-API-User header and
// applies the submission rate limit. Authentication proper lives in front
// of this service.
func (s *Server) userForRequest(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	id := r.Header.Get("X-API-User")
	if id == "" {
		id = "anonymous"
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", id))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return models.User{}, false
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return models.User{}, false
		}
	}
	user, err := s.store.EnsureUser(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return models.User{}, false
	}
	return user, true
}

func (s *Server) resolveProfile(w http.ResponseWriter, r *http.Request, user models.User) (models.QuotaProfile, bool) {
	profile, err := s.ledger.Resolve(r.Context(), user)
	if err != nil {
		s.writeError(w, err)
		return models.QuotaProfile{}, false
	}
	return profile, true
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, user models.User, job models.Job) {
	if err := s.queue.Dispatch(r.Context(), job.ID, dispatchTier(user)); err != nil {
		s.log.Error("dispatch failed", "job_id", job.ID, "error", err)
		if terr := s.machine.Transition(r.Context(), &job, models.StatusFail, "dispatch failed"); terr != nil {
			s.log.Error("mark dispatch failure", "job_id", job.ID, "error", terr)
		}
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	telemetry.AdmissionsAccepted.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

// dispatchTier picks the ready list a user's jobs ride. Custom-quota
// accounts share the startup queue.
func dispatchTier(user models.User) string {
	if user.Tier == quota.TierCustom {
		return "startup"
	}
	return user.Tier
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var qe *quota.QuotaExceededError
	if errors.As(err, &qe) {
		telemetry.AdmissionsRejected.WithLabelValues(qe.Reason).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":  "quota exceeded",
			"reason": qe.Reason,
		})
		return
	}
	s.writeError(w, err)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, quota.ErrUnknownTier), errors.Is(err, quota.ErrMissingOverride):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		var ite *lifecycle.IllegalTransitionError
		if errors.As(err, &ite) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func statusesOf(jobs []models.Job) []models.Status {
	out := make([]models.Status, len(jobs))
	for i, j := range jobs {
		out[i] = j.Status
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
