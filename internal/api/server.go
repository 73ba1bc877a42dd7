// Package api exposes the internal, token-authenticated HTTP surface that
// out-of-process workers use to claim and report on jobs. It is not a public
// API; the public CRUD application lives elsewhere and only produces jobs.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"academy-job-core/internal/jobs"
	"academy-job-core/internal/models"
	"academy-job-core/internal/policy"
	"academy-job-core/internal/telemetry"
)

const (
	workerTokenHeader = "X-Worker-Token"
	workerIDHeader    = "X-Worker-ID"
)

// Server wires the internal job endpoints.
type Server struct {
	svc    *jobs.Service
	token  string
	logger *zap.Logger
}

// New constructs the server.
func New(svc *jobs.Service, token string, logger *zap.Logger) *Server {
	return &Server{svc: svc, token: token, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/internal/jobs", func(r chi.Router) {
		r.Use(s.requireWorkerToken)
		r.Get("/next", s.handleNext)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/{id}/complete", s.handleComplete)
		r.Post("/{id}/fail", s.handleFail)
	})
	return r
}

func (s *Server) requireWorkerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(workerTokenHeader) != s.token {
			http.Error(w, "invalid worker token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func workerID(r *http.Request) string {
	if id := r.Header.Get(workerIDHeader); id != "" {
		return id
	}
	return "remote-worker"
}

type claimedResponse struct {
	Job *models.ClaimedJob `json:"job"`
}

// handleNext claims one job for the caller's pool. An empty queue returns
// {"job": null}, which callers treat as "poll again later".
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	pool := r.URL.Query().Get("pool")
	if pool == "" {
		pool = models.PoolAI
	}
	claimed, err := s.svc.Claim(r.Context(), workerID(r), pool)
	if err != nil {
		s.logger.Error("claim failed", zap.Error(err))
		http.Error(w, "claim failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, claimedResponse{Job: claimed})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Heartbeat(r.Context(), id, workerID(r)); err != nil {
		http.Error(w, "heartbeat rejected", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type completeRequest struct {
	Result        json.RawMessage `json:"result"`
	Confidence    *float64        `json:"confidence,omitempty"`
	ReceiptHandle string          `json:"receipt_handle,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	claimed, err := s.claimedProjection(r, id, req.ReceiptHandle)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err := s.svc.Complete(r.Context(), claimed, workerID(r), jobs.CompleteParams{
		Result:     req.Result,
		Confidence: req.Confidence,
	}); err != nil {
		s.logger.Error("complete failed", zap.String("job_id", id), zap.Error(err))
		http.Error(w, "complete failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type failRequest struct {
	Reason        string   `json:"reason"`
	Code          string   `json:"code,omitempty"`
	Retryable     bool     `json:"retryable"`
	Confidence    *float64 `json:"confidence,omitempty"`
	ReceiptHandle string   `json:"receipt_handle,omitempty"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	claimed, err := s.claimedProjection(r, id, req.ReceiptHandle)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	code := req.Code
	if code == "" {
		code = policy.CodeStageFailure
	}
	confidence := 0.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if err := s.svc.Fail(r.Context(), claimed, workerID(r), policy.Failure{
		Code:       code,
		Message:    req.Reason,
		Retryable:  req.Retryable,
		Confidence: confidence,
	}); err != nil {
		s.logger.Error("fail report failed", zap.String("job_id", id), zap.Error(err))
		http.Error(w, "fail report failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// claimedProjection rebuilds the claim-time view of a job for report calls
// arriving over HTTP, where the caller holds only the job id and receipt.
func (s *Server) claimedProjection(r *http.Request, id, receipt string) (*models.ClaimedJob, error) {
	job, err := s.svc.GetJob(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return &models.ClaimedJob{
		JobID:         job.ID,
		Type:          job.Type,
		Tier:          job.Tier,
		TenantID:      job.TenantID,
		Payload:       job.Payload,
		Attempt:       job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		ReceiptHandle: receipt,
	}, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
