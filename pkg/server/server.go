// Package server exposes the spendguard service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/kv"
	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/service"
)

const maxBodyBytes = 1 << 20

// Server is the spendguard HTTP API.
type Server struct {
	listen string
	svc    *service.Service
	mux    *http.ServeMux
	log    zerolog.Logger
}

// New creates a Server. gatherer backs /metrics and may be nil.
func New(listen string, svc *service.Service, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		listen: listen,
		svc:    svc,
		mux:    http.NewServeMux(),
		log:    log,
	}
	s.mux.HandleFunc("POST /jobs", s.handleSubmitJob)
	s.mux.HandleFunc("GET /status", s.handleJobStatus)
	s.mux.HandleFunc("GET /admin/spend", s.handleSpendStatus)
	s.mux.HandleFunc("POST /admin/spend/reset", s.handleSpendReset)
	s.mux.HandleFunc("POST /admin/spend/add", s.handleSpendAdd)
	s.mux.HandleFunc("POST /admin/replay", s.handleReplay)
	s.mux.HandleFunc("GET /admin/email/stats", s.handleEmailStats)
	s.mux.HandleFunc("POST /outreach/batch", s.handleOutreachBatch)
	s.mux.HandleFunc("POST /outreach/retry", s.handleOutreachRetry)
	s.mux.HandleFunc("POST /recipients", s.handleAddRecipient)
	s.mux.HandleFunc("POST /recipients/unsubscribe", s.handleUnsubscribe)
	s.mux.HandleFunc("POST /webhook", s.handleWebhook)
	s.mux.HandleFunc("GET /diag", s.handleDiag)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("took", time.Since(start)).
		Msg("request")
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.listen).Msg("spendguard listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if !s.decode(w, r, &req) {
		return
	}
	if mode := r.URL.Query().Get("mode"); mode != "" {
		req.Mode = models.ExecMode(mode)
	}
	res, err := s.svc.AdmitJob(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if !res.State.Terminal() {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetJobStatus(r.Context(), r.URL.Query().Get("job_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSpendStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetSpendStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSpendReset(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.ResetSpend(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type addSpendRequest struct {
	USD *float64 `json:"usd"`
}

func (s *Server) handleSpendAdd(w http.ResponseWriter, r *http.Request) {
	var req addSpendRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.USD == nil {
		s.writeError(w, &models.ValidationError{Field: "usd", Message: "required"})
		return
	}
	st, err := s.svc.AddSpend(r.Context(), *req.USD)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ReplayNow(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEmailStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.EmailStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type batchRequest struct {
	Policy     string             `json:"policy"`
	Recipients []models.Recipient `json:"recipients"`
}

func (s *Server) handleOutreachBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.SendOutreachBatch(r.Context(), req.Policy, req.Recipients)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOutreachRetry(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RetryOutreach(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddRecipient(w http.ResponseWriter, r *http.Request) {
	var rec models.Recipient
	if !s.decode(w, r, &rec) {
		return
	}
	stored, err := s.svc.AddRecipient(r.Context(), rec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

type unsubscribeRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.Unsubscribe(r.Context(), req.Email); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"email": strings.ToLower(strings.TrimSpace(req.Email)), "unsubscribed": true})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev models.PaymentEvent
	if !s.decode(w, r, &ev) {
		return
	}
	res, err := s.svc.HandlePayment(r.Context(), ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDiag(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Diagnostics(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("diagnostics degraded")
		writeJSON(w, http.StatusServiceUnavailable, d)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// decode reads a JSON body into v. An empty body leaves v at its zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

// writeError maps service errors onto status codes: validation → 400,
// store outage → 503, anything else → 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, kv.ErrUnavailable):
		s.log.Error().Err(err).Msg("store unavailable")
		writeJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"spendguard_error","code":%d}}`, message, code)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
