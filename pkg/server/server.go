// Package server exposes the report pipeline over HTTP. Authentication is
// delegated to the deployment's edge; the server trusts the user identity
// header and concerns itself with validation, policy and delivery semantics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinscribe/coinscribe/pkg/recipe"
	"github.com/coinscribe/coinscribe/pkg/report"
	"github.com/coinscribe/coinscribe/pkg/service"
	"github.com/coinscribe/coinscribe/pkg/stores"
	"github.com/coinscribe/coinscribe/pkg/telemetry"
)

// userIDHeader carries the authenticated user identity set by the edge.
const userIDHeader = "X-User-ID"

// maxBodyBytes caps request bodies; recipes are small documents.
const maxBodyBytes = 1 << 20

// Options configure the HTTP server.
type Options struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP boundary.
type Server struct {
	svc     *service.Service
	store   stores.Store
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	http    *http.Server
}

// New creates a server with its routes registered.
func New(logger zerolog.Logger, svc *service.Service, store stores.Store, metrics *telemetry.Metrics, opts Options) *Server {
	s := &Server{
		svc:     svc,
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "http-server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/reports", s.handleGenerateReport)
	mux.HandleFunc("POST /v1/recipes/validate", s.handleValidateRecipe)
	mux.HandleFunc("PUT /v1/keys/{provider}", s.handlePutKey)
	mux.HandleFunc("GET /v1/keys", s.handleListKeys)
	mux.HandleFunc("GET /v1/usage", s.handleListUsage)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	s.http = &http.Server{
		Addr:         opts.ListenAddr,
		Handler:      s.withRequestLog(mux),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// withRequestLog logs one line per request.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// generateRequest is the body of POST /v1/reports and /v1/recipes/validate.
type generateRequest struct {
	Recipe *recipe.Recipe `json:"recipe"`
	Format report.Format  `json:"format"`
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error      string                   `json:"error"`
	Validation *recipe.ValidationResult `json:"validation,omitempty"`
}

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	req, ok := s.decodeGenerateRequest(w, r)
	if !ok {
		return
	}

	rep, _, err := s.svc.GenerateReport(r.Context(), userID, req.Recipe, req.Format)
	if err != nil {
		var invalid *service.ErrRecipeInvalid
		if errors.As(err, &invalid) {
			s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Error:      invalid.Error(),
				Validation: invalid.Result,
			})
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Report generation failed")
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	if len(rep.Warnings) > 0 {
		w.Header().Set("X-Report-Warnings", fmt.Sprintf("%d", len(rep.Warnings)))
	}
	w.Header().Set("Content-Type", rep.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rep.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rep.Data)
}

func (s *Server) handleValidateRecipe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	req, ok := s.decodeGenerateRequest(w, r)
	if !ok {
		return
	}

	result, err := s.svc.ValidateRecipe(r.Context(), userID, req.Recipe, req.Format)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Recipe validation failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, result)
}

// putKeyRequest is the body of PUT /v1/keys/{provider}.
type putKeyRequest struct {
	Key  string         `json:"key"`
	Tier stores.KeyTier `json:"tier"`
}

func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	provider := r.PathValue("provider")

	var req putKeyRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Tier == "" {
		req.Tier = stores.KeyTierPro
	}
	if req.Tier != stores.KeyTierPro && req.Tier != stores.KeyTierDemo {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown key tier %q", req.Tier)})
		return
	}

	if err := s.svc.StoreProviderKey(r.Context(), userID, provider, req.Key, req.Tier); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("provider", provider).
			Msg("Storing provider key failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storing key failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	records, err := s.svc.ListProviderKeys(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Listing provider keys failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "listing keys failed"})
		return
	}
	// Ciphertext is json:"-" on the record; only metadata leaves the service.
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListUsageEvents(r.Context(), userID, 100, 0)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Listing usage events failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "listing usage failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireUser extracts the identity header or rejects the request.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + userIDHeader + " header"})
		return "", false
	}
	return userID, true
}

// decodeGenerateRequest parses and sanity-checks the shared request body.
func (s *Server) decodeGenerateRequest(w http.ResponseWriter, r *http.Request) (*generateRequest, bool) {
	var req generateRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		return nil, false
	}
	if req.Recipe == nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "recipe is required"})
		return nil, false
	}
	if req.Format == "" {
		req.Format = report.FormatJSON
	}
	if !req.Format.Valid() {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown format %q", req.Format)})
		return nil, false
	}
	return &req, true
}

// decodeJSON decodes a request body and writes the error response itself.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Writing response failed")
	}
}
