package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/semantrix/aigateway/internal/cache"
	"github.com/semantrix/aigateway/internal/catalog"
	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/router/health"
	"github.com/semantrix/aigateway/internal/streaming"
	"github.com/semantrix/aigateway/internal/structured"
	v1 "github.com/semantrix/aigateway/pkg/api/v1"
	"go.uber.org/zap"
)

const (
	healthCacheKey      = "checks"
	defaultQueriesLimit = 50
	maxQueriesLimit     = 1000
	maxBodyBytes        = 4 << 20
)

// handleHealthCheck handles the health check endpoint. Probe results are
// cached; POST /admin/health-check refreshes them.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	checks := s.cachedHealthChecks(r.Context())
	statuses := s.components.Monitor.ProviderStatuses()

	healthy := 0
	for _, p := range statuses {
		if p.Healthy {
			healthy++
		}
	}
	status, code := "healthy", http.StatusOK
	switch {
	case healthy == 0:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case healthy < len(statuses):
		status = "degraded"
	}

	s.writeJSON(w, code, v1.HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Version:   s.version,
		Providers: statuses,
		Checks:    checks,
	})
}

func (s *Server) cachedHealthChecks(ctx context.Context) []health.CheckResult {
	checks, ok, err := cache.GetJSON[[]health.CheckResult](ctx, s.components.HealthCache, healthCacheKey)
	if err != nil {
		s.logger.Warn("Failed to read cached health checks", zap.Error(err))
	}
	if ok {
		return checks
	}

	// Probes outlive the caller so a dropped client cannot cache failures.
	ctx = context.WithoutCancel(ctx)
	checks = s.components.Monitor.RunHealthChecks(ctx)
	if err := cache.SetJSON(ctx, s.components.HealthCache, healthCacheKey, checks, 0); err != nil {
		s.logger.Warn("Failed to cache health checks", zap.Error(err))
	}
	return checks
}

// handleCompletion serves POST /v1/completion, as JSON or as an SSE stream.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var apiReq v1.CompletionRequest
	if !s.decode(w, r, &apiReq) {
		return
	}

	req := apiReq.CompletionRequest
	if req.RequestID == "" {
		req.RequestID = middleware.GetReqID(r.Context())
	}

	if apiReq.Stream {
		s.streamCompletion(w, r, req)
		return
	}

	res, err := s.components.Executor.Complete(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, req.RequestID)
		return
	}

	served, _ := s.components.Catalog.Lookup(res.Provider + "/" + res.Model)
	s.writeJSON(w, http.StatusOK, v1.NewCompletionResponse(res, served))
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req models.CompletionRequest) {
	if _, ok := w.(http.Flusher); !ok {
		s.writeError(w, r, errors.New("streaming unsupported by response writer"), req.RequestID)
		return
	}

	stream, err := s.components.Pipeline.Stream(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, req.RequestID)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := streaming.WriteSSE(w, stream); err != nil {
		s.logger.Warn("Stream ended early",
			zap.String("request_id", stream.RequestID()),
			zap.String("model", stream.Model().Key()),
			zap.Error(err))
	}
}

// handleStructured serves POST /v1/structured.
func (s *Server) handleStructured(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	var apiReq v1.StructuredRequest
	if !s.decode(w, r, &apiReq) {
		return
	}

	schema, err := structured.ParseSchema(apiReq.Schema)
	if err != nil {
		s.writeError(w, r, err, requestID)
		return
	}

	res, err := s.components.Structured.Generate(r.Context(), apiReq.Prompt, schema, structured.Options{
		UseCase:     apiReq.UseCase,
		Model:       apiReq.Model,
		Temperature: apiReq.Temperature,
		MaxTokens:   apiReq.MaxTokens,
		RequestID:   requestID,
	})
	if err != nil {
		s.writeError(w, r, err, requestID)
		return
	}

	s.writeJSON(w, http.StatusOK, v1.StructuredResponse{
		Value:    res.Value,
		Fallback: res.Fallback,
		Raw:      res.Raw,
		Model:    res.Model,
		Provider: res.Provider,
	})
}

// handleGetModels returns catalog models grouped by provider. The provider,
// tier and capability query parameters narrow the listing.
func (s *Server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	grouped, err := s.components.Catalog.Grouped(catalog.ModelFilter{
		Provider:   q.Get("provider"),
		Tier:       q.Get("tier"),
		Capability: q.Get("capability"),
	})
	if err != nil {
		s.writeError(w, r, err, middleware.GetReqID(r.Context()))
		return
	}

	total := 0
	for _, p := range grouped {
		total += len(p.Models)
	}
	s.writeJSON(w, http.StatusOK, v1.ModelsResponse{Providers: grouped, Total: total})
}

// handleGetUseCases lists the routing policies in effect.
func (s *Server) handleGetUseCases(w http.ResponseWriter, r *http.Request) {
	useCases := s.components.Router.UseCases()
	names := useCases.Names()
	out := make([]models.UseCasePolicy, 0, len(names))
	for _, name := range names {
		p, err := useCases.Get(name)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	s.writeJSON(w, http.StatusOK, v1.UseCasesResponse{UseCases: out})
}

// handleGetProviders returns provider and per-model health.
func (s *Server) handleGetProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, v1.ProvidersResponse{
		Providers: s.components.Monitor.ProviderStatuses(),
		Models:    s.components.Monitor.Registry().Snapshot(),
	})
}

// handleForceHealthCheck probes every model now and refreshes the cached results.
func (s *Server) handleForceHealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.components.HealthCache.Delete(r.Context(), healthCacheKey); err != nil {
		s.logger.Warn("Failed to invalidate health cache", zap.Error(err))
	}
	checks := s.cachedHealthChecks(r.Context())

	s.logger.Info("Health check triggered", zap.Int("models", len(checks)))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.components.Monitor.ProviderStatuses(),
		"checks":    checks,
	})
}

// handleGetQueries returns the most recent query log records.
func (s *Server) handleGetQueries(w http.ResponseWriter, r *http.Request) {
	limit := defaultQueriesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, models.NewValidationError("limit", "must be a positive integer"), middleware.GetReqID(r.Context()))
			return
		}
		limit = min(n, maxQueriesLimit)
	}

	queries, err := s.components.Queries.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read query log", zap.Error(err))
		s.writeError(w, r, err, middleware.GetReqID(r.Context()))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"queries": queries,
		"total":   len(queries),
	})
}

// handleGetQueryStats returns aggregate query log statistics.
func (s *Server) handleGetQueryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.components.Queries.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to read query stats", zap.Error(err))
		s.writeError(w, r, err, middleware.GetReqID(r.Context()))
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// decode reads a JSON body into v, answering 400 when it cannot.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Debug("Failed to decode request", zap.Error(err))
		s.writeError(w, r, models.NewValidationError("body", "invalid JSON: "+err.Error()), middleware.GetReqID(r.Context()))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// writeError answers with the gateway error taxonomy.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, requestID string) {
	resp := v1.NewErrorResponse(err, requestID)
	if resp.Error.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.String("error_type", resp.Error.Type),
			zap.Error(err))
	}
	s.metrics.RecordRequestError(r.Method, r.URL.Path, resp.Error.Type)
	s.writeJSON(w, resp.Error.StatusCode, resp)
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, errorType, message string) {
	s.metrics.RecordRequestError(r.Method, r.URL.Path, errorType)
	s.writeJSON(w, status, v1.ErrorResponse{
		Error: v1.ErrorDetails{
			Type:       errorType,
			Message:    message,
			StatusCode: status,
			Retryable:  status == http.StatusTooManyRequests,
		},
		RequestID: middleware.GetReqID(r.Context()),
	})
}
