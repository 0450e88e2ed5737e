package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/semantrix/aigateway/internal/completion"
	"github.com/semantrix/aigateway/internal/config"
	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/providers"
	"github.com/semantrix/aigateway/internal/ratelimit"
	"github.com/semantrix/aigateway/internal/router"
	"github.com/semantrix/aigateway/internal/router/health"
	"github.com/semantrix/aigateway/internal/streaming"
	"github.com/semantrix/aigateway/internal/structured"
	v1 "github.com/semantrix/aigateway/pkg/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testGateway struct {
	server *Server
	stub   *providers.StubProvider
}

func newTestGateway(t *testing.T, limiter ratelimit.Limiter) *testGateway {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:            8080,
			ShutdownTimeout: time.Second,
			AllowedOrigins:  []string{"*"},
		},
		RateLimit: ratelimit.Config{Enabled: limiter != nil, Limit: 2, Window: time.Minute},
	}
	cfg.HealthCheck.CacheTTL = time.Minute

	provs, cat, err := initializeProviders([]providers.ProviderConfig{{
		Name: "local",
		Type: "stub",
		Models: []providers.ModelConfig{{
			ID:                "echo",
			Tier:              "free",
			Capabilities:      []string{"chat", "json-output"},
			SupportsStreaming: true,
			CostPer1kInput:    1,
			CostPer1kOutput:   1,
		}},
	}}, logger)
	require.NoError(t, err)

	registry := health.NewRegistry(health.RegistryConfig{}, nil)
	monitor := health.NewMonitor(health.MonitorConfig{Timeout: time.Second}, cat, provs, registry, logger)
	rt, err := router.New(router.Config{}, cat, registry, nil, logger)
	require.NoError(t, err)
	executor := completion.NewExecutor(completion.Config{}, rt, provs, registry, logger)

	s := New(cfg, Components{
		Catalog:    cat,
		Providers:  provs,
		Monitor:    monitor,
		Router:     rt,
		Executor:   executor,
		Pipeline:   streaming.NewPipeline(executor, provs, registry, logger),
		Structured: structured.NewAdapter(executor, logger, nil),
		Limiter:    limiter,
	}, logger, nil, nil, "test")

	return &testGateway{server: s, stub: provs["local"].(*providers.StubProvider)}
}

func (g *testGateway) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func completionBody(content string, stream bool) map[string]interface{} {
	return map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": content}},
		"stream":   stream,
	}
}

func TestCompletion(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.do(t, http.MethodPost, "/v1/completion", completionBody("hello gateway", false))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[v1.CompletionResponse](t, rec)
	assert.Equal(t, "local", resp.Provider)
	assert.Equal(t, "echo", resp.Model)
	assert.Contains(t, resp.Content, "hello")
	assert.Equal(t, models.FinishReasonStop, resp.FinishReason)
	assert.Equal(t, 1, resp.Attempts)
	assert.NotEmpty(t, resp.RequestID)
	assert.Greater(t, resp.CostUSD, 0.0)
	assert.Equal(t, resp.Usage.InputTokens+resp.Usage.OutputTokens, resp.Usage.TotalTokens)

	// The unversioned alias serves the same handler.
	rec = g.do(t, http.MethodPost, "/completion", completionBody("hello", false))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCompletion_Errors(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.do(t, http.MethodPost, "/v1/completion", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeBody[v1.ErrorResponse](t, rec).Error.Type)

	rec = g.do(t, http.MethodPost, "/v1/completion", map[string]interface{}{"messages": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeBody[v1.ErrorResponse](t, rec).Error.Type)

	g.stub.FailWith(models.NewProviderError(models.ErrProviderUnavailable, "local", "echo", http.StatusServiceUnavailable, errors.New("down")))
	rec = g.do(t, http.MethodPost, "/v1/completion", completionBody("hello", false))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeBody[v1.ErrorResponse](t, rec)
	assert.Equal(t, "all_providers_exhausted", resp.Error.Type)
	assert.True(t, resp.Error.Retryable)
}

func TestCompletion_Stream(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.do(t, http.MethodPost, "/v1/completion", completionBody("one two three", true))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)

	var content strings.Builder
	var chunks []models.StreamChunk
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == streaming.DoneSentinel {
			continue
		}
		var chunk models.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		chunks = append(chunks, chunk)
		content.WriteString(chunk.Content)
	}
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[0].IsFirst)
	assert.True(t, chunks[len(chunks)-1].IsLast)
	assert.Contains(t, content.String(), "three")
}

func TestCompletion_StreamOpenFailure(t *testing.T) {
	g := newTestGateway(t, nil)
	g.stub.FailWith(models.NewProviderError(models.ErrProviderRateLimit, "local", "echo", http.StatusTooManyRequests, errors.New("slow down")))

	rec := g.do(t, http.MethodPost, "/v1/completion", completionBody("hello", true))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "provider_rate_limit", decodeBody[v1.ErrorResponse](t, rec).Error.Type)
}

func TestStructured(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.do(t, http.MethodPost, "/v1/structured", map[string]interface{}{
		"prompt": "extract me",
		"schema": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
			"required":   []string{"text"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[v1.StructuredResponse](t, rec)
	assert.False(t, resp.Fallback)
	assert.Equal(t, "extract me", resp.Value["text"])
	assert.Equal(t, "echo", resp.Model)

	rec = g.do(t, http.MethodPost, "/v1/structured", map[string]interface{}{
		"prompt": "x",
		"schema": map[string]interface{}{"type": "array"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetModels(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.do(t, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[v1.ModelsResponse](t, rec)
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Providers, 1)
	assert.Equal(t, "local", resp.Providers[0].Name)

	rec = g.do(t, http.MethodGet, "/models?provider=elsewhere", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[v1.ModelsResponse](t, rec).Total)

	rec = g.do(t, http.MethodGet, "/v1/models?tier=platinum", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[v1.HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	require.Len(t, resp.Checks, 1)
	assert.True(t, resp.Checks[0].Healthy)

	// Cached results are served until a forced check replaces them.
	g.stub.FailWith(models.NewProviderError(models.ErrProviderUnavailable, "local", "echo", http.StatusServiceUnavailable, errors.New("down")))
	rec = g.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[v1.HealthResponse](t, rec).Checks[0].Healthy)

	rec = g.do(t, http.MethodPost, "/admin/health-check", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = decodeBody[v1.HealthResponse](t, rec)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.False(t, resp.Checks[0].Healthy)

	rec = g.do(t, http.MethodGet, "/admin/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	admin := decodeBody[v1.ProvidersResponse](t, rec)
	require.Len(t, admin.Models, 1)
	assert.Equal(t, models.HealthStateDegraded, admin.Models[0].State)
}

func TestHealth_CancelledRequestDoesNotPoisonCache(t *testing.T) {
	g := newTestGateway(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)

	rec = g.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[v1.HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.True(t, resp.Checks[0].Healthy)
	assert.Empty(t, resp.Checks[0].Error)
}

func TestRateLimit(t *testing.T) {
	g := newTestGateway(t, ratelimit.NewMemoryLimiter())

	for i := 0; i < 2; i++ {
		rec := g.do(t, http.MethodGet, "/v1/models", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := g.do(t, http.MethodGet, "/v1/models", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeBody[v1.ErrorResponse](t, rec).Error.Type)

	// Health and admin routes are not limited.
	rec = g.do(t, http.MethodGet, "/admin/providers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminQueries(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.do(t, http.MethodGet, "/admin/queries?limit=10", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodGet, "/admin/queries?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = g.do(t, http.MethodGet, "/admin/queries/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUseCases(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.do(t, http.MethodGet, "/v1/use-cases", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[v1.UseCasesResponse](t, rec)
	names := make([]string, 0, len(resp.UseCases))
	for _, uc := range resp.UseCases {
		names = append(names, uc.Name)
	}
	assert.Contains(t, names, "chat")
	assert.Contains(t, names, "extraction")
}
