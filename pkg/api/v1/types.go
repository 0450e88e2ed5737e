package v1

import (
	"errors"
	"time"

	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/router/health"
)

// CompletionRequest is the body of POST /v1/completion.
type CompletionRequest struct {
	models.CompletionRequest
	Stream bool `json:"stream,omitempty"`
}

// CompletionResponse is a served single-shot completion.
type CompletionResponse struct {
	ID           string              `json:"id"`
	RequestID    string              `json:"request_id"`
	Provider     string              `json:"provider"`
	Model        string              `json:"model"`
	Content      string              `json:"content"`
	FinishReason models.FinishReason `json:"finish_reason"`
	Usage        Usage               `json:"usage"`
	CostUSD      float64             `json:"cost_usd"`
	LatencyMs    int64               `json:"latency_ms"`
	Attempts     int                 `json:"attempts"`
}

// Usage represents token usage statistics.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// NewCompletionResponse converts a result served by model.
func NewCompletionResponse(res *models.CompletionResult, model models.Model) CompletionResponse {
	return CompletionResponse{
		ID:           res.ID,
		RequestID:    res.RequestID,
		Provider:     res.Provider,
		Model:        res.Model,
		Content:      res.Content,
		FinishReason: res.FinishReason,
		Usage: Usage{
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			TotalTokens:  res.Usage.InputTokens + res.Usage.OutputTokens,
		},
		CostUSD:   res.CostUSD(model),
		LatencyMs: res.LatencyMs,
		Attempts:  res.Attempts,
	}
}

// StructuredRequest is the body of POST /v1/structured.
type StructuredRequest struct {
	Prompt      string         `json:"prompt"`
	Schema      map[string]any `json:"schema"`
	UseCase     string         `json:"use_case,omitempty"`
	Model       string         `json:"model,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
}

// StructuredResponse carries the generated value.
type StructuredResponse struct {
	Value    map[string]any `json:"value"`
	Fallback bool           `json:"fallback"`
	Raw      string         `json:"raw"`
	Model    string         `json:"model"`
	Provider string         `json:"provider"`
}

// ErrorResponse represents an error response from the API.
type ErrorResponse struct {
	Error     ErrorDetails `json:"error"`
	RequestID string       `json:"request_id,omitempty"`
}

// ErrorDetails provides detailed error information.
type ErrorDetails struct {
	Type       string            `json:"type"`
	Message    string            `json:"message"`
	StatusCode int               `json:"status_code"`
	Provider   string            `json:"provider,omitempty"`
	Retryable  bool              `json:"retryable"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// NewErrorResponse describes err using the gateway error taxonomy.
func NewErrorResponse(err error, requestID string) ErrorResponse {
	details := ErrorDetails{
		Type:       models.ErrorType(err),
		Message:    err.Error(),
		StatusCode: models.HTTPStatus(err),
		Retryable:  models.IsTransient(err),
	}

	var perr *models.ProviderError
	if errors.As(err, &perr) {
		details.Provider = perr.Provider
	}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		details.Fields = verr.Fields
	}
	var serr *models.StreamTerminatedError
	if errors.As(err, &serr) {
		details.Provider = serr.Provider
	}
	if errors.Is(err, models.ErrAllProvidersExhausted) {
		details.Retryable = true
	}

	return ErrorResponse{Error: details, RequestID: requestID}
}

// HealthResponse represents the health status of the service.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Version   string                  `json:"version"`
	Providers []health.ProviderStatus `json:"providers"`
	Checks    []health.CheckResult    `json:"checks"`
}

// ModelsResponse lists catalog models grouped by provider.
type ModelsResponse struct {
	Providers []models.ProviderInfo `json:"providers"`
	Total     int                   `json:"total"`
}

// ProvidersResponse is the admin view of provider and model health.
type ProvidersResponse struct {
	Providers []health.ProviderStatus `json:"providers"`
	Models    []models.ProviderHealth `json:"models"`
}

// UseCasesResponse lists the routing policies in effect.
type UseCasesResponse struct {
	UseCases []models.UseCasePolicy `json:"use_cases"`
}
