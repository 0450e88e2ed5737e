package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Error classes of the gateway. Typed errors below match one of these via errors.Is.
var (
	ErrValidation            = errors.New("validation error")
	ErrNoCandidateModels     = errors.New("no candidate models")
	ErrProviderTimeout       = errors.New("provider timeout")
	ErrProviderRateLimit     = errors.New("provider rate limited")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrProviderAuth          = errors.New("provider authentication failed")
	ErrProviderBadRequest    = errors.New("provider rejected request")
	ErrUnsupportedFeature    = errors.New("unsupported feature")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrSchemaValidation      = errors.New("schema validation failed")
	ErrStreamTerminated      = errors.New("stream terminated")
)

// ValidationError describes a malformed request.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError creates a validation error for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation error: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NoCandidateModelsError reports that no model satisfies the request policy.
type NoCandidateModelsError struct {
	UseCase  string
	Required []Capability
}

func (e *NoCandidateModelsError) Error() string {
	caps := make([]string, len(e.Required))
	for i, c := range e.Required {
		caps[i] = string(c)
	}
	return fmt.Sprintf("no candidate models for use case %q (requires %s)", e.UseCase, strings.Join(caps, ", "))
}

func (e *NoCandidateModelsError) Is(target error) bool {
	return target == ErrNoCandidateModels
}

// ProviderError represents a standardized error from any provider.
type ProviderError struct {
	Kind       error  `json:"-"`
	StatusCode int    `json:"status_code"`
	Err        error  `json:"-"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	RequestID  string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Model != "" {
		return fmt.Sprintf("%s/%s: %s", e.Provider, e.Model, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

// Unwrap exposes both the error class and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether trying another candidate may succeed.
func (e *ProviderError) Retryable() bool {
	return IsTransient(e)
}

// NewProviderError classifies err under kind for the given provider and model.
func NewProviderError(kind error, provider, model string, statusCode int, err error) *ProviderError {
	return &ProviderError{
		Kind:       kind,
		StatusCode: statusCode,
		Err:        err,
		Provider:   provider,
		Model:      model,
	}
}

// ClassifyStatus maps an upstream HTTP status code to an error class.
func ClassifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrProviderRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrProviderAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrProviderTimeout
	case status >= 500:
		return ErrProviderUnavailable
	case status >= 400:
		return ErrProviderBadRequest
	default:
		return ErrProviderUnavailable
	}
}

// ClassifyTransportError maps a transport-level failure to an error class.
func ClassifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrProviderTimeout
	}
	return ErrProviderUnavailable
}

// IsTransient reports whether err belongs to a class that drives failover.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, ErrProviderRateLimit) ||
		errors.Is(err, ErrProviderUnavailable)
}

// AttemptError records one failed candidate.
type AttemptError struct {
	Provider string
	Model    string
	Err      error
}

// AllProvidersExhaustedError is returned once every candidate has failed.
type AllProvidersExhaustedError struct {
	Attempts []AttemptError
}

func (e *AllProvidersExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s/%s: %v", a.Provider, a.Model, a.Err)
	}
	return fmt.Sprintf("all providers exhausted after %d attempts: [%s]", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *AllProvidersExhaustedError) Unwrap() []error {
	errs := []error{ErrAllProvidersExhausted}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// StreamTerminatedError is the terminal unit of a stream that failed upstream.
type StreamTerminatedError struct {
	RequestID string
	Provider  string
	Model     string
	Err       error
}

func (e *StreamTerminatedError) Error() string {
	return fmt.Sprintf("stream %s terminated by %s/%s: %v", e.RequestID, e.Provider, e.Model, e.Err)
}

func (e *StreamTerminatedError) Unwrap() []error {
	return []error{ErrStreamTerminated, e.Err}
}

// HTTPStatus derives the response status for err.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnsupportedFeature):
		return http.StatusBadRequest
	case errors.Is(err, ErrAllProvidersExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNoCandidateModels):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrProviderBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrProviderRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrProviderAuth),
		errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrStreamTerminated):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorType returns a stable identifier for the error class of err.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnsupportedFeature):
		return "unsupported_feature"
	case errors.Is(err, ErrAllProvidersExhausted):
		return "all_providers_exhausted"
	case errors.Is(err, ErrNoCandidateModels):
		return "no_candidate_models"
	case errors.Is(err, ErrStreamTerminated):
		return "stream_terminated"
	case errors.Is(err, ErrProviderBadRequest):
		return "provider_bad_request"
	case errors.Is(err, ErrProviderRateLimit):
		return "provider_rate_limit"
	case errors.Is(err, ErrProviderTimeout):
		return "provider_timeout"
	case errors.Is(err, ErrProviderAuth):
		return "provider_auth"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrSchemaValidation):
		return "schema_validation"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal_error"
	}
}
