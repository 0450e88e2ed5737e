package models

import (
	"fmt"
	"strings"
	"time"
)

// Capability is a named feature a model supports.
type Capability string

const (
	CapabilityChat        Capability = "chat"
	CapabilityToolCalling Capability = "tool-calling"
	CapabilityVision      Capability = "vision"
	CapabilityJSONOutput  Capability = "json-output"
	CapabilityReasoning   Capability = "reasoning"
)

var knownCapabilities = map[Capability]struct{}{
	CapabilityChat:        {},
	CapabilityToolCalling: {},
	CapabilityVision:      {},
	CapabilityJSONOutput:  {},
	CapabilityReasoning:   {},
}

// ParseCapability returns the capability named by s.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownCapabilities[c]; !ok {
		return "", NewValidationError("capability", fmt.Sprintf("unknown capability %q", s))
	}
	return c, nil
}

// Tier is a cost/quality bucket used for ranking.
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// CostRank orders tiers from cheapest to most expensive.
func (t Tier) CostRank() int {
	switch t {
	case TierFree:
		return 0
	case TierStandard:
		return 1
	case TierPremium:
		return 2
	default:
		return 3
	}
}

// ParseTier returns the tier named by s.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierFree, TierStandard, TierPremium:
		return t, nil
	}
	return "", NewValidationError("tier", fmt.Sprintf("unknown tier %q", s))
}

// Model is one addressable model offered by a provider.
type Model struct {
	ID                string       `json:"id"`
	Provider          string       `json:"provider"`
	DisplayName       string       `json:"display_name"`
	Tier              Tier         `json:"tier"`
	Capabilities      []Capability `json:"capabilities"`
	ContextLength     int          `json:"context_length"`
	MaxOutputTokens   int          `json:"max_output_tokens"`
	SupportsStreaming bool         `json:"supports_streaming"`
	CostPer1kInput    float64      `json:"cost_per_1k_input"`
	CostPer1kOutput   float64      `json:"cost_per_1k_output"`
}

// Key identifies a model across providers.
func (m Model) Key() string {
	return m.Provider + "/" + m.ID
}

// HasCapability reports whether the model declares c.
func (m Model) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether the model declares every capability in required.
func (m Model) HasCapabilities(required []Capability) bool {
	for _, c := range required {
		if !m.HasCapability(c) {
			return false
		}
	}
	return true
}

// Requirement is a per-request constraint on candidate models on top of the
// use case's required capabilities.
type Requirement struct {
	Name  string
	Match func(Model) bool
}

var (
	// RequireJSONOutput keeps models that declare json-output.
	RequireJSONOutput = Requirement{
		Name:  string(CapabilityJSONOutput),
		Match: func(m Model) bool { return m.HasCapability(CapabilityJSONOutput) },
	}
	// RequireStreaming keeps models that can stream.
	RequireStreaming = Requirement{
		Name:  "streaming",
		Match: func(m Model) bool { return m.SupportsStreaming },
	}
)

// Satisfies reports whether the model meets every requirement.
func (m Model) Satisfies(reqs []Requirement) bool {
	for _, r := range reqs {
		if !r.Match(m) {
			return false
		}
	}
	return true
}

// BlendedCost is the sum of the per-1k input and output prices.
func (m Model) BlendedCost() float64 {
	return m.CostPer1kInput + m.CostPer1kOutput
}

// ProviderInfo describes a registered provider and the models it owns.
type ProviderInfo struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Models []Model `json:"models"`
}

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// ResponseFormat selects free text or JSON output.
type ResponseFormat string

const (
	ResponseFormatText ResponseFormat = "text"
	ResponseFormatJSON ResponseFormat = "json"
)

// CompletionRequest represents a unified completion request. It is owned by
// the caller and treated as immutable once submitted.
type CompletionRequest struct {
	Messages       []Message      `json:"messages" validate:"required,min=1,dive"`
	ExplicitModel  string         `json:"model,omitempty"`
	UseCase        string         `json:"use_case,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      *int           `json:"max_tokens,omitempty" validate:"omitempty,gte=1"`
	ResponseFormat ResponseFormat `json:"response_format,omitempty" validate:"omitempty,oneof=text json"`
	RequestID      string         `json:"request_id,omitempty"`
}

// LastUserMessage returns the content of the most recent user message.
func (r CompletionRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Format returns the response format, defaulting to text.
func (r CompletionRequest) Format() ResponseFormat {
	if r.ResponseFormat == "" {
		return ResponseFormatText
	}
	return r.ResponseFormat
}

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishReasonStop   FinishReason = "stop"
	FinishReasonLength FinishReason = "length"
	FinishReasonError  FinishReason = "error"
)

// Usage represents token usage statistics.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CompletionResult is the normalized outcome of a completion.
type CompletionResult struct {
	ID           string       `json:"id"`
	RequestID    string       `json:"request_id,omitempty"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	LatencyMs    int64        `json:"latency_ms"`
	Attempts     int          `json:"attempts"`
}

// CostUSD prices the result's token usage with the model's rates.
func (r CompletionResult) CostUSD(m Model) float64 {
	return float64(r.Usage.InputTokens)*m.CostPer1kInput/1000 +
		float64(r.Usage.OutputTokens)*m.CostPer1kOutput/1000
}

// StreamChunk is one increment of a streamed completion.
type StreamChunk struct {
	RequestID    string       `json:"request_id"`
	Content      string       `json:"content"`
	IsFirst      bool         `json:"is_first"`
	IsLast       bool         `json:"is_last"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// HealthState is the health of one (provider, model) pair.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// Rank orders states from best to worst.
func (s HealthState) Rank() int {
	switch s {
	case HealthStateHealthy:
		return 0
	case HealthStateDegraded:
		return 1
	default:
		return 2
	}
}

// ProviderHealth represents the rolling health of a (provider, model) pair.
type ProviderHealth struct {
	Provider                string      `json:"provider"`
	Model                   string      `json:"model"`
	State                   HealthState `json:"state"`
	ConsecutiveFailures     int         `json:"consecutive_failures"`
	RollingAverageLatencyMs float64     `json:"rolling_average_latency_ms"`
	LatencySamples          int64       `json:"latency_samples"`
	LastCheckedAt           time.Time   `json:"last_checked_at"`
	LastError               string      `json:"last_error,omitempty"`
}

// UseCasePolicy maps a use case to required capabilities and a tier preference.
type UseCasePolicy struct {
	Name                 string       `json:"name"`
	RequiredCapabilities []Capability `json:"required_capabilities"`
	PreferredTiers       []Tier       `json:"preferred_tiers"`
}
