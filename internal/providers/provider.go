package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/semantrix/aigateway/internal/models"
	"go.uber.org/zap"
)

// Provider defines the interface that all LLM backends must implement.
// Implementations classify their failures as *models.ProviderError.
type Provider interface {
	// Name returns the unique name identifier for this provider.
	Name() string

	// Invoke performs a single-shot completion against model.
	Invoke(ctx context.Context, model models.Model, req models.CompletionRequest) (*RawResult, error)

	// Stream opens an incremental completion against model. Cancelling ctx
	// or closing the stream aborts the upstream request.
	Stream(ctx context.Context, model models.Model, req models.CompletionRequest) (Stream, error)

	// Close performs any necessary cleanup when the provider is no longer needed.
	Close() error
}

// Stream yields upstream deltas. Recv returns io.EOF once the upstream is done.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// RawResult is a provider response before normalization by the executor.
type RawResult struct {
	ID           string
	Content      string
	FinishReason models.FinishReason
	InputTokens  int
	OutputTokens int
}

// Delta is one upstream increment. FinishReason is set on the delta that
// carries the provider's finish signal.
type Delta struct {
	Content      string
	FinishReason models.FinishReason
}

// ProviderConfig holds common configuration for all providers.
type ProviderConfig struct {
	Name       string            `mapstructure:"name"`
	Type       string            `mapstructure:"type"`
	APIKey     string            `mapstructure:"api_key"`
	BaseURL    string            `mapstructure:"base_url"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	MaxRetries int               `mapstructure:"max_retries"`
	RetryDelay time.Duration     `mapstructure:"retry_delay"`
	Disabled   bool              `mapstructure:"disabled"`
	Options    map[string]string `mapstructure:"options"`
	Models     []ModelConfig     `mapstructure:"models"`
}

// ModelConfig declares one model served by a provider.
type ModelConfig struct {
	ID                string   `mapstructure:"id"`
	DisplayName       string   `mapstructure:"display_name"`
	Tier              string   `mapstructure:"tier"`
	Capabilities      []string `mapstructure:"capabilities"`
	ContextLength     int      `mapstructure:"context_length"`
	MaxOutputTokens   int      `mapstructure:"max_output_tokens"`
	SupportsStreaming bool     `mapstructure:"supports_streaming"`
	CostPer1kInput    float64  `mapstructure:"cost_per_1k_input"`
	CostPer1kOutput   float64  `mapstructure:"cost_per_1k_output"`
}

// CatalogEntry converts the configuration into its catalog description.
func (c ProviderConfig) CatalogEntry() (models.ProviderInfo, error) {
	info := models.ProviderInfo{Name: c.Name, Type: c.Type}
	for _, mc := range c.Models {
		tier, err := models.ParseTier(mc.Tier)
		if err != nil {
			return info, fmt.Errorf("provider %s model %s: %w", c.Name, mc.ID, err)
		}
		caps := make([]models.Capability, 0, len(mc.Capabilities))
		for _, raw := range mc.Capabilities {
			capability, err := models.ParseCapability(raw)
			if err != nil {
				return info, fmt.Errorf("provider %s model %s: %w", c.Name, mc.ID, err)
			}
			caps = append(caps, capability)
		}
		display := mc.DisplayName
		if display == "" {
			display = mc.ID
		}
		info.Models = append(info.Models, models.Model{
			ID:                mc.ID,
			Provider:          c.Name,
			DisplayName:       display,
			Tier:              tier,
			Capabilities:      caps,
			ContextLength:     mc.ContextLength,
			MaxOutputTokens:   mc.MaxOutputTokens,
			SupportsStreaming: mc.SupportsStreaming,
			CostPer1kInput:    mc.CostPer1kInput,
			CostPer1kOutput:   mc.CostPer1kOutput,
		})
	}
	return info, nil
}

// BaseProvider provides common functionality for all providers.
type BaseProvider struct {
	config ProviderConfig
	logger *zap.Logger
}

// NewBaseProvider creates a new base provider with the given configuration.
func NewBaseProvider(config ProviderConfig, logger *zap.Logger) *BaseProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BaseProvider{
		config: config,
		logger: logger.With(zap.String("provider", config.Name)),
	}
}

// Name returns the provider name.
func (p *BaseProvider) Name() string {
	return p.config.Name
}

// Config returns the provider configuration.
func (p *BaseProvider) Config() ProviderConfig {
	return p.config
}

// Close performs cleanup for the base provider.
func (p *BaseProvider) Close() error {
	return nil
}

// New creates the provider implementation for config.Type.
func New(config ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch config.Type {
	case "openai":
		return NewOpenAIProvider(config, logger), nil
	case "anthropic":
		return NewAnthropicProvider(config, logger), nil
	case "stub":
		return NewStubProvider(config, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q for provider %s", config.Type, config.Name)
	}
}

func normalizeFinishReason(raw string) models.FinishReason {
	switch raw {
	case "":
		return ""
	case "length", "max_tokens":
		return models.FinishReasonLength
	default:
		return models.FinishReasonStop
	}
}
