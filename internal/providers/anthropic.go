package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/semantrix/aigateway/internal/models"
	"go.uber.org/zap"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com/v1"
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 1024

	anthropicJSONInstruction = "Respond only with a single valid JSON object and no other text."
)

// AnthropicProvider implements the Provider interface for the Anthropic
// Messages API.
type AnthropicProvider struct {
	*BaseProvider
	transport *httpTransport
	baseURL   string
}

// NewAnthropicProvider creates a new Anthropic provider instance.
func NewAnthropicProvider(config ProviderConfig, logger *zap.Logger) Provider {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider(config, logger),
		transport:    newHTTPTransport(config),
		baseURL:      strings.TrimRight(baseURL, "/"),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Invoke creates a message using the Messages API.
func (p *AnthropicProvider) Invoke(ctx context.Context, model models.Model, req models.CompletionRequest) (*RawResult, error) {
	var resp anthropicResponse
	err := p.transport.postJSON(ctx, p.baseURL+"/messages", p.headers(), p.convertRequest(model, req, false), &resp)
	if err != nil {
		return nil, classify(ctx, p.Name(), model.ID, err)
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return &RawResult{
		ID:           resp.ID,
		Content:      text.String(),
		FinishReason: normalizeFinishReason(resp.StopReason),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Stream creates a streaming message.
func (p *AnthropicProvider) Stream(ctx context.Context, model models.Model, req models.CompletionRequest) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := p.transport.do(ctx, p.baseURL+"/messages", p.headers(), p.convertRequest(model, req, true), true)
	if err != nil {
		cancel()
		return nil, classify(ctx, p.Name(), model.ID, err)
	}

	return &httpStream{
		ctx:      ctx,
		cancel:   cancel,
		reader:   newSSEReader(resp.Body),
		provider: p.Name(),
		model:    model.ID,
		decode:   decodeAnthropicEvent,
	}, nil
}

func decodeAnthropicEvent(payload string) (Delta, bool, bool, error) {
	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Delta{}, false, false, fmt.Errorf("failed to decode stream event: %w", err)
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta == nil {
			return Delta{}, true, false, nil
		}
		return Delta{Content: event.Delta.Text}, false, false, nil
	case "message_delta":
		if event.Delta == nil || event.Delta.StopReason == "" {
			return Delta{}, true, false, nil
		}
		return Delta{FinishReason: normalizeFinishReason(event.Delta.StopReason)}, false, false, nil
	case "message_stop":
		return Delta{}, true, true, nil
	case "error":
		msg := "stream error"
		if event.Error != nil {
			msg = event.Error.Type + ": " + event.Error.Message
		}
		return Delta{}, false, false, fmt.Errorf("%s", msg)
	default:
		return Delta{}, true, false, nil
	}
}

// Close performs cleanup for the Anthropic provider.
func (p *AnthropicProvider) Close() error {
	p.transport.close()
	return p.BaseProvider.Close()
}

func (p *AnthropicProvider) headers() map[string]string {
	version := defaultAnthropicVersion
	if v, ok := p.config.Options["version"]; ok {
		version = v
	}
	return map[string]string{
		"x-api-key":         p.config.APIKey,
		"anthropic-version": version,
	}
}

// convertRequest converts our unified request to the Anthropic format.
// System messages are lifted into the top-level system prompt.
func (p *AnthropicProvider) convertRequest(model models.Model, req models.CompletionRequest, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:       model.ID,
		MaxTokens:   intValue(req.MaxTokens),
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = model.MaxOutputTokens
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultAnthropicMaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: string(msg.Role), Content: msg.Content})
	}
	if req.Format() == models.ResponseFormatJSON {
		system = append(system, anthropicJSONInstruction)
	}
	out.System = strings.Join(system, "\n\n")
	return out
}
