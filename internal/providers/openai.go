package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/semantrix/aigateway/internal/models"
	"go.uber.org/zap"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements the Provider interface for OpenAI-compatible
// chat completion APIs.
type OpenAIProvider struct {
	*BaseProvider
	transport *httpTransport
	baseURL   string
}

// NewOpenAIProvider creates a new OpenAI provider instance.
func NewOpenAIProvider(config ProviderConfig, logger *zap.Logger) Provider {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(config, logger),
		transport:    newHTTPTransport(config),
		baseURL:      strings.TrimRight(baseURL, "/"),
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    *float64              `json:"temperature,omitempty"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Stream         bool                  `json:"stream,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Invoke creates a chat completion using the chat completions API.
func (p *OpenAIProvider) Invoke(ctx context.Context, model models.Model, req models.CompletionRequest) (*RawResult, error) {
	var resp openAIResponse
	err := p.transport.postJSON(ctx, p.baseURL+"/chat/completions", p.headers(), p.convertRequest(model, req, false), &resp)
	if err != nil {
		return nil, classify(ctx, p.Name(), model.ID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, models.NewProviderError(models.ErrProviderUnavailable, p.Name(), model.ID, 0, fmt.Errorf("response contained no choices"))
	}

	choice := resp.Choices[0]
	return &RawResult{
		ID:           resp.ID,
		Content:      choice.Message.Content,
		FinishReason: normalizeFinishReason(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Stream creates a streaming chat completion.
func (p *OpenAIProvider) Stream(ctx context.Context, model models.Model, req models.CompletionRequest) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := p.transport.do(ctx, p.baseURL+"/chat/completions", p.headers(), p.convertRequest(model, req, true), true)
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
		decode:   decodeOpenAIChunk,
	}, nil
}

func decodeOpenAIChunk(payload string) (Delta, bool, bool, error) {
	if payload == "[DONE]" {
		return Delta{}, true, true, nil
	}

	var chunk openAIStreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return Delta{}, false, false, fmt.Errorf("failed to decode stream chunk: %w", err)
	}
	if len(chunk.Choices) == 0 {
		return Delta{}, true, false, nil
	}

	choice := chunk.Choices[0]
	delta := Delta{Content: choice.Delta.Content}
	if choice.FinishReason != nil {
		delta.FinishReason = normalizeFinishReason(*choice.FinishReason)
	}
	return delta, false, false, nil
}

// Close performs cleanup for the OpenAI provider.
func (p *OpenAIProvider) Close() error {
	p.transport.close()
	return p.BaseProvider.Close()
}

func (p *OpenAIProvider) headers() map[string]string {
	headers := map[string]string{}
	if p.config.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.config.APIKey
	}
	if org, ok := p.config.Options["organization"]; ok {
		headers["OpenAI-Organization"] = org
	}
	return headers
}

// convertRequest converts our unified request to the OpenAI format.
func (p *OpenAIProvider) convertRequest(model models.Model, req models.CompletionRequest, stream bool) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openAIMessage{Role: string(msg.Role), Content: msg.Content}
	}

	out := openAIRequest{
		Model:       model.ID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if req.Format() == models.ResponseFormatJSON {
		out.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}
	return out
}
