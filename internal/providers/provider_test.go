package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/semantrix/aigateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func userRequest(content string) models.CompletionRequest {
	return models.CompletionRequest{Messages: []models.Message{{Role: models.RoleUser, Content: content}}}
}

func drain(t *testing.T, s Stream) (string, models.FinishReason) {
	t.Helper()
	var (
		b      strings.Builder
		finish models.FinishReason
	)
	for {
		d, err := s.Recv()
		if err == io.EOF {
			return b.String(), finish
		}
		require.NoError(t, err)
		b.WriteString(d.Content)
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
	}
}

func TestOpenAIProvider_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Equal(t, map[string]interface{}{"type": "json_object"}, body["response_format"])

		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"choices": [{"message": {"role": "assistant", "content": "{\"a\":1}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 12}
		}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider(ProviderConfig{Name: "openai", Type: "openai", APIKey: "test-key", BaseURL: server.URL + "/v1"}, zaptest.NewLogger(t))
	defer p.Close()

	req := userRequest("Hi")
	req.ResponseFormat = models.ResponseFormatJSON
	res, err := p.Invoke(context.Background(), models.Model{ID: "gpt-4o-mini", Provider: "openai"}, req)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-123", res.ID)
	assert.Equal(t, `{"a":1}`, res.Content)
	assert.Equal(t, models.FinishReasonStop, res.FinishReason)
	assert.Equal(t, 9, res.InputTokens)
	assert.Equal(t, 12, res.OutputTokens)
}

func TestOpenAIProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   error
	}{
		{http.StatusTooManyRequests, models.ErrProviderRateLimit},
		{http.StatusUnauthorized, models.ErrProviderAuth},
		{http.StatusBadRequest, models.ErrProviderBadRequest},
		{http.StatusServiceUnavailable, models.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer server.Close()

			p := NewOpenAIProvider(ProviderConfig{Name: "openai", BaseURL: server.URL}, zaptest.NewLogger(t))
			_, err := p.Invoke(context.Background(), models.Model{ID: "m"}, userRequest("Hi"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var perr *models.ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.status, perr.StatusCode)
		})
	}
}

func TestOpenAIProvider_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"x","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider(ProviderConfig{Name: "openai", BaseURL: server.URL, MaxRetries: 2, RetryDelay: time.Millisecond}, zaptest.NewLogger(t))
	res, err := p.Invoke(context.Background(), models.Model{ID: "m"}, userRequest("Hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOpenAIProvider_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	p := NewOpenAIProvider(ProviderConfig{Name: "openai", BaseURL: server.URL}, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Invoke(ctx, models.Model{ID: "m"}, userRequest("Hi"))
	assert.ErrorIs(t, err, models.ErrProviderTimeout)
}

func TestOpenAIProvider_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"choices":[{"delta":{"role":"assistant"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"content":"Hello"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"content":" world"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{},"finish_reason":"length"}]}`,
			`[DONE]`,
		} {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	defer server.Close()

	p := NewOpenAIProvider(ProviderConfig{Name: "openai", BaseURL: server.URL}, zaptest.NewLogger(t))
	s, err := p.Stream(context.Background(), models.Model{ID: "m"}, userRequest("Hi"))
	require.NoError(t, err)
	defer s.Close()

	text, finish := drain(t, s)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, models.FinishReasonLength, finish)
}

func TestAnthropicProvider_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, defaultAnthropicVersion, r.Header.Get("anthropic-version"))

		var body anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body.System, "be brief")
		assert.Contains(t, body.System, anthropicJSONInstruction)
		assert.Equal(t, 512, body.MaxTokens)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "user", body.Messages[0].Role)

		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"content": [{"type": "text", "text": "{\"ok\":"}, {"type": "text", "text": "true}"}],
			"stop_reason": "max_tokens",
			"usage": {"input_tokens": 4, "output_tokens": 2}
		}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider(ProviderConfig{Name: "anthropic", APIKey: "secret", BaseURL: server.URL}, zaptest.NewLogger(t))
	req := models.CompletionRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "Hi"},
		},
		ResponseFormat: models.ResponseFormatJSON,
	}
	res, err := p.Invoke(context.Background(), models.Model{ID: "claude", MaxOutputTokens: 512}, req)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, res.Content)
	assert.Equal(t, models.FinishReasonLength, res.FinishReason)
	assert.Equal(t, 4, res.InputTokens)
}

func TestAnthropicProvider_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"id":"msg_1"}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			_, _ = fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer server.Close()

	p := NewAnthropicProvider(ProviderConfig{Name: "anthropic", BaseURL: server.URL}, zaptest.NewLogger(t))
	s, err := p.Stream(context.Background(), models.Model{ID: "claude"}, userRequest("Hi"))
	require.NoError(t, err)
	defer s.Close()

	text, finish := drain(t, s)
	assert.Equal(t, "Hi there", text)
	assert.Equal(t, models.FinishReasonStop, finish)
}

func TestAnthropicProvider_StreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hi\"}}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	p := NewAnthropicProvider(ProviderConfig{Name: "anthropic", BaseURL: server.URL}, zaptest.NewLogger(t))
	s, err := p.Stream(context.Background(), models.Model{ID: "claude"}, userRequest("Hi"))
	require.NoError(t, err)
	defer s.Close()

	d, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Hi", d.Content)

	_, err = s.Recv()
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
}

func TestStubProvider(t *testing.T) {
	p := NewStubProvider(ProviderConfig{Name: "local", Type: "stub"}, zaptest.NewLogger(t))
	model := models.Model{ID: "echo", Provider: "local"}
	req := userRequest("the quick brown fox")

	res, err := p.Invoke(context.Background(), model, req)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", res.Content)
	assert.Equal(t, models.FinishReasonStop, res.FinishReason)

	s, err := p.Stream(context.Background(), model, req)
	require.NoError(t, err)
	text, finish := drain(t, s)
	assert.Equal(t, res.Content, text)
	assert.Equal(t, models.FinishReasonStop, finish)

	two := 2
	req.MaxTokens = &two
	res, err = p.Invoke(context.Background(), model, req)
	require.NoError(t, err)
	assert.Equal(t, "the quick ", res.Content)
	assert.Equal(t, models.FinishReasonLength, res.FinishReason)

	p.(*StubProvider).FailWith(errors.New("down"))
	_, err = p.Invoke(context.Background(), model, req)
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(ProviderConfig{Name: "x", Type: "carrier-pigeon"}, zaptest.NewLogger(t))
	assert.Error(t, err)

	p, err := New(ProviderConfig{Name: "x", Type: "stub"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "x", p.Name())
}

func TestProviderConfig_CatalogEntry(t *testing.T) {
	cfg := ProviderConfig{
		Name: "openai",
		Type: "openai",
		Models: []ModelConfig{
			{ID: "gpt-4o", Tier: "premium", Capabilities: []string{"chat", "vision"}, SupportsStreaming: true},
		},
	}
	info, err := cfg.CatalogEntry()
	require.NoError(t, err)
	require.Len(t, info.Models, 1)
	assert.Equal(t, "openai", info.Models[0].Provider)
	assert.Equal(t, "gpt-4o", info.Models[0].DisplayName)
	assert.True(t, info.Models[0].HasCapability(models.CapabilityVision))

	cfg.Models[0].Capabilities = []string{"teleport"}
	_, err = cfg.CatalogEntry()
	assert.ErrorIs(t, err, models.ErrValidation)
}
