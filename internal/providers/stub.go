package providers

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/semantrix/aigateway/internal/models"
	"go.uber.org/zap"
)

// StubProvider is a deterministic local backend. It echoes the last user
// message and streams it back word by word.
//
// Options:
//
//	latency: delay before answering, e.g. "50ms"
//	prefix:  text prepended to every answer
type StubProvider struct {
	*BaseProvider
	latency time.Duration
	prefix  string

	mu      sync.Mutex
	failErr error
}

// NewStubProvider creates a new stub provider instance.
func NewStubProvider(config ProviderConfig, logger *zap.Logger) Provider {
	p := &StubProvider{BaseProvider: NewBaseProvider(config, logger)}
	if raw, ok := config.Options["latency"]; ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			p.logger.Warn("Ignoring invalid stub latency", zap.String("latency", raw), zap.Error(err))
		} else {
			p.latency = d
		}
	}
	p.prefix = config.Options["prefix"]
	return p
}

// FailWith makes every subsequent call fail with err until called with nil.
func (p *StubProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

func (p *StubProvider) failure(model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr == nil {
		return nil
	}
	return models.NewProviderError(models.ErrProviderUnavailable, p.Name(), model, 0, p.failErr)
}

func (p *StubProvider) wait(ctx context.Context, model string) error {
	if p.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(p.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return models.NewProviderError(models.ErrProviderTimeout, p.Name(), model, 0, ctx.Err())
		}
		return ctx.Err()
	}
}

// answer builds the deterministic reply and its finish reason.
func (p *StubProvider) answer(req models.CompletionRequest) ([]string, models.FinishReason) {
	text := p.prefix + req.LastUserMessage()
	if req.Format() == models.ResponseFormatJSON {
		encoded, _ := json.Marshal(map[string]string{"text": text})
		return []string{string(encoded)}, models.FinishReasonStop
	}

	words := splitWords(text)
	if req.MaxTokens != nil && len(words) > *req.MaxTokens {
		return words[:*req.MaxTokens], models.FinishReasonLength
	}
	return words, models.FinishReasonStop
}

// Invoke answers with the echoed prompt.
func (p *StubProvider) Invoke(ctx context.Context, model models.Model, req models.CompletionRequest) (*RawResult, error) {
	if err := p.wait(ctx, model.ID); err != nil {
		return nil, err
	}
	if err := p.failure(model.ID); err != nil {
		return nil, err
	}

	parts, finish := p.answer(req)
	inputTokens := 0
	for _, m := range req.Messages {
		inputTokens += len(strings.Fields(m.Content))
	}
	return &RawResult{
		ID:           "stub-" + uuid.NewString(),
		Content:      strings.Join(parts, ""),
		FinishReason: finish,
		InputTokens:  inputTokens,
		OutputTokens: len(parts),
	}, nil
}

// Stream answers with the echoed prompt, one word per delta.
func (p *StubProvider) Stream(ctx context.Context, model models.Model, req models.CompletionRequest) (Stream, error) {
	if err := p.wait(ctx, model.ID); err != nil {
		return nil, err
	}
	if err := p.failure(model.ID); err != nil {
		return nil, err
	}

	parts, finish := p.answer(req)
	return &stubStream{ctx: ctx, parts: parts, finish: finish}, nil
}

type stubStream struct {
	ctx    context.Context
	parts  []string
	finish models.FinishReason
	pos    int
	closed atomic.Bool
}

func (s *stubStream) Recv() (Delta, error) {
	if s.closed.Load() || s.pos > len(s.parts) {
		return Delta{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return Delta{}, err
	}
	if s.pos == len(s.parts) {
		s.pos++
		return Delta{FinishReason: s.finish}, nil
	}
	d := Delta{Content: s.parts[s.pos]}
	s.pos++
	return d, nil
}

func (s *stubStream) Close() error {
	s.closed.Store(true)
	return nil
}

// splitWords splits text into words that keep their trailing whitespace, so
// concatenating the parts yields text again.
func splitWords(text string) []string {
	var (
		parts []string
		start int
	)
	inSpace := false
	for i, r := range text {
		isSpace := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !isSpace {
			parts = append(parts, text[start:i])
			start = i
		}
		inSpace = isSpace
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}
