package streaming

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/observability"
	"github.com/semantrix/aigateway/internal/providers"
	"github.com/semantrix/aigateway/internal/querylog"
	"github.com/semantrix/aigateway/internal/router/health"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Stream outcomes reported to metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// CandidateSource ranks the models able to serve a request.
type CandidateSource interface {
	Candidates(req models.CompletionRequest, extra ...models.Requirement) ([]models.Model, error)
}

// Pipeline opens streamed completions against a single candidate.
type Pipeline struct {
	candidates CandidateSource
	providers  map[string]providers.Provider
	registry   *health.Registry
	queryLog   querylog.Logger
	metrics    *observability.Metrics
	tracing    *observability.Tracing
	logger     *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithQueryLog records one query per stream into l.
func WithQueryLog(l querylog.Logger) Option {
	return func(p *Pipeline) { p.queryLog = l }
}

// WithMetrics enables metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracing enables spans.
func WithTracing(t *observability.Tracing) Option {
	return func(p *Pipeline) { p.tracing = t }
}

// NewPipeline creates a streaming pipeline.
func NewPipeline(candidates CandidateSource, provs map[string]providers.Provider, registry *health.Registry, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		candidates: candidates,
		providers:  provs,
		registry:   registry,
		queryLog:   querylog.NopLogger{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream opens a streamed completion. Exactly one candidate is used: the
// first ranked model that supports streaming. An upstream failure is never
// retried on another provider.
//
// The returned stream must be closed. Cancelling ctx closes it as well.
func (p *Pipeline) Stream(ctx context.Context, req models.CompletionRequest) (*Stream, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	model, err := p.selectModel(req)
	if err != nil {
		p.logQuery(ctx, req, models.Model{}, err, start)
		return nil, err
	}

	provider, ok := p.providers[model.Provider]
	if !ok {
		err := models.NewProviderError(models.ErrProviderUnavailable, model.Provider, model.ID, 0, errors.New("provider is not configured"))
		p.registry.RecordFailure(model.Provider, model.ID, err)
		p.logQuery(ctx, req, model, err, start)
		return nil, err
	}

	spanCtx, span := p.tracing.StartSpanWithAttributes(ctx, "completion.stream", map[string]string{
		"request_id": req.RequestID,
		"provider":   model.Provider,
		"model":      model.ID,
	})
	streamCtx, cancel := context.WithCancel(spanCtx)

	upstream, err := provider.Stream(streamCtx, model, req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			span.End()
			return nil, ctx.Err()
		}
		err = classify(model, req.RequestID, err)
		p.registry.RecordFailure(model.Provider, model.ID, err)
		p.metrics.RecordProviderError(model.Provider, models.ErrorType(err))
		p.metrics.RecordStream(model.Provider, model.ID, OutcomeFailed)
		p.tracing.RecordError(spanCtx, err, nil)
		span.End()
		p.logQuery(ctx, req, model, err, start)
		return nil, err
	}

	s := &Stream{
		pipeline: p,
		req:      req,
		model:    model,
		upstream: upstream,
		parent:   ctx,
		ctx:      streamCtx,
		cancel:   cancel,
		span:     span,
		start:    start,
	}
	// Consumer cancellation releases the upstream even when nobody calls Next.
	s.stopWatch = context.AfterFunc(ctx, func() { s.finish(OutcomeCancelled, nil) })

	p.logger.Debug("Stream opened",
		zap.String("request_id", req.RequestID),
		zap.String("provider", model.Provider),
		zap.String("model", model.ID))
	return s, nil
}

func (p *Pipeline) selectModel(req models.CompletionRequest) (models.Model, error) {
	candidates, err := p.candidates.Candidates(req, models.RequireStreaming)
	if err != nil {
		return models.Model{}, err
	}
	if len(candidates) == 0 {
		return models.Model{}, &models.NoCandidateModelsError{UseCase: req.UseCase, Required: []models.Capability{models.Capability(models.RequireStreaming.Name)}}
	}
	return candidates[0], nil
}

func classify(model models.Model, requestID string, err error) error {
	var perr *models.ProviderError
	if errors.As(err, &perr) {
		if perr.RequestID == "" {
			perr.RequestID = requestID
		}
		return err
	}
	perr = models.NewProviderError(models.ClassifyTransportError(err), model.Provider, model.ID, 0, err)
	perr.RequestID = requestID
	return perr
}

func (p *Pipeline) logQuery(ctx context.Context, req models.CompletionRequest, model models.Model, err error, start time.Time) {
	q := querylog.QueryLog{
		ID:        uuid.NewString(),
		RequestID: req.RequestID,
		CreatedAt: start.UTC(),
		UserKey:   querylog.UserKeyFromContext(ctx),
		UseCase:   req.UseCase,
		Provider:  model.Provider,
		Model:     model.ID,
		Streamed:  true,
		Success:   err == nil,
		Attempts:  1,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		q.ErrorType = models.ErrorType(err)
	}
	if model.ID == "" {
		q.Attempts = 0
	}
	if lerr := p.queryLog.LogQuery(context.WithoutCancel(ctx), q); lerr != nil {
		p.logger.Warn("Failed to record query", zap.String("request_id", req.RequestID), zap.Error(lerr))
	}
}

// Stream is one streamed completion: a finite, ordered sequence of chunks
// that cannot be restarted. Next is not safe for concurrent use; Close may
// be called from any goroutine.
type Stream struct {
	pipeline  *Pipeline
	req       models.CompletionRequest
	model     models.Model
	upstream  providers.Stream
	parent    context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	span      trace.Span
	start     time.Time
	stopWatch func() bool

	emitted    int
	firstChunk time.Duration
	done       bool

	closed     atomic.Bool
	finishOnce sync.Once
}

// RequestID identifies the request the stream serves.
func (s *Stream) RequestID() string { return s.req.RequestID }

// Model is the model serving the stream.
func (s *Stream) Model() models.Model { return s.model }

// Next returns the next chunk. After the terminal chunk it returns io.EOF.
//
// A mid-stream upstream failure is reported once as a
// *models.StreamTerminatedError, followed by io.EOF. If the consumer's
// context is cancelled Next returns its error.
func (s *Stream) Next() (models.StreamChunk, error) {
	if s.done || s.closed.Load() {
		return models.StreamChunk{}, io.EOF
	}

	for {
		delta, err := s.upstream.Recv()
		if errors.Is(err, io.EOF) {
			// Upstream ended without a finish signal.
			chunk := s.chunk("")
			chunk.IsLast = true
			chunk.FinishReason = models.FinishReasonStop
			s.done = true
			s.finish(OutcomeCompleted, nil)
			return chunk, nil
		}
		if err != nil {
			s.done = true
			return models.StreamChunk{}, s.fail(err)
		}

		if delta.FinishReason != "" {
			chunk := s.chunk(delta.Content)
			chunk.IsLast = true
			chunk.FinishReason = delta.FinishReason
			s.done = true
			s.finish(OutcomeCompleted, nil)
			return chunk, nil
		}
		if delta.Content == "" {
			continue
		}
		return s.chunk(delta.Content), nil
	}
}

func (s *Stream) chunk(content string) models.StreamChunk {
	if s.emitted == 0 {
		s.firstChunk = time.Since(s.start)
	}
	c := models.StreamChunk{
		RequestID: s.req.RequestID,
		Content:   content,
		IsFirst:   s.emitted == 0,
	}
	s.emitted++
	s.pipeline.metrics.RecordStreamChunk(s.model.Provider, s.model.ID)
	return c
}

func (s *Stream) fail(err error) error {
	if s.parent.Err() != nil {
		s.finish(OutcomeCancelled, nil)
		return s.parent.Err()
	}
	if s.closed.Load() {
		return io.EOF
	}

	err = classify(s.model, s.req.RequestID, err)
	terminated := &models.StreamTerminatedError{
		RequestID: s.req.RequestID,
		Provider:  s.model.Provider,
		Model:     s.model.ID,
		Err:       err,
	}
	s.finish(OutcomeFailed, terminated)
	return terminated
}

// Close cancels the upstream request and releases its connection. It is
// safe to call more than once and after the stream has ended.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.finish(OutcomeCancelled, nil)
	return nil
}

// Chunks iterates the stream. Breaking out of the loop closes the stream;
// an error, if any, is the last value yielded.
func (s *Stream) Chunks() iter.Seq2[models.StreamChunk, error] {
	return func(yield func(models.StreamChunk, error) bool) {
		defer s.Close()
		for {
			chunk, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

// finish runs once, with the outcome of whichever of completion, failure or
// cancellation happens first.
func (s *Stream) finish(outcome string, err error) {
	s.finishOnce.Do(func() {
		p := s.pipeline
		s.stopWatch()
		s.cancel()
		if cerr := s.upstream.Close(); cerr != nil {
			p.logger.Debug("Failed to close upstream stream", zap.String("request_id", s.req.RequestID), zap.Error(cerr))
		}

		switch outcome {
		case OutcomeCompleted:
			latency := s.firstChunk
			if s.emitted == 0 {
				latency = time.Since(s.start)
			}
			p.registry.RecordSuccess(s.model.Provider, s.model.ID, latency)
			p.metrics.RecordProviderLatency(s.model.Provider, s.model.ID, latency)
		case OutcomeFailed:
			p.registry.RecordFailure(s.model.Provider, s.model.ID, err)
			p.metrics.RecordProviderError(s.model.Provider, models.ErrorType(err))
			p.tracing.RecordError(s.ctx, err, nil)
			p.logger.Warn("Stream terminated by upstream",
				zap.String("request_id", s.req.RequestID),
				zap.String("provider", s.model.Provider),
				zap.String("model", s.model.ID),
				zap.Int("chunks", s.emitted),
				zap.Error(err))
		}
		p.metrics.RecordStream(s.model.Provider, s.model.ID, outcome)

		var logErr error
		switch outcome {
		case OutcomeFailed:
			logErr = err
		case OutcomeCancelled:
			logErr = context.Canceled
		}
		p.logQuery(s.parent, s.req, s.model, logErr, s.start)
		s.span.End()
	})
}
