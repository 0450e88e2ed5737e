package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/semantrix/aigateway/internal/models"
	"github.com/sethvargo/go-retry"
)

const maxErrorBody = 4 << 10

// UpstreamError represents a non-2xx response returned by a provider API.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	URL        string
}

func (e *UpstreamError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if body == "" {
		return fmt.Sprintf("upstream error: status %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("upstream error: status %d from %s: %s", e.StatusCode, e.URL, body)
}

// httpTransport sends JSON requests to a provider API with transport-level
// retries on 5xx and connection failures.
type httpTransport struct {
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

func newHTTPTransport(config ProviderConfig) *httpTransport {
	delay := config.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return &httpTransport{
		// Deadlines come from the request context so streams are not cut short.
		client:     &http.Client{},
		maxRetries: config.MaxRetries,
		retryDelay: delay,
	}
}

func (t *httpTransport) close() {
	t.client.CloseIdleConnections()
}

// do issues the request and returns the response once a 2xx status has been
// received. The caller owns the response body.
func (t *httpTransport) do(ctx context.Context, url string, headers map[string]string, body interface{}, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	var resp *http.Response
	backoff := retry.WithMaxRetries(uint64(t.maxRetries), retry.NewConstant(t.retryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if stream {
			req.Header.Set("Accept", "text/event-stream")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		r, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(fmt.Errorf("request failed: %w", err))
		}

		if r.StatusCode < 200 || r.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBody))
			_ = r.Body.Close()
			upstream := &UpstreamError{StatusCode: r.StatusCode, Body: respBody, URL: url}
			if r.StatusCode >= 500 {
				return retry.RetryableError(upstream)
			}
			return upstream
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// postJSON sends body and decodes the JSON response into out.
func (t *httpTransport) postJSON(ctx context.Context, url string, headers map[string]string, body, out interface{}) error {
	resp, err := t.do(ctx, url, headers, body, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classify converts a transport or upstream failure into a *models.ProviderError.
// Context cancellation by the caller passes through unchanged.
func classify(ctx context.Context, provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var perr *models.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return models.NewProviderError(models.ClassifyStatus(upstream.StatusCode), provider, model, upstream.StatusCode, upstream)
	}
	return models.NewProviderError(models.ClassifyTransportError(err), provider, model, 0, err)
}

// sseReader extracts the data payloads of a server-sent event stream.
type sseReader struct {
	scanner *bufio.Scanner
	body    io.ReadCloser
}

func newSSEReader(body io.ReadCloser) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &sseReader{scanner: scanner, body: body}
}

// next returns the next data payload, or io.EOF when the body is exhausted.
func (r *sseReader) next() (string, error) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *sseReader) close() error {
	return r.body.Close()
}

// httpStream adapts an SSE body to the Stream interface. decode turns one
// payload into a delta; it returns done once the upstream signalled the end.
type httpStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	reader   *sseReader
	provider string
	model    string
	decode   func(payload string) (delta Delta, skip, done bool, err error)
	done     bool
}

func (s *httpStream) Recv() (Delta, error) {
	for {
		if s.done {
			return Delta{}, io.EOF
		}
		payload, err := s.reader.next()
		if err != nil {
			if err == io.EOF {
				s.done = true
				return Delta{}, io.EOF
			}
			if s.ctx.Err() != nil {
				return Delta{}, s.ctx.Err()
			}
			return Delta{}, classify(s.ctx, s.provider, s.model, err)
		}

		delta, skip, done, err := s.decode(payload)
		if err != nil {
			return Delta{}, classify(s.ctx, s.provider, s.model, err)
		}
		if done {
			s.done = true
		}
		if skip {
			continue
		}
		return delta, nil
	}
}

func (s *httpStream) Close() error {
	s.cancel()
	return s.reader.close()
}

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
