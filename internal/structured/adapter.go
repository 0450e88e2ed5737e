package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/observability"
	"go.uber.org/zap"
)

// DefaultUseCase is the routing policy used when Options.UseCase is empty.
const DefaultUseCase = "extraction"

// Completer runs single-shot completions.
type Completer interface {
	Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResult, error)
}

// Options tune a structured generation.
type Options struct {
	UseCase     string
	Model       string
	Temperature *float64
	MaxTokens   *int
	RequestID   string
}

// Result is a generated value. Fallback is set when the model output could
// not be parsed and Value was built from the raw text instead.
type Result struct {
	Value    map[string]any `json:"value"`
	Raw      string         `json:"raw"`
	Fallback bool           `json:"fallback"`
	Model    string         `json:"model"`
	Provider string         `json:"provider"`
	Attempts int            `json:"attempts"`
}

// Adapter generates schema-conforming values.
type Adapter struct {
	completer Completer
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewAdapter creates a structured output adapter over completer.
func NewAdapter(completer Completer, logger *zap.Logger, metrics *observability.Metrics) *Adapter {
	return &Adapter{completer: completer, metrics: metrics, logger: logger}
}

// Generate asks for a JSON value matching schema.
//
// Output that cannot be parsed or does not match the schema is retried once
// with a stricter instruction. If that also fails the result is the
// schema's fallback value and Fallback is set; parse failures are never
// returned as errors. Completion errors are.
func (a *Adapter) Generate(ctx context.Context, prompt string, schema *Schema, opts Options) (*Result, error) {
	if schema == nil {
		return nil, models.NewValidationError("schema", "schema is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, models.NewValidationError("prompt", "prompt is required")
	}
	if opts.UseCase == "" && opts.Model == "" {
		opts.UseCase = DefaultUseCase
	}

	var (
		res      *models.CompletionResult
		parseErr error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		instruction := instructionFor(schema)
		if attempt > 1 {
			instruction = stricterInstructionFor(schema, parseErr)
		}

		var err error
		res, err = a.completer.Complete(ctx, a.request(prompt, instruction, opts))
		if err != nil {
			return nil, err
		}

		value, err := Parse(res.Content, schema)
		if err == nil {
			return &Result{
				Value:    value,
				Raw:      res.Content,
				Model:    res.Model,
				Provider: res.Provider,
				Attempts: attempt,
			}, nil
		}
		parseErr = err
		a.logger.Debug("Structured output did not parse",
			zap.Int("attempt", attempt),
			zap.String("model", res.Model),
			zap.Error(err))
	}

	raw := strings.TrimSpace(res.Content)
	a.metrics.RecordStructuredFallback(opts.UseCase)
	a.logger.Warn("Using structured fallback value",
		zap.String("use_case", opts.UseCase),
		zap.String("provider", res.Provider),
		zap.String("model", res.Model),
		zap.Error(parseErr))
	return &Result{
		Value:    schema.Fallback(raw),
		Raw:      raw,
		Fallback: true,
		Model:    res.Model,
		Provider: res.Provider,
		Attempts: 2,
	}, nil
}

func (a *Adapter) request(prompt, instruction string, opts Options) models.CompletionRequest {
	return models.CompletionRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: instruction},
			{Role: models.RoleUser, Content: prompt},
		},
		ExplicitModel:  opts.Model,
		UseCase:        opts.UseCase,
		Temperature:    opts.Temperature,
		MaxTokens:      opts.MaxTokens,
		ResponseFormat: models.ResponseFormatJSON,
		RequestID:      opts.RequestID,
	}
}

func instructionFor(schema *Schema) string {
	return "Respond with a JSON object that conforms to this JSON schema:\n" + schema.String()
}

func stricterInstructionFor(schema *Schema, parseErr error) string {
	return fmt.Sprintf("Your previous reply could not be used (%v). Reply with ONLY a raw JSON object, "+
		"without markdown, code fences or commentary. Every required field must be present and use "+
		"the declared type. Schema:\n%s", parseErr, schema.String())
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\r?\n?(.*?)```")

// Extract strips common wrapping around a JSON object: code fences and
// leading or trailing prose. The first complete object wins, so braces in
// the surrounding prose are ignored.
func Extract(text string) string {
	text = strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	for off := 0; off < len(text); {
		start := strings.IndexByte(text[off:], '{')
		if start < 0 {
			break
		}
		start += off
		var obj json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&obj); err == nil {
			return string(obj)
		}
		off = start + 1
	}
	if start := strings.IndexByte(text, '{'); start >= 0 {
		if end := strings.LastIndexByte(text, '}'); end > start {
			return text[start : end+1]
		}
	}
	return text
}

// Parse extracts and decodes a JSON object from text and validates it against schema.
func Parse(text string, schema *Schema) (map[string]any, error) {
	var value map[string]any
	if err := json.Unmarshal([]byte(Extract(text)), &value); err != nil {
		return nil, &SchemaError{Path: "$", Reason: "invalid JSON: " + err.Error()}
	}
	if value == nil {
		return nil, &SchemaError{Path: "$", Reason: "expected object"}
	}
	if err := schema.Validate(value); err != nil {
		return nil, err
	}
	return value, nil
}

// Decode converts the generated value into v, typically a pointer to a struct.
func Decode(res *Result, v any) error {
	data, err := json.Marshal(res.Value)
	if err != nil {
		return fmt.Errorf("failed to encode structured value: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode structured value: %w", err)
	}
	return nil
}
