package querylog

import (
	"context"
	"time"
)

// QueryLog is one served completion request.
type QueryLog struct {
	ID           string    `db:"id" json:"id"`
	RequestID    string    `db:"request_id" json:"request_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UserKey      string    `db:"user_key" json:"user_key,omitempty"`
	UseCase      string    `db:"use_case" json:"use_case"`
	Provider     string    `db:"provider" json:"provider"`
	Model        string    `db:"model" json:"model"`
	Streamed     bool      `db:"streamed" json:"streamed"`
	Success      bool      `db:"success" json:"success"`
	ErrorType    string    `db:"error_type" json:"error_type,omitempty"`
	Attempts     int       `db:"attempts" json:"attempts"`
	LatencyMs    int64     `db:"latency_ms" json:"latency_ms"`
	InputTokens  int       `db:"input_tokens" json:"input_tokens"`
	OutputTokens int       `db:"output_tokens" json:"output_tokens"`
	CostUSD      float64   `db:"cost_usd" json:"cost_usd"`
}

// ModelStats aggregates the log of one (provider, model) pair.
type ModelStats struct {
	Provider     string  `db:"provider" json:"provider"`
	Model        string  `db:"model" json:"model"`
	Requests     int64   `db:"requests" json:"requests"`
	Failures     int64   `db:"failures" json:"failures"`
	AvgLatencyMs float64 `db:"avg_latency_ms" json:"avg_latency_ms"`
	InputTokens  int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64   `db:"output_tokens" json:"output_tokens"`
	CostUSD      float64 `db:"cost_usd" json:"cost_usd"`
}

// Stats summarizes the query log.
type Stats struct {
	TotalRequests int64        `json:"total_requests"`
	Failures      int64        `json:"failures"`
	TotalCostUSD  float64      `json:"total_cost_usd"`
	ByModel       []ModelStats `json:"by_model"`
}

// Logger accepts query records. Implementations must not block the request path.
type Logger interface {
	LogQuery(ctx context.Context, q QueryLog) error
}

// Reader exposes the recorded queries.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]QueryLog, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Store persists query records.
type Store interface {
	Logger
	Reader
	LogBatch(ctx context.Context, batch []QueryLog) error
	Close() error
}

// NopLogger discards every record.
type NopLogger struct{}

func (NopLogger) LogQuery(context.Context, QueryLog) error { return nil }

func (NopLogger) Recent(context.Context, int) ([]QueryLog, error) { return nil, nil }

func (NopLogger) Stats(context.Context) (*Stats, error) { return &Stats{}, nil }

type userKeyCtx struct{}

// ContextWithUserKey attaches the caller identity recorded with each query.
func ContextWithUserKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, userKeyCtx{}, key)
}

// UserKeyFromContext returns the identity set by ContextWithUserKey.
func UserKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(userKeyCtx{}).(string)
	return key
}
