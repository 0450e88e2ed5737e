package querylog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const insertQuery = `
	INSERT INTO query_logs (
		id, request_id, created_at, user_key, use_case, provider, model,
		streamed, success, error_type, attempts, latency_ms,
		input_tokens, output_tokens, cost_usd
	) VALUES (
		:id, :request_id, :created_at, :user_key, :use_case, :provider, :model,
		:streamed, :success, :error_type, :attempts, :latency_ms,
		:input_tokens, :output_tokens, :cost_usd
	)`

// SQLiteStore keeps the query log in a SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens dsn and applies pending migrations.
func NewSQLiteStore(dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Query log migrations applied", zap.String("dsn", dsn))

	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sqlx.DB) error {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return err
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// LogQuery writes a single record.
func (s *SQLiteStore) LogQuery(ctx context.Context, q QueryLog) error {
	_, err := s.db.NamedExecContext(ctx, insertQuery, q)
	return err
}

// LogBatch writes records in one transaction.
func (s *SQLiteStore) LogBatch(ctx context.Context, batch []QueryLog) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range batch {
		if _, err := tx.NamedExecContext(ctx, insertQuery, q); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert query log %s: %w", q.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns the newest records first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]QueryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []QueryLog
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM query_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	return out, err
}

// Stats aggregates the whole log.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	var totals struct {
		Requests int64           `db:"requests"`
		Failures sql.NullInt64   `db:"failures"`
		Cost     sql.NullFloat64 `db:"cost"`
	}
	err := s.db.GetContext(ctx, &totals, `
		SELECT COUNT(*) AS requests,
		       SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failures,
		       SUM(cost_usd) AS cost
		FROM query_logs`)
	if err != nil {
		return nil, err
	}
	stats.TotalRequests = totals.Requests
	stats.Failures = totals.Failures.Int64
	stats.TotalCostUSD = totals.Cost.Float64

	err = s.db.SelectContext(ctx, &stats.ByModel, `
		SELECT provider, model,
		       COUNT(*) AS requests,
		       SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failures,
		       AVG(latency_ms) AS avg_latency_ms,
		       SUM(input_tokens) AS input_tokens,
		       SUM(output_tokens) AS output_tokens,
		       SUM(cost_usd) AS cost_usd
		FROM query_logs
		WHERE provider != ''
		GROUP BY provider, model
		ORDER BY requests DESC, provider, model`)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
