package querylog

import (
	"context"
	"sync"
	"time"

	"github.com/semantrix/aigateway/internal/observability"
	"go.uber.org/zap"
)

// IngestorConfig tunes asynchronous persistence.
type IngestorConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Ingestor buffers query records and persists them in batches off the
// request path. A full buffer drops records rather than blocking.
type Ingestor struct {
	config  IngestorConfig
	store   Store
	logger  *zap.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	stopped bool
	logChan chan QueryLog
	done    chan struct{}
}

// NewIngestor creates an ingestor in front of store.
func NewIngestor(config IngestorConfig, store Store, logger *zap.Logger, metrics *observability.Metrics) *Ingestor {
	if config.BufferSize <= 0 {
		config.BufferSize = 10000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	return &Ingestor{
		config:  config,
		store:   store,
		logger:  logger,
		metrics: metrics,
		logChan: make(chan QueryLog, config.BufferSize),
		done:    make(chan struct{}),
	}
}

// LogQuery enqueues q. It never blocks. Records arriving after Stop are
// dropped.
func (i *Ingestor) LogQuery(_ context.Context, q QueryLog) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.stopped {
		i.metrics.RecordQueryLogDropped(1)
		i.logger.Debug("Query log stopped, dropping record", zap.String("request_id", q.RequestID))
		return nil
	}
	select {
	case i.logChan <- q:
	default:
		i.metrics.RecordQueryLogDropped(1)
		i.logger.Warn("Query log buffer full, dropping record", zap.String("request_id", q.RequestID))
	}
	return nil
}

// Recent reads through to the store.
func (i *Ingestor) Recent(ctx context.Context, limit int) ([]QueryLog, error) {
	return i.store.Recent(ctx, limit)
}

// Stats reads through to the store.
func (i *Ingestor) Stats(ctx context.Context) (*Stats, error) {
	return i.store.Stats(ctx)
}

// Start launches the background writer.
func (i *Ingestor) Start() {
	go i.worker()
}

// Stop flushes buffered records and waits for the writer to exit.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	if !i.stopped {
		i.stopped = true
		close(i.logChan)
	}
	i.mu.Unlock()
	<-i.done
}

func (i *Ingestor) worker() {
	defer close(i.done)

	batch := make([]QueryLog, 0, i.config.BatchSize)
	ticker := time.NewTicker(i.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := i.store.LogBatch(ctx, batch); err != nil {
			i.metrics.RecordQueryLogDropped(len(batch))
			i.logger.Error("Failed to persist query logs", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case q, ok := <-i.logChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, q)
			if len(batch) >= i.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
