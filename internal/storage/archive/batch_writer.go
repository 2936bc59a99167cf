package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// CaseMetricRow is one archived case measurement from a scheduled run.
type CaseMetricRow struct {
	RunID             uuid.UUID
	ScheduleID        int64
	TenantName        string
	CaseID            string
	MTTA              *int64
	MTTC              *int64
	MTTR              *int64
	MTTD              *int64
	Environment       string
	DetectionRuleName string
	Tags              []string
	ExportedAt        time.Time
}

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		Table:         DefaultTable,
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// Preparer prepares ClickHouse insert batches. *Client implements it.
type Preparer interface {
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

// BatchWriter buffers case metric rows and inserts them in batches.
type BatchWriter struct {
	client Preparer
	config BatchWriterConfig
	logger *slog.Logger

	buffer []CaseMetricRow
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a BatchWriter over an archive client.
func NewBatchWriter(client Preparer, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchWriterConfig().BatchSize
	}
	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]CaseMetricRow, 0, cfg.BatchSize),
	}
	if cfg.FlushInterval > 0 {
		bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	}
	return bw
}

// Write adds rows to the batch, flushing whenever the batch fills.
func (bw *BatchWriter) Write(rows ...CaseMetricRow) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return fmt.Errorf("batch writer is closed")
	}

	for _, row := range rows {
		bw.buffer = append(bw.buffer, row)
		if len(bw.buffer) >= bw.config.BatchSize {
			if err := bw.flushLocked(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			bw.logger.Error("timer flush failed", "table", bw.config.Table, "error", err)
		}
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	rows := bw.buffer
	bw.buffer = make([]CaseMetricRow, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		if err := bw.insertBatch(rows); err != nil {
			lastErr = err
			bw.logger.Warn("archive insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&bw.totalWritten, uint64(len(rows)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(rows)))
	return fmt.Errorf("archive insert failed after %d retries: %w", bw.config.MaxRetries, lastErr)
}

func (bw *BatchWriter) insertBatch(rows []CaseMetricRow) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			run_id, schedule_id, tenant_name, case_id,
			mtta_seconds, mttc_seconds, mttr_seconds, mttd_seconds,
			environment, detection_rule_name, tags, exported_at
		)
	`, bw.config.Table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range rows {
		tags := r.Tags
		if tags == nil {
			tags = []string{}
		}
		err := batch.Append(
			r.RunID,
			r.ScheduleID,
			r.TenantName,
			r.CaseID,
			r.MTTA,
			r.MTTC,
			r.MTTR,
			r.MTTD,
			r.Environment,
			r.DetectionRuleName,
			tags,
			r.ExportedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	bw.logger.Debug("archive batch inserted", "table", bw.config.Table, "count", len(rows))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the flush timer and writes any buffered rows.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	bw.closed = true
	bw.mu.Unlock()

	if bw.flushTimer != nil {
		bw.flushTimer.Stop()
	}
	return bw.Flush()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
