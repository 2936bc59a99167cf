// Package forwarder relays raw log lines from a Kafka topic to the Chronicle
// unstructured ingestion API.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/kafka"
	"secops-toolkit/internal/metrics"
)

// Defaults for the forwarder.
const (
	DefaultMaxBatchBytes = 500_000
	DefaultFlushInterval = 5 * time.Second
	shutdownFlushTimeout = 30 * time.Second
)

// ErrNoLogType is returned when no log type is configured.
var ErrNoLogType = errors.New("forwarder: log type is required")

// Ingester sends batches to Chronicle. *chronicle.Client implements it.
type Ingester interface {
	IngestUnstructured(ctx context.Context, batch chronicle.UnstructuredBatch) error
}

// Config holds the batch identity and flush thresholds.
type Config struct {
	CustomerID    string            `yaml:"customer_id"`
	LogType       string            `yaml:"log_type"`
	Namespace     string            `yaml:"namespace"`
	Labels        map[string]string `yaml:"labels"`
	Region        string            `yaml:"region"`
	MaxBatchBytes int               `yaml:"max_batch_bytes"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
}

// DefaultConfig returns the default forwarder configuration.
func DefaultConfig() Config {
	return Config{
		Region:        "us",
		MaxBatchBytes: DefaultMaxBatchBytes,
		FlushInterval: DefaultFlushInterval,
	}
}

// Forwarder batches Kafka messages into Chronicle ingestion requests.
// Offsets are committed only after the batch holding them was accepted.
type Forwarder struct {
	reader   kafka.MessageReader
	ingester Ingester
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	batch    chronicle.UnstructuredBatch
	pending  []kafkago.Message
	size     int
	overhead int
}

// Option customises a Forwarder.
type Option func(*Forwarder)

// WithMetrics records forwarded entry counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// New creates a Forwarder.
func New(reader kafka.MessageReader, ingester Ingester, cfg Config, logger *slog.Logger, opts ...Option) (*Forwarder, error) {
	if cfg.LogType == "" {
		return nil, ErrNoLogType
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Region != "" && !chronicle.KnownIngestionRegion(cfg.Region) {
		logger.Warn("unknown ingestion region, using the US host", "region", cfg.Region)
	}

	f := &Forwarder{
		reader:   reader,
		ingester: ingester,
		cfg:      cfg,
		logger:   logger.With("component", "forwarder", "log_type", cfg.LogType),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.reset()
	f.overhead = f.encodedSize(f.batch)
	return f, nil
}

func (f *Forwarder) reset() {
	f.batch = chronicle.UnstructuredBatch{
		CustomerID: f.cfg.CustomerID,
		LogType:    f.cfg.LogType,
		Namespace:  f.cfg.Namespace,
		Labels:     Labels(f.cfg.Labels),
		Entries:    []chronicle.LogEntry{},
	}
	f.pending = nil
	f.size = 0
}

// Labels converts a label map into ingestion labels sorted by key.
func Labels(m map[string]string) []chronicle.Label {
	if len(m) == 0 {
		return nil
	}
	labels := make([]chronicle.Label, 0, len(m))
	for k, v := range m {
		labels = append(labels, chronicle.Label{Key: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Key < labels[j].Key })
	return labels
}

func (f *Forwarder) encodedSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

type fetchResult struct {
	msg kafkago.Message
	err error
}

// Run forwards until ctx is cancelled or the reader fails. Pending entries
// are flushed before returning.
func (f *Forwarder) Run(ctx context.Context) error {
	msgs := make(chan fetchResult)
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(msgs)
		for {
			m, err := f.reader.FetchMessage(fetchCtx)
			select {
			case msgs <- fetchResult{msg: m, err: err}:
			case <-fetchCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	f.logger.Info("forwarder started", "max_batch_bytes", f.cfg.MaxBatchBytes, "flush_interval", f.cfg.FlushInterval)
	for {
		select {
		case <-ctx.Done():
			return f.shutdown()

		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				return err
			}

		case r, ok := <-msgs:
			if !ok {
				return f.shutdown()
			}
			if r.err != nil {
				if ctx.Err() != nil {
					return f.shutdown()
				}
				ferr := f.shutdown()
				return errors.Join(fmt.Errorf("fetch message: %w", r.err), ferr)
			}
			if err := f.Add(ctx, r.msg); err != nil {
				return err
			}
		}
	}
}

func (f *Forwarder) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	err := f.Flush(ctx)
	f.logger.Info("forwarder stopped")
	return err
}

// Add appends a message, flushing first when the entry would push the batch
// over MaxBatchBytes. Empty messages are committed with the batch but not sent.
func (f *Forwarder) Add(ctx context.Context, msg kafkago.Message) error {
	if len(msg.Value) == 0 {
		f.pending = append(f.pending, msg)
		return nil
	}

	entry := chronicle.LogEntry{LogText: string(msg.Value)}
	entrySize := f.encodedSize(entry) + 1
	if len(f.batch.Entries) > 0 && f.overhead+f.size+entrySize > f.cfg.MaxBatchBytes {
		if err := f.Flush(ctx); err != nil {
			return err
		}
	}
	if f.overhead+entrySize > f.cfg.MaxBatchBytes {
		f.logger.Warn("log line exceeds batch size, sending alone",
			"bytes", entrySize, "partition", msg.Partition, "offset", msg.Offset)
	}

	f.batch.Entries = append(f.batch.Entries, entry)
	f.pending = append(f.pending, msg)
	f.size += entrySize
	return nil
}

// Flush sends the current batch and commits its offsets.
func (f *Forwarder) Flush(ctx context.Context) error {
	if len(f.pending) == 0 {
		return nil
	}

	n := len(f.batch.Entries)
	if n > 0 {
		err := f.ingester.IngestUnstructured(ctx, f.batch)
		f.metrics.Forwarded(n, err)
		if err != nil {
			return fmt.Errorf("ingest batch of %d entries: %w", n, err)
		}
	}
	if err := f.reader.CommitMessages(ctx, f.pending...); err != nil {
		return fmt.Errorf("commit %d messages: %w", len(f.pending), err)
	}
	f.logger.Debug("batch forwarded", "entries", n, "bytes", f.overhead+f.size)
	f.reset()
	return nil
}
