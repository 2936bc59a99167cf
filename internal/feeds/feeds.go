// Package feeds pulls IOC records from threat intel sources and imports them
// into Chronicle. Records seen in earlier polls are dropped by a bloom filter
// kept in the cache store.
package feeds

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DCSO/bloom"

	"secops-toolkit/internal/backoff"
	"secops-toolkit/internal/cache"
	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/metrics"
)

// Pipeline defaults.
const (
	DefaultNamespace     = "SDL"
	DefaultChunkBytes    = 3_200_000
	DefaultMaxEntryBytes = 4_000_000
	DefaultChunkDelay    = time.Second
)

// RetrievalTimeLayout formats the retrieval_timestamp_utc label.
const RetrievalTimeLayout = "2006-01-02T15:04:05.000000-07:00"

// Record is one IOC document as returned by a source.
type Record map[string]any

// Source fetches records published since the last successful poll. since is
// zero on the first poll.
type Source interface {
	Name() string
	LogType() string
	Fetch(ctx context.Context, since time.Time) ([]Record, error)
}

// Importer pushes encoded logs to Chronicle. *chronicle.Client implements it.
type Importer interface {
	ImportLogs(ctx context.Context, logType, forwarderID string, logs []chronicle.ImportLog) error
	ForwarderName(id string) string
}

// Config holds the pipeline settings shared by every feed.
type Config struct {
	Namespace     string        `yaml:"namespace"`
	UseCaseName   string        `yaml:"use_case_name"`
	ForwarderID   string        `yaml:"forwarder_id"`
	ChunkBytes    int           `yaml:"chunk_bytes"`
	MaxEntryBytes int           `yaml:"max_entry_bytes"`
	ChunkDelay    time.Duration `yaml:"chunk_delay"`

	// BloomCapacity and BloomFPRate size the dedup filter. The filter is
	// rebuilt once it is older than FilterTTL.
	BloomCapacity uint64        `yaml:"bloom_capacity"`
	BloomFPRate   float64       `yaml:"bloom_fp_rate"`
	FilterTTL     time.Duration `yaml:"filter_ttl"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:     DefaultNamespace,
		ChunkBytes:    DefaultChunkBytes,
		MaxEntryBytes: DefaultMaxEntryBytes,
		ChunkDelay:    DefaultChunkDelay,
		BloomCapacity: 1_000_000,
		BloomFPRate:   0.001,
		FilterTTL:     30 * 24 * time.Hour,
	}
}

// Result summarises one poll.
type Result struct {
	Fetched    int
	Duplicates int
	Dropped    int
	Imported   int
	Chunks     int
}

// Pipeline runs one Source into Chronicle.
type Pipeline struct {
	source   Source
	importer Importer
	store    cache.Store
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithMetrics records per-feed record counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a pipeline. A nil store keeps state in memory only.
func NewPipeline(src Source, importer Importer, store cache.Store, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = cache.NewMemoryStore()
	}
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.UseCaseName == "" {
		cfg.UseCaseName = src.Name()
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = def.ChunkBytes
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = def.MaxEntryBytes
	}
	if cfg.BloomCapacity == 0 {
		cfg.BloomCapacity = def.BloomCapacity
	}
	if cfg.BloomFPRate <= 0 || cfg.BloomFPRate >= 1 {
		cfg.BloomFPRate = def.BloomFPRate
	}

	p := &Pipeline{
		source:   src,
		importer: importer,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("feed", src.Name()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) checkpointKey() string { return "feeds:" + p.source.Name() + ":checkpoint" }
func (p *Pipeline) filterKey() string     { return "feeds:" + p.source.Name() + ":bloom" }

// Checkpoint returns the start time of the last successful poll, or zero.
func (p *Pipeline) Checkpoint(ctx context.Context) (time.Time, error) {
	raw, err := p.store.Get(ctx, p.checkpointKey())
	if errors.Is(err, cache.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load checkpoint: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		p.logger.Warn("ignoring unreadable checkpoint", "value", string(raw))
		return time.Time{}, nil
	}
	return t, nil
}

// dedupFilter is the stored bloom filter with its creation time.
type dedupFilter struct {
	created time.Time
	*bloom.BloomFilter
}

// loadFilter reads the stored filter. The stored value is an 8 byte unix
// creation time followed by the serialised filter.
func (p *Pipeline) loadFilter(ctx context.Context) (*dedupFilter, error) {
	raw, err := p.store.Get(ctx, p.filterKey())
	if errors.Is(err, cache.ErrNotFound) {
		return p.newFilter(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load dedup filter: %w", err)
	}
	if len(raw) < 8 {
		p.logger.Warn("rebuilding truncated dedup filter")
		return p.newFilter(), nil
	}

	created := time.Unix(int64(binary.BigEndian.Uint64(raw[:8])), 0).UTC()
	if p.cfg.FilterTTL > 0 && p.now().Sub(created) > p.cfg.FilterTTL {
		p.logger.Info("dedup filter expired, rebuilding", "created", created)
		return p.newFilter(), nil
	}
	f, err := bloom.LoadFromReader(bytes.NewReader(raw[8:]), false)
	if err != nil {
		p.logger.Warn("rebuilding unreadable dedup filter", "error", err)
		return p.newFilter(), nil
	}
	return &dedupFilter{created: created, BloomFilter: f}, nil
}

func (p *Pipeline) newFilter() *dedupFilter {
	f := bloom.Initialize(p.cfg.BloomCapacity, p.cfg.BloomFPRate)
	return &dedupFilter{created: p.now().UTC(), BloomFilter: &f}
}

func (p *Pipeline) saveFilter(ctx context.Context, f *dedupFilter) error {
	var buf bytes.Buffer
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(f.created.Unix()))
	buf.Write(hdr[:])
	if err := f.Write(&buf); err != nil {
		return fmt.Errorf("encode dedup filter: %w", err)
	}
	if err := p.store.Set(ctx, p.filterKey(), buf.Bytes(), 0); err != nil {
		return fmt.Errorf("save dedup filter: %w", err)
	}
	return nil
}

// Run polls the source once and imports every new record. The checkpoint and
// dedup filter only advance when every chunk was imported.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	started := p.now().UTC()
	since, err := p.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	records, err := p.source.Fetch(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", p.source.Name(), err)
	}
	res := &Result{Fetched: len(records)}
	p.logger.Info("feed fetched", "records", len(records), "since", since)

	filter, err := p.loadFilter(ctx)
	if err != nil {
		return nil, err
	}

	var fresh []Record
	var keys [][]byte
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		key, err := RecordKey(rec)
		if err != nil {
			p.logger.Warn("dropping unencodable record", "error", err)
			res.Dropped++
			continue
		}
		if _, dup := seen[string(key)]; dup || filter.Check(key) {
			res.Duplicates++
			continue
		}
		seen[string(key)] = struct{}{}
		fresh = append(fresh, rec)
		keys = append(keys, key)
	}

	entries := make([]chronicle.ImportLog, 0, len(fresh))
	for _, rec := range fresh {
		entry, err := EncodeRecord(rec, p.cfg.Namespace, p.cfg.UseCaseName, started)
		if err != nil {
			p.logger.Warn("dropping unencodable record", "error", err)
			res.Dropped++
			continue
		}
		entries = append(entries, entry)
	}

	overhead := PayloadOverhead(p.importer.ForwarderName(p.cfg.ForwarderID))
	chunks, dropped := Chunk(entries, overhead, p.cfg.ChunkBytes, p.cfg.MaxEntryBytes)
	if dropped > 0 {
		p.logger.Warn("dropped oversized records", "count", dropped, "max_entry_bytes", p.cfg.MaxEntryBytes)
	}
	res.Dropped += dropped
	res.Chunks = len(chunks)

	for i, chunk := range chunks {
		if i > 0 && p.cfg.ChunkDelay > 0 {
			if err := backoff.Sleep(ctx, p.cfg.ChunkDelay); err != nil {
				return res, err
			}
		}
		if err := p.importer.ImportLogs(ctx, p.source.LogType(), p.cfg.ForwarderID, chunk); err != nil {
			p.record(res)
			return res, fmt.Errorf("import chunk %d/%d: %w", i+1, len(chunks), err)
		}
		res.Imported += len(chunk)
		p.logger.Info("chunk imported", "chunk", i+1, "of", len(chunks), "entries", len(chunk))
	}

	for _, key := range keys {
		filter.Add(key)
	}
	if err := p.saveFilter(ctx, filter); err != nil {
		p.record(res)
		return res, err
	}
	if err := p.store.Set(ctx, p.checkpointKey(), []byte(started.Format(time.RFC3339Nano)), 0); err != nil {
		p.record(res)
		return res, fmt.Errorf("save checkpoint: %w", err)
	}

	p.record(res)
	p.logger.Info("feed poll completed",
		"fetched", res.Fetched,
		"imported", res.Imported,
		"duplicates", res.Duplicates,
		"dropped", res.Dropped,
		"chunks", res.Chunks,
	)
	return res, nil
}

func (p *Pipeline) record(res *Result) {
	name := p.source.Name()
	p.metrics.FeedRecords(name, "imported", res.Imported)
	p.metrics.FeedRecords(name, "duplicate", res.Duplicates)
	p.metrics.FeedRecords(name, "dropped", res.Dropped)
}

// RunEvery polls at interval until ctx is cancelled. Failed polls are logged
// and retried on the next tick.
func (p *Pipeline) RunEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("feed poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RecordKey is the dedup key of a record: the SHA-256 of its JSON encoding.
// Map keys are encoded in sorted order so equal records share a key.
func RecordKey(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// EncodeRecord wraps rec as a logs:import entry.
func EncodeRecord(rec Record, namespace, useCase string, retrieved time.Time) (chronicle.ImportLog, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return chronicle.ImportLog{}, err
	}
	return chronicle.ImportLog{
		Data:                 base64.StdEncoding.EncodeToString(data),
		EnvironmentNamespace: namespace,
		Labels: map[string]chronicle.LabelValue{
			"use_case_name":           {Value: useCase},
			"retrieval_timestamp_utc": {Value: retrieved.UTC().Format(RetrievalTimeLayout)},
		},
	}, nil
}

// PayloadOverhead is the size of an empty logs:import body for forwarder.
func PayloadOverhead(forwarder string) int {
	var body struct {
		InlineSource struct {
			Logs      []chronicle.ImportLog `json:"logs"`
			Forwarder string                `json:"forwarder"`
		} `json:"inline_source"`
	}
	body.InlineSource.Logs = []chronicle.ImportLog{}
	body.InlineSource.Forwarder = forwarder
	data, _ := json.Marshal(body)
	return len(data)
}

// Chunk splits entries into request bodies of at most maxChunk bytes
// including overhead. An entry that alone exceeds maxChunk is sent on its
// own unless it also exceeds maxEntry, in which case it is dropped.
func Chunk(entries []chronicle.ImportLog, overhead, maxChunk, maxEntry int) ([][]chronicle.ImportLog, int) {
	limit := min(maxChunk, maxEntry)
	var chunks [][]chronicle.ImportLog
	var current []chronicle.ImportLog
	size, dropped := 0, 0

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			dropped++
			continue
		}
		itemSize := len(data) + 1

		if len(current) > 0 && size+itemSize+overhead > limit {
			chunks = append(chunks, current)
			current, size = nil, 0
		}
		if len(current) == 0 && itemSize+overhead > maxChunk {
			if itemSize+overhead > maxEntry {
				dropped++
				continue
			}
			chunks = append(chunks, []chronicle.ImportLog{e})
			continue
		}
		current = append(current, e)
		size += itemSize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks, dropped
}
