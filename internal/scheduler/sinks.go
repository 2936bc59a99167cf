package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"secops-toolkit/internal/mttx"
	"secops-toolkit/internal/storage"
	"secops-toolkit/internal/storage/archive"
	"secops-toolkit/internal/storage/s3"
)

// Delivery is one analysis result bound for one destination.
type Delivery struct {
	RunID    uuid.UUID
	Schedule *storage.Schedule
	Tenant   *storage.Tenant
	Metrics  *mttx.Metrics
	Outputs  mttx.Outputs
	Path     string
	Time     time.Time
}

// Sink delivers a result to one kind of destination.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Delivery) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Report is the JSON document published by the S3 and Kafka sinks.
type Report struct {
	RunID      string         `json:"run_id"`
	ScheduleID int64          `json:"schedule_id"`
	TenantName string         `json:"tenant_name"`
	ExportedAt string         `json:"export_datetime"`
	Outputs    map[string]any `json:"outputs"`
}

func newReport(d Delivery) Report {
	return Report{
		RunID:      d.RunID.String(),
		ScheduleID: d.Schedule.ID,
		TenantName: d.Tenant.Name,
		ExportedAt: d.Time.UTC().Format(mttx.ExportTimeLayout),
		Outputs:    d.Outputs.Filter(d.Metrics),
	}
}

// CSVSink writes CSV files next to the destination path.
type CSVSink struct {
	logger *slog.Logger
}

// NewCSVSink creates a CSVSink.
func NewCSVSink(logger *slog.Logger) *CSVSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVSink{logger: logger}
}

// Deliver implements Sink.
func (s *CSVSink) Deliver(ctx context.Context, d Delivery) error {
	if d.Path == "" {
		return fmt.Errorf("csv destination has no path")
	}
	paths, err := mttx.WriteCSV(d.Path, d.Tenant.Name, d.Metrics, d.Outputs, d.Time)
	if err != nil {
		return err
	}
	s.logger.Debug("csv export written", "files", paths)
	return nil
}

// Uploader stores objects. *s3.Client implements it.
type Uploader interface {
	Upload(ctx context.Context, in s3.UploadInput) (*s3.UploadOutput, error)
}

// S3Sink uploads the CSV documents and a JSON report under a key prefix.
type S3Sink struct {
	uploader Uploader
	logger   *slog.Logger
}

// NewS3Sink creates an S3Sink.
func NewS3Sink(uploader Uploader, logger *slog.Logger) *S3Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Sink{uploader: uploader, logger: logger}
}

// Deliver implements Sink. Keys are {path}/{tenant}/{timestamp}/{output}.csv.
func (s *S3Sink) Deliver(ctx context.Context, d Delivery) error {
	files, err := mttx.RenderCSV(d.Metrics, d.Outputs, d.Tenant.Name, d.Time)
	if err != nil {
		return err
	}
	report, err := json.Marshal(newReport(d))
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	prefix := path.Join(strings.Trim(d.Path, "/"), keySafe(d.Tenant.Name), d.Time.UTC().Format("20060102T150405Z"))
	meta := map[string]string{
		"run-id":      d.RunID.String(),
		"schedule-id": strconv.FormatInt(d.Schedule.ID, 10),
	}

	uploads := make([]s3.UploadInput, 0, len(files)+1)
	for _, f := range files {
		uploads = append(uploads, s3.UploadInput{
			Key:         path.Join(prefix, f.Name+".csv"),
			Body:        f.Body,
			ContentType: "text/csv",
			Metadata:    meta,
		})
	}
	uploads = append(uploads, s3.UploadInput{
		Key:         path.Join(prefix, "report.json"),
		Body:        report,
		ContentType: "application/json",
		Metadata:    meta,
	})

	for _, in := range uploads {
		out, err := s.uploader.Upload(ctx, in)
		if err != nil {
			return err
		}
		s.logger.Debug("export uploaded", "location", out.Location)
	}
	return nil
}

func keySafe(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

// Publisher sends JSON messages. *kafka.Producer implements it.
type Publisher interface {
	ProduceJSON(ctx context.Context, topic, key string, value any) error
}

// KafkaSink publishes a JSON report to the topic named by the destination path.
type KafkaSink struct {
	publisher Publisher
}

// NewKafkaSink creates a KafkaSink.
func NewKafkaSink(p Publisher) *KafkaSink {
	return &KafkaSink{publisher: p}
}

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, d Delivery) error {
	if d.Path == "" {
		return fmt.Errorf("kafka destination has no topic")
	}
	return s.publisher.ProduceJSON(ctx, d.Path, d.Tenant.Name, newReport(d))
}

// RowWriter accepts archive rows. *archive.BatchWriter implements it.
type RowWriter interface {
	Write(rows ...archive.CaseMetricRow) error
	Close() error
}

// RowWriterFactory opens a writer for a table.
type RowWriterFactory func(ctx context.Context, table string) (RowWriter, error)

// ArchiveWriters returns a factory that creates the table on first use and
// writes through a BatchWriter flushed on Close.
func ArchiveWriters(client *archive.Client, cfg archive.BatchWriterConfig, logger *slog.Logger) RowWriterFactory {
	var ensured sync.Map
	return func(ctx context.Context, table string) (RowWriter, error) {
		if _, ok := ensured.Load(table); !ok {
			if err := client.EnsureTable(ctx, table); err != nil {
				return nil, fmt.Errorf("ensure table %s: %w", table, err)
			}
			ensured.Store(table, struct{}{})
		}
		wc := cfg
		wc.Table = table
		wc.FlushInterval = 0
		return archive.NewBatchWriter(client, wc, logger), nil
	}
}

// ClickHouseSink archives one row per case. The destination path names the
// table; an empty path uses archive.DefaultTable. Nothing is written unless the
// schedule outputs individual cases.
type ClickHouseSink struct {
	open RowWriterFactory
}

// NewClickHouseSink creates a ClickHouseSink.
func NewClickHouseSink(open RowWriterFactory) *ClickHouseSink {
	return &ClickHouseSink{open: open}
}

// Deliver implements Sink.
func (s *ClickHouseSink) Deliver(ctx context.Context, d Delivery) error {
	table := d.Path
	if table == "" {
		table = archive.DefaultTable
	}
	if !archive.ValidTableName(table) {
		return fmt.Errorf("%w: %q", archive.ErrInvalidTable, table)
	}

	if !d.Outputs.IndividualCases {
		return nil
	}

	w, err := s.open(ctx, table)
	if err != nil {
		return err
	}
	if err := w.Write(CaseRows(d)...); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// CaseRows converts a delivery's individual cases to archive rows in case order.
func CaseRows(d Delivery) []archive.CaseMetricRow {
	ids := d.Metrics.CaseOrder
	if len(ids) != len(d.Metrics.IndividualCases) {
		ids = ids[:0:0]
		for id := range d.Metrics.IndividualCases {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	rows := make([]archive.CaseMetricRow, 0, len(ids))
	for _, id := range ids {
		cm := d.Metrics.IndividualCases[id]
		rows = append(rows, archive.CaseMetricRow{
			RunID:             d.RunID,
			ScheduleID:        d.Schedule.ID,
			TenantName:        d.Tenant.Name,
			CaseID:            id,
			MTTA:              secondsPtr(cm.MTTA),
			MTTC:              secondsPtr(cm.MTTC),
			MTTR:              secondsPtr(cm.MTTR),
			MTTD:              secondsPtr(cm.MTTD),
			Environment:       cm.Environment,
			DetectionRuleName: cm.DetectionRuleName,
			Tags:              cm.Tags,
			ExportedAt:        d.Time.UTC(),
		})
	}
	return rows
}

func secondsPtr(s mttx.Seconds) *int64 {
	if !s.Valid {
		return nil
	}
	v := s.Value
	return &v
}
