package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"secops-toolkit/internal/mttx"
	"secops-toolkit/internal/storage"
	"secops-toolkit/internal/storage/archive"
	"secops-toolkit/internal/storage/s3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	schedules    map[int64]*storage.Schedule
	tenants      map[int64]*storage.Tenant
	destinations map[int64][]storage.ScheduleDestination
}

func (f *fakeStore) ListEnabledSchedules(ctx context.Context) ([]storage.Schedule, error) {
	var out []storage.Schedule
	for _, s := range f.schedules {
		if s.IsEnabled {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) GetSchedule(ctx context.Context, id int64) (*storage.Schedule, error) {
	s, ok := f.schedules[id]
	if !ok {
		return nil, fmt.Errorf("get schedule: %w", storage.ErrNotFound)
	}
	return s, nil
}

func (f *fakeStore) GetTenant(ctx context.Context, id int64) (*storage.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, fmt.Errorf("get tenant: %w", storage.ErrNotFound)
	}
	return t, nil
}

func (f *fakeStore) ListDestinations(ctx context.Context, scheduleID int64) ([]storage.ScheduleDestination, error) {
	return f.destinations[scheduleID], nil
}

type fakeAnalyzer struct {
	metrics *mttx.Metrics
	err     error
	runs    int
}

func (f *fakeAnalyzer) Run(ctx context.Context, tenantID int64, timeUnit string, startVal int) (*mttx.AnalysisResult, error) {
	f.runs++
	return &mttx.AnalysisResult{CaseHistoryData: json.RawMessage(`{}`), CaseMTTDData: json.RawMessage(`{}`)}, nil
}

func (f *fakeAnalyzer) Calculate(ctx context.Context, tenantID int64, history, cases json.RawMessage) (*mttx.Metrics, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.metrics, nil
}

type recordingSink struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func (r *recordingSink) Deliver(ctx context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return r.err
}

func sampleMetrics() *mttx.Metrics {
	return &mttx.Metrics{
		IndividualCases: map[string]*mttx.CaseMetrics{
			"101": {MTTA: mttx.Known(60), MTTC: mttx.Known(120), MTTR: mttx.Known(600), MTTD: mttx.Known(30), Tags: []string{"phish"}, Environment: "Default", DetectionRuleName: "rule_a"},
			"102": {MTTA: mttx.Known(30), Tags: []string{}, Environment: "Unknown", DetectionRuleName: "Unknown"},
		},
		AverageMetrics:  mttx.AverageMetrics{MTTA: 45, MTTC: 120, MTTR: 600, MTTD: 30},
		CompletionRates: mttx.CompletionRates{MTTA: 100, MTTC: 50, MTTR: 50, MTTD: 50, TotalCases: 2},
		CaseOrder:       []string{"101", "102"},
	}
}

func newFixture() *fakeStore {
	return &fakeStore{
		schedules: map[int64]*storage.Schedule{
			1: {ID: 1, TenantID: 7, CronSchedule: "0 * * * *", TimeUnit: "DAY", StartTimeVal: 1, OutputAvgMetrics: true, IsEnabled: true},
			2: {ID: 2, TenantID: 7, CronSchedule: "0 0 * * *", TimeUnit: "WEEK", StartTimeVal: 1, IsEnabled: false},
		},
		tenants: map[int64]*storage.Tenant{
			7: {ID: 7, Name: "Acme"},
		},
		destinations: map[int64][]storage.ScheduleDestination{
			1: {
				{ID: 1, ScheduleID: 1, DestinationType: storage.DestinationCSV, Path: "out/a.csv", IsEnabled: true},
				{ID: 2, ScheduleID: 1, DestinationType: storage.DestinationKafka, Path: "mttx", IsEnabled: true},
				{ID: 3, ScheduleID: 1, DestinationType: storage.DestinationS3, Path: "exports", IsEnabled: false},
				{ID: 4, ScheduleID: 1, DestinationType: storage.DestinationClickHouse, Path: "", IsEnabled: true},
			},
		},
	}
}

func TestRunDeliversToEnabledDestinations(t *testing.T) {
	store := newFixture()
	csvSink := &recordingSink{err: errors.New("disk full")}
	kafkaSink := &recordingSink{}
	s3Sink := &recordingSink{}
	sinks := map[string]Sink{
		storage.DestinationCSV:   csvSink,
		storage.DestinationKafka: kafkaSink,
		storage.DestinationS3:    s3Sink,
	}
	s := New(store, &fakeAnalyzer{metrics: sampleMetrics()}, sinks, testLogger())

	if err := s.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(csvSink.deliveries) != 1 {
		t.Errorf("csv deliveries = %d, want 1", len(csvSink.deliveries))
	}
	if len(kafkaSink.deliveries) != 1 {
		t.Fatalf("kafka deliveries = %d, want 1", len(kafkaSink.deliveries))
	}
	if len(s3Sink.deliveries) != 0 {
		t.Errorf("disabled s3 destination received %d deliveries", len(s3Sink.deliveries))
	}

	d := kafkaSink.deliveries[0]
	if d.Path != "mttx" {
		t.Errorf("Path = %q, want %q", d.Path, "mttx")
	}
	if d.Tenant.Name != "Acme" {
		t.Errorf("Tenant = %q, want Acme", d.Tenant.Name)
	}
	if !d.Outputs.AverageMetrics || d.Outputs.CompletionRates || d.Outputs.IndividualCases {
		t.Errorf("Outputs = %+v, want only average metrics", d.Outputs)
	}
	if d.RunID == uuid.Nil {
		t.Error("RunID not set")
	}
	if csvSink.deliveries[0].RunID != d.RunID {
		t.Error("destinations of one run should share the run id")
	}
}

func TestRunSkipsDisabledAndMissing(t *testing.T) {
	store := newFixture()
	analyzer := &fakeAnalyzer{metrics: sampleMetrics()}
	s := New(store, analyzer, nil, testLogger())

	if err := s.Run(context.Background(), 2); err != nil {
		t.Errorf("Run(disabled) error = %v", err)
	}
	if err := s.Run(context.Background(), 99); err != nil {
		t.Errorf("Run(missing) error = %v", err)
	}
	if analyzer.runs != 0 {
		t.Errorf("analyzer runs = %d, want 0", analyzer.runs)
	}
}

func TestRunNoData(t *testing.T) {
	sink := &recordingSink{}
	s := New(newFixture(), &fakeAnalyzer{err: mttx.ErrNoData},
		map[string]Sink{storage.DestinationKafka: sink}, testLogger())

	if err := s.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.deliveries) != 0 {
		t.Errorf("deliveries = %d, want 0", len(sink.deliveries))
	}
}

func TestRunAnalysisError(t *testing.T) {
	s := New(newFixture(), &fakeAnalyzer{err: errors.New("boom")}, nil, testLogger())
	if err := s.Run(context.Background(), 1); err == nil {
		t.Fatal("Run() error = nil, want error")
	}
}

func TestSyncAndUpsert(t *testing.T) {
	store := newFixture()
	s := New(store, &fakeAnalyzer{}, nil, testLogger())

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %v, want only schedule 1", entries)
	}
	if _, ok := entries[1]; !ok {
		t.Errorf("schedule 1 not registered")
	}

	bad := &storage.Schedule{ID: 3, CronSchedule: "whenever", IsEnabled: true}
	if err := s.Upsert(bad); err == nil {
		t.Error("Upsert(invalid cron) error = nil, want error")
	}

	disabled := *store.schedules[1]
	disabled.IsEnabled = false
	if err := s.Upsert(&disabled); err != nil {
		t.Fatalf("Upsert(disabled) error = %v", err)
	}
	if len(s.Entries()) != 0 {
		t.Errorf("entries = %v, want none", s.Entries())
	}
}

func TestConcurrentUpsertKeepsOneEntry(t *testing.T) {
	s := New(newFixture(), &fakeAnalyzer{}, nil, testLogger())
	sched := &storage.Schedule{ID: 9, CronSchedule: "*/5 * * * *", IsEnabled: true}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Upsert(sched); err != nil {
				t.Errorf("Upsert() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(s.Entries()) != 1 {
		t.Errorf("entries = %v, want one", s.Entries())
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Errorf("cron entries = %d, want 1", n)
	}
}

func TestStopWaitsForRunNow(t *testing.T) {
	sink := &recordingSink{}
	s := New(newFixture(), &fakeAnalyzer{metrics: sampleMetrics()},
		map[string]Sink{storage.DestinationKafka: sink}, testLogger())
	s.Start()
	s.RunNow(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(sink.deliveries) != 1 {
		t.Errorf("deliveries = %d, want 1", len(sink.deliveries))
	}
}

func testDelivery(path string) Delivery {
	return Delivery{
		RunID:    uuid.MustParse("7b5d1c9e-2f5a-4e11-9c3a-0d8e7a6b5c4d"),
		Schedule: &storage.Schedule{ID: 1},
		Tenant:   &storage.Tenant{ID: 7, Name: "Acme Corp"},
		Metrics:  sampleMetrics(),
		Outputs:  mttx.Outputs{AverageMetrics: true, CompletionRates: true, IndividualCases: true},
		Path:     path,
		Time:     time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestCSVSink(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "metrics.csv")
	if err := NewCSVSink(testLogger()).Deliver(context.Background(), testDelivery(dest)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	body, err := os.ReadFile(strings.TrimSuffix(dest, ".csv") + "_average_metrics.csv")
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(body), "Acme Corp") {
		t.Errorf("export missing tenant name: %s", body)
	}

	if err := NewCSVSink(testLogger()).Deliver(context.Background(), testDelivery("")); err == nil {
		t.Error("Deliver(empty path) error = nil, want error")
	}
}

type fakeUploader struct {
	inputs []s3.UploadInput
}

func (f *fakeUploader) Upload(ctx context.Context, in s3.UploadInput) (*s3.UploadOutput, error) {
	f.inputs = append(f.inputs, in)
	return &s3.UploadOutput{Key: in.Key, Location: "s3://bucket/" + in.Key}, nil
}

func TestS3Sink(t *testing.T) {
	up := &fakeUploader{}
	if err := NewS3Sink(up, testLogger()).Deliver(context.Background(), testDelivery("/exports/")); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	wantKeys := []string{
		"exports/Acme_Corp/20240701T093000Z/average_metrics.csv",
		"exports/Acme_Corp/20240701T093000Z/completion_rates.csv",
		"exports/Acme_Corp/20240701T093000Z/individual_cases.csv",
		"exports/Acme_Corp/20240701T093000Z/report.json",
	}
	if len(up.inputs) != len(wantKeys) {
		t.Fatalf("uploads = %d, want %d", len(up.inputs), len(wantKeys))
	}
	for i, want := range wantKeys {
		if up.inputs[i].Key != want {
			t.Errorf("key[%d] = %s, want %s", i, up.inputs[i].Key, want)
		}
	}

	var report Report
	if err := json.Unmarshal(up.inputs[3].Body, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.TenantName != "Acme Corp" || report.ScheduleID != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.ExportedAt != "2024-07-01T09:30:00.000000+00:00" {
		t.Errorf("ExportedAt = %s", report.ExportedAt)
	}
	if up.inputs[0].Metadata["run-id"] != "7b5d1c9e-2f5a-4e11-9c3a-0d8e7a6b5c4d" {
		t.Errorf("metadata = %v", up.inputs[0].Metadata)
	}
}

type fakePublisher struct {
	topic string
	key   string
	value any
}

func (f *fakePublisher) ProduceJSON(ctx context.Context, topic, key string, value any) error {
	f.topic, f.key, f.value = topic, key, value
	return nil
}

func TestKafkaSink(t *testing.T) {
	pub := &fakePublisher{}
	if err := NewKafkaSink(pub).Deliver(context.Background(), testDelivery("mttx-metrics")); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if pub.topic != "mttx-metrics" || pub.key != "Acme Corp" {
		t.Errorf("topic, key = %q, %q", pub.topic, pub.key)
	}
	report, ok := pub.value.(Report)
	if !ok {
		t.Fatalf("value type = %T, want Report", pub.value)
	}
	if len(report.Outputs) != 3 {
		t.Errorf("outputs = %v, want 3 sections", report.Outputs)
	}

	if err := NewKafkaSink(pub).Deliver(context.Background(), testDelivery("")); err == nil {
		t.Error("Deliver(no topic) error = nil, want error")
	}
}

type fakeRowWriter struct {
	rows   []archive.CaseMetricRow
	closed bool
}

func (f *fakeRowWriter) Write(rows ...archive.CaseMetricRow) error {
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeRowWriter) Close() error {
	f.closed = true
	return nil
}

func TestClickHouseSink(t *testing.T) {
	w := &fakeRowWriter{}
	var table string
	sink := NewClickHouseSink(func(ctx context.Context, name string) (RowWriter, error) {
		table = name
		return w, nil
	})

	if err := sink.Deliver(context.Background(), testDelivery("")); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if table != archive.DefaultTable {
		t.Errorf("table = %s, want %s", table, archive.DefaultTable)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if len(w.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(w.rows))
	}
	if w.rows[0].CaseID != "101" || *w.rows[0].MTTR != 600 {
		t.Errorf("row[0] = %+v", w.rows[0])
	}
	if w.rows[1].MTTC != nil || w.rows[1].MTTD != nil {
		t.Errorf("unknown intervals should be nil, got %+v", w.rows[1])
	}

	if err := sink.Deliver(context.Background(), testDelivery("bad table;")); !errors.Is(err, archive.ErrInvalidTable) {
		t.Errorf("Deliver(bad table) error = %v, want ErrInvalidTable", err)
	}
}

func TestClickHouseSinkSkipsWithoutIndividualCases(t *testing.T) {
	opened := false
	sink := NewClickHouseSink(func(ctx context.Context, name string) (RowWriter, error) {
		opened = true
		return &fakeRowWriter{}, nil
	})

	d := testDelivery("")
	d.Outputs = mttx.Outputs{AverageMetrics: true, CompletionRates: true}
	if err := sink.Deliver(context.Background(), d); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if opened {
		t.Error("writer opened although individual cases are not selected")
	}
}
