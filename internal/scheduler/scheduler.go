// Package scheduler runs MTTx analyses on cron schedules and delivers the
// results to each schedule's destinations.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"secops-toolkit/internal/metrics"
	"secops-toolkit/internal/mttx"
	"secops-toolkit/internal/storage"
)

// DefaultRunTimeout bounds a single scheduled run.
const DefaultRunTimeout = 30 * time.Minute

// Store is the subset of the repository the scheduler reads.
type Store interface {
	ListEnabledSchedules(ctx context.Context) ([]storage.Schedule, error)
	GetSchedule(ctx context.Context, id int64) (*storage.Schedule, error)
	GetTenant(ctx context.Context, id int64) (*storage.Tenant, error)
	ListDestinations(ctx context.Context, scheduleID int64) ([]storage.ScheduleDestination, error)
}

// Analyzer runs and calculates an analysis.
type Analyzer interface {
	Run(ctx context.Context, tenantID int64, timeUnit string, startVal int) (*mttx.AnalysisResult, error)
	Calculate(ctx context.Context, tenantID int64, history, cases json.RawMessage) (*mttx.Metrics, error)
}

// Scheduler keeps one cron entry per enabled schedule.
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	analyzer Analyzer
	sinks    map[string]Sink
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[int64]cron.EntryID

	// background tracks RunNow goroutines so Stop can wait for them.
	background sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records run and delivery counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithRunTimeout overrides DefaultRunTimeout.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New creates a Scheduler. sinks is keyed by destination type.
func New(store Store, analyzer Analyzer, sinks map[string]Sink, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		store:    store,
		analyzer: analyzer,
		sinks:    sinks,
		logger:   logger,
		timeout:  DefaultRunTimeout,
		now:      time.Now,
		entries:  make(map[int64]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins firing cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron and waits for running jobs, or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()

	bgDone := make(chan struct{})
	go func() {
		s.background.Wait()
		close(bgDone)
	}()

	for _, done := range []<-chan struct{}{cronDone.Done(), bgDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Sync replaces every cron entry with the enabled schedules in the store.
func (s *Scheduler) Sync(ctx context.Context) error {
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	s.mu.Lock()
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	var errs []error
	for i := range schedules {
		if err := s.Upsert(&schedules[i]); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("schedules synced", "count", len(s.Entries()))
	return errors.Join(errs...)
}

// Upsert registers or re-registers a schedule. Disabled schedules are removed.
// The old entry is replaced under s.mu so concurrent upserts of one schedule
// leave exactly one entry.
func (s *Scheduler) Upsert(sched *storage.Schedule) error {
	if !sched.IsEnabled {
		s.Remove(sched.ID)
		return nil
	}

	spec, err := cron.ParseStandard(sched.CronSchedule)
	if err != nil {
		s.Remove(sched.ID)
		return fmt.Errorf("schedule %d: invalid cron %q: %w", sched.ID, sched.CronSchedule, err)
	}

	id := sched.ID
	job := cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Run(ctx, id); err != nil {
			s.logger.Error("scheduled run failed", "schedule_id", id, "error", err)
		}
	})

	s.mu.Lock()
	s.removeLocked(id)
	s.entries[id] = s.cron.Schedule(spec, job)
	s.mu.Unlock()

	s.logger.Debug("schedule registered", "schedule_id", id, "cron", sched.CronSchedule)
	return nil
}

// Remove drops a schedule's cron entry, if any.
func (s *Scheduler) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Scheduler) removeLocked(id int64) {
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

// Entries returns the registered schedule ids with their next fire time.
func (s *Scheduler) Entries() map[int64]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]time.Time, len(s.entries))
	for id, entry := range s.entries {
		out[id] = s.cron.Entry(entry).Next
	}
	return out
}

// RunNow starts a run in the background and returns immediately.
func (s *Scheduler) RunNow(id int64) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Run(ctx, id); err != nil {
			s.logger.Error("manual run failed", "schedule_id", id, "error", err)
		}
	}()
}

// Run executes one analysis for a schedule and delivers it. A missing or
// disabled schedule is skipped. A failing destination is logged and does not
// stop the others.
func (s *Scheduler) Run(ctx context.Context, id int64) error {
	runID := uuid.New()
	logger := s.logger.With("run_id", runID.String(), "schedule_id", id)

	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			logger.Warn("schedule no longer exists, skipping")
			return nil
		}
		s.metrics.AnalysisRun("error")
		return err
	}
	if !sched.IsEnabled {
		logger.Info("schedule disabled, skipping")
		return nil
	}

	tenant, err := s.store.GetTenant(ctx, sched.TenantID)
	if err != nil {
		s.metrics.AnalysisRun("error")
		return fmt.Errorf("load tenant %d: %w", sched.TenantID, err)
	}
	logger = logger.With("tenant", tenant.Name)
	logger.Info("starting scheduled analysis", "time_unit", sched.TimeUnit, "start_time_val", sched.StartTimeVal)

	result, err := s.analyzer.Run(ctx, tenant.ID, sched.TimeUnit, sched.StartTimeVal)
	if err != nil {
		s.metrics.AnalysisRun("error")
		return fmt.Errorf("run analysis: %w", err)
	}
	m, err := s.analyzer.Calculate(ctx, tenant.ID, result.CaseHistoryData, result.CaseMTTDData)
	if err != nil {
		if errors.Is(err, mttx.ErrNoData) {
			logger.Warn("analysis returned no calculable data")
			s.metrics.AnalysisRun("empty")
			return nil
		}
		s.metrics.AnalysisRun("error")
		return fmt.Errorf("calculate metrics: %w", err)
	}

	outputs := mttx.Outputs{
		AverageMetrics:  sched.OutputAvgMetrics,
		CompletionRates: sched.OutputCompletionRates,
		IndividualCases: sched.OutputIndividualCases,
	}
	filtered := outputs.Filter(m)
	logger.Info("scheduled analysis complete",
		"total_cases", m.CompletionRates.TotalCases,
		"outputs", filtered,
	)

	dests, err := s.store.ListDestinations(ctx, sched.ID)
	if err != nil {
		s.metrics.AnalysisRun("error")
		return fmt.Errorf("list destinations: %w", err)
	}

	d := Delivery{
		RunID:    runID,
		Schedule: sched,
		Tenant:   tenant,
		Metrics:  m,
		Outputs:  outputs,
		Time:     s.now(),
	}
	delivered := 0
	for _, dest := range dests {
		if !dest.IsEnabled {
			continue
		}
		sink, ok := s.sinks[dest.DestinationType]
		if !ok {
			logger.Warn("no sink configured for destination", "type", dest.DestinationType, "destination_id", dest.ID)
			s.metrics.Delivery(dest.DestinationType, errSinkMissing)
			continue
		}

		d.Path = dest.Path
		err := sink.Deliver(ctx, d)
		s.metrics.Delivery(dest.DestinationType, err)
		if err != nil {
			logger.Error("destination delivery failed",
				"type", dest.DestinationType,
				"destination_id", dest.ID,
				"path", dest.Path,
				"error", err,
			)
			continue
		}
		delivered++
		logger.Info("destination delivered", "type", dest.DestinationType, "path", dest.Path)
	}

	s.metrics.AnalysisRun("ok")
	logger.Info("scheduled run finished", "destinations", delivered)
	return nil
}

var errSinkMissing = errors.New("scheduler: sink not configured")

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
