package soar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"secops-toolkit/internal/metrics"
)

// CloserConfig controls which cases the closer targets.
type CloserConfig struct {
	Title    string        `yaml:"title"`
	Days     int           `yaml:"days"`
	Interval time.Duration `yaml:"interval"`
	MaxPages int           `yaml:"max_pages"`
}

// DefaultCloserConfig returns the overflow case defaults.
func DefaultCloserConfig() CloserConfig {
	return CloserConfig{
		Title:    "Overflow Case",
		Days:     30,
		Interval: 300 * time.Second,
		MaxPages: 1000,
	}
}

// Closer bulk-closes open cases matching a title, one environment at a time.
type Closer struct {
	client  *Client
	config  CloserConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCloser creates a Closer.
func NewCloser(client *Client, cfg CloserConfig, logger *slog.Logger) *Closer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultCloserConfig().MaxPages
	}
	return &Closer{client: client, config: cfg, logger: logger, now: time.Now}
}

// WithMetrics counts closed cases.
func (c *Closer) WithMetrics(m *metrics.Metrics) *Closer {
	c.metrics = m
	return c
}

// Run performs a single pass and returns the number of cases closed.
func (c *Closer) Run(ctx context.Context) (int, error) {
	envs, err := c.client.GetEnvironments(ctx)
	if err != nil {
		return 0, fmt.Errorf("get environments: %w", err)
	}
	if len(envs) == 0 {
		c.logger.Warn("no environments found, nothing to process")
		return 0, nil
	}

	end := c.now().UTC()
	start := end.AddDate(0, 0, -c.config.Days)

	total := 0
	for _, env := range envs {
		ids, err := c.collect(ctx, env, start, end)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			c.logger.Debug("no matching cases", "environment", env)
			continue
		}

		if err := c.client.BulkClose(ctx, ids, "", 0, ""); err != nil {
			return total, fmt.Errorf("close cases in %s: %w", env, err)
		}
		c.logger.Info("cases closed", "environment", env, "count", len(ids))
		c.metrics.CasesClosed(len(ids))
		total += len(ids)
	}

	c.logger.Info("closer run finished", "closed", total, "title", c.config.Title)
	return total, nil
}

func (c *Closer) collect(ctx context.Context, env string, start, end time.Time) ([]int64, error) {
	req := NewSearchRequest(c.config.Title, start, end)
	req.Environments = []string{env}

	var ids []int64
	for page := 0; page < c.config.MaxPages; page++ {
		req.RequestedPage = page
		results, err := c.client.SearchCases(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("search %s page %d: %w", env, page, err)
		}
		if len(results) == 0 {
			break
		}
		for _, r := range results {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// RunContinuous repeats Run every interval until ctx is done. Errors from
// a single pass are logged and do not stop the loop.
func (c *Closer) RunContinuous(ctx context.Context) error {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := c.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("closer run failed", "error", err)
		}
		c.logger.Info("waiting for next run", "interval", c.config.Interval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
