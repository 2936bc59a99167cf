package sigma

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"secops-toolkit/internal/metrics"
	"secops-toolkit/internal/storage"
)

// ErrEmptyConversion is returned when the converter prints nothing.
var ErrEmptyConversion = errors.New("sigma: converter produced no output")

// ConvertStore is the repository surface used by a Converter.
type ConvertStore interface {
	GetSigmaRule(ctx context.Context, id int64) (*storage.SigmaRule, error)
	UpsertYaraLRule(ctx context.Context, sigmaRuleID int64, content, source string) (*storage.YaraLRule, error)
	SetConversionResult(ctx context.Context, id int64, status, errMsg string) error
}

// CommandFunc runs a command and returns its stdout.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommand runs a process, folding stderr into the error.
func ExecCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

// Converter turns stored Sigma rules into YARA-L with an external tool.
type Converter struct {
	store   ConvertStore
	config  Config
	run     CommandFunc
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewConverter creates a Converter. A nil run uses ExecCommand.
func NewConverter(store ConvertStore, cfg Config, run CommandFunc, m *metrics.Metrics, logger *slog.Logger) *Converter {
	if run == nil {
		run = ExecCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.ConverterCommand) == 0 {
		cfg.ConverterCommand = DefaultConfig().ConverterCommand
	}
	return &Converter{store: store, config: cfg, run: run, metrics: m, logger: logger}
}

// Convert runs the converter on raw rule YAML and returns the YARA-L text.
func (c *Converter) Convert(ctx context.Context, raw string) (string, error) {
	f, err := os.CreateTemp("", "sigma-*.yml")
	if err != nil {
		return "", fmt.Errorf("create temp rule: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(raw); err != nil {
		f.Close()
		return "", fmt.Errorf("write temp rule: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write temp rule: %w", err)
	}

	if c.config.ConvertTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConvertTimeout)
		defer cancel()
	}

	cmd := c.config.ConverterCommand
	args := append(append([]string{}, cmd[1:]...), f.Name())
	out, err := c.run(ctx, cmd[0], args...)
	if err != nil {
		return "", fmt.Errorf("sigma convert: %w", err)
	}

	text := strings.TrimSpace(string(out))
	if text == "" {
		return "", ErrEmptyConversion
	}
	return strings.ReplaceAll(text, "conditions:", "condition:"), nil
}

const resultWriteTimeout = 5 * time.Second

// ConvertRule converts one stored rule and records the outcome on it.
func (c *Converter) ConvertRule(ctx context.Context, id int64) error {
	rule, err := c.store.GetSigmaRule(ctx, id)
	if err != nil {
		return err
	}

	text, convErr := c.Convert(ctx, rule.RawContent)
	if convErr == nil {
		if _, err := c.store.UpsertYaraLRule(ctx, id, text, storage.SourceConverter); err != nil {
			convErr = err
		}
	}

	// Record the result even if ctx was cancelled during the conversion.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()

	if convErr != nil {
		c.metrics.Conversion(storage.ConversionFailed)
		c.logger.Warn("sigma conversion failed", "rule_id", id, "title", rule.Title, "error", convErr)
		if err := c.store.SetConversionResult(wctx, id, storage.ConversionFailed, convErr.Error()); err != nil {
			return err
		}
		return convErr
	}

	c.metrics.Conversion(storage.ConversionSuccess)
	c.logger.Info("sigma rule converted", "rule_id", id, "title", rule.Title)
	return c.store.SetConversionResult(wctx, id, storage.ConversionSuccess, "")
}

// ConvertRules converts each rule in turn and returns how many succeeded.
func (c *Converter) ConvertRules(ctx context.Context, ids []int64) int {
	ok := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := c.ConvertRule(ctx, id); err == nil {
			ok++
		}
	}
	c.logger.Info("sigma conversion batch finished", "requested", len(ids), "converted", ok)
	return ok
}
