// Package main is the secops command line: SOAR case maintenance, IOC feeds,
// the Kafka log forwarder and Sigma rule checks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"secops-toolkit/internal/config"
	"secops-toolkit/internal/logging"
)

var version = "dev"

// app carries the state shared by every subcommand once setup has run.
type app struct {
	credentialsPath string
	logFile         string
	verbose         bool

	cfg      *config.Config
	creds    *Credentials
	logger   *slog.Logger
	closeLog func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:               "secops",
		Short:             "Security operations toolkit for Chronicle and SOAR",
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.credentialsPath, "credentials", "", "TOML credentials file (default ~/.secops.toml)")
	root.PersistentFlags().StringVar(&a.logFile, "log-file", "", "also write logs to this file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newCasesCmd(a),
		newFeedsCmd(a),
		newForwardCmd(a),
		newRulesCmd(a),
	)
	return root
}

// setup loads configuration, applies the credentials file and installs the
// logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	creds, err := LoadCredentials(a.credentialsPath)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	creds.Apply(cfg)

	opts := logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   firstNonEmpty(a.logFile, cfg.Logging.File),
	}
	if a.verbose {
		opts.Level = "debug"
	}
	logger, closeLog, err := logging.Setup(opts)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.creds = creds
	a.logger = logger
	a.closeLog = closeLog
	return nil
}

func (a *app) close() {
	if a.closeLog != nil {
		a.closeLog()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
