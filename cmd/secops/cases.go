package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"secops-toolkit/internal/logging"
	"secops-toolkit/internal/soar"
)

func newCasesCmd(a *app) *cobra.Command {
	cases := &cobra.Command{
		Use:   "cases",
		Short: "SOAR case maintenance",
	}
	cases.AddCommand(newCasesCloseCmd(a))
	return cases
}

func newCasesCloseCmd(a *app) *cobra.Command {
	var (
		url        string
		key        string
		days       int
		title      string
		continuous bool
		interval   int
	)
	def := soar.DefaultCloserConfig()

	cmd := &cobra.Command{
		Use:   "close",
		Short: "Bulk-close open cases whose title matches",
		Long: `Searches every SOAR environment for open cases with the given title
created within the last --days days and closes them in bulk.

The instance URL and API key come from --url/--key, then INSTANCE_URL/API_KEY,
then the credentials file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			clientCfg := a.cfg.SOAR.ClientConfig
			clientCfg.URL = firstNonEmpty(url, os.Getenv("INSTANCE_URL"), clientCfg.URL)
			clientCfg.APIKey = firstNonEmpty(key, os.Getenv("API_KEY"), clientCfg.APIKey)

			client, err := soar.NewClient(clientCfg, a.logger)
			if errors.Is(err, soar.ErrNotConfigured) {
				return fmt.Errorf("%w: pass --url and --key, set INSTANCE_URL and API_KEY, or use the credentials file", err)
			}
			if err != nil {
				return err
			}

			closerCfg := a.cfg.SOAR.Closer
			flags := cmd.Flags()
			if flags.Changed("title") || closerCfg.Title == "" {
				closerCfg.Title = title
			}
			if flags.Changed("days") || closerCfg.Days <= 0 {
				closerCfg.Days = days
			}
			if flags.Changed("interval") || closerCfg.Interval <= 0 {
				closerCfg.Interval = time.Duration(interval) * time.Second
			}
			if closerCfg.Days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			if continuous && closerCfg.Interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}

			a.logger.Info("starting case closer",
				"url", client.APIRoot(),
				"api_key", logging.MaskAPIKey(clientCfg.APIKey),
				"title", closerCfg.Title,
				"days", closerCfg.Days,
				"continuous", continuous,
			)

			closer := soar.NewCloser(client, closerCfg, a.logger)
			if continuous {
				err := closer.RunContinuous(cmd.Context())
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			n, err := closer.Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %d cases\n", n)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&url, "url", "", "SOAR instance URL (env INSTANCE_URL)")
	f.StringVar(&key, "key", "", "SOAR API key (env API_KEY)")
	f.IntVar(&days, "days", def.Days, "look back this many days")
	f.StringVar(&title, "title", def.Title, "case title to close")
	f.BoolVar(&continuous, "continuous", false, "keep running every --interval seconds")
	f.IntVar(&interval, "interval", int(def.Interval/time.Second), "seconds between runs with --continuous")
	return cmd
}
