package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"secops-toolkit/internal/cache"
	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/feeds"
	"secops-toolkit/internal/feeds/gti"
	"secops-toolkit/internal/feeds/misp"
	"secops-toolkit/internal/metrics"
)

func newFeedsCmd(a *app) *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Import IOC feeds into Chronicle",
	}
	cmd.PersistentFlags().DurationVar(&every, "every", 0, "poll at this interval instead of running once")

	cmd.AddCommand(&cobra.Command{
		Use:   "misp",
		Short: "Import recently published MISP attributes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := misp.NewSource(a.cfg.Feeds.MISP, a.logger)
			if err != nil {
				return err
			}
			pcfg := a.cfg.Feeds.Pipeline
			if pcfg.UseCaseName == "" {
				pcfg.UseCaseName = misp.DefaultUseCaseName
			}
			return a.runFeed(cmd, src, pcfg, every)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "gti",
		Short: "Import the Google Threat Intelligence IOC stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := gti.NewSource(a.cfg.Feeds.GTI, a.logger)
			if err != nil {
				return err
			}
			pcfg := a.cfg.Feeds.Pipeline
			if pcfg.UseCaseName == "" {
				pcfg.UseCaseName = gti.DefaultUseCaseName
			}
			return a.runFeed(cmd, src, pcfg, every)
		},
	})

	return cmd
}

func (a *app) runFeed(cmd *cobra.Command, src feeds.Source, pcfg feeds.Config, every time.Duration) error {
	ctx := cmd.Context()

	importer, err := chronicle.NewClient(ctx, a.cfg.Chronicle.Config, a.cfg.Chronicle.Instance(), chronicle.WithLogger(a.logger))
	if err != nil {
		return err
	}
	store, err := cache.Open(ctx, a.cfg.Redis)
	if err != nil {
		return fmt.Errorf("feed state store: %w", err)
	}
	defer store.Close()

	p := feeds.NewPipeline(src, importer, store, pcfg, a.logger, feeds.WithMetrics(metrics.New()))

	if every > 0 {
		a.logger.Info("polling feed", "feed", src.Name(), "every", every)
		err := p.RunEvery(ctx, every)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	res, err := p.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: fetched %d, duplicates %d, dropped %d, imported %d in %d chunks\n",
		src.Name(), res.Fetched, res.Duplicates, res.Dropped, res.Imported, res.Chunks)
	return nil
}
