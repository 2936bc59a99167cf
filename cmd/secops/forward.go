package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/forwarder"
	"secops-toolkit/internal/kafka"
	"secops-toolkit/internal/metrics"
)

func newForwardCmd(a *app) *cobra.Command {
	var topic, logType string

	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Forward raw log lines from a Kafka topic to Chronicle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			kcfg := a.cfg.Kafka
			if topic != "" {
				kcfg.Topic = topic
			}
			fcfg := a.cfg.Forwarder
			if logType != "" {
				fcfg.LogType = logType
			}

			inst := a.cfg.Chronicle.Instance()
			if fcfg.Region != "" {
				inst.Region = fcfg.Region
			}
			if fcfg.CustomerID == "" {
				fcfg.CustomerID = inst.CustomerID
			}

			client, err := chronicle.NewClient(ctx, a.cfg.Chronicle.Config, inst, chronicle.WithLogger(a.logger))
			if err != nil {
				return err
			}

			reader, err := kafka.NewReader(&kcfg, a.logger)
			if err != nil {
				return err
			}
			defer reader.Close()

			fwd, err := forwarder.New(reader, client, fcfg, a.logger, forwarder.WithMetrics(metrics.New()))
			if err != nil {
				return err
			}
			err = fwd.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Kafka topic (overrides kafka.topic)")
	cmd.Flags().StringVar(&logType, "log-type", "", "Chronicle log type (overrides forwarder.log_type)")
	return cmd
}
