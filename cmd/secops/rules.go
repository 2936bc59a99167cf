package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"secops-toolkit/internal/sigma"
)

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Check Sigma rules locally",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <dir>",
		Short: "Parse every .yml Sigma rule under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := sigma.ValidateFS(os.DirFS(args[0]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(out, "FAIL  %s: %v\n", r.Path, r.Err)
					continue
				}
				a.logger.Debug("rule ok", "path", r.Path, "title", r.Title)
				fmt.Fprintf(out, "ok    %s  %s\n", r.Path, r.Title)
			}
			fmt.Fprintf(out, "%d rules, %d failed\n", len(results), failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d rules failed validation", failed, len(results))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "match <rule.yml> <events.json>",
		Short: "Evaluate a Sigma rule against JSON events",
		Long:  "events.json holds one JSON object or an array of objects.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			events, err := decodeEvents(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[1], err)
			}

			results, err := sigma.Evaluate(cmd.Context(), raw, events)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	})

	return cmd
}

// decodeEvents accepts a single object or an array of objects.
func decodeEvents(data []byte) ([]map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		return []map[string]any{event}, nil
	}
	var events []map[string]any
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("want a JSON object or array of objects: %w", err)
	}
	return events, nil
}
