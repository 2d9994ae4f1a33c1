package main

import (
	"encoding/json"

	"calsync/internal/ops"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and resolve the config, then print the coordinator options",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := ops.Load(configPath)
		if err != nil {
			return err
		}
		opts := loaded.Options()
		summary := map[string]any{
			"endpoint":             opts.Endpoint,
			"authenticated":        loaded.Credentials != nil,
			"backoff_initial":      opts.Backoff.Initial.String(),
			"backoff_max":          opts.Backoff.Max.String(),
			"max_attempts":         opts.MaxAttempts,
			"heartbeat_period":     opts.HeartbeatPeriod.String(),
			"heartbeat_timeout":    opts.HeartbeatTimeout.String(),
			"debounce":             opts.Debounce.String(),
			"registration_timeout": opts.RegistrationTimeout.String(),
			"inline_calendars":     len(loaded.Calendars),
			"selection_file":       loaded.SelectionFile,
			"database":             loaded.Postgres != nil,
			"fetch":                loaded.Fetch != nil,
			"reachability_probe":   loaded.Probe != nil,
			"ops_listen":           loaded.OpsListen,
			"profiling":            loaded.Profiling.Enabled,
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}
