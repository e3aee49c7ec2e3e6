package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/lookup"
	"github.com/sells-group/phone-enrich/internal/monitoring"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// initEnv migrates on open.
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()
		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail and requeue records stuck in processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rc := cfg.Lookup.Reaper
		reaper := lookup.NewReaper(env.Store, env.Queue, time.Duration(rc.StuckAfterMins)*time.Minute, rc.BatchSize)
		n, err := reaper.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		zap.L().Info("reap complete", zap.Int("requeued", n))
		return nil
	},
}

var monitorSend bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Collect a monitoring snapshot and evaluate alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := monitoring.NewCollector(env.Store, env.Breakers).Collect(ctx, cfg.Monitoring.LookbackWindowHours)
		if err != nil {
			return err
		}
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)
		if monitorSend && len(alerts) > 0 {
			sent := alerter.SendAlerts(ctx, alerts)
			zap.L().Info("alerts sent", zap.Int("sent", sent), zap.Int("triggered", len(alerts)))
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"snapshot": snap, "alerts": alerts})
	},
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorSend, "send", false, "deliver triggered alerts to the configured webhook")
	rootCmd.AddCommand(migrateCmd, reapCmd, monitorCmd)
}
