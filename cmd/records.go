package main

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and manage phone records",
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <phone>",
	Short: "Create a record and schedule its carrier lookup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Lookup.Create(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		zap.L().Info("lookup scheduled", zap.String("record_id", rec.ID), zap.String("phone", rec.PhoneE164))
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a record, its merge history and provider calls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Store.GetRecord(ctx, args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return eris.Errorf("record %s not found", args[0])
		}
		merges, err := env.Store.ListMerges(ctx, rec.ID)
		if err != nil {
			return err
		}
		calls, err := env.Store.ListProviderCalls(ctx, rec.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"record":         rec,
			"merges":         merges,
			"provider_calls": calls,
		})
	},
}

var recordsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a failed record back to pending and schedule a fresh lookup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Lookup.ForceRetry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	recordsCmd.AddCommand(recordsShowCmd, recordsRetryCmd)
	rootCmd.AddCommand(lookupCmd, recordsCmd)
}
