package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var circuitCmd = &cobra.Command{
	Use:   "circuit",
	Short: "Inspect and override provider circuit breakers",
}

var circuitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every known circuit",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		states, err := env.Breakers.States(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROVIDER\tSTATE\tFAILURES\tOPENED\tFORCED")
		for _, s := range states {
			opened := "-"
			if s.OpenedAt != nil {
				opened = s.OpenedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\n", s.Provider, s.State, s.FailureCount, opened, s.Forced)
		}
		return tw.Flush()
	},
}

var circuitResetCmd = &cobra.Command{
	Use:   "reset <provider>",
	Short: "Close a provider's circuit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Breakers.Get(args[0]).Reset(cmd.Context()); err != nil {
			return err
		}
		zap.L().Info("circuit reset", zap.String("provider", args[0]))
		return nil
	},
}

var circuitOpenCmd = &cobra.Command{
	Use:   "open <provider>",
	Short: "Force a provider's circuit open until reset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Breakers.Get(args[0]).ForceOpen(cmd.Context()); err != nil {
			return err
		}
		zap.L().Warn("circuit forced open", zap.String("provider", args[0]))
		return nil
	},
}

func init() {
	circuitCmd.AddCommand(circuitStatusCmd, circuitResetCmd, circuitOpenCmd)
	rootCmd.AddCommand(circuitCmd)
}
