// Package main is the lucyd CLI: a daemon entry point plus small
// operator commands for inspecting spend and sessions.
//
// Start the daemon:
//
//	lucyd serve --config lucyd.yaml
//
// Inspect spend:
//
//	lucyd cost --period week
//
// List sessions:
//
//	lucyd sessions
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucydhq/lucyd/internal/config"
	"github.com/lucydhq/lucyd/internal/cost"
	"github.com/lucydhq/lucyd/internal/session"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "lucyd",
		Short:         "Multi-channel conversational agent daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to configuration file (or set LUCYD_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildCostCmd(&configPath),
		buildSessionsCmd(&configPath),
		buildVersionCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if path := os.Getenv("LUCYD_CONFIG"); path != "" {
		return path
	}
	return "lucyd.yaml"
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lucyd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lucyd", version)
		},
	}
}

func buildCostCmd(configPath *string) *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Show LLM spend from the cost ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ledger := cost.NewLedger(cfg.CostDBPath())
			summary, err := ledger.SummaryForPeriod(cmd.Context(), period)
			if err != nil {
				return err
			}

			fmt.Printf("Period: %s\n", summary.Period)
			fmt.Printf("Total:  $%.4f\n", summary.TotalCost)
			if summary.SubAgentCost > 0 {
				fmt.Printf("  of which sub-agents: $%.4f\n", summary.SubAgentCost)
			}
			if len(summary.Models) > 0 {
				fmt.Println()
				fmt.Printf("%-40s %12s %12s %10s\n", "MODEL", "INPUT", "OUTPUT", "COST")
				for _, m := range summary.Models {
					fmt.Printf("%-40s %12d %12d %9.4f\n", m.Model, m.InputTokens, m.OutputTokens, m.CostUSD)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", "today", "Spend window: today, week, or all")
	return cmd
}

func buildSessionsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions in the session store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := session.NewStore(cfg.SessionsDir(), nil)
			if err != nil {
				return err
			}

			sessions := store.LoadAll(context.Background())
			if len(sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			fmt.Printf("%-36s %-20s %8s %10s %10s %6s\n", "SESSION", "CONTACT", "MSGS", "IN-TOK", "OUT-TOK", "COMPS")
			for _, sess := range sessions {
				fmt.Printf("%-36s %-20s %8d %10d %10d %6d\n",
					sess.ID, sess.Contact, len(sess.Messages),
					sess.TotalInputTokens, sess.TotalOutputTokens, sess.CompactionCount)
			}
			return nil
		},
	}
}
