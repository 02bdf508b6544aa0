package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Document compliance event ledger",
	Long:  `Event-sourced storage core for document compliance reviews: append-only event log, snapshots, projections and recovery tooling`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
