// Package cmd provides CLI commands for the relay daemon and its tools.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - agent communication and escalation",
	Long: `Relay routes questions between agents in a squad, escalates them up
the squad's chain when response windows lapse, and keeps a queryable
history of every message exchanged.`,
}

func Execute() error {
	return rootCmd.Execute()
}
