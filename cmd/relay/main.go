package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay between WebSocket clients, processes, a UDP sensor and the backbone",
	Long: `relay accepts UI clients on /client and processing workers on /process,
ingests raw UDP datagrams from the sensor source, and bridges all of them
through a Redis Pub/Sub backbone.

Examples:
  relay serve --config relay.yaml
  relay version`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "relay %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
