package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "meshmon",
	Short:   "Mesh radio telemetry daemon",
	Version: version,
	Long: `meshmon ingests decoded mesh packets from an MQTT bridge, estimates
per-node hop distance, keeps a queryable node and message cache and
persists everything to an embedded SQLite database.`,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(diffCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
