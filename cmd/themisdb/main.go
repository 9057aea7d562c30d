package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/themisdb/themisdb/internal/obs/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "themisdb",
	Short: "ThemisDB - a multi-model embedded database engine",
	Long: `ThemisDB unifies relational, graph, vector, time-series and
content-blob storage over a single encrypted key-value substrate, with
secondary indexing, a cost-based query engine, and change-data capture.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ThemisDB version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonFmt, _ := cmd.Flags().GetBool("log-json")
	format := log.ConsoleFormat
	if jsonFmt {
		format = log.JSONFormat
	}
	log.Init(log.Config{Level: log.Level(level), Format: format})
}
