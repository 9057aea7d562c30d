package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/themisdb/themisdb/internal/config"
	"github.com/themisdb/themisdb/pkg/orchestrator"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <directory>",
	Short: "Take a consistent point-in-time snapshot of the engine",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpoint,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	initLogging(cmd)
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	o, err := orchestrator.Open(cfg, nil)
	if err != nil {
		return fmt.Errorf("open orchestrator: %w", err)
	}
	defer o.Close()

	path, err := o.Checkpoint(args[0])
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	fmt.Println(path)
	return nil
}
