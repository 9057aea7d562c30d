package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/themisdb/themisdb/internal/config"
	"github.com/themisdb/themisdb/pkg/orchestrator"
)

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index <table>",
	Short: "Rebuild every secondary and spatial index defined on a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runRebuildIndex,
}

func init() {
	rootCmd.AddCommand(rebuildIndexCmd)
}

func runRebuildIndex(cmd *cobra.Command, args []string) error {
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

	table := args[0]
	if err := o.Index.ReindexTable(table); err != nil {
		return fmt.Errorf("reindex table %s: %w", table, err)
	}
	if err := o.Spatial.Reindex(table); err != nil {
		return fmt.Errorf("reindex spatial columns on %s: %w", table, err)
	}
	fmt.Printf("rebuilt indexes for %s\n", table)
	return nil
}
