package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/themisdb/themisdb/internal/config"
	"github.com/themisdb/themisdb/pkg/integrity"
	"github.com/themisdb/themisdb/pkg/orchestrator"
)

var verifySignaturesCmd = &cobra.Command{
	Use:   "verify-signatures <path>...",
	Short: "Verify (or register) the integrity signature of protected resource files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVerifySignatures,
}

func init() {
	verifySignaturesCmd.Flags().Bool("sign", false, "Register a new signature instead of verifying")
	verifySignaturesCmd.Flags().String("created-by", "admin", "Signer identity recorded with --sign")
	verifySignaturesCmd.Flags().String("comment", "", "Optional comment recorded with --sign")
	rootCmd.AddCommand(verifySignaturesCmd)
}

func runVerifySignatures(cmd *cobra.Command, args []string) error {
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

	sign, _ := cmd.Flags().GetBool("sign")
	createdBy, _ := cmd.Flags().GetString("created-by")
	comment, _ := cmd.Flags().GetString("comment")

	for _, path := range args {
		if sign {
			hash, err := integrity.HashFile(path)
			if err != nil {
				return fmt.Errorf("hash %s: %w", path, err)
			}
			if err := o.Integrity.Sign(path, hash, createdBy, comment); err != nil {
				return fmt.Errorf("sign %s: %w", path, err)
			}
			fmt.Printf("%s: signed\n", path)
			continue
		}
		ok, err := o.Integrity.VerifyFile(path)
		if err != nil {
			return fmt.Errorf("verify %s: %w", path, err)
		}
		if ok {
			fmt.Printf("%s: ok\n", path)
		} else {
			fmt.Printf("%s: FAILED\n", path)
		}
	}
	return nil
}
