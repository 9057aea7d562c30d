package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/themisdb/themisdb/internal/config"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/internal/obs/metrics"
	"github.com/themisdb/themisdb/pkg/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ThemisDB engine and expose /metrics",
	Long: `serve opens the KV substrate, runs the full component lifecycle
(integrity check, key priming, index/vector/CDC startup, background
workers), and blocks exposing /metrics over HTTP until interrupted.

Request/response transport (the wire protocol, TLS termination, RBAC)
is handled by an external facade in front of this process; serve only
owns the embedded engine's lifecycle and observability surface.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: mux}

	logger := log.WithComponent("serve")
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	return srv.Close()
}
