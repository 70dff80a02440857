package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/buildsync/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task driver and the operator API",
	Long: `Start the task driver that executes reconciliation tasks and, when an
api section is configured, the operator HTTP API and event stream.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a, err := newApp(ctx, cfg, cfg.API != nil)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.driver.Start(ctx); err != nil {
		return fmt.Errorf("starting task driver: %w", err)
	}

	var srv api.Server

	if cfg.API != nil {
		srv = api.NewServer(log, cfg.API, a.store, a.queue, a.driver, a.broker)

		if err := srv.Start(ctx); err != nil {
			_ = a.driver.Stop()

			return fmt.Errorf("starting api server: %w", err)
		}
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if srv != nil {
		if err := srv.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop api server")
		}
	}

	if err := a.driver.Stop(); err != nil {
		return fmt.Errorf("stopping task driver: %w", err)
	}

	return nil
}
