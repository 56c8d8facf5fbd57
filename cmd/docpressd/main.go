package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docpress/docpress/backend"
	"github.com/docpress/docpress/config"
	"github.com/docpress/docpress/db"
	"github.com/docpress/docpress/dispatch"
	"github.com/docpress/docpress/job"
	"github.com/docpress/docpress/logger"
	"github.com/docpress/docpress/processor"
	"github.com/docpress/docpress/result"
	"github.com/docpress/docpress/retry"
	"github.com/docpress/docpress/server"
	"github.com/docpress/docpress/webhook"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "docpressd",
	Short: "docpress - document processing job service",
	Long: `docpress accepts document processing jobs, runs them on a configured
execution backend, and exposes their status and outputs over HTTP.

Examples:
  docpressd serve                    # Start the API server and workers
  docpressd serve -c docpress.yaml   # Start with an explicit config file
  docpressd migrate                  # Apply pending schema migrations`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, retry scheduler, and status poller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log, err := logger.New(cfg.Log.JSON, cfg.Log.Debug)
		if err != nil {
			return err
		}
		conn, err := db.Open(cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		return db.Migrate(conn, log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (optional; DOCPRESS_* env vars always apply)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.JSON, cfg.Log.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(conn, log); err != nil {
		return err
	}

	store := job.NewStore(conn, log)
	registry, err := backend.NewRegistry(cfg, processor.NewFileWorker(cfg.Backends.Local.DataDir, log), log)
	if err != nil {
		return err
	}
	policy := retry.NewPolicy(cfg.Retry)
	dispatcher := dispatch.NewDispatcher(store, registry, policy, cfg.Backends.SubmitTimeout, log)
	gate := result.NewGate(store, dispatcher, log)

	var receiver *webhook.Receiver
	if cfg.Webhook.Secret != "" {
		receiver = webhook.NewReceiver(store, dispatcher, cfg.Webhook.Secret, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := retry.NewScheduler(ctx, store, dispatcher, cfg.Retry.SchedulerInterval, cfg.Retry.StalledSubmitTimeout, log)
	scheduler.Start()
	defer scheduler.Stop()

	poller := retry.NewPoller(ctx, store, registry, dispatcher, cfg.Retry.PollInterval, cfg.Retry.PollRatePerSecond, log)
	poller.Start()
	defer poller.Stop()

	srv := server.New(cfg, store, dispatcher, gate, receiver, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Infow("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP shutdown incomplete", "error", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
