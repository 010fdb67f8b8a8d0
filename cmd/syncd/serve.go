package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jun/drivesync/internal/app"
)

const httpShutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run periodic sync and the operator HTTP endpoints",
	Long: `Run the sync engine until interrupted.

The engine waits for provider configuration, follows the authentication
lifecycle and sweeps the provider on SYNC_INTERVAL. The HTTP listener serves
the OAuth login flow, sync status, manual sync, /healthz and /metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides LISTEN_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.ListenAddr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer application.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           application.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return application.Orchestrator.Run(gctx)
	})
	g.Go(func() error {
		err := application.Auth.MonitorConfiguration(gctx, cfg.ConfigPollInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.WithField("addr", cfg.ListenAddr).Info("Listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("Stopped")
	return err
}
