package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-ytfetch-service/internal/cleaner"
	"go-ytfetch-service/internal/extractor"
	"go-ytfetch-service/internal/jobstore"
	"go-ytfetch-service/internal/orchestrator"
	"go-ytfetch-service/internal/server"
	"go-ytfetch-service/internal/stats"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := globalConfig

	store, err := jobstore.Open(cfg.StoragePath, cfg.SlotTTL(), cfg.DiskFloorBytes())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Failed to close job store")
		}
	}()

	ext := extractor.NewYtDlp(extractor.Options{
		BinaryPath: cfg.Extract.Binary,
		UserAgent:  cfg.Extract.UserAgent,
		CookiesB64: cfg.Extract.CookiesB64,
		POTokenURL: cfg.Extract.POTokenURL,
	})

	st := stats.New()
	orc := orchestrator.New(store, ext, st, orchestrator.Options{
		Concurrency:    cfg.Download.Concurrency,
		QueueWait:      cfg.Download.QueueWait(),
		DefaultTimeout: cfg.Download.Timeout(),
		MaxTimeout:     cfg.Download.MaxTimeout(),
		ProbeTimeout:   cfg.Download.ProbeTimeout(),
		InlineMaxBytes: cfg.Download.InlineMaxBytes,
		AllowedHosts:   cfg.AllowedHosts,
	})

	srv := server.New(orc, store, st, Version, cfg.AllowedOrigins)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleaner.New(store, cfg.CleanupInterval()).Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s (version %s, concurrency %d, slot TTL %s)",
			cfg.ListenAddr, Version, cfg.Download.Concurrency, cfg.SlotTTL())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server did not shut down cleanly")
	}

	wg.Wait()
	log.Info("Shutdown complete")
	return nil
}
