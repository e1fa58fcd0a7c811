package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"document-job-queue/internal/api"
	"document-job-queue/internal/app"
	"document-job-queue/internal/config"
	"document-job-queue/internal/logging"
)

func main() {
	cfg := config.MustLoad()
	log := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "api"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Store.Migrate(); err != nil {
		log.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	server := api.New(a.Manager, a.Monitor, api.WithLogger(log), api.WithEnqueueTimeout(cfg.Queue.AdmissionTimeout))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("api stopped")
}
