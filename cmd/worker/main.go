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

	"document-job-queue/internal/app"
	"document-job-queue/internal/config"
	"document-job-queue/internal/logging"
	"document-job-queue/internal/models"
	"document-job-queue/internal/telemetry"
	"document-job-queue/internal/worker"
)

func main() {
	cfg := config.MustLoad()
	log := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "worker"})

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

	objects, err := worker.NewObjectStore(ctx, cfg.Storage)
	if err != nil {
		log.Error("init object storage", slog.Any("error", err))
		os.Exit(1)
	}

	processor := worker.NewProcessor(a.Store, worker.Config{
		WorkerID:         cfg.Worker.ID,
		Queues:           cfg.Worker.Queues,
		Concurrency:      cfg.Worker.Concurrency,
		PollInterval:     cfg.Worker.PollInterval,
		PollJitter:       cfg.Worker.PollJitter,
		ShutdownGrace:    cfg.Worker.ShutdownGrace,
		StalledThreshold: cfg.Worker.StalledThreshold,
	}, worker.WithLogger(log), worker.WithAlerter(a.Alerter))

	ocr := worker.NewOCRHandler(objects,
		worker.NewHTTPOCREngine(cfg.OCREngineURL, cfg.CollaboratorTimeout),
		a.Credits, a.Surge, cfg.Credits.PerOCRJob,
		worker.WithOCRLogger(log))
	reports := worker.NewReportHandler(objects, worker.NewHTTPRenderer(cfg.ReportRendererURL, cfg.CollaboratorTimeout))
	processor.RegisterHandler(models.QueueOCR, ocr.Handle)
	processor.RegisterHandler(models.QueueReport, reports.Handle)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return a.Cleanup.Run(gctx, cfg.Retention.AutoInterval) })
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", slog.Any("error", err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	log.Info("worker started",
		slog.String("worker_id", processor.WorkerID()),
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Any("queues", cfg.Worker.Queues))
	if err := g.Wait(); err != nil {
		log.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("worker stopped")
}
