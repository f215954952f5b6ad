package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"

	"photomarket/internal/blob"
	"photomarket/internal/models"
	"photomarket/internal/pipeline"
	"photomarket/internal/server"
	"photomarket/internal/storage"
	"photomarket/internal/transform"
)

func main() {
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler).With(slog.String("service", "photomarket")))
	logger := slog.Default().With(slog.String("component", "main"))

	cfg, err := models.LoadConfig("config.yaml")
	if err != nil {
		logger.Error("failed to load config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	db, err := storage.NewStorage(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to init storage", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	blobs, err := blob.NewMinioStore(cfg)
	if err != nil {
		logger.Error("failed to init blob store", slog.String("err", err.Error()))
		os.Exit(1)
	}

	transformer, err := transform.NewService(cfg.WatermarkText)
	if err != nil {
		logger.Error("failed to init transform service", slog.String("err", err.Error()))
		os.Exit(1)
	}

	fetcher := &blob.HTTPFetcher{Client: &http.Client{Timeout: cfg.CallTimeout()}}

	pipe := pipeline.New(cfg, db, blobs, fetcher, transformer)
	pruner := pipeline.NewPruner(db, blobs)
	notifier := server.NewKafkaNotifier(cfg)

	// Attach events nudge the pipeline between cron runs. The claimer keeps
	// overlapping runs from double-processing, so firing eagerly is safe.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		consumer := kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{cfg.KafkaBroker},
			Topic:   cfg.KafkaTopic,
			GroupID: "photo-pipeline-group",
		})
		defer consumer.Close()

		for {
			msg, err := consumer.ReadMessage(ctx)
			if err != nil {
				if err == context.Canceled {
					return
				}
				logger.Error("error reading attach event", slog.String("err", err.Error()))
				continue
			}
			report, err := pipe.Run(ctx)
			if err != nil {
				logger.Error("nudged pipeline run failed",
					slog.String("album_id", string(msg.Value)),
					slog.String("err", err.Error()))
				continue
			}
			logger.Info("nudged pipeline run finished",
				slog.String("album_id", string(msg.Value)),
				slog.Int("successful", report.Successful),
				slog.Int("failed", report.Failed))
		}
	}()

	srv := server.NewServer(cfg, db, pipe, pruner, blobs, notifier)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("failed to start server", slog.String("err", err.Error()))
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	notifier.Close()
}
