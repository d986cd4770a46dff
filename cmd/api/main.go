package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"newsletter/internal/awsutil"
	"newsletter/internal/config"
	"newsletter/internal/httpserver"
	"newsletter/internal/logging"
	"newsletter/internal/observability"
	sqsqueue "newsletter/internal/queue/sqs"
	"newsletter/internal/util"
	"newsletter/internal/wiring"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := wiring.Build(ctx, wiring.Settings{
		DB:        cfg.DBSettings,
		Mail:      cfg.MailSettings,
		Dispatch:  cfg.DispatchSettings,
		RedisAddr: cfg.RedisAddr,
	})
	if err != nil {
		slog.Error("api engine init failed", "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	if cfg.SQSQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		engine.Service.Queue = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.Register(reg)

	s := httpserver.New()
	api := &httpserver.API{
		Svc:   engine.Service,
		IDGen: util.NewRunID,
	}
	api.Register(s.Mux)
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, engine.Ready...))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.Handler(observability.APIRequests),
	}
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: httpserver.NewMetricsMux(reg),
	}

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		// a synchronous run keeps its handler open until the last batch is recorded
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api shutdown incomplete", "err", err)
		}
		if err := engine.Service.Wait(shutdownCtx); err != nil {
			slog.Error("api shutdown with runs still in progress", "err", err)
		}
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port, "store", cfg.StoreDriver, "mail", cfg.MailDriver)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
	<-drained
}
