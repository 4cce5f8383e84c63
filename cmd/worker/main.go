// Package main is the entry point for the queue worker that processes
// asynchronous anonymization jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/bootstrap"
	"github.com/openredact/clinical/internal/config"
	"github.com/openredact/clinical/internal/pipeline"
	"github.com/openredact/clinical/pkg/logger"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	healthAddr := flag.String("health-addr", ":8081", "Health endpoint address (empty to disable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer zapLogger.Sync()

	if !cfg.Redis.Enabled {
		zapLogger.Fatal("The worker needs redis; set redis.enabled or REDACT_REDIS_ADDR")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.Build(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to start", zap.Error(err))
	}
	defer rt.Close()

	poolConfig := cfg.Pipeline
	poolConfig.Logger = zapLogger
	pool := pipeline.NewWorkerPool(ctx, poolConfig, rt.Service.ProcessJob)
	pool.Start()
	defer pool.Stop()

	consumer := pipeline.NewConsumer(rt.Redis, rt.Redis, pool, pipeline.ConsumerConfig{
		Concurrency: poolConfig.Workers,
		PollTimeout: cfg.Jobs.PollTimeout,
		ResultTTL:   cfg.Jobs.ResultTTL,
		Logger:      zapLogger,
	})

	var health *http.Server
	if *healthAddr != "" {
		health = startHealth(*healthAddr, pool, zapLogger)
	}

	// Handle shutdown signals
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		zapLogger.Info("Worker consuming jobs", zap.Int("concurrency", poolConfig.Workers))
		consumer.Run(ctx)
		close(done)
	}()

	<-sigterm
	zapLogger.Info("Shutting down worker...")
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		zapLogger.Warn("Consumers did not stop in time")
	}

	if health != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		health.Shutdown(shutdownCtx)
	}

	m := pool.GetMetrics()
	zapLogger.Info("Worker stopped",
		zap.Int64("processed", m.Processed),
		zap.Int64("errors", m.Errors),
	)
}

func startHealth(addr string, pool *pipeline.WorkerPool, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if pool.IsHealthy() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"healthy"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unhealthy"}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Health server error", zap.Error(err))
		}
	}()
	return srv
}
