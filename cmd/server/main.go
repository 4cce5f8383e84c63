// Package main is the entry point for the anonymization API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/api"
	"github.com/openredact/clinical/internal/bootstrap"
	"github.com/openredact/clinical/internal/config"
	"github.com/openredact/clinical/pkg/logger"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	zapLogger, err := logger.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer zapLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.Build(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to start", zap.Error(err))
	}
	defer rt.Close()

	deps := api.Deps{
		Service: rt.Service,
		JobTTL:  cfg.Jobs.ResultTTL,
		Logger:  zapLogger,
	}
	if rt.Redis != nil {
		deps.Jobs = rt.Redis
		deps.Audit = rt.Redis
		deps.Limiter = rt.Redis
	}
	if rt.ClickHouse != nil {
		deps.Stats = rt.ClickHouse
	}
	server := api.NewServer(cfg.Server, deps)

	// Handle shutdown signals
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting anonymization API", zap.String("addr", cfg.Server.Addr))
		errc <- server.Listen(cfg.Server.Addr)
	}()

	select {
	case <-sigterm:
		zapLogger.Info("Shutting down server...")
	case err := <-errc:
		if err != nil {
			zapLogger.Error("Server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("Shutdown incomplete", zap.Error(err))
	}
}
