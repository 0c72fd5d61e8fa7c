package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-relay/internal/logger"
	"market-relay/internal/relay"
	"market-relay/internal/store"
	"market-relay/internal/trace"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "path to relay config")
	flag.Parse()

	_ = godotenv.Load()
	if err := logger.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if err := trace.Init("market-relay"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		logger.ErrorWithErr(ctx, "Relay exited with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(sctx)
	}()

	cfg, err := store.LoadRelayConfig(configPath)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", configPath)
		return err
	}

	srv, err := relay.New(relay.Config{
		Addr:               cfg.Addr,
		APIKeys:            cfg.APIKeys,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		SweepInterval:      cfg.SweepInterval,
		EventSweepInterval: cfg.EventSweepInterval,
		RequestTimeout:     cfg.RequestTimeout,
		ScanTimeout:        cfg.ScanTimeout,
		EventBuffer:        cfg.EventBuffer,
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "Relay starting", "addr", cfg.Addr, "users", len(cfg.APIKeys))
	return srv.Run(ctx)
}
