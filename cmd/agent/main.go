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
	"market-relay/internal/trace"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to agent config")
	flag.Parse()

	if err := initializeSystem(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize system: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		logger.ErrorWithErr(ctx, "Agent exited with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(sctx)
	}()

	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	compressOldLogs(ctx)

	term, err := initializeTerminal(ctx, cfg)
	if err != nil {
		return err
	}
	a, err := initializeAgent(cfg, term)
	if err != nil {
		return err
	}
	link := initializeLink(cfg, a)
	summarizer := initializeEOD()

	logger.Info(ctx, "Agent starting",
		"provider_id", cfg.ProviderID,
		"user_id", cfg.UserID,
		"mode", cfg.Mode,
		"relay", cfg.Relay.URL,
		"version", version,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error { return runEOD(gctx, summarizer) })
	err = g.Wait()

	logger.Info(ctx, "Agent stopped", "state", a.State().String())
	return err
}
