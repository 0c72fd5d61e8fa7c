package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"market-relay/internal/agent"
	"market-relay/internal/broker/brokerobs"
	"market-relay/internal/broker/paper"
	"market-relay/internal/broker/zerodha"
	"market-relay/internal/engine"
	"market-relay/internal/engine/engineobs"
	"market-relay/internal/eod"
	"market-relay/internal/eod/eodobs"
	"market-relay/internal/interfaces"
	"market-relay/internal/logger"
	"market-relay/internal/orders"
	"market-relay/internal/relaylink"
	"market-relay/internal/scan"
	"market-relay/internal/store"
	"market-relay/internal/trace"
	"market-relay/internal/tradelog"

	"github.com/joho/godotenv"
)

const version = "1.0.0"

// initializeSystem loads .env and sets up logging and tracing.
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init("market-agent"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

func loadConfig(ctx context.Context, path string) (*store.AgentConfig, error) {
	cfg, err := store.LoadAgentConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	return cfg, nil
}

// compressOldLogs compresses old tradelog files if retention is configured
func compressOldLogs(ctx context.Context) {
	v := os.Getenv("TRADER_LOG_RETENTION_DAYS")
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn(ctx, "Ignoring bad TRADER_LOG_RETENTION_DAYS", "value", v)
		return
	}
	if err := tradelog.CompressOlder(n); err != nil {
		logger.Warn(ctx, "Failed to compress old logs", "error", err)
	}
}

// initializeTerminal picks the paper or Kite terminal by mode and wraps it
// with observability.
func initializeTerminal(ctx context.Context, cfg *store.AgentConfig) (interfaces.Terminal, error) {
	var term interfaces.Terminal
	if cfg.Mode == "DRY_RUN" {
		logger.Warn(ctx, "Running in DRY_RUN mode - orders go to the paper terminal")
		term = paper.New(paper.Params{
			Prices:       cfg.Paper.Prices,
			TickInterval: cfg.Paper.TickInterval,
			AckDelay:     cfg.Paper.AckDelay,
		})
	} else {
		apiKey, token := store.KiteCredentials()
		z, err := zerodha.NewZerodha(zerodha.Params{
			APIKey:      apiKey,
			AccessToken: token,
			Exchange:    cfg.Exchange,
			Product:     cfg.Product,
			Tokens:      cfg.Tokens,
		})
		if err != nil {
			return nil, fmt.Errorf("kite terminal: %w", err)
		}
		logger.Info(ctx, "Using LIVE Kite terminal", "exchange", cfg.Exchange, "instruments", len(cfg.Tokens))
		term = z
	}
	return brokerobs.Wrap(term), nil
}

func initializeAgent(cfg *store.AgentConfig, term interfaces.Terminal) (*agent.Agent, error) {
	strategies := engine.NewRegistry().WithMiddleware(engineobs.Wrap)
	return agent.New(agent.Config{
		ProviderID:   cfg.ProviderID,
		UserID:       cfg.UserID,
		BudgetTotal:  cfg.Budget.Total,
		BudgetBuffer: cfg.Budget.Buffer,
		MaxScanBatch: cfg.Scan.MaxBatch,
		EvalInterval: cfg.Engine.EvalInterval,
		Orders: orders.Config{
			MaxInFlight: cfg.Orders.MaxInFlight,
			AckTimeout:  cfg.Orders.AckTimeout,
		},
		Scan: scan.Config{
			SettleWindow: cfg.Scan.SettleWindow,
			Deadline:     cfg.Scan.Deadline,
		},
		StaleAfter:          cfg.Connection.StaleAfter,
		ResubscribeAttempts: cfg.Connection.ResubscribeAttempts,
		ResubscribeBackoff:  cfg.Connection.ResubscribeBackoff,
		OutboxSize:          cfg.OutboxSize,
	}, term, strategies)
}

func initializeLink(cfg *store.AgentConfig, a *agent.Agent) *relaylink.Client {
	link := relaylink.New(relaylink.Config{
		URL:               cfg.Relay.URL,
		ProviderID:        cfg.ProviderID,
		UserID:            cfg.UserID,
		APIKey:            cfg.Relay.APIKey,
		Version:           version,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		MinBackoff:        cfg.Relay.MinBackoff,
		MaxBackoff:        cfg.Relay.MaxBackoff,
	}, a)
	a.SetSink(link)
	return link
}

func initializeEOD() interfaces.EodSummarizer {
	return eodobs.Wrap(eod.NewSummarizer())
}

// runEOD writes the fills summary once after market close, and again on
// shutdown so a late stop still leaves today's CSV. A failed attempt after
// close is retried on the next minute.
func runEOD(ctx context.Context, s interfaces.EodSummarizer) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if _, err := s.SummarizeToday(); err != nil {
				logger.Warn(context.Background(), "EOD summary not written before shutdown", "error", err)
			}
			return nil
		case <-t.C:
			if ok, _ := s.ShouldRunNow(); !ok {
				continue
			}
			if _, err := s.SummarizeToday(); err != nil {
				logger.Warn(ctx, "EOD summary failed, retrying next minute", "error", err)
			}
		}
	}
}
