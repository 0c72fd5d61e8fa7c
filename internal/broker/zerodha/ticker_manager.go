package zerodha

import (
	"context"
	"fmt"
	"sync"

	"market-relay/internal/interfaces"
	"market-relay/internal/logger"

	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

// tickerManager owns the Kite websocket ticker. Its callbacks run on the
// ticker's goroutine and are forwarded to the installed TerminalHandlers.
type tickerManager struct {
	ticker      *kiteticker.Ticker
	apiKey      string
	accessToken string
	mapper      *instrumentMapper

	mu       sync.RWMutex
	handlers interfaces.TerminalHandlers
	stopping bool
}

func newTickerManager(apiKey, accessToken string, mapper *instrumentMapper) *tickerManager {
	return &tickerManager{
		apiKey:      apiKey,
		accessToken: accessToken,
		mapper:      mapper,
	}
}

func (tm *tickerManager) setHandlers(h interfaces.TerminalHandlers) {
	tm.mu.Lock()
	tm.handlers = h
	tm.mu.Unlock()
}

func (tm *tickerManager) currentHandlers() interfaces.TerminalHandlers {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.handlers
}

func (tm *tickerManager) start(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.ticker != nil {
		return nil
	}

	tm.ticker = kiteticker.New(tm.apiKey, tm.accessToken)
	tm.stopping = false
	tm.setupEventHandlers()

	t := tm.ticker
	go func() {
		logger.Info(ctx, "Starting Kite ticker")
		t.Serve()
	}()
	return nil
}

func (tm *tickerManager) stop(ctx context.Context) {
	tm.mu.Lock()
	t := tm.ticker
	tm.ticker = nil
	tm.stopping = true
	tm.mu.Unlock()
	if t != nil {
		logger.Info(ctx, "Stopping Kite ticker")
		t.Stop()
	}
}

func (tm *tickerManager) isStopping() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.stopping
}

func (tm *tickerManager) subscribe(ctx context.Context, keys []string) error {
	t, tokens, err := tm.resolve(keys)
	if err != nil {
		return err
	}
	if err := t.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe to instruments: %w", err)
	}
	// Full mode carries market depth, which is where bid/ask come from.
	if err := t.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return fmt.Errorf("failed to set ticker mode: %w", err)
	}
	return nil
}

func (tm *tickerManager) unsubscribe(ctx context.Context, keys []string) error {
	t, tokens, err := tm.resolve(keys)
	if err != nil {
		return err
	}
	if err := t.Unsubscribe(tokens); err != nil {
		return fmt.Errorf("failed to unsubscribe instruments: %w", err)
	}
	return nil
}

func (tm *tickerManager) resolve(keys []string) (*kiteticker.Ticker, []uint32, error) {
	tm.mu.RLock()
	t := tm.ticker
	tm.mu.RUnlock()
	if t == nil {
		return nil, nil, ErrNotStarted
	}
	tokens, err := tm.mapper.tokens(keys)
	if err != nil {
		return nil, nil, err
	}
	return t, tokens, nil
}
