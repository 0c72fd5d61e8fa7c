package engine

import (
	"context"
	"fmt"
	"math"

	"market-relay/internal/interfaces"
	"market-relay/internal/logger"
	"market-relay/internal/quotes"
	"market-relay/internal/types"
)

// SpreadConfig configures the deal spread strategy. The deal pays Ratio
// acquirer shares plus Cash per target share.
type SpreadConfig struct {
	Target         string  `json:"target"`
	Acquirer       string  `json:"acquirer"`
	Ratio          float64 `json:"ratio"`
	Cash           float64 `json:"cash"`
	Qty            int     `json:"qty"`
	EntrySpreadPct float64 `json:"entry_spread_pct"`
	ExitSpreadPct  float64 `json:"exit_spread_pct"`
	MaxNotional    float64 `json:"max_notional"`
}

// spreadStrategy buys the target and hedges with the acquirer when the
// discount of the target to the deal value widens past EntrySpreadPct, then
// unwinds both legs once it narrows to ExitSpreadPct.
type spreadStrategy struct {
	book *positionManager
}

var _ interfaces.Strategy = (*spreadStrategy)(nil)

func newSpreadStrategy() interfaces.Strategy {
	return &spreadStrategy{book: newPositionManager()}
}

func (s *spreadStrategy) Name() string { return "spread" }

func (s *spreadStrategy) ParseConfig(raw map[string]any) (any, error) {
	var cfg SpreadConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("spread: target is required")
	}
	if cfg.Ratio < 0 || cfg.Cash < 0 || (cfg.Ratio == 0 && cfg.Cash == 0) {
		return nil, fmt.Errorf("spread: deal terms need a positive ratio or cash component")
	}
	if cfg.Ratio > 0 && cfg.Acquirer == "" {
		return nil, fmt.Errorf("spread: stock deals need an acquirer")
	}
	if cfg.Acquirer == cfg.Target {
		return nil, fmt.Errorf("spread: target and acquirer must differ")
	}
	if cfg.Qty <= 0 {
		return nil, fmt.Errorf("spread: qty must be positive")
	}
	if cfg.EntrySpreadPct <= cfg.ExitSpreadPct {
		return nil, fmt.Errorf("spread: entry_spread_pct must exceed exit_spread_pct")
	}
	return &cfg, nil
}

func (s *spreadStrategy) Subscriptions(cfg any) []string {
	c := cfg.(*SpreadConfig)
	if c.Ratio == 0 {
		return []string{c.Target}
	}
	return []string{c.Target, c.Acquirer}
}

// hedgeQty is the acquirer quantity offsetting qty target shares.
func (c *SpreadConfig) hedgeQty(qty int) int {
	return int(math.Round(float64(qty) * c.Ratio))
}

// spreadPct is the discount of price to the deal value implied by acquirerPx.
func (c *SpreadConfig) spreadPct(price, acquirerPx float64) float64 {
	deal := c.Ratio*acquirerPx + c.Cash
	if price <= 0 {
		return 0
	}
	return (deal - price) / price * 100
}

func (s *spreadStrategy) Evaluate(view quotes.View, cfg any) []types.OrderAction {
	c := cfg.(*SpreadConfig)
	target, ok := view.Get(c.Target)
	if !ok || target.Bid <= 0 || target.Ask <= 0 {
		return nil
	}
	var acquirer types.Quote
	if c.Ratio > 0 {
		acquirer, ok = view.Get(c.Acquirer)
		if !ok || acquirer.Bid <= 0 || acquirer.Ask <= 0 {
			return nil
		}
	}

	// Wait for working legs to finish before deciding again.
	if s.book.busy(c.Target, c.Acquirer) {
		return nil
	}

	held := s.book.qty(c.Target)
	hedge := c.hedgeQty(c.Qty)
	ctx := context.Background()

	if held == 0 {
		// Entering buys the target at the ask and sells the acquirer at the bid.
		spread := c.spreadPct(target.Ask, acquirer.Bid)
		if spread < c.EntrySpreadPct {
			return nil
		}
		if newRiskManager(c.MaxNotional).exceeds(ctx, c.Target, target.Ask, c.Qty) {
			return nil
		}
		logger.Info(ctx, "Deal spread entry", "target", c.Target, "acquirer", c.Acquirer, "spread_pct", spread)
		actions := []types.OrderAction{{Key: c.Target, Side: types.SideBuy, Qty: c.Qty, Type: types.OrderTypeMarket, Tag: "SPREAD"}}
		if hedge > 0 {
			actions = append(actions, types.OrderAction{Key: c.Acquirer, Side: types.SideSell, Qty: hedge, Type: types.OrderTypeMarket, Tag: "HEDGE"})
		}
		return actions
	}

	if held > 0 {
		spread := c.spreadPct(target.Bid, acquirer.Ask)
		if spread > c.ExitSpreadPct {
			return nil
		}
		logger.Info(ctx, "Deal spread exit", "target", c.Target, "acquirer", c.Acquirer, "spread_pct", spread)
		actions := []types.OrderAction{{Key: c.Target, Side: types.SideSell, Qty: held, Type: types.OrderTypeMarket, Tag: "SPREAD"}}
		if short := -s.book.qty(c.Acquirer); short > 0 {
			actions = append(actions, types.OrderAction{Key: c.Acquirer, Side: types.SideBuy, Qty: short, Type: types.OrderTypeMarket, Tag: "HEDGE"})
		}
		return actions
	}
	return nil
}

func (s *spreadStrategy) OnOrder(orderID string, action types.OrderAction, cfg any) {
	s.book.track(orderID, action)
}

func (s *spreadStrategy) OnFill(orderID string, fill types.Fill, cfg any) {
	s.book.applyFill(orderID, fill)
}
