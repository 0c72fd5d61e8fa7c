package engine

import (
	"context"
	"fmt"

	"market-relay/internal/interfaces"
	"market-relay/internal/quotes"
	"market-relay/internal/types"
)

// LimitLevel is the per-instrument configuration of the limit strategy.
type LimitLevel struct {
	Key         string  `json:"key"`
	BuyBelow    float64 `json:"buy_below"`
	SellAbove   float64 `json:"sell_above"`
	Qty         int     `json:"qty"`
	MaxPosition int     `json:"max_position"`
}

// LimitConfig configures the limit strategy.
type LimitConfig struct {
	Instruments []LimitLevel `json:"instruments"`
	// MARKET or LIMIT; LIMIT orders are priced at the touch.
	OrderType   string  `json:"order_type"`
	MaxNotional float64 `json:"max_notional"`
	StopLossPct float64 `json:"stop_loss_pct"`
	TickSize    float64 `json:"tick_size"`
}

// limitStrategy buys when the ask falls below a threshold and sells a held
// position when the bid rises above another. It never sells short.
type limitStrategy struct {
	book *positionManager
}

var _ interfaces.Strategy = (*limitStrategy)(nil)

func newLimitStrategy() interfaces.Strategy {
	return &limitStrategy{book: newPositionManager()}
}

func (s *limitStrategy) Name() string { return "limit" }

func (s *limitStrategy) ParseConfig(raw map[string]any) (any, error) {
	var cfg LimitConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Instruments) == 0 {
		return nil, fmt.Errorf("limit: at least one instrument is required")
	}
	switch cfg.OrderType {
	case "":
		cfg.OrderType = string(types.OrderTypeLimit)
	case string(types.OrderTypeLimit), string(types.OrderTypeMarket):
	default:
		return nil, fmt.Errorf("limit: unsupported order_type %q", cfg.OrderType)
	}
	seen := map[string]bool{}
	for i, lv := range cfg.Instruments {
		if lv.Key == "" {
			return nil, fmt.Errorf("limit: instrument %d has no key", i)
		}
		if seen[lv.Key] {
			return nil, fmt.Errorf("limit: instrument %s listed twice", lv.Key)
		}
		seen[lv.Key] = true
		if lv.Qty <= 0 {
			return nil, fmt.Errorf("limit: %s qty must be positive", lv.Key)
		}
		if lv.SellAbove > 0 && lv.BuyBelow >= lv.SellAbove {
			return nil, fmt.Errorf("limit: %s buy_below must be under sell_above", lv.Key)
		}
		if lv.MaxPosition == 0 {
			cfg.Instruments[i].MaxPosition = lv.Qty
		}
	}
	return &cfg, nil
}

func (s *limitStrategy) Subscriptions(cfg any) []string {
	c := cfg.(*LimitConfig)
	keys := make([]string, 0, len(c.Instruments))
	for _, lv := range c.Instruments {
		keys = append(keys, lv.Key)
	}
	return keys
}

func (s *limitStrategy) Evaluate(view quotes.View, cfg any) []types.OrderAction {
	c := cfg.(*LimitConfig)
	ctx := context.Background()
	risk := newRiskManager(c.MaxNotional)
	stops := newStopManager(c.StopLossPct, c.TickSize)

	var actions []types.OrderAction
	for _, lv := range c.Instruments {
		q, ok := view.Get(lv.Key)
		if !ok || !q.HasData() {
			continue
		}
		held := s.book.qty(lv.Key)
		buying := s.book.workingQty(lv.Key, types.SideBuy)
		// Shares already promised to a working sell are not sold again.
		free := held - s.book.workingQty(lv.Key, types.SideSell)

		if free > 0 && stops.triggered(ctx, lv.Key, q.Bid, s.book.get(lv.Key)) {
			actions = append(actions, types.OrderAction{Key: lv.Key, Side: types.SideSell, Qty: free, Type: types.OrderTypeMarket, Tag: "SL"})
			continue
		}

		if lv.BuyBelow > 0 && q.Ask > 0 && q.Ask <= lv.BuyBelow && held+buying+lv.Qty <= lv.MaxPosition {
			price := roundToTick(q.Ask, c.TickSize)
			if !risk.exceeds(ctx, lv.Key, price, lv.Qty) {
				actions = append(actions, s.order(c, lv.Key, types.SideBuy, lv.Qty, price))
			}
		}
		if lv.SellAbove > 0 && q.Bid >= lv.SellAbove && free > 0 {
			qty := min(lv.Qty, free)
			actions = append(actions, s.order(c, lv.Key, types.SideSell, qty, roundToTick(q.Bid, c.TickSize)))
		}
	}
	return actions
}

func (s *limitStrategy) order(c *LimitConfig, key string, side types.Side, qty int, price float64) types.OrderAction {
	a := types.OrderAction{Key: key, Side: side, Qty: qty, Type: types.OrderType(c.OrderType)}
	if a.Type == types.OrderTypeLimit {
		a.LimitPrice = price
	}
	return a
}

func (s *limitStrategy) OnOrder(orderID string, action types.OrderAction, cfg any) {
	s.book.track(orderID, action)
}

func (s *limitStrategy) OnFill(orderID string, fill types.Fill, cfg any) {
	s.book.applyFill(orderID, fill)
}
