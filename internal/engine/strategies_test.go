package engine

import (
	"testing"

	"market-relay/internal/quotes"
	"market-relay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spreadConfig() map[string]any {
	return map[string]any{
		"target":           "NSE:TGT",
		"acquirer":         "NSE:ACQ",
		"ratio":            0.5,
		"qty":              100,
		"entry_spread_pct": 3.0,
		"exit_spread_pct":  0.5,
	}
}

func TestSpreadEntersWhenDiscountWidens(t *testing.T) {
	s := newSpreadStrategy()
	cfg, err := s.ParseConfig(spreadConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"NSE:TGT", "NSE:ACQ"}, s.Subscriptions(cfg))

	// Deal value 0.5*200 = 100; target ask 98 is a 2.04% discount.
	narrow := quotes.NewView(
		types.Quote{Key: "NSE:TGT", Bid: 97.9, Ask: 98},
		types.Quote{Key: "NSE:ACQ", Bid: 200, Ask: 200.1},
	)
	assert.Empty(t, s.Evaluate(narrow, cfg))

	wide := quotes.NewView(
		types.Quote{Key: "NSE:TGT", Bid: 95.9, Ask: 96},
		types.Quote{Key: "NSE:ACQ", Bid: 200, Ask: 200.1},
	)
	actions := s.Evaluate(wide, cfg)
	require.Len(t, actions, 2)
	assert.Equal(t, types.OrderAction{Key: "NSE:TGT", Side: types.SideBuy, Qty: 100, Type: types.OrderTypeMarket, Tag: "SPREAD"}, actions[0])
	assert.Equal(t, types.OrderAction{Key: "NSE:ACQ", Side: types.SideSell, Qty: 50, Type: types.OrderTypeMarket, Tag: "HEDGE"}, actions[1])
}

func TestSpreadUnwindsBothLegs(t *testing.T) {
	s := newSpreadStrategy()
	cfg, err := s.ParseConfig(spreadConfig())
	require.NoError(t, err)

	s.OnFill("1", types.Fill{Key: "NSE:TGT", Side: types.SideBuy, Status: types.OrderStatusFilled, FilledQty: 100, AvgPrice: 96}, cfg)
	s.OnFill("2", types.Fill{Key: "NSE:ACQ", Side: types.SideSell, Status: types.OrderStatusFilled, FilledQty: 50, AvgPrice: 200}, cfg)

	converged := quotes.NewView(
		types.Quote{Key: "NSE:TGT", Bid: 99.8, Ask: 99.9},
		types.Quote{Key: "NSE:ACQ", Bid: 200, Ask: 200},
	)
	actions := s.Evaluate(converged, cfg)
	require.Len(t, actions, 2)
	assert.Equal(t, types.SideSell, actions[0].Side)
	assert.Equal(t, 100, actions[0].Qty)
	assert.Equal(t, types.SideBuy, actions[1].Side)
	assert.Equal(t, 50, actions[1].Qty)
}

func TestSpreadConfigValidation(t *testing.T) {
	s := newSpreadStrategy()
	bad := spreadConfig()
	bad["exit_spread_pct"] = 5.0
	_, err := s.ParseConfig(bad)
	assert.Error(t, err)

	bad = spreadConfig()
	bad["leverage"] = 3
	_, err = s.ParseConfig(bad)
	assert.Error(t, err)

	cashOnly := map[string]any{"target": "NSE:TGT", "cash": 100.0, "qty": 1, "entry_spread_pct": 2.0}
	cfg, err := s.ParseConfig(cashOnly)
	require.NoError(t, err)
	assert.Equal(t, []string{"NSE:TGT"}, s.Subscriptions(cfg))
}

func TestLimitStopLoss(t *testing.T) {
	s := newLimitStrategy()
	cfg, err := s.ParseConfig(map[string]any{
		"instruments":   []any{map[string]any{"key": "A", "buy_below": 90.0, "qty": 10}},
		"stop_loss_pct": 5.0,
	})
	require.NoError(t, err)

	s.OnFill("1", types.Fill{Key: "A", Side: types.SideBuy, Status: types.OrderStatusFilled, FilledQty: 10, AvgPrice: 100}, cfg)

	actions := s.Evaluate(quotes.NewView(types.Quote{Key: "A", Bid: 94.9, Ask: 95}), cfg)
	require.Len(t, actions, 1)
	assert.Equal(t, types.SideSell, actions[0].Side)
	assert.Equal(t, types.OrderTypeMarket, actions[0].Type)
	assert.Equal(t, 10, actions[0].Qty)
	assert.Equal(t, "SL", actions[0].Tag)
}

func TestLimitNotionalCap(t *testing.T) {
	s := newLimitStrategy()
	cfg, err := s.ParseConfig(map[string]any{
		"instruments":  []any{map[string]any{"key": "A", "buy_below": 100.0, "qty": 10}},
		"max_notional": 500.0,
	})
	require.NoError(t, err)
	assert.Empty(t, s.Evaluate(quotes.NewView(types.Quote{Key: "A", Bid: 98, Ask: 99}), cfg))
}

func TestPartialFillsAccumulate(t *testing.T) {
	pm := newPositionManager()
	pm.applyFill("1", types.Fill{Key: "A", Side: types.SideBuy, Status: types.OrderStatusPartial, FilledQty: 4, AvgPrice: 10})
	pm.applyFill("1", types.Fill{Key: "A", Side: types.SideBuy, Status: types.OrderStatusFilled, FilledQty: 10, AvgPrice: 10})
	assert.Equal(t, 10, pm.qty("A"))

	pm.applyFill("2", types.Fill{Key: "A", Side: types.SideSell, Status: types.OrderStatusFilled, FilledQty: 10, AvgPrice: 12})
	assert.Equal(t, 0, pm.qty("A"))
	assert.Nil(t, pm.get("A"))
}

func TestSpreadWaitsForWorkingLegs(t *testing.T) {
	s := newSpreadStrategy()
	cfg, err := s.ParseConfig(spreadConfig())
	require.NoError(t, err)

	wide := quotes.NewView(
		types.Quote{Key: "NSE:TGT", Bid: 95.9, Ask: 96},
		types.Quote{Key: "NSE:ACQ", Bid: 200, Ask: 200.1},
	)
	actions := s.Evaluate(wide, cfg)
	require.Len(t, actions, 2)
	s.OnOrder("1", actions[0], cfg)
	s.OnOrder("2", actions[1], cfg)
	assert.Empty(t, s.Evaluate(wide, cfg))

	// Target fills while the hedge is still working.
	s.OnFill("1", types.Fill{Key: "NSE:TGT", Side: types.SideBuy, Status: types.OrderStatusFilled, FilledQty: 100, AvgPrice: 96}, cfg)
	assert.Empty(t, s.Evaluate(wide, cfg))

	// Hedge rejected outright: nothing is working and the target is held.
	s.OnFill("2", types.Fill{Key: "NSE:ACQ", Side: types.SideSell, Status: types.OrderStatusRejected}, cfg)
	assert.Empty(t, s.Evaluate(wide, cfg))
	assert.Equal(t, 100, s.(*spreadStrategy).book.qty("NSE:TGT"))
}

func TestWorkingQuantityShrinksWithFills(t *testing.T) {
	pm := newPositionManager()
	pm.track("1", types.OrderAction{Key: "A", Side: types.SideBuy, Qty: 10})
	assert.Equal(t, 10, pm.workingQty("A", types.SideBuy))

	pm.applyFill("1", types.Fill{Key: "A", Side: types.SideBuy, Status: types.OrderStatusPartial, FilledQty: 4, AvgPrice: 10})
	assert.Equal(t, 6, pm.workingQty("A", types.SideBuy))
	assert.Equal(t, 4, pm.qty("A"))

	pm.applyFill("1", types.Fill{Key: "A", Side: types.SideBuy, Status: types.OrderStatusCancelled, FilledQty: 4, AvgPrice: 10})
	assert.Equal(t, 0, pm.workingQty("A", types.SideBuy))
	assert.False(t, pm.busy("A"))
	assert.Equal(t, 4, pm.qty("A"))
}
