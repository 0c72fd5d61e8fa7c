package engine

import (
	"context"

	"market-relay/internal/logger"
)

// stopManager computes percentage stop-losses for long positions.
type stopManager struct {
	pct     float64 // zero disables stops
	minTick float64
}

func newStopManager(pct, minTick float64) *stopManager {
	return &stopManager{pct: pct, minTick: minTick}
}

// stopPrice is entry * (1 - pct/100), rounded to the tick size.
func (sm *stopManager) stopPrice(entry float64) float64 {
	return roundToTick(entry*(1.0-sm.pct/100.0), sm.minTick)
}

// triggered reports whether bid has fallen to the stop of pos.
func (sm *stopManager) triggered(ctx context.Context, key string, bid float64, pos *position) bool {
	if sm.pct <= 0 || pos == nil || pos.qty <= 0 || bid <= 0 {
		return false
	}
	stop := sm.stopPrice(pos.avg)
	if bid > stop {
		return false
	}
	logger.Warn(ctx, "Stop loss triggered",
		"key", key,
		"event", "STOP_LOSS_TRIGGERED",
		"bid", bid,
		"stop_price", stop,
		"position_qty", pos.qty,
		"position_avg", pos.avg,
		"unrealized_loss", (bid-pos.avg)*float64(pos.qty),
	)
	return true
}
