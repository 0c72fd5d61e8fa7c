package engine

import (
	"context"

	"market-relay/internal/logger"
)

// riskManager caps the notional value of a single order emitted by a strategy.
type riskManager struct {
	maxNotional float64
}

func newRiskManager(maxNotional float64) *riskManager {
	return &riskManager{maxNotional: maxNotional}
}

// exceeds reports whether price*qty is above the cap. A zero cap allows all orders.
func (rm *riskManager) exceeds(ctx context.Context, key string, price float64, qty int) bool {
	if rm.maxNotional <= 0 {
		return false
	}
	exposure := price * float64(qty)
	if exposure <= rm.maxNotional {
		return false
	}
	logger.Warn(ctx, "Order blocked by notional cap",
		"key", key,
		"event", "ORDER_BLOCKED_RISK_CAP",
		"qty", qty,
		"price", price,
		"exposure", exposure,
		"max_notional", rm.maxNotional,
	)
	return true
}
