package interfaces

import (
	"market-relay/internal/quotes"
	"market-relay/internal/types"
)

// Strategy is the closed capability set every trading strategy implements.
// One instance serves one running StrategyState.
type Strategy interface {
	Name() string
	// ParseConfig validates a raw configuration once, at start or reconfigure.
	ParseConfig(raw map[string]any) (any, error)
	Subscriptions(cfg any) []string
	Evaluate(quotes quotes.View, cfg any) []types.OrderAction
	// OnOrder reports that the broker accepted action as orderID. Its
	// quantity stays working until a terminal OnFill for the same order.
	OnOrder(orderID string, action types.OrderAction, cfg any)
	OnFill(orderID string, fill types.Fill, cfg any)
}
