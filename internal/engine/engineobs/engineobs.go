package engineobs

import (
	"context"
	"time"

	"market-relay/internal/interfaces"
	"market-relay/internal/logger"
	"market-relay/internal/quotes"
	"market-relay/internal/trace"
	"market-relay/internal/types"
)

type observableStrategy struct {
	strategy interfaces.Strategy
}

var _ interfaces.Strategy = (*observableStrategy)(nil)

func Wrap(s interfaces.Strategy) interfaces.Strategy {
	return &observableStrategy{
		strategy: s,
	}
}

func (o *observableStrategy) Name() string { return o.strategy.Name() }

func (o *observableStrategy) ParseConfig(raw map[string]any) (any, error) {
	ctx, span := trace.StartSpanWith(context.Background(), "strategy.ParseConfig", "strategy", o.strategy.Name())
	defer span.End()

	cfg, err := o.strategy.ParseConfig(raw)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Strategy config rejected", err, "strategy", o.strategy.Name())
		return nil, err
	}
	return cfg, nil
}

func (o *observableStrategy) Subscriptions(cfg any) []string {
	return o.strategy.Subscriptions(cfg)
}

// Evaluate runs every tick, so only cycles that produce orders are logged.
func (o *observableStrategy) Evaluate(view quotes.View, cfg any) []types.OrderAction {
	start := time.Now()
	actions := o.strategy.Evaluate(view, cfg)
	if len(actions) == 0 {
		return actions
	}

	ctx, span := trace.StartSpanWith(context.Background(), "strategy.Evaluate",
		"strategy", o.strategy.Name(),
		"actions", len(actions),
	)
	defer span.End()

	for _, a := range actions {
		logger.InfoSkip(ctx, 1, "Strategy emitted order",
			"strategy", o.strategy.Name(),
			"key", a.Key,
			"side", a.Side,
			"qty", a.Qty,
			"type", a.Type,
			"limit_price", a.LimitPrice,
			"quote_seq", view.Seq(),
			"duration_us", time.Since(start).Microseconds(),
		)
	}
	return actions
}

func (o *observableStrategy) OnOrder(orderID string, action types.OrderAction, cfg any) {
	logger.DebugSkip(context.Background(), 1, "Strategy order working",
		"strategy", o.strategy.Name(),
		"order_id", orderID,
		"correlation_id", action.CorrelationID,
		"key", action.Key,
		"side", action.Side,
		"qty", action.Qty,
	)
	o.strategy.OnOrder(orderID, action, cfg)
}

func (o *observableStrategy) OnFill(orderID string, fill types.Fill, cfg any) {
	ctx, span := trace.StartSpanWith(context.Background(), "strategy.OnFill", "order_id", orderID)
	defer span.End()

	if fill.FilledQty == 0 {
		logger.WarnSkip(ctx, 1, "Strategy order ended unfilled",
			"strategy", o.strategy.Name(),
			"order_id", orderID,
			"correlation_id", fill.CorrelationID,
			"key", fill.Key,
			"side", fill.Side,
			"status", fill.Status,
		)
		o.strategy.OnFill(orderID, fill, cfg)
		return
	}

	logger.InfoSkip(ctx, 1, "Strategy fill",
		"strategy", o.strategy.Name(),
		"order_id", orderID,
		"correlation_id", fill.CorrelationID,
		"key", fill.Key,
		"side", fill.Side,
		"status", fill.Status,
		"filled_qty", fill.FilledQty,
		"avg_price", fill.AvgPrice,
	)
	o.strategy.OnFill(orderID, fill, cfg)
}
