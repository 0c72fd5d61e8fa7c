package brokerobs

import (
	"context"
	"fmt"

	"market-relay/internal/interfaces"
	"market-relay/internal/logger"
	"market-relay/internal/trace"
	"market-relay/internal/types"
)

// observableTerminal wraps a Terminal with observability (logging & tracing).
// Callbacks are passed through untouched; they run on the terminal's goroutine.
type observableTerminal struct {
	term interfaces.Terminal
}

// Compile-time interface check
var _ interfaces.Terminal = (*observableTerminal)(nil)

// Wrap wraps a terminal with observability middleware
func Wrap(term interfaces.Terminal) interfaces.Terminal {
	return &observableTerminal{
		term: term,
	}
}

func (ot *observableTerminal) SetHandlers(h interfaces.TerminalHandlers) {
	ot.term.SetHandlers(h)
}

// Connect opens the terminal session with observability
func (ot *observableTerminal) Connect(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "terminal.Connect")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Connecting terminal")

	if err := ot.term.Connect(ctx); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to connect terminal", err)
		return fmt.Errorf("terminal connect failed: %w", err)
	}

	logger.InfoSkip(ctx, 1, "Terminal connect issued")
	return nil
}

// Disconnect closes the terminal session with observability
func (ot *observableTerminal) Disconnect(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "terminal.Disconnect")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Disconnecting terminal")
	ot.term.Disconnect(ctx)
}

func (ot *observableTerminal) Subscribe(ctx context.Context, keys []string) error {
	ctx, span := trace.StartSpanWith(ctx, "terminal.Subscribe", "count", len(keys))
	defer span.End()

	logger.DebugSkip(ctx, 1, "Subscribing", "keys", keys, "count", len(keys))

	if err := ot.term.Subscribe(ctx, keys); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to subscribe", err, "count", len(keys))
		return err
	}
	return nil
}

func (ot *observableTerminal) Unsubscribe(ctx context.Context, keys []string) error {
	ctx, span := trace.StartSpanWith(ctx, "terminal.Unsubscribe", "count", len(keys))
	defer span.End()

	logger.DebugSkip(ctx, 1, "Unsubscribing", "keys", keys, "count", len(keys))

	if err := ot.term.Unsubscribe(ctx, keys); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to unsubscribe", err, "count", len(keys))
		return err
	}
	return nil
}

// PlaceOrder places an order with observability
func (ot *observableTerminal) PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderResp, error) {
	ctx, span := trace.StartSpanWith(ctx, "terminal.PlaceOrder", "key", req.Key, "side", string(req.Side), "qty", req.Qty)
	defer span.End()

	logger.InfoSkip(ctx, 1, "Placing order",
		"key", req.Key,
		"side", req.Side,
		"qty", req.Qty,
		"type", req.Type,
		"tag", req.Tag,
	)

	resp, err := ot.term.PlaceOrder(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place order", err,
			"key", req.Key,
			"side", req.Side,
			"qty", req.Qty,
		)
		return types.OrderResp{}, err
	}

	logger.InfoSkip(ctx, 1, "Order placed successfully",
		"key", req.Key,
		"order_id", resp.OrderID,
		"status", resp.Status,
	)
	return resp, nil
}

func (ot *observableTerminal) CancelOrder(ctx context.Context, orderID string) error {
	ctx, span := trace.StartSpanWith(ctx, "terminal.CancelOrder", "order_id", orderID)
	defer span.End()

	logger.InfoSkip(ctx, 1, "Cancelling order", "order_id", orderID)
	if err := ot.term.CancelOrder(ctx, orderID); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to cancel order", err, "order_id", orderID)
		return err
	}
	return nil
}

func (ot *observableTerminal) Positions(ctx context.Context) ([]types.Position, error) {
	ctx, span := trace.StartSpan(ctx, "terminal.Positions")
	defer span.End()

	positions, err := ot.term.Positions(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch positions", err)
		return nil, err
	}
	logger.DebugSkip(ctx, 1, "Positions fetched", "count", len(positions))
	return positions, nil
}

func (ot *observableTerminal) OpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	ctx, span := trace.StartSpan(ctx, "terminal.OpenOrders")
	defer span.End()

	orders, err := ot.term.OpenOrders(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch open orders", err)
		return nil, err
	}
	logger.DebugSkip(ctx, 1, "Open orders fetched", "count", len(orders))
	return orders, nil
}
