package interfaces

import (
	"context"

	"market-relay/internal/types"
)

// TerminalHandlers are invoked on the terminal library's own goroutine.
// Implementations must return quickly and must never block.
type TerminalHandlers struct {
	OnTick        func(key string, fields []types.FieldValue)
	OnOrderUpdate func(update types.OrderUpdate)
	OnConnect     func()
	// OnDisconnect reports a dropped link; final is true when the terminal
	// will not reconnect on its own (explicit disconnect).
	OnDisconnect func(err error, final bool)
}

// Terminal is the brokerage terminal: a synchronous, callback-driven API.
type Terminal interface {
	SetHandlers(h TerminalHandlers)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	Subscribe(ctx context.Context, keys []string) error
	Unsubscribe(ctx context.Context, keys []string) error
	PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderResp, error)
	CancelOrder(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]types.Position, error)
	OpenOrders(ctx context.Context) ([]types.OpenOrder, error)
}
