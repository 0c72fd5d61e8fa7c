package paper

import (
	"context"
	"sync"
	"testing"
	"time"

	"market-relay/internal/interfaces"
	"market-relay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	ticks   map[string]int
	updates []types.OrderUpdate
	drops   []bool
}

func (r *recorder) handlers() interfaces.TerminalHandlers {
	r.ticks = map[string]int{}
	return interfaces.TerminalHandlers{
		OnTick: func(key string, _ []types.FieldValue) {
			r.mu.Lock()
			r.ticks[key]++
			r.mu.Unlock()
		},
		OnOrderUpdate: func(u types.OrderUpdate) {
			r.mu.Lock()
			r.updates = append(r.updates, u)
			r.mu.Unlock()
		},
		OnDisconnect: func(_ error, final bool) {
			r.mu.Lock()
			r.drops = append(r.drops, final)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) tickCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks[key]
}

func (r *recorder) statuses() []types.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.OrderStatus, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Status
	}
	return out
}

func TestSubscribeAnswersOncePerKey(t *testing.T) {
	term := New(Params{Silent: map[string]bool{"B": true}})
	rec := &recorder{}
	term.SetHandlers(rec.handlers())
	ctx := context.Background()
	require.NoError(t, term.Connect(ctx))

	require.NoError(t, term.Subscribe(ctx, []string{"A", "B"}))
	assert.Eventually(t, func() bool { return rec.tickCount("A") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.tickCount("B"))
	assert.Equal(t, []string{"A", "B"}, term.Subscribed())
}

func TestMarketOrderFillsAndUpdatesPosition(t *testing.T) {
	term := New(Params{Prices: map[string]float64{"NSE:INFY": 1500}})
	rec := &recorder{}
	term.SetHandlers(rec.handlers())
	ctx := context.Background()
	require.NoError(t, term.Connect(ctx))

	resp, err := term.PlaceOrder(ctx, types.OrderReq{Key: "NSE:INFY", Side: types.SideBuy, Qty: 10, Type: types.OrderTypeMarket})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.OrderID)

	require.Eventually(t, func() bool { return len(rec.statuses()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.OrderStatus{types.OrderStatusOpen, types.OrderStatusFilled}, rec.statuses())

	positions, err := term.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 10, positions[0].Qty)
	assert.Equal(t, 1500.0, positions[0].AvgPrice)
}

func TestPlaceOrderWhileDisconnected(t *testing.T) {
	term := New(Params{})
	_, err := term.PlaceOrder(context.Background(), types.OrderReq{Key: "A", Side: types.SideBuy, Qty: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDropAndExplicitDisconnect(t *testing.T) {
	term := New(Params{})
	rec := &recorder{}
	term.SetHandlers(rec.handlers())
	ctx := context.Background()
	require.NoError(t, term.Connect(ctx))
	require.NoError(t, term.Subscribe(ctx, []string{"A"}))

	term.DropConnection(nil)
	assert.Empty(t, term.Subscribed())
	assert.Error(t, term.Subscribe(ctx, []string{"A"}))

	term.Restore()
	require.NoError(t, term.Subscribe(ctx, []string{"A"}))
	term.Disconnect(ctx)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.drops) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true}, rec.drops)
}

func TestFailNextSubscribes(t *testing.T) {
	term := New(Params{})
	ctx := context.Background()
	require.NoError(t, term.Connect(ctx))
	term.FailNextSubscribes(1)

	assert.Error(t, term.Subscribe(ctx, []string{"A"}))
	assert.NoError(t, term.Subscribe(ctx, []string{"A"}))
	assert.Equal(t, 2, term.SubscribeCalls())
}
