package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"market-relay/internal/broker/paper"
	"market-relay/internal/interfaces"
	"market-relay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func action(i int, key string) types.OrderAction {
	return types.OrderAction{
		CorrelationID: fmt.Sprintf("c-%d", i),
		StrategyID:    "s-1",
		Key:           key,
		Side:          types.SideBuy,
		Qty:           1,
		Type:          types.OrderTypeMarket,
	}
}

func startWorker(t *testing.T, p paper.Params, cfg Config) (*Worker, *paper.Terminal, chan Outcome) {
	t.Helper()
	t.Setenv("TRADER_LOG_DIR", t.TempDir())

	term := paper.New(p)
	outcomes := make(chan Outcome, 32)
	w := New(term, cfg, func(o Outcome) { outcomes <- o })
	term.SetHandlers(interfaces.TerminalHandlers{OnOrderUpdate: w.Acknowledge})
	require.NoError(t, term.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, term, outcomes
}

func waitOutcome(t *testing.T, ch chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("no order outcome")
		return Outcome{}
	}
}

func TestSubmitRejectsBeyondCapacity(t *testing.T) {
	t.Setenv("TRADER_LOG_DIR", t.TempDir())
	// Not running: everything stays queued.
	w := New(paper.New(paper.Params{}), Config{}, nil)

	for i := 0; i < DefaultMaxInFlight; i++ {
		require.NoError(t, w.Submit(context.Background(), action(i, "NSE:INFY")))
	}
	err := w.Submit(context.Background(), action(99, "NSE:INFY"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderCapacityExceeded))
	assert.Equal(t, DefaultMaxInFlight, w.InFlight())
}

func TestSubmitRequiresCorrelationID(t *testing.T) {
	w := New(paper.New(paper.Params{}), Config{}, nil)
	err := w.Submit(context.Background(), types.OrderAction{Key: "NSE:INFY"})
	assert.Error(t, err)
	assert.Equal(t, 0, w.InFlight())
}

func TestAcknowledgedOrderFreesSlot(t *testing.T) {
	w, _, outcomes := startWorker(t, paper.Params{Prices: map[string]float64{"NSE:INFY": 1500}}, Config{})

	require.NoError(t, w.Submit(context.Background(), action(1, "NSE:INFY")))
	o := waitOutcome(t, outcomes)

	require.NoError(t, o.Err)
	assert.Equal(t, types.PendingAcknowledged, o.Order.State)
	require.NotNil(t, o.Update)
	assert.Equal(t, o.Order.OrderID, o.Update.OrderID)
	assert.Eventually(t, func() bool { return w.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimeoutFreesSlot(t *testing.T) {
	w, _, outcomes := startWorker(t, paper.Params{DropAcks: true}, Config{MaxInFlight: 1, AckTimeout: 50 * time.Millisecond})

	require.NoError(t, w.Submit(context.Background(), action(1, "NSE:INFY")))
	// The only slot is taken until the deadline passes.
	assert.ErrorIs(t, w.Submit(context.Background(), action(2, "NSE:INFY")), ErrOrderCapacityExceeded)

	o := waitOutcome(t, outcomes)
	assert.ErrorIs(t, o.Err, ErrOrderTimeout)
	assert.Equal(t, types.PendingTimedOut, o.Order.State)

	require.Eventually(t, func() bool { return w.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, w.Submit(context.Background(), action(3, "NSE:INFY")))
}

func TestRejectedOrderReported(t *testing.T) {
	w, _, outcomes := startWorker(t, paper.Params{RejectKeys: map[string]bool{"NSE:BAD": true}}, Config{})

	require.NoError(t, w.Submit(context.Background(), action(1, "NSE:BAD")))
	o := waitOutcome(t, outcomes)

	assert.ErrorIs(t, o.Err, ErrOrderRejected)
	assert.Equal(t, types.PendingRejected, o.Order.State)
	assert.Equal(t, 0, w.InFlight())
}

func TestOrdersReachTerminalOneAtATime(t *testing.T) {
	w, term, outcomes := startWorker(t, paper.Params{AckDelay: 5 * time.Millisecond}, Config{})

	for i := 0; i < 8; i++ {
		require.NoError(t, w.Submit(context.Background(), action(i, fmt.Sprintf("NSE:K%d", i))))
	}
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		o := waitOutcome(t, outcomes)
		require.NoError(t, o.Err)
		seen[o.Order.Action.CorrelationID] = true
	}
	assert.Len(t, seen, 8)
	assert.Equal(t, 1, term.MaxConcurrentPlacements())
}

func TestSubmitErrorOnDisconnectedTerminal(t *testing.T) {
	t.Setenv("TRADER_LOG_DIR", t.TempDir())
	outcomes := make(chan Outcome, 1)
	w := New(paper.New(paper.Params{}), Config{}, func(o Outcome) { outcomes <- o })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, w.Submit(ctx, action(1, "NSE:INFY")))
	o := waitOutcome(t, outcomes)
	assert.ErrorIs(t, o.Err, paper.ErrNotConnected)
	assert.Equal(t, types.PendingFailed, o.Order.State)
}

func TestPendingOrderedBySubmitTime(t *testing.T) {
	t.Setenv("TRADER_LOG_DIR", t.TempDir())
	w := New(paper.New(paper.Params{}), Config{}, nil)
	base := time.Now()
	n := 0
	w.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }

	require.NoError(t, w.Submit(context.Background(), action(1, "A")))
	require.NoError(t, w.Submit(context.Background(), action(2, "B")))

	pending := w.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "c-1", pending[0].Action.CorrelationID)
	assert.Equal(t, types.PendingQueued, pending[1].State)
}
