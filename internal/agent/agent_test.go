package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"market-relay/internal/broker/paper"
	"market-relay/internal/budget"
	"market-relay/internal/protocol"
	"market-relay/internal/scan"
	"market-relay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []types.AccountEvent
	fail   error
}

func (s *recordingSink) PushEvent(_ context.Context, ev types.AccountEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.fail
}

func (s *recordingSink) find(typ types.AccountEventType, match func(types.AccountEvent) bool) (types.AccountEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == typ && (match == nil || match(ev)) {
			return ev, true
		}
	}
	return types.AccountEvent{}, false
}

func newTestAgent(t *testing.T, p paper.Params, mutate func(*Config)) (*Agent, *paper.Terminal) {
	t.Helper()
	t.Setenv("TRADER_LOG_DIR", t.TempDir())

	cfg := Config{
		ProviderID:         "prov-1",
		UserID:             "user-1",
		BudgetTotal:        100,
		BudgetBuffer:       10,
		EvalInterval:       10 * time.Millisecond,
		Scan:               scan.Config{SettleWindow: 200 * time.Millisecond, Deadline: 2 * time.Second},
		StaleAfter:         time.Minute,
		ResubscribeBackoff: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	term := paper.New(p)
	a, err := New(cfg, term, nil)
	require.NoError(t, err)
	return a, term
}

func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	require.Eventually(t, func() bool { return a.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
}

func request(t *testing.T, a *Agent, op string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.TypeRequest, op, payload)
	require.NoError(t, err)
	return a.HandleRequest(context.Background(), env)
}

func startLimit(t *testing.T, a *Agent, key string, buyBelow float64) string {
	t.Helper()
	resp := request(t, a, protocol.OpExecStart, protocol.ExecStartRequest{
		Strategy: "limit",
		Config: map[string]any{
			"order_type": "MARKET",
			"instruments": []map[string]any{
				{"key": key, "buy_below": buyBelow, "qty": 1},
			},
		},
	})
	require.NoError(t, resp.Err())
	var out protocol.ExecStartResponse
	require.NoError(t, resp.Decode(&out))
	return out.ID
}

func TestAgentReachesConnected(t *testing.T) {
	a, _ := newTestAgent(t, paper.Params{}, nil)
	sink := &recordingSink{}
	a.SetSink(sink)
	runAgent(t, a)

	require.Eventually(t, func() bool {
		_, ok := sink.find(types.EventConnection, func(ev types.AccountEvent) bool {
			return ev.Payload["to"] == StateConnected.String()
		})
		return ok
	}, time.Second, 5*time.Millisecond)

	hb := a.Heartbeat()
	assert.Equal(t, "CONNECTED", hb.State)
	assert.False(t, hb.ExecutionActive)
	assert.True(t, hb.AcceptExternalScans)
}

func TestStrategyOrderFlowsToEvents(t *testing.T) {
	a, _ := newTestAgent(t, paper.Params{Prices: map[string]float64{"NSE:INFY": 100}}, nil)
	sink := &recordingSink{}
	a.SetSink(sink)
	runAgent(t, a)

	startLimit(t, a, "NSE:INFY", 101)

	require.Eventually(t, func() bool {
		_, ok := sink.find(types.EventFill, nil)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	resp := request(t, a, protocol.OpPositions, nil)
	require.NoError(t, resp.Err())
	var positions []types.Position
	require.NoError(t, resp.Decode(&positions))
	require.Len(t, positions, 1)
	assert.Equal(t, "NSE:INFY", positions[0].Key)
	assert.Positive(t, positions[0].Qty)

	hb := a.Heartbeat()
	assert.True(t, hb.ExecutionActive)
	assert.Equal(t, 1, hb.SubscriptionCount)
	assert.Equal(t, 1, a.budget.Allocated(budget.Execution))
}

func TestAccountEventHandOffLatency(t *testing.T) {
	a, term := newTestAgent(t, paper.Params{}, nil)
	a.bridge.delay = 25 * time.Millisecond
	// a failing push must not lose the event
	sink := &recordingSink{fail: errors.New("relay link down")}
	a.SetSink(sink)
	runAgent(t, a)

	begin := time.Now()
	term.PushOrderUpdate(types.OrderUpdate{
		OrderID: "EXT-1", Key: "NSE:TCS", Side: types.SideBuy,
		Status: types.OrderStatusFilled, Qty: 5, FilledQty: 5, AvgPrice: 3800,
	})

	var ev types.AccountEvent
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = sink.find(types.EventFill, func(ev types.AccountEvent) bool { return ev.Payload["order_id"] == "EXT-1" })
		return ok
	}, time.Second, 5*time.Millisecond)
	elapsed := time.Since(begin)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, "prov-1", ev.ProviderID)

	resp := request(t, a, protocol.OpEventsSince, protocol.EventsSinceRequest{Since: begin.Add(-time.Second)})
	require.NoError(t, resp.Err())
	var out protocol.EventsResponse
	require.NoError(t, resp.Decode(&out))
	ids := make([]string, 0, len(out.Events))
	for _, e := range out.Events {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, ev.ID)
}

func TestConnectionDropDegradesUntilResubscribed(t *testing.T) {
	a, term := newTestAgent(t, paper.Params{}, nil)
	runAgent(t, a)

	startLimit(t, a, "NSE:INFY", 1)
	require.Eventually(t, func() bool {
		q, ok := a.cache.Get("NSE:INFY")
		return ok && q.HasData()
	}, time.Second, 5*time.Millisecond)

	term.DropConnection(errors.New("link lost"))
	require.Eventually(t, func() bool { return a.State() == StateDegraded }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.engine.Stats().Refusing }, time.Second, 5*time.Millisecond)

	q, _ := a.cache.Get("NSE:INFY")
	assert.False(t, q.HasData(), "quotes must be evicted on connection loss")
	assert.False(t, a.Heartbeat().AcceptExternalScans)

	calls := term.SubscribeCalls()
	term.FailNextSubscribes(1)
	term.Restore()

	require.Eventually(t, func() bool { return a.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, term.SubscribeCalls(), calls+2)
	assert.Equal(t, []string{"NSE:INFY"}, term.Subscribed())
	require.Eventually(t, func() bool { return !a.engine.Stats().Refusing }, time.Second, 5*time.Millisecond)
}

func TestQuietStreamsDegradeAndRecover(t *testing.T) {
	a, _ := newTestAgent(t, paper.Params{Silent: map[string]bool{"NSE:QUIET": true}}, func(c *Config) {
		c.StaleAfter = 80 * time.Millisecond
	})
	runAgent(t, a)

	begin := time.Now()
	startLimit(t, a, "NSE:QUIET", 1)

	require.Eventually(t, func() bool {
		for _, ev := range a.EventsSince(begin) {
			if ev.Type == types.EventConnection && ev.Payload["to"] == StateDegraded.String() {
				reason, _ := ev.Payload["reason"].(string)
				return strings.HasPrefix(reason, "no market data")
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
}

func TestExplicitDisconnectRefusesTerminalCalls(t *testing.T) {
	a, term := newTestAgent(t, paper.Params{}, nil)
	runAgent(t, a)

	term.Disconnect(context.Background())
	require.Eventually(t, func() bool { return a.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	resp := request(t, a, protocol.OpPositions, nil)
	assert.True(t, errors.Is(resp.Err(), ErrConnectionLost))

	// status is answered regardless
	resp = request(t, a, protocol.OpStatus, nil)
	require.NoError(t, resp.Err())
	var st protocol.AgentStatus
	require.NoError(t, resp.Decode(&st))
	assert.Equal(t, "DISCONNECTED", st.Heartbeat.State)
}

func TestScanRequest(t *testing.T) {
	a, _ := newTestAgent(t, paper.Params{Silent: map[string]bool{"NSE:DARK": true}}, nil)
	runAgent(t, a)

	resp := request(t, a, protocol.OpScan, protocol.ScanRequest{Keys: []string{"NSE:A", "NSE:DARK", "NSE:B"}})
	require.NoError(t, resp.Err())
	var out protocol.ScanResponse
	require.NoError(t, resp.Decode(&out))
	require.Len(t, out.Results, 3)

	byKey := map[string]types.ScanResult{}
	for _, r := range out.Results {
		byKey[r.Key] = r
	}
	require.NotNil(t, byKey["NSE:A"].Quote)
	assert.InDelta(t, 100.0, byKey["NSE:A"].Quote.Last, 0.001)
	assert.Equal(t, scan.ErrMsgNoData, byKey["NSE:DARK"].Error)
	assert.Equal(t, 0, a.budget.Allocated(budget.Scan))
}

func TestManualOrders(t *testing.T) {
	a, _ := newTestAgent(t, paper.Params{}, nil)
	sink := &recordingSink{}
	a.SetSink(sink)
	runAgent(t, a)

	resp := request(t, a, protocol.OpPlaceOrder, protocol.PlaceOrderRequest{Key: "NSE:SBIN", Side: types.SideBuy, Qty: 2})
	require.NoError(t, resp.Err())
	var placed protocol.PlaceOrderResponse
	require.NoError(t, resp.Decode(&placed))
	assert.NotEmpty(t, placed.CorrelationID)
	assert.Equal(t, types.PendingQueued, placed.State)

	require.Eventually(t, func() bool {
		_, ok := sink.find(types.EventFill, func(ev types.AccountEvent) bool { return ev.Payload["key"] == "NSE:SBIN" })
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	resp = request(t, a, protocol.OpPlaceOrder, protocol.PlaceOrderRequest{Key: "NSE:SBIN", Side: types.SideBuy, Qty: 0})
	assert.True(t, errors.Is(resp.Err(), protocol.ErrBadRequest))

	resp = request(t, a, protocol.OpPlaceOrder, protocol.PlaceOrderRequest{Key: "NSE:SBIN", Side: types.SideSell, Qty: 1, Type: types.OrderTypeLimit})
	assert.True(t, errors.Is(resp.Err(), protocol.ErrBadRequest))
}

func TestExecutionControl(t *testing.T) {
	a, term := newTestAgent(t, paper.Params{}, nil)
	runAgent(t, a)

	id := startLimit(t, a, "NSE:INFY", 1)

	resp := request(t, a, protocol.OpExecConfig, protocol.ExecConfigRequest{
		ID: id,
		Config: map[string]any{"instruments": []map[string]any{
			{"key": "NSE:TCS", "buy_below": 1, "qty": 1},
		}},
	})
	require.NoError(t, resp.Err())
	assert.Equal(t, []string{"NSE:TCS"}, term.Subscribed())

	resp = request(t, a, protocol.OpExecStatus, nil)
	require.NoError(t, resp.Err())
	var st protocol.ExecStatusResponse
	require.NoError(t, resp.Decode(&st))
	require.Len(t, st.Strategies, 1)
	assert.Equal(t, id, st.Strategies[0].ID)

	resp = request(t, a, protocol.OpExecStart, protocol.ExecStartRequest{Strategy: "martingale"})
	assert.Error(t, resp.Err())

	resp = request(t, a, protocol.OpExecStop, protocol.ExecStopRequest{ID: id})
	require.NoError(t, resp.Err())
	assert.Empty(t, term.Subscribed())
	assert.Equal(t, 0, a.budget.Allocated(budget.Execution))

	resp = request(t, a, "bogus", nil)
	assert.True(t, errors.Is(resp.Err(), protocol.ErrBadRequest))
}

func TestLoopStaysResponsiveWhileStartWaitsForScanLines(t *testing.T) {
	silent := map[string]bool{}
	var scanKeys []string
	for i := 0; i < 90; i++ {
		k := fmt.Sprintf("NSE:S%02d", i)
		silent[k] = true
		scanKeys = append(scanKeys, k)
	}
	a, term := newTestAgent(t, paper.Params{TickInterval: 5 * time.Millisecond, Silent: silent}, func(c *Config) {
		c.MaxScanBatch = 100
		c.StaleAfter = 40 * time.Millisecond
		c.Scan = scan.Config{SettleWindow: 1500 * time.Millisecond, Deadline: 3 * time.Second}
	})
	sink := &recordingSink{}
	a.SetSink(sink)
	runAgent(t, a)

	startLimit(t, a, "NSE:INFY", 1)

	scanned := make(chan protocol.Envelope, 1)
	go func() { scanned <- request(t, a, protocol.OpScan, protocol.ScanRequest{Keys: scanKeys}) }()
	require.Eventually(t, func() bool { return a.budget.Allocated(budget.Scan) == 89 }, time.Second, 5*time.Millisecond)

	// The second strategy needs a line the scan holds until its settle window ends.
	started := make(chan protocol.Envelope, 1)
	go func() {
		started <- request(t, a, protocol.OpExecStart, protocol.ExecStartRequest{
			Strategy: "limit",
			Config: map[string]any{"instruments": []map[string]any{
				{"key": "NSE:TCS", "buy_below": 1, "qty": 1},
			}},
		})
	}()
	time.Sleep(100 * time.Millisecond)

	begin := time.Now()
	hb := a.Heartbeat()
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
	assert.Equal(t, 1, hb.SubscriptionCount)

	begin = time.Now()
	term.PushOrderUpdate(types.OrderUpdate{
		OrderID: "EXT-9", Key: "NSE:INFY", Side: types.SideBuy,
		Status: types.OrderStatusFilled, Qty: 1, FilledQty: 1, AvgPrice: 100,
	})
	require.Eventually(t, func() bool {
		_, ok := sink.find(types.EventFill, func(ev types.AccountEvent) bool { return ev.Payload["order_id"] == "EXT-9" })
		return ok
	}, 500*time.Millisecond, 5*time.Millisecond)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)

	select {
	case resp := <-started:
		require.NoError(t, resp.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("strategy start never got its line")
	}
	select {
	case resp := <-scanned:
		require.NoError(t, resp.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("scan never finished")
	}

	assert.Equal(t, StateConnected, a.State())
	assert.Less(t, a.engine.Stats().MaxGap, 10*a.cfg.EvalInterval)
}

func TestScanTicksDoNotHideQuietExecutionStreams(t *testing.T) {
	a, term := newTestAgent(t, paper.Params{Silent: map[string]bool{"NSE:QUIET": true}}, func(c *Config) {
		c.StaleAfter = 60 * time.Millisecond
	})
	runAgent(t, a)
	begin := time.Now()
	startLimit(t, a, "NSE:QUIET", 1)

	// Ticks for a key nobody streams must not count as fresh data.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				term.Push("NSE:OTHER", types.FieldValue{Field: types.FieldLast, Value: 10})
			}
		}
	}()

	require.Eventually(t, func() bool {
		for _, ev := range a.EventsSince(begin) {
			if ev.Type == types.EventConnection && ev.Payload["to"] == StateDegraded.String() {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
