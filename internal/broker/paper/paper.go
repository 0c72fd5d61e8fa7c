// Package paper is an in-process brokerage terminal that fills orders against
// its own simulated prices. It delivers every callback on one dedicated
// goroutine, the way a real terminal library does.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"market-relay/internal/interfaces"
	"market-relay/internal/types"
)

var ErrNotConnected = errors.New("paper terminal not connected")

// Params configures the simulation.
type Params struct {
	// Base prices per key; unknown keys start at 100.
	Prices map[string]float64
	// TickInterval between simulated ticks per subscribed key; 0 disables the feed.
	TickInterval time.Duration
	// AckDelay between PlaceOrder and the OPEN/FILLED callbacks.
	AckDelay time.Duration
	// Silent keys never produce ticks.
	Silent map[string]bool
	// DropAcks suppresses order callbacks entirely.
	DropAcks bool
	// RejectKeys are rejected instead of filled.
	RejectKeys map[string]bool
}

// Terminal is a simulated brokerage terminal.
type Terminal struct {
	p Params

	mu         sync.Mutex
	h          interfaces.TerminalHandlers
	connected  bool
	subscribed map[string]bool
	prices     map[string]float64
	positions  map[string]*types.Position
	open       map[string]*types.OpenOrder
	stopFeed   context.CancelFunc

	callbacks chan func()
	started   sync.Once
	orderSeq  atomic.Int64

	placing    atomic.Int32
	maxPlacing atomic.Int32
	subCalls   atomic.Int32
	unsubCalls atomic.Int32
	failSubs   atomic.Int32
}

var _ interfaces.Terminal = (*Terminal)(nil)

func New(p Params) *Terminal {
	prices := make(map[string]float64, len(p.Prices))
	for k, v := range p.Prices {
		prices[k] = v
	}
	return &Terminal{
		p:          p,
		subscribed: make(map[string]bool),
		prices:     prices,
		positions:  make(map[string]*types.Position),
		open:       make(map[string]*types.OpenOrder),
		callbacks:  make(chan func(), 4096),
	}
}

func (t *Terminal) SetHandlers(h interfaces.TerminalHandlers) {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
}

func (t *Terminal) Connect(ctx context.Context) error {
	t.started.Do(func() { go t.dispatch() })

	t.mu.Lock()
	t.connected = true
	feedCtx, cancel := context.WithCancel(context.Background())
	t.stopFeed = cancel
	t.mu.Unlock()

	if t.p.TickInterval > 0 {
		go t.feed(feedCtx)
	}
	t.emit(func(h interfaces.TerminalHandlers) {
		if h.OnConnect != nil {
			h.OnConnect()
		}
	})
	return nil
}

func (t *Terminal) Disconnect(ctx context.Context) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	t.subscribed = make(map[string]bool)
	if t.stopFeed != nil {
		t.stopFeed()
	}
	t.mu.Unlock()
	if wasConnected {
		t.emit(func(h interfaces.TerminalHandlers) {
			if h.OnDisconnect != nil {
				h.OnDisconnect(nil, true)
			}
		})
	}
}

func (t *Terminal) Subscribe(ctx context.Context, keys []string) error {
	t.subCalls.Add(1)
	if t.failSubs.Load() > 0 {
		t.failSubs.Add(-1)
		return errors.New("paper: subscription refused")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	for _, k := range keys {
		t.subscribed[k] = true
		if _, ok := t.prices[k]; !ok {
			t.prices[k] = 100
		}
	}
	if t.p.TickInterval == 0 {
		// Without a running feed, answer each new subscription once.
		for _, k := range keys {
			if !t.p.Silent[k] {
				t.emitTickLocked(k)
			}
		}
	}
	return nil
}

func (t *Terminal) Unsubscribe(ctx context.Context, keys []string) error {
	t.unsubCalls.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		delete(t.subscribed, k)
	}
	return nil
}

func (t *Terminal) PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderResp, error) {
	n := t.placing.Add(1)
	defer t.placing.Add(-1)
	for {
		m := t.maxPlacing.Load()
		if n <= m || t.maxPlacing.CompareAndSwap(m, n) {
			break
		}
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return types.OrderResp{}, ErrNotConnected
	}
	id := fmt.Sprintf("PAPER-%d", t.orderSeq.Add(1))
	price := req.LimitPrice
	if req.Type != types.OrderTypeLimit || price == 0 {
		price = t.prices[req.Key]
	}
	t.open[id] = &types.OpenOrder{OrderID: id, Key: req.Key, Side: req.Side, Qty: req.Qty, LimitPrice: req.LimitPrice, Status: types.OrderStatusOpen, Tag: req.Tag}
	t.mu.Unlock()

	if !t.p.DropAcks {
		go t.settle(id, req, price)
	}
	return types.OrderResp{OrderID: id, Status: string(types.OrderStatusSubmitted), Message: "paper"}, nil
}

func (t *Terminal) settle(id string, req types.OrderReq, price float64) {
	if t.p.AckDelay > 0 {
		time.Sleep(t.p.AckDelay)
	}
	base := types.OrderUpdate{OrderID: id, Tag: req.Tag, Key: req.Key, Side: req.Side, Qty: req.Qty, Time: time.Now()}

	if t.p.RejectKeys[req.Key] {
		t.mu.Lock()
		delete(t.open, id)
		t.mu.Unlock()
		u := base
		u.Status, u.Message = types.OrderStatusRejected, "paper: instrument not tradable"
		t.emitOrder(u)
		return
	}

	opened := base
	opened.Status = types.OrderStatusOpen
	t.emitOrder(opened)

	t.mu.Lock()
	delete(t.open, id)
	pos := t.positions[req.Key]
	if pos == nil {
		pos = &types.Position{Key: req.Key}
		t.positions[req.Key] = pos
	}
	qty := req.Qty
	if req.Side == types.SideSell {
		qty = -qty
	}
	if pos.Qty+qty != 0 && (pos.Qty == 0 || (pos.Qty > 0) == (qty > 0)) {
		pos.AvgPrice = (pos.AvgPrice*float64(pos.Qty) + price*float64(qty)) / float64(pos.Qty+qty)
	}
	pos.Qty += qty
	pos.Last = price
	t.mu.Unlock()

	filled := base
	filled.Status, filled.FilledQty, filled.AvgPrice = types.OrderStatusFilled, req.Qty, price
	t.emitOrder(filled)
}

func (t *Terminal) CancelOrder(ctx context.Context, orderID string) error {
	t.mu.Lock()
	o, ok := t.open[orderID]
	if ok {
		delete(t.open, orderID)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("paper: order %s not open", orderID)
	}
	t.emitOrder(types.OrderUpdate{OrderID: orderID, Tag: o.Tag, Key: o.Key, Side: o.Side, Qty: o.Qty, Status: types.OrderStatusCancelled, Time: time.Now()})
	return nil
}

func (t *Terminal) Positions(ctx context.Context) ([]types.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		cp := *p
		cp.PnL = (t.prices[p.Key] - p.AvgPrice) * float64(p.Qty)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (t *Terminal) OpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.OpenOrder, 0, len(t.open))
	for _, o := range t.open {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// Push injects a tick for key on the callback goroutine.
func (t *Terminal) Push(key string, fields ...types.FieldValue) {
	t.emit(func(h interfaces.TerminalHandlers) {
		if h.OnTick != nil {
			h.OnTick(key, fields)
		}
	})
}

// PushOrderUpdate injects an order callback.
func (t *Terminal) PushOrderUpdate(u types.OrderUpdate) {
	t.emitOrder(u)
}

// DropConnection simulates a link loss the terminal will recover from.
func (t *Terminal) DropConnection(err error) {
	t.mu.Lock()
	t.connected = false
	t.subscribed = make(map[string]bool)
	t.mu.Unlock()
	t.emit(func(h interfaces.TerminalHandlers) {
		if h.OnDisconnect != nil {
			h.OnDisconnect(err, false)
		}
	})
}

// Restore simulates the terminal re-establishing its link.
func (t *Terminal) Restore() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.emit(func(h interfaces.TerminalHandlers) {
		if h.OnConnect != nil {
			h.OnConnect()
		}
	})
}

// FailNextSubscribes makes the next n Subscribe calls fail.
func (t *Terminal) FailNextSubscribes(n int) { t.failSubs.Store(int32(n)) }

// MaxConcurrentPlacements is the highest number of overlapping PlaceOrder calls seen.
func (t *Terminal) MaxConcurrentPlacements() int { return int(t.maxPlacing.Load()) }

// SubscribeCalls counts Subscribe invocations.
func (t *Terminal) SubscribeCalls() int { return int(t.subCalls.Load()) }

// UnsubscribeCalls counts Unsubscribe invocations.
func (t *Terminal) UnsubscribeCalls() int { return int(t.unsubCalls.Load()) }

// Subscribed returns the currently subscribed keys.
func (t *Terminal) Subscribed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.subscribed))
	for k := range t.subscribed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *Terminal) feed(ctx context.Context) {
	ticker := time.NewTicker(t.p.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			for k := range t.subscribed {
				if t.p.Silent[k] {
					continue
				}
				t.prices[k] *= 1 + (rand.Float64()-0.5)*0.002
				t.emitTickLocked(k)
			}
			t.mu.Unlock()
		}
	}
}

func (t *Terminal) emitTickLocked(k string) {
	px := t.prices[k]
	fields := []types.FieldValue{
		{Field: types.FieldBid, Value: px - 0.05},
		{Field: types.FieldAsk, Value: px + 0.05},
		{Field: types.FieldLast, Value: px},
		{Field: types.FieldBidSize, Value: 100},
		{Field: types.FieldAskSize, Value: 100},
	}
	t.enqueue(func(h interfaces.TerminalHandlers) {
		if h.OnTick != nil {
			h.OnTick(k, fields)
		}
	})
}

func (t *Terminal) emitOrder(u types.OrderUpdate) {
	t.emit(func(h interfaces.TerminalHandlers) {
		if h.OnOrderUpdate != nil {
			h.OnOrderUpdate(u)
		}
	})
}

func (t *Terminal) emit(fn func(h interfaces.TerminalHandlers)) {
	t.started.Do(func() { go t.dispatch() })
	t.enqueue(fn)
}

func (t *Terminal) enqueue(fn func(h interfaces.TerminalHandlers)) {
	select {
	case t.callbacks <- func() {
		t.mu.Lock()
		h := t.h
		t.mu.Unlock()
		fn(h)
	}:
	default:
		// a real terminal drops data when its consumer falls behind
	}
}

func (t *Terminal) dispatch() {
	for cb := range t.callbacks {
		cb()
	}
}
