// Package engine runs trading strategies against the quote cache on a fixed
// interval and hands their orders to the order worker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"market-relay/internal/interfaces"
	"market-relay/internal/logger"
	"market-relay/internal/orders"
	"market-relay/internal/quotes"
	"market-relay/internal/types"

	"github.com/google/uuid"
)

var (
	ErrStaleQuoteRefusal = errors.New("stale quote refusal: terminal not connected")
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrStrategyNotFound  = errors.New("strategy not found")
)

const (
	DefaultInterval = 100 * time.Millisecond
	maxOrphans      = 256
)

// Submitter accepts orders without blocking.
type Submitter interface {
	Submit(ctx context.Context, action types.OrderAction) error
}

// Streams acquires and releases execution market data lines.
type Streams interface {
	Acquire(ctx context.Context, keys []string) error
	Release(ctx context.Context, keys []string)
}

// Stats describes evaluation loop health.
type Stats struct {
	Ticks    uint64        `json:"ticks"`
	Skipped  uint64        `json:"skipped"`
	LastTick time.Time     `json:"last_tick"`
	MaxGap   time.Duration `json:"max_gap"`
	Active   int           `json:"active"`
	Refusing bool          `json:"refusing"`
}

type state struct {
	id        string
	name      string
	strategy  interfaces.Strategy
	raw       map[string]any
	cfg       any
	keys      []string
	pending   map[string]string // dedup key -> correlation id
	inFlight  int
	startedAt time.Time
	halted    bool
	emitted   int
}

type corrRef struct {
	stateID       string
	dedup         string
	correlationID string
}

// Engine is the strategy evaluation loop.
type Engine struct {
	quotes   *quotes.Cache
	orders   Submitter
	streams  Streams
	registry *Registry
	ready    func() bool
	interval time.Duration
	now      func() time.Time

	mu           sync.Mutex
	states       map[string]*state
	correlations map[string]corrRef
	orderIDs     map[string]corrRef
	orphans      map[string][]types.OrderUpdate
	orphanOrder  []string
	refusing     bool
	stats        Stats
}

// New creates an engine. ready reports whether quotes can be trusted, i.e.
// the terminal connection is in the Connected state.
func New(cache *quotes.Cache, sub Submitter, streams Streams, registry *Registry, ready func() bool, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{
		quotes:       cache,
		orders:       sub,
		streams:      streams,
		registry:     registry,
		ready:        ready,
		interval:     interval,
		now:          time.Now,
		states:       make(map[string]*state),
		correlations: make(map[string]corrRef),
		orderIDs:     make(map[string]corrRef),
		orphans:      make(map[string][]types.OrderUpdate),
	}
}

// Start creates a running strategy and subscribes its instruments.
func (e *Engine) Start(ctx context.Context, name string, raw map[string]any) (string, error) {
	s, err := e.registry.New(name)
	if err != nil {
		return "", err
	}
	cfg, err := s.ParseConfig(raw)
	if err != nil {
		return "", err
	}
	keys := s.Subscriptions(cfg)
	if err := e.streams.Acquire(ctx, keys); err != nil {
		return "", fmt.Errorf("subscribing %s instruments: %w", name, err)
	}

	st := &state{
		id:        uuid.NewString(),
		name:      name,
		strategy:  s,
		raw:       raw,
		cfg:       cfg,
		keys:      keys,
		pending:   make(map[string]string),
		startedAt: e.now(),
	}
	e.mu.Lock()
	e.states[st.id] = st
	e.mu.Unlock()

	logger.Info(ctx, "Strategy started", "strategy_id", st.id, "strategy", name, "keys", keys)
	return st.id, nil
}

// Stop destroys a running strategy. Orders already submitted are not cancelled.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	st, ok := e.states[id]
	if ok {
		delete(e.states, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	e.streams.Release(ctx, st.keys)
	logger.Info(ctx, "Strategy stopped", "strategy_id", id, "strategy", st.name, "orders_emitted", st.emitted)
	return nil
}

// StopAll stops every running strategy.
func (e *Engine) StopAll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.Stop(ctx, id)
	}
}

// UpdateConfig replaces a running strategy's configuration, adjusting its
// subscriptions. Pending orders are unaffected.
func (e *Engine) UpdateConfig(ctx context.Context, id string, raw map[string]any) error {
	e.mu.Lock()
	st, ok := e.states[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	cfg, err := st.strategy.ParseConfig(raw)
	if err != nil {
		return err
	}
	keys := st.strategy.Subscriptions(cfg)
	added, removed := diffKeys(st.keys, keys)
	if err := e.streams.Acquire(ctx, added); err != nil {
		return fmt.Errorf("subscribing new instruments: %w", err)
	}

	e.mu.Lock()
	if _, ok := e.states[id]; !ok {
		e.mu.Unlock()
		e.streams.Release(ctx, added)
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	st.cfg, st.raw, st.keys = cfg, raw, keys
	e.mu.Unlock()

	e.streams.Release(ctx, removed)
	logger.Info(ctx, "Strategy reconfigured", "strategy_id", id, "added", added, "removed", removed)
	return nil
}

// Status reports every running strategy.
func (e *Engine) Status() []types.StrategyStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.StrategyStatus, 0, len(e.states))
	for _, st := range e.states {
		out = append(out, st.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Get reports one running strategy.
func (e *Engine) Get(id string) (types.StrategyStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return types.StrategyStatus{}, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	return st.status(), nil
}

// Active reports whether any strategy is running and not halted.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		if !st.halted {
			return true
		}
	}
	return false
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Active = len(e.states)
	s.Refusing = e.refusing
	return s
}

// Run evaluates strategies every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass. It never performs blocking I/O.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.stats.LastTick.IsZero() {
		if gap := now.Sub(e.stats.LastTick); gap > e.stats.MaxGap {
			e.stats.MaxGap = gap
		}
	}
	e.stats.LastTick = now
	e.stats.Ticks++

	if !e.ready() {
		e.stats.Skipped++
		if !e.refusing {
			e.refusing = true
			logger.Warn(ctx, "Strategy evaluation suspended",
				"event", "STALE_QUOTE_REFUSAL",
				"error", ErrStaleQuoteRefusal,
				"strategies", len(e.states),
			)
		}
		return
	}
	if e.refusing {
		e.refusing = false
		logger.Info(ctx, "Strategy evaluation resumed", "strategies", len(e.states))
	}
	if len(e.states) == 0 {
		return
	}

	view := e.quotes.Snapshot()
	for _, st := range e.states {
		if st.halted {
			continue
		}
		for _, a := range e.evaluate(ctx, st, view) {
			e.dispatchLocked(ctx, st, a)
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, st *state, view quotes.View) (actions []types.OrderAction) {
	defer func() {
		if r := recover(); r != nil {
			st.halted = true
			actions = nil
			logger.Error(ctx, "Strategy panicked and was halted",
				"strategy_id", st.id,
				"strategy", st.name,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	return st.strategy.Evaluate(view, st.cfg)
}

func (e *Engine) dispatchLocked(ctx context.Context, st *state, a types.OrderAction) {
	if a.Key == "" || a.Qty <= 0 {
		logger.Debug(ctx, "Ignoring malformed action", "strategy_id", st.id, "key", a.Key, "qty", a.Qty)
		return
	}
	dedup := a.DedupKey()
	if cid, busy := st.pending[dedup]; busy {
		logger.Debug(ctx, "Duplicate action suppressed", "strategy_id", st.id, "key", a.Key, "side", a.Side, "pending", cid)
		return
	}

	a.CorrelationID = uuid.NewString()
	a.StrategyID = st.id
	if a.Tag == "" {
		a.Tag = st.name
	}
	st.pending[dedup] = a.CorrelationID
	st.inFlight++
	e.correlations[a.CorrelationID] = corrRef{stateID: st.id, dedup: dedup, correlationID: a.CorrelationID}

	if err := e.orders.Submit(ctx, a); err != nil {
		delete(st.pending, dedup)
		st.inFlight--
		delete(e.correlations, a.CorrelationID)
		logger.Warn(ctx, "Order submission refused",
			"strategy_id", st.id,
			"correlation_id", a.CorrelationID,
			"key", a.Key,
			"side", a.Side,
			"error", err,
		)
		return
	}
	st.emitted++
}

// OnOutcome clears the pending action of a finished submission and binds the
// broker order id so later fills reach the strategy.
func (e *Engine) OnOutcome(o orders.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cid := o.Order.Action.CorrelationID
	ref, ok := e.correlations[cid]
	if !ok {
		return
	}
	delete(e.correlations, cid)

	st := e.states[ref.stateID]
	if st == nil {
		return
	}
	if st.pending[ref.dedup] == cid {
		delete(st.pending, ref.dedup)
	}
	st.inFlight--

	if o.Order.OrderID == "" {
		return
	}
	e.orderIDs[o.Order.OrderID] = ref
	e.acceptedLocked(st, o.Order)
	if early, ok := e.orphans[o.Order.OrderID]; ok {
		delete(e.orphans, o.Order.OrderID)
		for _, u := range early {
			if u.Status.IsTerminal() {
				delete(e.orderIDs, u.OrderID)
			}
			e.deliverLocked(st, ref, u)
		}
	}
}

// OnOrderUpdate routes an order update to the strategy that owns it.
// Updates that arrive before the owning submission completes are held back.
func (e *Engine) OnOrderUpdate(u types.OrderUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ref, ok := e.orderIDs[u.OrderID]
	if !ok {
		if _, seen := e.orphans[u.OrderID]; !seen {
			e.orphanOrder = append(e.orphanOrder, u.OrderID)
			if len(e.orphanOrder) > maxOrphans {
				delete(e.orphans, e.orphanOrder[0])
				e.orphanOrder = e.orphanOrder[1:]
			}
		}
		e.orphans[u.OrderID] = append(e.orphans[u.OrderID], u)
		return
	}
	if u.Status.IsTerminal() {
		delete(e.orderIDs, u.OrderID)
	}
	st := e.states[ref.stateID]
	if st == nil {
		delete(e.orderIDs, u.OrderID)
		return
	}
	e.deliverLocked(st, ref, u)
}

func (e *Engine) acceptedLocked(st *state, po types.PendingOrder) {
	defer func() {
		if r := recover(); r != nil {
			st.halted = true
			logger.Error(context.Background(), "Strategy order handler panicked", "strategy_id", st.id, "panic", fmt.Sprint(r))
		}
	}()
	st.strategy.OnOrder(po.OrderID, po.Action, st.cfg)
}

// deliverLocked passes fills to the strategy, and terminal updates without
// a fill so it can release the order's working quantity.
func (e *Engine) deliverLocked(st *state, ref corrRef, u types.OrderUpdate) {
	if u.FilledQty <= 0 && !u.Status.IsTerminal() {
		return
	}
	fill := types.Fill{
		CorrelationID: ref.correlationID,
		Key:           u.Key,
		Side:          u.Side,
		Status:        u.Status,
		FilledQty:     u.FilledQty,
		AvgPrice:      u.AvgPrice,
	}
	defer func() {
		if r := recover(); r != nil {
			st.halted = true
			logger.Error(context.Background(), "Strategy fill handler panicked", "strategy_id", st.id, "panic", fmt.Sprint(r))
		}
	}()
	st.strategy.OnFill(u.OrderID, fill, st.cfg)
}

func (st *state) status() types.StrategyStatus {
	pending := make([]string, 0, len(st.pending))
	for k := range st.pending {
		pending = append(pending, k)
	}
	sort.Strings(pending)
	return types.StrategyStatus{
		ID:            st.id,
		Name:          st.name,
		Keys:          append([]string(nil), st.keys...),
		InFlight:      st.inFlight,
		PendingKeys:   pending,
		Config:        st.raw,
		StartedAt:     st.startedAt,
		Halted:        st.halted,
		OrdersEmitted: st.emitted,
	}
}

func diffKeys(old, next []string) (added, removed []string) {
	in := func(set []string, k string) bool {
		for _, s := range set {
			if s == k {
				return true
			}
		}
		return false
	}
	for _, k := range next {
		if !in(old, k) {
			added = append(added, k)
		}
	}
	for _, k := range old {
		if !in(next, k) {
			removed = append(removed, k)
		}
	}
	return added, removed
}
