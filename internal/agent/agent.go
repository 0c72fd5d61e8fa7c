// Package agent owns one brokerage terminal and runs everything that talks to
// it: the quote cache, the order worker, the strategy loop and scans. All
// terminal callbacks reach the agent loop through a Bridge.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"market-relay/internal/budget"
	"market-relay/internal/engine"
	"market-relay/internal/interfaces"
	"market-relay/internal/logger"
	"market-relay/internal/orders"
	"market-relay/internal/protocol"
	"market-relay/internal/quotes"
	"market-relay/internal/scan"
	"market-relay/internal/tradelog"
	"market-relay/internal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrConnectionLost = protocol.ErrConnectionLost

const (
	DefaultStaleAfter          = 15 * time.Second
	DefaultResubscribeAttempts = 5
	DefaultResubscribeBackoff  = 500 * time.Millisecond
	shutdownTimeout            = 5 * time.Second
)

// Config configures an agent.
type Config struct {
	ProviderID string
	UserID     string

	BudgetTotal  int
	BudgetBuffer int
	MaxScanBatch int

	EvalInterval time.Duration
	Orders       orders.Config
	Scan         scan.Config

	// StaleAfter without any market data on active streams degrades the connection.
	StaleAfter          time.Duration
	ResubscribeAttempts int
	ResubscribeBackoff  time.Duration
	OutboxSize          int
}

// Agent is the orchestrator for one terminal connection.
type Agent struct {
	cfg  Config
	term interfaces.Terminal

	bridge  *Bridge
	budget  *budget.Tracker
	cache   *quotes.Cache
	worker  *orders.Worker
	engine  *engine.Engine
	scans   *scan.Processor
	streams *streams
	outbox  *outbox

	state    atomic.Int32
	lastData atomic.Int64

	sinkMu sync.RWMutex
	sink   interfaces.EventSink

	// owned by the loop goroutine
	ctx           context.Context
	linkDown      bool
	resubscribing bool
}

// New wires an agent around term. A nil registry gets the built-in strategies.
func New(cfg Config, term interfaces.Terminal, registry *engine.Registry) (*Agent, error) {
	if cfg.ProviderID == "" {
		return nil, errors.New("agent: provider id is required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.ResubscribeAttempts <= 0 {
		cfg.ResubscribeAttempts = DefaultResubscribeAttempts
	}
	if cfg.ResubscribeBackoff <= 0 {
		cfg.ResubscribeBackoff = DefaultResubscribeBackoff
	}
	if registry == nil {
		registry = engine.NewRegistry()
	}

	b, err := budget.New(cfg.BudgetTotal, cfg.BudgetBuffer, cfg.MaxScanBatch)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	a := &Agent{
		cfg:    cfg,
		term:   term,
		bridge: NewBridge(),
		budget: b,
		cache:  quotes.New(),
		outbox: newOutbox(cfg.OutboxSize),
		ctx:    context.Background(),
	}
	a.scans = scan.New(b, a.cache, term, cfg.Scan)
	a.streams = newStreams(term, b, a.cache, a.scans)
	a.worker = orders.New(term, cfg.Orders, a.onOutcome)
	a.engine = engine.New(a.cache, a.worker, a.streams, registry, a.Ready, cfg.EvalInterval)

	term.SetHandlers(interfaces.TerminalHandlers{
		OnTick:        a.onTick,
		OnOrderUpdate: a.onOrderUpdate,
		OnConnect:     a.onConnect,
		OnDisconnect:  a.onDisconnect,
	})
	return a, nil
}

// SetSink installs where account events are pushed. Events are always kept
// in the outbox as well.
func (a *Agent) SetSink(s interfaces.EventSink) {
	a.sinkMu.Lock()
	a.sink = s
	a.sinkMu.Unlock()
}

func (a *Agent) eventSink() interfaces.EventSink {
	a.sinkMu.RLock()
	defer a.sinkMu.RUnlock()
	return a.sink
}

func (a *Agent) State() State { return State(a.state.Load()) }

// Ready reports whether streamed quotes can be acted on.
func (a *Agent) Ready() bool { return a.State() == StateConnected }

func (a *Agent) Engine() *engine.Engine { return a.engine }

// Run connects the terminal and supervises the agent's goroutines until ctx
// is done or one of them fails.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	a.ctx = ctx

	g.Go(func() error { return a.bridge.Run(ctx) })
	g.Go(func() error { return a.worker.Run(ctx) })
	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error { return a.monitor(ctx) })
	g.Go(func() error {
		a.bridge.Post(func() { a.transition(ctx, StateConnecting, "connect requested") })
		if err := a.term.Connect(ctx); err != nil {
			return fmt.Errorf("connecting terminal: %w", err)
		}
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		a.engine.StopAll(sctx)
		a.term.Disconnect(sctx)
		return nil
	})

	logger.Info(ctx, "Agent started",
		"provider_id", a.cfg.ProviderID,
		"user_id", a.cfg.UserID,
		"budget", a.budget.Snapshot(),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info(context.Background(), "Agent stopped", "provider_id", a.cfg.ProviderID, "error", err)
	return err
}

// onTick runs on the terminal goroutine. Streamed keys go straight into the
// quote cache; it is the one callback that does not use the bridge.
func (a *Agent) onTick(key string, fields []types.FieldValue) {
	if a.cache.Apply(key, fields...) {
		// only execution streams count as fresh data
		a.lastData.Store(time.Now().UnixNano())
		if !a.scans.Holds(key) {
			return
		}
	}
	// bridge: scan waiters are fed from the loop
	a.bridge.Post(func() { a.scans.Deliver(key, fields) })
}

// onOrderUpdate runs on the terminal goroutine.
func (a *Agent) onOrderUpdate(u types.OrderUpdate) {
	// bridge: worker ack, strategy fills and the event push all happen on the loop
	a.bridge.Post(func() { a.handleOrderUpdate(u) })
}

// onConnect runs on the terminal goroutine.
func (a *Agent) onConnect() {
	// bridge: state transitions are owned by the loop
	a.bridge.Post(a.handleConnect)
}

// onDisconnect runs on the terminal goroutine.
func (a *Agent) onDisconnect(err error, final bool) {
	// bridge: state transitions and cache eviction are owned by the loop
	a.bridge.Post(func() { a.handleDisconnect(err, final) })
}

// onOutcome runs on the order worker goroutine.
func (a *Agent) onOutcome(o orders.Outcome) {
	a.engine.OnOutcome(o)
	if o.Err == nil {
		return
	}
	// bridge: events are published from the loop
	a.bridge.Post(func() {
		a.publish(types.EventOrderStatus, map[string]any{
			"correlation_id": o.Order.Action.CorrelationID,
			"strategy_id":    o.Order.Action.StrategyID,
			"order_id":       o.Order.OrderID,
			"key":            o.Order.Action.Key,
			"side":           string(o.Order.Action.Side),
			"qty":            o.Order.Action.Qty,
			"state":          string(o.Order.State),
			"error":          o.Err.Error(),
		})
	})
}

func (a *Agent) handleOrderUpdate(u types.OrderUpdate) {
	a.worker.Acknowledge(u)
	a.engine.OnOrderUpdate(u)

	typ := types.EventOrderStatus
	if u.FilledQty > 0 && (u.Status == types.OrderStatusFilled || u.Status == types.OrderStatusPartial) {
		typ = types.EventFill
	}
	a.publish(typ, map[string]any{
		"order_id":   u.OrderID,
		"tag":        u.Tag,
		"key":        u.Key,
		"side":       string(u.Side),
		"status":     string(u.Status),
		"qty":        u.Qty,
		"filled_qty": u.FilledQty,
		"avg_price":  u.AvgPrice,
		"message":    u.Message,
	})
}

func (a *Agent) handleConnect() {
	a.linkDown = false
	a.lastData.Store(time.Now().UnixNano())
	if a.streams.count() == 0 {
		a.transition(a.ctx, StateConnected, "terminal connected")
		return
	}
	a.startResubscribe()
}

func (a *Agent) handleDisconnect(err error, final bool) {
	reason := "terminal disconnected"
	if err != nil {
		reason = err.Error()
	}
	a.cache.EvictAll()
	if final {
		a.linkDown = false
		a.transition(a.ctx, StateDisconnected, reason)
		return
	}
	a.linkDown = true
	if a.State() != StateDisconnected {
		a.transition(a.ctx, StateDegraded, reason)
	}
}

// checkStale degrades a connection whose streams went quiet, and retries a
// failed resubscription.
func (a *Agent) checkStale() {
	if a.linkDown || a.resubscribing || a.streams.count() == 0 {
		return
	}
	switch a.State() {
	case StateConnected:
		quiet := time.Since(time.Unix(0, a.lastData.Load()))
		if quiet < a.cfg.StaleAfter {
			return
		}
		a.cache.EvictAll()
		a.transition(a.ctx, StateDegraded, fmt.Sprintf("no market data for %s", quiet.Round(time.Millisecond)))
		a.startResubscribe()
	case StateDegraded:
		a.startResubscribe()
	}
}

// startResubscribe re-issues every stream off the loop and posts the result back.
func (a *Agent) startResubscribe() {
	if a.resubscribing {
		return
	}
	a.resubscribing = true
	ctx := a.ctx
	go func() {
		err := a.resubscribeWithRetry(ctx)
		a.bridge.Post(func() { a.resubscribed(err) })
	}()
}

func (a *Agent) resubscribeWithRetry(ctx context.Context) error {
	backoff := a.cfg.ResubscribeBackoff
	var err error
	for attempt := 1; attempt <= a.cfg.ResubscribeAttempts; attempt++ {
		if err = a.streams.resubscribe(ctx); err == nil {
			return nil
		}
		logger.Warn(ctx, "Resubscribe failed",
			"attempt", attempt,
			"max_attempts", a.cfg.ResubscribeAttempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("resubscribe gave up after %d attempts: %w", a.cfg.ResubscribeAttempts, err)
}

func (a *Agent) resubscribed(err error) {
	a.resubscribing = false
	if err != nil {
		logger.ErrorWithErr(a.ctx, "Streams not restored", err, "streams", a.streams.count())
		return
	}
	if a.linkDown {
		return
	}
	switch a.State() {
	case StateDisconnected, StateConnecting, StateDegraded:
		a.lastData.Store(time.Now().UnixNano())
		a.transition(a.ctx, StateConnected, fmt.Sprintf("%d streams restored", a.streams.count()))
	}
}

func (a *Agent) monitor(ctx context.Context) error {
	t := time.NewTicker(max(a.cfg.StaleAfter/4, 10*time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.bridge.Post(a.checkStale)
		}
	}
}

func (a *Agent) transition(ctx context.Context, to State, reason string) {
	from := State(a.state.Swap(int32(to)))
	if from == to {
		return
	}
	logger.Transition(ctx, "terminal", from.String(), to.String(),
		"provider_id", a.cfg.ProviderID,
		"reason", reason,
	)
	a.publish(types.EventConnection, map[string]any{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	})
}

// publish records an account event and pushes it toward the relay. A failed
// push is left for the relay's sweep to collect from the outbox.
func (a *Agent) publish(typ types.AccountEventType, payload map[string]any) {
	ev := types.AccountEvent{
		ID:         uuid.NewString(),
		UserID:     a.cfg.UserID,
		ProviderID: a.cfg.ProviderID,
		Type:       typ,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
	a.outbox.add(ev)
	if err := tradelog.AppendEvent(ev); err != nil {
		logger.ErrorWithErr(a.ctx, "Failed to write event log", err, "event_id", ev.ID)
	}
	if sink := a.eventSink(); sink != nil {
		if err := sink.PushEvent(a.ctx, ev); err != nil {
			logger.Warn(a.ctx, "Event push failed, left in outbox",
				"event_id", ev.ID,
				"type", string(ev.Type),
				"error", err,
			)
		}
	}
}

// Heartbeat reports the capability flags the relay routes on.
func (a *Agent) Heartbeat() protocol.Heartbeat {
	return protocol.Heartbeat{
		State:               a.State().String(),
		ExecutionActive:     a.engine.Active(),
		SubscriptionCount:   a.streams.count(),
		AcceptExternalScans: a.Ready() && a.budget.AcceptExternalScans(),
		InFlightOrders:      a.worker.InFlight(),
		Budget:              a.budget.Snapshot(),
	}
}

func (a *Agent) Status() protocol.AgentStatus {
	return protocol.AgentStatus{
		ProviderID: a.cfg.ProviderID,
		Heartbeat:  a.Heartbeat(),
		Streaming:  a.streams.keys(),
		Engine:     a.engine.Stats(),
		Strategies: len(a.engine.Status()),
	}
}
