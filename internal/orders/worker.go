// Package orders places strategy orders on the terminal one at a time so that
// submission latency never stalls strategy evaluation.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"market-relay/internal/interfaces"
	"market-relay/internal/logger"
	"market-relay/internal/tradelog"
	"market-relay/internal/types"
)

var (
	ErrOrderCapacityExceeded = errors.New("order capacity exceeded")
	ErrOrderTimeout          = errors.New("order acknowledgment timed out")
	ErrOrderRejected         = errors.New("order rejected by terminal")
	ErrWorkerStopped         = errors.New("order worker stopped")
)

const (
	DefaultMaxInFlight = 10
	DefaultAckTimeout  = 10 * time.Second
)

// Config tunes the worker.
type Config struct {
	MaxInFlight int
	AckTimeout  time.Duration
}

// Outcome is reported once per submitted action, whatever happened to it.
type Outcome struct {
	Order  types.PendingOrder
	Update *types.OrderUpdate
	Err    error
}

// Worker serializes order placement. Submit never blocks.
type Worker struct {
	term     interfaces.Terminal
	cfg      Config
	queue    chan string
	acks     chan types.OrderUpdate
	onResult func(Outcome)
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*types.PendingOrder

	// order currently waiting at the terminal; empty when idle
	current   string
	currentID string
	stopped   bool
}

// New creates a worker. onResult may be nil.
func New(term interfaces.Terminal, cfg Config, onResult func(Outcome)) *Worker {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if onResult == nil {
		onResult = func(Outcome) {}
	}
	return &Worker{
		term:     term,
		cfg:      cfg,
		queue:    make(chan string, cfg.MaxInFlight),
		acks:     make(chan types.OrderUpdate, 16),
		onResult: onResult,
		now:      time.Now,
		inflight: make(map[string]*types.PendingOrder),
	}
}

// Submit enqueues an action and returns immediately. Beyond MaxInFlight
// outstanding orders the action is rejected, not queued.
func (w *Worker) Submit(ctx context.Context, action types.OrderAction) error {
	if action.CorrelationID == "" {
		return fmt.Errorf("order action for %s has no correlation id", action.Key)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrWorkerStopped
	}
	if len(w.inflight) >= w.cfg.MaxInFlight {
		n := len(w.inflight)
		w.mu.Unlock()
		logger.Warn(ctx, "Order rejected: in-flight cap reached",
			"event", "ORDER_CAPACITY_EXCEEDED",
			"correlation_id", action.CorrelationID,
			"key", action.Key,
			"side", action.Side,
			"in_flight", n,
			"max_in_flight", w.cfg.MaxInFlight,
		)
		return fmt.Errorf("%w: %d orders outstanding", ErrOrderCapacityExceeded, n)
	}
	if _, dup := w.inflight[action.CorrelationID]; dup {
		w.mu.Unlock()
		return fmt.Errorf("order %s already in flight", action.CorrelationID)
	}
	p := &types.PendingOrder{Action: action, State: types.PendingQueued, SubmittedAt: w.now()}
	w.inflight[action.CorrelationID] = p
	// queue capacity equals MaxInFlight, so this send cannot block
	w.queue <- action.CorrelationID
	w.mu.Unlock()

	logger.Order(ctx, action.CorrelationID, action.Key, string(action.Side), action.Qty, string(types.PendingQueued))
	return nil
}

// Acknowledge hands a terminal order update to the worker. Updates that do
// not concern the order currently awaiting acknowledgment are ignored.
func (w *Worker) Acknowledge(u types.OrderUpdate) {
	w.mu.Lock()
	relevant := w.current != "" && (w.currentID == "" || w.currentID == u.OrderID)
	w.mu.Unlock()
	if !relevant {
		return
	}
	select {
	case w.acks <- u:
	default:
		logger.Warn(context.Background(), "Order ack channel full, update dropped", "order_id", u.OrderID)
	}
}

// InFlight is the number of queued plus unacknowledged orders.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// Pending lists outstanding orders ordered by submit time.
func (w *Worker) Pending() []types.PendingOrder {
	w.mu.Lock()
	out := make([]types.PendingOrder, 0, len(w.inflight))
	for _, p := range w.inflight {
		out = append(out, *p)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Run processes the queue until ctx is done. Queued orders left at shutdown
// are failed with ErrWorkerStopped.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return ctx.Err()
		case id := <-w.queue:
			w.process(ctx, id)
		}
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	w.mu.Lock()
	p, ok := w.inflight[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	now := w.now()
	p.SubmittedAt = now
	p.Deadline = now.Add(w.cfg.AckTimeout)
	p.State = types.PendingSubmitted
	w.current, w.currentID = id, ""
	order := *p
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.current, w.currentID = "", ""
		w.mu.Unlock()
		// discard anything that raced in for this order
		for {
			select {
			case <-w.acks:
			default:
				return
			}
		}
	}()

	placeCtx, cancel := context.WithDeadline(ctx, order.Deadline)
	defer cancel()

	a := order.Action
	resp, err := w.term.PlaceOrder(placeCtx, types.OrderReq{
		Key:        a.Key,
		Side:       a.Side,
		Qty:        a.Qty,
		Type:       a.Type,
		LimitPrice: a.LimitPrice,
		Tag:        a.Tag,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			w.finish(ctx, id, types.PendingTimedOut, nil, fmt.Errorf("%w: placing order: %v", ErrOrderTimeout, err))
			return
		}
		w.finish(ctx, id, types.PendingFailed, nil, fmt.Errorf("placing order: %w", err))
		return
	}

	w.mu.Lock()
	w.currentID = resp.OrderID
	p.OrderID = resp.OrderID
	w.mu.Unlock()

	timer := time.NewTimer(time.Until(order.Deadline))
	defer timer.Stop()
	for {
		select {
		case u := <-w.acks:
			if u.OrderID != resp.OrderID {
				continue
			}
			if u.Status == types.OrderStatusRejected {
				w.finish(ctx, id, types.PendingRejected, &u, fmt.Errorf("%w: %s", ErrOrderRejected, u.Message))
				return
			}
			w.finish(ctx, id, types.PendingAcknowledged, &u, nil)
			return
		case <-timer.C:
			w.finish(ctx, id, types.PendingTimedOut, nil, fmt.Errorf("%w after %s", ErrOrderTimeout, w.cfg.AckTimeout))
			return
		case <-ctx.Done():
			w.finish(ctx, id, types.PendingFailed, nil, ctx.Err())
			return
		}
	}
}

func (w *Worker) finish(ctx context.Context, id string, state types.PendingState, u *types.OrderUpdate, err error) {
	w.mu.Lock()
	p, ok := w.inflight[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	p.State = state
	order := *p
	delete(w.inflight, id)
	w.mu.Unlock()

	reason := ""
	if err != nil {
		reason = err.Error()
		logger.Warn(ctx, "Order did not complete",
			"correlation_id", id,
			"order_id", order.OrderID,
			"state", state,
			"error", err,
		)
	}
	logger.Order(ctx, id, order.Action.Key, string(order.Action.Side), order.Action.Qty, string(state), "order_id", order.OrderID)
	if lerr := tradelog.AppendOrder(order, reason); lerr != nil {
		logger.Debug(ctx, "Trade log append failed", "error", lerr)
	}
	w.onResult(Outcome{Order: order, Update: u, Err: err})
}

func (w *Worker) drain() {
	w.mu.Lock()
	w.stopped = true
	ids := make([]string, 0, len(w.inflight))
	for id := range w.inflight {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	for _, id := range ids {
		w.finish(context.Background(), id, types.PendingFailed, nil, ErrWorkerStopped)
	}
}
