// Package scan performs one-off price lookups for instruments that are not
// streamed, in chunks sized by the market data budget.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"market-relay/internal/budget"
	"market-relay/internal/logger"
	"market-relay/internal/quotes"
	"market-relay/internal/types"
)

const (
	DefaultSettleWindow = 2 * time.Second
	DefaultDeadline     = 30 * time.Second

	ErrMsgNoData   = "no data within settle window"
	ErrMsgDeadline = "scan deadline exceeded"

	capacityRetry = 50 * time.Millisecond
)

// Subscriber is the part of the terminal a scan needs.
type Subscriber interface {
	Subscribe(ctx context.Context, keys []string) error
	Unsubscribe(ctx context.Context, keys []string) error
}

type Config struct {
	SettleWindow time.Duration
	Deadline     time.Duration
}

// chunk is one subscribe/settle/unsubscribe cycle.
type chunk struct {
	mu       sync.Mutex
	got      map[string]*types.Quote
	want     int
	complete chan struct{}
}

func (c *chunk) deliver(key string, fields []types.FieldValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.got[key]
	if !ok {
		return
	}
	if q == nil {
		q = &types.Quote{Key: key}
		c.got[key] = q
		c.want--
	}
	for _, fv := range fields {
		quotes.SetField(q, fv.Field, fv.Value)
	}
	q.Seq++
	q.UpdatedAt = time.Now()
	if c.want == 0 {
		select {
		case <-c.complete:
		default:
			close(c.complete)
		}
	}
}

func (c *chunk) result(key string) (types.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.got[key]
	if q == nil {
		return types.Quote{}, false
	}
	return *q, true
}

// Processor runs scans. It is safe for concurrent use.
type Processor struct {
	budget *budget.Tracker
	cache  *quotes.Cache
	term   Subscriber
	cfg    Config

	mu      sync.Mutex
	waiters map[string][]*chunk
	refs    map[string]int
}

func New(b *budget.Tracker, cache *quotes.Cache, term Subscriber, cfg Config) *Processor {
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = DefaultSettleWindow
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	return &Processor{
		budget:  b,
		cache:   cache,
		term:    term,
		cfg:     cfg,
		waiters: make(map[string][]*chunk),
		refs:    make(map[string]int),
	}
}

// Deliver hands a tick for a non-streamed key to the scans waiting on it.
func (p *Processor) Deliver(key string, fields []types.FieldValue) {
	p.mu.Lock()
	ws := append([]*chunk(nil), p.waiters[key]...)
	p.mu.Unlock()
	for _, c := range ws {
		c.deliver(key, fields)
	}
}

// Holds reports whether a scan currently has key subscribed at the terminal.
func (p *Processor) Holds(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs[key] > 0
}

// Scan returns one result per distinct key, in request order. External scans
// are refused outright when the budget is not accepting them.
func (p *Processor) Scan(ctx context.Context, keys []string, external bool) ([]types.ScanResult, error) {
	if external && !p.budget.AcceptExternalScans() {
		return nil, budget.ErrAdmissionDenied
	}

	ordered := dedupe(keys)
	results := make(map[string]types.ScanResult, len(ordered))

	var remaining []string
	for _, k := range ordered {
		if p.cache.IsStreaming(k) {
			results[k] = p.fromCache(k)
			continue
		}
		remaining = append(remaining, k)
	}

	op := logger.StartOperation(ctx, "scan", "keys", len(ordered), "to_subscribe", len(remaining), "external", external)
	ctx = op.GetContext()
	dctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	chunks := 0
	for len(remaining) > 0 && dctx.Err() == nil {
		size := min(p.budget.ScanBatchSize(), len(remaining))
		granted := 0
		if size > 0 {
			var err error
			granted, err = p.budget.Reserve(dctx, budget.Scan, size)
			if err != nil && !errors.Is(err, budget.ErrAdmissionDenied) {
				break
			}
		}
		if granted == 0 {
			// Execution holds every line right now; wait for scans or
			// execution to give some back.
			select {
			case <-dctx.Done():
			case <-time.After(capacityRetry):
			}
			continue
		}

		batch := remaining[:granted]
		remaining = remaining[granted:]
		p.runChunk(dctx, batch, results)
		p.budget.Release(budget.Scan, granted)
		chunks++
	}

	for _, k := range remaining {
		results[k] = types.ScanResult{Key: k, Error: ErrMsgDeadline}
	}

	out := make([]types.ScanResult, 0, len(ordered))
	failed := 0
	for _, k := range ordered {
		r := results[k]
		if r.Error != "" {
			failed++
		}
		out = append(out, r)
	}
	op.End("chunks", chunks, "failed", failed)
	return out, nil
}

func (p *Processor) runChunk(ctx context.Context, batch []string, results map[string]types.ScanResult) {
	c := &chunk{got: make(map[string]*types.Quote, len(batch)), want: len(batch), complete: make(chan struct{})}
	for _, k := range batch {
		c.got[k] = nil
	}

	fresh := p.register(c, batch)
	defer func() {
		stale := p.unregister(c, batch)
		if len(stale) == 0 {
			return
		}
		// The deadline context may already be done; unsubscribing must still happen.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.term.Unsubscribe(uctx, stale); err != nil {
			logger.Warn(ctx, "Scan unsubscribe failed", "keys", len(stale), "error", err)
		}
	}()

	if len(fresh) > 0 {
		if err := p.term.Subscribe(ctx, fresh); err != nil {
			msg := fmt.Sprintf("subscribe failed: %v", err)
			for _, k := range batch {
				results[k] = types.ScanResult{Key: k, Error: msg}
			}
			return
		}
	}

	settle := time.NewTimer(p.cfg.SettleWindow)
	defer settle.Stop()
	deadline := false
	select {
	case <-c.complete:
	case <-settle.C:
	case <-ctx.Done():
		deadline = true
	}

	for _, k := range batch {
		if q, ok := c.result(k); ok {
			results[k] = types.ScanResult{Key: k, Quote: &q}
			continue
		}
		if p.cache.IsStreaming(k) {
			if r := p.fromCache(k); r.Error == "" {
				results[k] = r
				continue
			}
		}
		msg := ErrMsgNoData
		if deadline {
			msg = ErrMsgDeadline
		}
		results[k] = types.ScanResult{Key: k, Error: msg}
	}
}

// register adds c as a waiter and returns the keys no other scan holds.
func (p *Processor) register(c *chunk, keys []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var fresh []string
	for _, k := range keys {
		p.waiters[k] = append(p.waiters[k], c)
		if p.refs[k]++; p.refs[k] == 1 && !p.cache.IsStreaming(k) {
			fresh = append(fresh, k)
		}
	}
	return fresh
}

// unregister removes c and returns keys that should leave the terminal.
func (p *Processor) unregister(c *chunk, keys []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stale []string
	for _, k := range keys {
		ws := p.waiters[k]
		for i, w := range ws {
			if w == c {
				ws = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(ws) == 0 {
			delete(p.waiters, k)
		} else {
			p.waiters[k] = ws
		}
		if p.refs[k]--; p.refs[k] <= 0 {
			delete(p.refs, k)
			// execution may have started streaming it meanwhile
			if !p.cache.IsStreaming(k) {
				stale = append(stale, k)
			}
		}
	}
	return stale
}

func (p *Processor) fromCache(k string) types.ScanResult {
	q, ok := p.cache.Get(k)
	if !ok || !q.HasData() {
		return types.ScanResult{Key: k, Error: "streaming instrument has no data yet"}
	}
	return types.ScanResult{Key: k, Quote: &q}
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
