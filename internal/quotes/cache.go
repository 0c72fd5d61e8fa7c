// Package quotes holds the latest value of every instrument the agent streams.
//
// There is exactly one writer (the terminal callback goroutine) and any number
// of readers. Every update copies the current record, modifies the copy and
// swaps it in atomically, so a reader always sees a complete record.
package quotes

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"market-relay/internal/types"
)

type entry struct {
	rec atomic.Pointer[types.Quote]
}

// Cache is the single-writer, many-reader latest-value store.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// streaming membership, disjoint from in-flight scan keys
	streaming map[string]struct{}
	seq       atomic.Uint64
	now       func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries:   make(map[string]*entry),
		streaming: make(map[string]struct{}),
		now:       time.Now,
	}
}

// AddStreaming marks keys as streamed for execution and creates their records.
func (c *Cache) AddStreaming(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.streaming[k] = struct{}{}
		if _, ok := c.entries[k]; !ok {
			e := &entry{}
			e.rec.Store(&types.Quote{Key: k, Streaming: true})
			c.entries[k] = e
		}
	}
}

// RemoveStreaming drops keys from the streaming set and evicts their records.
func (c *Cache) RemoveStreaming(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.streaming, k)
		delete(c.entries, k)
	}
}

// IsStreaming is the tick routing fast path.
func (c *Cache) IsStreaming(key string) bool {
	c.mu.RLock()
	_, ok := c.streaming[key]
	c.mu.RUnlock()
	return ok
}

// StreamingKeys returns the streamed keys in sorted order.
func (c *Cache) StreamingKeys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.streaming))
	for k := range c.streaming {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Update sets one field of a streamed record. Unknown keys are ignored.
func (c *Cache) Update(key string, field types.Field, value float64) bool {
	return c.Apply(key, types.FieldValue{Field: field, Value: value})
}

// Apply sets several fields of a streamed record in one swap.
// It is O(number of fields) and never blocks on readers.
func (c *Cache) Apply(key string, fields ...types.FieldValue) bool {
	// The read lock only excludes membership changes; readers never wait on it.
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}

	next := *e.rec.Load()
	if next.Greeks != nil {
		g := *next.Greeks
		next.Greeks = &g
	}
	for _, fv := range fields {
		SetField(&next, fv.Field, fv.Value)
	}
	next.Seq = c.seq.Add(1)
	next.UpdatedAt = c.now()
	e.rec.Store(&next)
	return true
}

// Get returns a copy of the record for key.
func (c *Cache) Get(key string) (types.Quote, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return types.Quote{}, false
	}
	return copyQuote(e.rec.Load()), true
}

// Snapshot returns an immutable view of every record.
func (c *Cache) Snapshot() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	quotes := make(map[string]types.Quote, len(c.entries))
	for k, e := range c.entries {
		quotes[k] = copyQuote(e.rec.Load())
	}
	return View{quotes: quotes, takenAt: c.now(), seq: c.seq.Load()}
}

// Evict drops records without touching streaming membership.
func (c *Cache) Evict(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if e, ok := c.entries[k]; ok {
			e.rec.Store(&types.Quote{Key: k, Streaming: true})
		}
	}
}

// EvictAll resets every record's values; used on connection loss so stale
// prices can never be acted on after a reconnect.
func (c *Cache) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		e.rec.Store(&types.Quote{Key: k, Streaming: true})
	}
}

// Len returns the number of records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SetField writes one field into q.
func SetField(q *types.Quote, f types.Field, v float64) {
	switch f {
	case types.FieldBid:
		q.Bid = v
	case types.FieldAsk:
		q.Ask = v
	case types.FieldLast:
		q.Last = v
	case types.FieldBidSize:
		q.BidSize = v
	case types.FieldAskSize:
		q.AskSize = v
	case types.FieldLastSize:
		q.LastSize = v
	case types.FieldVolume:
		q.Volume = v
	case types.FieldImpliedVol, types.FieldDelta, types.FieldGamma, types.FieldTheta, types.FieldVega:
		if q.Greeks == nil {
			q.Greeks = &types.Greeks{}
		}
		switch f {
		case types.FieldImpliedVol:
			q.Greeks.ImpliedVol = v
		case types.FieldDelta:
			q.Greeks.Delta = v
		case types.FieldGamma:
			q.Greeks.Gamma = v
		case types.FieldTheta:
			q.Greeks.Theta = v
		case types.FieldVega:
			q.Greeks.Vega = v
		}
	}
}

func copyQuote(q *types.Quote) types.Quote {
	out := *q
	if q.Greeks != nil {
		g := *q.Greeks
		out.Greeks = &g
	}
	return out
}

// View is an immutable snapshot of the cache.
type View struct {
	quotes  map[string]types.Quote
	takenAt time.Time
	seq     uint64
}

// NewView builds a view from explicit quotes; used by strategy tests.
func NewView(qs ...types.Quote) View {
	m := make(map[string]types.Quote, len(qs))
	for _, q := range qs {
		m[q.Key] = copyQuote(&q)
	}
	return View{quotes: m, takenAt: time.Now()}
}

// Get returns the quote for key.
func (v View) Get(key string) (types.Quote, bool) {
	q, ok := v.quotes[key]
	if !ok {
		return types.Quote{}, false
	}
	return copyQuote(&q), true
}

// Keys returns the keys in the view in sorted order.
func (v View) Keys() []string {
	keys := make([]string, 0, len(v.quotes))
	for k := range v.quotes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v View) Len() int { return len(v.quotes) }

// TakenAt is when the snapshot was taken.
func (v View) TakenAt() time.Time { return v.takenAt }

// Seq is the cache sequence number at snapshot time.
func (v View) Seq() uint64 { return v.seq }
