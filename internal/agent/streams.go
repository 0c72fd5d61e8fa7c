package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"market-relay/internal/budget"
	"market-relay/internal/engine"
	"market-relay/internal/interfaces"
	"market-relay/internal/logger"
	"market-relay/internal/quotes"
)

type scanHolder interface {
	Holds(key string) bool
}

// streams owns the execution-class market data lines. Keys are reference
// counted across strategies; a line is reserved and subscribed on first use
// and returned on last release.
type streams struct {
	term   interfaces.Terminal
	budget *budget.Tracker
	cache  *quotes.Cache
	scans  scanHolder

	// opMu serializes Acquire and Release, which wait on the budget and the
	// terminal. mu only guards refs, so readers never wait on that I/O.
	opMu sync.Mutex
	mu   sync.Mutex
	refs map[string]int
	n    atomic.Int64
}

var _ engine.Streams = (*streams)(nil)

func newStreams(term interfaces.Terminal, b *budget.Tracker, cache *quotes.Cache, scans scanHolder) *streams {
	return &streams{
		term:   term,
		budget: b,
		cache:  cache,
		scans:  scans,
		refs:   make(map[string]int),
	}
}

func (s *streams) Acquire(ctx context.Context, keys []string) error {
	keys = uniq(keys)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	var fresh []string
	s.mu.Lock()
	for _, k := range keys {
		if s.refs[k] == 0 {
			fresh = append(fresh, k)
		}
	}
	s.mu.Unlock()

	if len(fresh) > 0 {
		got, err := s.budget.Reserve(ctx, budget.Execution, len(fresh))
		if err != nil {
			return fmt.Errorf("reserving %d market data lines: %w", len(fresh), err)
		}
		if got < len(fresh) {
			s.budget.Release(budget.Execution, got)
			return fmt.Errorf("%w: %d of %d execution lines available", budget.ErrAdmissionDenied, got, len(fresh))
		}
		if err := s.term.Subscribe(ctx, fresh); err != nil {
			s.budget.Release(budget.Execution, len(fresh))
			return fmt.Errorf("subscribing %v: %w", fresh, err)
		}
		s.cache.AddStreaming(fresh...)
	}

	s.mu.Lock()
	for _, k := range keys {
		s.refs[k]++
	}
	s.n.Store(int64(len(s.refs)))
	s.mu.Unlock()
	return nil
}

func (s *streams) Release(ctx context.Context, keys []string) {
	keys = uniq(keys)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	var gone []string
	s.mu.Lock()
	for _, k := range keys {
		n, ok := s.refs[k]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(s.refs, k)
			gone = append(gone, k)
			continue
		}
		s.refs[k] = n - 1
	}
	s.n.Store(int64(len(s.refs)))
	s.mu.Unlock()
	if len(gone) == 0 {
		return
	}

	s.cache.RemoveStreaming(gone...)
	var unsub []string
	for _, k := range gone {
		// a running scan still needs the terminal subscription
		if !s.scans.Holds(k) {
			unsub = append(unsub, k)
		}
	}
	if len(unsub) > 0 {
		if err := s.term.Unsubscribe(ctx, unsub); err != nil {
			logger.ErrorWithErr(ctx, "Failed to unsubscribe released streams", err, "keys", unsub)
		}
	}
	s.budget.Release(budget.Execution, len(gone))
}

// resubscribe re-issues every active subscription after a reconnect.
func (s *streams) resubscribe(ctx context.Context) error {
	keys := s.keys()
	if len(keys) == 0 {
		return nil
	}
	return s.term.Subscribe(ctx, keys)
}

func (s *streams) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.refs))
	for k := range s.refs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *streams) count() int {
	return int(s.n.Load())
}

func uniq(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
