package relay

import (
	"sort"
	"sync"
	"time"

	"market-relay/internal/types"
)

const DefaultEventBuffer = 500

type eventRing struct {
	buf []types.AccountEvent
	ids map[string]struct{}
}

// oldest returns the index of the earliest event in a non-empty ring.
func (r *eventRing) oldest() int {
	idx := 0
	for i := 1; i < len(r.buf); i++ {
		if r.buf[i].Timestamp.Before(r.buf[idx].Timestamp) {
			idx = i
		}
	}
	return idx
}

// EventStore keeps the latest account events per user, deduplicated by id
// so pushed and swept copies merge.
type EventStore struct {
	size int

	mu    sync.Mutex
	rings map[string]*eventRing
}

func NewEventStore(size int) *EventStore {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	return &EventStore{size: size, rings: make(map[string]*eventRing)}
}

// Add stores ev. It returns false for an event already held, and for one
// older than everything a full buffer holds; a full buffer drops its oldest
// event by timestamp, whatever the arrival order.
func (s *EventStore) Add(ev types.AccountEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rings[ev.UserID]
	if r == nil {
		r = &eventRing{buf: make([]types.AccountEvent, 0, s.size), ids: make(map[string]struct{}, s.size)}
		s.rings[ev.UserID] = r
	}
	if _, dup := r.ids[ev.ID]; dup {
		return false
	}
	if len(r.buf) < s.size {
		r.buf = append(r.buf, ev)
		r.ids[ev.ID] = struct{}{}
		return true
	}
	i := r.oldest()
	if !ev.Timestamp.After(r.buf[i].Timestamp) {
		return false
	}
	delete(r.ids, r.buf[i].ID)
	r.buf[i] = ev
	r.ids[ev.ID] = struct{}{}
	return true
}

// Since returns the user's events newer than t ordered by timestamp.
func (s *EventStore) Since(userID string, t time.Time) []types.AccountEvent {
	s.mu.Lock()
	r := s.rings[userID]
	var out []types.AccountEvent
	if r != nil {
		out = make([]types.AccountEvent, 0, len(r.buf))
		for _, ev := range r.buf {
			if ev.Timestamp.After(t) {
				out = append(out, ev)
			}
		}
	}
	s.mu.Unlock()

	// swept events can arrive after newer pushed ones
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
