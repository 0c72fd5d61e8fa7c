package relay

import (
	"fmt"
	"testing"
	"time"

	"market-relay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(id, user string, ts time.Time) types.AccountEvent {
	return types.AccountEvent{ID: id, UserID: user, Type: types.EventFill, Timestamp: ts}
}

func TestEventStoreDedupesAndIsolatesUsers(t *testing.T) {
	s := NewEventStore(10)
	t0 := time.Now()

	assert.True(t, s.Add(ev("e1", "alice", t0)))
	assert.False(t, s.Add(ev("e1", "alice", t0)))
	assert.True(t, s.Add(ev("e2", "bob", t0)))

	assert.Len(t, s.Since("alice", time.Time{}), 1)
	assert.Len(t, s.Since("bob", time.Time{}), 1)
	assert.Empty(t, s.Since("carol", time.Time{}))
}

func TestEventStoreOrdersAndFilters(t *testing.T) {
	s := NewEventStore(10)
	t0 := time.Now()

	s.Add(ev("late", "alice", t0.Add(3*time.Second)))
	// a swept event older than one already pushed
	s.Add(ev("early", "alice", t0.Add(time.Second)))
	s.Add(ev("mid", "alice", t0.Add(2*time.Second)))

	got := s.Since("alice", time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, "early", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)
	assert.Equal(t, "late", got[2].ID)

	got = s.Since("alice", t0.Add(time.Second))
	require.Len(t, got, 2)
	assert.Equal(t, "mid", got[0].ID)
}

func TestEventStoreDropsOldestWhenFull(t *testing.T) {
	s := NewEventStore(3)
	t0 := time.Now()
	for i := 0; i < 5; i++ {
		s.Add(ev(fmt.Sprintf("e%d", i), "alice", t0.Add(time.Duration(i)*time.Second)))
	}

	got := s.Since("alice", time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, "e4", got[2].ID)

	// an evicted event is older than everything held and stays out
	assert.False(t, s.Add(ev("e0", "alice", t0)))
	got = s.Since("alice", time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, "e2", got[0].ID)
}

func TestEventStoreLateSweepKeepsNewestAcrossProviders(t *testing.T) {
	s := NewEventStore(3)
	t0 := time.Now()

	// provider a pushes the newest events
	for i := 0; i < 3; i++ {
		s.Add(ev(fmt.Sprintf("a%d", i), "alice", t0.Add(time.Duration(10+i)*time.Second)))
	}
	// provider b's sweep brings older events it never pushed, plus one newer
	assert.False(t, s.Add(ev("b0", "alice", t0.Add(time.Second))))
	assert.False(t, s.Add(ev("b1", "alice", t0.Add(2*time.Second))))
	assert.True(t, s.Add(ev("b2", "alice", t0.Add(11500*time.Millisecond))))

	got := s.Since("alice", time.Time{})
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a1", "b2", "a2"}, ids)
}
