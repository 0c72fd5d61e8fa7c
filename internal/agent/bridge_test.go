package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"market-relay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestBridgeRunsWorkInOrder(t *testing.T) {
	b := NewBridge()
	runBridge(t, b)

	var mu sync.Mutex
	var got []int
	all := make(chan struct{})
	for i := 0; i < 500; i++ {
		i := i
		b.Post(func() {
			mu.Lock()
			got = append(got, i)
			n := len(got)
			mu.Unlock()
			if n == 500 {
				close(all)
			}
		})
	}

	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatal("posted work did not run")
	}
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestBridgePostNeverBlocks(t *testing.T) {
	b := NewBridge()
	runBridge(t, b)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	b.Post(func() {
		close(started)
		<-release
	})
	<-started

	begin := time.Now()
	for i := 0; i < 10000; i++ {
		b.Post(func() {})
	}
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assert.Equal(t, 10000, b.Len())
}

func TestBridgeSurvivesPanics(t *testing.T) {
	b := NewBridge()
	runBridge(t, b)

	b.Post(func() { panic("boom") })
	ran := make(chan struct{})
	b.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after a panic")
	}
}

func TestOutboxWrapsAndFilters(t *testing.T) {
	o := newOutbox(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		o.add(types.AccountEvent{ID: fmt.Sprintf("e%d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	all := o.since(time.Time{})
	require.Len(t, all, 3)
	assert.Equal(t, "e2", all[0].ID)
	assert.Equal(t, "e4", all[2].ID)

	recent := o.since(base.Add(3 * time.Second))
	require.Len(t, recent, 1)
	assert.Equal(t, "e4", recent[0].ID)
}
