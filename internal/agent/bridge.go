package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market-relay/internal/logger"
)

// Bridge hands work from the terminal library's callback goroutine to the
// agent loop. Post never blocks: the queue is unbounded and a one-slot wake
// channel coalesces signals. Work runs in FIFO order on a single goroutine.
type Bridge struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	// delay is slept before each unit of work; tests use it to model a slow hand-off.
	delay time.Duration
}

func NewBridge() *Bridge {
	return &Bridge{wake: make(chan struct{}, 1)}
}

// Post schedules fn on the loop.
func (b *Bridge) Post(fn func()) {
	b.mu.Lock()
	b.queue = append(b.queue, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Len is the number of units waiting to run.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Run executes posted work until ctx is done. Work still queued at shutdown
// is discarded.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.wake:
		}
		for {
			b.mu.Lock()
			batch := b.queue
			b.queue = nil
			b.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.run(ctx, fn)
			}
		}
	}
}

func (b *Bridge) run(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorWithErr(ctx, "Agent loop task panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	fn()
}
