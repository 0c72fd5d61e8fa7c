package agent

import (
	"sync"
	"time"

	"market-relay/internal/types"
)

const DefaultOutboxSize = 500

// outbox keeps the most recent account events so the relay can recover
// pushes it missed.
type outbox struct {
	mu   sync.Mutex
	buf  []types.AccountEvent
	next int
	full bool
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &outbox{buf: make([]types.AccountEvent, size)}
}

func (o *outbox) add(ev types.AccountEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf[o.next] = ev
	o.next = (o.next + 1) % len(o.buf)
	if o.next == 0 {
		o.full = true
	}
}

// since returns events newer than t, oldest first.
func (o *outbox) since(t time.Time) []types.AccountEvent {
	o.mu.Lock()
	defer o.mu.Unlock()

	start, n := 0, o.next
	if o.full {
		start, n = o.next, len(o.buf)
	}
	out := make([]types.AccountEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := o.buf[(start+i)%len(o.buf)]
		if ev.Timestamp.After(t) {
			out = append(out, ev)
		}
	}
	return out
}
