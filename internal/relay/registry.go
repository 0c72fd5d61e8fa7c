package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"market-relay/internal/logger"
	"market-relay/internal/protocol"

	"golang.org/x/sync/semaphore"
)

var (
	ErrNotConnected         = protocol.ErrNotConnected
	ErrAuthenticationFailed = protocol.ErrAuthenticationFailed
	ErrForbidden            = protocol.ErrForbidden
)

const DefaultHeartbeatTimeout = 30 * time.Second

// transport is the relay's end of an agent link.
type transport interface {
	Send(env protocol.Envelope) error
	SendWait(ctx context.Context, env protocol.Envelope) error
	Done() <-chan struct{}
	Close()
}

// Connection is one registered agent (a DataProviderConnection).
type Connection struct {
	ProviderID  string
	UserID      string
	Version     string
	ConnectedAt time.Time

	link transport
	// scanGate admits one external scan at a time while the agent trades.
	scanGate *semaphore.Weighted

	mu            sync.Mutex
	lastHeartbeat time.Time
	heartbeat     protocol.Heartbeat
	lastError     string
	pending       map[string]chan protocol.Envelope
}

func newConnection(reg protocol.Register, link transport, now time.Time) *Connection {
	return &Connection{
		ProviderID:    reg.ProviderID,
		UserID:        reg.UserID,
		Version:       reg.Version,
		ConnectedAt:   now,
		link:          link,
		scanGate:      semaphore.NewWeighted(1),
		lastHeartbeat: now,
		pending:       make(map[string]chan protocol.Envelope),
	}
}

func (c *Connection) Status() protocol.ProviderStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.ProviderStatus{
		ProviderID:    c.ProviderID,
		UserID:        c.UserID,
		Version:       c.Version,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.lastHeartbeat,
		Heartbeat:     c.heartbeat,
		LastError:     c.lastError,
	}
}

func (c *Connection) Heartbeat() protocol.Heartbeat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

func (c *Connection) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// Request sends req to the agent and waits for the matching response.
func (c *Connection) Request(ctx context.Context, req protocol.Envelope) (protocol.Envelope, error) {
	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.link.SendWait(ctx, req); err != nil {
		if ctx.Err() != nil {
			return protocol.Envelope{}, fmt.Errorf("%w: sending %s", protocol.ErrTimeout, req.Op)
		}
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.link.Done():
		return protocol.Envelope{}, fmt.Errorf("%w: provider %s went away", ErrNotConnected, c.ProviderID)
	case <-ctx.Done():
		return protocol.Envelope{}, fmt.Errorf("%w: waiting for %s from %s", protocol.ErrTimeout, req.Op, c.ProviderID)
	}
}

// resolve hands a response to its waiting request.
func (c *Connection) resolve(resp protocol.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

// Registry maps provider ids to live agent connections.
type Registry struct {
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry(heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Registry{
		timeout: heartbeatTimeout,
		now:     time.Now,
		conns:   make(map[string]*Connection),
	}
}

// Register installs c, atomically replacing and closing any previous
// connection of the same provider. The replaced connection is returned.
func (r *Registry) Register(c *Connection) *Connection {
	r.mu.Lock()
	old := r.conns[c.ProviderID]
	r.conns[c.ProviderID] = c
	r.mu.Unlock()

	if old != nil && old != c {
		old.link.Close()
		return old
	}
	return nil
}

// Heartbeat refreshes a provider's liveness and capability flags.
func (r *Registry) Heartbeat(providerID string, hb protocol.Heartbeat) error {
	c, err := r.Get(providerID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastHeartbeat = r.now()
	c.heartbeat = hb
	c.mu.Unlock()
	return nil
}

func (r *Registry) Get(providerID string) (*Connection, error) {
	r.mu.RLock()
	c, ok := r.conns[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, providerID)
	}
	return c, nil
}

func (r *Registry) ForUser(userID string) []*Connection {
	var out []*Connection
	for _, c := range r.All() {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

// All returns every connection ordered by provider id.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Remove drops c if it is still the registered connection for its provider.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.ProviderID] != c {
		return false
	}
	delete(r.conns, c.ProviderID)
	return true
}

// Sweep purges connections whose last heartbeat is older than the timeout
// and returns their provider ids.
func (r *Registry) Sweep(now time.Time) []string {
	var stale []*Connection
	r.mu.Lock()
	for id, c := range r.conns {
		c.mu.Lock()
		last := c.lastHeartbeat
		c.mu.Unlock()
		if now.Sub(last) > r.timeout {
			delete(r.conns, id)
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		c.link.Close()
		ids = append(ids, c.ProviderID)
	}
	sort.Strings(ids)
	return ids
}

// RunSweeper sweeps every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = r.timeout / 3
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			for _, id := range r.Sweep(now) {
				logger.Warn(ctx, "Provider purged: heartbeat missed",
					"provider_id", id,
					"timeout", r.timeout,
				)
			}
		}
	}
}
