package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed        = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	handshakeWait  = 10 * time.Second
	maxMessageSize = 5 << 20
	sendQueueSize  = 256
)

// Conn is one end of the agent-relay websocket. After the handshake, Run
// owns the socket: a read loop on the caller's goroutine and a write pump
// fed by Send.
type Conn struct {
	ws   *websocket.Conn
	send chan Envelope
	done chan struct{}

	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// WriteDirect writes env synchronously. Only valid before Run.
func (c *Conn) WriteDirect(env Envelope) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

// ReadDirect reads one envelope synchronously. Only valid before Run.
func (c *Conn) ReadDirect() (Envelope, error) {
	var env Envelope
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeWait))
	if err := c.ws.ReadJSON(&env); err != nil {
		return Envelope{}, fmt.Errorf("reading handshake: %w", err)
	}
	return env, nil
}

// Send queues env without blocking.
func (c *Conn) Send(env Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// SendWait queues env, waiting for room until ctx is done.
func (c *Conn) SendWait(ctx context.Context, env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// Run pumps messages until the connection fails or ctx is done. handle is
// called on the read goroutine and must not block.
func (c *Conn) Run(ctx context.Context, handle func(Envelope)) error {
	defer c.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.Close()
		return nil
	})
	g.Go(c.writePump)
	g.Go(func() error { return c.readLoop(handle) })

	err := g.Wait()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) readLoop(handle func(Envelope)) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
				return ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrClosed
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(env)
	}
}

func (c *Conn) writePump() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return ErrClosed
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
