// Package relaylink keeps the agent's persistent websocket connection to the
// relay: registration, heartbeats, serving relay requests and pushing
// account events. Lost connections are redialed with exponential backoff.
package relaylink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"market-relay/internal/interfaces"
	"market-relay/internal/logger"
	"market-relay/internal/protocol"
	"market-relay/internal/types"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultMinBackoff        = time.Second
	DefaultMaxBackoff        = 30 * time.Second
)

// Handler serves the relay's requests on the agent.
type Handler interface {
	HandleRequest(ctx context.Context, req protocol.Envelope) protocol.Envelope
	Heartbeat() protocol.Heartbeat
}

type Config struct {
	URL        string
	ProviderID string
	UserID     string
	APIKey     string
	Version    string

	HeartbeatInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
}

// Client is the agent end of the relay link.
type Client struct {
	cfg    Config
	h      Handler
	dialer *websocket.Dialer

	mu   sync.RWMutex
	conn *protocol.Conn
}

var _ interfaces.EventSink = (*Client)(nil)

func New(cfg Config, h Handler) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	return &Client{
		cfg: cfg,
		h:   h,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Connected reports whether a registered session is up.
func (c *Client) Connected() bool {
	return c.current() != nil
}

// PushEvent queues ev for the relay without blocking. When the link is down
// the event stays only in the agent's outbox until the relay sweeps it.
func (c *Client) PushEvent(ctx context.Context, ev types.AccountEvent) error {
	conn := c.current()
	if conn == nil {
		return protocol.ErrNotConnected
	}
	env, err := protocol.New(protocol.TypeEvent, "", ev)
	if err != nil {
		return err
	}
	env.UserID = ev.UserID
	return conn.Send(env)
}

// Run keeps a session open until ctx is done. A refused registration is
// final; every other failure is retried.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		began := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, protocol.ErrAuthenticationFailed) {
			logger.ErrorWithErr(ctx, "Relay refused registration", err, "provider_id", c.cfg.ProviderID)
			return err
		}
		if time.Since(began) > c.cfg.MaxBackoff {
			backoff = c.cfg.MinBackoff
		}
		logger.Warn(ctx, "Relay link lost, reconnecting",
			"error", err,
			"backoff", backoff,
			"url", c.cfg.URL,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Client) session(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	conn := protocol.NewConn(ws)

	interval, err := c.register(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.setConn(conn)
	defer c.setConn(nil)
	logger.Info(ctx, "Relay link established",
		"provider_id", c.cfg.ProviderID,
		"heartbeat_interval", interval,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.Run(gctx, func(env protocol.Envelope) { c.dispatch(gctx, conn, env) })
	})
	g.Go(func() error { return c.heartbeats(gctx, conn, interval) })
	err = g.Wait()
	if err == nil {
		err = protocol.ErrClosed
	}
	return err
}

func (c *Client) register(conn *protocol.Conn) (time.Duration, error) {
	env, err := protocol.New(protocol.TypeRegister, "", protocol.Register{
		ProviderID: c.cfg.ProviderID,
		UserID:     c.cfg.UserID,
		APIKey:     c.cfg.APIKey,
		Version:    c.cfg.Version,
	})
	if err != nil {
		return 0, err
	}
	if err := conn.WriteDirect(env); err != nil {
		return 0, fmt.Errorf("sending registration: %w", err)
	}
	resp, err := conn.ReadDirect()
	if err != nil {
		return 0, err
	}
	if err := resp.Err(); err != nil {
		return 0, fmt.Errorf("registration: %w", err)
	}
	if resp.Type != protocol.TypeRegistered {
		return 0, fmt.Errorf("%w: expected %s, got %s", protocol.ErrBadRequest, protocol.TypeRegistered, resp.Type)
	}
	var reg protocol.Registered
	if err := resp.Decode(&reg); err != nil {
		return 0, err
	}
	if reg.HeartbeatInterval > 0 {
		return reg.HeartbeatInterval, nil
	}
	return c.cfg.HeartbeatInterval, nil
}

func (c *Client) dispatch(ctx context.Context, conn *protocol.Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRequest:
		// scans can take seconds; never hold up the read loop
		go func() {
			resp := c.h.HandleRequest(ctx, env)
			if err := conn.SendWait(ctx, resp); err != nil {
				logger.Warn(ctx, "Failed to send response", "request_id", env.ID, "op", env.Op, "error", err)
			}
		}()
	case protocol.TypeError:
		logger.Warn(ctx, "Relay reported an error", "error", env.Err())
	default:
		logger.Debug(ctx, "Ignoring relay message", "type", string(env.Type))
	}
}

func (c *Client) heartbeats(ctx context.Context, conn *protocol.Conn, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		env, err := protocol.New(protocol.TypeHeartbeat, "", c.h.Heartbeat())
		if err != nil {
			return err
		}
		if err := conn.Send(env); err != nil && !errors.Is(err, protocol.ErrSendQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return protocol.ErrClosed
		case <-t.C:
		}
	}
}

func (c *Client) current() *protocol.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) setConn(conn *protocol.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}
