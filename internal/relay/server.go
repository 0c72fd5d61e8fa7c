// Package relay is the central service agents connect to. It keeps the
// registry of live agents, routes client requests to them by priority tier
// and buffers account events per user.
package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"market-relay/internal/logger"
	"market-relay/internal/protocol"
	"market-relay/internal/types"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHeartbeatInterval  = 10 * time.Second
	DefaultEventSweepInterval = 60 * time.Second
)

type Config struct {
	Addr string
	// APIKeys maps user id to the key that user's agents register with.
	APIKeys map[string]string

	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	SweepInterval      time.Duration
	EventSweepInterval time.Duration
	RequestTimeout     time.Duration
	ScanTimeout        time.Duration
	EventBuffer        int
}

// Server is the relay process.
type Server struct {
	cfg      Config
	reg      *Registry
	router   *Router
	events   *EventStore
	upgrader websocket.Upgrader
	baseCtx  context.Context
}

func New(cfg Config) (*Server, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("relay: at least one API key is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.EventSweepInterval <= 0 {
		cfg.EventSweepInterval = DefaultEventSweepInterval
	}
	reg := NewRegistry(cfg.HeartbeatTimeout)
	return &Server{
		cfg:    cfg,
		reg:    reg,
		router: NewRouter(reg, cfg.RequestTimeout, cfg.ScanTimeout),
		events: NewEventStore(cfg.EventBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// agents are not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: context.Background(),
	}, nil
}

func (s *Server) Registry() *Registry { return s.reg }

func (s *Server) Events() *EventStore { return s.events }

// Run serves HTTP and the background sweepers until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.baseCtx = ctx

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.Go(func() error { return s.reg.RunSweeper(ctx, s.cfg.SweepInterval) })
	g.Go(func() error { return s.runEventSweeper(ctx) })
	g.Go(func() error {
		logger.Info(ctx, "Relay listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, c := range s.reg.All() {
			c.link.Close()
		}
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleAgent upgrades an agent connection, authenticates its registration
// and serves it until the link drops.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	ctx := s.baseCtx
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(ctx, "Agent websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	link := protocol.NewConn(ws)

	first, err := link.ReadDirect()
	if err != nil {
		logger.Warn(ctx, "Agent handshake failed", "error", err, "remote", r.RemoteAddr)
		link.Close()
		return
	}
	var reg protocol.Register
	if first.Type != protocol.TypeRegister {
		err = fmt.Errorf("%w: expected %s, got %s", protocol.ErrBadRequest, protocol.TypeRegister, first.Type)
	} else if err = first.Decode(&reg); err == nil {
		err = s.authenticate(reg)
	}
	if err != nil {
		logger.Warn(ctx, "Agent registration refused",
			"provider_id", reg.ProviderID,
			"user_id", reg.UserID,
			"remote", r.RemoteAddr,
			"error", err,
		)
		_ = link.WriteDirect(protocol.Envelope{Type: protocol.TypeError, ID: first.ID, Error: protocol.FromError(err)})
		link.Close()
		return
	}

	c := newConnection(reg, link, time.Now())
	if old := s.reg.Register(c); old != nil {
		logger.Info(ctx, "Provider reconnected, previous link replaced", "provider_id", c.ProviderID)
	}
	ack, err := protocol.New(protocol.TypeRegistered, "", protocol.Registered{
		ProviderID:        c.ProviderID,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
	})
	if err == nil {
		ack.ID = first.ID
		err = link.WriteDirect(ack)
	}
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to acknowledge registration", err, "provider_id", c.ProviderID)
		s.reg.Remove(c)
		link.Close()
		return
	}
	logger.Info(ctx, "Provider registered",
		"provider_id", c.ProviderID,
		"user_id", c.UserID,
		"version", c.Version,
		"remote", r.RemoteAddr,
	)

	err = link.Run(ctx, func(env protocol.Envelope) { s.onAgentMessage(ctx, c, env) })
	if s.reg.Remove(c) {
		logger.Warn(ctx, "Provider disconnected", "provider_id", c.ProviderID, "error", err)
	}
}

func (s *Server) authenticate(reg protocol.Register) error {
	if reg.ProviderID == "" || reg.UserID == "" {
		return fmt.Errorf("%w: provider_id and user_id are required", protocol.ErrBadRequest)
	}
	want, ok := s.cfg.APIKeys[reg.UserID]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(reg.APIKey)) != 1 {
		return fmt.Errorf("%w: bad API key for user %s", ErrAuthenticationFailed, reg.UserID)
	}
	return nil
}

// onAgentMessage runs on the link's read goroutine.
func (s *Server) onAgentMessage(ctx context.Context, c *Connection, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := env.Decode(&hb); err != nil {
			logger.Warn(ctx, "Bad heartbeat", "provider_id", c.ProviderID, "error", err)
			return
		}
		if err := s.reg.Heartbeat(c.ProviderID, hb); err != nil {
			logger.Warn(ctx, "Heartbeat from unregistered provider", "provider_id", c.ProviderID)
		}
	case protocol.TypeResponse:
		if !c.resolve(env) {
			logger.Debug(ctx, "Late response dropped", "provider_id", c.ProviderID, "request_id", env.ID, "op", env.Op)
		}
	case protocol.TypeEvent:
		var ev types.AccountEvent
		if err := env.Decode(&ev); err != nil {
			logger.Warn(ctx, "Bad event", "provider_id", c.ProviderID, "error", err)
			return
		}
		s.storeEvent(c, ev)
	default:
		logger.Debug(ctx, "Ignoring agent message", "provider_id", c.ProviderID, "type", string(env.Type))
	}
}

// storeEvent files ev under the agent's owner; agents cannot write into
// another user's buffer.
func (s *Server) storeEvent(c *Connection, ev types.AccountEvent) bool {
	ev.UserID = c.UserID
	ev.ProviderID = c.ProviderID
	return s.events.Add(ev)
}

// runEventSweeper periodically pulls each agent's outbox and merges events
// whose push was lost.
func (s *Server) runEventSweeper(ctx context.Context) error {
	t := time.NewTicker(s.cfg.EventSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			// window overlaps the previous sweep; duplicates are dropped by id
			s.SweepEvents(ctx, time.Now().Add(-2*s.cfg.EventSweepInterval))
		}
	}
}

// SweepEvents asks every agent for events newer than since and returns how
// many were new to the relay.
func (s *Server) SweepEvents(ctx context.Context, since time.Time) int {
	added := 0
	for _, c := range s.reg.All() {
		raw, err := s.router.Do(ctx, c.UserID, c.ProviderID, protocol.OpEventsSince, protocol.EventsSinceRequest{Since: since})
		if err != nil {
			logger.Warn(ctx, "Event sweep failed", "provider_id", c.ProviderID, "error", err)
			continue
		}
		var resp protocol.EventsResponse
		if err := decodePayload(raw, &resp); err != nil {
			logger.Warn(ctx, "Event sweep returned garbage", "provider_id", c.ProviderID, "error", err)
			continue
		}
		n := 0
		for _, ev := range resp.Events {
			if s.storeEvent(c, ev) {
				n++
			}
		}
		if n > 0 {
			logger.Info(ctx, "Event sweep recovered missed events", "provider_id", c.ProviderID, "count", n)
		}
		added += n
	}
	return added
}
