package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"market-relay/internal/budget"
	"market-relay/internal/engine"
	"market-relay/internal/logger"
	"market-relay/internal/orders"
	"market-relay/internal/protocol"
)

const (
	UserHeader   = "X-User-ID"
	maxBodyBytes = 1 << 20
)

// Handler returns the relay's HTTP surface: the agent websocket endpoint and
// the client API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/agent", s.handleAgent)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "providers": len(s.reg.All())})
	})

	mux.HandleFunc("GET /api/status", s.withUser(s.handleStatusAll))
	mux.HandleFunc("GET /api/providers/{id}/status", s.withUser(s.handleStatus))
	mux.HandleFunc("POST /api/providers/{id}/scan", s.withUser(s.handleScan))

	mux.HandleFunc("GET /api/providers/{id}/positions", s.withUser(s.forward(protocol.OpPositions, nil)))
	mux.HandleFunc("GET /api/providers/{id}/orders", s.withUser(s.forward(protocol.OpOpenOrders, nil)))
	mux.HandleFunc("POST /api/providers/{id}/orders", s.withUser(s.forward(protocol.OpPlaceOrder, func() any { return &protocol.PlaceOrderRequest{} })))
	mux.HandleFunc("DELETE /api/providers/{id}/orders/{orderID}", s.withUser(s.handleCancel))

	mux.HandleFunc("POST /api/providers/{id}/execution/start", s.withUser(s.forward(protocol.OpExecStart, func() any { return &protocol.ExecStartRequest{} })))
	mux.HandleFunc("POST /api/providers/{id}/execution/stop", s.withUser(s.forward(protocol.OpExecStop, func() any { return &protocol.ExecStopRequest{} })))
	mux.HandleFunc("GET /api/providers/{id}/execution/status", s.withUser(s.forward(protocol.OpExecStatus, nil)))
	mux.HandleFunc("PUT /api/providers/{id}/execution/config", s.withUser(s.forward(protocol.OpExecConfig, func() any { return &protocol.ExecConfigRequest{} })))

	mux.HandleFunc("GET /api/events", s.withUser(s.handleEvents))
	return mux
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeError(w, r, fmt.Errorf("%w: missing %s header", protocol.ErrBadRequest, UserHeader))
			return
		}
		h(w, r, user)
	}
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request, _ string) {
	conns := s.reg.All()
	out := make([]protocol.ProviderStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ string) {
	st, err := s.router.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, user string) {
	var req protocol.ScanRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, r, fmt.Errorf("%w: keys are required", protocol.ErrBadRequest))
		return
	}
	// only the router decides whether a scan is external
	req.External = false
	s.respond(w, r, user, protocol.OpScan, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, user string) {
	s.respond(w, r, user, protocol.OpCancelOrder, protocol.CancelOrderRequest{OrderID: r.PathValue("orderID")})
}

// forward relays op with an optional JSON body decoded into newBody().
func (s *Server) forward(op string, newBody func() any) userHandler {
	return func(w http.ResponseWriter, r *http.Request, user string) {
		var payload any
		if newBody != nil {
			body := newBody()
			if err := readJSON(r, body); err != nil {
				writeError(w, r, err)
				return
			}
			payload = body
		}
		s.respond(w, r, user, op, payload)
	}
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, user, op string, payload any) {
	raw, err := s.router.Do(r.Context(), user, r.PathValue("id"), op, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	_, _ = w.Write(raw)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, user string) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: since must be unix milliseconds", protocol.ErrBadRequest))
			return
		}
		since = time.UnixMilli(ms)
	}
	writeJSON(w, http.StatusOK, protocol.EventsResponse{Events: s.events.Since(user, since)})
}

func readJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", protocol.ErrBadRequest, err)
	}
	if len(body) == 0 {
		return nil
	}
	return decodePayload(body, dst)
}

func decodePayload(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)
	}
	return nil
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, protocol.ErrConnectionLost), errors.Is(err, engine.ErrStaleQuoteRefusal):
		return http.StatusServiceUnavailable
	case errors.Is(err, budget.ErrAdmissionDenied), errors.Is(err, orders.ErrOrderCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, protocol.ErrBadRequest), errors.Is(err, engine.ErrUnknownStrategy):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStrategyNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= 500 {
		logger.Warn(r.Context(), "Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, protocol.FromError(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
