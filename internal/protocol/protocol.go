// Package protocol defines the JSON envelopes exchanged between an agent and
// the relay over their persistent websocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"market-relay/internal/budget"
	"market-relay/internal/engine"
	"market-relay/internal/types"

	"github.com/google/uuid"
)

// Type is the kind of an envelope.
type Type string

const (
	TypeRegister   Type = "register"
	TypeRegistered Type = "registered"
	TypeHeartbeat  Type = "heartbeat"
	TypeRequest    Type = "request"
	TypeResponse   Type = "response"
	TypeEvent      Type = "event"
	TypeError      Type = "error"
)

// Tier is the routing priority of a request; lower is more urgent.
type Tier int

const (
	TierAccount   Tier = 1
	TierScan      Tier = 2
	TierStatus    Tier = 3
	TierExecution Tier = 4
)

func (t Tier) String() string {
	switch t {
	case TierAccount:
		return "account"
	case TierScan:
		return "scan"
	case TierStatus:
		return "status"
	case TierExecution:
		return "execution"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Operations carried by request envelopes.
const (
	OpPositions   = "positions"
	OpOpenOrders  = "open_orders"
	OpPlaceOrder  = "place_order"
	OpCancelOrder = "cancel_order"
	OpScan        = "scan"
	OpStatus      = "status"
	OpExecStart   = "execution_start"
	OpExecStop    = "execution_stop"
	OpExecStatus  = "execution_status"
	OpExecConfig  = "execution_config"
	OpEventsSince = "events_since"
)

// TierOf returns the tier an operation is routed on.
func TierOf(op string) (Tier, bool) {
	switch op {
	case OpPositions, OpOpenOrders, OpPlaceOrder, OpCancelOrder:
		return TierAccount, true
	case OpScan:
		return TierScan, true
	case OpStatus, OpEventsSince:
		return TierStatus, true
	case OpExecStart, OpExecStop, OpExecStatus, OpExecConfig:
		return TierExecution, true
	}
	return 0, false
}

// Envelope is the single frame format on the wire.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Tier    Tier            `json:"tier,omitempty"`
	Op      string          `json:"op,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// New builds an envelope with a fresh id and payload encoded as JSON.
func New(t Type, op string, payload any) (Envelope, error) {
	env := Envelope{Type: t, ID: uuid.NewString(), Op: op}
	if tier, ok := TierOf(op); ok {
		env.Tier = tier
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding %s payload: %w", op, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Reply builds the response to req.
func Reply(req Envelope, payload any) Envelope {
	env := Envelope{Type: TypeResponse, ID: req.ID, Tier: req.Tier, Op: req.Op}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return ReplyError(req, fmt.Errorf("encoding %s response: %w", req.Op, err))
		}
		env.Payload = b
	}
	return env
}

// ReplyError builds an error response to req.
func ReplyError(req Envelope, err error) Envelope {
	return Envelope{Type: TypeResponse, ID: req.ID, Tier: req.Tier, Op: req.Op, Error: FromError(err)}
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrBadRequest, e.Op)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: decoding %s payload: %v", ErrBadRequest, e.Op, err)
	}
	return nil
}

// Err returns the carried error, if any, re-hydrated to its sentinel.
func (e Envelope) Err() error {
	if e.Error == nil {
		return nil
	}
	return e.Error.Err()
}

// Register is the first frame an agent sends.
type Register struct {
	ProviderID string `json:"provider_id"`
	UserID     string `json:"user_id"`
	APIKey     string `json:"api_key"`
	Version    string `json:"version,omitempty"`
}

// Registered acknowledges a registration.
type Registered struct {
	ProviderID        string        `json:"provider_id"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// Heartbeat carries the agent's capability flags.
type Heartbeat struct {
	State               string       `json:"state"`
	ExecutionActive     bool         `json:"execution_active"`
	SubscriptionCount   int          `json:"subscription_count"`
	AcceptExternalScans bool         `json:"accept_external_scans"`
	InFlightOrders      int          `json:"in_flight_orders"`
	Budget              budget.Stats `json:"budget"`
}

type ScanRequest struct {
	Keys     []string `json:"keys"`
	External bool     `json:"external"`
}

type ScanResponse struct {
	Results []types.ScanResult `json:"results"`
}

type PlaceOrderRequest struct {
	Key        string          `json:"key"`
	Side       types.Side      `json:"side"`
	Qty        int             `json:"qty"`
	Type       types.OrderType `json:"type"`
	LimitPrice float64         `json:"limit_price,omitempty"`
	Tag        string          `json:"tag,omitempty"`
}

// PlaceOrderResponse reports that the order was queued with the order worker;
// its fate arrives later as an order_status event.
type PlaceOrderResponse struct {
	CorrelationID string             `json:"correlation_id"`
	State         types.PendingState `json:"state"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
}

type ExecStartRequest struct {
	Strategy string         `json:"strategy"`
	Config   map[string]any `json:"config"`
}

type ExecStartResponse struct {
	ID string `json:"id"`
}

type ExecStopRequest struct {
	// Empty ID stops every running strategy.
	ID string `json:"id,omitempty"`
}

type ExecConfigRequest struct {
	ID     string         `json:"id"`
	Config map[string]any `json:"config"`
}

type ExecStatusResponse struct {
	Strategies []types.StrategyStatus `json:"strategies"`
	Engine     engine.Stats           `json:"engine"`
	Pending    []types.PendingOrder   `json:"pending"`
}

type EventsSinceRequest struct {
	Since time.Time `json:"since"`
}

type EventsResponse struct {
	Events []types.AccountEvent `json:"events"`
}

// AgentStatus is the full status an agent reports about itself.
type AgentStatus struct {
	ProviderID string       `json:"provider_id"`
	Heartbeat  Heartbeat    `json:"heartbeat"`
	Streaming  []string     `json:"streaming"`
	Engine     engine.Stats `json:"engine"`
	Strategies int          `json:"strategies"`
}

// ProviderStatus is the relay's view of a registered agent.
type ProviderStatus struct {
	ProviderID    string    `json:"provider_id"`
	UserID        string    `json:"user_id"`
	Version       string    `json:"version,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Heartbeat     Heartbeat `json:"heartbeat"`
	LastError     string    `json:"last_error,omitempty"`
}
