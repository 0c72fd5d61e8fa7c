package types

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the pricing instruction of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Field identifies one value of a streamed quote.
type Field int

const (
	FieldBid Field = iota
	FieldAsk
	FieldLast
	FieldBidSize
	FieldAskSize
	FieldLastSize
	FieldVolume
	FieldImpliedVol
	FieldDelta
	FieldGamma
	FieldTheta
	FieldVega
)

var fieldNames = [...]string{"bid", "ask", "last", "bid_size", "ask_size", "last_size", "volume", "iv", "delta", "gamma", "theta", "vega"}

func (f Field) String() string {
	if int(f) < 0 || int(f) >= len(fieldNames) {
		return "unknown"
	}
	return fieldNames[f]
}

// FieldValue is a single field update delivered by the terminal.
type FieldValue struct {
	Field Field
	Value float64
}

// Greeks holds option sensitivities; nil on a Quote when the instrument has none.
type Greeks struct {
	ImpliedVol float64 `json:"iv"`
	Delta      float64 `json:"delta"`
	Gamma      float64 `json:"gamma"`
	Theta      float64 `json:"theta"`
	Vega       float64 `json:"vega"`
}

// Quote is the latest known value of one instrument.
type Quote struct {
	Key       string    `json:"key"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	BidSize   float64   `json:"bid_size"`
	AskSize   float64   `json:"ask_size"`
	LastSize  float64   `json:"last_size"`
	Volume    float64   `json:"volume"`
	Greeks    *Greeks   `json:"greeks,omitempty"`
	Seq       uint64    `json:"seq"`
	Streaming bool      `json:"streaming"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mid returns the bid/ask midpoint, falling back to the last price.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// HasData reports whether any price field has been populated.
func (q Quote) HasData() bool {
	return q.Bid > 0 || q.Ask > 0 || q.Last > 0
}

// OrderAction is an order a strategy wants placed.
type OrderAction struct {
	CorrelationID string    `json:"correlation_id"`
	StrategyID    string    `json:"strategy_id,omitempty"`
	Key           string    `json:"key"`
	Side          Side      `json:"side"`
	Qty           int       `json:"qty"`
	Type          OrderType `json:"type"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	Tag           string    `json:"tag,omitempty"`
}

// DedupKey identifies "the same action" for duplicate suppression.
func (a OrderAction) DedupKey() string {
	return a.Key + "|" + string(a.Side)
}

// OrderReq is what the terminal receives.
type OrderReq struct {
	Key        string
	Side       Side
	Qty        int
	Type       OrderType
	LimitPrice float64
	Tag        string
}

type OrderResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// OrderStatus is the normalized status reported by the terminal.
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusTimedOut  OrderStatus = "TIMED_OUT"
)

// IsTerminal reports whether no further updates are expected for the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusTimedOut:
		return true
	}
	return false
}

// OrderUpdate is an order status callback from the terminal.
type OrderUpdate struct {
	OrderID   string      `json:"order_id"`
	Tag       string      `json:"tag,omitempty"`
	Key       string      `json:"key"`
	Side      Side        `json:"side"`
	Status    OrderStatus `json:"status"`
	Qty       int         `json:"qty"`
	FilledQty int         `json:"filled_qty"`
	AvgPrice  float64     `json:"avg_price"`
	Message   string      `json:"message,omitempty"`
	Time      time.Time   `json:"time"`
}

// Fill is what a strategy sees for one of its orders.
type Fill struct {
	CorrelationID string      `json:"correlation_id"`
	Key           string      `json:"key"`
	Side          Side        `json:"side"`
	Status        OrderStatus `json:"status"`
	FilledQty     int         `json:"filled_qty"`
	AvgPrice      float64     `json:"avg_price"`
}

// PendingState is the lifecycle position of a PendingOrder.
type PendingState string

const (
	PendingQueued       PendingState = "QUEUED"
	PendingSubmitted    PendingState = "SUBMITTED"
	PendingAcknowledged PendingState = "ACKNOWLEDGED"
	PendingRejected     PendingState = "REJECTED"
	PendingTimedOut     PendingState = "TIMED_OUT"
	PendingFailed       PendingState = "FAILED"
)

// PendingOrder tracks an order from submit until ack or timeout.
type PendingOrder struct {
	Action      OrderAction  `json:"action"`
	OrderID     string       `json:"order_id,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Deadline    time.Time    `json:"deadline"`
	State       PendingState `json:"state"`
}

// Position is a net holding reported by the terminal.
type Position struct {
	Key      string  `json:"key"`
	Qty      int     `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
	Last     float64 `json:"last"`
	PnL      float64 `json:"pnl"`
}

// OpenOrder is a working order reported by the terminal.
type OpenOrder struct {
	OrderID    string      `json:"order_id"`
	Key        string      `json:"key"`
	Side       Side        `json:"side"`
	Qty        int         `json:"qty"`
	FilledQty  int         `json:"filled_qty"`
	LimitPrice float64     `json:"limit_price"`
	Status     OrderStatus `json:"status"`
	Tag        string      `json:"tag,omitempty"`
}

// AccountEventType classifies account events.
type AccountEventType string

const (
	EventOrderStatus AccountEventType = "order_status"
	EventFill        AccountEventType = "fill"
	EventConnection  AccountEventType = "connection"
)

// AccountEvent is an ephemeral notification pushed to clients.
type AccountEvent struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	ProviderID string           `json:"provider_id"`
	Type       AccountEventType `json:"type"`
	Payload    map[string]any   `json:"payload"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ScanResult is the outcome of a one-off lookup for a single instrument.
type ScanResult struct {
	Key   string `json:"key"`
	Quote *Quote `json:"quote,omitempty"`
	Error string `json:"error,omitempty"`
}

// StrategyStatus reports a running strategy.
type StrategyStatus struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Keys          []string       `json:"keys"`
	InFlight      int            `json:"in_flight"`
	PendingKeys   []string       `json:"pending_keys"`
	Config        map[string]any `json:"config"`
	StartedAt     time.Time      `json:"started_at"`
	Halted        bool           `json:"halted"`
	OrdersEmitted int            `json:"orders_emitted"`
}
