// Package zerodha adapts Kite Connect (REST for orders and account data, the
// Kite ticker for streaming quotes and order updates) to interfaces.Terminal.
package zerodha

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"market-relay/internal/interfaces"
	"market-relay/internal/types"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

var ErrNotStarted = errors.New("kite ticker not started")

type Params struct {
	APIKey      string
	AccessToken string
	// Exchange used for keys without an "EXCHANGE:" prefix.
	Exchange string
	// Product is MIS or CNC.
	Product string
	// Instrument tokens by key; Kite streams by token only.
	Tokens         map[string]uint32
	RequestTimeout time.Duration
}

// Zerodha is a Kite Connect terminal.
type Zerodha struct {
	p      Params
	kc     *kiteconnect.Client
	ticker *tickerManager
}

var _ interfaces.Terminal = (*Zerodha)(nil)

func NewZerodha(p Params) (*Zerodha, error) {
	if p.APIKey == "" || p.AccessToken == "" {
		return nil, errors.New("missing API key/access token")
	}
	if p.Exchange == "" {
		p.Exchange = "NSE"
	}
	if p.Product == "" {
		p.Product = "MIS"
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = 10 * time.Second
	}

	kc := kiteconnect.New(p.APIKey)
	kc.SetAccessToken(p.AccessToken)
	kc.SetHTTPClient(&http.Client{Timeout: p.RequestTimeout})

	return &Zerodha{
		p:      p,
		kc:     kc,
		ticker: newTickerManager(p.APIKey, p.AccessToken, newInstrumentMapper(p.Tokens)),
	}, nil
}

func (z *Zerodha) SetHandlers(h interfaces.TerminalHandlers) {
	z.ticker.setHandlers(h)
}

// Connect starts the ticker; OnConnect fires once the socket is up.
func (z *Zerodha) Connect(ctx context.Context) error {
	return z.ticker.start(ctx)
}

func (z *Zerodha) Disconnect(ctx context.Context) {
	z.ticker.stop(ctx)
}

func (z *Zerodha) Subscribe(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return z.ticker.subscribe(ctx, keys)
}

func (z *Zerodha) Unsubscribe(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return z.ticker.unsubscribe(ctx, keys)
}

func (z *Zerodha) PlaceOrder(ctx context.Context, req types.OrderReq) (types.OrderResp, error) {
	params, err := z.orderParams(req)
	if err != nil {
		return types.OrderResp{}, err
	}
	resp, err := withContext(ctx, func() (kiteconnect.OrderResponse, error) {
		return z.kc.PlaceOrder("regular", params)
	})
	if err != nil {
		return types.OrderResp{}, fmt.Errorf("kite place order: %w", err)
	}
	return types.OrderResp{OrderID: resp.OrderID, Status: string(types.OrderStatusSubmitted), Message: "ok"}, nil
}

func (z *Zerodha) orderParams(req types.OrderReq) (kiteconnect.OrderParams, error) {
	if req.Qty <= 0 {
		return kiteconnect.OrderParams{}, fmt.Errorf("invalid quantity %d", req.Qty)
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return kiteconnect.OrderParams{}, fmt.Errorf("invalid side %q", req.Side)
	}
	exchange, symbol := splitKey(req.Key, z.p.Exchange)
	params := kiteconnect.OrderParams{
		Exchange:        exchange,
		Tradingsymbol:   symbol,
		Validity:        "DAY",
		Product:         z.p.Product,
		OrderType:       "MARKET",
		TransactionType: string(req.Side),
		Quantity:        req.Qty,
		Tag:             kiteTag(req.Tag),
	}
	if req.Type == types.OrderTypeLimit {
		if req.LimitPrice <= 0 {
			return kiteconnect.OrderParams{}, fmt.Errorf("limit order for %s without price", req.Key)
		}
		params.OrderType = "LIMIT"
		params.Price = req.LimitPrice
	}
	return params, nil
}

func (z *Zerodha) CancelOrder(ctx context.Context, orderID string) error {
	_, err := withContext(ctx, func() (kiteconnect.OrderResponse, error) {
		return z.kc.CancelOrder("regular", orderID, nil)
	})
	if err != nil {
		return fmt.Errorf("kite cancel order %s: %w", orderID, err)
	}
	return nil
}

func (z *Zerodha) Positions(ctx context.Context) ([]types.Position, error) {
	ps, err := withContext(ctx, z.kc.GetPositions)
	if err != nil {
		return nil, fmt.Errorf("kite positions: %w", err)
	}
	out := make([]types.Position, 0, len(ps.Net))
	for _, p := range ps.Net {
		if p.Quantity == 0 {
			continue
		}
		out = append(out, types.Position{
			Key:      joinKey(p.Exchange, p.Tradingsymbol),
			Qty:      p.Quantity,
			AvgPrice: p.AveragePrice,
			Last:     p.LastPrice,
			PnL:      p.PnL,
		})
	}
	return out, nil
}

func (z *Zerodha) OpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	orders, err := withContext(ctx, z.kc.GetOrders)
	if err != nil {
		return nil, fmt.Errorf("kite orders: %w", err)
	}
	out := make([]types.OpenOrder, 0, len(orders))
	for _, o := range orders {
		u := convertOrder(o)
		if u.Status.IsTerminal() {
			continue
		}
		out = append(out, types.OpenOrder{
			OrderID:    u.OrderID,
			Key:        u.Key,
			Side:       u.Side,
			Qty:        u.Qty,
			FilledQty:  u.FilledQty,
			LimitPrice: o.Price,
			Status:     u.Status,
			Tag:        u.Tag,
		})
	}
	return out, nil
}

// kiteTag trims tags to the 20 characters Kite accepts.
func kiteTag(tag string) string {
	if len(tag) > 20 {
		return tag[:20]
	}
	return tag
}

// withContext runs a blocking Kite REST call, returning early when ctx ends.
// The HTTP client timeout bounds the abandoned call.
func withContext[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
