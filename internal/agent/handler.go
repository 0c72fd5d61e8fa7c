package agent

import (
	"context"
	"fmt"
	"time"

	"market-relay/internal/logger"
	"market-relay/internal/protocol"
	"market-relay/internal/types"

	"github.com/google/uuid"
)

// HandleRequest serves one relay request. Scans run on the caller's goroutine
// and may take up to the scan deadline; everything else answers promptly.
func (a *Agent) HandleRequest(ctx context.Context, req protocol.Envelope) protocol.Envelope {
	op := logger.StartOperation(ctx, "agent."+req.Op,
		"request_id", req.ID,
		"tier", req.Tier.String(),
	)
	payload, err := a.handle(op.GetContext(), req)
	if err != nil {
		op.EndWithError(err)
		return protocol.ReplyError(req, err)
	}
	op.End()
	return protocol.Reply(req, payload)
}

func (a *Agent) handle(ctx context.Context, req protocol.Envelope) (any, error) {
	switch req.Op {
	case protocol.OpPositions:
		if err := a.requireTerminal(); err != nil {
			return nil, err
		}
		return a.term.Positions(ctx)

	case protocol.OpOpenOrders:
		if err := a.requireTerminal(); err != nil {
			return nil, err
		}
		return a.term.OpenOrders(ctx)

	case protocol.OpPlaceOrder:
		var p protocol.PlaceOrderRequest
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return a.placeOrder(ctx, p)

	case protocol.OpCancelOrder:
		var p protocol.CancelOrderRequest
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if p.OrderID == "" {
			return nil, fmt.Errorf("%w: order_id is required", protocol.ErrBadRequest)
		}
		if err := a.requireTerminal(); err != nil {
			return nil, err
		}
		if err := a.term.CancelOrder(ctx, p.OrderID); err != nil {
			return nil, err
		}
		return map[string]string{"order_id": p.OrderID}, nil

	case protocol.OpScan:
		var p protocol.ScanRequest
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if len(p.Keys) == 0 {
			return nil, fmt.Errorf("%w: no keys to scan", protocol.ErrBadRequest)
		}
		if err := a.requireTerminal(); err != nil {
			return nil, err
		}
		results, err := a.scans.Scan(ctx, p.Keys, p.External)
		if err != nil {
			return nil, err
		}
		return protocol.ScanResponse{Results: results}, nil

	case protocol.OpStatus:
		return a.Status(), nil

	case protocol.OpExecStart:
		var p protocol.ExecStartRequest
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if p.Strategy == "" {
			return nil, fmt.Errorf("%w: strategy is required", protocol.ErrBadRequest)
		}
		id, err := a.engine.Start(ctx, p.Strategy, p.Config)
		if err != nil {
			return nil, err
		}
		return protocol.ExecStartResponse{ID: id}, nil

	case protocol.OpExecStop:
		var p protocol.ExecStopRequest
		if len(req.Payload) > 0 {
			if err := req.Decode(&p); err != nil {
				return nil, err
			}
		}
		if p.ID == "" {
			a.engine.StopAll(ctx)
			return a.execStatus(), nil
		}
		if err := a.engine.Stop(ctx, p.ID); err != nil {
			return nil, err
		}
		return a.execStatus(), nil

	case protocol.OpExecStatus:
		return a.execStatus(), nil

	case protocol.OpExecConfig:
		var p protocol.ExecConfigRequest
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: id is required", protocol.ErrBadRequest)
		}
		if err := a.engine.UpdateConfig(ctx, p.ID, p.Config); err != nil {
			return nil, err
		}
		return a.engine.Get(p.ID)

	case protocol.OpEventsSince:
		var p protocol.EventsSinceRequest
		if len(req.Payload) > 0 {
			if err := req.Decode(&p); err != nil {
				return nil, err
			}
		}
		return protocol.EventsResponse{Events: a.outbox.since(p.Since)}, nil
	}
	return nil, fmt.Errorf("%w: unknown op %q", protocol.ErrBadRequest, req.Op)
}

// placeOrder queues a manual order with the order worker, so manual and
// strategy orders share the one-at-a-time placement path and in-flight cap.
func (a *Agent) placeOrder(ctx context.Context, p protocol.PlaceOrderRequest) (protocol.PlaceOrderResponse, error) {
	if p.Key == "" || p.Qty <= 0 {
		return protocol.PlaceOrderResponse{}, fmt.Errorf("%w: key and positive qty are required", protocol.ErrBadRequest)
	}
	if p.Side != types.SideBuy && p.Side != types.SideSell {
		return protocol.PlaceOrderResponse{}, fmt.Errorf("%w: invalid side %q", protocol.ErrBadRequest, p.Side)
	}
	switch p.Type {
	case "":
		p.Type = types.OrderTypeMarket
	case types.OrderTypeMarket:
	case types.OrderTypeLimit:
		if p.LimitPrice <= 0 {
			return protocol.PlaceOrderResponse{}, fmt.Errorf("%w: limit order needs limit_price", protocol.ErrBadRequest)
		}
	default:
		return protocol.PlaceOrderResponse{}, fmt.Errorf("%w: invalid order type %q", protocol.ErrBadRequest, p.Type)
	}
	if err := a.requireTerminal(); err != nil {
		return protocol.PlaceOrderResponse{}, err
	}

	tag := p.Tag
	if tag == "" {
		tag = "MANUAL"
	}
	action := types.OrderAction{
		CorrelationID: uuid.NewString(),
		StrategyID:    "manual",
		Key:           p.Key,
		Side:          p.Side,
		Qty:           p.Qty,
		Type:          p.Type,
		LimitPrice:    p.LimitPrice,
		Tag:           tag,
	}
	if err := a.worker.Submit(ctx, action); err != nil {
		return protocol.PlaceOrderResponse{}, err
	}
	return protocol.PlaceOrderResponse{CorrelationID: action.CorrelationID, State: types.PendingQueued}, nil
}

func (a *Agent) execStatus() protocol.ExecStatusResponse {
	return protocol.ExecStatusResponse{
		Strategies: a.engine.Status(),
		Engine:     a.engine.Stats(),
		Pending:    a.worker.Pending(),
	}
}

// requireTerminal refuses terminal calls while the terminal is down for good.
func (a *Agent) requireTerminal() error {
	if s := a.State(); s == StateDisconnected {
		return fmt.Errorf("%w: terminal is %s", ErrConnectionLost, s)
	}
	return nil
}

// EventsSince is the outbox content newer than t.
func (a *Agent) EventsSince(t time.Time) []types.AccountEvent {
	return a.outbox.since(t)
}
