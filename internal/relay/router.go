package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market-relay/internal/budget"
	"market-relay/internal/logger"
	"market-relay/internal/protocol"
)

const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultScanTimeout    = 45 * time.Second
)

// Router applies tier policy to client requests and forwards them to agents.
//
//  1. account: the requester's own agent, immediately
//  2. scan: any agent; external borrowers are refused when the agent does not
//     accept external scans and gated one at a time while it trades
//  3. status: answered from the registry
//  4. execution control: the requester's own agent only
type Router struct {
	reg            *Registry
	requestTimeout time.Duration
	scanTimeout    time.Duration
}

func NewRouter(reg *Registry, requestTimeout, scanTimeout time.Duration) *Router {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	return &Router{reg: reg, requestTimeout: requestTimeout, scanTimeout: scanTimeout}
}

// Status answers a tier-3 request without contacting the agent.
func (rt *Router) Status(providerID string) (protocol.ProviderStatus, error) {
	c, err := rt.reg.Get(providerID)
	if err != nil {
		return protocol.ProviderStatus{}, err
	}
	return c.Status(), nil
}

// Do forwards op on behalf of userID and returns the agent's response payload.
func (rt *Router) Do(ctx context.Context, userID, providerID, op string, payload any) (json.RawMessage, error) {
	tier, ok := protocol.TierOf(op)
	if !ok {
		return nil, fmt.Errorf("%w: unknown op %q", protocol.ErrBadRequest, op)
	}
	c, err := rt.reg.Get(providerID)
	if err != nil {
		return nil, err
	}
	owner := c.UserID == userID

	timeout := rt.requestTimeout
	switch tier {
	case protocol.TierAccount, protocol.TierExecution:
		if !owner {
			return nil, fmt.Errorf("%w: %s belongs to another user", ErrForbidden, providerID)
		}
	case protocol.TierScan:
		timeout = rt.scanTimeout
		if !owner {
			release, err := rt.admitExternalScan(ctx, c)
			if err != nil {
				return nil, err
			}
			defer release()
			if req, ok := payload.(protocol.ScanRequest); ok {
				req.External = true
				payload = req
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := protocol.New(protocol.TypeRequest, op, payload)
	if err != nil {
		return nil, err
	}
	req.UserID = userID

	timer := logger.StartOperation(ctx, "relay."+op,
		"provider_id", providerID,
		"user_id", userID,
		"tier", tier.String(),
		"request_id", req.ID,
	)
	resp, err := c.Request(timer.GetContext(), req)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		c.recordError(err)
		timer.EndWithError(err)
		return nil, err
	}
	timer.End()
	return resp.Payload, nil
}

func (rt *Router) admitExternalScan(ctx context.Context, c *Connection) (func(), error) {
	hb := c.Heartbeat()
	if !hb.AcceptExternalScans {
		return nil, fmt.Errorf("%w: %s is not accepting external scans", budget.ErrAdmissionDenied, c.ProviderID)
	}
	if !hb.ExecutionActive {
		return func() {}, nil
	}
	wctx, cancel := context.WithTimeout(ctx, rt.scanTimeout)
	defer cancel()
	if err := c.scanGate.Acquire(wctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for scan slot on %s", protocol.ErrTimeout, c.ProviderID)
	}
	return func() { c.scanGate.Release(1) }, nil
}
