package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"market-relay/internal/protocol"
	"market-relay/internal/types"
)

func providerPath(providerID, suffix string) string {
	return "/api/providers/" + url.PathEscape(providerID) + suffix
}

// Status lists every registered provider.
func (c *Client) Status(ctx context.Context) ([]protocol.ProviderStatus, error) {
	var out []protocol.ProviderStatus
	err := c.call(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

func (c *Client) ProviderStatus(ctx context.Context, providerID string) (protocol.ProviderStatus, error) {
	var out protocol.ProviderStatus
	err := c.call(ctx, http.MethodGet, providerPath(providerID, "/status"), nil, &out)
	return out, err
}

// Scan asks providerID for a one-off quote of each key. Scanning another
// user's provider is an external scan and may be refused.
func (c *Client) Scan(ctx context.Context, providerID string, keys []string) ([]types.ScanResult, error) {
	var out protocol.ScanResponse
	err := c.call(ctx, http.MethodPost, providerPath(providerID, "/scan"), protocol.ScanRequest{Keys: keys}, &out)
	return out.Results, err
}

func (c *Client) Positions(ctx context.Context, providerID string) ([]types.Position, error) {
	var out []types.Position
	err := c.call(ctx, http.MethodGet, providerPath(providerID, "/positions"), nil, &out)
	return out, err
}

func (c *Client) OpenOrders(ctx context.Context, providerID string) ([]types.OpenOrder, error) {
	var out []types.OpenOrder
	err := c.call(ctx, http.MethodGet, providerPath(providerID, "/orders"), nil, &out)
	return out, err
}

// PlaceOrder queues a manual order. The fill or rejection arrives as an event.
func (c *Client) PlaceOrder(ctx context.Context, providerID string, req protocol.PlaceOrderRequest) (protocol.PlaceOrderResponse, error) {
	var out protocol.PlaceOrderResponse
	err := c.call(ctx, http.MethodPost, providerPath(providerID, "/orders"), req, &out)
	return out, err
}

func (c *Client) CancelOrder(ctx context.Context, providerID, orderID string) error {
	return c.call(ctx, http.MethodDelete, providerPath(providerID, "/orders/"+url.PathEscape(orderID)), nil, nil)
}

// StartStrategy starts a strategy and returns its instance id.
func (c *Client) StartStrategy(ctx context.Context, providerID, strategy string, cfg map[string]any) (string, error) {
	var out protocol.ExecStartResponse
	err := c.call(ctx, http.MethodPost, providerPath(providerID, "/execution/start"),
		protocol.ExecStartRequest{Strategy: strategy, Config: cfg}, &out)
	return out.ID, err
}

// StopStrategy stops one strategy, or all of them when id is empty.
func (c *Client) StopStrategy(ctx context.Context, providerID, id string) (protocol.ExecStatusResponse, error) {
	var out protocol.ExecStatusResponse
	err := c.call(ctx, http.MethodPost, providerPath(providerID, "/execution/stop"), protocol.ExecStopRequest{ID: id}, &out)
	return out, err
}

func (c *Client) ExecutionStatus(ctx context.Context, providerID string) (protocol.ExecStatusResponse, error) {
	var out protocol.ExecStatusResponse
	err := c.call(ctx, http.MethodGet, providerPath(providerID, "/execution/status"), nil, &out)
	return out, err
}

func (c *Client) UpdateStrategyConfig(ctx context.Context, providerID, id string, cfg map[string]any) (types.StrategyStatus, error) {
	var out types.StrategyStatus
	err := c.call(ctx, http.MethodPut, providerPath(providerID, "/execution/config"),
		protocol.ExecConfigRequest{ID: id, Config: cfg}, &out)
	return out, err
}

// EventsSince returns the caller's buffered events newer than since.
func (c *Client) EventsSince(ctx context.Context, since time.Time) ([]types.AccountEvent, error) {
	path := "/api/events"
	if !since.IsZero() {
		path += "?since=" + strconv.FormatInt(since.UnixMilli(), 10)
	}
	var out protocol.EventsResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching events: %w", err)
	}
	return out.Events, nil
}
