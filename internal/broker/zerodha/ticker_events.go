package zerodha

import (
	"context"
	"fmt"
	"time"

	"market-relay/internal/logger"
	"market-relay/internal/types"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/zerodha/gokiteconnect/v4/models"
)

// setupEventHandlers configures all WebSocket event callbacks
func (tm *tickerManager) setupEventHandlers() {
	tm.ticker.OnConnect(tm.onConnect)
	tm.ticker.OnError(tm.onError)
	tm.ticker.OnClose(tm.onClose)
	tm.ticker.OnReconnect(tm.onReconnect)
	tm.ticker.OnNoReconnect(tm.onNoReconnect)
	tm.ticker.OnTick(tm.onTick)
	tm.ticker.OnOrderUpdate(tm.onOrderUpdate)
}

func (tm *tickerManager) onConnect() {
	logger.Info(context.Background(), "Kite ticker connected")
	if h := tm.currentHandlers(); h.OnConnect != nil {
		h.OnConnect()
	}
}

func (tm *tickerManager) onError(err error) {
	logger.ErrorWithErr(context.Background(), "Kite ticker error", err)
}

func (tm *tickerManager) onClose(code int, reason string) {
	final := tm.isStopping()
	logger.Warn(context.Background(), "Kite ticker connection closed",
		"code", code,
		"reason", reason,
		"final", final,
	)
	if h := tm.currentHandlers(); h.OnDisconnect != nil {
		h.OnDisconnect(fmt.Errorf("ticker closed: %d %s", code, reason), final)
	}
}

func (tm *tickerManager) onReconnect(attempt int, delay time.Duration) {
	logger.Info(context.Background(), "Kite ticker reconnecting",
		"attempt", attempt,
		"delay", delay,
	)
}

func (tm *tickerManager) onNoReconnect(attempt int) {
	logger.Warn(context.Background(), "Kite ticker reconnection failed - giving up",
		"attempts", attempt,
	)
	if h := tm.currentHandlers(); h.OnDisconnect != nil {
		h.OnDisconnect(fmt.Errorf("ticker gave up after %d reconnect attempts", attempt), true)
	}
}

func (tm *tickerManager) onTick(tick models.Tick) {
	key := tm.mapper.getKey(tick.InstrumentToken)
	if key == "" {
		return
	}
	if h := tm.currentHandlers(); h.OnTick != nil {
		h.OnTick(key, tickFields(tick))
	}
}

func (tm *tickerManager) onOrderUpdate(order kiteconnect.Order) {
	if h := tm.currentHandlers(); h.OnOrderUpdate != nil {
		h.OnOrderUpdate(convertOrder(order))
	}
}

// tickFields converts a full-mode tick into field updates. Depth levels
// without a price are skipped so an empty book does not zero the quote.
func tickFields(tick models.Tick) []types.FieldValue {
	fields := make([]types.FieldValue, 0, 7)
	if tick.LastPrice > 0 {
		fields = append(fields, types.FieldValue{Field: types.FieldLast, Value: tick.LastPrice})
	}
	if tick.LastTradedQuantity > 0 {
		fields = append(fields, types.FieldValue{Field: types.FieldLastSize, Value: float64(tick.LastTradedQuantity)})
	}
	if tick.VolumeTraded > 0 {
		fields = append(fields, types.FieldValue{Field: types.FieldVolume, Value: float64(tick.VolumeTraded)})
	}
	if bid := tick.Depth.Buy[0]; bid.Price > 0 {
		fields = append(fields,
			types.FieldValue{Field: types.FieldBid, Value: bid.Price},
			types.FieldValue{Field: types.FieldBidSize, Value: float64(bid.Quantity)},
		)
	}
	if ask := tick.Depth.Sell[0]; ask.Price > 0 {
		fields = append(fields,
			types.FieldValue{Field: types.FieldAsk, Value: ask.Price},
			types.FieldValue{Field: types.FieldAskSize, Value: float64(ask.Quantity)},
		)
	}
	return fields
}

func convertOrder(o kiteconnect.Order) types.OrderUpdate {
	filled := int(o.FilledQuantity)
	return types.OrderUpdate{
		OrderID:   o.OrderID,
		Tag:       o.Tag,
		Key:       joinKey(o.Exchange, o.TradingSymbol),
		Side:      types.Side(o.TransactionType),
		Status:    normalizeStatus(o.Status, filled),
		Qty:       int(o.Quantity),
		FilledQty: filled,
		AvgPrice:  o.AveragePrice,
		Message:   o.StatusMessage,
		Time:      time.Now(),
	}
}

// normalizeStatus maps Kite order statuses onto OrderStatus.
func normalizeStatus(status string, filled int) types.OrderStatus {
	switch status {
	case "COMPLETE":
		return types.OrderStatusFilled
	case "CANCELLED":
		return types.OrderStatusCancelled
	case "REJECTED":
		return types.OrderStatusRejected
	case "OPEN", "TRIGGER PENDING", "MODIFIED":
		if filled > 0 {
			return types.OrderStatusPartial
		}
		return types.OrderStatusOpen
	}
	// PUT ORDER REQ RECEIVED, VALIDATION PENDING, OPEN PENDING and friends
	return types.OrderStatusSubmitted
}
