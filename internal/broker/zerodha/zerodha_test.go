package zerodha

import (
	"context"
	"errors"
	"testing"
	"time"

	"market-relay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/zerodha/gokiteconnect/v4/models"
)

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, types.OrderStatusFilled, normalizeStatus("COMPLETE", 10))
	assert.Equal(t, types.OrderStatusRejected, normalizeStatus("REJECTED", 0))
	assert.Equal(t, types.OrderStatusCancelled, normalizeStatus("CANCELLED", 3))
	assert.Equal(t, types.OrderStatusOpen, normalizeStatus("OPEN", 0))
	assert.Equal(t, types.OrderStatusPartial, normalizeStatus("OPEN", 4))
	assert.Equal(t, types.OrderStatusSubmitted, normalizeStatus("PUT ORDER REQ RECEIVED", 0))
}

func TestTickFieldsSkipsEmptyDepth(t *testing.T) {
	var tick models.Tick
	tick.InstrumentToken = 408065
	tick.LastPrice = 1500.5
	tick.Depth.Buy[0].Price = 1500.4
	tick.Depth.Buy[0].Quantity = 25

	fields := tickFields(tick)
	got := map[types.Field]float64{}
	for _, f := range fields {
		got[f.Field] = f.Value
	}
	assert.Equal(t, 1500.5, got[types.FieldLast])
	assert.Equal(t, 1500.4, got[types.FieldBid])
	assert.Equal(t, 25.0, got[types.FieldBidSize])
	_, hasAsk := got[types.FieldAsk]
	assert.False(t, hasAsk)
}

func TestOrderParams(t *testing.T) {
	z := &Zerodha{p: Params{Exchange: "NSE", Product: "MIS"}}

	p, err := z.orderParams(types.OrderReq{Key: "BSE:TCS", Side: types.SideSell, Qty: 3, Type: types.OrderTypeLimit, LimitPrice: 3800, Tag: "spread-strategy-leg-one"})
	require.NoError(t, err)
	assert.Equal(t, "BSE", p.Exchange)
	assert.Equal(t, "TCS", p.Tradingsymbol)
	assert.Equal(t, "LIMIT", p.OrderType)
	assert.Equal(t, 3800.0, p.Price)
	assert.Len(t, p.Tag, 20)

	p, err = z.orderParams(types.OrderReq{Key: "INFY", Side: types.SideBuy, Qty: 1, Type: types.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, "NSE", p.Exchange)
	assert.Equal(t, "MARKET", p.OrderType)

	_, err = z.orderParams(types.OrderReq{Key: "INFY", Side: types.SideBuy, Qty: 1, Type: types.OrderTypeLimit})
	assert.Error(t, err)
}

func TestConvertOrder(t *testing.T) {
	u := convertOrder(kiteconnect.Order{OrderID: "24", Exchange: "NSE", TradingSymbol: "INFY", TransactionType: "BUY", Status: "COMPLETE", FilledQuantity: 5, Quantity: 5, AveragePrice: 1500})
	assert.Equal(t, "NSE:INFY", u.Key)
	assert.Equal(t, types.OrderStatusFilled, u.Status)
	assert.Equal(t, 5, u.FilledQty)
	assert.Equal(t, types.SideBuy, u.Side)
}

func TestUnknownInstrumentRefused(t *testing.T) {
	m := newInstrumentMapper(map[string]uint32{"NSE:INFY": 408065})
	_, err := m.tokens([]string{"NSE:INFY", "NSE:NOPE"})
	assert.Error(t, err)
	assert.Equal(t, "NSE:INFY", m.getKey(408065))
}

func TestWithContextReturnsEarly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := withContext(ctx, func() (int, error) {
		time.Sleep(time.Second)
		return 1, nil
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
