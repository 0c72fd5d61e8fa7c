package eod

// orderFill is the latest fill seen for one order. Fill events carry the
// cumulative filled quantity, so later events replace earlier ones.
type orderFill struct {
	Key      string
	Side     string
	Qty      int     // cumulative filled quantity
	AvgPrice float64 // average price over Qty
}

// aggRow represents aggregated trading statistics for an instrument.
type aggRow struct {
	Key         string
	BuyQty      int
	BuyValue    float64 // sum of qty * price
	SellQty     int
	SellValue   float64
	RealizedPnL float64 // matched quantity at the average buy/sell spread
}
