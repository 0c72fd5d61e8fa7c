// Package eod writes the end-of-day fills summary from the agent's event log.
package eod

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"market-relay/internal/interfaces"
	"market-relay/internal/tradelog"
	"market-relay/internal/types"
)

var ist = time.FixedZone("IST", 19800)

type summarizer struct {
	now func() time.Time
}

var _ interfaces.EodSummarizer = (*summarizer)(nil)

func NewSummarizer() interfaces.EodSummarizer {
	return &summarizer{now: func() time.Time { return time.Now().In(ist) }}
}

func logDir() string {
	if v := os.Getenv("TRADER_LOG_DIR"); v != "" {
		return v
	}
	return "logs"
}

func csvPath(t time.Time) string {
	return filepath.Join(logDir(), "eod", t.Format("2006-01-02")+".csv")
}

func marketClose(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 15, 40, 0, 0, t.Location())
}

// SummarizeDay aggregates the day's fills per instrument into a CSV and
// returns its path. A day without fills writes nothing and returns "".
func (s *summarizer) SummarizeDay(t time.Time) (string, error) {
	events, err := tradelog.ReadEvents(t)
	if err != nil {
		return "", fmt.Errorf("reading event log: %w", err)
	}

	fills := map[string]*orderFill{}
	for _, ev := range events {
		if ev.Type != string(types.EventFill) {
			continue
		}
		id, _ := ev.Payload["order_id"].(string)
		f := parseFill(ev.Payload)
		if id == "" || f.Key == "" || f.Qty <= 0 {
			continue
		}
		if prev := fills[id]; prev == nil || f.Qty >= prev.Qty {
			fills[id] = &f
		}
	}
	if len(fills) == 0 {
		return "", nil
	}

	aggs := map[string]*aggRow{}
	for _, f := range fills {
		row := aggs[f.Key]
		if row == nil {
			row = &aggRow{Key: f.Key}
			aggs[f.Key] = row
		}
		switch types.Side(f.Side) {
		case types.SideBuy:
			row.BuyQty += f.Qty
			row.BuyValue += float64(f.Qty) * f.AvgPrice
		case types.SideSell:
			row.SellQty += f.Qty
			row.SellValue += float64(f.Qty) * f.AvgPrice
		}
	}
	return writeCSV(csvPath(t), aggs)
}

func (s *summarizer) SummarizeToday() (string, error) { return s.SummarizeDay(s.now()) }

// ShouldRunNow is true after market close until today's summary exists.
func (s *summarizer) ShouldRunNow() (bool, string) {
	now := s.now()
	out := csvPath(now)
	if now.After(marketClose(now)) {
		if _, err := os.Stat(out); errors.Is(err, os.ErrNotExist) {
			return true, out
		}
	}
	return false, out
}

func parseFill(p map[string]any) orderFill {
	var f orderFill
	f.Key, _ = p["key"].(string)
	f.Side, _ = p["side"].(string)
	if v, ok := p["filled_qty"].(float64); ok {
		f.Qty = int(v)
	}
	f.AvgPrice, _ = p["avg_price"].(float64)
	return f
}

func writeCSV(outPath string, aggs map[string]*aggRow) (string, error) {
	keys := make([]string, 0, len(aggs))
	for k := range aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	headers := []string{"key", "buy_qty", "buy_avg", "sell_qty", "sell_avg", "realized_pnl", "gross_buy_value", "gross_sell_value"}
	if err := w.Write(headers); err != nil {
		return "", err
	}
	var totalBuy, totalSell, totalPnL float64
	for _, k := range keys {
		r := aggs[k]
		var buyAvg, sellAvg float64
		if r.BuyQty > 0 {
			buyAvg = r.BuyValue / float64(r.BuyQty)
		}
		if r.SellQty > 0 {
			sellAvg = r.SellValue / float64(r.SellQty)
		}
		if matched := min(r.BuyQty, r.SellQty); matched > 0 {
			r.RealizedPnL = float64(matched) * (sellAvg - buyAvg)
		}
		rec := []string{
			r.Key,
			strconv.Itoa(r.BuyQty), fmt.Sprintf("%.4f", buyAvg),
			strconv.Itoa(r.SellQty), fmt.Sprintf("%.4f", sellAvg),
			fmt.Sprintf("%.2f", r.RealizedPnL),
			fmt.Sprintf("%.2f", r.BuyValue), fmt.Sprintf("%.2f", r.SellValue),
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
		totalBuy += r.BuyValue
		totalSell += r.SellValue
		totalPnL += r.RealizedPnL
	}
	_ = w.Write([]string{"TOTAL", "", "", "", "", fmt.Sprintf("%.2f", totalPnL), fmt.Sprintf("%.2f", totalBuy), fmt.Sprintf("%.2f", totalSell)})
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return outPath, nil
}
