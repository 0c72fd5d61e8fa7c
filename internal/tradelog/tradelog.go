package tradelog

import (
	"bufio"
	"compress/gzip"
	"errors"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"market-relay/internal/types"
)

var mu sync.Mutex

// Entry is one order submission outcome.
type Entry struct {
	Time          string
	CorrelationID string
	StrategyID    string
	Key, Side     string
	Qty           int
	LimitPrice    float64
	OrderID       string
	State         string
	Reason        string         `json:"reason,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// EventEntry is one account event as seen by the agent.
type EventEntry struct {
	Time    string
	ID      string
	Type    string
	Payload map[string]any
}

func logDir() string {
	if v := os.Getenv("TRADER_LOG_DIR"); v != "" {
		return v
	}
	return "logs"
}

func ordersFilepath(t time.Time) string {
	return filepath.Join(logDir(), t.UTC().Format("2006-01-02")+".txt")
}

func eventsFilepath(t time.Time) string {
	return filepath.Join(logDir(), "events", t.UTC().Format("2006-01-02")+".txt")
}

// Append records an order outcome in today's order log.
func Append(e Entry) error {
	now := time.Now()
	e.Time = now.UTC().Format(time.RFC3339Nano)
	return appendLine(ordersFilepath(now), e)
}

// AppendOrder is Append for a pending order.
func AppendOrder(p types.PendingOrder, reason string) error {
	return Append(Entry{
		CorrelationID: p.Action.CorrelationID,
		StrategyID:    p.Action.StrategyID,
		Key:           p.Action.Key,
		Side:          string(p.Action.Side),
		Qty:           p.Action.Qty,
		LimitPrice:    p.Action.LimitPrice,
		OrderID:       p.OrderID,
		State:         string(p.State),
		Reason:        reason,
	})
}

// AppendEvent records an account event in today's event log.
func AppendEvent(ev types.AccountEvent) error {
	return appendLine(eventsFilepath(ev.Timestamp), EventEntry{
		Time:    ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ID:      ev.ID,
		Type:    string(ev.Type),
		Payload: ev.Payload,
	})
}

// ReadEvents returns the events logged on day (UTC). A day with no log
// yields no events and no error.
func ReadEvents(day time.Time) ([]EventEntry, error) {
	f, err := os.Open(eventsFilepath(day))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []EventEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e EventEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func appendLine(p string, v any) error {
	mu.Lock()
	defer mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, string(b))
	return err
}

// CompressOlder gzips log files older than retentionDays.
func CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return filepath.WalkDir(logDir(), func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".txt" {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		gz := p + ".gz"
		// if already gz exists, remove original .txt
		if _, err := os.Stat(gz); err == nil {
			_ = os.Remove(p)
			return nil
		}
		if err := compressFile(p, gz); err == nil {
			_ = os.Remove(p)
		}
		return nil
	})
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	_, copyErr := io.Copy(gw, in)
	closeErr := gw.Close()
	if err := out.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if copyErr != nil {
		_ = os.Remove(dst)
		return copyErr
	}
	return closeErr
}
