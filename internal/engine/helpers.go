package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// decodeConfig converts a raw strategy configuration, as it arrives over the
// wire, into a typed struct. Unknown fields are rejected.
func decodeConfig(raw map[string]any, dst any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding strategy config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid strategy config: %w", err)
	}
	return nil
}
