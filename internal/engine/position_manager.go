package engine

import (
	"market-relay/internal/types"
)

// position is a strategy's own view of a holding, built from its fills.
type position struct {
	qty int     // signed; negative is short
	avg float64 // average entry price
}

// workingOrder is an order the broker accepted that has not reached a
// terminal status yet.
type workingOrder struct {
	key       string
	side      types.Side
	remaining int
}

// positionManager tracks positions from fill deltas. Fills arrive with
// cumulative filled quantity, so the last seen value per order is kept.
type positionManager struct {
	positions map[string]*position
	filled    map[string]int
	working   map[string]*workingOrder
}

func newPositionManager() *positionManager {
	return &positionManager{
		positions: make(map[string]*position),
		filled:    make(map[string]int),
		working:   make(map[string]*workingOrder),
	}
}

// track records an accepted order so its unfilled quantity counts against
// limits until the order finishes.
func (pm *positionManager) track(orderID string, a types.OrderAction) {
	if _, ok := pm.working[orderID]; ok {
		return
	}
	if rest := a.Qty - pm.filled[orderID]; rest > 0 {
		pm.working[orderID] = &workingOrder{key: a.Key, side: a.Side, remaining: rest}
	}
}

// workingQty is the unfilled quantity of accepted orders on key and side.
func (pm *positionManager) workingQty(key string, side types.Side) int {
	n := 0
	for _, w := range pm.working {
		if w.key == key && w.side == side {
			n += w.remaining
		}
	}
	return n
}

// busy reports whether any accepted order on keys is still working.
func (pm *positionManager) busy(keys ...string) bool {
	for _, w := range pm.working {
		for _, k := range keys {
			if w.key == k {
				return true
			}
		}
	}
	return false
}

// qty returns the signed quantity held in key.
func (pm *positionManager) qty(key string) int {
	if p := pm.positions[key]; p != nil {
		return p.qty
	}
	return 0
}

func (pm *positionManager) get(key string) *position {
	return pm.positions[key]
}

// applyFill folds one fill callback into the book and returns the
// quantity delta it contributed.
func (pm *positionManager) applyFill(orderID string, f types.Fill) int {
	prev := pm.filled[orderID]
	delta := f.FilledQty - prev
	if f.Status.IsTerminal() {
		delete(pm.filled, orderID)
	} else if delta > 0 {
		pm.filled[orderID] = f.FilledQty
	}
	if w := pm.working[orderID]; w != nil {
		if delta > 0 {
			w.remaining -= delta
		}
		if f.Status.IsTerminal() || w.remaining <= 0 {
			delete(pm.working, orderID)
		}
	}
	if delta <= 0 {
		return 0
	}

	signed := delta
	if f.Side == types.SideSell {
		signed = -delta
	}
	p := pm.positions[f.Key]
	if p == nil {
		p = &position{}
		pm.positions[f.Key] = p
	}
	// Average only moves when the position grows in its current direction.
	if p.qty == 0 || (p.qty > 0) == (signed > 0) {
		total := p.avg*float64(abs(p.qty)) + f.AvgPrice*float64(delta)
		p.avg = total / float64(abs(p.qty)+delta)
	}
	p.qty += signed
	if p.qty == 0 {
		delete(pm.positions, f.Key)
	}
	return signed
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
