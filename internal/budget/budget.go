// Package budget arbitrates the terminal's market data lines between the
// execution path and one-off scans.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Class is a consumer class of market data lines.
type Class int

const (
	Execution Class = iota
	Scan
)

func (c Class) String() string {
	if c == Execution {
		return "execution"
	}
	return "scan"
}

// ErrAdmissionDenied is returned when no capacity is available for a scan.
var ErrAdmissionDenied = errors.New("admission denied: market data budget exhausted")

// DefaultMaxScanBatch bounds a single scan chunk.
const DefaultMaxScanBatch = 50

// Stats is a point-in-time view of the budget.
type Stats struct {
	Total               int  `json:"total"`
	Buffer              int  `json:"buffer"`
	Execution           int  `json:"execution"`
	Scan                int  `json:"scan"`
	ExecutionClaims     int  `json:"execution_claims"`
	Available           int  `json:"available"`
	ScanBatchSize       int  `json:"scan_batch_size"`
	AcceptExternalScans bool `json:"accept_external_scans"`
}

// Tracker enforces allocated[execution] + allocated[scan] + buffer <= total.
// The mutex is held only for arithmetic.
type Tracker struct {
	mu        sync.Mutex
	total     int
	buffer    int
	maxBatch  int
	allocated [2]int
	// lines execution is waiting for while scans hold them
	claims int
	// closed and replaced whenever scan lines are released
	released chan struct{}
}

// New creates a tracker. maxBatch <= 0 selects DefaultMaxScanBatch.
func New(total, buffer, maxBatch int) (*Tracker, error) {
	if total <= 0 {
		return nil, fmt.Errorf("budget total must be positive, got %d", total)
	}
	if buffer < 0 || buffer >= total {
		return nil, fmt.Errorf("budget buffer must be in [0, %d), got %d", total, buffer)
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxScanBatch
	}
	return &Tracker{
		total:    total,
		buffer:   buffer,
		maxBatch: maxBatch,
		released: make(chan struct{}),
	}, nil
}

// Reserve requests count lines for class and returns how many were granted.
//
// Scan reservations never wait: they get min(count, free scan capacity) or
// ErrAdmissionDenied when nothing is free.
//
// Execution reservations are never refused because of scan load. If scan
// chunks currently hold lines execution needs, a claim is registered (scan
// capacity shrinks at once) and Reserve waits for those chunks to release,
// bounded by ctx. Only the hard ceiling total-buffer can leave execution short.
func (t *Tracker) Reserve(ctx context.Context, class Class, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}
	if class == Scan {
		return t.reserveScan(count)
	}
	return t.reserveExecution(ctx, count)
}

func (t *Tracker) reserveScan(count int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	free := t.scanCapacityLocked() - t.allocated[Scan]
	if free > t.maxBatch {
		free = t.maxBatch
	}
	if free <= 0 {
		return 0, ErrAdmissionDenied
	}
	granted := min(count, free)
	t.allocated[Scan] += granted
	return granted, nil
}

func (t *Tracker) reserveExecution(ctx context.Context, count int) (int, error) {
	claimed := 0
	defer func() {
		if claimed > 0 {
			t.mu.Lock()
			t.claims -= claimed
			t.mu.Unlock()
		}
	}()

	for {
		t.mu.Lock()
		ceiling := t.total - t.buffer - t.allocated[Execution]
		want := min(count, max(0, ceiling))
		free := ceiling - t.allocated[Scan]
		if want <= free || t.allocated[Scan] == 0 {
			granted := min(want, max(0, free))
			t.allocated[Execution] += granted
			t.mu.Unlock()
			return granted, nil
		}
		// Scan holds lines execution needs: claim them so no new scan
		// chunk can take them, then wait for a release.
		if need := want - max(0, free); need > claimed {
			t.claims += need - claimed
			claimed = need
		}
		wait := t.released
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, fmt.Errorf("waiting for scan lines to drain: %w", ctx.Err())
		}
	}
}

// Release returns count lines held by class.
func (t *Tracker) Release(class Class, count int) {
	if count <= 0 {
		return
	}
	t.mu.Lock()
	t.allocated[class] -= count
	if t.allocated[class] < 0 {
		t.allocated[class] = 0
	}
	if class == Scan {
		close(t.released)
		t.released = make(chan struct{})
	}
	t.mu.Unlock()
}

// Available returns lines not held by anyone and outside the buffer.
func (t *Tracker) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return max(0, t.total-t.buffer-t.allocated[Execution]-t.allocated[Scan])
}

// ScanBatchSize is the chunk size a new scan should use right now.
func (t *Tracker) ScanBatchSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return min(t.scanCapacityLocked(), t.maxBatch)
}

// AcceptExternalScans is false once scan capacity drops below the buffer.
func (t *Tracker) AcceptExternalScans() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanCapacityLocked() >= t.buffer && t.scanCapacityLocked() > 0
}

// Allocated returns the lines currently held by class.
func (t *Tracker) Allocated(class Class) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocated[class]
}

func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	capacity := t.scanCapacityLocked()
	return Stats{
		Total:               t.total,
		Buffer:              t.buffer,
		Execution:           t.allocated[Execution],
		Scan:                t.allocated[Scan],
		ExecutionClaims:     t.claims,
		Available:           max(0, t.total-t.buffer-t.allocated[Execution]-t.allocated[Scan]),
		ScanBatchSize:       min(capacity, t.maxBatch),
		AcceptExternalScans: capacity >= t.buffer && capacity > 0,
	}
}

func (t *Tracker) scanCapacityLocked() int {
	return max(0, t.total-t.buffer-t.allocated[Execution]-t.claims)
}
