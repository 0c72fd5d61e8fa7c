package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanBatchSizeScenario(t *testing.T) {
	tr, err := New(100, 10, 50)
	require.NoError(t, err)

	granted, err := tr.Reserve(context.Background(), Execution, 40)
	require.NoError(t, err)
	assert.Equal(t, 40, granted)

	assert.Equal(t, 50, tr.ScanBatchSize())
	assert.True(t, tr.AcceptExternalScans())

	first, err := tr.Reserve(context.Background(), Scan, 80)
	require.NoError(t, err)
	assert.Equal(t, 50, first)

	_, err = tr.Reserve(context.Background(), Scan, 30)
	assert.ErrorIs(t, err, ErrAdmissionDenied)

	tr.Release(Scan, first)
	second, err := tr.Reserve(context.Background(), Scan, 30)
	require.NoError(t, err)
	assert.Equal(t, 30, second)
}

func TestNewValidates(t *testing.T) {
	_, err := New(0, 0, 0)
	assert.Error(t, err)
	_, err = New(10, 10, 0)
	assert.Error(t, err)

	tr, err := New(10, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, tr.ScanBatchSize())
}

func TestExternalScansRejectedBelowBuffer(t *testing.T) {
	tr, err := New(100, 10, 50)
	require.NoError(t, err)

	_, err = tr.Reserve(context.Background(), Execution, 85)
	require.NoError(t, err)

	assert.Equal(t, 5, tr.ScanBatchSize())
	assert.False(t, tr.AcceptExternalScans())
}

func TestExecutionHardCeiling(t *testing.T) {
	tr, err := New(20, 5, 50)
	require.NoError(t, err)

	granted, err := tr.Reserve(context.Background(), Execution, 30)
	require.NoError(t, err)
	assert.Equal(t, 15, granted)
	assert.Equal(t, 0, tr.Available())
}

func TestExecutionWaitsForScanInsteadOfFailing(t *testing.T) {
	tr, err := New(100, 10, 90)
	require.NoError(t, err)

	scan, err := tr.Reserve(context.Background(), Scan, 80)
	require.NoError(t, err)
	require.Equal(t, 80, scan)

	done := make(chan int, 1)
	go func() {
		granted, err := tr.Reserve(context.Background(), Execution, 30)
		assert.NoError(t, err)
		done <- granted
	}()

	// The claim must shut new scans out while execution waits.
	require.Eventually(t, func() bool { return tr.Snapshot().ExecutionClaims == 20 }, time.Second, 5*time.Millisecond)
	_, err = tr.Reserve(context.Background(), Scan, 1)
	assert.ErrorIs(t, err, ErrAdmissionDenied)

	tr.Release(Scan, scan)

	select {
	case granted := <-done:
		assert.Equal(t, 30, granted)
	case <-time.After(time.Second):
		t.Fatal("execution reservation did not complete after scan release")
	}
	assert.Equal(t, 0, tr.Snapshot().ExecutionClaims)
}

func TestExecutionWaitHonorsContext(t *testing.T) {
	tr, err := New(10, 0, 10)
	require.NoError(t, err)
	_, err = tr.Reserve(context.Background(), Scan, 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = tr.Reserve(ctx, Execution, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, tr.Snapshot().ExecutionClaims)
}

func TestInvariantUnderConcurrentLoad(t *testing.T) {
	tr, err := New(100, 10, 50)
	require.NoError(t, err)

	stop := make(chan struct{})
	var violations int
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := tr.Snapshot()
			if s.Execution+s.Scan > s.Total-s.Buffer {
				mu.Lock()
				violations++
				mu.Unlock()
			}
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				class := Scan
				if i%4 == 0 {
					class = Execution
				}
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				granted, err := tr.Reserve(ctx, class, 7)
				cancel()
				if err == nil {
					tr.Release(class, granted)
				}
			}
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Zero(t, violations)
	assert.Equal(t, 0, tr.Allocated(Execution))
	assert.Equal(t, 0, tr.Allocated(Scan))
}
