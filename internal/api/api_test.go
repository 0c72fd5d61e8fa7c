package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"market-relay/internal/budget"
	"market-relay/internal/protocol"
	"market-relay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsUserAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user-1", r.Header.Get(UserHeader))
		assert.Equal(t, "/api/providers/prov-1/positions", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]types.Position{{Key: "NSE:INFY", Qty: 3, AvgPrice: 100}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user-1")
	positions, err := c.Positions(context.Background(), "prov-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 3, positions[0].Qty)
}

func TestClientMapsErrorsToSentinels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(protocol.FromError(budget.ErrAdmissionDenied))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user-2")
	_, err := c.Scan(context.Background(), "prov-1", []string{"NSE:INFY"})
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrAdmissionDenied)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, "admission_denied", se.Code)
}

func TestClientPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "u").Status(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Contains(t, se.Message, "boom")
	assert.Nil(t, se.Unwrap())
}

func TestDoWithRetry(t *testing.T) {
	t.Run("retries unavailable then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(protocol.FromError(protocol.ErrNotConnected))
				return
			}
			_, _ = w.Write([]byte(`[]`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "u")
		resp, err := c.DoWithRetry(context.Background(), Request{Method: http.MethodGet, Path: "/api/status"},
			RetryConfig{MaxRetries: 3, Backoff: time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("does not retry a refusal", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(protocol.FromError(protocol.ErrForbidden))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "u")
		_, err := c.DoWithRetry(context.Background(), Request{Method: http.MethodGet, Path: "/api/status"},
			RetryConfig{MaxRetries: 3, Backoff: time.Millisecond})
		assert.ErrorIs(t, err, protocol.ErrForbidden)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestEventsSinceQuery(t *testing.T) {
	since := time.UnixMilli(1_700_000_000_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1700000000000", r.URL.Query().Get("since"))
		_ = json.NewEncoder(w).Encode(protocol.EventsResponse{Events: []types.AccountEvent{{ID: "e1", Type: types.EventFill}}})
	}))
	defer srv.Close()

	events, err := NewClient(srv.URL, "u").EventsSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
}
