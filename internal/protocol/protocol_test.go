package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"market-relay/internal/budget"
	"market-relay/internal/orders"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsSurviveTheWire(t *testing.T) {
	req, err := New(TypeRequest, OpScan, ScanRequest{Keys: []string{"NSE:INFY"}, External: true})
	require.NoError(t, err)
	assert.Equal(t, TierScan, req.Tier)

	resp := ReplyError(req, fmt.Errorf("scan refused: %w", budget.ErrAdmissionDenied))
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, req.ID, got.ID)
	assert.True(t, errors.Is(got.Err(), budget.ErrAdmissionDenied))
	assert.False(t, errors.Is(got.Err(), orders.ErrOrderTimeout))
}

func TestUnknownErrorsAreInternal(t *testing.T) {
	e := FromError(errors.New("disk on fire"))
	assert.Equal(t, "internal", e.Code)
	assert.EqualError(t, e.Err(), "internal: disk on fire")
}

func TestTierOf(t *testing.T) {
	cases := map[string]Tier{
		OpPositions:   TierAccount,
		OpCancelOrder: TierAccount,
		OpScan:        TierScan,
		OpStatus:      TierStatus,
		OpExecStart:   TierExecution,
		OpExecConfig:  TierExecution,
	}
	for op, want := range cases {
		got, ok := TierOf(op)
		assert.True(t, ok, op)
		assert.Equal(t, want, got, op)
	}
	_, ok := TierOf("launch_rockets")
	assert.False(t, ok)
}

func TestDecodeRejectsMissingPayload(t *testing.T) {
	env := Envelope{Type: TypeRequest, Op: OpCancelOrder}
	var req CancelOrderRequest
	assert.ErrorIs(t, env.Decode(&req), ErrBadRequest)
}
