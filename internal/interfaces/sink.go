package interfaces

import (
	"context"

	"market-relay/internal/types"
)

// EventSink receives account events leaving the agent.
type EventSink interface {
	PushEvent(ctx context.Context, ev types.AccountEvent) error
}
