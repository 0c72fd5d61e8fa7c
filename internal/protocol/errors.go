package protocol

import (
	"errors"
	"fmt"

	"market-relay/internal/budget"
	"market-relay/internal/engine"
	"market-relay/internal/orders"
)

// Sentinels shared by the agent and the relay. The owning packages re-export them.
var (
	ErrNotConnected         = errors.New("provider not connected")
	ErrConnectionLost       = errors.New("terminal connection lost")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrForbidden            = errors.New("forbidden")
	ErrBadRequest           = errors.New("bad request")
	ErrTimeout              = errors.New("request timed out")
)

// Error is the wire form of an error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

var codes = []struct {
	code string
	err  error
}{
	{"not_connected", ErrNotConnected},
	{"connection_lost", ErrConnectionLost},
	{"auth_failed", ErrAuthenticationFailed},
	{"forbidden", ErrForbidden},
	{"bad_request", ErrBadRequest},
	{"timeout", ErrTimeout},
	{"admission_denied", budget.ErrAdmissionDenied},
	{"order_capacity_exceeded", orders.ErrOrderCapacityExceeded},
	{"order_timeout", orders.ErrOrderTimeout},
	{"order_rejected", orders.ErrOrderRejected},
	{"stale_quotes", engine.ErrStaleQuoteRefusal},
	{"unknown_strategy", engine.ErrUnknownStrategy},
	{"strategy_not_found", engine.ErrStrategyNotFound},
}

// FromError converts err to its wire form. Unknown errors get code "internal".
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return &Error{Code: c.code, Message: err.Error()}
		}
	}
	return &Error{Code: "internal", Message: err.Error()}
}

// Err re-hydrates the wire error so errors.Is matches the original sentinel.
func (e *Error) Err() error {
	for _, c := range codes {
		if c.code == e.Code {
			return fmt.Errorf("%w (remote: %s)", c.err, e.Message)
		}
	}
	return e
}
