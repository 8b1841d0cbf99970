package broker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"signalrelay/internal/domain"
)

var (
	// ErrPositionNotFound is returned by GetPosition when the symbol is flat.
	ErrPositionNotFound = errors.New("position not found")

	// ErrOrderNotFound is returned when the broker does not know an order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderAlreadyDone is returned when cancelling an order that already
	// filled, cancelled or expired.
	ErrOrderAlreadyDone = errors.New("order already in a terminal state")
)

// Error is a classified broker failure.
type Error struct {
	Kind       domain.ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Rejected builds a rejected_by_broker error preserving the broker's status
// and message.
func Rejected(status int, msg string, err error) *Error {
	return &Error{Kind: domain.ErrorRejectedByBroker, StatusCode: status, Message: msg, Err: err}
}

// Classify maps any error returned by a Broker to a classified *Error.
// Timeouts are distinguished from other transport failures. It returns nil
// for a nil error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: domain.ErrorTimeout, Message: err.Error(), Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: domain.ErrorTimeout, Message: err.Error(), Err: err}
	}
	return &Error{Kind: domain.ErrorNetwork, Message: err.Error(), Err: err}
}

// IsAlreadyDone reports whether a cancel failed only because the order can
// no longer be cancelled.
func IsAlreadyDone(err error) bool {
	return errors.Is(err, ErrOrderAlreadyDone) || errors.Is(err, ErrOrderNotFound)
}
