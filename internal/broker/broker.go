// Package broker defines the Broker interface and provides implementations
// for Alpaca equities, Coinbase Advanced Trade perpetuals and an in-memory
// simulator.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"signalrelay/internal/domain"
)

// Broker abstracts the brokerage operations the relay needs to decide on
// and execute orders. Implementations own all unit conversion and field
// naming for their venue.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// GetPosition returns the current position for symbol. It returns an
	// error wrapping ErrPositionNotFound when nothing is held.
	GetPosition(ctx context.Context, symbol string) (*domain.PositionState, error)

	// GetAccount returns a snapshot of buying power and equity.
	GetAccount(ctx context.Context) (*domain.Account, error)

	// GetMarketSession classifies the venue's clock right now.
	GetMarketSession(ctx context.Context) (domain.MarketSession, error)

	// SubmitOrder places an order. idempotencyKey is sent as the client
	// order id so a retried request is never executed twice.
	SubmitOrder(ctx context.Context, req domain.OrderRequest, idempotencyKey string) (*domain.OrderRef, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// ListPositions returns all non-flat positions.
	ListPositions(ctx context.Context) ([]domain.PositionState, error)

	// ListOpenOrders returns orders that can still fill.
	ListOpenOrders(ctx context.Context) ([]domain.OrderRef, error)
}

// PriceSource supplies a reference price when an alert carries none.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// UpdateStream delivers order-update events. StreamOrderUpdates blocks
// until ctx is done or the underlying connection fails.
type UpdateStream interface {
	StreamOrderUpdates(ctx context.Context, handler func(domain.OrderUpdate)) error
}
