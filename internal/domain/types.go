package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Action is the raw verb carried by an inbound alert.
type Action string

const (
	ActionBuy    Action = "buy"
	ActionSell   Action = "sell"
	ActionLong   Action = "long"
	ActionShort  Action = "short"
	ActionCancel Action = "cancel"
)

// ParseAction normalizes s (case and surrounding space) into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionBuy, ActionSell, ActionLong, ActionShort, ActionCancel:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Signal is a normalized alert. It is consumed exactly once.
type Signal struct {
	Symbol         string
	Action         Action
	ReferencePrice *decimal.Decimal
	QuantityHint   *int64
	OrderTag       string
	Message        string
	ReceivedAt     time.Time

	// TakeProfitPct and StopLossPct override the bracket percentages for
	// this entry, as fractions (0.02 = 2%).
	TakeProfitPct *decimal.Decimal
	StopLossPct   *decimal.Decimal
}

// HasPrice reports whether the alert carried a reference price.
func (s Signal) HasPrice() bool {
	return s.ReferencePrice != nil
}

// ---------------------------------------------------------------------------
// Sides and bias
// ---------------------------------------------------------------------------

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side for s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Bias is the configured direction of a strategy.
type Bias string

const (
	BiasLong  Bias = "long"
	BiasShort Bias = "short"
)

// EntrySide is the order side that opens a position in the biased direction.
func (b Bias) EntrySide() Side {
	if b == BiasShort {
		return SideSell
	}
	return SideBuy
}

// ---------------------------------------------------------------------------
// Positions and account
// ---------------------------------------------------------------------------

// PositionState is the broker-reported position for one symbol. Qty is
// signed: positive is long, negative is short, zero is flat.
type PositionState struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	MarketValue   decimal.Decimal
}

// IsFlat reports whether no position is held.
func (p PositionState) IsFlat() bool {
	return p.Qty.IsZero()
}

// CloseSide is the side of the order that would flatten p.
func (p PositionState) CloseSide() Side {
	if p.Qty.IsNegative() {
		return SideBuy
	}
	return SideSell
}

// Account is a buying-power snapshot.
type Account struct {
	BuyingPower decimal.Decimal
	Equity      decimal.Decimal
	Cash        decimal.Decimal
}

// MarketSession classifies the trading clock.
type MarketSession string

const (
	SessionClosed   MarketSession = "closed"
	SessionExtended MarketSession = "extended"
	SessionRegular  MarketSession = "regular"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// TimeInForce controls how long an order rests.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
)

// OrderRequest is the broker-agnostic order shape. Exactly one of Qty and
// Notional is set.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Notional      decimal.Decimal
	Type          OrderType
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   TimeInForce
	ExtendedHours bool
}

// IsNotional reports whether the request is sized by amount.
func (r OrderRequest) IsNotional() bool {
	return r.Qty.IsZero() && r.Notional.IsPositive()
}

// OrderRef identifies an order known to the broker.
type OrderRef struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Status        string
	SubmittedAt   time.Time
}

// OrderEventKind classifies an order-update event.
type OrderEventKind string

const (
	OrderEventFill        OrderEventKind = "fill"
	OrderEventPartialFill OrderEventKind = "partial_fill"
	OrderEventCancel      OrderEventKind = "cancel"
	OrderEventReject      OrderEventKind = "reject"
	OrderEventExpire      OrderEventKind = "expire"
	OrderEventOther       OrderEventKind = "other"
)

// Terminal reports whether the order can no longer fill.
func (k OrderEventKind) Terminal() bool {
	switch k {
	case OrderEventFill, OrderEventCancel, OrderEventReject, OrderEventExpire:
		return true
	}
	return false
}

// OrderUpdate is one event from a broker's order-update stream.
type OrderUpdate struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Kind           OrderEventKind
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	At             time.Time
}

// ---------------------------------------------------------------------------
// Execution results
// ---------------------------------------------------------------------------

// ErrorKind classifies a failed execution.
type ErrorKind string

const (
	ErrorInvalidPayload   ErrorKind = "invalid_payload"
	ErrorNetwork          ErrorKind = "network_error"
	ErrorTimeout          ErrorKind = "timeout"
	ErrorRejectedByBroker ErrorKind = "rejected_by_broker"
	ErrorSizeCalculation  ErrorKind = "size_calculation_error"
)

// ExecutionResult is the outcome of one broker interaction.
type ExecutionResult struct {
	OK            bool
	BrokerOrderID string
	ErrorKind     ErrorKind
	StatusCode    int
	Message       string
	Raw           any
}
