package engine

import (
	"fmt"

	"signalrelay/internal/bracket"
	"signalrelay/internal/domain"
)

// SuppressReason says why an alert produced no order.
type SuppressReason string

const (
	ReasonInvalidPayload        SuppressReason = "invalid_payload"
	ReasonTradingDisabled       SuppressReason = "trading_disabled"
	ReasonOutsideTradingHours   SuppressReason = "outside_trading_hours"
	ReasonPositionAlreadyExists SuppressReason = "position_already_exists"
	ReasonNoPositionToExit      SuppressReason = "no_position_to_exit"
	ReasonDailyCapReached       SuppressReason = "daily_cap_reached"
	ReasonInsufficientFunds     SuppressReason = "insufficient_funds"
	ReasonActionNotApplicable   SuppressReason = "action_not_applicable"
	ReasonSizeCalculation       SuppressReason = "size_calculation_error"
)

// Benign reports whether the suppression is an expected policy outcome
// rather than a client error.
func (r SuppressReason) Benign() bool {
	return r != ReasonInvalidPayload && r != ReasonSizeCalculation
}

// ErrorKind maps a non-benign reason to its error kind.
func (r SuppressReason) ErrorKind() domain.ErrorKind {
	switch r {
	case ReasonInvalidPayload:
		return domain.ErrorInvalidPayload
	case ReasonSizeCalculation:
		return domain.ErrorSizeCalculation
	}
	return ""
}

// IntentKind tags an OrderIntent.
type IntentKind string

const (
	IntentSuppress     IntentKind = "suppress"
	IntentEntry        IntentKind = "entry"
	IntentExit         IntentKind = "exit"
	IntentBracketExit  IntentKind = "bracket_exit"
	IntentFlattenAll   IntentKind = "flatten_all"
	IntentCancelOrders IntentKind = "cancel_orders"
)

// OrderIntent is the resolver's decision for one alert. Which fields are
// set depends on Kind:
//
//   - suppress: Reason, Message
//   - entry, exit: Order (entry may set WithBracket and Legs)
//   - bracket_exit: Bracket
//   - cancel_orders: Symbol
//   - flatten_all: nothing
type OrderIntent struct {
	Kind        IntentKind
	Symbol      string
	Reason      SuppressReason
	Message     string
	Order       domain.OrderRequest
	WithBracket bool
	Legs        bracket.Legs
	Bracket     *bracket.ArmRequest
}

// Suppress builds a suppress intent.
func Suppress(symbol string, reason SuppressReason, format string, args ...any) OrderIntent {
	return OrderIntent{
		Kind:    IntentSuppress,
		Symbol:  symbol,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// Entry builds an entry intent.
func Entry(req domain.OrderRequest, withBracket bool) OrderIntent {
	return OrderIntent{Kind: IntentEntry, Symbol: req.Symbol, Order: req, WithBracket: withBracket}
}

// Exit builds an exit intent.
func Exit(req domain.OrderRequest) OrderIntent {
	return OrderIntent{Kind: IntentExit, Symbol: req.Symbol, Order: req}
}

// FlattenAll builds a flatten-all intent.
func FlattenAll(format string, args ...any) OrderIntent {
	return OrderIntent{Kind: IntentFlattenAll, Message: fmt.Sprintf(format, args...)}
}

// CancelOrders builds an intent cancelling every open order for symbol.
func CancelOrders(symbol string) OrderIntent {
	return OrderIntent{Kind: IntentCancelOrders, Symbol: symbol}
}

// BracketExit builds an intent placing the legs for a filled parent.
func BracketExit(req bracket.ArmRequest) OrderIntent {
	return OrderIntent{Kind: IntentBracketExit, Symbol: req.Symbol, Bracket: &req}
}

// String summarizes the intent for logs.
func (i OrderIntent) String() string {
	switch i.Kind {
	case IntentSuppress:
		return fmt.Sprintf("suppress(%s): %s", i.Reason, i.Message)
	case IntentEntry, IntentExit:
		size := i.Order.Qty.String()
		if i.Order.IsNotional() {
			size = "$" + i.Order.Notional.String()
		}
		s := fmt.Sprintf("%s %s %s %s %s", i.Kind, i.Order.Side, size, i.Order.Symbol, i.Order.Type)
		if i.Order.Type == domain.OrderTypeLimit {
			s += " @ " + i.Order.LimitPrice.String()
		}
		return s
	case IntentBracketExit:
		return fmt.Sprintf("bracket %s tp=%s sl=%s", i.Symbol, i.Bracket.TakeProfitPrice, i.Bracket.StopLossPrice)
	case IntentCancelOrders:
		return "cancel orders " + i.Symbol
	}
	return string(i.Kind)
}
