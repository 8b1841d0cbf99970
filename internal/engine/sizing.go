package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"signalrelay/internal/domain"
)

// ErrInvalidPrice is returned by ComputeSize when percent sizing is given a
// non-positive reference price.
var ErrInvalidPrice = errors.New("reference price must be positive")

// SizingMode selects how entries are sized.
type SizingMode string

const (
	SizingPercent  SizingMode = "percent"
	SizingNotional SizingMode = "notional"
	SizingQuantity SizingMode = "quantity"
)

// SizingPolicy is fixed at startup.
//
//   - percent: floor(buying power x Percent / price) whole units.
//   - notional: Notional currency units, sent as a notional order.
//   - quantity: Quantity whole units.
type SizingPolicy struct {
	Mode     SizingMode
	Percent  decimal.Decimal // 0.10 = 10%
	Notional decimal.Decimal
	Quantity int64
}

// Validate checks that the policy's parameter for its mode is usable.
func (p SizingPolicy) Validate() error {
	switch p.Mode {
	case SizingPercent:
		if !p.Percent.IsPositive() || p.Percent.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("sizing percent must be in (0, 1], got %s", p.Percent)
		}
	case SizingNotional:
		if !p.Notional.IsPositive() {
			return fmt.Errorf("sizing notional must be positive, got %s", p.Notional)
		}
	case SizingQuantity:
		if p.Quantity < 1 {
			return fmt.Errorf("sizing quantity must be at least 1, got %d", p.Quantity)
		}
	default:
		return fmt.Errorf("unknown sizing mode %q", p.Mode)
	}
	return nil
}

// NeedsPrice reports whether sizing depends on a reference price.
func (p SizingPolicy) NeedsPrice() bool {
	return p.Mode == SizingPercent
}

// NeedsAccount reports whether sizing depends on buying power.
func (p SizingPolicy) NeedsAccount() bool {
	return p.Mode == SizingPercent || p.Mode == SizingNotional
}

// Size is either a whole-unit quantity or a notional amount.
type Size struct {
	Qty      decimal.Decimal
	Notional decimal.Decimal
}

// IsNotional reports whether the size is an amount rather than units.
func (s Size) IsNotional() bool {
	return s.Qty.IsZero() && s.Notional.IsPositive()
}

// ComputeSize converts a policy, an account snapshot and a reference price
// into an order size. It does no I/O. Notional sizes are returned as is;
// the caller compares them against buying power.
func ComputeSize(policy SizingPolicy, account domain.Account, price decimal.Decimal) (Size, error) {
	switch policy.Mode {
	case SizingPercent:
		if !price.IsPositive() {
			return Size{}, ErrInvalidPrice
		}
		budget := account.BuyingPower.Mul(policy.Percent)
		return Size{Qty: budget.Div(price).Floor()}, nil
	case SizingNotional:
		return Size{Notional: policy.Notional}, nil
	case SizingQuantity:
		return Size{Qty: decimal.NewFromInt(policy.Quantity)}, nil
	}
	return Size{}, fmt.Errorf("unknown sizing mode %q", policy.Mode)
}
