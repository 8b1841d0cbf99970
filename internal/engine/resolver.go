package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signalrelay/internal/domain"
	"signalrelay/internal/util"
)

// ErrNoPrice is returned by State.Price when neither the alert nor a price
// source can supply a reference price.
var ErrNoPrice = errors.New("no reference price available")

// Config is the decision policy, fixed at startup.
type Config struct {
	Bias           domain.Bias
	TradingEnabled bool

	// EnforceHours gates alerts on Calendar's trading window and turns
	// alerts inside the flatten buffer into a flatten-all.
	EnforceHours bool
	Calendar     *util.TradingCalendar

	// AllowedSymbols restricts which symbols are accepted. Empty allows all.
	AllowedSymbols []string

	Sizing SizingPolicy
	// PreferAlertQuantity lets an alert's quantity override fixed-quantity
	// sizing.
	PreferAlertQuantity bool

	// LimitBufferBps nudges limit prices toward a fill: up for buys, down
	// for sells.
	LimitBufferBps int64
	PriceDecimals  int32

	// Bracket attaches take-profit/stop-loss legs to filled entries.
	Bracket bool
}

// Validate checks cfg for internal consistency.
func (c Config) Validate() error {
	if c.Bias != domain.BiasLong && c.Bias != domain.BiasShort {
		return fmt.Errorf("strategy bias must be long or short, got %q", c.Bias)
	}
	if c.EnforceHours && c.Calendar == nil {
		return errors.New("hours enforcement needs a trading calendar")
	}
	if c.LimitBufferBps < 0 {
		return fmt.Errorf("limit buffer must not be negative, got %d", c.LimitBufferBps)
	}
	return c.Sizing.Validate()
}

// State gives the resolver read access to broker and daily-cap state.
// Methods are called lazily, only when a rule needs the value, so buying
// power is not fetched for alerts an earlier rule already decided.
type State interface {
	// Position returns the broker's position, flat when nothing is held.
	Position(ctx context.Context, symbol string) (domain.PositionState, error)
	Account(ctx context.Context) (domain.Account, error)
	Session(ctx context.Context) (domain.MarketSession, error)
	// Price returns the alert's reference price or a fetched fallback. It
	// wraps ErrNoPrice when none is available.
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	TradedToday(ctx context.Context, symbol string) (bool, error)
}

type role int

const (
	roleNone role = iota
	roleEntry
	roleExit
)

// Resolver turns an alert into an OrderIntent.
type Resolver struct {
	cfg     Config
	roles   map[domain.Action]role
	allowed map[string]bool
	now     func() time.Time
}

// NewResolver validates cfg and builds the bias lookup table.
func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PriceDecimals <= 0 {
		cfg.PriceDecimals = 2
	}

	roles := map[domain.Action]role{
		domain.ActionBuy:  roleEntry,
		domain.ActionLong: roleEntry,
		domain.ActionSell: roleExit,
	}
	if cfg.Bias == domain.BiasShort {
		roles = map[domain.Action]role{
			domain.ActionSell:  roleEntry,
			domain.ActionShort: roleEntry,
			domain.ActionBuy:   roleExit,
		}
	}

	var allowed map[string]bool
	if len(cfg.AllowedSymbols) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedSymbols))
		for _, s := range cfg.AllowedSymbols {
			allowed[strings.ToUpper(strings.TrimSpace(s))] = true
		}
	}

	return &Resolver{cfg: cfg, roles: roles, allowed: allowed, now: time.Now}, nil
}

// Config returns the resolver's policy.
func (r *Resolver) Config() Config {
	return r.cfg
}

// Resolve decides what to do with sig. The returned error is non-nil only
// when reading state failed; every policy outcome is an intent.
func (r *Resolver) Resolve(ctx context.Context, sig domain.Signal, st State) (OrderIntent, error) {
	symbol := strings.ToUpper(strings.TrimSpace(sig.Symbol))
	if symbol == "" {
		return Suppress("", ReasonInvalidPayload, "missing symbol"), nil
	}
	if r.allowed != nil && !r.allowed[symbol] {
		return Suppress(symbol, ReasonInvalidPayload, "symbol %s is not in the allowed list", symbol), nil
	}
	action, err := domain.ParseAction(string(sig.Action))
	if err != nil {
		return Suppress(symbol, ReasonInvalidPayload, "%v", err), nil
	}
	if sig.ReferencePrice != nil && !sig.ReferencePrice.IsPositive() {
		return Suppress(symbol, ReasonInvalidPayload, "price must be positive, got %s", sig.ReferencePrice), nil
	}
	if sig.QuantityHint != nil && *sig.QuantityHint < 1 {
		return Suppress(symbol, ReasonInvalidPayload, "quantity must be positive, got %d", *sig.QuantityHint), nil
	}
	if p := sig.TakeProfitPct; p != nil && !p.IsPositive() {
		return Suppress(symbol, ReasonInvalidPayload, "tp_pct must be positive, got %s", p), nil
	}
	if p := sig.StopLossPct; p != nil && (!p.IsPositive() || p.GreaterThanOrEqual(decimal.NewFromInt(1))) {
		return Suppress(symbol, ReasonInvalidPayload, "sl_pct must be between 0 and 1, got %s", p), nil
	}

	if action == domain.ActionCancel {
		return CancelOrders(symbol), nil
	}

	if !r.cfg.TradingEnabled {
		return Suppress(symbol, ReasonTradingDisabled, "trading is disabled"), nil
	}

	if r.cfg.EnforceHours {
		now := r.now()
		if r.cfg.Calendar.InFlattenWindow(now) {
			return FlattenAll("inside the flatten window before the %s close", r.cfg.Calendar.NextClose(now).Format("15:04 MST")), nil
		}
		if !r.cfg.Calendar.InTradingWindow(now) {
			return Suppress(symbol, ReasonOutsideTradingHours, "outside trading hours (%s)",
				now.In(r.cfg.Calendar.Location()).Format("Mon 15:04 MST")), nil
		}
	}

	switch r.roles[action] {
	case roleExit:
		return r.resolveExit(ctx, symbol, st)
	case roleEntry:
		return r.resolveEntry(ctx, symbol, sig, st)
	}
	return Suppress(symbol, ReasonActionNotApplicable, "action %q does not apply to a %s-biased strategy", action, r.cfg.Bias), nil
}

func (r *Resolver) resolveExit(ctx context.Context, symbol string, st State) (OrderIntent, error) {
	pos, err := st.Position(ctx, symbol)
	if err != nil {
		return OrderIntent{}, err
	}
	if pos.IsFlat() {
		return Suppress(symbol, ReasonNoPositionToExit, "no open %s position to exit", symbol), nil
	}

	req := domain.OrderRequest{
		Symbol: symbol,
		Side:   pos.CloseSide(),
		Qty:    pos.Qty.Abs(),
	}
	if intent, done, err := r.applyOrderType(ctx, &req, st); done || err != nil {
		return intent, err
	}
	return Exit(req), nil
}

func (r *Resolver) resolveEntry(ctx context.Context, symbol string, sig domain.Signal, st State) (OrderIntent, error) {
	pos, err := st.Position(ctx, symbol)
	if err != nil {
		return OrderIntent{}, err
	}
	if !pos.IsFlat() {
		return Suppress(symbol, ReasonPositionAlreadyExists, "position already open: %s %s", pos.Qty, symbol), nil
	}

	traded, err := st.TradedToday(ctx, symbol)
	if err != nil {
		return OrderIntent{}, err
	}
	if traded {
		return Suppress(symbol, ReasonDailyCapReached, "%s already traded today", symbol), nil
	}

	req := domain.OrderRequest{Symbol: symbol, Side: r.cfg.Bias.EntrySide()}
	if intent, done, err := r.applyOrderType(ctx, &req, st); done || err != nil {
		return intent, err
	}

	policy := r.cfg.Sizing
	if policy.Mode == SizingQuantity && r.cfg.PreferAlertQuantity && sig.QuantityHint != nil {
		policy.Quantity = *sig.QuantityHint
	}

	var price decimal.Decimal
	if policy.NeedsPrice() {
		price, err = st.Price(ctx, symbol)
		if errors.Is(err, ErrNoPrice) {
			return Suppress(symbol, ReasonInvalidPayload, "a reference price is required to size the entry"), nil
		}
		if err != nil {
			return OrderIntent{}, err
		}
	}
	var acct domain.Account
	if policy.NeedsAccount() {
		acct, err = st.Account(ctx)
		if err != nil {
			return OrderIntent{}, err
		}
	}

	size, err := ComputeSize(policy, acct, price)
	if err != nil {
		return Suppress(symbol, ReasonSizeCalculation, "sizing failed: %v", err), nil
	}

	if size.IsNotional() {
		if size.Notional.GreaterThan(acct.BuyingPower) {
			return Suppress(symbol, ReasonInsufficientFunds, "notional %s exceeds buying power %s", size.Notional, acct.BuyingPower), nil
		}
		if req.Type != domain.OrderTypeLimit {
			req.Notional = size.Notional
			return r.entry(req, sig), nil
		}
		// Notional limit orders are not accepted; convert at the limit price.
		size.Qty = size.Notional.Div(req.LimitPrice).Floor()
	}
	if size.Qty.LessThan(decimal.NewFromInt(1)) {
		return Suppress(symbol, ReasonInsufficientFunds, "computed quantity %s is below 1 (buying power %s, price %s)",
			size.Qty, acct.BuyingPower, price), nil
	}
	req.Qty = size.Qty
	return r.entry(req, sig), nil
}

// entry builds the entry intent, carrying the alert's bracket overrides.
func (r *Resolver) entry(req domain.OrderRequest, sig domain.Signal) OrderIntent {
	intent := Entry(req, r.cfg.Bracket)
	if sig.TakeProfitPct != nil {
		intent.Legs.TakeProfitPct = *sig.TakeProfitPct
	}
	if sig.StopLossPct != nil {
		intent.Legs.StopLossPct = *sig.StopLossPct
	}
	return intent
}

// applyOrderType sets the order type from the market session: market in
// the regular session, otherwise an extended-hours limit at the reference
// price. done is true when the returned intent replaces the order.
func (r *Resolver) applyOrderType(ctx context.Context, req *domain.OrderRequest, st State) (OrderIntent, bool, error) {
	session, err := st.Session(ctx)
	if err != nil {
		return OrderIntent{}, true, err
	}
	req.TimeInForce = domain.TimeInForceDay
	if session == domain.SessionRegular {
		req.Type = domain.OrderTypeMarket
		return OrderIntent{}, false, nil
	}

	price, err := st.Price(ctx, req.Symbol)
	if errors.Is(err, ErrNoPrice) {
		return Suppress(req.Symbol, ReasonInvalidPayload, "a reference price is required for a %s-session limit order", session), true, nil
	}
	if err != nil {
		return OrderIntent{}, true, err
	}
	req.Type = domain.OrderTypeLimit
	req.LimitPrice = r.limitPrice(price, req.Side)
	req.ExtendedHours = true
	return OrderIntent{}, false, nil
}

func (r *Resolver) limitPrice(ref decimal.Decimal, side domain.Side) decimal.Decimal {
	buffer := decimal.New(r.cfg.LimitBufferBps, -4)
	one := decimal.NewFromInt(1)
	if side == domain.SideBuy {
		return ref.Mul(one.Add(buffer)).Round(r.cfg.PriceDecimals)
	}
	return ref.Mul(one.Sub(buffer)).Round(r.cfg.PriceDecimals)
}
