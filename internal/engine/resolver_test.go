package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/domain"
	"signalrelay/internal/util"
)

type fakeState struct {
	pos     decimal.Decimal
	acct    domain.Account
	session domain.MarketSession
	price   decimal.Decimal
	traded  bool
	err     error
	calls   []string
}

func (f *fakeState) Position(_ context.Context, symbol string) (domain.PositionState, error) {
	f.calls = append(f.calls, "position")
	if f.err != nil {
		return domain.PositionState{}, f.err
	}
	return domain.PositionState{Symbol: symbol, Qty: f.pos}, nil
}

func (f *fakeState) Account(context.Context) (domain.Account, error) {
	f.calls = append(f.calls, "account")
	return f.acct, nil
}

func (f *fakeState) Session(context.Context) (domain.MarketSession, error) {
	f.calls = append(f.calls, "session")
	if f.session == "" {
		return domain.SessionRegular, nil
	}
	return f.session, nil
}

func (f *fakeState) Price(context.Context, string) (decimal.Decimal, error) {
	f.calls = append(f.calls, "price")
	if !f.price.IsPositive() {
		return decimal.Zero, ErrNoPrice
	}
	return f.price, nil
}

func (f *fakeState) TradedToday(context.Context, string) (bool, error) {
	f.calls = append(f.calls, "traded")
	return f.traded, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func qtyConfig(bias domain.Bias) Config {
	return Config{
		Bias:           bias,
		TradingEnabled: true,
		Sizing:         SizingPolicy{Mode: SizingQuantity, Quantity: 1},
		LimitBufferBps: 10,
	}
}

func newTestResolver(t *testing.T, cfg Config) *Resolver {
	t.Helper()
	r, err := NewResolver(cfg)
	require.NoError(t, err)
	return r
}

func signal(symbol string, action domain.Action) domain.Signal {
	return domain.Signal{Symbol: symbol, Action: action}
}

func TestResolveExitWhenFlatIsSuppressed(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	intent, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionSell), &fakeState{})
	require.NoError(t, err)
	assert.Equal(t, IntentSuppress, intent.Kind)
	assert.Equal(t, ReasonNoPositionToExit, intent.Reason)
	assert.True(t, intent.Reason.Benign())
}

func TestResolveEntryWithPositionIsSuppressed(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	intent, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), &fakeState{pos: dec("5")})
	require.NoError(t, err)
	assert.Equal(t, IntentSuppress, intent.Kind)
	assert.Equal(t, ReasonPositionAlreadyExists, intent.Reason)
}

func TestResolveExitClosesWholePosition(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	hint := int64(3)
	sig := signal("AAPL", domain.ActionSell)
	sig.QuantityHint = &hint

	intent, err := r.Resolve(context.Background(), sig, &fakeState{pos: dec("7")})
	require.NoError(t, err)
	require.Equal(t, IntentExit, intent.Kind)
	assert.Equal(t, domain.SideSell, intent.Order.Side)
	assert.Equal(t, "7", intent.Order.Qty.String())
	assert.Equal(t, domain.OrderTypeMarket, intent.Order.Type)
	assert.Equal(t, domain.TimeInForceDay, intent.Order.TimeInForce)
}

func TestResolveShortBias(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasShort))

	exit, err := r.Resolve(context.Background(), signal("TSLA", domain.ActionBuy), &fakeState{pos: dec("-4")})
	require.NoError(t, err)
	require.Equal(t, IntentExit, exit.Kind)
	assert.Equal(t, domain.SideBuy, exit.Order.Side)
	assert.Equal(t, "4", exit.Order.Qty.String())

	entry, err := r.Resolve(context.Background(), signal("TSLA", domain.ActionShort), &fakeState{})
	require.NoError(t, err)
	require.Equal(t, IntentEntry, entry.Kind)
	assert.Equal(t, domain.SideSell, entry.Order.Side)
}

func TestResolveActionNotApplicable(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	intent, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionShort), &fakeState{})
	require.NoError(t, err)
	assert.Equal(t, ReasonActionNotApplicable, intent.Reason)
}

func TestResolveInvalidPayload(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	zero := int64(0)

	tests := []struct {
		name string
		sig  domain.Signal
	}{
		{"missing symbol", signal("  ", domain.ActionBuy)},
		{"unknown action", signal("AAPL", "hold")},
		{"non-positive price", domain.Signal{Symbol: "AAPL", Action: domain.ActionBuy, ReferencePrice: decPtr("0")}},
		{"zero quantity", domain.Signal{Symbol: "AAPL", Action: domain.ActionBuy, QuantityHint: &zero}},
		{"negative tp_pct", domain.Signal{Symbol: "AAPL", Action: domain.ActionBuy, TakeProfitPct: decPtr("-0.1")}},
		{"sl_pct of 100%", domain.Signal{Symbol: "AAPL", Action: domain.ActionBuy, StopLossPct: decPtr("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeState{}
			intent, err := r.Resolve(context.Background(), tt.sig, st)
			require.NoError(t, err)
			assert.Equal(t, ReasonInvalidPayload, intent.Reason)
			assert.False(t, intent.Reason.Benign())
			assert.Equal(t, domain.ErrorInvalidPayload, intent.Reason.ErrorKind())
			assert.Empty(t, st.calls)
		})
	}
}

func TestResolveActionIsCaseInsensitive(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	intent, err := r.Resolve(context.Background(), signal("aapl", "BUY"), &fakeState{})
	require.NoError(t, err)
	require.Equal(t, IntentEntry, intent.Kind)
	assert.Equal(t, "AAPL", intent.Symbol)
}

func TestResolveDailyCap(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	intent, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), &fakeState{traded: true})
	require.NoError(t, err)
	assert.Equal(t, ReasonDailyCapReached, intent.Reason)
}

func TestResolveKillSwitchReadsNoState(t *testing.T) {
	cfg := qtyConfig(domain.BiasLong)
	cfg.TradingEnabled = false
	r := newTestResolver(t, cfg)

	st := &fakeState{}
	intent, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), st)
	require.NoError(t, err)
	assert.Equal(t, ReasonTradingDisabled, intent.Reason)
	assert.Empty(t, st.calls)

	cancel, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionCancel), st)
	require.NoError(t, err)
	assert.Equal(t, IntentCancelOrders, cancel.Kind)
	assert.Equal(t, "AAPL", cancel.Symbol)
}

func TestResolveAllowedSymbols(t *testing.T) {
	cfg := qtyConfig(domain.BiasLong)
	cfg.AllowedSymbols = []string{"btc-perp", " ETH-PERP "}
	r := newTestResolver(t, cfg)

	intent, err := r.Resolve(context.Background(), signal("SOL-PERP", domain.ActionBuy), &fakeState{})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidPayload, intent.Reason)

	intent, err = r.Resolve(context.Background(), signal("eth-perp", domain.ActionBuy), &fakeState{})
	require.NoError(t, err)
	assert.Equal(t, IntentEntry, intent.Kind)
}

func TestResolveRegularSessionMarketOrder(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	st := &fakeState{session: domain.SessionRegular, price: dec("300")}

	intent, err := r.Resolve(context.Background(), signal("MSFT", domain.ActionBuy), st)
	require.NoError(t, err)
	require.Equal(t, IntentEntry, intent.Kind)
	assert.Equal(t, "1", intent.Order.Qty.String())
	assert.Equal(t, domain.OrderTypeMarket, intent.Order.Type)
	assert.False(t, intent.Order.ExtendedHours)
	assert.NotContains(t, st.calls, "account")
}

func TestResolveClosedSessionLimitOrder(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	st := &fakeState{session: domain.SessionClosed, price: dec("300")}

	intent, err := r.Resolve(context.Background(), signal("MSFT", domain.ActionBuy), st)
	require.NoError(t, err)
	require.Equal(t, IntentEntry, intent.Kind)
	assert.Equal(t, "1", intent.Order.Qty.String())
	assert.Equal(t, domain.OrderTypeLimit, intent.Order.Type)
	assert.Equal(t, "300.3", intent.Order.LimitPrice.String())
	assert.True(t, intent.Order.ExtendedHours)
	assert.Equal(t, domain.TimeInForceDay, intent.Order.TimeInForce)
}

func TestResolveExtendedSessionSellLimitBelowReference(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	st := &fakeState{pos: dec("2"), session: domain.SessionExtended, price: dec("300")}

	intent, err := r.Resolve(context.Background(), signal("MSFT", domain.ActionSell), st)
	require.NoError(t, err)
	require.Equal(t, IntentExit, intent.Kind)
	assert.Equal(t, "299.7", intent.Order.LimitPrice.String())
}

func TestResolveClosedSessionWithoutPrice(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	intent, err := r.Resolve(context.Background(), signal("MSFT", domain.ActionBuy), &fakeState{session: domain.SessionClosed})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidPayload, intent.Reason)
}

func TestResolvePercentSizing(t *testing.T) {
	cfg := qtyConfig(domain.BiasLong)
	cfg.Sizing = SizingPolicy{Mode: SizingPercent, Percent: dec("0.10")}
	r := newTestResolver(t, cfg)

	st := &fakeState{acct: domain.Account{BuyingPower: dec("10000")}, price: dec("100")}
	intent, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), st)
	require.NoError(t, err)
	require.Equal(t, IntentEntry, intent.Kind)
	assert.Equal(t, "10", intent.Order.Qty.String())

	st = &fakeState{acct: domain.Account{BuyingPower: dec("10")}, price: dec("100")}
	intent, err = r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), st)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientFunds, intent.Reason)

	st = &fakeState{acct: domain.Account{BuyingPower: dec("10000")}}
	intent, err = r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), st)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidPayload, intent.Reason)
}

func TestResolveNotionalSizing(t *testing.T) {
	cfg := qtyConfig(domain.BiasLong)
	cfg.Sizing = SizingPolicy{Mode: SizingNotional, Notional: dec("500")}
	r := newTestResolver(t, cfg)

	st := &fakeState{acct: domain.Account{BuyingPower: dec("1000")}}
	intent, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), st)
	require.NoError(t, err)
	require.Equal(t, IntentEntry, intent.Kind)
	assert.True(t, intent.Order.IsNotional())
	assert.Equal(t, "500", intent.Order.Notional.String())
	assert.NotContains(t, st.calls, "price")

	st = &fakeState{acct: domain.Account{BuyingPower: dec("400")}}
	intent, err = r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), st)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientFunds, intent.Reason)

	// Limit orders are sized in whole units at the limit price.
	st = &fakeState{acct: domain.Account{BuyingPower: dec("1000")}, session: domain.SessionExtended, price: dec("100")}
	intent, err = r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), st)
	require.NoError(t, err)
	require.Equal(t, IntentEntry, intent.Kind)
	assert.False(t, intent.Order.IsNotional())
	assert.Equal(t, "4", intent.Order.Qty.String())
	assert.Equal(t, "100.1", intent.Order.LimitPrice.String())
}

func TestResolvePreferAlertQuantity(t *testing.T) {
	cfg := qtyConfig(domain.BiasLong)
	cfg.PreferAlertQuantity = true
	r := newTestResolver(t, cfg)

	hint := int64(25)
	sig := signal("AAPL", domain.ActionBuy)
	sig.QuantityHint = &hint
	intent, err := r.Resolve(context.Background(), sig, &fakeState{})
	require.NoError(t, err)
	assert.Equal(t, "25", intent.Order.Qty.String())
}

func TestResolveBracketFlag(t *testing.T) {
	cfg := qtyConfig(domain.BiasLong)
	cfg.Bracket = true
	r := newTestResolver(t, cfg)

	intent, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), &fakeState{})
	require.NoError(t, err)
	assert.True(t, intent.WithBracket)

	exit, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionSell), &fakeState{pos: dec("1")})
	require.NoError(t, err)
	assert.False(t, exit.WithBracket)
}

func TestResolveTradingHours(t *testing.T) {
	cal, err := util.NewTradingCalendar(util.CalendarConfig{
		Timezone:      "America/New_York",
		WindowStart:   "04:00",
		WindowEnd:     "16:00",
		MarketClose:   "16:00",
		FlattenBuffer: 5 * time.Minute,
	})
	require.NoError(t, err)
	ny := cal.Location()

	cfg := qtyConfig(domain.BiasLong)
	cfg.EnforceHours = true
	cfg.Calendar = cal
	r := newTestResolver(t, cfg)

	tests := []struct {
		name   string
		at     time.Time
		action domain.Action
		kind   IntentKind
		reason SuppressReason
	}{
		{"inside window", time.Date(2024, 3, 13, 10, 0, 0, 0, ny), domain.ActionBuy, IntentEntry, ""},
		{"flatten window", time.Date(2024, 3, 13, 15, 57, 0, 0, ny), domain.ActionBuy, IntentFlattenAll, ""},
		{"after close", time.Date(2024, 3, 13, 18, 0, 0, 0, ny), domain.ActionBuy, IntentSuppress, ReasonOutsideTradingHours},
		{"before window", time.Date(2024, 3, 13, 3, 59, 0, 0, ny), domain.ActionBuy, IntentSuppress, ReasonOutsideTradingHours},
		{"weekend", time.Date(2024, 3, 16, 10, 0, 0, 0, ny), domain.ActionBuy, IntentSuppress, ReasonOutsideTradingHours},
		{"cancel after close", time.Date(2024, 3, 13, 18, 0, 0, 0, ny), domain.ActionCancel, IntentCancelOrders, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := tt.at
			r.now = func() time.Time { return at }
			intent, err := r.Resolve(context.Background(), signal("AAPL", tt.action), &fakeState{})
			require.NoError(t, err)
			assert.Equal(t, tt.kind, intent.Kind)
			assert.Equal(t, tt.reason, intent.Reason)
		})
	}
}

func TestResolveStateErrorPropagates(t *testing.T) {
	r := newTestResolver(t, qtyConfig(domain.BiasLong))
	boom := errors.New("connection refused")
	_, err := r.Resolve(context.Background(), signal("AAPL", domain.ActionBuy), &fakeState{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestNewResolverValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad bias", Config{Bias: "sideways", Sizing: SizingPolicy{Mode: SizingQuantity, Quantity: 1}}},
		{"hours without calendar", Config{Bias: domain.BiasLong, EnforceHours: true, Sizing: SizingPolicy{Mode: SizingQuantity, Quantity: 1}}},
		{"negative buffer", Config{Bias: domain.BiasLong, LimitBufferBps: -1, Sizing: SizingPolicy{Mode: SizingQuantity, Quantity: 1}}},
		{"bad sizing", Config{Bias: domain.BiasLong, Sizing: SizingPolicy{Mode: SizingPercent, Percent: dec("1.5")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestResolveEntryCarriesBracketOverrides(t *testing.T) {
	cfg := qtyConfig(domain.BiasLong)
	cfg.Bracket = true
	r := newTestResolver(t, cfg)

	sig := signal("AAPL", domain.ActionBuy)
	sig.TakeProfitPct = decPtr("0.35")
	intent, err := r.Resolve(context.Background(), sig, &fakeState{price: dec("10")})
	require.NoError(t, err)
	require.Equal(t, IntentEntry, intent.Kind)
	assert.True(t, intent.WithBracket)
	assert.True(t, intent.Legs.TakeProfitPct.Equal(dec("0.35")))
	assert.True(t, intent.Legs.StopLossPct.IsZero())
}
