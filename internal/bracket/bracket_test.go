package bracket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/broker"
	"signalrelay/internal/domain"
	"signalrelay/internal/util"
)

type fakeCanceler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCanceler) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return f.err
}

func (f *fakeCanceler) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testPolicy() Policy {
	return Policy{
		Enabled:       true,
		TakeProfitPct: decimal.RequireFromString("0.02"),
		StopLossPct:   decimal.RequireFromString("0.01"),
		PriceDecimals: 2,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(id string) domain.OrderUpdate {
	return domain.OrderUpdate{OrderID: id, Kind: domain.OrderEventFill, FilledQty: decimal.NewFromInt(10), FilledAvgPrice: dec("100")}
}

func TestPolicy_Prices(t *testing.T) {
	p := testPolicy()

	tp, sl := p.Prices(domain.SideBuy, dec("150"))
	assert.True(t, tp.Equal(dec("153")), "long tp = %s", tp)
	assert.True(t, sl.Equal(dec("148.5")), "long sl = %s", sl)

	tp, sl = p.Prices(domain.SideSell, dec("150"))
	assert.True(t, tp.Equal(dec("147")), "short tp = %s", tp)
	assert.True(t, sl.Equal(dec("151.5")), "short sl = %s", sl)

	tp, _ = p.Prices(domain.SideBuy, dec("33.333"))
	assert.Equal(t, "34", tp.String(), "rounded to price decimals")
}

func TestTracker_LegFillCancelsSibling(t *testing.T) {
	c := &fakeCanceler{}
	tr := NewTracker(testPolicy(), c, util.NopLogger())
	tr.Arm(Record{ParentOrderID: "P1", TakeProfitOrderID: "T1", StopLossOrderID: "S1", Symbol: "AAPL", Qty: decimal.NewFromInt(10)})

	tr.HandleUpdate(context.Background(), fill("T1"))
	assert.Equal(t, []string{"S1"}, c.Calls())
	assert.Empty(t, tr.Records())

	// Racing fill of the sibling finds nothing to do.
	tr.HandleUpdate(context.Background(), fill("S1"))
	assert.Equal(t, []string{"S1"}, c.Calls())
}

func TestTracker_SiblingAlreadyDoneIsTolerated(t *testing.T) {
	c := &fakeCanceler{err: broker.ErrOrderAlreadyDone}
	tr := NewTracker(testPolicy(), c, util.NopLogger())
	tr.Arm(Record{ParentOrderID: "P1", TakeProfitOrderID: "T1", StopLossOrderID: "S1", Symbol: "AAPL"})

	tr.HandleUpdate(context.Background(), fill("S1"))
	assert.Equal(t, []string{"T1"}, c.Calls())
	assert.Empty(t, tr.Records())
}

func TestTracker_LegCancelDropsRecordOnly(t *testing.T) {
	for _, kind := range []domain.OrderEventKind{domain.OrderEventCancel, domain.OrderEventReject, domain.OrderEventExpire} {
		c := &fakeCanceler{}
		tr := NewTracker(testPolicy(), c, util.NopLogger())
		tr.Arm(Record{ParentOrderID: "P1", TakeProfitOrderID: "T1", StopLossOrderID: "S1", Symbol: "AAPL"})

		tr.HandleUpdate(context.Background(), domain.OrderUpdate{OrderID: "S1", Kind: kind})
		assert.Empty(t, c.Calls(), "%s must not cancel the sibling", kind)
		assert.Empty(t, tr.Records())
	}
}

func TestTracker_IgnoresUnknownAndNonTerminal(t *testing.T) {
	c := &fakeCanceler{}
	tr := NewTracker(testPolicy(), c, util.NopLogger())
	tr.Arm(Record{ParentOrderID: "P1", TakeProfitOrderID: "T1", StopLossOrderID: "S1", Symbol: "AAPL"})

	tr.HandleUpdate(context.Background(), fill("X9"))
	tr.HandleUpdate(context.Background(), domain.OrderUpdate{OrderID: "T1", Kind: domain.OrderEventPartialFill})
	tr.HandleUpdate(context.Background(), domain.OrderUpdate{OrderID: "T1", Kind: domain.OrderEventOther})

	assert.Empty(t, c.Calls())
	assert.Len(t, tr.Records(), 1)
}

func TestTracker_ParentFillRequestsArm(t *testing.T) {
	tr := NewTracker(testPolicy(), &fakeCanceler{}, util.NopLogger())
	tr.ExpectFill("P1", "alert-abc", "AAPL", domain.SideBuy)
	require.Equal(t, 1, tr.PendingCount())

	tr.HandleUpdate(context.Background(), domain.OrderUpdate{OrderID: "P1", Kind: domain.OrderEventPartialFill, FilledQty: decimal.NewFromInt(4), FilledAvgPrice: dec("100")})
	assert.Empty(t, tr.ArmRequests(), "partial fill waits for the full fill")

	tr.HandleUpdate(context.Background(), fill("P1"))
	require.Len(t, tr.ArmRequests(), 1)
	req := <-tr.ArmRequests()
	assert.Equal(t, "P1", req.ParentOrderID)
	assert.Equal(t, "alert-abc", req.ParentKey)
	assert.Equal(t, domain.SideSell, req.Side)
	assert.True(t, req.Qty.Equal(decimal.NewFromInt(10)))
	assert.True(t, req.TakeProfitPrice.Equal(dec("102")))
	assert.True(t, req.StopLossPrice.Equal(dec("99")))
	assert.Zero(t, tr.PendingCount())

	// Duplicate fill after the parent was consumed.
	tr.HandleUpdate(context.Background(), fill("P1"))
	assert.Empty(t, tr.ArmRequests())
}

func TestTracker_ParentCancelledWithoutFill(t *testing.T) {
	tr := NewTracker(testPolicy(), &fakeCanceler{}, util.NopLogger())
	tr.ExpectFill("P1", "k", "AAPL", domain.SideBuy)
	tr.HandleUpdate(context.Background(), domain.OrderUpdate{OrderID: "P1", Kind: domain.OrderEventCancel})
	assert.Zero(t, tr.PendingCount())
	assert.Empty(t, tr.ArmRequests())
}

func TestTracker_ParentCancelledAfterPartialFill(t *testing.T) {
	tr := NewTracker(testPolicy(), &fakeCanceler{}, util.NopLogger())
	tr.ExpectFill("P1", "k", "AAPL", domain.SideBuy)
	tr.HandleUpdate(context.Background(), domain.OrderUpdate{
		OrderID: "P1", Kind: domain.OrderEventCancel, FilledQty: decimal.NewFromInt(3), FilledAvgPrice: dec("100"),
	})
	require.Len(t, tr.ArmRequests(), 1)
	req := <-tr.ArmRequests()
	assert.True(t, req.Qty.Equal(decimal.NewFromInt(3)))
}

func TestTracker_FillBeforeRegistration(t *testing.T) {
	tr := NewTracker(testPolicy(), &fakeCanceler{}, util.NopLogger())
	tr.HandleUpdate(context.Background(), fill("P1"))
	assert.Empty(t, tr.ArmRequests())

	tr.ExpectFill("P1", "k", "AAPL", domain.SideBuy)
	require.Len(t, tr.ArmRequests(), 1)
	assert.Zero(t, tr.PendingCount())
}

func TestTracker_Release(t *testing.T) {
	tr := NewTracker(testPolicy(), &fakeCanceler{}, util.NopLogger())
	tr.Arm(Record{ParentOrderID: "P1", TakeProfitOrderID: "T1", StopLossOrderID: "S1", Symbol: "AAPL"})
	tr.Arm(Record{ParentOrderID: "P2", TakeProfitOrderID: "T2", StopLossOrderID: "S2", Symbol: "MSFT"})
	tr.ExpectFill("P3", "k", "AAPL", domain.SideBuy)

	released := tr.Release("AAPL")
	require.Len(t, released, 1)
	assert.Equal(t, "T1", released[0].TakeProfitOrderID)
	assert.Zero(t, tr.PendingCount())

	remaining := tr.Records()
	require.Len(t, remaining, 1)
	assert.Equal(t, "MSFT", remaining[0].Symbol)
}

// flakyStream fails its first connection, then delivers events and blocks.
type flakyStream struct {
	calls  atomic.Int32
	events []domain.OrderUpdate
}

func (s *flakyStream) StreamOrderUpdates(ctx context.Context, handler func(domain.OrderUpdate)) error {
	if s.calls.Add(1) == 1 {
		return errors.New("connection reset by peer")
	}
	for _, e := range s.events {
		handler(e)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTracker_ListenReconnects(t *testing.T) {
	c := &fakeCanceler{}
	tr := NewTracker(testPolicy(), c, util.NopLogger())
	tr.reconnect = util.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}
	tr.Arm(Record{ParentOrderID: "P1", TakeProfitOrderID: "T1", StopLossOrderID: "S1", Symbol: "AAPL"})

	stream := &flakyStream{events: []domain.OrderUpdate{fill("T1")}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Listen(ctx, stream) }()

	require.Eventually(t, func() bool { return len(c.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"S1"}, c.Calls())
	assert.GreaterOrEqual(t, stream.calls.Load(), int32(2))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestTracker_WithSimulator(t *testing.T) {
	sim := broker.NewSimulatorBroker()
	tr := NewTracker(testPolicy(), sim, util.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Listen(ctx, sim) }()
	require.Eventually(t, func() bool { return sim.Subscribers() == 1 }, 2*time.Second, time.Millisecond)

	leg := domain.OrderRequest{Symbol: "AAPL", Side: domain.SideSell, Qty: decimal.NewFromInt(10), TimeInForce: domain.TimeInForceGTC}
	leg.Type, leg.LimitPrice = domain.OrderTypeLimit, dec("102")
	tp, err := sim.SubmitOrder(ctx, leg, "k-tp")
	require.NoError(t, err)
	leg.Type, leg.StopPrice = domain.OrderTypeStop, dec("99")
	sl, err := sim.SubmitOrder(ctx, leg, "k-sl")
	require.NoError(t, err)

	tr.Arm(Record{ParentOrderID: "P1", TakeProfitOrderID: tp.ID, StopLossOrderID: sl.ID, Symbol: "AAPL", Qty: decimal.NewFromInt(10)})
	require.NoError(t, sim.FillOrder(sl.ID, dec("99")))

	require.Eventually(t, func() bool {
		o, _ := sim.Order(tp.ID)
		return o.Status == "canceled"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Records())
}

func TestPolicy_With(t *testing.T) {
	p := testPolicy().With(Legs{TakeProfitPct: dec("0.35")})
	assert.True(t, p.TakeProfitPct.Equal(dec("0.35")))
	assert.True(t, p.StopLossPct.Equal(dec("0.01")), "zero override keeps the policy value")

	tp, sl := p.Prices(domain.SideBuy, dec("10"))
	assert.True(t, tp.Equal(dec("13.5")), "tp = %s", tp)
	assert.True(t, sl.Equal(dec("9.9")), "sl = %s", sl)
}

func TestTracker_ExpectFillWithLegs(t *testing.T) {
	tr := NewTracker(testPolicy(), &fakeCanceler{}, util.NopLogger())
	tr.ExpectFillWith("P1", "k", "AAPL", domain.SideBuy, Legs{TakeProfitPct: dec("0.10"), StopLossPct: dec("0.05")})
	tr.ExpectFill("P2", "k2", "MSFT", domain.SideBuy)

	tr.HandleUpdate(context.Background(), fill("P1"))
	tr.HandleUpdate(context.Background(), fill("P2"))
	require.Len(t, tr.ArmRequests(), 2)

	first := <-tr.ArmRequests()
	assert.True(t, first.TakeProfitPrice.Equal(dec("110")), "tp = %s", first.TakeProfitPrice)
	assert.True(t, first.StopLossPrice.Equal(dec("95")), "sl = %s", first.StopLossPrice)
	second := <-tr.ArmRequests()
	assert.True(t, second.TakeProfitPrice.Equal(dec("102")), "tp = %s", second.TakeProfitPrice)
	assert.True(t, second.StopLossPrice.Equal(dec("99")), "sl = %s", second.StopLossPrice)
}

func TestTracker_ReleaseMarksQueuedRequests(t *testing.T) {
	tr := NewTracker(testPolicy(), &fakeCanceler{}, util.NopLogger())
	tr.ExpectFill("P1", "k1", "AAPL", domain.SideBuy)
	tr.ExpectFill("P2", "k2", "MSFT", domain.SideBuy)
	tr.HandleUpdate(context.Background(), fill("P1"))
	tr.HandleUpdate(context.Background(), fill("P2"))
	aapl, msft := <-tr.ArmRequests(), <-tr.ArmRequests()
	assert.False(t, tr.Released(aapl))
	assert.False(t, tr.Released(msft))

	tr.Release("AAPL")
	assert.True(t, tr.Released(aapl))
	assert.False(t, tr.Released(msft), "other symbols are unaffected")

	// A new entry after the release arms normally.
	tr.ExpectFill("P3", "k3", "AAPL", domain.SideBuy)
	tr.HandleUpdate(context.Background(), fill("P3"))
	again := <-tr.ArmRequests()
	assert.False(t, tr.Released(again))

	tr.ReleaseAll()
	assert.True(t, tr.Released(msft))
	assert.True(t, tr.Released(again))

	tr.ExpectFill("P4", "k4", "MSFT", domain.SideBuy)
	tr.HandleUpdate(context.Background(), fill("P4"))
	assert.False(t, tr.Released(<-tr.ArmRequests()))
}
