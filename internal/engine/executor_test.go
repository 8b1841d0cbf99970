package engine

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/bracket"
	"signalrelay/internal/broker"
	"signalrelay/internal/domain"
	"signalrelay/internal/util"
)

func newTestExecutor(t *testing.T) (*Executor, *broker.SimulatorBroker, *bracket.Tracker) {
	t.Helper()
	sim := broker.NewSimulatorBroker()
	tracker := bracket.NewTracker(testBracketPolicy(), sim, util.NopLogger())
	return NewExecutor(sim, tracker, nil, 0, util.NopLogger()), sim, tracker
}

func armRequest() bracket.ArmRequest {
	return bracket.ArmRequest{
		ParentOrderID:   "sim-parent",
		ParentKey:       "entry-abc",
		Symbol:          "AAPL",
		Side:            domain.SideSell,
		Qty:             dec("2"),
		TakeProfitPrice: dec("110"),
		StopLossPrice:   dec("95"),
	}
}

func TestPlaceBracket(t *testing.T) {
	x, sim, tracker := newTestExecutor(t)

	rec, res := x.PlaceBracket(context.Background(), armRequest())
	require.True(t, res.OK, res.Message)
	assert.NotEmpty(t, rec.TakeProfitOrderID)
	assert.NotEmpty(t, rec.StopLossOrderID)
	require.Len(t, tracker.Records(), 1)

	tp, ok := sim.Order(rec.TakeProfitOrderID)
	require.True(t, ok)
	assert.Equal(t, "entry-abc-tp", tp.ClientOrderID)
	sl, ok := sim.Order(rec.StopLossOrderID)
	require.True(t, ok)
	assert.Equal(t, "entry-abc-sl", sl.ClientOrderID)
	assert.Equal(t, domain.OrderTypeStop, sl.Type)
}

func TestPlaceBracketPartial(t *testing.T) {
	x, sim, tracker := newTestExecutor(t)
	sim.FailNext(broker.OpSubmitOrder, broker.Rejected(http.StatusUnprocessableEntity, "price too far from market", nil))

	rec, res := x.PlaceBracket(context.Background(), armRequest())
	assert.False(t, res.OK)
	assert.Equal(t, domain.ErrorRejectedByBroker, res.ErrorKind)
	assert.Contains(t, res.Message, "partially placed")
	assert.Empty(t, rec.TakeProfitOrderID)
	assert.NotEmpty(t, rec.StopLossOrderID)
	assert.Len(t, tracker.Records(), 1)
}

func TestPlaceBracketBothLegsFail(t *testing.T) {
	x := NewExecutor(&failingSubmitter{SimulatorBroker: broker.NewSimulatorBroker()}, nil, nil, 0, util.NopLogger())

	_, res := x.PlaceBracket(context.Background(), armRequest())
	assert.False(t, res.OK)
	assert.Equal(t, domain.ErrorNetwork, res.ErrorKind)
}

type failingSubmitter struct {
	*broker.SimulatorBroker
}

func (f *failingSubmitter) SubmitOrder(context.Context, domain.OrderRequest, string) (*domain.OrderRef, error) {
	return nil, assert.AnError
}

func TestExecuteSuppress(t *testing.T) {
	x, sim, _ := newTestExecutor(t)
	res := x.Execute(context.Background(), Suppress("AAPL", ReasonDailyCapReached, "capped"), "k")
	assert.True(t, res.OK)
	assert.Equal(t, "capped", res.Message)

	res = x.Execute(context.Background(), Suppress("AAPL", ReasonSizeCalculation, "bad"), "k")
	assert.False(t, res.OK)
	assert.Equal(t, domain.ErrorSizeCalculation, res.ErrorKind)
	assert.Empty(t, sim.Submitted())
}

func TestCancelOpenOrdersToleratesAlreadyDone(t *testing.T) {
	x, sim, _ := newTestExecutor(t)
	ctx := context.Background()
	for _, key := range []string{"a", "b"} {
		_, err := sim.SubmitOrder(ctx, domain.OrderRequest{
			Symbol: "AAPL", Side: domain.SideBuy, Qty: dec("1"),
			Type: domain.OrderTypeLimit, LimitPrice: dec("10"), TimeInForce: domain.TimeInForceDay,
		}, key)
		require.NoError(t, err)
	}
	sim.FailNext(broker.OpCancelOrder, broker.ErrOrderAlreadyDone)

	n, err := x.CancelOpenOrders(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
