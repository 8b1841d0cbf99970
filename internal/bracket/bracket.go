// Package bracket tracks take-profit/stop-loss pairs attached to filled
// entries and cancels the surviving leg when the other one fills.
package bracket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalrelay/internal/broker"
	"signalrelay/internal/domain"
	"signalrelay/internal/util"
)

// Policy derives leg prices from an entry's average fill price.
type Policy struct {
	Enabled       bool
	TakeProfitPct decimal.Decimal // 0.02 = 2%
	StopLossPct   decimal.Decimal
	PriceDecimals int32
}

// Prices returns the take-profit and stop-loss prices for an entry on
// side filled at avg.
func (p Policy) Prices(entry domain.Side, avg decimal.Decimal) (takeProfit, stopLoss decimal.Decimal) {
	one := decimal.NewFromInt(1)
	if entry == domain.SideSell {
		takeProfit = avg.Mul(one.Sub(p.TakeProfitPct))
		stopLoss = avg.Mul(one.Add(p.StopLossPct))
	} else {
		takeProfit = avg.Mul(one.Add(p.TakeProfitPct))
		stopLoss = avg.Mul(one.Sub(p.StopLossPct))
	}
	return takeProfit.Round(p.PriceDecimals), stopLoss.Round(p.PriceDecimals)
}

// Legs overrides the policy percentages for one entry. Zero fields keep
// the policy's value.
type Legs struct {
	TakeProfitPct decimal.Decimal
	StopLossPct   decimal.Decimal
}

// With returns p with the non-zero percentages of l applied.
func (p Policy) With(l Legs) Policy {
	if l.TakeProfitPct.IsPositive() {
		p.TakeProfitPct = l.TakeProfitPct
	}
	if l.StopLossPct.IsPositive() {
		p.StopLossPct = l.StopLossPct
	}
	return p
}

// Record is an armed bracket. Either leg ID may be empty when its
// placement failed.
type Record struct {
	ParentOrderID     string          `json:"parent_order_id"`
	TakeProfitOrderID string          `json:"take_profit_order_id"`
	StopLossOrderID   string          `json:"stop_loss_order_id"`
	Symbol            string          `json:"symbol"`
	Qty               decimal.Decimal `json:"qty"`
	ArmedAt           time.Time       `json:"armed_at"`
}

// ArmRequest asks the engine to place the legs for a filled parent.
type ArmRequest struct {
	ParentOrderID   string
	ParentKey       string
	Symbol          string
	Side            domain.Side // closing side of both legs
	Qty             decimal.Decimal
	TakeProfitPrice decimal.Decimal
	StopLossPrice   decimal.Decimal

	seq uint64
}

// Canceler cancels orders. broker.Broker satisfies it.
type Canceler interface {
	CancelOrder(ctx context.Context, orderID string) error
}

type pending struct {
	key    string
	symbol string
	side   domain.Side
	policy Policy
}

// fills that arrive before their parent is registered are kept this long.
const (
	earlyFillCap = 256
	earlyFillTTL = 5 * time.Minute
)

// Tracker holds parents awaiting a fill and armed brackets. Events are
// matched by linear scan.
type Tracker struct {
	policy        Policy
	canceler      Canceler
	cancelTimeout time.Duration
	reconnect     util.Backoff
	log           *slog.Logger

	mu         sync.Mutex
	pending    map[string]pending
	records    []*Record
	early      map[string]domain.OrderUpdate
	earlyOrder []string

	// seq orders arm requests against releases. A request is stale when
	// its symbol, or everything, was released after it was issued.
	seq         uint64
	releasedAt  map[string]uint64
	releasedAll uint64

	arm chan ArmRequest
}

// NewTracker creates a Tracker that cancels siblings through c.
func NewTracker(policy Policy, c Canceler, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		policy:        policy,
		canceler:      c,
		cancelTimeout: 10 * time.Second,
		reconnect:     util.Backoff{Base: time.Second, Max: 30 * time.Second},
		log:           log.With("component", "bracket"),
		pending:       make(map[string]pending),
		early:         make(map[string]domain.OrderUpdate),
		releasedAt:    make(map[string]uint64),
		arm:           make(chan ArmRequest, 64),
	}
}

// Policy returns the tracker's pricing policy.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// ArmRequests delivers one request per filled parent.
func (t *Tracker) ArmRequests() <-chan ArmRequest {
	return t.arm
}

// ExpectFill registers parentID so its fill produces an ArmRequest priced
// by the tracker's policy. key is the parent's idempotency key; leg keys
// derive from it.
func (t *Tracker) ExpectFill(parentID, key, symbol string, entry domain.Side) {
	t.ExpectFillWith(parentID, key, symbol, entry, Legs{})
}

// ExpectFillWith is ExpectFill with per-entry leg percentages.
func (t *Tracker) ExpectFillWith(parentID, key, symbol string, entry domain.Side, legs Legs) {
	t.mu.Lock()
	p := pending{key: key, symbol: symbol, side: entry, policy: t.policy.With(legs)}
	u, filled := t.early[parentID]
	var seq uint64
	if filled {
		delete(t.early, parentID)
		seq = t.nextSeqLocked()
	} else {
		t.pending[parentID] = p
	}
	t.mu.Unlock()

	if filled {
		t.log.Debug("parent filled before registration", "order_id", parentID)
		t.requestArm(parentID, p, u, seq)
	}
}

func (t *Tracker) nextSeqLocked() uint64 {
	t.seq++
	return t.seq
}

// Released reports whether req's symbol was released after req was
// issued. Its legs must not be placed then.
func (t *Tracker) Released(req ArmRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return req.seq < t.releasedAll || req.seq < t.releasedAt[req.Symbol]
}

// Arm stores a placed bracket.
func (t *Tracker) Arm(r Record) {
	if r.ArmedAt.IsZero() {
		r.ArmedAt = time.Now().UTC()
	}
	t.mu.Lock()
	t.records = append(t.records, &r)
	t.mu.Unlock()
	t.log.Info("bracket armed", "symbol", r.Symbol, "parent", r.ParentOrderID,
		"take_profit", r.TakeProfitOrderID, "stop_loss", r.StopLossOrderID, "qty", r.Qty)
}

// Release forgets every bracket and pending parent for symbol and returns
// the released records so the caller can cancel their legs.
func (t *Tracker) Release(symbol string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var released []Record
	kept := t.records[:0]
	for _, r := range t.records {
		if r.Symbol == symbol {
			released = append(released, *r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(t.records); i++ {
		t.records[i] = nil
	}
	t.records = kept
	for id, p := range t.pending {
		if p.symbol == symbol {
			delete(t.pending, id)
		}
	}
	t.releasedAt[symbol] = t.nextSeqLocked()
	return released
}

// ReleaseAll forgets every bracket and pending parent.
func (t *Tracker) ReleaseAll() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	released := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		released = append(released, *r)
	}
	t.records = nil
	t.pending = make(map[string]pending)
	t.releasedAll = t.nextSeqLocked()
	clear(t.releasedAt)
	return released
}

// Records returns a snapshot of armed brackets.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	return out
}

// PendingCount returns the number of parents awaiting a fill.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// HandleUpdate applies one order-update event. Unknown orders are ignored
// and repeated events are no-ops.
func (t *Tracker) HandleUpdate(ctx context.Context, u domain.OrderUpdate) {
	if t.handleParent(u) {
		return
	}

	t.mu.Lock()
	idx, isTP := -1, false
	for i, r := range t.records {
		if u.OrderID == "" {
			break
		}
		if r.TakeProfitOrderID == u.OrderID {
			idx, isTP = i, true
			break
		}
		if r.StopLossOrderID == u.OrderID {
			idx = i
			break
		}
	}
	if idx < 0 || !u.Kind.Terminal() {
		t.mu.Unlock()
		return
	}
	r := *t.records[idx]
	t.records = append(t.records[:idx], t.records[idx+1:]...)
	t.mu.Unlock()

	leg := "stop_loss"
	sibling := r.TakeProfitOrderID
	if isTP {
		leg, sibling = "take_profit", r.StopLossOrderID
	}
	log := t.log.With("symbol", r.Symbol, "parent", r.ParentOrderID, "leg", leg, "order_id", u.OrderID)

	if u.Kind != domain.OrderEventFill {
		// The sibling still protects the position or the position is gone.
		log.Info("bracket leg ended without fill", "event", u.Kind)
		return
	}
	log.Info("bracket leg filled", "fill_price", u.FilledAvgPrice)
	if sibling == "" {
		return
	}
	t.cancelSibling(ctx, log, sibling)
}

// handleParent consumes events for pending parents. It reports whether u
// was addressed to a parent.
func (t *Tracker) handleParent(u domain.OrderUpdate) bool {
	t.mu.Lock()
	p, ok := t.pending[u.OrderID]
	if !ok {
		if u.Kind == domain.OrderEventFill && u.OrderID != "" {
			t.rememberEarlyLocked(u)
		}
		t.mu.Unlock()
		return false
	}
	var seq uint64
	switch {
	case u.Kind == domain.OrderEventFill:
		delete(t.pending, u.OrderID)
		seq = t.nextSeqLocked()
	case u.Kind.Terminal():
		delete(t.pending, u.OrderID)
		if !u.FilledQty.IsPositive() {
			t.mu.Unlock()
			t.log.Info("bracket parent ended without fill", "order_id", u.OrderID, "event", u.Kind)
			return true
		}
		// Partially filled then cancelled: protect what was filled.
		seq = t.nextSeqLocked()
	default:
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()
	t.requestArm(u.OrderID, p, u, seq)
	return true
}

func (t *Tracker) requestArm(parentID string, p pending, u domain.OrderUpdate, seq uint64) {
	if !u.FilledQty.IsPositive() || !u.FilledAvgPrice.IsPositive() {
		t.log.Error("parent fill without quantity or price, bracket skipped", "order_id", parentID)
		return
	}
	tp, sl := p.policy.Prices(p.side, u.FilledAvgPrice)
	req := ArmRequest{
		ParentOrderID:   parentID,
		ParentKey:       p.key,
		Symbol:          p.symbol,
		Side:            p.side.Opposite(),
		Qty:             u.FilledQty,
		TakeProfitPrice: tp,
		StopLossPrice:   sl,
		seq:             seq,
	}
	select {
	case t.arm <- req:
	default:
		t.log.Error("arm queue full, bracket dropped", "order_id", parentID, "symbol", p.symbol)
	}
}

func (t *Tracker) rememberEarlyLocked(u domain.OrderUpdate) {
	now := time.Now()
	for len(t.earlyOrder) > 0 {
		oldest := t.earlyOrder[0]
		e, ok := t.early[oldest]
		if ok && len(t.earlyOrder) < earlyFillCap && now.Sub(e.At) < earlyFillTTL {
			break
		}
		delete(t.early, oldest)
		t.earlyOrder = t.earlyOrder[1:]
	}
	if u.At.IsZero() {
		u.At = now
	}
	if _, dup := t.early[u.OrderID]; !dup {
		t.earlyOrder = append(t.earlyOrder, u.OrderID)
	}
	t.early[u.OrderID] = u
}

func (t *Tracker) cancelSibling(ctx context.Context, log *slog.Logger, orderID string) {
	ctx, cancel := context.WithTimeout(ctx, t.cancelTimeout)
	defer cancel()
	err := t.canceler.CancelOrder(ctx, orderID)
	switch {
	case err == nil:
		log.Info("sibling leg cancelled", "sibling", orderID)
	case broker.IsAlreadyDone(err):
		log.Debug("sibling leg already done", "sibling", orderID)
	default:
		log.Error("cancelling sibling leg failed", "sibling", orderID, "error", err)
	}
}

// Listen consumes stream until ctx is done, reconnecting with capped
// exponential backoff. Armed records survive reconnects.
func (t *Tracker) Listen(ctx context.Context, stream broker.UpdateStream) error {
	backoff := t.reconnect
	for {
		started := time.Now()
		err := stream.StreamOrderUpdates(ctx, func(u domain.OrderUpdate) {
			t.HandleUpdate(ctx, u)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			backoff.Reset()
		}
		wait := backoff.Next()
		if err == nil {
			err = errors.New("stream closed")
		}
		t.log.Warn("order update stream disconnected", "error", err, "retry_in", wait)
		if err := util.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}
