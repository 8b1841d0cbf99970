package broker

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalrelay/internal/domain"
)

// Compile-time interface checks.
var _ Broker = (*SimulatorBroker)(nil)
var _ UpdateStream = (*SimulatorBroker)(nil)
var _ PriceSource = (*SimulatorBroker)(nil)

// Simulator operations that can be made to fail with FailNext.
const (
	OpGetPosition   = "get_position"
	OpGetAccount    = "get_account"
	OpGetSession    = "get_session"
	OpSubmitOrder   = "submit_order"
	OpCancelOrder   = "cancel_order"
	OpListPositions = "list_positions"
	OpListOrders    = "list_orders"
)

type simOrder struct {
	seq int
	ref domain.OrderRef
	req domain.OrderRequest
}

// SimulatorBroker implements Broker for paper trading and tests. It tracks
// positions and orders in memory: market orders fill immediately at the
// last set price, limit and stop orders rest until FillOrder is called.
// Order updates are delivered to StreamOrderUpdates subscribers.
type SimulatorBroker struct {
	mu        sync.Mutex
	positions map[string]domain.PositionState
	orders    map[string]*simOrder
	byKey     map[string]string
	prices    map[string]decimal.Decimal
	account   domain.Account
	session   domain.MarketSession
	failures  map[string]error
	submitted []domain.OrderRequest
	delay     time.Duration
	seq       int

	subMu sync.Mutex
	subs  map[int]chan domain.OrderUpdate
	subID int
}

// NewSimulatorBroker creates a SimulatorBroker with 100,000 of buying power,
// a regular session and no positions.
func NewSimulatorBroker() *SimulatorBroker {
	bp := decimal.NewFromInt(100_000)
	return &SimulatorBroker{
		positions: make(map[string]domain.PositionState),
		orders:    make(map[string]*simOrder),
		byKey:     make(map[string]string),
		prices:    make(map[string]decimal.Decimal),
		account:   domain.Account{BuyingPower: bp, Equity: bp, Cash: bp},
		session:   domain.SessionRegular,
		failures:  make(map[string]error),
		subs:      make(map[int]chan domain.OrderUpdate),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// ---------------------------------------------------------------------------
// Test and paper-mode controls
// ---------------------------------------------------------------------------

// SetBuyingPower sets the account's buying power.
func (b *SimulatorBroker) SetBuyingPower(bp decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account.BuyingPower = bp
}

// SetSession sets the reported market session.
func (b *SimulatorBroker) SetSession(s domain.MarketSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = s
}

// SetPrice sets the fill and reference price for symbol.
func (b *SimulatorBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetPosition replaces the position for symbol. A zero qty removes it.
func (b *SimulatorBroker) SetPosition(symbol string, qty, avgPrice decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if qty.IsZero() {
		delete(b.positions, symbol)
		return
	}
	b.positions[symbol] = domain.PositionState{Symbol: symbol, Qty: qty, AvgEntryPrice: avgPrice}
}

// FailNext makes the next call of op return err.
func (b *SimulatorBroker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

// SetLatency delays every call by d, honouring context cancellation.
func (b *SimulatorBroker) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// Submitted returns a copy of every accepted order request.
func (b *SimulatorBroker) Submitted() []domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OrderRequest, len(b.submitted))
	copy(out, b.submitted)
	return out
}

// Order returns the order with id.
func (b *SimulatorBroker) Order(id string) (domain.OrderRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return domain.OrderRef{}, false
	}
	return o.ref, true
}

// Subscribers returns the number of active StreamOrderUpdates calls.
func (b *SimulatorBroker) Subscribers() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

// FillOrder fills a resting order at price and emits a fill update.
func (b *SimulatorBroker) FillOrder(id string, price decimal.Decimal) error {
	b.mu.Lock()
	o, ok := b.orders[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("simulator fill %s: %w", id, ErrOrderNotFound)
	}
	if isTerminalStatus(o.ref.Status) {
		b.mu.Unlock()
		return fmt.Errorf("simulator fill %s: %w", id, ErrOrderAlreadyDone)
	}
	u := b.fillLocked(o, price)
	b.mu.Unlock()
	b.emit(u)
	return nil
}

// ExpireOrder marks a resting order expired or rejected and emits the
// matching update.
func (b *SimulatorBroker) ExpireOrder(id string, kind domain.OrderEventKind) error {
	b.mu.Lock()
	o, ok := b.orders[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("simulator expire %s: %w", id, ErrOrderNotFound)
	}
	o.ref.Status = string(kind)
	u := domain.OrderUpdate{OrderID: id, ClientOrderID: o.ref.ClientOrderID, Symbol: o.ref.Symbol, Kind: kind, At: time.Now().UTC()}
	b.mu.Unlock()
	b.emit(u)
	return nil
}

// ---------------------------------------------------------------------------
// Broker implementation
// ---------------------------------------------------------------------------

// GetPosition returns the simulated position for symbol.
func (b *SimulatorBroker) GetPosition(ctx context.Context, symbol string) (*domain.PositionState, error) {
	if err := b.enter(ctx, OpGetPosition); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok || p.IsFlat() {
		return nil, fmt.Errorf("simulator position %s: %w", symbol, ErrPositionNotFound)
	}
	return &p, nil
}

// GetAccount returns the simulated account.
func (b *SimulatorBroker) GetAccount(ctx context.Context) (*domain.Account, error) {
	if err := b.enter(ctx, OpGetAccount); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.account
	return &acct, nil
}

// GetMarketSession returns the configured session.
func (b *SimulatorBroker) GetMarketSession(ctx context.Context) (domain.MarketSession, error) {
	if err := b.enter(ctx, OpGetSession); err != nil {
		return domain.SessionClosed, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session, nil
}

// SubmitOrder records the order. A repeated idempotency key returns the
// original order without executing again.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest, idempotencyKey string) (*domain.OrderRef, error) {
	if err := b.enter(ctx, OpSubmitOrder); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if id, ok := b.byKey[idempotencyKey]; ok && idempotencyKey != "" {
		ref := b.orders[id].ref
		b.mu.Unlock()
		return &ref, nil
	}

	price, hasPrice := b.prices[req.Symbol]
	if req.Type == domain.OrderTypeMarket && !hasPrice {
		b.mu.Unlock()
		return nil, Rejected(http.StatusUnprocessableEntity, "no price for "+req.Symbol, nil)
	}
	if req.IsNotional() {
		if !hasPrice || !price.IsPositive() {
			b.mu.Unlock()
			return nil, Rejected(http.StatusUnprocessableEntity, "notional order needs a price", nil)
		}
		req.Qty = req.Notional.Div(price)
	}

	b.seq++
	id := fmt.Sprintf("sim-%d", b.seq)
	o := &simOrder{
		seq: b.seq,
		req: req,
		ref: domain.OrderRef{
			ID:            id,
			ClientOrderID: idempotencyKey,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Qty:           req.Qty,
			Status:        "new",
			SubmittedAt:   time.Now().UTC(),
		},
	}
	b.orders[id] = o
	if idempotencyKey != "" {
		b.byKey[idempotencyKey] = id
	}
	b.submitted = append(b.submitted, req)

	var update *domain.OrderUpdate
	if req.Type == domain.OrderTypeMarket {
		u := b.fillLocked(o, price)
		update = &u
	}
	ref := o.ref
	b.mu.Unlock()

	if update != nil {
		b.emit(*update)
	}
	return &ref, nil
}

// CancelOrder cancels a resting order and emits a cancel update.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.enter(ctx, OpCancelOrder); err != nil {
		return err
	}
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("simulator cancel %s: %w", orderID, ErrOrderNotFound)
	}
	if isTerminalStatus(o.ref.Status) {
		b.mu.Unlock()
		return fmt.Errorf("simulator cancel %s: %w", orderID, ErrOrderAlreadyDone)
	}
	o.ref.Status = "canceled"
	u := domain.OrderUpdate{OrderID: orderID, ClientOrderID: o.ref.ClientOrderID, Symbol: o.ref.Symbol, Kind: domain.OrderEventCancel, At: time.Now().UTC()}
	b.mu.Unlock()
	b.emit(u)
	return nil
}

// ListPositions returns all simulated positions sorted by symbol.
func (b *SimulatorBroker) ListPositions(ctx context.Context) ([]domain.PositionState, error) {
	if err := b.enter(ctx, OpListPositions); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]domain.PositionState, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// ListOpenOrders returns resting orders in submission order.
func (b *SimulatorBroker) ListOpenOrders(ctx context.Context) ([]domain.OrderRef, error) {
	if err := b.enter(ctx, OpListOrders); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var open []*simOrder
	for _, o := range b.orders {
		if !isTerminalStatus(o.ref.Status) {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].seq < open[j].seq })
	out := make([]domain.OrderRef, 0, len(open))
	for _, o := range open {
		out = append(out, o.ref)
	}
	return out, nil
}

// LatestPrice returns the last set price for symbol.
func (b *SimulatorBroker) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("simulator: no price for %s", symbol)
	}
	return p, nil
}

// StreamOrderUpdates delivers order updates to handler until ctx is done.
func (b *SimulatorBroker) StreamOrderUpdates(ctx context.Context, handler func(domain.OrderUpdate)) error {
	ch := make(chan domain.OrderUpdate, 1024)
	b.subMu.Lock()
	b.subID++
	id := b.subID
	b.subs[id] = ch
	b.subMu.Unlock()

	defer func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-ch:
			handler(u)
		}
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// enter applies latency and injected failures for op.
func (b *SimulatorBroker) enter(ctx context.Context, op string) error {
	b.mu.Lock()
	delay := b.delay
	err := b.failures[op]
	delete(b.failures, op)
	b.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// fillLocked fills o at price and updates the position. b.mu must be held.
func (b *SimulatorBroker) fillLocked(o *simOrder, price decimal.Decimal) domain.OrderUpdate {
	o.ref.Status = "filled"
	qty := o.req.Qty
	signed := qty
	if o.req.Side == domain.SideSell {
		signed = qty.Neg()
	}

	pos := b.positions[o.req.Symbol]
	pos.Symbol = o.req.Symbol
	newQty := pos.Qty.Add(signed)
	switch {
	case newQty.IsZero():
		delete(b.positions, o.req.Symbol)
	case pos.Qty.IsZero() || pos.Qty.Sign() != newQty.Sign():
		pos.Qty = newQty
		pos.AvgEntryPrice = price
		b.positions[o.req.Symbol] = pos
	case pos.Qty.Sign() == signed.Sign():
		cost := pos.AvgEntryPrice.Mul(pos.Qty.Abs()).Add(price.Mul(qty))
		pos.Qty = newQty
		pos.AvgEntryPrice = cost.Div(newQty.Abs())
		b.positions[o.req.Symbol] = pos
	default:
		pos.Qty = newQty
		b.positions[o.req.Symbol] = pos
	}

	return domain.OrderUpdate{
		OrderID:        o.ref.ID,
		ClientOrderID:  o.ref.ClientOrderID,
		Symbol:         o.req.Symbol,
		Kind:           domain.OrderEventFill,
		FilledQty:      qty,
		FilledAvgPrice: price,
		At:             time.Now().UTC(),
	}
}

func (b *SimulatorBroker) emit(u domain.OrderUpdate) {
	b.subMu.Lock()
	chans := make([]chan domain.OrderUpdate, 0, len(b.subs))
	for _, ch := range b.subs {
		chans = append(chans, ch)
	}
	b.subMu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- u:
		default:
		}
	}
}

func isTerminalStatus(status string) bool {
	switch status {
	case "filled", "canceled", string(domain.OrderEventExpire), string(domain.OrderEventReject):
		return true
	}
	return false
}
