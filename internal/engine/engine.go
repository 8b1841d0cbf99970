// Package engine turns alerts into order intents and executes them. Work
// for one symbol is serialized; different symbols proceed concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalrelay/internal/bracket"
	"signalrelay/internal/broker"
	"signalrelay/internal/domain"
	"signalrelay/internal/metrics"
	"signalrelay/internal/store"
)

// DailyCap limits entries to one per symbol per trading date.
// *dailycap.Tracker satisfies it.
type DailyCap interface {
	HasTradedToday(ctx context.Context, symbol string) (bool, error)
	MarkTraded(ctx context.Context, symbol string) (bool, error)
}

// Options carries the engine's collaborators. Broker is required; the
// rest are optional.
type Options struct {
	Broker   broker.Broker
	Prices   broker.PriceSource
	DailyCap DailyCap
	Tracker  *bracket.Tracker
	Journal  store.JournalStore
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Timeout bounds each broker call. Defaults to 10s.
	Timeout time.Duration

	// DryRun resolves alerts and reports the order without submitting it.
	DryRun bool
}

// Engine handles alerts end to end.
type Engine struct {
	cfg      Config
	resolver *Resolver
	broker   broker.Broker
	prices   broker.PriceSource
	dailyCap DailyCap
	tracker  *bracket.Tracker
	journal  store.JournalStore
	metrics  *metrics.Metrics
	exec     *Executor
	locks    *symbolLocks
	timeout  time.Duration
	dryRun   bool
	log      *slog.Logger
	now      func() time.Time

	flattenMu sync.Mutex
}

// New creates an Engine from an immutable Config.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Broker == nil {
		return nil, errors.New("engine: broker is required")
	}
	if cfg.Bracket && opts.Tracker == nil {
		return nil, errors.New("engine: bracket orders need a bracket tracker")
	}
	r, err := NewResolver(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	tracker := opts.Tracker
	if !cfg.Bracket {
		tracker = nil
	}

	return &Engine{
		cfg:      r.Config(),
		resolver: r,
		broker:   opts.Broker,
		prices:   opts.Prices,
		dailyCap: opts.DailyCap,
		tracker:  tracker,
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		exec:     NewExecutor(opts.Broker, tracker, opts.Metrics, opts.Timeout, log),
		locks:    newSymbolLocks(),
		timeout:  opts.Timeout,
		dryRun:   opts.DryRun,
		log:      log.With("component", "engine"),
		now:      time.Now,
	}, nil
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.resolver.now = now
}

// Config returns the engine's decision policy.
func (e *Engine) Config() Config { return e.cfg }

// DryRun reports whether orders are only reported, never submitted.
func (e *Engine) DryRun() bool { return e.dryRun }

// BrokerName returns the configured broker's identifier.
func (e *Engine) BrokerName() string { return e.broker.Name() }

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

// OutcomeStatus summarizes how an alert was handled.
type OutcomeStatus string

const (
	StatusExecuted   OutcomeStatus = "executed"
	StatusSuppressed OutcomeStatus = "suppressed"
	StatusFailed     OutcomeStatus = "failed"
	StatusDryRun     OutcomeStatus = "dry_run"
)

// OrderView describes an order that was, or in dry-run would be, sent.
type OrderView struct {
	Side          domain.Side        `json:"side"`
	Qty           string             `json:"qty,omitempty"`
	Notional      string             `json:"notional,omitempty"`
	Type          domain.OrderType   `json:"type"`
	TimeInForce   domain.TimeInForce `json:"time_in_force"`
	LimitPrice    string             `json:"limit_price,omitempty"`
	StopPrice     string             `json:"stop_price,omitempty"`
	ExtendedHours bool               `json:"extended_hours,omitempty"`
}

func newOrderView(req domain.OrderRequest) *OrderView {
	v := &OrderView{
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		ExtendedHours: req.ExtendedHours,
	}
	if req.IsNotional() {
		v.Notional = req.Notional.String()
	} else {
		v.Qty = req.Qty.String()
	}
	if req.Type == domain.OrderTypeLimit {
		v.LimitPrice = req.LimitPrice.String()
	}
	if req.Type == domain.OrderTypeStop {
		v.StopPrice = req.StopPrice.String()
	}
	return v
}

// Outcome is the result of handling one alert or manual operation.
type Outcome struct {
	Status         OutcomeStatus    `json:"status"`
	Symbol         string           `json:"symbol,omitempty"`
	Action         string           `json:"action,omitempty"`
	Intent         IntentKind       `json:"intent,omitempty"`
	Reason         SuppressReason   `json:"reason,omitempty"`
	Message        string           `json:"message"`
	OrderID        string           `json:"order_id,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	ErrorKind      domain.ErrorKind `json:"error_kind,omitempty"`
	StatusCode     int              `json:"-"`
	Order          *OrderView       `json:"order,omitempty"`
	Flatten        *FlattenReport   `json:"flatten,omitempty"`
}

// HTTPStatus maps the outcome to a response code. Policy suppressions
// succeed; broker rejections keep the broker's status.
func (o Outcome) HTTPStatus() int {
	switch o.Status {
	case StatusExecuted, StatusDryRun:
		return http.StatusOK
	case StatusSuppressed:
		if o.Reason.Benign() {
			return http.StatusOK
		}
		return http.StatusBadRequest
	}
	switch o.ErrorKind {
	case domain.ErrorInvalidPayload, domain.ErrorSizeCalculation:
		return http.StatusBadRequest
	case domain.ErrorNetwork:
		return http.StatusBadGateway
	case domain.ErrorTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrorRejectedByBroker:
		if o.StatusCode >= 400 && o.StatusCode < 600 {
			return o.StatusCode
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// OK reports whether the outcome is a success from the caller's view.
func (o Outcome) OK() bool {
	return o.HTTPStatus() == http.StatusOK
}

func failedOutcome(symbol, action string, err error) Outcome {
	ce := broker.Classify(err)
	return Outcome{
		Status:     StatusFailed,
		Symbol:     symbol,
		Action:     action,
		Message:    ce.Message,
		ErrorKind:  ce.Kind,
		StatusCode: ce.StatusCode,
	}
}

// ---------------------------------------------------------------------------
// Signal handling
// ---------------------------------------------------------------------------

// HandleSignal resolves and executes one alert. Alerts for the same symbol
// run one at a time: reading the position, submitting and recording the
// daily cap happen inside the symbol's lock.
func (e *Engine) HandleSignal(ctx context.Context, sig domain.Signal) Outcome {
	start := time.Now()
	defer e.metrics.ObserveHandle(start)

	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	action := strings.ToLower(strings.TrimSpace(string(sig.Action)))
	e.metrics.Signal(action)
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = e.now().UTC()
	}
	log := e.log.With("symbol", sig.Symbol, "action", action)

	unlock := func() {}
	if sig.Symbol != "" {
		var err error
		unlock, err = e.locks.Lock(ctx, sig.Symbol)
		if err != nil {
			out := failedOutcome(sig.Symbol, action, fmt.Errorf("waiting for %s lock: %w", sig.Symbol, err))
			log.Error("signal abandoned", "error", err)
			return out
		}
	}
	defer unlock()

	out := e.handleLocked(ctx, sig, action, unlock, log)
	e.record(ctx, sig.ReceivedAt, out)
	return out
}

// handleLocked runs with sig.Symbol locked. unlock is called early when the
// alert turns into a flatten, which locks every symbol itself.
func (e *Engine) handleLocked(ctx context.Context, sig domain.Signal, action string, unlock func(), log *slog.Logger) Outcome {
	st := &signalState{e: e, sig: sig}
	intent, err := e.resolver.Resolve(ctx, sig, st)
	if err != nil {
		log.Error("reading broker state failed", "error", err)
		out := failedOutcome(sig.Symbol, action, err)
		e.metrics.OrderError(string(out.ErrorKind))
		return out
	}

	out := Outcome{Symbol: sig.Symbol, Action: action, Intent: intent.Kind}
	switch intent.Kind {
	case IntentSuppress:
		e.metrics.Suppressed(string(intent.Reason))
		log.Info("signal suppressed", "reason", intent.Reason, "message", intent.Message)
		out.Status = StatusSuppressed
		out.Reason = intent.Reason
		out.Message = intent.Message
		out.ErrorKind = intent.Reason.ErrorKind()
		return out

	case IntentFlattenAll:
		log.Warn("signal inside flatten window, flattening", "message", intent.Message)
		if e.dryRun {
			out.Status = StatusDryRun
			out.Message = "dry run: would flatten all positions (" + intent.Message + ")"
			return out
		}
		unlock()
		rep, _ := e.flatten(ctx, "signal")
		out.Flatten = &rep
		out.Message = intent.Message + "; " + rep.String()
		out.Status = StatusExecuted
		if rep.Failed > 0 {
			out.Status = StatusFailed
			out.ErrorKind = domain.ErrorRejectedByBroker
		}
		return out
	}

	if intent.Kind == IntentEntry || intent.Kind == IntentExit {
		out.Order = newOrderView(intent.Order)
	}
	if e.dryRun {
		out.Status = StatusDryRun
		out.Message = "dry run: would place " + intent.String()
		log.Info("dry run", "intent", intent.String())
		return out
	}

	tag := sig.OrderTag
	if tag == "" {
		tag = sig.Symbol + "-" + string(intent.Kind)
	}
	key := NewIdempotencyKey(tag)
	out.IdempotencyKey = key

	res := e.exec.Execute(ctx, intent, key)
	out.OrderID = res.BrokerOrderID
	out.Message = res.Message
	if !res.OK {
		out.Status = StatusFailed
		out.ErrorKind = res.ErrorKind
		out.StatusCode = res.StatusCode
		return out
	}
	out.Status = StatusExecuted

	if intent.Kind == IntentEntry && e.dailyCap != nil {
		if _, err := e.dailyCap.MarkTraded(ctx, sig.Symbol); err != nil {
			// The order is live; a later duplicate is still stopped by the
			// position check.
			log.Error("recording daily cap failed", "error", err)
		}
	}
	return out
}

// signalState reads broker state for one alert, memoizing each value.
type signalState struct {
	e   *Engine
	sig domain.Signal

	pos     *domain.PositionState
	acct    *domain.Account
	session domain.MarketSession
	price   decimal.Decimal
}

// Compile-time interface check.
var _ State = (*signalState)(nil)

func (s *signalState) Position(ctx context.Context, symbol string) (domain.PositionState, error) {
	if s.pos != nil {
		return *s.pos, nil
	}
	pos, err := s.e.position(ctx, symbol)
	if err != nil {
		return domain.PositionState{}, err
	}
	s.pos = &pos
	return pos, nil
}

func (s *signalState) Account(ctx context.Context) (domain.Account, error) {
	if s.acct != nil {
		return *s.acct, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.e.timeout)
	defer cancel()
	defer s.e.metrics.ObserveBroker("get_account", time.Now())
	acct, err := s.e.broker.GetAccount(ctx)
	if err != nil {
		return domain.Account{}, fmt.Errorf("reading account: %w", err)
	}
	s.acct = acct
	return *acct, nil
}

func (s *signalState) Session(ctx context.Context) (domain.MarketSession, error) {
	if s.session != "" {
		return s.session, nil
	}
	session, err := s.e.Session(ctx)
	if err != nil {
		return "", err
	}
	s.session = session
	return session, nil
}

func (s *signalState) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.sig.ReferencePrice != nil {
		return *s.sig.ReferencePrice, nil
	}
	if s.price.IsPositive() {
		return s.price, nil
	}
	if s.e.prices == nil {
		return decimal.Zero, ErrNoPrice
	}
	ctx, cancel := context.WithTimeout(ctx, s.e.timeout)
	defer cancel()
	defer s.e.metrics.ObserveBroker("latest_price", time.Now())
	p, err := s.e.prices.LatestPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching latest price for %s: %w", symbol, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("latest price for %s is %s: %w", symbol, p, ErrNoPrice)
	}
	s.price = p
	return p, nil
}

func (s *signalState) TradedToday(ctx context.Context, symbol string) (bool, error) {
	if s.e.dailyCap == nil {
		return false, nil
	}
	traded, err := s.e.dailyCap.HasTradedToday(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("reading daily cap: %w", err)
	}
	return traded, nil
}

// position returns the broker position for symbol, flat when none is held.
func (e *Engine) position(ctx context.Context, symbol string) (domain.PositionState, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	defer e.metrics.ObserveBroker("get_position", time.Now())
	pos, err := e.broker.GetPosition(ctx, symbol)
	if errors.Is(err, broker.ErrPositionNotFound) {
		return domain.PositionState{Symbol: symbol}, nil
	}
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("reading %s position: %w", symbol, err)
	}
	return *pos, nil
}

// ---------------------------------------------------------------------------
// Broker views
// ---------------------------------------------------------------------------

// Session classifies the broker's clock.
func (e *Engine) Session(ctx context.Context) (domain.MarketSession, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	defer e.metrics.ObserveBroker("get_market_session", time.Now())
	session, err := e.broker.GetMarketSession(ctx)
	if err != nil {
		return "", fmt.Errorf("reading market session: %w", err)
	}
	return session, nil
}

// Positions lists the broker's open positions.
func (e *Engine) Positions(ctx context.Context) ([]domain.PositionState, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	defer e.metrics.ObserveBroker("list_positions", time.Now())
	return e.broker.ListPositions(ctx)
}

// OpenOrders lists orders that can still fill.
func (e *Engine) OpenOrders(ctx context.Context) ([]domain.OrderRef, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	defer e.metrics.ObserveBroker("list_open_orders", time.Now())
	return e.broker.ListOpenOrders(ctx)
}

// Brackets returns the armed brackets, nil when brackets are disabled.
func (e *Engine) Brackets() []bracket.Record {
	if e.tracker == nil {
		return nil
	}
	return e.tracker.Records()
}

// TradingWindow reports whether now is inside the trading window and the
// flatten window. Both are true and false respectively when hours are not
// enforced.
func (e *Engine) TradingWindow() (inWindow, inFlatten bool) {
	if !e.cfg.EnforceHours {
		return true, false
	}
	now := e.now()
	return e.cfg.Calendar.InTradingWindow(now), e.cfg.Calendar.InFlattenWindow(now)
}

// ---------------------------------------------------------------------------
// Manual and background operations
// ---------------------------------------------------------------------------

// Flatten cancels every open order and closes every position. Concurrent
// calls do not stack: a call made while one is running is skipped. No
// alert for any symbol runs while the flatten does.
func (e *Engine) Flatten(ctx context.Context, trigger string) FlattenReport {
	rep, ran := e.flatten(ctx, trigger)
	if !ran {
		return rep
	}
	out := Outcome{Status: StatusExecuted, Intent: IntentFlattenAll, Action: trigger, Message: rep.String(), Flatten: &rep}
	if rep.Failed > 0 {
		out.Status = StatusFailed
	}
	e.record(ctx, e.now().UTC(), out)
	return rep
}

// flatten does the work of Flatten without journaling. ran is false when
// the call was skipped or only simulated.
func (e *Engine) flatten(ctx context.Context, trigger string) (rep FlattenReport, ran bool) {
	if !e.flattenMu.TryLock() {
		e.log.Warn("flatten already running", "trigger", trigger)
		return FlattenReport{Skipped: true}, false
	}
	defer e.flattenMu.Unlock()

	e.metrics.Flatten(trigger)
	if e.dryRun {
		e.log.Info("dry run: flatten skipped", "trigger", trigger)
		return FlattenReport{}, false
	}

	unlock, err := e.locks.LockAll(ctx)
	if err != nil {
		e.log.Error("flatten abandoned waiting for symbol locks", "trigger", trigger, "error", err)
		return FlattenReport{Failed: 1, Errors: []string{fmt.Sprintf("waiting for symbol locks: %v", err)}}, true
	}
	defer unlock()

	rep = e.exec.Flatten(ctx)
	e.log.Info("flatten finished", "trigger", trigger, "attempted", rep.Attempted,
		"succeeded", rep.Succeeded, "failed", rep.Failed, "cancelled_orders", rep.CancelledOrders)
	return rep, true
}

// ForceClose cancels symbol's open orders and closes its position with a
// market order regardless of the kill switch and trading hours.
func (e *Engine) ForceClose(ctx context.Context, symbol string) Outcome {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Outcome{
			Status:    StatusSuppressed,
			Reason:    ReasonInvalidPayload,
			ErrorKind: domain.ErrorInvalidPayload,
			Message:   "missing symbol",
		}
	}
	unlock, err := e.locks.Lock(ctx, symbol)
	if err != nil {
		return failedOutcome(symbol, "force_close", err)
	}
	defer unlock()

	out := e.forceCloseLocked(ctx, symbol)
	e.record(ctx, e.now().UTC(), out)
	return out
}

func (e *Engine) forceCloseLocked(ctx context.Context, symbol string) Outcome {
	const action = "force_close"
	pos, err := e.position(ctx, symbol)
	if err != nil {
		return failedOutcome(symbol, action, err)
	}

	req := domain.OrderRequest{
		Symbol:      symbol,
		Side:        pos.CloseSide(),
		Qty:         pos.Qty.Abs(),
		Type:        domain.OrderTypeMarket,
		TimeInForce: domain.TimeInForceDay,
	}
	if e.dryRun {
		out := Outcome{Status: StatusDryRun, Symbol: symbol, Action: action, Intent: IntentExit}
		if pos.IsFlat() {
			out.Message = "dry run: would cancel open orders for " + symbol
			return out
		}
		out.Order = newOrderView(req)
		out.Message = "dry run: would place " + Exit(req).String()
		return out
	}

	cancelled := e.exec.Execute(ctx, CancelOrders(symbol), "")
	if !cancelled.OK {
		e.log.Error("force close: cancelling orders failed", "symbol", symbol, "message", cancelled.Message)
	}
	if pos.IsFlat() {
		return Outcome{
			Status:  StatusSuppressed,
			Symbol:  symbol,
			Action:  action,
			Intent:  IntentSuppress,
			Reason:  ReasonNoPositionToExit,
			Message: fmt.Sprintf("no open %s position; %s", symbol, cancelled.Message),
		}
	}

	key := NewIdempotencyKey("close-" + symbol)
	res := e.exec.Execute(ctx, Exit(req), key)
	out := Outcome{
		Symbol:         symbol,
		Action:         action,
		Intent:         IntentExit,
		Message:        res.Message,
		OrderID:        res.BrokerOrderID,
		IdempotencyKey: key,
		Order:          newOrderView(req),
		Status:         StatusExecuted,
	}
	if !res.OK {
		out.Status = StatusFailed
		out.ErrorKind = res.ErrorKind
		out.StatusCode = res.StatusCode
	}
	return out
}

// RunBrackets places take-profit/stop-loss legs for filled parents until
// ctx is done. It is a no-op when brackets are disabled.
func (e *Engine) RunBrackets(ctx context.Context) error {
	if e.tracker == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	reqs := e.tracker.ArmRequests()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-reqs:
			e.placeBracket(ctx, req)
		}
	}
}

func (e *Engine) placeBracket(ctx context.Context, req bracket.ArmRequest) {
	unlock, err := e.locks.Lock(ctx, req.Symbol)
	if err != nil {
		return
	}
	defer unlock()

	log := e.log.With("symbol", req.Symbol, "parent", req.ParentOrderID)
	if e.tracker.Released(req) {
		log.Info("bracket dropped: position released before the legs were placed")
		return
	}
	pos, err := e.position(ctx, req.Symbol)
	switch {
	case err != nil:
		log.Warn("placing bracket without a position check", "error", err)
	case pos.IsFlat() || pos.CloseSide() != req.Side:
		log.Info("bracket dropped: no position for the legs to close", "position_qty", pos.Qty)
		return
	case pos.Qty.Abs().LessThan(req.Qty):
		log.Info("bracket reduced to the open position", "filled_qty", req.Qty, "position_qty", pos.Qty)
		req.Qty = pos.Qty.Abs()
	}

	res := e.exec.Execute(ctx, BracketExit(req), req.ParentKey)
	out := Outcome{
		Status:  StatusExecuted,
		Symbol:  req.Symbol,
		Action:  "bracket",
		Intent:  IntentBracketExit,
		Message: res.Message,
		OrderID: res.BrokerOrderID,
	}
	if !res.OK {
		out.Status = StatusFailed
		out.ErrorKind = res.ErrorKind
		out.StatusCode = res.StatusCode
		log.Error("bracket placement failed", "message", res.Message)
	}
	e.record(ctx, e.now().UTC(), out)
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

// record appends out to the journal. Journal failures are logged only.
func (e *Engine) record(ctx context.Context, at time.Time, out Outcome) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	entry := store.JournalEntry{
		At:             at,
		Symbol:         out.Symbol,
		Action:         out.Action,
		Intent:         string(out.Intent),
		Status:         string(out.Status),
		Reason:         string(out.Reason),
		BrokerOrderID:  out.OrderID,
		IdempotencyKey: out.IdempotencyKey,
		ErrorKind:      string(out.ErrorKind),
		Message:        out.Message,
	}
	if o := out.Order; o != nil {
		entry.Side = string(o.Side)
		entry.Qty = o.Qty
		entry.Notional = o.Notional
		entry.OrderType = string(o.Type)
		entry.LimitPrice = o.LimitPrice
	}
	if err := e.journal.Append(ctx, entry); err != nil {
		e.log.Error("journal append failed", "symbol", out.Symbol, "error", err)
	}
}
