package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"signalrelay/internal/bracket"
	"signalrelay/internal/broker"
	"signalrelay/internal/domain"
	"signalrelay/internal/metrics"
)

var keyUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// NewIdempotencyKey derives a client order id from an alert's order tag
// plus a random suffix, e.g. "long-entry-1-3f9c2a7b41d0".
func NewIdempotencyKey(tag string) string {
	tag = strings.Trim(keyUnsafe.ReplaceAllString(tag, "-"), "-")
	if len(tag) > 20 {
		tag = tag[:20]
	}
	if tag == "" {
		tag = "sig"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return tag + "-" + suffix
}

// FlattenReport summarizes a flatten-all run.
type FlattenReport struct {
	Attempted       int      `json:"attempted"`
	Succeeded       int      `json:"succeeded"`
	Failed          int      `json:"failed"`
	CancelledOrders int      `json:"cancelled_orders"`
	Skipped         bool     `json:"skipped,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

func (r FlattenReport) String() string {
	if r.Skipped {
		return "flatten already in progress"
	}
	return fmt.Sprintf("flatten: %d attempted, %d succeeded, %d failed, %d orders cancelled",
		r.Attempted, r.Succeeded, r.Failed, r.CancelledOrders)
}

// Executor carries out intents against a broker. It never retries a
// submission; at-most-once is preferred over a duplicate order.
type Executor struct {
	broker  broker.Broker
	tracker *bracket.Tracker
	metrics *metrics.Metrics
	timeout time.Duration
	log     *slog.Logger
}

// NewExecutor creates an Executor. tracker may be nil when brackets are
// disabled. Each broker call is bounded by timeout.
func NewExecutor(b broker.Broker, tracker *bracket.Tracker, m *metrics.Metrics, timeout time.Duration, log *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		broker:  b,
		tracker: tracker,
		metrics: m,
		timeout: timeout,
		log:     log.With("component", "executor"),
	}
}

// Execute performs intent. key is the idempotency key for the order it
// places; bracket legs derive their keys from the parent's.
func (x *Executor) Execute(ctx context.Context, intent OrderIntent, key string) domain.ExecutionResult {
	switch intent.Kind {
	case IntentEntry:
		return x.submit(ctx, intent, key)

	case IntentExit:
		x.releaseBrackets(ctx, intent.Symbol)
		return x.submit(ctx, intent, key)

	case IntentBracketExit:
		_, res := x.PlaceBracket(ctx, *intent.Bracket)
		return res

	case IntentCancelOrders:
		x.releaseBrackets(ctx, intent.Symbol)
		n, err := x.CancelOpenOrders(ctx, intent.Symbol)
		if err != nil {
			res := x.failure("cancel orders", err)
			res.Message = fmt.Sprintf("cancelled %d orders for %s; %s", n, intent.Symbol, res.Message)
			return res
		}
		return domain.ExecutionResult{
			OK:         true,
			StatusCode: http.StatusOK,
			Message:    fmt.Sprintf("cancelled %d open orders for %s", n, intent.Symbol),
		}

	case IntentFlattenAll:
		rep := x.Flatten(ctx)
		res := domain.ExecutionResult{OK: rep.Failed == 0, StatusCode: http.StatusOK, Message: rep.String(), Raw: rep}
		if !res.OK {
			res.ErrorKind = domain.ErrorRejectedByBroker
			res.StatusCode = http.StatusBadGateway
		}
		return res

	case IntentSuppress:
		return domain.ExecutionResult{
			OK:        intent.Reason.Benign(),
			ErrorKind: intent.Reason.ErrorKind(),
			Message:   intent.Message,
		}
	}
	return domain.ExecutionResult{
		ErrorKind:  domain.ErrorInvalidPayload,
		StatusCode: http.StatusBadRequest,
		Message:    fmt.Sprintf("unknown intent %q", intent.Kind),
	}
}

func (x *Executor) submit(ctx context.Context, intent OrderIntent, key string) domain.ExecutionResult {
	req := intent.Order
	ref, err := x.submitOrder(ctx, req, key)
	if err != nil {
		x.log.Error("order submission failed", "symbol", req.Symbol, "intent", intent.Kind,
			"side", req.Side, "key", key, "error", err)
		return x.failure("submit order", err)
	}

	if intent.Kind == IntentEntry && intent.WithBracket && x.tracker != nil {
		x.tracker.ExpectFillWith(ref.ID, key, req.Symbol, req.Side, intent.Legs)
	}
	x.metrics.Order(string(intent.Kind), string(req.Side), string(req.Type))
	x.log.Info("order submitted", "symbol", req.Symbol, "intent", intent.Kind, "side", req.Side,
		"qty", req.Qty, "notional", req.Notional, "type", req.Type, "order_id", ref.ID, "key", key)

	return domain.ExecutionResult{
		OK:            true,
		BrokerOrderID: ref.ID,
		StatusCode:    http.StatusOK,
		Message:       fmt.Sprintf("%s order accepted: %s", intent.Kind, intent),
		Raw:           ref,
	}
}

func (x *Executor) submitOrder(ctx context.Context, req domain.OrderRequest, key string) (*domain.OrderRef, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	start := time.Now()
	defer x.metrics.ObserveBroker("submit_order", start)
	return x.broker.SubmitOrder(ctx, req, key)
}

func (x *Executor) cancelOrder(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	start := time.Now()
	defer x.metrics.ObserveBroker("cancel_order", start)
	err := x.broker.CancelOrder(ctx, orderID)
	if broker.IsAlreadyDone(err) {
		return nil
	}
	return err
}

// failure converts a broker error into a failed ExecutionResult.
func (x *Executor) failure(op string, err error) domain.ExecutionResult {
	ce := broker.Classify(err)
	x.metrics.OrderError(string(ce.Kind))
	res := domain.ExecutionResult{
		ErrorKind:  ce.Kind,
		StatusCode: ce.StatusCode,
		Message:    fmt.Sprintf("%s: %s", op, ce.Message),
	}
	switch ce.Kind {
	case domain.ErrorTimeout:
		res.StatusCode = http.StatusGatewayTimeout
	case domain.ErrorNetwork:
		res.StatusCode = http.StatusBadGateway
	case domain.ErrorRejectedByBroker:
		// Preserve the broker's message verbatim.
		res.Message = ce.Message
	}
	return res
}

// releaseBrackets forgets brackets on symbol and cancels their legs so an
// exit is not doubled by a resting take-profit or stop.
func (x *Executor) releaseBrackets(ctx context.Context, symbol string) {
	if x.tracker == nil {
		return
	}
	for _, r := range x.tracker.Release(symbol) {
		x.cancelLegs(ctx, r)
	}
}

func (x *Executor) cancelLegs(ctx context.Context, r bracket.Record) {
	for _, id := range []string{r.TakeProfitOrderID, r.StopLossOrderID} {
		if id == "" {
			continue
		}
		if err := x.cancelOrder(ctx, id); err != nil {
			x.log.Error("cancelling bracket leg failed", "symbol", r.Symbol, "order_id", id, "error", err)
		}
	}
}

// CancelOpenOrders cancels every open order for symbol, or all open orders
// when symbol is empty. It returns how many were cancelled.
func (x *Executor) CancelOpenOrders(ctx context.Context, symbol string) (int, error) {
	lctx, cancel := context.WithTimeout(ctx, x.timeout)
	orders, err := x.broker.ListOpenOrders(lctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("listing open orders: %w", err)
	}

	var errs []error
	n := 0
	for _, o := range orders {
		if symbol != "" && !strings.EqualFold(o.Symbol, symbol) {
			continue
		}
		if err := x.cancelOrder(ctx, o.ID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Flatten cancels open orders and closes every position with a market
// order, continuing past individual failures. Running it on a flat book
// is a no-op.
func (x *Executor) Flatten(ctx context.Context) FlattenReport {
	var rep FlattenReport

	if x.tracker != nil {
		x.tracker.ReleaseAll()
	}
	n, err := x.CancelOpenOrders(ctx, "")
	rep.CancelledOrders = n
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		x.log.Error("flatten: cancelling open orders", "error", err)
	}

	lctx, cancel := context.WithTimeout(ctx, x.timeout)
	positions, err := x.broker.ListPositions(lctx)
	cancel()
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("listing positions: %v", err))
		rep.Failed++
		x.log.Error("flatten: listing positions", "error", err)
		return rep
	}

	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		rep.Attempted++
		req := domain.OrderRequest{
			Symbol:      p.Symbol,
			Side:        p.CloseSide(),
			Qty:         p.Qty.Abs(),
			Type:        domain.OrderTypeMarket,
			TimeInForce: domain.TimeInForceDay,
		}
		key := NewIdempotencyKey("flatten-" + p.Symbol)
		ref, err := x.submitOrder(ctx, req, key)
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", p.Symbol, err))
			x.log.Error("flatten: close failed", "symbol", p.Symbol, "qty", p.Qty, "error", err)
			continue
		}
		rep.Succeeded++
		x.metrics.Order("flatten", string(req.Side), string(req.Type))
		x.log.Info("flatten: position closed", "symbol", p.Symbol, "qty", p.Qty, "order_id", ref.ID)
	}
	return rep
}

// PlaceBracket submits the take-profit limit and stop-loss stop for a
// filled parent as two independent orders and arms whatever was placed.
func (x *Executor) PlaceBracket(ctx context.Context, req bracket.ArmRequest) (bracket.Record, domain.ExecutionResult) {
	rec := bracket.Record{ParentOrderID: req.ParentOrderID, Symbol: req.Symbol, Qty: req.Qty}
	key := req.ParentKey
	if key == "" {
		key = NewIdempotencyKey("bracket")
	}

	legs := []struct {
		name string
		req  domain.OrderRequest
		id   *string
	}{
		{"take_profit", domain.OrderRequest{
			Symbol: req.Symbol, Side: req.Side, Qty: req.Qty,
			Type: domain.OrderTypeLimit, LimitPrice: req.TakeProfitPrice, TimeInForce: domain.TimeInForceGTC,
		}, &rec.TakeProfitOrderID},
		{"stop_loss", domain.OrderRequest{
			Symbol: req.Symbol, Side: req.Side, Qty: req.Qty,
			Type: domain.OrderTypeStop, StopPrice: req.StopLossPrice, TimeInForce: domain.TimeInForceGTC,
		}, &rec.StopLossOrderID},
	}

	var firstErr error
	var msgs []string
	for _, leg := range legs {
		suffix := "-tp"
		if leg.name == "stop_loss" {
			suffix = "-sl"
		}
		ref, err := x.submitOrder(ctx, leg.req, key+suffix)
		if err != nil {
			x.log.Error("bracket leg placement failed", "symbol", req.Symbol, "leg", leg.name,
				"parent", req.ParentOrderID, "error", err)
			msgs = append(msgs, fmt.Sprintf("%s: %v", leg.name, err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		*leg.id = ref.ID
		x.metrics.Order("bracket_"+leg.name, string(leg.req.Side), string(leg.req.Type))
	}

	if rec.TakeProfitOrderID == "" && rec.StopLossOrderID == "" {
		res := x.failure("place bracket", firstErr)
		return rec, res
	}
	if x.tracker != nil {
		x.tracker.Arm(rec)
	}
	x.metrics.BracketArmed()

	if firstErr != nil {
		res := x.failure("place bracket", firstErr)
		res.BrokerOrderID = rec.TakeProfitOrderID + rec.StopLossOrderID
		res.Message = "bracket partially placed: " + strings.Join(msgs, "; ")
		return rec, res
	}
	return rec, domain.ExecutionResult{
		OK:            true,
		BrokerOrderID: rec.TakeProfitOrderID,
		StatusCode:    http.StatusOK,
		Message: fmt.Sprintf("bracket placed for %s: tp %s @ %s, sl %s @ %s", req.Symbol,
			rec.TakeProfitOrderID, req.TakeProfitPrice, rec.StopLossOrderID, req.StopLossPrice),
		Raw: rec,
	}
}
