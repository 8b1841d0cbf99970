package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"signalrelay/internal/domain"
)

// Compile-time interface checks.
var _ Broker = (*AlpacaBroker)(nil)
var _ UpdateStream = (*AlpacaBroker)(nil)
var _ PriceSource = (*AlpacaPrices)(nil)

// Buying-power fields exposed by the Alpaca account endpoint.
const (
	BuyingPowerStandard   = "buying_power"
	BuyingPowerRegT       = "regt_buying_power"
	BuyingPowerDaytrading = "daytrading_buying_power"
	BuyingPowerEquity     = "equity"
)

// tradingAPI is the subset of *alpaca.Client used by AlpacaBroker.
type tradingAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPosition(symbol string) (*alpaca.Position, error)
	GetPositions() ([]alpaca.Position, error)
	GetClock() (*alpaca.Clock, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	StreamTradeUpdates(ctx context.Context, handler func(alpaca.TradeUpdate), req alpaca.StreamTradeUpdatesRequest) error
}

// AlpacaConfig configures AlpacaBroker.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration

	// BuyingPowerField selects which account field sizes entries. Empty
	// means buying_power.
	BuyingPowerField string
}

// AlpacaBroker implements Broker using the Alpaca trading API.
type AlpacaBroker struct {
	client   tradingAPI
	bpField  string
	eastern  *time.Location
	log      *slog.Logger
	clockNow func() time.Time
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(cfg AlpacaConfig, log *slog.Logger) (*AlpacaBroker, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		BaseURL:    cfg.BaseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	return newAlpacaBroker(client, cfg.BuyingPowerField, log)
}

func newAlpacaBroker(client tradingAPI, bpField string, log *slog.Logger) (*AlpacaBroker, error) {
	if log == nil {
		log = slog.Default()
	}
	switch bpField {
	case "":
		log.Warn("alpaca buying power field not configured, using buying_power")
		bpField = BuyingPowerStandard
	case BuyingPowerStandard, BuyingPowerRegT, BuyingPowerDaytrading, BuyingPowerEquity:
	default:
		return nil, fmt.Errorf("unknown alpaca buying power field %q", bpField)
	}
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", err)
	}
	return &AlpacaBroker{
		client:   client,
		bpField:  bpField,
		eastern:  et,
		log:      log.With("broker", "alpaca"),
		clockNow: time.Now,
	}, nil
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// GetPosition returns the position for symbol. A 404 maps to
// ErrPositionNotFound.
func (b *AlpacaBroker) GetPosition(ctx context.Context, symbol string) (*domain.PositionState, error) {
	p, err := withContext(ctx, func() (*alpaca.Position, error) {
		return b.client.GetPosition(symbol)
	})
	if err != nil {
		if alpacaStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("alpaca position %s: %w", symbol, ErrPositionNotFound)
		}
		return nil, wrapAlpacaErr("get position", err)
	}
	ps := toPositionState(*p)
	return &ps, nil
}

// GetAccount returns the configured buying-power field and equity.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.Account, error) {
	acct, err := withContext(ctx, b.client.GetAccount)
	if err != nil {
		return nil, wrapAlpacaErr("get account", err)
	}

	var bp decimal.Decimal
	switch b.bpField {
	case BuyingPowerRegT:
		bp = acct.RegTBuyingPower
	case BuyingPowerDaytrading:
		bp = acct.DaytradingBuyingPower
	case BuyingPowerEquity:
		bp = acct.Equity
	default:
		bp = acct.BuyingPower
	}
	return &domain.Account{
		BuyingPower: bp,
		Equity:      acct.Equity,
		Cash:        acct.Cash,
	}, nil
}

// GetMarketSession queries the Alpaca clock. Outside the regular session,
// weekday 04:00-20:00 ET counts as extended hours.
func (b *AlpacaBroker) GetMarketSession(ctx context.Context) (domain.MarketSession, error) {
	clock, err := withContext(ctx, b.client.GetClock)
	if err != nil {
		return domain.SessionClosed, wrapAlpacaErr("get clock", err)
	}
	if clock.IsOpen {
		return domain.SessionRegular, nil
	}

	now := clock.Timestamp
	if now.IsZero() {
		now = b.clockNow()
	}
	et := now.In(b.eastern)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return domain.SessionClosed, nil
	}
	minute := et.Hour()*60 + et.Minute()
	if minute < 4*60 || minute >= 20*60 {
		return domain.SessionClosed, nil
	}
	// Holiday pre-market: the next open is not today.
	if minute < 9*60+30 && !clock.NextOpen.IsZero() {
		if clock.NextOpen.In(b.eastern).Format("2006-01-02") != et.Format("2006-01-02") {
			return domain.SessionClosed, nil
		}
	}
	return domain.SessionExtended, nil
}

// SubmitOrder places req with the idempotency key as client_order_id.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest, idempotencyKey string) (*domain.OrderRef, error) {
	por := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ExtendedHours: req.ExtendedHours,
		ClientOrderID: idempotencyKey,
	}
	if req.IsNotional() {
		n := req.Notional
		por.Notional = &n
	} else {
		q := req.Qty
		por.Qty = &q
	}
	if req.Type == domain.OrderTypeLimit {
		lp := req.LimitPrice
		por.LimitPrice = &lp
	}
	if req.Type == domain.OrderTypeStop {
		sp := req.StopPrice
		por.StopPrice = &sp
	}

	order, err := withContext(ctx, func() (*alpaca.Order, error) {
		return b.client.PlaceOrder(por)
	})
	if err != nil {
		return nil, wrapAlpacaErr("place order", err)
	}
	b.log.Info("order placed", "symbol", req.Symbol, "side", req.Side, "type", req.Type,
		"order_id", order.ID, "client_order_id", order.ClientOrderID)
	ref := toOrderRef(*order)
	return &ref, nil
}

// CancelOrder cancels orderID. 404 and 422 map to ErrOrderNotFound and
// ErrOrderAlreadyDone.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		return struct{}{}, b.client.CancelOrder(orderID)
	})
	switch alpacaStatus(err) {
	case 0:
		if err != nil {
			return wrapAlpacaErr("cancel order", err)
		}
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("alpaca cancel %s: %w", orderID, ErrOrderNotFound)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("alpaca cancel %s: %w", orderID, ErrOrderAlreadyDone)
	default:
		return wrapAlpacaErr("cancel order", err)
	}
}

// ListPositions returns all open positions.
func (b *AlpacaBroker) ListPositions(ctx context.Context) ([]domain.PositionState, error) {
	positions, err := withContext(ctx, b.client.GetPositions)
	if err != nil {
		return nil, wrapAlpacaErr("list positions", err)
	}
	out := make([]domain.PositionState, 0, len(positions))
	for _, p := range positions {
		ps := toPositionState(p)
		if !ps.IsFlat() {
			out = append(out, ps)
		}
	}
	return out, nil
}

// ListOpenOrders returns orders with status "open".
func (b *AlpacaBroker) ListOpenOrders(ctx context.Context) ([]domain.OrderRef, error) {
	orders, err := withContext(ctx, func() ([]alpaca.Order, error) {
		return b.client.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	})
	if err != nil {
		return nil, wrapAlpacaErr("list orders", err)
	}
	out := make([]domain.OrderRef, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderRef(o))
	}
	return out, nil
}

// StreamOrderUpdates subscribes to Alpaca trade updates and blocks until the
// stream ends.
func (b *AlpacaBroker) StreamOrderUpdates(ctx context.Context, handler func(domain.OrderUpdate)) error {
	return b.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		handler(toOrderUpdate(tu))
	}, alpaca.StreamTradeUpdatesRequest{})
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func toPositionState(p alpaca.Position) domain.PositionState {
	qty := p.Qty
	// Short quantities normally arrive negative; trust side if not.
	if strings.EqualFold(p.Side, "short") && qty.IsPositive() {
		qty = qty.Neg()
	}
	ps := domain.PositionState{
		Symbol:        p.Symbol,
		Qty:           qty,
		AvgEntryPrice: p.AvgEntryPrice,
	}
	if p.MarketValue != nil {
		ps.MarketValue = *p.MarketValue
	}
	return ps
}

func toOrderRef(o alpaca.Order) domain.OrderRef {
	ref := domain.OrderRef{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.Side(o.Side),
		Type:          domain.OrderType(o.Type),
		Status:        o.Status,
		SubmittedAt:   o.SubmittedAt,
	}
	if o.Qty != nil {
		ref.Qty = *o.Qty
	}
	return ref
}

func toOrderUpdate(tu alpaca.TradeUpdate) domain.OrderUpdate {
	u := domain.OrderUpdate{
		OrderID:       tu.Order.ID,
		ClientOrderID: tu.Order.ClientOrderID,
		Symbol:        tu.Order.Symbol,
		Kind:          alpacaEventKind(tu.Event),
		FilledQty:     tu.Order.FilledQty,
		At:            tu.At,
	}
	if tu.Order.FilledAvgPrice != nil {
		u.FilledAvgPrice = *tu.Order.FilledAvgPrice
	}
	return u
}

func alpacaEventKind(event string) domain.OrderEventKind {
	switch event {
	case "fill":
		return domain.OrderEventFill
	case "partial_fill":
		return domain.OrderEventPartialFill
	case "canceled":
		return domain.OrderEventCancel
	case "rejected":
		return domain.OrderEventReject
	case "expired", "done_for_day":
		return domain.OrderEventExpire
	default:
		return domain.OrderEventOther
	}
}

// ---------------------------------------------------------------------------
// Error helpers
// ---------------------------------------------------------------------------

func alpacaStatus(err error) int {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func wrapAlpacaErr(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Body
		}
		return Rejected(apiErr.StatusCode, msg, err)
	}
	return fmt.Errorf("alpaca %s: %w", op, err)
}

// withContext runs a blocking SDK call and returns early with ctx.Err() if
// ctx ends first. The call itself is bounded by the client timeout.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// latestTradeAPI is the subset of *marketdata.Client used by AlpacaPrices.
type latestTradeAPI interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// AlpacaPrices implements PriceSource from Alpaca's latest-trade endpoint.
type AlpacaPrices struct {
	client latestTradeAPI
	feed   string
}

// NewAlpacaPrices creates a price source. feed is "iex" or "sip"; empty
// uses the account default.
func NewAlpacaPrices(apiKey, apiSecret, dataURL, feed string) *AlpacaPrices {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaPrices{client: marketdata.NewClient(opts), feed: feed}
}

// LatestPrice returns the last trade price for symbol.
func (p *AlpacaPrices) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	trade, err := withContext(ctx, func() (*marketdata.Trade, error) {
		return p.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: marketdata.Feed(p.feed)})
	})
	if err != nil {
		return decimal.Zero, wrapAlpacaErr("latest trade", err)
	}
	if trade == nil || trade.Price <= 0 {
		return decimal.Zero, fmt.Errorf("alpaca latest trade %s: no price", symbol)
	}
	return decimal.NewFromFloat(trade.Price), nil
}
