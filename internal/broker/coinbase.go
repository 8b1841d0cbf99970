package broker

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signalrelay/internal/domain"
	"signalrelay/internal/util"
)

// Compile-time interface checks.
var _ Broker = (*CoinbaseBroker)(nil)
var _ PriceSource = (*CoinbaseBroker)(nil)

// Cancel failure reasons meaning the order is already gone.
var cbAlreadyDoneReasons = map[string]bool{
	"UNKNOWN_CANCEL_ORDER":     true,
	"DUPLICATE_CANCEL_REQUEST": true,
}

// CoinbaseConfig configures the Coinbase Advanced Trade adapter.
type CoinbaseConfig struct {
	APIBase       string // default https://api.coinbase.com
	KeyName       string // organizations/{org}/apiKeys/{key}
	PrivateKeyPEM string // EC private key
	PortfolioUUID string
	// ContractSize is the base-asset quantity of one contract. Quantities
	// exchanged with the engine are in contracts.
	ContractSize  decimal.Decimal
	Timeout       time.Duration
	RatePerSecond float64
}

// CoinbaseBroker implements Broker for Coinbase Advanced Trade perpetuals.
type CoinbaseBroker struct {
	apiBase      string
	host         string
	hc           *http.Client
	signer       *jwtSigner
	portfolio    string
	contractSize decimal.Decimal
	limiter      *util.RateLimiter
	log          *slog.Logger
}

// NewCoinbaseBroker creates a CoinbaseBroker. The private key is parsed
// eagerly so misconfiguration fails at startup.
func NewCoinbaseBroker(cfg CoinbaseConfig, log *slog.Logger) (*CoinbaseBroker, error) {
	if log == nil {
		log = slog.Default()
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = "https://api.coinbase.com"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing coinbase api base: %w", err)
	}
	signer, err := newJWTSigner(cfg.KeyName, cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	if cfg.PortfolioUUID == "" {
		return nil, errors.New("coinbase portfolio uuid is required")
	}
	size := cfg.ContractSize
	if !size.IsPositive() {
		size = decimal.NewFromInt(1)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rate := cfg.RatePerSecond
	if rate <= 0 {
		rate = 10
	}
	return &CoinbaseBroker{
		apiBase:      base,
		host:         u.Host,
		hc:           &http.Client{Timeout: timeout},
		signer:       signer,
		portfolio:    cfg.PortfolioUUID,
		contractSize: size,
		limiter:      util.NewRateLimiter(rate, int(rate)),
		log:          log.With("broker", "coinbase"),
	}, nil
}

// Name returns "coinbase".
func (cb *CoinbaseBroker) Name() string { return "coinbase" }

// ---------- Positions & account ----------

type cbAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type cbPosition struct {
	ProductID    string   `json:"product_id"`
	Symbol       string   `json:"symbol"`
	NetSize      string   `json:"net_size"`
	PositionSide string   `json:"position_side"`
	Vwap         cbAmount `json:"vwap"`
	MarkPrice    cbAmount `json:"mark_price"`
}

// GetPosition returns the perpetual position for product symbol in
// contracts. 404 or zero size maps to ErrPositionNotFound.
func (cb *CoinbaseBroker) GetPosition(ctx context.Context, symbol string) (*domain.PositionState, error) {
	var out struct {
		Position cbPosition `json:"position"`
	}
	path := fmt.Sprintf("/api/v3/brokerage/intx/positions/%s/%s", url.PathEscape(cb.portfolio), url.PathEscape(symbol))
	if err := cb.get(ctx, path, nil, &out); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("coinbase position %s: %w", symbol, ErrPositionNotFound)
		}
		return nil, err
	}
	ps := cb.toPositionState(out.Position)
	if ps.Symbol == "" {
		ps.Symbol = symbol
	}
	if ps.IsFlat() {
		return nil, fmt.Errorf("coinbase position %s: %w", symbol, ErrPositionNotFound)
	}
	return &ps, nil
}

// GetAccount returns the portfolio's buying power and total balance.
func (cb *CoinbaseBroker) GetAccount(ctx context.Context) (*domain.Account, error) {
	var out struct {
		Summary struct {
			BuyingPower  cbAmount `json:"buying_power"`
			TotalBalance cbAmount `json:"total_balance"`
			Collateral   cbAmount `json:"collateral"`
		} `json:"summary"`
	}
	path := fmt.Sprintf("/api/v3/brokerage/intx/portfolio/%s", url.PathEscape(cb.portfolio))
	if err := cb.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &domain.Account{
		BuyingPower: parseDecimal(out.Summary.BuyingPower.Value),
		Equity:      parseDecimal(out.Summary.TotalBalance.Value),
		Cash:        parseDecimal(out.Summary.Collateral.Value),
	}, nil
}

// GetMarketSession always reports regular; perpetuals trade continuously.
func (cb *CoinbaseBroker) GetMarketSession(context.Context) (domain.MarketSession, error) {
	return domain.SessionRegular, nil
}

// ListPositions returns every non-flat position in the portfolio.
func (cb *CoinbaseBroker) ListPositions(ctx context.Context) ([]domain.PositionState, error) {
	var out struct {
		Positions []cbPosition `json:"positions"`
	}
	path := fmt.Sprintf("/api/v3/brokerage/intx/positions/%s", url.PathEscape(cb.portfolio))
	if err := cb.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	positions := make([]domain.PositionState, 0, len(out.Positions))
	for _, p := range out.Positions {
		ps := cb.toPositionState(p)
		if !ps.IsFlat() {
			positions = append(positions, ps)
		}
	}
	return positions, nil
}

func (cb *CoinbaseBroker) toPositionState(p cbPosition) domain.PositionState {
	sym := p.ProductID
	if sym == "" {
		sym = p.Symbol
	}
	contracts := parseDecimal(p.NetSize).Div(cb.contractSize)
	if p.PositionSide == "POSITION_SIDE_SHORT" && contracts.IsPositive() {
		contracts = contracts.Neg()
	}
	return domain.PositionState{
		Symbol:        sym,
		Qty:           contracts,
		AvgEntryPrice: parseDecimal(p.Vwap.Value),
		MarketValue:   parseDecimal(p.MarkPrice.Value).Mul(contracts.Abs()).Mul(cb.contractSize),
	}
}

// ---------- Orders ----------

type cbCreateOrderRequest struct {
	ClientOrderID      string         `json:"client_order_id"`
	ProductID          string         `json:"product_id"`
	Side               string         `json:"side"`
	OrderConfiguration map[string]any `json:"order_configuration"`
}

type cbCreateOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID       string `json:"order_id"`
		ProductID     string `json:"product_id"`
		Side          string `json:"side"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error                 string `json:"error"`
		Message               string `json:"message"`
		ErrorDetails          string `json:"error_details"`
		PreviewFailureReason  string `json:"preview_failure_reason"`
		NewOrderFailureReason string `json:"new_order_failure_reason"`
	} `json:"error_response"`
}

// orderConfiguration converts req (in contracts) to a Coinbase order
// configuration (in base units).
func (cb *CoinbaseBroker) orderConfiguration(req domain.OrderRequest) (map[string]any, error) {
	base := req.Qty.Mul(cb.contractSize).String()
	switch req.Type {
	case domain.OrderTypeMarket:
		if req.IsNotional() {
			return map[string]any{"market_market_ioc": map[string]string{"quote_size": req.Notional.StringFixed(2)}}, nil
		}
		return map[string]any{"market_market_ioc": map[string]string{"base_size": base}}, nil
	case domain.OrderTypeLimit:
		if req.IsNotional() {
			return nil, errors.New("coinbase limit orders require a quantity")
		}
		return map[string]any{"limit_limit_gtc": map[string]any{
			"base_size":   base,
			"limit_price": req.LimitPrice.String(),
			"post_only":   false,
		}}, nil
	case domain.OrderTypeStop:
		direction := "STOP_DIRECTION_STOP_DOWN"
		if req.Side == domain.SideBuy {
			direction = "STOP_DIRECTION_STOP_UP"
		}
		return map[string]any{"stop_limit_stop_limit_gtc": map[string]string{
			"base_size":      base,
			"limit_price":    req.StopPrice.String(),
			"stop_price":     req.StopPrice.String(),
			"stop_direction": direction,
		}}, nil
	}
	return nil, fmt.Errorf("unsupported order type %q", req.Type)
}

// SubmitOrder places req. The request is sent once; transport retries are
// left to the caller so an order is never duplicated.
func (cb *CoinbaseBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest, idempotencyKey string) (*domain.OrderRef, error) {
	conf, err := cb.orderConfiguration(req)
	if err != nil {
		return nil, Rejected(http.StatusBadRequest, err.Error(), err)
	}
	body := cbCreateOrderRequest{
		ClientOrderID:      idempotencyKey,
		ProductID:          req.Symbol,
		Side:               strings.ToUpper(string(req.Side)),
		OrderConfiguration: conf,
	}
	var out cbCreateOrderResponse
	if err := cb.do(ctx, http.MethodPost, "/api/v3/brokerage/orders", nil, body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		msg := firstNonEmpty(out.ErrorResponse.Message, out.ErrorResponse.ErrorDetails,
			out.ErrorResponse.PreviewFailureReason, out.ErrorResponse.NewOrderFailureReason, out.ErrorResponse.Error)
		return nil, Rejected(http.StatusBadRequest, msg, nil)
	}
	cb.log.Info("order placed", "symbol", req.Symbol, "side", req.Side, "type", req.Type,
		"order_id", out.SuccessResponse.OrderID, "client_order_id", idempotencyKey)
	return &domain.OrderRef{
		ID:            out.SuccessResponse.OrderID,
		ClientOrderID: idempotencyKey,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Status:        "open",
		SubmittedAt:   time.Now().UTC(),
	}, nil
}

// CancelOrder cancels orderID via batch_cancel.
func (cb *CoinbaseBroker) CancelOrder(ctx context.Context, orderID string) error {
	var out struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
			OrderID       string `json:"order_id"`
		} `json:"results"`
	}
	body := map[string][]string{"order_ids": {orderID}}
	if err := cb.do(ctx, http.MethodPost, "/api/v3/brokerage/orders/batch_cancel", nil, body, &out); err != nil {
		return err
	}
	for _, r := range out.Results {
		if r.OrderID != "" && r.OrderID != orderID {
			continue
		}
		if r.Success {
			return nil
		}
		if cbAlreadyDoneReasons[r.FailureReason] {
			return fmt.Errorf("coinbase cancel %s: %w", orderID, ErrOrderAlreadyDone)
		}
		return Rejected(http.StatusBadRequest, r.FailureReason, nil)
	}
	return fmt.Errorf("coinbase cancel %s: %w", orderID, ErrOrderNotFound)
}

type cbOrder struct {
	OrderID            string                    `json:"order_id"`
	ClientOrderID      string                    `json:"client_order_id"`
	ProductID          string                    `json:"product_id"`
	Side               string                    `json:"side"`
	Status             string                    `json:"status"`
	OrderType          string                    `json:"order_type"`
	CreatedTime        time.Time                 `json:"created_time"`
	OrderConfiguration map[string]map[string]any `json:"order_configuration"`
}

// ListOpenOrders pages through historical orders filtered to OPEN.
func (cb *CoinbaseBroker) ListOpenOrders(ctx context.Context) ([]domain.OrderRef, error) {
	var refs []domain.OrderRef
	cursor := ""
	for page := 0; page < 20; page++ {
		q := url.Values{"order_status": {"OPEN"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out struct {
			Orders  []cbOrder `json:"orders"`
			HasNext bool      `json:"has_next"`
			Cursor  string    `json:"cursor"`
		}
		if err := cb.get(ctx, "/api/v3/brokerage/orders/historical/batch", q, &out); err != nil {
			return nil, err
		}
		for _, o := range out.Orders {
			refs = append(refs, cb.toOrderRef(o))
		}
		if !out.HasNext || out.Cursor == "" {
			break
		}
		cursor = out.Cursor
	}
	return refs, nil
}

func (cb *CoinbaseBroker) toOrderRef(o cbOrder) domain.OrderRef {
	ref := domain.OrderRef{
		ID:            o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.ProductID,
		Side:          domain.Side(strings.ToLower(o.Side)),
		Status:        strings.ToLower(o.Status),
		SubmittedAt:   o.CreatedTime,
	}
	switch o.OrderType {
	case "MARKET":
		ref.Type = domain.OrderTypeMarket
	case "LIMIT":
		ref.Type = domain.OrderTypeLimit
	case "STOP", "STOP_LIMIT":
		ref.Type = domain.OrderTypeStop
	}
	for _, conf := range o.OrderConfiguration {
		if v, ok := conf["base_size"].(string); ok {
			ref.Qty = parseDecimal(v).Div(cb.contractSize)
			break
		}
	}
	return ref
}

// LatestPrice returns the product's last traded price.
func (cb *CoinbaseBroker) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out struct {
		Price          string `json:"price"`
		MidMarketPrice string `json:"mid_market_price"`
	}
	if err := cb.get(ctx, "/api/v3/brokerage/products/"+url.PathEscape(symbol), nil, &out); err != nil {
		return decimal.Zero, err
	}
	p := parseDecimal(firstNonEmpty(out.Price, out.MidMarketPrice))
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("coinbase product %s: no usable price", symbol)
	}
	return p, nil
}

// ---------- HTTP plumbing ----------

// get issues an idempotent GET, retrying connection failures and 5xx.
// Timeouts are not retried.
func (cb *CoinbaseBroker) get(ctx context.Context, path string, q url.Values, out any) error {
	return util.RetryIf(ctx, 3, 200*time.Millisecond, func(err error) bool {
		ce := Classify(err)
		if ce.Kind == domain.ErrorRejectedByBroker {
			return ce.StatusCode >= 500
		}
		return ce.Kind == domain.ErrorNetwork && ctx.Err() == nil
	}, func() error {
		return cb.do(ctx, http.MethodGet, path, q, nil, out)
	})
}

func (cb *CoinbaseBroker) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	if err := cb.limiter.Wait(ctx); err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(bs)
	}
	u := cb.apiBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	token, err := cb.signer.sign(method + " " + cb.host + path)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "signalrelay")

	res, err := cb.hc.Do(req)
	if err != nil {
		return fmt.Errorf("coinbase %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	rb, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("coinbase %s %s: reading body: %w", method, path, err)
	}
	if res.StatusCode >= 300 {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(rb, &e)
		msg := firstNonEmpty(e.Message, e.Error, strings.TrimSpace(string(rb)), res.Status)
		return Rejected(res.StatusCode, msg, nil)
	}
	if out != nil && len(rb) > 0 {
		if err := json.Unmarshal(rb, out); err != nil {
			return fmt.Errorf("coinbase %s %s: decoding: %w", method, path, err)
		}
	}
	return nil
}

func statusOf(err error) int {
	var be *Error
	if errors.As(err, &be) {
		return be.StatusCode
	}
	return 0
}

// ---------- auth ----------

// jwtSigner mints short-lived ES256 tokens for the Advanced Trade API.
type jwtSigner struct {
	keyName string
	key     *ecdsa.PrivateKey
	now     func() time.Time
}

func newJWTSigner(keyName, privatePEM string) (*jwtSigner, error) {
	if keyName == "" || privatePEM == "" {
		return nil, errors.New("coinbase auth not configured (key name and private key required)")
	}
	// Keys pasted into env vars often carry literal \n.
	privatePEM = strings.ReplaceAll(privatePEM, `\n`, "\n")
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, errors.New("invalid coinbase private key (no PEM block)")
	}
	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing EC private key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS8 private key: %w", err)
		}
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("coinbase private key is not ECDSA")
		}
		key = ec
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
	return &jwtSigner{keyName: keyName, key: key, now: time.Now}, nil
}

// sign returns a token for uri ("METHOD host/path"). An empty uri mints a
// websocket token.
func (s *jwtSigner) sign(uri string) (string, error) {
	now := s.now().UTC()
	claims := jwt.MapClaims{
		"sub": s.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
	}
	if uri != "" {
		claims["uri"] = uri
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = s.keyName
	t.Header["nonce"] = strings.ReplaceAll(uuid.NewString(), "-", "")
	return t.SignedString(s.key)
}

// ---------- small utils ----------

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
