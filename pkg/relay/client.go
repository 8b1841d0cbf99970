// Package relay is a Go client for the signal relay HTTP API.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides a Go SDK for interacting with relay-server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	passphrase string
}

// NewClient creates a new relay API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetPassphrase sets the webhook passphrase sent with Send.
func (c *Client) SetPassphrase(p string) {
	c.passphrase = p
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: HTTP %d: %s", e.StatusCode, e.Message)
}

// ---------------------------------------------------------------------------
// Response types
// ---------------------------------------------------------------------------

// Order describes an order that was, or in dry-run would be, sent.
type Order struct {
	Side          string `json:"side"`
	Qty           string `json:"qty,omitempty"`
	Notional      string `json:"notional,omitempty"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ExtendedHours bool   `json:"extended_hours,omitempty"`
}

// FlattenReport summarises a flatten-all run.
type FlattenReport struct {
	Attempted       int      `json:"attempted"`
	Succeeded       int      `json:"succeeded"`
	Failed          int      `json:"failed"`
	CancelledOrders int      `json:"cancelled_orders"`
	Skipped         bool     `json:"skipped,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

// Outcome is the result of one alert or operator action.
type Outcome struct {
	Status         string         `json:"status"`
	Symbol         string         `json:"symbol,omitempty"`
	Action         string         `json:"action,omitempty"`
	Intent         string         `json:"intent,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Message        string         `json:"message"`
	OrderID        string         `json:"order_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	Order          *Order         `json:"order,omitempty"`
	Flatten        *FlattenReport `json:"flatten,omitempty"`
}

// Position is one open broker position.
type Position struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value,omitempty"`
}

// OpenOrder is one working broker order.
type OpenOrder struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Qty           string    `json:"qty"`
	Status        string    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Status is the GET /status snapshot.
type Status struct {
	Broker          string          `json:"broker"`
	DryRun          bool            `json:"dry_run"`
	TradingEnabled  bool            `json:"trading_enabled"`
	Bias            string          `json:"bias"`
	Session         string          `json:"session,omitempty"`
	InTradingWindow bool            `json:"in_trading_window"`
	InFlattenWindow bool            `json:"in_flatten_window"`
	BracketEnabled  bool            `json:"bracket_enabled"`
	AllowedSymbols  []string        `json:"allowed_symbols,omitempty"`
	Positions       []Position      `json:"positions"`
	TradedToday     []string        `json:"traded_today"`
	Brackets        json.RawMessage `json:"brackets"`
	Errors          []string        `json:"errors,omitempty"`
	Time            time.Time       `json:"time"`
	Sizing          struct {
		Mode     string `json:"mode"`
		Percent  string `json:"percent,omitempty"`
		Notional string `json:"notional,omitempty"`
		Quantity int64  `json:"quantity,omitempty"`
	} `json:"sizing"`
}

// Trades lists the symbols capped for a date.
type Trades struct {
	Date    string   `json:"date"`
	Symbols []string `json:"symbols"`
}

// Alert is a webhook payload as an alerting tool would send it.
type Alert struct {
	Ticker  string   `json:"ticker"`
	Action  string   `json:"action"`
	Price   *float64 `json:"price,omitempty"`
	Qty     *int64   `json:"qty,omitempty"`
	OrderID string   `json:"order_id,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Event is one message from the /events feed. Data holds an Outcome for
// "outcome" and "force_close" events and a FlattenReport for "flatten".
type Event struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Outcome decodes Data as an Outcome.
func (e Event) Outcome() (Outcome, error) {
	var o Outcome
	err := json.Unmarshal(e.Data, &o)
	return o, err
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Status retrieves the relay status snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Send posts an alert to the webhook. For a failed or rejected alert the
// decoded Outcome is returned alongside the *APIError.
func (c *Client) Send(ctx context.Context, a Alert) (*Outcome, error) {
	body := struct {
		Alert
		Passphrase string `json:"passphrase,omitempty"`
	}{a, c.passphrase}
	var out Outcome
	err := c.do(ctx, http.MethodPost, "/webhook", body, &out)
	if out.Status == "" {
		return nil, err
	}
	return &out, err
}

// Flatten cancels every open order and closes every position.
func (c *Client) Flatten(ctx context.Context) (*FlattenReport, error) {
	var rep FlattenReport
	err := c.do(ctx, http.MethodPost, "/flatten", nil, &rep)
	if err != nil && rep.Attempted == 0 && !rep.Skipped {
		return nil, err
	}
	return &rep, err
}

// ForceClose cancels symbol's open orders and closes its position.
func (c *Client) ForceClose(ctx context.Context, symbol string) (*Outcome, error) {
	var out Outcome
	err := c.do(ctx, http.MethodPost, "/force-close?symbol="+url.QueryEscape(symbol), nil, &out)
	if out.Status == "" {
		return nil, err
	}
	return &out, err
}

// Trades lists today's capped symbols.
func (c *Client) Trades(ctx context.Context) (*Trades, error) {
	var tr Trades
	if err := c.do(ctx, http.MethodGet, "/trades", nil, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// ClearTrades clears today's daily cap and returns the number of symbols
// removed.
func (c *Client) ClearTrades(ctx context.Context) (int, error) {
	var res struct {
		Cleared int `json:"cleared"`
	}
	if err := c.do(ctx, http.MethodPost, "/trades/clear", nil, &res); err != nil {
		return 0, err
	}
	return res.Cleared, nil
}

// Positions lists open broker positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var ps []Position
	if err := c.do(ctx, http.MethodGet, "/positions", nil, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// Orders lists working broker orders.
func (c *Client) Orders(ctx context.Context) ([]OpenOrder, error) {
	var orders []OpenOrder
	if err := c.do(ctx, http.MethodGet, "/orders", nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Events subscribes to the /events websocket and calls fn for each event
// until ctx is done or the connection drops.
func (c *Client) Events(ctx context.Context, fn func(Event)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		fn(ev)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Outcome-shaped error bodies still decode into out.
		_ = json.Unmarshal(raw, out)
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
