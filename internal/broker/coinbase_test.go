package broker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signalrelay/internal/domain"
	"signalrelay/internal/util"
)

const testKeyName = "organizations/org/apiKeys/key"

func testECKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
	return key, pemStr
}

func newTestCoinbase(t *testing.T, srv *httptest.Server, pemStr string) *CoinbaseBroker {
	t.Helper()
	cb, err := NewCoinbaseBroker(CoinbaseConfig{
		APIBase:       srv.URL,
		KeyName:       testKeyName,
		PrivateKeyPEM: pemStr,
		PortfolioUUID: "pf-1",
		ContractSize:  decimal.RequireFromString("0.1"),
		RatePerSecond: 100,
	}, util.NopLogger())
	if err != nil {
		t.Fatalf("NewCoinbaseBroker: %v", err)
	}
	return cb
}

func TestCoinbaseSubmitOrderSignsAndConverts(t *testing.T) {
	key, pemStr := testECKey(t)

	var gotConf map[string]map[string]any
	var gotClaims jwt.MapClaims
	var gotKid any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
			jwt.WithValidMethods([]string{"ES256"}))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		gotClaims = tok.Claims.(jwt.MapClaims)
		gotKid = tok.Header["kid"]

		var body struct {
			ClientOrderID      string                    `json:"client_order_id"`
			Side               string                    `json:"side"`
			OrderConfiguration map[string]map[string]any `json:"order_configuration"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotConf = body.OrderConfiguration
		_, _ = w.Write([]byte(`{"success":true,"success_response":{"order_id":"cb-1","client_order_id":"` + body.ClientOrderID + `"}}`))
	}))
	defer srv.Close()

	cb := newTestCoinbase(t, srv, pemStr)
	ref, err := cb.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTC-PERP-INTX", Side: domain.SideBuy, Qty: decimal.NewFromInt(2), Type: domain.OrderTypeMarket,
	}, "alert-1")
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if ref.ID != "cb-1" {
		t.Errorf("ID = %q, want %q", ref.ID, "cb-1")
	}

	wantURI := "POST " + strings.TrimPrefix(srv.URL, "http://") + "/api/v3/brokerage/orders"
	if gotClaims["uri"] != wantURI {
		t.Errorf("uri claim = %v, want %q", gotClaims["uri"], wantURI)
	}
	if gotClaims["sub"] != testKeyName || gotKid != testKeyName {
		t.Errorf("sub = %v, kid = %v, want %q", gotClaims["sub"], gotKid, testKeyName)
	}
	if got := gotConf["market_market_ioc"]["base_size"]; got != "0.2" {
		t.Errorf("base_size = %v, want 0.2 (2 contracts x 0.1)", got)
	}
}

func TestCoinbaseSubmitOrderRejected(t *testing.T) {
	_, pemStr := testECKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error_response":{"error":"INSUFFICIENT_FUND","message":"Insufficient balance in source account"}}`))
	}))
	defer srv.Close()

	cb := newTestCoinbase(t, srv, pemStr)
	_, err := cb.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTC-PERP-INTX", Side: domain.SideSell, Qty: decimal.NewFromInt(1), Type: domain.OrderTypeMarket,
	}, "k")
	ce := Classify(err)
	if ce.Kind != domain.ErrorRejectedByBroker {
		t.Fatalf("Kind = %q, want rejected", ce.Kind)
	}
	if ce.Message != "Insufficient balance in source account" {
		t.Errorf("Message = %q", ce.Message)
	}
}

func TestCoinbaseOrderConfiguration(t *testing.T) {
	cb := &CoinbaseBroker{contractSize: decimal.RequireFromString("0.01")}

	conf, err := cb.orderConfiguration(domain.OrderRequest{
		Side: domain.SideSell, Qty: decimal.NewFromInt(3), Type: domain.OrderTypeStop, StopPrice: decimal.NewFromInt(60000),
	})
	if err != nil {
		t.Fatalf("orderConfiguration: %v", err)
	}
	stop := conf["stop_limit_stop_limit_gtc"].(map[string]string)
	if stop["stop_direction"] != "STOP_DIRECTION_STOP_DOWN" {
		t.Errorf("stop_direction = %q, want DOWN for a sell stop", stop["stop_direction"])
	}
	if stop["base_size"] != "0.03" {
		t.Errorf("base_size = %q, want 0.03", stop["base_size"])
	}

	if _, err := cb.orderConfiguration(domain.OrderRequest{
		Side: domain.SideBuy, Notional: decimal.NewFromInt(100), Type: domain.OrderTypeLimit,
	}); err == nil {
		t.Error("notional limit order should be refused")
	}
}

func TestCoinbaseCancelAlreadyDone(t *testing.T) {
	_, pemStr := testECKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"success":false,"failure_reason":"UNKNOWN_CANCEL_ORDER","order_id":"cb-9"}]}`))
	}))
	defer srv.Close()

	cb := newTestCoinbase(t, srv, pemStr)
	err := cb.CancelOrder(context.Background(), "cb-9")
	if !IsAlreadyDone(err) {
		t.Errorf("CancelOrder error = %v, want already done", err)
	}
}

func TestCoinbaseGetPosition(t *testing.T) {
	_, pemStr := testECKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/ETH-PERP-INTX"):
			_, _ = w.Write([]byte(`{"position":{"product_id":"ETH-PERP-INTX","net_size":"0.5","position_side":"POSITION_SIDE_SHORT","vwap":{"value":"3000"}}}`))
		default:
			http.Error(w, `{"message":"position not found"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cb := newTestCoinbase(t, srv, pemStr)
	p, err := cb.GetPosition(context.Background(), "ETH-PERP-INTX")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !p.Qty.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("Qty = %s contracts, want -5", p.Qty)
	}

	_, err = cb.GetPosition(context.Background(), "SOL-PERP-INTX")
	if !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("GetPosition missing error = %v, want ErrPositionNotFound", err)
	}
}

func TestCoinbaseGetRetriesServerErrors(t *testing.T) {
	_, pemStr := testECKey(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"summary":{"buying_power":{"value":"2500.50"},"total_balance":{"value":"5000"}}}`))
	}))
	defer srv.Close()

	cb := newTestCoinbase(t, srv, pemStr)
	acct, err := cb.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acct.BuyingPower.Equal(decimal.RequireFromString("2500.50")) {
		t.Errorf("BuyingPower = %s, want 2500.50", acct.BuyingPower)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestCoinbaseStreamOrderUpdates(t *testing.T) {
	_, pemStr := testECKey(t)
	api := httptest.NewServer(http.NotFoundHandler())
	defer api.Close()
	cb := newTestCoinbase(t, api, pemStr)

	var subscribed atomic.Int32
	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			var sub map[string]any
			if err := conn.ReadJSON(&sub); err != nil {
				return
			}
			if sub["type"] == "subscribe" && sub["jwt"] != "" {
				subscribed.Add(1)
			}
		}
		msgs := []string{
			`{"channel":"heartbeats","events":[{"current_time":"now"}]}`,
			`{"channel":"user","events":[{"type":"snapshot","orders":[{"order_id":"old","status":"FILLED"}]}]}`,
			`{"channel":"user","events":[{"type":"update","orders":[{"order_id":"cb-1","product_id":"BTC-PERP-INTX","status":"FILLED","cumulative_quantity":"0.3","avg_price":"65000"}]}]}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ws.Close()

	stream := NewCoinbaseStream("ws"+strings.TrimPrefix(ws.URL, "http"), cb, []string{"BTC-PERP-INTX"})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan domain.OrderUpdate, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- stream.StreamOrderUpdates(ctx, func(u domain.OrderUpdate) { updates <- u })
	}()

	select {
	case u := <-updates:
		if u.OrderID != "cb-1" || u.Kind != domain.OrderEventFill {
			t.Errorf("update = %+v, want fill for cb-1", u)
		}
		if !u.FilledQty.Equal(decimal.NewFromInt(3)) {
			t.Errorf("FilledQty = %s contracts, want 3", u.FilledQty)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("StreamOrderUpdates error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	if subscribed.Load() != 2 {
		t.Errorf("subscriptions = %d, want 2", subscribed.Load())
	}
}

func TestCoinbaseEventKind(t *testing.T) {
	tests := []struct {
		status, cum string
		want        domain.OrderEventKind
	}{
		{"FILLED", "1", domain.OrderEventFill},
		{"CANCELLED", "0", domain.OrderEventCancel},
		{"EXPIRED", "0", domain.OrderEventExpire},
		{"FAILED", "0", domain.OrderEventReject},
		{"OPEN", "0.5", domain.OrderEventPartialFill},
		{"OPEN", "0", domain.OrderEventOther},
		{"PENDING", "", domain.OrderEventOther},
	}
	for _, tt := range tests {
		if got := coinbaseEventKind(tt.status, tt.cum); got != tt.want {
			t.Errorf("coinbaseEventKind(%q, %q) = %q, want %q", tt.status, tt.cum, got, tt.want)
		}
	}
}

func TestNewJWTSignerEscapedNewlines(t *testing.T) {
	_, pemStr := testECKey(t)
	escaped := strings.ReplaceAll(pemStr, "\n", `\n`)
	if _, err := newJWTSigner(testKeyName, escaped); err != nil {
		t.Errorf("newJWTSigner with escaped newlines: %v", err)
	}
	if _, err := newJWTSigner(testKeyName, "not a key"); err == nil {
		t.Error("newJWTSigner should reject garbage")
	}
}
