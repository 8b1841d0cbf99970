package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signalrelay/internal/domain"
)

// Compile-time interface check.
var _ UpdateStream = (*CoinbaseStream)(nil)

// CoinbaseStream consumes the Advanced Trade "user" websocket channel and
// reports order status changes.
type CoinbaseStream struct {
	wsURL        string
	signer       *jwtSigner
	productIDs   []string
	contractSize decimal.Decimal
	pingEvery    time.Duration
	log          *slog.Logger
}

// NewCoinbaseStream creates a user-channel stream for productIDs sharing
// the broker's credentials.
func NewCoinbaseStream(wsURL string, cb *CoinbaseBroker, productIDs []string) *CoinbaseStream {
	if wsURL == "" {
		wsURL = "wss://advanced-trade-ws-user.coinbase.com"
	}
	return &CoinbaseStream{
		wsURL:        wsURL,
		signer:       cb.signer,
		productIDs:   productIDs,
		contractSize: cb.contractSize,
		pingEvery:    30 * time.Second,
		log:          cb.log.With("stream", "user"),
	}
}

type cbUserMessage struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type   string `json:"type"`
		Orders []struct {
			OrderID            string `json:"order_id"`
			ClientOrderID      string `json:"client_order_id"`
			ProductID          string `json:"product_id"`
			Status             string `json:"status"`
			CumulativeQuantity string `json:"cumulative_quantity"`
			AvgPrice           string `json:"avg_price"`
		} `json:"orders"`
	} `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamOrderUpdates dials, subscribes and reads until ctx is done or the
// connection drops. Reconnecting is the caller's job.
func (s *CoinbaseStream) StreamOrderUpdates(ctx context.Context, handler func(domain.OrderUpdate)) error {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := d.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("user websocket dial failed, status=%d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("user websocket dial failed: %w", err)
	}
	defer conn.Close()

	token, err := s.signer.sign("")
	if err != nil {
		return err
	}
	for _, channel := range []string{"user", "heartbeats"} {
		sub := map[string]any{
			"type":        "subscribe",
			"channel":     channel,
			"product_ids": s.productIDs,
			"jwt":         token,
		}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribing to %s: %w", channel, err)
		}
	}
	s.log.Info("user websocket connected", "products", s.productIDs)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(connCtx, conn)

	done := make(chan error, 1)
	go func() { done <- s.readLoop(conn, handler) }()

	select {
	case <-ctx.Done():
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (s *CoinbaseStream) readLoop(conn *websocket.Conn, handler func(domain.OrderUpdate)) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("user websocket read: %w", err)
		}
		var msg cbUserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("malformed user message", "error", err)
			continue
		}
		if msg.Channel != "user" {
			continue
		}
		for _, ev := range msg.Events {
			// Snapshots describe state at subscribe time, not transitions.
			if ev.Type != "update" {
				continue
			}
			for _, o := range ev.Orders {
				handler(domain.OrderUpdate{
					OrderID:        o.OrderID,
					ClientOrderID:  o.ClientOrderID,
					Symbol:         o.ProductID,
					Kind:           coinbaseEventKind(o.Status, o.CumulativeQuantity),
					FilledQty:      parseDecimal(o.CumulativeQuantity).Div(s.contractSize),
					FilledAvgPrice: parseDecimal(o.AvgPrice),
					At:             msg.Timestamp,
				})
			}
		}
	}
}

func (s *CoinbaseStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(s.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.log.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func coinbaseEventKind(status, cumulative string) domain.OrderEventKind {
	switch status {
	case "FILLED":
		return domain.OrderEventFill
	case "CANCELLED":
		return domain.OrderEventCancel
	case "EXPIRED":
		return domain.OrderEventExpire
	case "FAILED":
		return domain.OrderEventReject
	case "OPEN":
		if parseDecimal(cumulative).IsPositive() {
			return domain.OrderEventPartialFill
		}
	}
	return domain.OrderEventOther
}
