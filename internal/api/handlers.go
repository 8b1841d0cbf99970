package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signalrelay/internal/broker"
	"signalrelay/internal/domain"
	"signalrelay/internal/engine"
	"signalrelay/internal/store"
)

// WebhookPayload is the inbound alert body. Numeric fields accept JSON
// numbers or strings, as alerting tools render templates either way.
type WebhookPayload struct {
	Ticker     string           `json:"ticker"`
	Symbol     string           `json:"symbol"`
	Action     string           `json:"action"`
	Price      *decimal.Decimal `json:"price"`
	Contracts  *decimal.Decimal `json:"contracts"`
	Qty        *decimal.Decimal `json:"qty"`
	OrderID    string           `json:"order_id"`
	Message    string           `json:"message"`
	Passphrase string           `json:"passphrase"`

	// Per-alert bracket percentages as fractions; absent means the
	// configured policy.
	TakeProfitPct *decimal.Decimal `json:"tp_pct"`
	StopLossPct   *decimal.Decimal `json:"sl_pct"`
}

// Signal converts the payload into a domain signal. Validation of the
// symbol and action is left to the engine so every rejection is reported
// the same way.
func (p WebhookPayload) Signal(now time.Time) (domain.Signal, error) {
	sig := domain.Signal{
		Symbol:         p.Ticker,
		Action:         domain.Action(p.Action),
		ReferencePrice: p.Price,
		OrderTag:       p.OrderID,
		Message:        p.Message,
		ReceivedAt:     now,
		TakeProfitPct:  p.TakeProfitPct,
		StopLossPct:    p.StopLossPct,
	}
	if sig.Symbol == "" {
		sig.Symbol = p.Symbol
	}
	qty := p.Contracts
	if qty == nil {
		qty = p.Qty
	}
	if qty != nil {
		if !qty.Equal(qty.Truncate(0)) {
			return sig, fmt.Errorf("quantity must be a whole number, got %s", qty)
		}
		n := qty.IntPart()
		sig.QuantityHint = &n
	}
	return sig, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// invalid builds the outcome for a payload the engine never saw.
func invalid(format string, args ...any) engine.Outcome {
	return engine.Outcome{
		Status:    engine.StatusSuppressed,
		Reason:    engine.ReasonInvalidPayload,
		ErrorKind: domain.ErrorInvalidPayload,
		Message:   fmt.Sprintf(format, args...),
	}
}

// ---------------------------------------------------------------------------
// Webhook
// ---------------------------------------------------------------------------

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var p WebhookPayload
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&p); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, invalid("payload exceeds %d bytes", tooBig.Limit))
			return
		}
		s.log.Warn("invalid webhook payload", "error", err)
		out := invalid("invalid JSON payload: %v", err)
		writeJSON(w, out.HTTPStatus(), out)
		return
	}

	if !s.authorized(r, p.Passphrase) {
		s.log.Warn("webhook rejected: bad passphrase", "remote", r.RemoteAddr, "ticker", p.Ticker)
		writeError(w, http.StatusUnauthorized, "invalid passphrase")
		return
	}

	sig, err := p.Signal(time.Now().UTC())
	if err != nil {
		out := invalid("%v", err)
		out.Symbol = strings.ToUpper(sig.Symbol)
		writeJSON(w, out.HTTPStatus(), out)
		return
	}

	// A dropped client must not abandon an order mid-flight; broker calls
	// carry their own timeouts.
	out := s.relay.HandleSignal(context.WithoutCancel(r.Context()), sig)
	s.hub.Publish("outcome", out)
	writeJSON(w, out.HTTPStatus(), out)
}

func (s *Server) authorized(r *http.Request, bodyPass string) bool {
	if s.passphrase == "" {
		return true
	}
	got := bodyPass
	if h := r.Header.Get("X-Webhook-Passphrase"); h != "" {
		got = h
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.passphrase)) == 1
}

// ---------------------------------------------------------------------------
// Read-only views
// ---------------------------------------------------------------------------

type positionView struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value,omitempty"`
}

func newPositionViews(ps []domain.PositionState) []positionView {
	out := make([]positionView, 0, len(ps))
	for _, p := range ps {
		side := "long"
		if p.Qty.IsNegative() {
			side = "short"
		}
		v := positionView{
			Symbol:        p.Symbol,
			Qty:           p.Qty.String(),
			Side:          side,
			AvgEntryPrice: p.AvgEntryPrice.String(),
		}
		if !p.MarketValue.IsZero() {
			v.MarketValue = p.MarketValue.String()
		}
		out = append(out, v)
	}
	return out
}

type orderView struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Qty           string    `json:"qty"`
	Status        string    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

func newOrderViews(orders []domain.OrderRef) []orderView {
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderView{
			ID:            o.ID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          string(o.Side),
			Type:          string(o.Type),
			Qty:           o.Qty.String(),
			Status:        o.Status,
			SubmittedAt:   o.SubmittedAt,
		})
	}
	return out
}

// brokerError writes a broker failure with the status its kind maps to.
func (s *Server) brokerError(w http.ResponseWriter, what string, err error) {
	ce := broker.Classify(err)
	status := http.StatusBadGateway
	if ce.Kind == domain.ErrorTimeout {
		status = http.StatusGatewayTimeout
	}
	s.log.Error(what+" failed", "error", err)
	writeError(w, status, fmt.Sprintf("%s: %s", what, ce.Message))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"broker":  s.relay.BrokerName(),
		"dry_run": s.relay.DryRun(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

type sizingView struct {
	Mode     engine.SizingMode `json:"mode"`
	Percent  string            `json:"percent,omitempty"`
	Notional string            `json:"notional,omitempty"`
	Quantity int64             `json:"quantity,omitempty"`
}

type statusView struct {
	Broker          string               `json:"broker"`
	DryRun          bool                 `json:"dry_run"`
	TradingEnabled  bool                 `json:"trading_enabled"`
	Bias            domain.Bias          `json:"bias"`
	Session         domain.MarketSession `json:"session,omitempty"`
	InTradingWindow bool                 `json:"in_trading_window"`
	InFlattenWindow bool                 `json:"in_flatten_window"`
	Sizing          sizingView           `json:"sizing"`
	BracketEnabled  bool                 `json:"bracket_enabled"`
	AllowedSymbols  []string             `json:"allowed_symbols,omitempty"`
	Positions       []positionView       `json:"positions"`
	TradedToday     []string             `json:"traded_today"`
	Brackets        any                  `json:"brackets"`
	Errors          []string             `json:"errors,omitempty"`
	Time            time.Time            `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.relay.Config()
	inWindow, inFlatten := s.relay.TradingWindow()

	st := statusView{
		Broker:          s.relay.BrokerName(),
		DryRun:          s.relay.DryRun(),
		TradingEnabled:  cfg.TradingEnabled,
		Bias:            cfg.Bias,
		InTradingWindow: inWindow,
		InFlattenWindow: inFlatten,
		Sizing:          sizingView{Mode: cfg.Sizing.Mode, Quantity: cfg.Sizing.Quantity},
		BracketEnabled:  cfg.Bracket,
		AllowedSymbols:  cfg.AllowedSymbols,
		Positions:       []positionView{},
		TradedToday:     []string{},
		Brackets:        s.relay.Brackets(),
		Time:            time.Now().UTC(),
	}
	switch cfg.Sizing.Mode {
	case engine.SizingPercent:
		st.Sizing.Percent = cfg.Sizing.Percent.String()
	case engine.SizingNotional:
		st.Sizing.Notional = cfg.Sizing.Notional.String()
	}

	// Partial status beats none: collect errors instead of failing.
	if session, err := s.relay.Session(ctx); err != nil {
		st.Errors = append(st.Errors, "session: "+err.Error())
	} else {
		st.Session = session
	}
	if ps, err := s.relay.Positions(ctx); err != nil {
		st.Errors = append(st.Errors, "positions: "+err.Error())
	} else {
		st.Positions = newPositionViews(ps)
	}
	if s.caps != nil {
		if syms, err := s.caps.TradedToday(ctx); err != nil {
			st.Errors = append(st.Errors, "daily cap: "+err.Error())
		} else if syms != nil {
			st.TradedToday = syms
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	ps, err := s.relay.Positions(r.Context())
	if err != nil {
		s.brokerError(w, "listing positions", err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionViews(ps))
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.relay.OpenOrders(r.Context())
	if err != nil {
		s.brokerError(w, "listing orders", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderViews(orders))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.caps == nil {
		writeError(w, http.StatusNotFound, "daily cap is disabled")
		return
	}
	ctx := r.Context()
	if r.URL.Query().Get("history") != "" {
		h, err := s.caps.History(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, h)
		return
	}
	syms, err := s.caps.TradedToday(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if syms == nil {
		syms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": s.caps.Today(), "symbols": syms})
}

func (s *Server) handleClearTrades(w http.ResponseWriter, r *http.Request) {
	if s.caps == nil {
		writeError(w, http.StatusNotFound, "daily cap is disabled")
		return
	}
	n, err := s.caps.ClearToday(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("daily trade log cleared", "date", s.caps.Today(), "removed", n)
	writeJSON(w, http.StatusOK, map[string]any{"date": s.caps.Today(), "cleared": n})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}
	day := time.Now().UTC()
	if d := r.URL.Query().Get("date"); d != "" {
		t, err := time.Parse(store.DateLayout, d)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid date %q, want YYYY-MM-DD", d))
			return
		}
		day = t
	}
	entries, err := s.journal.Read(r.Context(), day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	if entries == nil {
		entries = []store.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---------------------------------------------------------------------------
// Operator actions
// ---------------------------------------------------------------------------

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	rep := s.relay.Flatten(context.WithoutCancel(r.Context()), "manual")
	s.hub.Publish("flatten", rep)
	status := http.StatusOK
	switch {
	case rep.Skipped:
		status = http.StatusConflict
	case rep.Failed > 0:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, rep)
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" && r.ContentLength != 0 {
		var body struct {
			Symbol string `json:"symbol"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			out := invalid("invalid JSON body: %v", err)
			writeJSON(w, out.HTTPStatus(), out)
			return
		}
		symbol = body.Symbol
	}
	out := s.relay.ForceClose(context.WithoutCancel(r.Context()), symbol)
	s.hub.Publish("force_close", out)
	writeJSON(w, out.HTTPStatus(), out)
}
