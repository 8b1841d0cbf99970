package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"buy", ActionBuy, false},
		{" SELL ", ActionSell, false},
		{"Long", ActionLong, false},
		{"short", ActionShort, false},
		{"cancel", ActionCancel, false},
		{"hold", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAction(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAction(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPositionState(t *testing.T) {
	flat := PositionState{Symbol: "AAPL"}
	if !flat.IsFlat() {
		t.Error("zero-value position should be flat")
	}

	long := PositionState{Symbol: "AAPL", Qty: decimal.NewFromInt(10)}
	if long.IsFlat() {
		t.Error("long position reported flat")
	}
	if long.CloseSide() != SideSell {
		t.Errorf("long.CloseSide() = %q, want %q", long.CloseSide(), SideSell)
	}

	short := PositionState{Symbol: "AAPL", Qty: decimal.NewFromInt(-3)}
	if short.CloseSide() != SideBuy {
		t.Errorf("short.CloseSide() = %q, want %q", short.CloseSide(), SideBuy)
	}
}

func TestSideAndBias(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Opposite() did not swap sides")
	}
	if BiasLong.EntrySide() != SideBuy {
		t.Errorf("BiasLong.EntrySide() = %q, want %q", BiasLong.EntrySide(), SideBuy)
	}
	if BiasShort.EntrySide() != SideSell {
		t.Errorf("BiasShort.EntrySide() = %q, want %q", BiasShort.EntrySide(), SideSell)
	}
}

func TestOrderEventKindTerminal(t *testing.T) {
	for _, k := range []OrderEventKind{OrderEventFill, OrderEventCancel, OrderEventReject, OrderEventExpire} {
		if !k.Terminal() {
			t.Errorf("%q should be terminal", k)
		}
	}
	for _, k := range []OrderEventKind{OrderEventPartialFill, OrderEventOther} {
		if k.Terminal() {
			t.Errorf("%q should not be terminal", k)
		}
	}
}

func TestOrderRequestIsNotional(t *testing.T) {
	req := OrderRequest{Notional: decimal.NewFromInt(500)}
	if !req.IsNotional() {
		t.Error("notional-only request should be notional")
	}
	req.Qty = decimal.NewFromInt(1)
	if req.IsNotional() {
		t.Error("request with qty should not be notional")
	}
}
