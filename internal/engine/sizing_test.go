package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/domain"
)

func TestComputeSize(t *testing.T) {
	tests := []struct {
		name     string
		policy   SizingPolicy
		bp       string
		price    string
		qty      string
		notional string
	}{
		{"percent", SizingPolicy{Mode: SizingPercent, Percent: dec("0.10")}, "10000", "100", "10", "0"},
		{"percent floors", SizingPolicy{Mode: SizingPercent, Percent: dec("0.10")}, "10000", "333.34", "2", "0"},
		{"percent below one", SizingPolicy{Mode: SizingPercent, Percent: dec("0.01")}, "500", "100", "0", "0"},
		{"notional", SizingPolicy{Mode: SizingNotional, Notional: dec("250")}, "100", "0", "0", "250"},
		{"quantity", SizingPolicy{Mode: SizingQuantity, Quantity: 7}, "0", "0", "7", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := ComputeSize(tt.policy, domain.Account{BuyingPower: dec(tt.bp)}, dec(tt.price))
			require.NoError(t, err)
			assert.Equal(t, tt.qty, size.Qty.String())
			assert.Equal(t, tt.notional, size.Notional.String())
		})
	}
}

func TestComputeSizeInvalidPrice(t *testing.T) {
	policy := SizingPolicy{Mode: SizingPercent, Percent: dec("0.5")}
	for _, p := range []string{"0", "-1"} {
		_, err := ComputeSize(policy, domain.Account{BuyingPower: dec("1000")}, dec(p))
		assert.ErrorIs(t, err, ErrInvalidPrice, "price %s", p)
	}
}

func TestSizingPolicyValidate(t *testing.T) {
	valid := []SizingPolicy{
		{Mode: SizingPercent, Percent: dec("1")},
		{Mode: SizingNotional, Notional: dec("0.01")},
		{Mode: SizingQuantity, Quantity: 1},
	}
	for _, p := range valid {
		assert.NoError(t, p.Validate(), "%+v", p)
	}

	invalid := []SizingPolicy{
		{Mode: SizingPercent},
		{Mode: SizingPercent, Percent: dec("1.01")},
		{Mode: SizingNotional, Notional: dec("-5")},
		{Mode: SizingQuantity},
		{Mode: "kelly"},
	}
	for _, p := range invalid {
		assert.Error(t, p.Validate(), "%+v", p)
	}
}

func TestSizingPolicyNeeds(t *testing.T) {
	assert.True(t, SizingPolicy{Mode: SizingPercent}.NeedsPrice())
	assert.True(t, SizingPolicy{Mode: SizingPercent}.NeedsAccount())
	assert.False(t, SizingPolicy{Mode: SizingNotional}.NeedsPrice())
	assert.True(t, SizingPolicy{Mode: SizingNotional}.NeedsAccount())
	assert.False(t, SizingPolicy{Mode: SizingQuantity}.NeedsPrice())
	assert.False(t, SizingPolicy{Mode: SizingQuantity}.NeedsAccount())
}
