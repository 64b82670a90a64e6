// Package feeschedule computes an off-path fee breakdown for display
// purposes. Nothing here ever deducts from a settlement amount; the payer's
// EIP-3009 authorization already fixes the value transferred on-chain.
package feeschedule

import (
	"github.com/shopspring/decimal"

	"facilitatord/internal/types"
)

// Schedule holds the facilitator's fee model parameters.
type Schedule struct {
	BaseFeeFlat      decimal.Decimal
	RiskFeeBps       decimal.Decimal
	ProviderFeeBps   decimal.Decimal
	TierDiscountBps  map[types.Tier]decimal.Decimal
}

// DefaultSchedule returns the facilitator's baseline fee parameters.
func DefaultSchedule() Schedule {
	return Schedule{
		BaseFeeFlat:    decimal.NewFromFloat(0.01),
		RiskFeeBps:     decimal.NewFromInt(15),
		ProviderFeeBps: decimal.NewFromInt(10),
		TierDiscountBps: map[types.Tier]decimal.Decimal{
			types.TierUnknown:    decimal.Zero,
			types.TierHistory7D:  decimal.NewFromInt(2),
			types.TierHistory30D: decimal.NewFromInt(5),
			types.TierVerified:   decimal.NewFromInt(10),
		},
	}
}

// Breakdown is the itemized, display-only fee estimate for an amount.
type Breakdown struct {
	Amount      decimal.Decimal
	BaseFee     decimal.Decimal
	RiskFee     decimal.Decimal
	ProviderFee decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal
}

const bpsDivisor = 10000

// Estimate computes the fee breakdown for amount at the given tier. amount is
// a decimal string in the token's human-readable units, not base units; the
// caller is responsible for keeping this distinct from the base-unit
// *big.Int values the settlement path uses.
func (s Schedule) Estimate(amountDecimal string, tier types.Tier) (Breakdown, error) {
	amount, err := decimal.NewFromString(amountDecimal)
	if err != nil {
		return Breakdown{}, err
	}

	riskFee := amount.Mul(s.RiskFeeBps).Div(decimal.NewFromInt(bpsDivisor))
	providerFee := amount.Mul(s.ProviderFeeBps).Div(decimal.NewFromInt(bpsDivisor))

	discountBps := s.TierDiscountBps[tier]
	discount := amount.Mul(discountBps).Div(decimal.NewFromInt(bpsDivisor))

	total := s.BaseFeeFlat.Add(riskFee).Add(providerFee).Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return Breakdown{
		Amount:      amount,
		BaseFee:     s.BaseFeeFlat,
		RiskFee:     riskFee,
		ProviderFee: providerFee,
		Discount:    discount,
		Total:       total,
	}, nil
}
