package bidding

import (
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/shopspring/decimal"
)

// FeeSchedule is charged on top of the fee-exclusive bid amount
type FeeSchedule struct {
	Dispatch       decimal.Decimal
	Administration decimal.Decimal
	Reserve        decimal.Decimal
}

// DefaultFees is the 10% schedule: 1% dispatch, 1% administration, 8% reserve
var DefaultFees = FeeSchedule{
	Dispatch:       decimal.RequireFromString("0.01"),
	Administration: decimal.RequireFromString("0.01"),
	Reserve:        decimal.RequireFromString("0.08"),
}

// Rate is the combined fee rate
func (f FeeSchedule) Rate() decimal.Decimal {
	return f.Dispatch.Add(f.Administration).Add(f.Reserve)
}

// Breakdown splits the fee on a fee-exclusive amount. Each part is rounded
// half-up to a whole unit and Total is the sum of the parts.
func (f FeeSchedule) Breakdown(gross int64) models.FeeBreakdown {
	g := decimal.NewFromInt(gross)
	part := func(rate decimal.Decimal) int64 {
		return g.Mul(rate).Round(0).IntPart()
	}

	b := models.FeeBreakdown{
		Dispatch:       part(f.Dispatch),
		Administration: part(f.Administration),
		Reserve:        part(f.Reserve),
	}
	b.Total = b.Dispatch + b.Administration + b.Reserve
	return b
}

// EffectivePrice is the fee-inclusive price of one unit
func (f FeeSchedule) EffectivePrice(unitPrice int64) int64 {
	return unitPrice + f.Breakdown(unitPrice).Total
}

// Settle converts a fee-exclusive value into its settlement value
func (f FeeSchedule) Settle(gross int64) models.Settlement {
	fee := f.Breakdown(gross)
	return models.Settlement{
		Gross: gross,
		Fee:   fee,
		Total: gross + fee.Total,
	}
}
