package options

import "math"

// FeeModel is the per-order option commission schedule.
type FeeModel struct {
	CommissionPerContract  float64 `json:"commission_per_contract" yaml:"commission_per_contract" default:"0.10"`
	MinCommissionPerOrder  float64 `json:"min_commission_per_order" yaml:"min_commission_per_order" default:"0.99"`
	PlatformFeePerContract float64 `json:"platform_fee_per_contract" yaml:"platform_fee_per_contract" default:"0.30"`
}

// DefaultFeeModel returns $0.10/contract with a $0.99 minimum plus $0.30/contract platform fee.
func DefaultFeeModel() FeeModel {
	return FeeModel{CommissionPerContract: 0.10, MinCommissionPerOrder: 0.99, PlatformFeePerContract: 0.30}
}

// FeeBreakdown itemises the fees of one fill.
type FeeBreakdown struct {
	Contracts   int     `json:"contracts"`
	Commission  float64 `json:"commission"`
	PlatformFee float64 `json:"platform_fee"`
	Total       float64 `json:"total"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Fees computes the fees charged on a fill of n contracts.
func (m FeeModel) Fees(n int) FeeBreakdown {
	if n <= 0 {
		return FeeBreakdown{}
	}
	commission := math.Max(m.CommissionPerContract*float64(n), m.MinCommissionPerOrder)
	platform := m.PlatformFeePerContract * float64(n)
	return FeeBreakdown{
		Contracts:   n,
		Commission:  round2(commission),
		PlatformFee: round2(platform),
		Total:       round2(commission + platform),
	}
}

// OrderCost is premium * multiplier * contracts plus entry fees: the amount
// reserved from the capital ledger for an option entry.
func (m FeeModel) OrderCost(premium, multiplier float64, contracts int) float64 {
	return round2(premium*multiplier*float64(contracts) + m.Fees(contracts).Total)
}
