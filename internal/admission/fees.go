package admission

import "math"

// FeeCalculator computes the convenience fee charged on top of the batch
// price. Pure math, no side effects.
type FeeCalculator struct {
	// Percent of the unit price, e.g. 10 for 10%.
	Percent float64
	// Minimum fee in currency units for any paid registration.
	Minimum float64
}

func NewFeeCalculator(percent, minimum float64) *FeeCalculator {
	return &FeeCalculator{Percent: percent, Minimum: minimum}
}

// ConvenienceFee returns the fee for a unit price, rounded to cents.
// Free registrations carry no fee.
func (f *FeeCalculator) ConvenienceFee(amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	fee := amount * f.Percent / 100
	if fee < f.Minimum {
		fee = f.Minimum
	}
	return math.Round(fee*100) / 100
}
