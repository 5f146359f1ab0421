// Package core holds the ledger domain model and the pure money and
// date arithmetic the scheduler is built on.
//
// All monetary amounts are stored as integer cents to avoid
// floating-point drift in balance arithmetic.
package core

// Money is an amount in cents. Negative values only appear as signed
// balance deltas, never as transaction or budget amounts.
type Money struct {
	Cents int64
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Float returns the amount in currency units for display and
// percentage math. Use cents for anything that is stored back.
func (m Money) Float() float64 {
	return float64(m.Cents) / 100.0
}
