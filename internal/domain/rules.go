package domain

import "github.com/shopspring/decimal"

// PositionRules holds the automatic close thresholds attached to a position at
// creation time. A nil percentage means the corresponding rule is unset. Rules
// are immutable once attached.
type PositionRules struct {
	StopGainPct *decimal.Decimal
	StopLossPct *decimal.Decimal
}

// StopGainSet reports whether a stop-gain threshold is configured.
func (r PositionRules) StopGainSet() bool {
	return r.StopGainPct != nil
}

// StopLossSet reports whether a stop-loss threshold is configured.
func (r PositionRules) StopLossSet() bool {
	return r.StopLossPct != nil
}
