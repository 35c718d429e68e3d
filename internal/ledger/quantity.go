package ledger

import "math"

// quantityGrid mirrors the decimal(12,4) columns: 0.0001 tCO2e is the
// smallest tradable amount.
const quantityGrid = 10000

// RoundQuantity snaps a quantity to the 0.0001 tCO2e grid. Every bucket
// mutation passes through it so repeated float arithmetic cannot accumulate
// binary residue; once all stored values sit on the grid, the exact
// comparisons in the services and in ComputeStatus are reliable again.
func RoundQuantity(v float64) float64 {
	return math.Round(v*quantityGrid) / quantityGrid
}
