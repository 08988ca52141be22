// Package types defines the canonical domain vocabulary shared across every
// component — entities, enums, and wire-adjacent event payloads. It has no
// dependency on any internal package, so every layer can import it freely.
package types

import "github.com/shopspring/decimal"

// D is a local alias so the rest of the codebase reads "types.D" instead of
// reaching for shopspring/decimal directly — every monetary or quantity
// field in the core is one of these, never a float64.
type D = decimal.Decimal

// Zero, One and Hundred are the constants used throughout ratio/percentage
// math (risk fractions, fee rates, performance metrics).
var (
	Zero    = decimal.Zero
	One     = decimal.NewFromInt(1)
	Hundred = decimal.NewFromInt(100)
)

// DefaultScales per spec §3: 8 fractional digits for quantities/prices,
// 4 for ratios, 2 for percentages.
const (
	ScaleQuantity = 8
	ScaleRatio    = 4
	ScalePercent  = 2
)
