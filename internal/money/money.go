// Package money implements the fixed-point micros arithmetic every other
// package consumes. 1 USD == 1_000_000 micros; prices are constrained to
// (0, 1_000_000). No floating-point value should cross this package's
// boundary — decimal-string parsing happens here, once, via shopspring's
// arbitrary-precision decimal so a malformed or empty wire value maps
// deterministically to zero instead of propagating a NaN.
package money

import (
	"math/bits"

	"github.com/shopspring/decimal"

	"polycopy/pkg/types"
)

// Scale is the fixed-point scale: 1 USD == Scale micros.
const Scale = 1_000_000

// MaxPriceMicros is the upper exclusive bound a price may take.
const MaxPriceMicros = 1_000_000

var scaleDec = decimal.NewFromInt(Scale)

// ParsePriceMicros converts a decimal price string (e.g. "0.55") to price
// micros, clamped to [0, 1_000_000]. Empty, malformed, or non-finite input
// maps to 0.
func ParsePriceMicros(s string) types.PriceMicros {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	micros := d.Mul(scaleDec).Round(0).IntPart()
	return types.PriceMicros(clampInt64(micros, 0, MaxPriceMicros))
}

// ParseShareMicros converts a decimal share-quantity string to share micros.
// Empty or malformed input maps to 0.
func ParseShareMicros(s string) types.ShareMicros {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return types.ShareMicros(d.Mul(scaleDec).Round(0).IntPart())
}

// ParseCashMicros converts a decimal USD string to cash micros.
func ParseCashMicros(s string) types.CashMicros {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return types.CashMicros(d.Mul(scaleDec).Round(0).IntPart())
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Notional computes shares_micros * price_micros / 1_000_000, floored, using
// a 128-bit-safe wide multiply so positions beyond tens of thousands of
// dollars don't silently overflow a 64-bit product before the divide.
func Notional(shares types.ShareMicros, price types.PriceMicros) types.CashMicros {
	neg := false
	s := int64(shares)
	p := int64(price)
	if s < 0 {
		neg = !neg
		s = -s
	}
	if p < 0 {
		neg = !neg
		p = -p
	}

	hi, lo := bits.Mul64(uint64(s), uint64(p))
	q, _ := bits.Div64(hi, lo, Scale)

	result := int64(q)
	if neg {
		result = -result
	}
	return types.CashMicros(result)
}

// FilledRatioBps returns min(10_000, filledShares * 10_000 / targetShares).
// Returns 0 if targetShares <= 0.
func FilledRatioBps(filledShares, targetShares types.ShareMicros) int64 {
	if targetShares <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(filledShares), 10_000)
	q, _ := bits.Div64(hi, lo, uint64(targetShares))
	if q > 10_000 {
		return 10_000
	}
	return int64(q)
}

// BpsOf applies basis points to a cash amount: amount * bps / 10_000.
func BpsOf(amount types.CashMicros, bps int64) types.CashMicros {
	neg := amount < 0
	a := int64(amount)
	if neg {
		a = -a
	}
	hi, lo := bits.Mul64(uint64(a), uint64(bps))
	q, _ := bits.Div64(hi, lo, 10_000)
	result := int64(q)
	if neg {
		result = -result
	}
	return types.CashMicros(result)
}

// ClampCash clamps v into [lo, hi].
func ClampCash(v, lo, hi types.CashMicros) types.CashMicros {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// VWAP computes notional * 1_000_000 / shares (floored). Returns 0 if shares
// is zero. Callers that derive a group's reference price from a leader's own
// fills (internal/grouper, internal/buffer) want floor semantics here, since
// no rounding is specified for those paths.
func VWAP(notional types.CashMicros, shares types.ShareMicros) types.PriceMicros {
	if shares <= 0 {
		return 0
	}
	neg := notional < 0
	n := int64(notional)
	if neg {
		n = -n
	}
	hi, lo := bits.Mul64(uint64(n), Scale)
	q, _ := bits.Div64(hi, lo, uint64(shares))
	result := int64(q)
	if neg {
		result = -result
	}
	return types.PriceMicros(result)
}

// RoundedPrice computes notional * 1_000_000 / shares, rounded half up
// (ties round away from zero), using the same 128-bit-safe wide multiply as
// VWAP. Returns 0 if shares is zero. Use this instead of VWAP wherever the
// caller needs priceMicros = round(usdc * 1_000_000 / tokens) rather than a
// floored quotient — internal/chainfeed's on-chain fill decode is the one
// caller that does.
func RoundedPrice(notional types.CashMicros, shares types.ShareMicros) types.PriceMicros {
	if shares <= 0 {
		return 0
	}
	neg := notional < 0
	n := int64(notional)
	if neg {
		n = -n
	}
	s := uint64(shares)
	hi, lo := bits.Mul64(uint64(n), Scale)
	q, rem := bits.Div64(hi, lo, s)
	if 2*rem >= s {
		q++
	}
	result := int64(q)
	if neg {
		result = -result
	}
	return types.PriceMicros(result)
}
