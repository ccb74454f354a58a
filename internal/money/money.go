// Package money represents amounts as int64 micro-units (6 decimal places,
// matching the settlement token). Decimal strings exist only at the
// boundary; all internal math is integer.
package money

import (
	"fmt"
	"strings"
)

// Amount is a quantity in micro-units: 1_000_000 == 1.0.
type Amount int64

// Micro is the number of minor units per whole unit.
const Micro = 1_000_000

const decimals = 6

// Parse converts a boundary decimal string ("0.020") to micro-units.
// At most 6 fractional digits are accepted; extra precision is rejected
// rather than silently truncated.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	if len(frac) > decimals {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, decimals)
	}
	var v int64
	for _, c := range whole {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("malformed amount %q", s)
		}
		v = v*10 + int64(c-'0')
		if v > (1<<62)/Micro {
			return 0, fmt.Errorf("amount %q out of range", s)
		}
	}
	v *= Micro
	scale := int64(Micro / 10)
	for _, c := range frac {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("malformed amount %q", s)
		}
		v += int64(c-'0') * scale
		scale /= 10
	}
	if neg {
		v = -v
	}
	return Amount(v), nil
}

// MustParse is Parse for literals in tests and seed data.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats with full 6-digit precision ("0.020000").
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/Micro, v%Micro)
}

// Float returns a lossy float64 view for scoring ratios only.
func (a Amount) Float() float64 { return float64(a) / Micro }

// SplitFee divides an amount into a platform fee and a net remainder.
// feeRateMicros is the fee rate in micros (500_000 == 5%); the fee is
// floored so the provider never loses to rounding.
func SplitFee(amount Amount, feeRateMicros int64) (fee, net Amount) {
	fee = Amount(int64(amount) * feeRateMicros / Micro)
	return fee, amount - fee
}

// FeeRateMicrosFromPermille converts a permille config knob (50 == 5%) to
// the micro rate used by SplitFee.
func FeeRateMicrosFromPermille(permille int64) int64 {
	return permille * 1000
}
