// Package fixed provides fixed-point decimal arithmetic for monetary values.
// Every amount is an integer count of 1e-8 units; no floating point is used
// anywhere a balance or fee is computed.
package fixed

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits carried by every Amount.
const Decimals = 8

// Unit is the scaling factor between whole coins and Amount units.
const Unit = 100_000_000

// MoneroAtomicPerUnit converts between 1e-8 units and piconero (1e-12).
// 1 XMR = 1e12 piconero = 1e8 units, so 1 unit = 1e4 piconero.
const MoneroAtomicPerUnit = 10_000

// Amount is a monetary value in 1e-8 units of a coin.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

var unitBig = big.NewInt(Unit)

// Parse parses a decimal string with up to Decimals fractional digits.
// Extra fractional digits are rejected, not silently truncated.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	} else if s[0] == '+' {
		s = s[1:]
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole = s[:i]
		frac = s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if whole == "" {
		whole = "0"
	}

	for _, c := range whole {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount %q", s)
		}
	}
	for _, c := range frac {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount %q", s)
		}
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("amount %q has more than %d fractional digits", s, Decimals)
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	v := new(big.Int)
	if _, ok := v.SetString(whole+frac, 10); !ok {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if neg {
		v.Neg(v)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return Amount(v.Int64()), nil
}

// MustParse parses s and panics on error. For constants in tests and config.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the amount as a decimal string with trailing zeros trimmed.
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / Unit
	frac := v % Unit
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	fracStr := fmt.Sprintf("%08d", frac)
	fracStr = strings.TrimRight(fracStr, "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fracStr)
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return a - b }

// Neg returns -a.
func (a Amount) Neg() Amount { return -a }

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool { return a == 0 }

// IsNegative reports whether a is below zero.
func (a Amount) IsNegative() bool { return a < 0 }

// IsPositive reports whether a is above zero.
func (a Amount) IsPositive() bool { return a > 0 }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Mul multiplies two amounts (e.g. price x quantity, or value x fee rate)
// and quantizes the product back to 1e-8 units, truncating toward zero.
// The intermediate product runs through big.Int so it cannot overflow.
func Mul(a, b Amount) Amount {
	p := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(b)))
	p.Quo(p, unitBig)
	return Amount(p.Int64())
}

// Div divides a by b and quantizes the quotient to 1e-8 units, truncating
// toward zero. Division by zero returns zero.
func Div(a, b Amount) Amount {
	if b == 0 {
		return 0
	}
	p := new(big.Int).Mul(big.NewInt(int64(a)), unitBig)
	p.Quo(p, big.NewInt(int64(b)))
	return Amount(p.Int64())
}

// ToMoneroAtomic converts the amount to integer piconero.
func (a Amount) ToMoneroAtomic() uint64 {
	return uint64(a) * MoneroAtomicPerUnit
}

// FromMoneroAtomic converts integer piconero to an Amount, truncating
// anything below 1e-8.
func FromMoneroAtomic(atomic uint64) Amount {
	return Amount(atomic / MoneroAtomicPerUnit)
}
