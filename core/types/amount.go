package types

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseFixed converts a decimal string such as "100.50" into an integer scaled
// by 10^decimals. More fractional digits than decimals is an error rather than
// a silent truncation. Negative values are rejected.
func ParseFixed(value string, decimals int) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	if decimals < 0 {
		return nil, fmt.Errorf("invalid decimals %d", decimals)
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("amount must not be negative")
	}
	trimmed = strings.TrimPrefix(trimmed, "+")
	whole, frac, hasFrac := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && frac == "" {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", value, decimals)
	}
	for _, part := range []string{whole, frac} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return nil, fmt.Errorf("invalid amount %q", value)
			}
		}
	}
	frac += strings.Repeat("0", decimals-len(frac))
	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return out, nil
}

// FormatFixed renders an integer scaled by 10^decimals as a decimal string
// with exactly decimals fractional digits.
func FormatFixed(value *big.Int, decimals int) string {
	if value == nil {
		value = big.NewInt(0)
	}
	neg := value.Sign() < 0
	digits := new(big.Int).Abs(value).String()
	if decimals <= 0 {
		if neg {
			return "-" + digits
		}
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	cut := len(digits) - decimals
	out := digits[:cut] + "." + digits[cut:]
	if neg {
		return "-" + out
	}
	return out
}

// MulFixed multiplies two fixed-point values and rescales the product to
// outDecimals, rounding toward zero.
func MulFixed(a *big.Int, aDecimals int, b *big.Int, bDecimals int, outDecimals int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	shift := aDecimals + bDecimals - outDecimals
	switch {
	case shift > 0:
		product.Quo(product, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil))
	case shift < 0:
		product.Mul(product, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-shift)), nil))
	}
	return product
}
