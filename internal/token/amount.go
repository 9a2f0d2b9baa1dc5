package token

import (
	"fmt"
	"math/big"
	"strings"
)

// ToBaseUnits converts a human decimal amount ("1.5") into the token's
// fixed-point integer representation. Excess fractional digits are dropped,
// never rounded up: overestimating spend is forbidden.
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("negative amount %q", amount)
	}

	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if !isDigits(intPart) || (fracPart != "" && !isDigits(fracPart)) {
		return nil, fmt.Errorf("malformed amount %q", amount)
	}

	// Truncate (floor) or right-pad the fraction to exactly `decimals` digits.
	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	} else {
		fracPart += strings.Repeat("0", decimals-len(fracPart))
	}

	out, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", amount)
	}
	return out, nil
}

// FromBaseUnits renders a fixed-point integer as a decimal string using the
// token's decimals, with trailing fractional zeros trimmed.
func FromBaseUnits(x *big.Int, decimals int) string {
	if x == nil || x.Sign() == 0 {
		return "0"
	}
	if decimals == 0 {
		return x.String()
	}

	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	q, r := new(big.Int).QuoRem(x, div, new(big.Int))

	frac := strings.TrimRight(fmt.Sprintf("%0*s", decimals, r.String()), "0")
	if frac == "" {
		return q.String()
	}
	return q.String() + "." + frac
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
