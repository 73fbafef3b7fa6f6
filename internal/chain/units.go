package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseUnits converts a human-readable decimal amount to base units
// using exact string arithmetic, so "0.052" at 18 decimals is precisely
// 52000000000000000 with no float rounding.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		return nil, fmt.Errorf("negative amount %q", amount)
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	fracPart += strings.Repeat("0", decimals-len(fracPart))

	out, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	return out, nil
}

// FormatUnits renders a base-unit amount as a decimal string with
// trailing zeros trimmed.
func FormatUnits(x *big.Int, decimals int) string {
	if x == nil {
		return "0"
	}
	if decimals <= 0 {
		return x.String()
	}
	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	var intPart, frac big.Int
	intPart.QuoRem(x, base, &frac)

	fs := frac.String()
	if len(fs) < decimals {
		fs = strings.Repeat("0", decimals-len(fs)) + fs
	}
	fracStr := strings.TrimRight(fs, "0")
	if fracStr == "" {
		return intPart.String()
	}
	return intPart.String() + "." + fracStr
}
