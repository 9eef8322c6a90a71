// Package helpers provides the small amount-formatting and byte
// utilities shared across the orchestrator.
package helpers

import (
	"fmt"
	"math/big"
)

// Decimal places for the native assets handled by the orchestrator.
const (
	ETHDecimals  = 18
	NEARDecimals = 24
)

// FormatBigAmount formats an amount in smallest units as a decimal
// string. For example, 1500000000000000000 at 18 decimals renders as
// "1.5".
func FormatBigAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amount, divisor)
	frac := new(big.Int).Mod(amount, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*s", int(decimals), frac.String())
	// Trim trailing zeros
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}

	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// ParseBigAmount parses a decimal string to smallest units. NEAR
// amounts in yoctoNEAR exceed uint64 for anything above ~18 NEAR, so
// amounts travel as big.Ints throughout. Fractional digits beyond the
// given precision are truncated.
func ParseBigAmount(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	// Find decimal point
	var wholeStr, fracStr string
	for i, c := range s {
		if c == '.' {
			wholeStr = s[:i]
			fracStr = s[i+1:]
			break
		}
	}
	if wholeStr == "" && fracStr == "" {
		wholeStr = s
	}

	// Validate characters
	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	// Pad or truncate fractional part
	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	combined := wholeStr + fracStr
	amount := new(big.Int)
	_, ok := amount.SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}

	return amount, nil
}

// WeiToETH converts wei to an ETH decimal string (18 decimals).
func WeiToETH(wei *big.Int) string {
	return FormatBigAmount(wei, ETHDecimals)
}

// YoctoToNEAR converts yoctoNEAR to a NEAR decimal string (24 decimals).
func YoctoToNEAR(yocto *big.Int) string {
	return FormatBigAmount(yocto, NEARDecimals)
}
