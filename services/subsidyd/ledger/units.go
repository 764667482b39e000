package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// WeiDecimals is the number of fractional digits of the native token.
const WeiDecimals = 18

// ValidateUint256 ensures v fits the contract's uint256 arguments.
func ValidateUint256(v *big.Int) error {
	if v == nil {
		return fmt.Errorf("ledger: value required")
	}
	if v.Sign() < 0 {
		return fmt.Errorf("ledger: value %s is negative", v)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("ledger: value %s overflows uint256", v)
	}
	return nil
}

// NormalizeDecimal returns the canonical form of a non-negative decimal amount: no
// leading zeros in the integer part, no trailing zeros in the fraction, and at most
// WeiDecimals fractional digits.
func NormalizeDecimal(raw string) (string, error) {
	whole, frac, err := splitDecimal(raw)
	if err != nil {
		return "", err
	}
	whole = strings.TrimLeft(whole, "0")
	if whole == "" {
		whole = "0"
	}
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole, nil
	}
	return whole + "." + frac, nil
}

// ToWei converts a decimal token amount into its 18-decimal integer representation.
func ToWei(raw string) (*big.Int, error) {
	whole, frac, err := splitDecimal(raw)
	if err != nil {
		return nil, err
	}
	frac += strings.Repeat("0", WeiDecimals-len(frac))
	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	wei, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid amount %q", raw)
	}
	if err := ValidateUint256(wei); err != nil {
		return nil, err
	}
	return wei, nil
}

func splitDecimal(raw string) (string, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", fmt.Errorf("ledger: amount required")
	}
	whole, frac, hasPoint := strings.Cut(trimmed, ".")
	if whole == "" && frac == "" {
		return "", "", fmt.Errorf("ledger: invalid amount %q", raw)
	}
	if hasPoint && frac == "" {
		return "", "", fmt.Errorf("ledger: invalid amount %q", raw)
	}
	if !allDigits(whole) || !allDigits(frac) {
		return "", "", fmt.Errorf("ledger: invalid amount %q", raw)
	}
	if len(frac) > WeiDecimals {
		return "", "", fmt.Errorf("ledger: amount %q has more than %d decimals", raw, WeiDecimals)
	}
	return whole, frac, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
