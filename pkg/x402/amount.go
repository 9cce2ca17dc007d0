package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// TokenDecimals is the precision of the settlement asset. Amounts travel as
// decimal strings on the wire and as base units internally so they can feed
// EIP-3009 values without rounding.
const TokenDecimals = 6

var unitScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)

// ParseAmount converts a decimal string such as "1.00" into base token
// units. Negative amounts and fractions finer than the token precision are
// rejected.
func ParseAmount(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(value, "-") {
		return nil, fmt.Errorf("amount %q is negative", value)
	}

	whole := value
	frac := ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		whole = value[:idx]
		frac = value[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > TokenDecimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", value, TokenDecimals)
	}
	frac += strings.Repeat("0", TokenDecimals-len(frac))

	wholeUnits, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a decimal number", value)
	}
	fracUnits := big.NewInt(0)
	if frac != "" {
		fracUnits, ok = new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("amount %q is not a decimal number", value)
		}
	}

	units := new(big.Int).Mul(wholeUnits, unitScale)
	units.Add(units, fracUnits)
	return units, nil
}

// FormatAmount renders base token units back into a decimal string with the
// full token precision, e.g. 1000000 -> "1.000000".
func FormatAmount(units *big.Int) string {
	if units == nil {
		return "0." + strings.Repeat("0", TokenDecimals)
	}
	quo, rem := new(big.Int).QuoRem(units, unitScale, new(big.Int))
	return fmt.Sprintf("%s.%0*d", quo.String(), TokenDecimals, rem)
}
