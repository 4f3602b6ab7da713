package main

import (
	"fmt"
	"math/big"
	"strings"

	sdkmath "cosmossdk.io/math"

	"github.com/oen-network/oen/types"
)

// EdgeDecimals is the number of decimals of the EDGE token. It equals the
// precision of sdkmath.LegacyDec, so a Dec's internal integer is the amount
// in base units.
const EdgeDecimals = sdkmath.LegacyPrecision

var edgeUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(EdgeDecimals), nil)

// parseEdge converts a decimal token amount such as "12.5" to base units.
func parseEdge(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("%w: amount %q must be a non-negative decimal", types.ErrInputValidation, s)
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	dec, err := sdkmath.LegacyNewDecFromStr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", types.ErrInputValidation, s, err)
	}
	return dec.BigInt(), nil
}

// formatEdge renders base units as a decimal amount without trailing zeros.
func formatEdge(v *big.Int) string {
	if v == nil {
		return "0.0"
	}
	s := strings.TrimRight(sdkmath.LegacyNewDecFromBigIntWithPrec(v, EdgeDecimals).String(), "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}

// edgeAmount is a token amount flag.
type edgeAmount struct {
	*big.Int
}

func (a *edgeAmount) UnmarshalFlag(value string) error {
	v, err := parseEdge(value)
	if err != nil {
		return err
	}
	a.Int = v
	return nil
}

func (a edgeAmount) MarshalFlag() (string, error) {
	return formatEdge(a.Int), nil
}
