package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a go-flags friendly wrapper of common.Address.
type Address common.Address

// UnmarshalFlag implements flags.Unmarshaler.
func (a *Address) UnmarshalFlag(value string) error {
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%w: not a hex address: %q", ErrInputValidation, value)
	}
	*a = Address(common.HexToAddress(value))
	return nil
}

// MarshalFlag implements flags.Marshaler.
func (a Address) MarshalFlag() (string, error) {
	return common.Address(a).Hex(), nil
}

func (a Address) Address() common.Address {
	return common.Address(a)
}

func (a Address) IsZero() bool {
	return common.Address(a) == common.Address{}
}
