package attestation

import (
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/oen-network/oen/types"
)

const DefaultValidity = time.Hour

func DefaultConfig() Config {
	return Config{
		Validity: DefaultValidity,
		ChainID:  31337,
	}
}

//nolint:lll
type Config struct {
	Validity          time.Duration `long:"validity"           description:"How long an issued attestation stays valid"`
	ChainID           uint64        `long:"chain-id"           description:"Chain id used when a request omits it"`
	VerifyingContract types.Address `long:"verifying-contract" description:"StakingManager address used when a request omits it"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("validity", c.Validity)
	enc.AddUint64("chain-id", c.ChainID)
	enc.AddString("verifying-contract", c.VerifyingContract.Address().Hex())
	return nil
}
