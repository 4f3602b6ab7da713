package sequencer

import (
	"time"

	"go.uber.org/zap/zapcore"
)

const DefaultConfirmTimeout = 2 * time.Minute

func DefaultConfig() Config {
	return Config{ConfirmTimeout: DefaultConfirmTimeout}
}

type Config struct {
	ConfirmTimeout time.Duration `long:"confirm-timeout" description:"How long to wait for the receipts of a sequence"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("confirm-timeout", c.ConfirmTimeout)
	return nil
}
