package server

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/util"
)

const (
	stateFilename = "state.bin"
	// KeyEnvVar holds the hex encoded secp256k1 signing key of the oracle.
	KeyEnvVar = "ORACLE_PK"
)

type state struct {
	PrivKey []byte
}

func (s *state) key() (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(s.PrivKey)
}

func saveState(datadir string, s *state) error {
	return util.Persist(filepath.Join(datadir, stateFilename), s)
}

// loadState returns the persisted key, the key from envKey, or a fresh one.
// A persisted key that differs from envKey is an error.
func loadState(ctx context.Context, datadir, envKey string) (*state, error) {
	logger := logging.FromContext(ctx)

	var fromEnv []byte
	if envKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(envKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", KeyEnvVar, err)
		}
		fromEnv = crypto.FromECDSA(key)
	}

	s := &state{}
	err := util.Load(filepath.Join(datadir, stateFilename), s)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if fromEnv != nil {
			logger.Info("using signing key from environment", zap.String("var", KeyEnvVar))
			return &state{PrivKey: fromEnv}, nil
		}
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		logger.Info("generated new signing key", zap.Stringer("issuer", crypto.PubkeyToAddress(key.PublicKey)))
		return &state{PrivKey: crypto.FromECDSA(key)}, nil
	case err != nil:
		return nil, err
	}

	if _, err := s.key(); err != nil {
		return nil, fmt.Errorf("persisted signing key: %w", err)
	}
	if fromEnv != nil && string(fromEnv) != string(s.PrivKey) {
		return nil, fmt.Errorf("signing key from %s differs from the one persisted in %s", KeyEnvVar, datadir)
	}
	return s, nil
}
