package attestation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const noncePrefix = "nonce/"

// database persists the last nonce issued per worker.
type database struct {
	db *leveldb.DB
}

func newDatabase(dbPath string) (*database, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", dbPath, err)
	}
	return &database{db}, nil
}

func (db *database) Close() error {
	return db.db.Close()
}

func nonceKey(worker common.Address) []byte {
	return append([]byte(noncePrefix), worker.Bytes()...)
}

// LastIssued returns 0 for a worker that never received an attestation.
func (db *database) LastIssued(ctx context.Context, worker common.Address) (uint64, error) {
	data, err := db.db.Get(nonceKey(worker), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("get nonce for %s from DB: %w", worker.Hex(), err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupted nonce entry for %s: %d bytes", worker.Hex(), len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func (db *database) SetLastIssued(ctx context.Context, worker common.Address, nonce uint64) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, nonce)
	if err := db.db.Put(nonceKey(worker), value, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing nonce for %s in DB: %w", worker.Hex(), err)
	}
	return nil
}
