package sequencer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

type blockState uint32

const (
	// stateReserved marks a block whose outcome is not known yet. Found on
	// Reserve it means a previous run crashed or lost track of a receipt.
	stateReserved blockState = iota
	stateCompleted
	stateAborted
	stateReconciled
)

func (s blockState) String() string {
	switch s {
	case stateReserved:
		return "reserved"
	case stateCompleted:
		return "completed"
	case stateAborted:
		return "aborted"
	case stateReconciled:
		return "reconciled"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// blockRecord is the last block reserved for an account.
// End is the first nonce after the numbers the block consumed on chain.
type blockRecord struct {
	Base      uint64
	Count     uint32
	End       uint64
	State     uint32
	Steps     []string
	UpdatedAt int64
}

func (r *blockRecord) state() blockState {
	return blockState(r.State)
}

const blockPrefix = "block/"

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

func blockKey(account common.Address) []byte {
	return append([]byte(blockPrefix), account.Bytes()...)
}

// get returns nil when the account never reserved a block.
func (db *database) get(account common.Address) (*blockRecord, error) {
	data, err := db.db.Get(blockKey(account), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get block of %s from DB: %w", account.Hex(), err)
	}
	var rec blockRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		return nil, fmt.Errorf("deserializing block of %s: %w", account.Hex(), err)
	}
	return &rec, nil
}

func (db *database) put(account common.Address, rec *blockRecord) error {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, rec); err != nil {
		return fmt.Errorf("serializing block: %w", err)
	}
	if err := db.db.Put(blockKey(account), buf.Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing block of %s in DB: %w", account.Hex(), err)
	}
	return nil
}
