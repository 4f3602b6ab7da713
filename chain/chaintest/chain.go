// Package chaintest provides an in-memory stand-in for the EdgeToken,
// StakingManager and JobRegistry contracts. Every transaction is executed
// and mined at the moment it is broadcast, and nonces must arrive in order.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/oen-network/oen/attestation"
	"github.com/oen-network/oen/chain"
	"github.com/oen-network/oen/types"
)

const ChainID = 31337

var DefaultAddresses = chain.Addresses{
	Token:       common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	Staking:     common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
	JobRegistry: common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"),
}

// Sent records one accepted broadcast.
type Sent struct {
	From   common.Address
	Method string
	Nonce  uint64
	Tx     common.Hash
}

type allowanceKey struct {
	owner, spender common.Address
}

type Chain struct {
	mu sync.Mutex

	addrs      chain.Addresses
	pending    map[common.Address]uint64
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	stakes     map[common.Address]*big.Int
	metaNonces map[common.Address]uint64
	nodeMeta   map[common.Address]chain.NodeMeta
	jobs       []*chain.Job
	receipts   map[common.Hash]*ethtypes.Receipt
	reasons    map[common.Hash]string
	sent       []Sent
	reads      map[string]int

	rejects   map[string]string
	reverts   map[string]string
	readErr   error
	mineDelay time.Duration
	oracle    common.Address
	block     uint64
	clock     clock.Clock
}

func New() *Chain {
	return &Chain{
		addrs:      DefaultAddresses,
		pending:    make(map[common.Address]uint64),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		stakes:     make(map[common.Address]*big.Int),
		metaNonces: make(map[common.Address]uint64),
		nodeMeta:   make(map[common.Address]chain.NodeMeta),
		receipts:   make(map[common.Hash]*ethtypes.Receipt),
		reasons:    make(map[common.Hash]string),
		reads:      make(map[string]int),
		rejects:    make(map[string]string),
		reverts:    make(map[string]string),
		clock:      clock.New(),
	}
}

// SetClock replaces the block time source used for registration expiry,
// job deadlines and mining delays.
func (c *Chain) SetClock(clk clock.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clk
}

// As returns a client bound to the given account.
func (c *Chain) As(from common.Address) *Account {
	return &Account{chain: c, from: from}
}

func (c *Chain) Mint(account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = new(big.Int).Add(c.balance(account), amount)
}

func (c *Chain) SetStake(worker common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stakes[worker] = new(big.Int).Set(amount)
}

func (c *Chain) SetMetaNonce(worker common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metaNonces[worker] = nonce
}

// SetPendingNonce moves an account's nonce as if it transacted elsewhere.
func (c *Chain) SetPendingNonce(account common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[account] = nonce
}

// SetOracle makes registerNodeSigned verify signatures against signer.
func (c *Chain) SetOracle(signer common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.oracle = signer
}

// AddJob stores a job as-is and returns its id.
func (c *Chain) AddJob(job chain.Job) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	job.ID = uint64(len(c.jobs) + 1)
	if job.Bounty == nil {
		job.Bounty = new(big.Int)
	}
	c.jobs = append(c.jobs, &job)
	return job.ID
}

func (c *Chain) Job(id uint64) chain.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 || id > uint64(len(c.jobs)) {
		return chain.Job{}
	}
	return *c.jobs[id-1]
}

// RejectBroadcast makes every broadcast of method fail without consuming a nonce.
func (c *Chain) RejectBroadcast(method, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects[method] = reason
}

// Revert makes every transaction calling method get mined with a failed status.
func (c *Chain) Revert(method, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverts[method] = reason
}

// FailReads makes every view call return err. A nil err restores reads.
func (c *Chain) FailReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// SetMineDelay delays every WaitMined call.
func (c *Chain) SetMineDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mineDelay = d
}

func (c *Chain) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Reads returns how many times the view method was called.
func (c *Chain) Reads(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[method]
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads["pendingNonce"]++
	if c.readErr != nil {
		return 0, c.readErr
	}
	return c.pending[account], nil
}

func (c *Chain) WaitMined(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Receipt, error) {
	c.mu.Lock()
	delay := c.mineDelay
	clk := c.clock
	receipt, ok := c.receipts[tx.Hash()]
	c.mu.Unlock()
	if !ok {
		return nil, &types.ChainRejectedError{Op: "waitMined", Reason: "unknown transaction " + tx.Hash().Hex()}
	}
	if delay > 0 {
		select {
		case <-clk.After(delay):
		case <-ctx.Done():
			return nil, &types.ChainRejectedError{Op: "waitMined", Reason: ctx.Err().Error()}
		}
	}
	return receipt, nil
}

func (c *Chain) RevertReason(ctx context.Context, tx *ethtypes.Transaction, receipt *ethtypes.Receipt) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reasons[tx.Hash()]
}

func (c *Chain) balance(account common.Address) *big.Int {
	if b, ok := c.balances[account]; ok {
		return b
	}
	return new(big.Int)
}

func (c *Chain) allowance(owner, spender common.Address) *big.Int {
	if a, ok := c.allowances[allowanceKey{owner, spender}]; ok {
		return a
	}
	return new(big.Int)
}

func (c *Chain) stake(worker common.Address) *big.Int {
	if s, ok := c.stakes[worker]; ok {
		return s
	}
	return new(big.Int)
}

// spend moves amount from owner's balance using spender's allowance.
func (c *Chain) spend(owner, spender common.Address, amount *big.Int) error {
	if c.allowance(owner, spender).Cmp(amount) < 0 {
		return errors.New("ERC20: insufficient allowance")
	}
	if c.balance(owner).Cmp(amount) < 0 {
		return errors.New("ERC20: transfer amount exceeds balance")
	}
	c.allowances[allowanceKey{owner, spender}] = new(big.Int).Sub(c.allowance(owner, spender), amount)
	c.balances[owner] = new(big.Int).Sub(c.balance(owner), amount)
	return nil
}

func (c *Chain) read(method string) error {
	c.reads[method]++
	return c.readErr
}

func (c *Chain) job(id uint64) (*chain.Job, error) {
	if id == 0 || id > uint64(len(c.jobs)) {
		return nil, errors.New("job does not exist")
	}
	return c.jobs[id-1], nil
}

// send accepts a broadcast with the account's next nonce, executes it and
// stores the receipt. A failing exec leaves a reverted receipt behind.
func (c *Chain) send(from common.Address, nonce uint64, method string, to common.Address, exec func() error) (*ethtypes.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reason, ok := c.rejects[method]; ok {
		return nil, &types.ChainRejectedError{Op: method, Reason: reason}
	}
	switch want := c.pending[from]; {
	case nonce < want:
		return nil, &types.ChainRejectedError{Op: method, Reason: fmt.Sprintf("nonce too low: next nonce %d, tx nonce %d", want, nonce)}
	case nonce > want:
		return nil, &types.ChainRejectedError{Op: method, Reason: fmt.Sprintf("nonce too high: next nonce %d, tx nonce %d", want, nonce)}
	}
	c.pending[from]++

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      chain.DefaultGasLimit,
		GasPrice: big.NewInt(1),
		Data:     append([]byte(method), from.Bytes()...),
	})
	c.sent = append(c.sent, Sent{From: from, Method: method, Nonce: nonce, Tx: tx.Hash()})

	c.block++
	receipt := &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.block),
		GasUsed:     21_000,
	}
	reason, revert := c.reverts[method]
	if !revert {
		if err := exec(); err != nil {
			reason, revert = err.Error(), true
		}
	}
	if revert {
		receipt.Status = ethtypes.ReceiptStatusFailed
		c.reasons[tx.Hash()] = reason
	}
	c.receipts[tx.Hash()] = receipt
	return tx, nil
}

func (c *Chain) verifyRegistration(reg chain.NodeRegistration) error {
	if c.oracle == (common.Address{}) {
		return nil
	}
	att := &attestation.Attestation{
		Claim: attestation.Claim{
			ChainID:           big.NewInt(ChainID),
			VerifyingContract: c.addrs.Staking,
			Worker:            reg.Worker,
			GPUHash:           reg.GPUHash,
			Score:             reg.Score,
			ExpiresAt:         reg.ExpiresAt,
			Nonce:             reg.Nonce,
		},
		Signature: reg.Signature,
	}
	return attestation.Verify(att, c.oracle, c.metaNonces[reg.Worker], c.clock.Now())
}
