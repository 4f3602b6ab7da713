package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/oen-network/oen/logging"
)

// DefaultGasLimit is attached to every transaction. Dependent steps of a
// sequence are broadcast before their predecessor is mined, so their gas
// cannot be estimated against the current state.
const DefaultGasLimit uint64 = 500_000

// Backend is the subset of an Ethereum RPC client the bindings need.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

type Addresses struct {
	Token       common.Address
	Staking     common.Address
	JobRegistry common.Address
}

// Client binds one signing account to the EdgeToken, StakingManager and
// JobRegistry contracts. Every transacting method takes the explicit
// account nonce to use.
type Client struct {
	backend  Backend
	addrs    Addresses
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	gasLimit uint64

	token    *bind.BoundContract
	staking  *bind.BoundContract
	registry *bind.BoundContract
}

type newClientOptionFunc func(*newClientOptions)

type newClientOptions struct {
	gasLimit uint64
	key      *ecdsa.PrivateKey
}

func WithGasLimit(limit uint64) newClientOptionFunc {
	return func(o *newClientOptions) {
		o.gasLimit = limit
	}
}

// WithKey enables transacting methods. Without a key the client is read-only.
func WithKey(key *ecdsa.PrivateKey) newClientOptionFunc {
	return func(o *newClientOptions) {
		o.key = key
	}
}

func Dial(ctx context.Context, rawurl string, addrs Addresses, opts ...newClientOptionFunc) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTransport, rawurl, err)
	}
	c, err := NewClient(ctx, eth, addrs, opts...)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return c, nil
}

func NewClient(ctx context.Context, backend Backend, addrs Addresses, opts ...newClientOptionFunc) (*Client, error) {
	options := newClientOptions{gasLimit: DefaultGasLimit}
	for _, opt := range opts {
		opt(&options)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, classify("chainId", err)
	}
	c := &Client{
		backend:  backend,
		addrs:    addrs,
		chainID:  chainID,
		key:      options.key,
		gasLimit: options.gasLimit,
		token:    bind.NewBoundContract(addrs.Token, TokenABI, backend, backend, backend),
		staking:  bind.NewBoundContract(addrs.Staking, StakingABI, backend, backend, backend),
		registry: bind.NewBoundContract(addrs.JobRegistry, RegistryABI, backend, backend, backend),
	}
	if c.key != nil {
		c.from = crypto.PubkeyToAddress(c.key.PublicKey)
	}
	logging.FromContext(ctx).Debug("chain client ready",
		zap.Stringer("chain_id", chainID),
		zap.Stringer("account", c.from),
	)
	return c, nil
}

func (c *Client) Close() {
	if eth, ok := c.backend.(*ethclient.Client); ok {
		eth.Close()
	}
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Account is the signing address, zero for a read-only client.
func (c *Client) Account() common.Address {
	return c.from
}

func (c *Client) Addresses() Addresses {
	return c.addrs
}

func (c *Client) callOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx}
}

// PendingNonceAt returns the account's next nonce including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, classify("pendingNonce", err)
	}
	return nonce, nil
}

func (c *Client) GetJob(ctx context.Context, id uint64) (*Job, error) {
	var out []any
	if err := c.registry.Call(c.callOpts(ctx), &out, "getJob", new(big.Int).SetUint64(id)); err != nil {
		return nil, classify("getJob", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getJob: unexpected output length %d", len(out))
	}
	tuple := *abi.ConvertType(out[0], new(jobTuple)).(*jobTuple)
	return tuple.job(id), nil
}

func (c *Client) NextJobID(ctx context.Context) (uint64, error) {
	v, err := c.callUint(ctx, c.registry, "nextJobId")
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("nextJobId out of range: %s", v)
	}
	return v.Uint64(), nil
}

func (c *Client) StakeOf(ctx context.Context, worker common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.staking, "stakeOf", worker)
}

func (c *Client) MetaNonce(ctx context.Context, worker common.Address) (uint64, error) {
	v, err := c.callUint(ctx, c.staking, "metaNonces", worker)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("metaNonces out of range: %s", v)
	}
	return v.Uint64(), nil
}

func (c *Client) NodeMeta(ctx context.Context, worker common.Address) (*NodeMeta, error) {
	var out []any
	if err := c.staking.Call(c.callOpts(ctx), &out, "getNodeMeta", worker); err != nil {
		return nil, classify("getNodeMeta", err)
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("getNodeMeta: unexpected output length %d", len(out))
	}
	return &NodeMeta{
		GPUHash:    *abi.ConvertType(out[0], new([32]byte)).(*[32]byte),
		BenchScore: *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		CreatedAt:  *abi.ConvertType(out[2], new(uint64)).(*uint64),
	}, nil
}

func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.token, "balanceOf", account)
}

func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.token, "allowance", owner, spender)
}

func (c *Client) callUint(ctx context.Context, contract *bind.BoundContract, method string, params ...any) (*big.Int, error) {
	var out []any
	if err := contract.Call(c.callOpts(ctx), &out, method, params...); err != nil {
		return nil, classify(method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: unexpected output length %d", method, len(out))
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

var ErrReadOnly = errors.New("chain client has no signing key")

func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, nonce uint64, method string, params ...any) (*ethtypes.Transaction, error) {
	if c.key == nil {
		return nil, ErrReadOnly
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("building transactor: %w", err)
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasLimit = c.gasLimit
	tx, err := contract.Transact(opts, method, params...)
	if err != nil {
		return nil, classify(method, err)
	}
	logging.FromContext(ctx).Debug("broadcast transaction",
		zap.String("method", method),
		zap.Uint64("nonce", nonce),
		zap.Stringer("tx", tx.Hash()),
	)
	return tx, nil
}

func (c *Client) Approve(ctx context.Context, nonce uint64, spender common.Address, amount *big.Int) (*ethtypes.Transaction, error) {
	return c.transact(ctx, c.token, nonce, "approve", spender, amount)
}

func (c *Client) Transfer(ctx context.Context, nonce uint64, to common.Address, amount *big.Int) (*ethtypes.Transaction, error) {
	return c.transact(ctx, c.token, nonce, "transfer", to, amount)
}

func (c *Client) SubmitJob(ctx context.Context, nonce uint64, spec JobSpec) (*ethtypes.Transaction, error) {
	return c.transact(ctx, c.registry, nonce, "submitJob",
		spec.ModelRef, spec.DataRef, spec.WorkUnits, [32]byte(spec.TaskDigest), spec.Bounty)
}

func (c *Client) ClaimJob(ctx context.Context, nonce, id uint64) (*ethtypes.Transaction, error) {
	return c.transact(ctx, c.registry, nonce, "claimJob", new(big.Int).SetUint64(id))
}

func (c *Client) MarkRunning(ctx context.Context, nonce, id uint64) (*ethtypes.Transaction, error) {
	return c.transact(ctx, c.registry, nonce, "markRunning", new(big.Int).SetUint64(id))
}

func (c *Client) SubmitProof(ctx context.Context, nonce, id uint64, proof []byte, outputDigest common.Hash) (*ethtypes.Transaction, error) {
	if proof == nil {
		proof = []byte{}
	}
	return c.transact(ctx, c.registry, nonce, "submitProof", new(big.Int).SetUint64(id), proof, [32]byte(outputDigest))
}

func (c *Client) TimeoutJob(ctx context.Context, nonce, id uint64) (*ethtypes.Transaction, error) {
	return c.transact(ctx, c.registry, nonce, "timeoutJob", new(big.Int).SetUint64(id))
}

func (c *Client) Stake(ctx context.Context, nonce uint64, amount *big.Int, gpuHash common.Hash, benchScore uint64) (*ethtypes.Transaction, error) {
	return c.transact(ctx, c.staking, nonce, "stake", amount, [32]byte(gpuHash), new(big.Int).SetUint64(benchScore))
}

func (c *Client) Unstake(ctx context.Context, nonce uint64, amount *big.Int) (*ethtypes.Transaction, error) {
	return c.transact(ctx, c.staking, nonce, "unstake", amount)
}

// NodeRegistration carries the fields of registerNodeSigned.
type NodeRegistration struct {
	Worker    common.Address
	GPUHash   common.Hash
	Score     uint64
	ExpiresAt uint64
	Nonce     uint64
	Signature []byte
}

func (c *Client) RegisterNodeSigned(ctx context.Context, nonce uint64, reg NodeRegistration) (*ethtypes.Transaction, error) {
	return c.transact(ctx, c.staking, nonce, "registerNodeSigned",
		reg.Worker,
		[32]byte(reg.GPUHash),
		new(big.Int).SetUint64(reg.Score),
		reg.ExpiresAt,
		new(big.Int).SetUint64(reg.Nonce),
		reg.Signature,
	)
}

// WaitMined blocks until the transaction is included and returns its receipt.
func (c *Client) WaitMined(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, classify("waitMined", err)
	}
	return receipt, nil
}
