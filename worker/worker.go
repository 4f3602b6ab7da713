// Package worker registers a GPU node with the staking contract and manages
// its stake.
package worker

import (
	"context"
	"fmt"
	"math/big"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/oen-network/oen/attestation"
	"github.com/oen-network/oen/bench"
	"github.com/oen-network/oen/chain"
	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/rpc"
	"github.com/oen-network/oen/scoring"
	"github.com/oen-network/oen/sequencer"
	"github.com/oen-network/oen/types"
)

// Oracle issues attestations for benchmark reports.
type Oracle interface {
	Score(ctx context.Context, req *rpc.ScoreRequest) (*rpc.ScoreResponse, error)
}

type Chain interface {
	Account() common.Address
	Addresses() chain.Addresses
	ChainID() *big.Int
	MetaNonce(ctx context.Context, worker common.Address) (uint64, error)
	NodeMeta(ctx context.Context, worker common.Address) (*chain.NodeMeta, error)
	StakeOf(ctx context.Context, worker common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Approve(ctx context.Context, nonce uint64, spender common.Address, amount *big.Int) (*ethtypes.Transaction, error)
	Stake(ctx context.Context, nonce uint64, amount *big.Int, gpuHash common.Hash, benchScore uint64) (*ethtypes.Transaction, error)
	Unstake(ctx context.Context, nonce uint64, amount *big.Int) (*ethtypes.Transaction, error)
	RegisterNodeSigned(ctx context.Context, nonce uint64, reg chain.NodeRegistration) (*ethtypes.Transaction, error)
}

type Executor interface {
	Execute(ctx context.Context, account common.Address, steps ...sequencer.Step) (*sequencer.Result, error)
}

// Node is the worker account.
type Node struct {
	chain  Chain
	seq    Executor
	oracle Oracle
	issuer common.Address
	clock  clock.Clock
}

type newNodeOptionFunc func(*Node)

// WithIssuer enables checking attestations locally against the expected
// oracle signer before any gas is spent.
func WithIssuer(issuer common.Address) newNodeOptionFunc {
	return func(n *Node) {
		n.issuer = issuer
	}
}

func WithClock(c clock.Clock) newNodeOptionFunc {
	return func(n *Node) {
		n.clock = c
	}
}

func New(chain Chain, seq Executor, oracle Oracle, opts ...newNodeOptionFunc) *Node {
	n := &Node{chain: chain, seq: seq, oracle: oracle, clock: clock.New()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type Registration struct {
	Attestation *attestation.Attestation
	Result      *sequencer.Result
}

// Register requests an attestation for the next meta nonce and submits it
// with registerNodeSigned.
func (n *Node) Register(ctx context.Context, report *bench.Report) (*Registration, error) {
	if report == nil || report.GPUHash == (common.Hash{}) {
		return nil, fmt.Errorf("%w: incomplete benchmark report", types.ErrInputValidation)
	}
	worker := n.chain.Account()
	staking := n.chain.Addresses().Staking
	logger := logging.FromContext(ctx).With(zap.Stringer("worker", worker))

	last, err := n.chain.MetaNonce(ctx, worker)
	if err != nil {
		return nil, fmt.Errorf("reading meta nonce: %w", err)
	}
	next := last + 1
	logger.Info("requesting attestation",
		zap.Uint64("nonce", next),
		zap.Uint64("local_score", scoring.Score(report.Bench)),
	)

	hw := report.HW
	metrics := report.Bench
	resp, err := n.oracle.Score(ctx, &rpc.ScoreRequest{
		HW:                &hw,
		Bench:             &metrics,
		GPUHash:           report.GPUHash.Hex(),
		Worker:            worker.Hex(),
		Nonce:             rpc.NewUint64(next),
		ChainID:           rpc.NewUint64(n.chain.ChainID().Uint64()),
		VerifyingContract: staking.Hex(),
	})
	if err != nil {
		return nil, err
	}
	if uint64(resp.Nonce) != next {
		return nil, fmt.Errorf("%w: oracle signed nonce %d, expected %d", types.ErrNonceMismatch, resp.Nonce, next)
	}
	sig, err := hexutil.Decode(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding signature: %v", attestation.ErrInvalidSignature, err)
	}
	att := &attestation.Attestation{
		Claim: attestation.Claim{
			ChainID:           n.chain.ChainID(),
			VerifyingContract: staking,
			Worker:            worker,
			GPUHash:           report.GPUHash,
			Score:             resp.BenchScore,
			ExpiresAt:         resp.ExpiresAt,
			Nonce:             next,
		},
		Signature: sig,
	}
	if n.issuer != (common.Address{}) {
		if err := attestation.Verify(att, n.issuer, last, n.clock.Now()); err != nil {
			return nil, fmt.Errorf("rejecting attestation: %w", err)
		}
	}

	res, err := n.seq.Execute(ctx, worker, sequencer.Step{
		Name: "registerNodeSigned",
		Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
			return n.chain.RegisterNodeSigned(ctx, nonce, chain.NodeRegistration{
				Worker:    worker,
				GPUHash:   att.GPUHash,
				Score:     att.Score,
				ExpiresAt: att.ExpiresAt,
				Nonce:     att.Nonce,
				Signature: att.Signature,
			})
		},
	})
	if err != nil {
		return nil, err
	}
	logger.Info("node registered", zap.Uint64("score", att.Score), zap.Uint64("nonce", att.Nonce))
	return &Registration{Attestation: att, Result: res}, nil
}

// Stake approves the staking contract and stakes amount as one sequence.
func (n *Node) Stake(ctx context.Context, amount *big.Int, report *bench.Report) (*sequencer.Result, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: stake amount must be positive", types.ErrInputValidation)
	}
	if report == nil {
		return nil, fmt.Errorf("%w: missing benchmark report", types.ErrInputValidation)
	}
	staking := n.chain.Addresses().Staking
	score := scoring.Score(report.Bench)
	logging.FromContext(ctx).Info("staking",
		zap.Stringer("amount", amount),
		zap.Stringer("gpu_hash", report.GPUHash),
		zap.Uint64("score", score),
	)
	return n.seq.Execute(ctx, n.chain.Account(),
		sequencer.Step{
			Name: "approve",
			Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
				return n.chain.Approve(ctx, nonce, staking, amount)
			},
		},
		sequencer.Step{
			Name: "stake",
			Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
				return n.chain.Stake(ctx, nonce, amount, report.GPUHash, score)
			},
		},
	)
}

func (n *Node) Unstake(ctx context.Context, amount *big.Int) (*sequencer.Result, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: unstake amount must be positive", types.ErrInputValidation)
	}
	return n.seq.Execute(ctx, n.chain.Account(), sequencer.Step{
		Name: "unstake",
		Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
			return n.chain.Unstake(ctx, nonce, amount)
		},
	})
}

type Info struct {
	Worker    common.Address
	Balance   *big.Int
	Stake     *big.Int
	MetaNonce uint64
	Meta      *chain.NodeMeta
}

func (n *Node) Info(ctx context.Context) (*Info, error) {
	worker := n.chain.Account()
	info := &Info{Worker: worker}
	var err error
	if info.Balance, err = n.chain.BalanceOf(ctx, worker); err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	if info.Stake, err = n.chain.StakeOf(ctx, worker); err != nil {
		return nil, fmt.Errorf("reading stake: %w", err)
	}
	if info.MetaNonce, err = n.chain.MetaNonce(ctx, worker); err != nil {
		return nil, fmt.Errorf("reading meta nonce: %w", err)
	}
	if info.Meta, err = n.chain.NodeMeta(ctx, worker); err != nil {
		return nil, fmt.Errorf("reading node meta: %w", err)
	}
	return info, nil
}
