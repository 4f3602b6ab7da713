package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/oen-network/oen/chain"
	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/sequencer"
	"github.com/oen-network/oen/types"
)

//go:generate mockgen -package mocks -destination mocks/reader.go . Reader

var (
	ErrInvalidWorkUnits = fmt.Errorf("%w: workUnits must be at least 1", types.ErrInputValidation)
	ErrNotEligible      = types.ErrNotEligible
	ErrUnknownJob       = fmt.Errorf("%w: unknown job", types.ErrNotEligible)
)

// Reader is the read-only view of the registry and staking contracts.
type Reader interface {
	NextJobID(ctx context.Context) (uint64, error)
	GetJob(ctx context.Context, id uint64) (*chain.Job, error)
	StakeOf(ctx context.Context, worker common.Address) (*big.Int, error)
}

// Chain is the chain client of the coordinating account.
type Chain interface {
	Reader
	Account() common.Address
	Addresses() chain.Addresses
	Approve(ctx context.Context, nonce uint64, spender common.Address, amount *big.Int) (*ethtypes.Transaction, error)
	SubmitJob(ctx context.Context, nonce uint64, spec chain.JobSpec) (*ethtypes.Transaction, error)
	ClaimJob(ctx context.Context, nonce, id uint64) (*ethtypes.Transaction, error)
	MarkRunning(ctx context.Context, nonce, id uint64) (*ethtypes.Transaction, error)
	SubmitProof(ctx context.Context, nonce, id uint64, proof []byte, outputDigest common.Hash) (*ethtypes.Transaction, error)
	TimeoutJob(ctx context.Context, nonce, id uint64) (*ethtypes.Transaction, error)
}

type Executor interface {
	Execute(ctx context.Context, account common.Address, steps ...sequencer.Step) (*sequencer.Result, error)
}

// Coordinator drives the job lifecycle for one account. Every state change
// goes through the sequencer so that concurrent operations of the account
// never compete for a nonce.
type Coordinator struct {
	chain Chain
	seq   Executor
}

func NewCoordinator(chain Chain, seq Executor) *Coordinator {
	return &Coordinator{chain: chain, seq: seq}
}

// TaskDigest accepts a 0x-prefixed 32 byte hex string verbatim and hashes
// anything else with keccak256.
func TaskDigest(task string) common.Hash {
	if len(task) == 2+2*common.HashLength && strings.HasPrefix(task, "0x") {
		if b, err := hexutil.Decode(task); err == nil {
			return common.BytesToHash(b)
		}
	}
	return crypto.Keccak256Hash([]byte(task))
}

func validateSpec(spec chain.JobSpec) error {
	if spec.WorkUnits < 1 {
		return ErrInvalidWorkUnits
	}
	var result *multierror.Error
	if spec.ModelRef == "" {
		result = multierror.Append(result, errors.New("empty modelRef"))
	}
	if spec.DataRef == "" {
		result = multierror.Append(result, errors.New("empty dataRef"))
	}
	if spec.Bounty == nil || spec.Bounty.Sign() <= 0 {
		result = multierror.Append(result, errors.New("bounty must be positive"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInputValidation, err)
	}
	return nil
}

// Submit escrows the bounty and submits the job as a two step sequence:
// approve(JobRegistry, bounty) then submitJob.
func (c *Coordinator) Submit(ctx context.Context, spec chain.JobSpec) (*sequencer.Result, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	registry := c.chain.Addresses().JobRegistry
	logging.FromContext(ctx).Info("submitting job",
		zap.String("model", spec.ModelRef),
		zap.String("data", spec.DataRef),
		zap.Uint32("work_units", spec.WorkUnits),
		zap.Stringer("bounty", spec.Bounty),
	)
	return c.seq.Execute(ctx, c.chain.Account(),
		sequencer.Step{
			Name: "approve",
			Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
				return c.chain.Approve(ctx, nonce, registry, spec.Bounty)
			},
		},
		sequencer.Step{
			Name: "submitJob",
			Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
				return c.chain.SubmitJob(ctx, nonce, spec)
			},
		},
	)
}

// Claim checks the account's stake and the job status before spending gas.
func (c *Coordinator) Claim(ctx context.Context, id uint64) (*sequencer.Result, error) {
	if err := c.checkClaim(ctx, id); err != nil {
		return nil, err
	}
	return c.single(ctx, "claimJob", func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
		return c.chain.ClaimJob(ctx, nonce, id)
	})
}

// ClaimIfEligible reports ok=false instead of failing when the account may
// not claim the job.
func (c *Coordinator) ClaimIfEligible(ctx context.Context, id uint64) (*sequencer.Result, bool, error) {
	res, err := c.Claim(ctx, id)
	switch {
	case errors.Is(err, ErrNotEligible):
		logging.FromContext(ctx).Info("job not eligible", zap.Uint64("job", id), zap.Error(err))
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return res, true, nil
}

func (c *Coordinator) checkClaim(ctx context.Context, id uint64) error {
	stake, err := c.chain.StakeOf(ctx, c.chain.Account())
	if err != nil {
		return fmt.Errorf("reading stake: %w", err)
	}
	if stake.Sign() <= 0 {
		return fmt.Errorf("%w: %s has no stake", ErrNotEligible, c.chain.Account().Hex())
	}
	_, err = c.jobIn(ctx, id, chain.StatusClaimed)
	return err
}

func (c *Coordinator) MarkRunning(ctx context.Context, id uint64) (*sequencer.Result, error) {
	if _, err := c.jobIn(ctx, id, chain.StatusRunning); err != nil {
		return nil, err
	}
	return c.single(ctx, "markRunning", func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
		return c.chain.MarkRunning(ctx, nonce, id)
	})
}

func (c *Coordinator) SubmitProof(ctx context.Context, id uint64, proof []byte, outputDigest common.Hash) (*sequencer.Result, error) {
	if _, err := c.jobIn(ctx, id, chain.StatusProven); err != nil {
		return nil, err
	}
	return c.single(ctx, "submitProof", func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
		return c.chain.SubmitProof(ctx, nonce, id, proof, outputDigest)
	})
}

func (c *Coordinator) Timeout(ctx context.Context, id uint64) (*sequencer.Result, error) {
	if _, err := c.jobIn(ctx, id, chain.StatusTimedOut); err != nil {
		return nil, err
	}
	return c.single(ctx, "timeoutJob", func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
		return c.chain.TimeoutJob(ctx, nonce, id)
	})
}

// Job returns the job, ErrUnknownJob for ids the registry never assigned.
func (c *Coordinator) Job(ctx context.Context, id uint64) (*chain.Job, error) {
	job, err := c.chain.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading job %d: %w", id, err)
	}
	if job.Client == (common.Address{}) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownJob, id)
	}
	return job, nil
}

// jobIn reads the job and fails with ErrNotEligible unless it may move to next.
func (c *Coordinator) jobIn(ctx context.Context, id uint64, next chain.Status) (*chain.Job, error) {
	job, err := c.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: job %d is %s, cannot move to %s", ErrNotEligible, id, job.Status, next)
	}
	return job, nil
}

func (c *Coordinator) single(ctx context.Context, name string, send func(context.Context, uint64) (*ethtypes.Transaction, error)) (*sequencer.Result, error) {
	return c.seq.Execute(ctx, c.chain.Account(), sequencer.Step{Name: name, Send: send})
}
