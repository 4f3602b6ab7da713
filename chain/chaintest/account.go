package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/oen-network/oen/chain"
)

// Account mirrors the method set of *chain.Client for one signing account.
type Account struct {
	chain *Chain
	from  common.Address
}

func (a *Account) ChainID() *big.Int {
	return big.NewInt(ChainID)
}

func (a *Account) Account() common.Address {
	return a.from
}

func (a *Account) Addresses() chain.Addresses {
	return a.chain.addrs
}

func (a *Account) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return a.chain.PendingNonceAt(ctx, account)
}

func (a *Account) WaitMined(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Receipt, error) {
	return a.chain.WaitMined(ctx, tx)
}

func (a *Account) RevertReason(ctx context.Context, tx *ethtypes.Transaction, receipt *ethtypes.Receipt) string {
	return a.chain.RevertReason(ctx, tx, receipt)
}

func (a *Account) GetJob(ctx context.Context, id uint64) (*chain.Job, error) {
	c := a.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.read("getJob"); err != nil {
		return nil, err
	}
	job, err := c.job(id)
	if err != nil {
		// the registry returns a zeroed struct for unknown ids
		return &chain.Job{ID: id, Bounty: new(big.Int)}, nil
	}
	cp := *job
	cp.Bounty = new(big.Int).Set(job.Bounty)
	return &cp, nil
}

func (a *Account) NextJobID(ctx context.Context) (uint64, error) {
	c := a.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.read("nextJobId"); err != nil {
		return 0, err
	}
	return uint64(len(c.jobs) + 1), nil
}

func (a *Account) StakeOf(ctx context.Context, worker common.Address) (*big.Int, error) {
	c := a.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.read("stakeOf"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.stake(worker)), nil
}

func (a *Account) MetaNonce(ctx context.Context, worker common.Address) (uint64, error) {
	c := a.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.read("metaNonces"); err != nil {
		return 0, err
	}
	return c.metaNonces[worker], nil
}

func (a *Account) NodeMeta(ctx context.Context, worker common.Address) (*chain.NodeMeta, error) {
	c := a.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.read("getNodeMeta"); err != nil {
		return nil, err
	}
	meta, ok := c.nodeMeta[worker]
	if !ok {
		return &chain.NodeMeta{BenchScore: new(big.Int)}, nil
	}
	return &meta, nil
}

func (a *Account) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	c := a.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.read("balanceOf"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.balance(account)), nil
}

func (a *Account) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	c := a.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.read("allowance"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.allowance(owner, spender)), nil
}

func (a *Account) Approve(ctx context.Context, nonce uint64, spender common.Address, amount *big.Int) (*ethtypes.Transaction, error) {
	c := a.chain
	return c.send(a.from, nonce, "approve", c.addrs.Token, func() error {
		c.allowances[allowanceKey{a.from, spender}] = new(big.Int).Set(amount)
		return nil
	})
}

func (a *Account) Transfer(ctx context.Context, nonce uint64, to common.Address, amount *big.Int) (*ethtypes.Transaction, error) {
	c := a.chain
	return c.send(a.from, nonce, "transfer", c.addrs.Token, func() error {
		if c.balance(a.from).Cmp(amount) < 0 {
			return errors.New("ERC20: transfer amount exceeds balance")
		}
		c.balances[a.from] = new(big.Int).Sub(c.balance(a.from), amount)
		c.balances[to] = new(big.Int).Add(c.balance(to), amount)
		return nil
	})
}

func (a *Account) SubmitJob(ctx context.Context, nonce uint64, spec chain.JobSpec) (*ethtypes.Transaction, error) {
	c := a.chain
	return c.send(a.from, nonce, "submitJob", c.addrs.JobRegistry, func() error {
		if spec.WorkUnits == 0 {
			return errors.New("workUnits=0")
		}
		if err := c.spend(a.from, c.addrs.JobRegistry, spec.Bounty); err != nil {
			return err
		}
		c.jobs = append(c.jobs, &chain.Job{
			ID:         uint64(len(c.jobs) + 1),
			Client:     a.from,
			ModelRef:   spec.ModelRef,
			DataRef:    spec.DataRef,
			WorkUnits:  spec.WorkUnits,
			TaskDigest: spec.TaskDigest,
			Bounty:     new(big.Int).Set(spec.Bounty),
			Deadline:   uint64(c.clock.Now().Add(time.Hour).Unix()),
			Status:     chain.StatusSubmitted,
		})
		return nil
	})
}

// transition applies a registry status change after checking the caller.
func (a *Account) transition(nonce, id uint64, method string, next chain.Status, check func(*chain.Job) error) (*ethtypes.Transaction, error) {
	c := a.chain
	return c.send(a.from, nonce, method, c.addrs.JobRegistry, func() error {
		job, err := c.job(id)
		if err != nil {
			return err
		}
		if !job.Status.CanTransition(next) {
			return fmt.Errorf("bad status %s", job.Status)
		}
		if check != nil {
			if err := check(job); err != nil {
				return err
			}
		}
		job.Status = next
		return nil
	})
}

func (a *Account) ClaimJob(ctx context.Context, nonce, id uint64) (*ethtypes.Transaction, error) {
	return a.transition(nonce, id, "claimJob", chain.StatusClaimed, func(job *chain.Job) error {
		if a.chain.stake(a.from).Sign() == 0 {
			return errors.New("not staked")
		}
		job.Worker = a.from
		return nil
	})
}

func (a *Account) MarkRunning(ctx context.Context, nonce, id uint64) (*ethtypes.Transaction, error) {
	return a.transition(nonce, id, "markRunning", chain.StatusRunning, a.onlyWorker)
}

func (a *Account) SubmitProof(ctx context.Context, nonce, id uint64, proof []byte, outputDigest common.Hash) (*ethtypes.Transaction, error) {
	return a.transition(nonce, id, "submitProof", chain.StatusProven, func(job *chain.Job) error {
		if err := a.onlyWorker(job); err != nil {
			return err
		}
		a.chain.balances[job.Worker] = new(big.Int).Add(a.chain.balance(job.Worker), job.Bounty)
		return nil
	})
}

func (a *Account) TimeoutJob(ctx context.Context, nonce, id uint64) (*ethtypes.Transaction, error) {
	return a.transition(nonce, id, "timeoutJob", chain.StatusTimedOut, func(job *chain.Job) error {
		a.chain.balances[job.Client] = new(big.Int).Add(a.chain.balance(job.Client), job.Bounty)
		return nil
	})
}

func (a *Account) onlyWorker(job *chain.Job) error {
	if job.Worker != a.from {
		return errors.New("not worker")
	}
	return nil
}

func (a *Account) Stake(ctx context.Context, nonce uint64, amount *big.Int, gpuHash common.Hash, benchScore uint64) (*ethtypes.Transaction, error) {
	c := a.chain
	return c.send(a.from, nonce, "stake", c.addrs.Staking, func() error {
		if err := c.spend(a.from, c.addrs.Staking, amount); err != nil {
			return err
		}
		c.stakes[a.from] = new(big.Int).Add(c.stake(a.from), amount)
		c.nodeMeta[a.from] = chain.NodeMeta{
			GPUHash:    gpuHash,
			BenchScore: new(big.Int).SetUint64(benchScore),
			CreatedAt:  uint64(c.clock.Now().Unix()),
		}
		return nil
	})
}

func (a *Account) Unstake(ctx context.Context, nonce uint64, amount *big.Int) (*ethtypes.Transaction, error) {
	c := a.chain
	return c.send(a.from, nonce, "unstake", c.addrs.Staking, func() error {
		if c.stake(a.from).Cmp(amount) < 0 {
			return errors.New("insufficient stake")
		}
		c.stakes[a.from] = new(big.Int).Sub(c.stake(a.from), amount)
		c.balances[a.from] = new(big.Int).Add(c.balance(a.from), amount)
		return nil
	})
}

func (a *Account) RegisterNodeSigned(ctx context.Context, nonce uint64, reg chain.NodeRegistration) (*ethtypes.Transaction, error) {
	c := a.chain
	return c.send(a.from, nonce, "registerNodeSigned", c.addrs.Staking, func() error {
		if err := c.verifyRegistration(reg); err != nil {
			return err
		}
		c.metaNonces[reg.Worker] = reg.Nonce
		c.nodeMeta[reg.Worker] = chain.NodeMeta{
			GPUHash:    reg.GPUHash,
			BenchScore: new(big.Int).SetUint64(reg.Score),
			CreatedAt:  uint64(c.clock.Now().Unix()),
		}
		return nil
	})
}
