package sequencer_test

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"github.com/oen-network/oen/chain/chaintest"
	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/sequencer"
	"github.com/oen-network/oen/types"
)

var (
	alice   = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	bob     = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	spender = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

func newSequencer(t testing.TB, dir string, c *chaintest.Chain, opts ...func(*sequencer.Config)) *sequencer.Sequencer {
	cfg := sequencer.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	seq, err := sequencer.New(context.Background(), dir, c, sequencer.WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, seq.Close()) })
	return seq
}

func approve(acct *chaintest.Account) sequencer.Step {
	return sequencer.Step{
		Name: "approve",
		Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
			return acct.Approve(ctx, nonce, spender, big.NewInt(1))
		},
	}
}

func unstake(acct *chaintest.Account) sequencer.Step {
	return sequencer.Step{
		Name: "unstake",
		Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
			return acct.Unstake(ctx, nonce, big.NewInt(1))
		},
	}
}

func nonces(sent []chaintest.Sent, account common.Address) []uint64 {
	var out []uint64
	for _, s := range sent {
		if s.From == account {
			out = append(out, s.Nonce)
		}
	}
	return out
}

func TestExecuteUsesConsecutiveNonces(t *testing.T) {
	c := chaintest.New()
	c.SetPendingNonce(alice, 5)
	seq := newSequencer(t, t.TempDir(), c)
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))

	acct := c.As(alice)
	res, err := seq.Execute(ctx, alice, approve(acct), approve(acct))
	require.NoError(t, err)
	require.Equal(t, uint64(5), res.Base)
	require.Len(t, res.TxHashes, 2)
	require.Len(t, res.Receipts, 2)
	require.Equal(t, []uint64{5, 6}, nonces(c.Sent(), alice))
	require.Equal(t, 1, c.Reads("pendingNonce"))

	info, err := seq.Last(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "completed", info.State)
	require.Equal(t, uint64(7), info.End)
	require.Equal(t, []string{"approve", "approve"}, info.Steps)

	res, err = seq.Execute(ctx, alice, approve(acct))
	require.NoError(t, err)
	require.Equal(t, uint64(7), res.Base)
}

func TestReserve(t *testing.T) {
	c := chaintest.New()
	seq := newSequencer(t, t.TempDir(), c)
	ctx := context.Background()

	t.Run("rejects empty block", func(t *testing.T) {
		_, err := seq.Reserve(ctx, alice, 0)
		require.ErrorIs(t, err, types.ErrInputValidation)
	})
	t.Run("offsets", func(t *testing.T) {
		block, err := seq.Reserve(ctx, alice, 2)
		require.NoError(t, err)
		n, err := block.TransactionAt(1)
		require.NoError(t, err)
		require.Equal(t, block.Base+1, n)
		_, err = block.TransactionAt(2)
		require.ErrorIs(t, err, types.ErrInputValidation)
		require.NoError(t, block.Abandon(0))
		require.ErrorIs(t, block.Complete(), sequencer.ErrBlockReleased)
	})
	t.Run("waiting is cancellable", func(t *testing.T) {
		block, err := seq.Reserve(ctx, alice, 1)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, block.Abandon(0)) })

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = seq.Reserve(waitCtx, alice, 1)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// other accounts are independent
		other, err := seq.Reserve(ctx, bob, 1)
		require.NoError(t, err)
		require.NoError(t, other.Abandon(0))
	})
}

func TestConcurrentSequencesNeverShareNonces(t *testing.T) {
	c := chaintest.New()
	seq := newSequencer(t, t.TempDir(), c)
	ctx := context.Background()

	var (
		eg    errgroup.Group
		mu    sync.Mutex
		bases []uint64
	)
	const sequences = 20
	for i := 0; i < sequences; i++ {
		account := alice
		if i%2 == 1 {
			account = bob
		}
		acct := c.As(account)
		eg.Go(func() error {
			res, err := seq.Execute(ctx, account, approve(acct), approve(acct))
			if err != nil {
				return err
			}
			if account == alice {
				mu.Lock()
				bases = append(bases, res.Base)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	sent := nonces(c.Sent(), alice)
	require.Len(t, sent, sequences)
	for i, n := range sent {
		require.Equal(t, uint64(i), n)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	for i, base := range bases {
		require.Equal(t, uint64(2*i), base)
	}
	require.Len(t, nonces(c.Sent(), bob), sequences)
}

func TestSequencesPartitionNonceSpace(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		counts := rapid.SliceOfN(rapid.IntRange(1, 4), 1, 8).Draw(rt, "counts")
		start := rapid.Uint64Range(0, 1000).Draw(rt, "start")

		c := chaintest.New()
		c.SetPendingNonce(alice, start)
		seq, err := sequencer.New(context.Background(), t.TempDir(), c)
		require.NoError(rt, err)
		defer seq.Close()
		acct := c.As(alice)

		var (
			eg     errgroup.Group
			mu     sync.Mutex
			blocks = map[uint64]int{}
		)
		for _, count := range counts {
			steps := make([]sequencer.Step, count)
			for i := range steps {
				steps[i] = approve(acct)
			}
			eg.Go(func() error {
				res, err := seq.Execute(context.Background(), alice, steps...)
				if err != nil {
					return err
				}
				mu.Lock()
				blocks[res.Base] = len(steps)
				mu.Unlock()
				return nil
			})
		}
		require.NoError(rt, eg.Wait())

		// blocks tile [start, start+total) without gaps or overlaps
		next := start
		for range counts {
			size, ok := blocks[next]
			require.True(rt, ok, "no block starts at %d", next)
			next += uint64(size)
		}
		total := 0
		for _, count := range counts {
			total += count
		}
		require.Equal(rt, start+uint64(total), next)
	})
}

func TestBroadcastRejectionAbortsRemainingSteps(t *testing.T) {
	c := chaintest.New()
	c.SetStake(alice, big.NewInt(10))
	c.RejectBroadcast("unstake", "replacement transaction underpriced")
	seq := newSequencer(t, t.TempDir(), c)
	ctx := context.Background()
	acct := c.As(alice)

	_, err := seq.Execute(ctx, alice, approve(acct), unstake(acct), approve(acct))
	require.ErrorIs(t, err, types.ErrSequenceAborted)
	require.ErrorIs(t, err, types.ErrChainRejected)
	var aborted *types.SequenceAbortedError
	require.ErrorAs(t, err, &aborted)
	require.Equal(t, 1, aborted.Offset)
	require.Equal(t, []int{0}, aborted.Committed)
	require.Contains(t, err.Error(), "unstake, nonce 1")
	require.Equal(t, []uint64{0}, nonces(c.Sent(), alice))

	info, err := seq.Last(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "aborted", info.State)
	require.Equal(t, uint64(1), info.End)

	// the abandoned numbers are reused by the next sequence
	res, err := seq.Execute(ctx, alice, approve(acct))
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Base)
}

func TestRevertedStepReportsReason(t *testing.T) {
	c := chaintest.New()
	seq := newSequencer(t, t.TempDir(), c)
	ctx := context.Background()
	acct := c.As(alice)

	// nothing staked: unstake reverts while both approvals are mined
	_, err := seq.Execute(ctx, alice, approve(acct), unstake(acct), approve(acct))
	var aborted *types.SequenceAbortedError
	require.ErrorAs(t, err, &aborted)
	require.Equal(t, 1, aborted.Offset)
	require.Equal(t, []int{0, 2}, aborted.Committed)

	var rejected *types.ChainRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "unstake", rejected.Op)
	require.Equal(t, "insufficient stake", rejected.Reason)

	res, err := seq.Execute(ctx, alice, approve(acct))
	require.NoError(t, err)
	require.Equal(t, uint64(3), res.Base)
}

func TestCallerCancellationDoesNotInterruptSequence(t *testing.T) {
	c := chaintest.New()
	seq := newSequencer(t, t.TempDir(), c)
	acct := c.As(alice)

	ctx, cancel := context.WithCancel(context.Background())
	first := sequencer.Step{
		Name: "approve",
		Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
			defer cancel()
			return acct.Approve(ctx, nonce, spender, big.NewInt(1))
		},
	}
	second := sequencer.Step{
		Name: "approve",
		Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return acct.Approve(ctx, nonce, spender, big.NewInt(2))
		},
	}
	res, err := seq.Execute(ctx, alice, first, second)
	require.NoError(t, err)
	require.Len(t, res.TxHashes, 2)
}

func TestUnconfirmedSequenceNeedsReconcile(t *testing.T) {
	dir := t.TempDir()
	c := chaintest.New()
	c.SetMineDelay(time.Second)
	seq := newSequencer(t, dir, c, func(cfg *sequencer.Config) {
		cfg.ConfirmTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()
	acct := c.As(alice)

	_, err := seq.Execute(ctx, alice, approve(acct))
	require.ErrorIs(t, err, types.ErrSequenceAborted)

	c.SetMineDelay(0)
	_, err = seq.Execute(ctx, alice, approve(acct))
	require.ErrorIs(t, err, sequencer.ErrUnresolvedBlock)

	before, err := seq.Reconcile(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "reserved", before.State)

	info, err := seq.Last(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "reconciled", info.State)
	require.Equal(t, uint64(1), info.End)

	res, err := seq.Execute(ctx, alice, approve(acct))
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Base)
}

func TestTimedOutStepsAreReportedUnconfirmed(t *testing.T) {
	c := chaintest.New()
	c.SetStake(alice, big.NewInt(5))
	acct := c.As(alice)
	c.SetMineDelay(time.Second)
	seq := newSequencer(t, t.TempDir(), c, func(cfg *sequencer.Config) {
		cfg.ConfirmTimeout = 20 * time.Millisecond
	})

	_, err := seq.Execute(context.Background(), alice, approve(acct), unstake(acct))
	var aborted *types.SequenceAbortedError
	require.ErrorAs(t, err, &aborted)
	require.Len(t, c.Sent(), 2)
	require.Equal(t, 0, aborted.Offset)
	require.Empty(t, aborted.Committed)
	require.Equal(t, []int{0, 1}, aborted.Unconfirmed)
	require.NotContains(t, err.Error(), "nothing committed")
	require.Contains(t, err.Error(), "outcome unknown for steps [0:approve 1:unstake]")
}

func TestUnresolvedBlockSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	c := chaintest.New()
	seq, err := sequencer.New(context.Background(), dir, c)
	require.NoError(t, err)

	_, err = seq.Reserve(context.Background(), alice, 2)
	require.NoError(t, err)
	// crash without releasing the block
	require.NoError(t, seq.Close())

	seq = newSequencer(t, dir, c)
	_, err = seq.Reserve(context.Background(), alice, 1)
	require.ErrorIs(t, err, sequencer.ErrUnresolvedBlock)

	_, err = seq.Reconcile(context.Background(), alice)
	require.NoError(t, err)
	block, err := seq.Reserve(context.Background(), alice, 1)
	require.NoError(t, err)
	require.Zero(t, block.Base)
	require.NoError(t, block.Complete())
}

func TestLedgerDivergence(t *testing.T) {
	c := chaintest.New()
	seq := newSequencer(t, t.TempDir(), c)
	ctx := context.Background()
	acct := c.As(alice)

	_, err := seq.Execute(ctx, alice, approve(acct), approve(acct))
	require.NoError(t, err)

	c.SetPendingNonce(alice, 1)
	_, err = seq.Reserve(ctx, alice, 1)
	require.ErrorIs(t, err, sequencer.ErrLedgerDiverged)
	require.ErrorIs(t, err, types.ErrNonceMismatch)

	// moving ahead of the ledger is fine
	c.SetPendingNonce(alice, 9)
	block, err := seq.Reserve(ctx, alice, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(9), block.Base)
	require.NoError(t, block.Complete())
}

func TestReserveFailsOnChainReadError(t *testing.T) {
	c := chaintest.New()
	c.FailReads(types.ErrTransportFailure)
	seq := newSequencer(t, t.TempDir(), c)

	_, err := seq.Reserve(context.Background(), alice, 1)
	require.ErrorIs(t, err, types.ErrTransportFailure)

	// the slot was released
	c.FailReads(nil)
	block, err := seq.Reserve(context.Background(), alice, 1)
	require.NoError(t, err)
	require.NoError(t, block.Complete())
}
