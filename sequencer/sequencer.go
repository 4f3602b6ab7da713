package sequencer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/types"
)

var (
	ErrUnresolvedBlock = errors.New("previous nonce block is unresolved")
	ErrLedgerDiverged  = fmt.Errorf("%w: nonce ledger diverged from chain", types.ErrNonceMismatch)
	ErrBlockReleased   = errors.New("nonce block already released")

	reservedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oen",
		Subsystem: "sequencer",
		Name:      "blocks_reserved_total",
		Help:      "Number of nonce blocks reserved",
	})
	completedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oen",
		Subsystem: "sequencer",
		Name:      "blocks_completed_total",
		Help:      "Number of sequences whose every step was mined successfully",
	})
	abortedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oen",
		Subsystem: "sequencer",
		Name:      "blocks_aborted_total",
		Help:      "Number of sequences aborted by a rejected or reverted step",
	})
	confirmMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oen",
		Subsystem: "sequencer",
		Name:      "confirmation_seconds",
		Help:      "Time between the last broadcast of a sequence and its last receipt",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

// Chain is the part of the chain client the sequencer needs.
type Chain interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	WaitMined(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Receipt, error)
	RevertReason(ctx context.Context, tx *ethtypes.Transaction, receipt *ethtypes.Receipt) string
}

// Step broadcasts one transaction of a sequence with the given nonce.
type Step struct {
	Name string
	Send func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error)
}

type Result struct {
	Base     uint64
	TxHashes []common.Hash
	Receipts []*ethtypes.Receipt
}

// Sequencer hands out contiguous nonce blocks. At most one block per
// account is outstanding at any time.
type Sequencer struct {
	cfg   Config
	chain Chain
	db    *database
	clock clock.Clock

	mu    sync.Mutex
	slots map[common.Address]chan struct{}
}

type newSequencerOptionFunc func(*newSequencerOptions)

type newSequencerOptions struct {
	cfg   Config
	clock clock.Clock
}

func WithConfig(cfg Config) newSequencerOptionFunc {
	return func(opts *newSequencerOptions) {
		opts.cfg = cfg
	}
}

func WithClock(c clock.Clock) newSequencerOptionFunc {
	return func(opts *newSequencerOptions) {
		opts.clock = c
	}
}

func New(ctx context.Context, dbdir string, chain Chain, opts ...newSequencerOptionFunc) (*Sequencer, error) {
	options := newSequencerOptions{
		cfg:   DefaultConfig(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.cfg.ConfirmTimeout <= 0 {
		return nil, fmt.Errorf("%w: confirm timeout must be positive", types.ErrInputValidation)
	}
	db, err := newDatabase(filepath.Join(dbdir, "blocks"))
	if err != nil {
		return nil, fmt.Errorf("opening block database: %w", err)
	}
	logging.FromContext(ctx).Debug("sequencer ready", zap.Object("config", options.cfg))
	return &Sequencer{
		cfg:   options.cfg,
		chain: chain,
		db:    db,
		clock: options.clock,
		slots: make(map[common.Address]chan struct{}),
	}, nil
}

func (s *Sequencer) Close() error {
	return s.db.Close()
}

func (s *Sequencer) acquire(ctx context.Context, account common.Address) error {
	s.mu.Lock()
	slot, ok := s.slots[account]
	if !ok {
		slot = make(chan struct{}, 1)
		s.slots[account] = slot
	}
	s.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for nonce slot of %s: %w", account.Hex(), ctx.Err())
	}
}

func (s *Sequencer) release(account common.Address) {
	s.mu.Lock()
	slot := s.slots[account]
	s.mu.Unlock()
	<-slot
}

// Block is a reserved range of nonces [Base, Base+Count). The holder must
// call Complete or Abandon to let the next reservation for the account in.
type Block struct {
	Account common.Address
	Base    uint64
	Count   int

	seq      *Sequencer
	steps    []string
	released bool
	mu       sync.Mutex
}

// TransactionAt returns the nonce of the step at offset.
func (b *Block) TransactionAt(offset int) (uint64, error) {
	if offset < 0 || offset >= b.Count {
		return 0, fmt.Errorf("%w: offset %d outside block of %d", types.ErrInputValidation, offset, b.Count)
	}
	return b.Base + uint64(offset), nil
}

// Complete records that every nonce of the block was consumed.
func (b *Block) Complete() error {
	return b.finish(stateCompleted, b.Base+uint64(b.Count))
}

// Abandon records that only the first used nonces reached the chain.
func (b *Block) Abandon(used int) error {
	if used < 0 || used > b.Count {
		return fmt.Errorf("%w: %d used nonces in block of %d", types.ErrInputValidation, used, b.Count)
	}
	return b.finish(stateAborted, b.Base+uint64(used))
}

// leaveUnresolved frees the slot but keeps the ledger entry reserved, so
// the next Reserve fails until the account is reconciled.
func (b *Block) leaveUnresolved() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	b.seq.release(b.Account)
}

func (b *Block) finish(state blockState, end uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrBlockReleased
	}
	b.released = true
	defer b.seq.release(b.Account)

	return b.seq.db.put(b.Account, &blockRecord{
		Base:      b.Base,
		Count:     uint32(b.Count),
		End:       end,
		State:     uint32(state),
		Steps:     b.steps,
		UpdatedAt: b.seq.clock.Now().Unix(),
	})
}

// Reserve waits for the account's slot and allocates count consecutive
// nonces starting at the chain's pending nonce.
func (s *Sequencer) Reserve(ctx context.Context, account common.Address, count int) (*Block, error) {
	return s.reserve(ctx, account, count, nil)
}

func (s *Sequencer) reserve(ctx context.Context, account common.Address, count int, steps []string) (*Block, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: block size must be positive, got %d", types.ErrInputValidation, count)
	}
	if err := s.acquire(ctx, account); err != nil {
		return nil, err
	}
	reserved := false
	defer func() {
		if !reserved {
			s.release(account)
		}
	}()

	last, err := s.db.get(account)
	if err != nil {
		return nil, err
	}
	if last != nil && last.state() == stateReserved {
		return nil, fmt.Errorf("%w: %s holds nonces %d..%d", ErrUnresolvedBlock, account.Hex(), last.Base, last.Base+uint64(last.Count)-1)
	}
	pending, err := s.chain.PendingNonceAt(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("reading pending nonce: %w", err)
	}
	if last != nil && pending < last.End {
		return nil, fmt.Errorf("%w: chain pending nonce %d below ledger end %d", ErrLedgerDiverged, pending, last.End)
	}
	if last != nil && pending > last.End {
		logging.FromContext(ctx).Debug("account transacted outside the sequencer",
			zap.Stringer("account", account),
			zap.Uint64("ledger_end", last.End),
			zap.Uint64("pending", pending),
		)
	}

	err = s.db.put(account, &blockRecord{
		Base:      pending,
		Count:     uint32(count),
		End:       pending + uint64(count),
		State:     uint32(stateReserved),
		Steps:     steps,
		UpdatedAt: s.clock.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	reservedMetric.Inc()
	reserved = true
	return &Block{
		Account: account,
		Base:    pending,
		Count:   count,
		seq:     s,
		steps:   steps,
	}, nil
}

// Execute reserves one nonce per step and broadcasts step k with Base+k
// without waiting for earlier steps to be mined. Once the first step is
// out, the caller's context no longer cancels the sequence; ConfirmTimeout
// bounds the wait for receipts instead.
//
// The first rejected broadcast or reverted receipt aborts the sequence with
// a *types.SequenceAbortedError listing the steps that were committed and
// those whose receipt did not arrive within ConfirmTimeout.
func (s *Sequencer) Execute(ctx context.Context, account common.Address, steps ...Step) (*Result, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: empty sequence", types.ErrInputValidation)
	}
	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = step.Name
	}
	block, err := s.reserve(ctx, account, len(steps), names)
	if err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx).With(
		zap.Stringer("account", account),
		zap.Uint64("base", block.Base),
		zap.Strings("steps", names),
	)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConfirmTimeout)
	defer cancel()

	failedAt := -1
	var cause error
	fail := func(offset int, err error) {
		if failedAt < 0 || offset < failedAt {
			failedAt, cause = offset, err
		}
	}

	txs := make([]*ethtypes.Transaction, 0, len(steps))
	for k, step := range steps {
		sendCtx := runCtx
		if k == 0 {
			sendCtx = ctx
		}
		nonce, err := block.TransactionAt(k)
		if err != nil {
			fail(k, err)
			break
		}
		tx, err := step.Send(sendCtx, nonce)
		if err != nil {
			fail(k, err)
			break
		}
		txs = append(txs, tx)
	}

	start := s.clock.Now()
	receipts := make([]*ethtypes.Receipt, len(txs))
	var committed, unconfirmed []int
	for k, tx := range txs {
		receipt, err := s.chain.WaitMined(runCtx, tx)
		switch {
		case err != nil:
			unconfirmed = append(unconfirmed, k)
			fail(k, err)
		case receipt.Status != ethtypes.ReceiptStatusSuccessful:
			receipts[k] = receipt
			fail(k, &types.ChainRejectedError{Op: steps[k].Name, Reason: s.chain.RevertReason(runCtx, tx, receipt)})
		default:
			receipts[k] = receipt
			committed = append(committed, k)
		}
	}
	if len(txs) > 0 {
		confirmMetric.Observe(s.clock.Since(start).Seconds())
	}

	if failedAt < 0 {
		if err := block.Complete(); err != nil {
			return nil, fmt.Errorf("recording completed block: %w", err)
		}
		completedMetric.Inc()
		result := &Result{Base: block.Base, Receipts: receipts}
		for _, tx := range txs {
			result.TxHashes = append(result.TxHashes, tx.Hash())
		}
		logger.Info("sequence mined", zap.Duration("confirmation", s.clock.Since(start)))
		return result, nil
	}

	abortedMetric.Inc()
	if len(unconfirmed) > 0 {
		block.leaveUnresolved()
		logger.Warn("sequence left unresolved, reconcile before reusing the account", zap.Error(cause))
	} else if err := block.Abandon(len(txs)); err != nil {
		logger.Error("failed to record aborted block", zap.Error(err))
	}
	abort := &types.SequenceAbortedError{
		Account:     account.Hex(),
		Base:        block.Base,
		Offset:      failedAt,
		Steps:       names,
		Committed:   committed,
		Unconfirmed: unconfirmed,
		Cause:       cause,
	}
	logger.Info("sequence aborted",
		zap.Int("offset", failedAt),
		zap.Ints("committed", committed),
		zap.Ints("unconfirmed", unconfirmed),
		zap.Error(cause),
	)
	return nil, abort
}

// BlockInfo describes the last block recorded for an account.
type BlockInfo struct {
	Account   common.Address
	Base      uint64
	Count     int
	End       uint64
	State     string
	Steps     []string
	UpdatedAt time.Time
}

func infoFromRecord(account common.Address, rec *blockRecord) *BlockInfo {
	return &BlockInfo{
		Account:   account,
		Base:      rec.Base,
		Count:     int(rec.Count),
		End:       rec.End,
		State:     rec.state().String(),
		Steps:     rec.Steps,
		UpdatedAt: time.Unix(rec.UpdatedAt, 0),
	}
}

// Last returns the most recent block of the account, nil if none.
func (s *Sequencer) Last(ctx context.Context, account common.Address) (*BlockInfo, error) {
	rec, err := s.db.get(account)
	if err != nil || rec == nil {
		return nil, err
	}
	return infoFromRecord(account, rec), nil
}

// Reconcile resolves an unresolved block by adopting the chain's pending
// nonce as the end of the block. It is a no-op for resolved accounts and
// returns the block as it was before reconciliation.
func (s *Sequencer) Reconcile(ctx context.Context, account common.Address) (*BlockInfo, error) {
	if err := s.acquire(ctx, account); err != nil {
		return nil, err
	}
	defer s.release(account)

	rec, err := s.db.get(account)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	before := infoFromRecord(account, rec)
	if rec.state() != stateReserved {
		return before, nil
	}
	pending, err := s.chain.PendingNonceAt(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("reading pending nonce: %w", err)
	}
	logger := logging.FromContext(ctx).With(zap.Stringer("account", account))
	if pending < rec.Base {
		logger.Warn("pending nonce below reconciled block", zap.Uint64("base", rec.Base), zap.Uint64("pending", pending))
	}
	rec.End = pending
	rec.State = uint32(stateReconciled)
	rec.UpdatedAt = s.clock.Now().Unix()
	if err := s.db.put(account, rec); err != nil {
		return nil, err
	}
	logger.Info("reconciled nonce block",
		zap.Uint64("base", rec.Base),
		zap.Int("count", int(rec.Count)),
		zap.Uint64("end", pending),
	)
	return before, nil
}
