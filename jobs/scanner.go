package jobs

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/oen-network/oen/chain"
	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/types"
)

const (
	DefaultWindow    = 100
	DefaultCacheSize = 4096
)

// Scanner looks for the most recent claimable job.
type Scanner struct {
	reader Reader
	window uint64
	// Proven and TimedOut jobs never change again
	terminal *lru.Cache
}

type newScannerOptionFunc func(*newScannerOptions)

type newScannerOptions struct {
	window    uint64
	cacheSize int
}

// WithWindow bounds how many ids below nextJobId a scan inspects.
func WithWindow(window uint64) newScannerOptionFunc {
	return func(o *newScannerOptions) {
		o.window = window
	}
}

func WithCacheSize(size int) newScannerOptionFunc {
	return func(o *newScannerOptions) {
		o.cacheSize = size
	}
}

func NewScanner(reader Reader, opts ...newScannerOptionFunc) (*Scanner, error) {
	options := newScannerOptions{
		window:    DefaultWindow,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.window == 0 {
		return nil, fmt.Errorf("%w: scan window must be positive", types.ErrInputValidation)
	}
	cache, err := lru.New(options.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating job cache: %w", err)
	}
	return &Scanner{
		reader:   reader,
		window:   options.window,
		terminal: cache,
	}, nil
}

// FindEligibleJob scans ids from nextJobId-1 downwards, at most Window of
// them and never below 1, and returns the first Submitted job whose bounty
// is at least minBounty. The worker's stake is read once, at the first
// candidate; without stake the scan reports nothing found.
func (s *Scanner) FindEligibleJob(ctx context.Context, minBounty *big.Int, worker common.Address) (uint64, bool, error) {
	if minBounty == nil {
		minBounty = new(big.Int)
	}
	logger := logging.FromContext(ctx).With(zap.Stringer("worker", worker))

	next, err := s.reader.NextJobID(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("reading nextJobId: %w", err)
	}
	if next <= 1 {
		return 0, false, nil
	}
	lowest := uint64(1)
	if next > s.window {
		lowest = next - s.window
	}

	for id := next - 1; id >= lowest; id-- {
		job, err := s.job(ctx, id)
		if err != nil {
			return 0, false, err
		}
		if job.Status != chain.StatusSubmitted || job.Bounty.Cmp(minBounty) < 0 {
			continue
		}
		stake, err := s.reader.StakeOf(ctx, worker)
		if err != nil {
			return 0, false, fmt.Errorf("reading stake: %w", err)
		}
		if stake.Sign() <= 0 {
			logger.Info("worker has no stake, stopping scan")
			return 0, false, nil
		}
		logger.Debug("found eligible job", zap.Uint64("job", id), zap.Stringer("bounty", job.Bounty))
		return id, true, nil
	}
	logger.Debug("no eligible job", zap.Uint64("from", next-1), zap.Uint64("to", lowest))
	return 0, false, nil
}

func (s *Scanner) job(ctx context.Context, id uint64) (*chain.Job, error) {
	if cached, ok := s.terminal.Get(id); ok {
		return cached.(*chain.Job), nil
	}
	job, err := s.reader.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading job %d: %w", id, err)
	}
	if job.Bounty == nil {
		job.Bounty = new(big.Int)
	}
	if job.Status.Terminal() {
		s.terminal.Add(id, job)
	}
	return job, nil
}
