package attestation

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/scoring"
	"github.com/oen-network/oen/types"
)

var (
	ErrBadPayload            = fmt.Errorf("%w: bad payload", types.ErrInputValidation)
	ErrNonceMismatch         = types.ErrNonceMismatch
	ErrSigningKeyUnavailable = errors.New("signing key unavailable")

	issuedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oen",
		Subsystem: "attestation",
		Name:      "issued_total",
		Help:      "Number of attestations signed",
	})
	rejectedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oen",
		Subsystem: "attestation",
		Name:      "rejected_total",
		Help:      "Number of attestation requests rejected",
	}, []string{"reason"})
)

// Ledger records the last nonce the issuer signed for each worker.
type Ledger interface {
	LastIssued(ctx context.Context, worker common.Address) (uint64, error)
	SetLastIssued(ctx context.Context, worker common.Address, nonce uint64) error
}

// Request is the validated form of an attestation request.
type Request struct {
	Metrics           *scoring.Metrics
	GPUHash           common.Hash
	Worker            common.Address
	Nonce             uint64
	ChainID           *big.Int
	VerifyingContract common.Address
}

func (r *Request) validate() error {
	var result *multierror.Error
	if r.Metrics == nil {
		result = multierror.Append(result, errors.New("missing bench metrics"))
	}
	if r.GPUHash == (common.Hash{}) {
		result = multierror.Append(result, errors.New("missing gpuHash"))
	}
	if r.Worker == (common.Address{}) {
		result = multierror.Append(result, errors.New("missing worker"))
	}
	if r.Nonce == 0 {
		result = multierror.Append(result, errors.New("missing nonce"))
	}
	if r.ChainID != nil && r.ChainID.Sign() <= 0 {
		result = multierror.Append(result, errors.New("chainId must be positive"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// Attestation is a signed claim ready for registerNodeSigned.
type Attestation struct {
	Claim
	Signature []byte
}

// Issuer signs attestations. Nonces for a worker must be requested in
// strictly consecutive order.
type Issuer struct {
	cfg     Config
	key     *ecdsa.PrivateKey
	address common.Address
	ledger  Ledger
	db      *database
	clock   clock.Clock

	// requests of one worker are serialized on the stripe selected by
	// the last address byte
	stripes [256]sync.Mutex
}

type newIssuerOptionFunc func(*newIssuerOptions)

type newIssuerOptions struct {
	cfg    Config
	clock  clock.Clock
	ledger Ledger
}

func WithConfig(cfg Config) newIssuerOptionFunc {
	return func(opts *newIssuerOptions) {
		opts.cfg = cfg
	}
}

func WithClock(c clock.Clock) newIssuerOptionFunc {
	return func(opts *newIssuerOptions) {
		opts.clock = c
	}
}

// WithLedger replaces the leveldb ledger; dbdir is then ignored.
func WithLedger(l Ledger) newIssuerOptionFunc {
	return func(opts *newIssuerOptions) {
		opts.ledger = l
	}
}

func New(ctx context.Context, dbdir string, key *ecdsa.PrivateKey, opts ...newIssuerOptionFunc) (*Issuer, error) {
	if key == nil {
		return nil, ErrSigningKeyUnavailable
	}
	options := newIssuerOptions{
		cfg:   DefaultConfig(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.cfg.Validity <= 0 {
		return nil, fmt.Errorf("%w: validity window must be positive", types.ErrInputValidation)
	}

	i := &Issuer{
		cfg:     options.cfg,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		ledger:  options.ledger,
		clock:   options.clock,
	}
	if i.ledger == nil {
		db, err := newDatabase(filepath.Join(dbdir, "nonces"))
		if err != nil {
			return nil, fmt.Errorf("opening nonce database: %w", err)
		}
		i.db = db
		i.ledger = db
	}
	logging.FromContext(ctx).Info("attestation issuer ready",
		zap.Stringer("issuer", i.address),
		zap.Object("config", i.cfg),
	)
	return i, nil
}

func (i *Issuer) Close() error {
	if i.db == nil {
		return nil
	}
	return i.db.Close()
}

// Address is the signer the registry contract must be configured with.
func (i *Issuer) Address() common.Address {
	return i.address
}

func (i *Issuer) Config() Config {
	return i.cfg
}

// Issue scores the report, checks the nonce against the ledger and signs
// the claim. The ledger is only advanced after a successful signature.
func (i *Issuer) Issue(ctx context.Context, req Request) (*Attestation, error) {
	logger := logging.FromContext(ctx).With(zap.Stringer("worker", req.Worker), zap.Uint64("nonce", req.Nonce))

	if err := req.validate(); err != nil {
		rejectedMetric.WithLabelValues("bad_payload").Inc()
		return nil, err
	}
	chainID := req.ChainID
	if chainID == nil {
		chainID = new(big.Int).SetUint64(i.cfg.ChainID)
	}
	contract := req.VerifyingContract
	if contract == (common.Address{}) {
		contract = i.cfg.VerifyingContract.Address()
	}
	if contract == (common.Address{}) {
		rejectedMetric.WithLabelValues("bad_payload").Inc()
		return nil, fmt.Errorf("%w: missing verifyingContract", ErrBadPayload)
	}

	mu := &i.stripes[req.Worker[common.AddressLength-1]]
	mu.Lock()
	defer mu.Unlock()

	last, err := i.ledger.LastIssued(ctx, req.Worker)
	if err != nil {
		return nil, fmt.Errorf("reading nonce ledger: %w", err)
	}
	if expected := last + 1; req.Nonce != expected {
		rejectedMetric.WithLabelValues("nonce_mismatch").Inc()
		logger.Debug("rejecting out of order nonce", zap.Uint64("expected", expected))
		return nil, fmt.Errorf("%w: requested %d, expected %d", ErrNonceMismatch, req.Nonce, expected)
	}

	claim := Claim{
		ChainID:           chainID,
		VerifyingContract: contract,
		Worker:            req.Worker,
		GPUHash:           req.GPUHash,
		Score:             scoring.Score(*req.Metrics),
		ExpiresAt:         uint64(i.clock.Now().Add(i.cfg.Validity).Unix()),
		Nonce:             req.Nonce,
	}
	sig, err := i.sign(&claim)
	if err != nil {
		rejectedMetric.WithLabelValues("signing").Inc()
		return nil, err
	}

	if err := i.ledger.SetLastIssued(ctx, req.Worker, req.Nonce); err != nil {
		return nil, fmt.Errorf("advancing nonce ledger: %w", err)
	}
	issuedMetric.Inc()
	logger.Info("issued attestation",
		zap.Uint64("score", claim.Score),
		zap.Time("expires", time.Unix(int64(claim.ExpiresAt), 0)),
	)
	return &Attestation{Claim: claim, Signature: sig}, nil
}

func (i *Issuer) sign(claim *Claim) ([]byte, error) {
	digest, err := claim.Digest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	sig, err := crypto.Sign(signingHash(digest), i.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningKeyUnavailable, err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
