package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/oen-network/oen/chain/chaintest"
	"github.com/oen-network/oen/jobs"
	"github.com/oen-network/oen/rpc/client"
	"github.com/oen-network/oen/sequencer"
	"github.com/oen-network/oen/server"
	"github.com/oen-network/oen/types"
	"github.com/oen-network/oen/worker"
)

// Harness fully encapsulates an oracle serving on a loopback port and a
// simulated chain trusting its signing key.
type Harness struct {
	Chain  *chaintest.Chain
	Oracle *client.OracleClient

	server *server.Server
	seq    *sequencer.Sequencer
	stop   context.CancelFunc
	eg     errgroup.Group
}

// NewHarness starts the oracle with its state under dir.
func NewHarness(ctx context.Context, dir string) (*Harness, error) {
	cfg := server.DefaultConfig()
	cfg.OracleDir = dir
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.DbDir = filepath.Join(dir, "db")
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.RawRESTListener = "127.0.0.1:0"
	cfg.Attestation.ChainID = chaintest.ChainID
	cfg.Attestation.VerifyingContract = types.Address(chaintest.DefaultAddresses.Staking)

	srv, err := server.New(ctx, *cfg)
	if err != nil {
		return nil, fmt.Errorf("starting oracle: %w", err)
	}
	oracle, err := client.New(srv.Addr().String(), client.WithRetries(2, 10*time.Millisecond, 50*time.Millisecond))
	if err != nil {
		_ = srv.Close()
		return nil, err
	}
	c := chaintest.New()
	c.SetOracle(srv.Issuer())
	seq, err := sequencer.New(ctx, filepath.Join(dir, "ledger"), c)
	if err != nil {
		_ = srv.Close()
		return nil, err
	}

	h := &Harness{
		Chain:  c,
		Oracle: oracle,
		server: srv,
		seq:    seq,
	}
	ctx, h.stop = context.WithCancel(ctx)
	h.eg.Go(func() error { return srv.Start(ctx) })
	return h, nil
}

// Issuer is the oracle's signing address.
func (h *Harness) Issuer() common.Address {
	return h.server.Issuer()
}

// Client returns a job coordinator acting as account.
func (h *Harness) Client(account common.Address) *jobs.Coordinator {
	return jobs.NewCoordinator(h.Chain.As(account), h.seq)
}

// Worker returns a node acting as account. It refuses attestations not
// signed by the harness oracle.
func (h *Harness) Worker(account common.Address) *worker.Node {
	return worker.New(h.Chain.As(account), h.seq, h.Oracle, worker.WithIssuer(h.Issuer()))
}

// TearDown stops the oracle and releases its databases.
func (h *Harness) TearDown() error {
	h.stop()
	err := h.eg.Wait()
	if cerr := h.server.Close(); err == nil {
		err = cerr
	}
	if cerr := h.seq.Close(); err == nil {
		err = cerr
	}
	return err
}
