package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/oen-network/oen/chain"
	"github.com/oen-network/oen/jobs"
	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/rpc/client"
	"github.com/oen-network/oen/sequencer"
	"github.com/oen-network/oen/server"
	"github.com/oen-network/oen/types"
	"github.com/oen-network/oen/worker"
)

const (
	roleClient = "client"
	roleWorker = "worker"
)

//nolint:lll
type chainOptions struct {
	RPCURL      string        `long:"rpc-url"      description:"JSON-RPC endpoint of the chain (env RPC_URL)"`
	Token       types.Address `long:"token"        description:"EdgeToken address"`
	Staking     types.Address `long:"staking"      description:"StakingManager address"`
	JobRegistry types.Address `long:"job-registry" description:"JobRegistry address"`
	GasLimit    uint64        `long:"gas-limit"    description:"Gas limit of every transaction"`
}

func (c chainOptions) addresses() chain.Addresses {
	return chain.Addresses{
		Token:       c.Token.Address(),
		Staking:     c.Staking.Address(),
		JobRegistry: c.JobRegistry.Address(),
	}
}

//nolint:lll
type keyOptions struct {
	Client string `long:"client-key" description:"Hex private key of the client account (env CLIENT_PRIVATE_KEY)"`
	Worker string `long:"worker-key" description:"Hex private key of the worker account (env WORKER_PRIVATE_KEY)"`
}

//nolint:lll
type oracleOptions struct {
	URL      string        `long:"oracle-url"     description:"Base URL of the attestation oracle"`
	Issuer   types.Address `long:"oracle-issuer"  description:"Expected oracle signer; attestations from anyone else are refused before submission"`
	Retries  int           `long:"oracle-retries" description:"Retries on transport failures and 502/503/504"`
	Timeout  time.Duration `long:"oracle-timeout" description:"Timeout of a single oracle request"`
}

//nolint:lll
type options struct {
	ConfigFile string `long:"configfile" description:"Path to an ini configuration file"                       short:"c"`
	As         string `long:"as"         description:"Account the command acts as"  choice:"client" choice:"worker"`
	DataDir    string `long:"datadir"    description:"Directory of the local nonce ledger"`
	DebugLog   bool   `long:"debuglog"   description:"Enable debug logs"`
	JSONLog    bool   `long:"jsonlog"    description:"Whether to log in JSON format"`

	Chain     chainOptions     `group:"Chain"`
	Keys      keyOptions       `group:"Keys"`
	Oracle    oracleOptions    `group:"Oracle"`
	Sequencer sequencer.Config `group:"Sequencer"`
}

// defaultOptions returns hardcoded defaults overlaid with the environment.
func defaultOptions() *options {
	dataDir := "./.oen"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".oen")
	}
	opts := &options{
		As:      roleClient,
		DataDir: dataDir,
		Chain: chainOptions{
			RPCURL:   "http://127.0.0.1:8545",
			GasLimit: chain.DefaultGasLimit,
		},
		Oracle: oracleOptions{
			URL:     "http://127.0.0.1:8787",
			Retries: client.DefaultRetryMax,
			Timeout: 30 * time.Second,
		},
		Sequencer: sequencer.DefaultConfig(),
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		opts.Chain.RPCURL = v
	}
	opts.Keys.Client = os.Getenv("CLIENT_PRIVATE_KEY")
	opts.Keys.Worker = os.Getenv("WORKER_PRIVATE_KEY")
	return opts
}

// app lazily builds the collaborators a command needs and releases them on close.
type app struct {
	ctx  context.Context
	out  io.Writer
	opts *options

	closers []func()
}

func newApp(ctx context.Context, out io.Writer) *app {
	return &app{ctx: ctx, out: out, opts: defaultOptions()}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// commandContext carries the configured logger.
func (a *app) commandContext() context.Context {
	level := zap.WarnLevel
	if a.opts.DebugLog {
		level = zap.DebugLevel
	}
	return logging.NewContext(a.ctx, logging.New(level, "", a.opts.JSONLog))
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func parseKey(role, hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("%w: missing %s private key", types.ErrInputValidation, role)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s private key: %v", types.ErrInputValidation, role, err)
	}
	return key, nil
}

func (a *app) key(role string) (*ecdsa.PrivateKey, error) {
	if role == roleWorker {
		return parseKey(role, a.opts.Keys.Worker)
	}
	return parseKey(role, a.opts.Keys.Client)
}

func (a *app) address(role string) (common.Address, error) {
	key, err := a.key(role)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// dial connects as role. An empty role yields a read-only client.
func (a *app) dial(ctx context.Context, role string) (*chain.Client, error) {
	var (
		c   *chain.Client
		err error
	)
	gas := chain.WithGasLimit(a.opts.Chain.GasLimit)
	if role == "" {
		c, err = chain.Dial(ctx, a.opts.Chain.RPCURL, a.opts.Chain.addresses(), gas)
	} else {
		key, kerr := a.key(role)
		if kerr != nil {
			return nil, kerr
		}
		c, err = chain.Dial(ctx, a.opts.Chain.RPCURL, a.opts.Chain.addresses(), gas, chain.WithKey(key))
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, c.Close)
	return c, nil
}

func (a *app) sequencer(ctx context.Context, c *chain.Client) (*sequencer.Sequencer, error) {
	dir := server.CleanAndExpandPath(a.opts.DataDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	seq, err := sequencer.New(ctx, dir, c, sequencer.WithConfig(a.opts.Sequencer))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = seq.Close() })
	return seq, nil
}

func (a *app) coordinator(ctx context.Context, role string) (*jobs.Coordinator, *chain.Client, error) {
	c, err := a.dial(ctx, role)
	if err != nil {
		return nil, nil, err
	}
	seq, err := a.sequencer(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	return jobs.NewCoordinator(c, seq), c, nil
}

func (a *app) node(ctx context.Context) (*worker.Node, error) {
	c, err := a.dial(ctx, roleWorker)
	if err != nil {
		return nil, err
	}
	seq, err := a.sequencer(ctx, c)
	if err != nil {
		return nil, err
	}
	oracle, err := client.New(a.opts.Oracle.URL,
		client.WithLogger(logging.FromContext(ctx)),
		client.WithRetries(a.opts.Oracle.Retries, client.DefaultRetryWaitMin, client.DefaultRetryWaitMax),
		client.WithTimeout(a.opts.Oracle.Timeout),
	)
	if err != nil {
		return nil, err
	}
	if a.opts.Oracle.Issuer.IsZero() {
		return worker.New(c, seq, oracle), nil
	}
	return worker.New(c, seq, oracle, worker.WithIssuer(a.opts.Oracle.Issuer.Address())), nil
}
