package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oen-network/oen/attestation"
	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/rpc"
	"github.com/oen-network/oen/scoring"
	"github.com/oen-network/oen/sequencer"
	"github.com/oen-network/oen/types"
	"github.com/oen-network/oen/util"
)

const (
	clientKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	workerKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := newApp(context.Background(), &out)
	t.Cleanup(a.close)
	parser, err := newParser(a)
	require.NoError(t, err)
	parser.Options &^= flags.PrintErrors
	_, err = parser.ParseArgs(args)
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	parser, err := newParser(newApp(context.Background(), &bytes.Buffer{}))
	require.NoError(t, err)

	for _, path := range [][]string{
		{"balances"}, {"fund"}, {"whoami"},
		{"worker", "bench"}, {"worker", "register"}, {"worker", "info"}, {"worker", "stake"}, {"worker", "unstake"},
		{"job", "submit"}, {"job", "claim"}, {"job", "run"}, {"job", "proof"}, {"job", "timeout"}, {"job", "get"},
		{"jobs", "scan"}, {"jobs", "claim-if-eligible"},
		{"sequencer", "status"}, {"sequencer", "reconcile"},
		{"attest", "verify"},
	} {
		cmd := parser.Command
		for _, name := range path {
			cmd = cmd.Find(name)
			require.NotNil(t, cmd, "missing command %v", path)
		}
	}
}

func TestEnvironmentDefaults(t *testing.T) {
	t.Setenv("RPC_URL", "http://node:8545")
	t.Setenv("CLIENT_PRIVATE_KEY", clientKey)
	t.Setenv("WORKER_PRIVATE_KEY", "")

	opts := defaultOptions()
	require.Equal(t, "http://node:8545", opts.Chain.RPCURL)
	require.Equal(t, clientKey, opts.Keys.Client)
	require.Empty(t, opts.Keys.Worker)
	require.Equal(t, "http://127.0.0.1:8787", opts.Oracle.URL)
	require.Equal(t, sequencer.DefaultConfig(), opts.Sequencer)
}

func TestWhoami(t *testing.T) {
	t.Setenv("CLIENT_PRIVATE_KEY", clientKey)
	t.Setenv("WORKER_PRIVATE_KEY", "")

	out, err := execute(t, "--staking", "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512", "whoami")
	require.NoError(t, err)
	require.Contains(t, out, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	require.Contains(t, out, "worker       (not configured)")
	require.Contains(t, out, "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
}

func TestWorkerKeyFlagOverridesEnvironment(t *testing.T) {
	t.Setenv("WORKER_PRIVATE_KEY", "")

	out, err := execute(t, "--worker-key", workerKey, "whoami")
	require.NoError(t, err)
	require.Contains(t, out, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
}

func TestRunReadsConfigFile(t *testing.T) {
	t.Setenv("CLIENT_PRIVATE_KEY", "")
	cfg := filepath.Join(t.TempDir(), "oen.conf")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf(`
[Application Options]
as = worker

[Keys]
client-key = %s

[Oracle]
oracle-url = http://oracle:9000
`, clientKey)), 0o600))

	var out bytes.Buffer
	a := newApp(context.Background(), &out)
	defer a.close()
	parser, err := newParser(a)
	require.NoError(t, err)
	require.NoError(t, flags.NewIniParser(parser).ParseFile(cfg))
	_, err = parser.ParseArgs([]string{"--oracle-url", "http://flag:1", "whoami"})
	require.NoError(t, err)

	require.Equal(t, roleWorker, a.opts.As)
	require.Equal(t, "http://flag:1", a.opts.Oracle.URL)
	require.Contains(t, out.String(), "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
}

func TestInvalidInputs(t *testing.T) {
	t.Setenv("CLIENT_PRIVATE_KEY", "")
	t.Setenv("WORKER_PRIVATE_KEY", "")

	tt := []struct {
		name string
		args []string
	}{
		{"no keys for balances", []string{"balances"}},
		{"fund zero", []string{"fund", "0"}},
		{"fund without worker", []string{"fund", "1"}},
		{"bad proof", []string{"job", "proof", "--id", "1", "--out", "x", "--proof", "zz"}},
		{"verify without issuer", []string{"attest", "verify", "--file", writeAttestation(t, &attestationFile{
			ScoreResponse:     rpc.ScoreResponse{Signature: "0x00"},
			Worker:            "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			GPUHash:           common.Hash{1}.Hex(),
			VerifyingContract: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
		}), "--last-nonce", "0"}},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, tc.args...)
			require.ErrorIs(t, err, types.ErrInputValidation)
		})
	}
}

func TestRequiredFlags(t *testing.T) {
	_, err := execute(t, "worker", "stake")
	var ferr *flags.Error
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, flags.ErrRequired, ferr.Type)

	_, err = execute(t, "--as", "admin", "whoami")
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, flags.ErrInvalidChoice, ferr.Type)
}

func writeAttestation(t *testing.T, f *attestationFile) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attestation.json")
	require.NoError(t, util.WriteJSON(path, f))
	return path
}

func issueAttestation(t *testing.T) (*attestation.Issuer, *attestation.Attestation) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	cfg := attestation.DefaultConfig()
	cfg.VerifyingContract = types.Address(common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"))
	issuer, err := attestation.New(ctx, t.TempDir(), key, attestation.WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, issuer.Close()) })

	att, err := issuer.Issue(ctx, attestation.Request{
		Metrics: &scoring.Metrics{FP16TFLOPS: 100, FP32TFLOPS: 50, MemGBps: 900},
		GPUHash: common.Hash{0xab},
		Worker:  common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Nonce:   1,
	})
	require.NoError(t, err)
	return issuer, att
}

func savedAttestation(t *testing.T, att *attestation.Attestation) string {
	t.Helper()
	return writeAttestation(t, &attestationFile{
		ScoreResponse: rpc.ScoreResponse{
			BenchScore: att.Score,
			ExpiresAt:  att.ExpiresAt,
			Nonce:      rpc.Uint64(att.Nonce),
			Signature:  hexutil.Encode(att.Signature),
		},
		Worker:            att.Worker.Hex(),
		GPUHash:           att.GPUHash.Hex(),
		ChainID:           att.ChainID.Uint64(),
		VerifyingContract: att.VerifyingContract.Hex(),
	})
}

func TestAttestVerify(t *testing.T) {
	issuer, att := issueAttestation(t)
	path := savedAttestation(t, att)

	out, err := execute(t, "attest", "verify", "--file", path, "--issuer", issuer.Address().Hex(), "--last-nonce", "0")
	require.NoError(t, err)
	require.Contains(t, out, "signer     "+issuer.Address().Hex())
	require.Contains(t, out, "valid: nonce 1 > 0")

	_, err = execute(t, "attest", "verify", "--file", path, "--issuer", issuer.Address().Hex(), "--last-nonce", "1")
	require.ErrorIs(t, err, attestation.ErrStaleNonce)

	other := "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	_, err = execute(t, "--oracle-issuer", other, "attest", "verify", "--file", path, "--last-nonce", "0")
	require.ErrorIs(t, err, attestation.ErrInvalidSignature)
}

func TestDescribeAbortedSequence(t *testing.T) {
	err := fmt.Errorf("staking: %w", &types.SequenceAbortedError{
		Account:   "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Base:      7,
		Offset:    1,
		Steps:     []string{"approve", "stake"},
		Committed: []int{0},
		Cause:     &types.ChainRejectedError{Op: "stake", Reason: "exceeds balance"},
	})

	lines := strings.Split(describe(err), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], "sequence of 0x70997970C51812dc3A010C7d01b50e0d17dc79C8 aborted")
	require.Regexp(t, `step 0 approve\s+nonce 7\s+committed`, lines[1])
	require.Regexp(t, `step 1 stake\s+nonce 8\s+FAILED`, lines[2])
	require.Contains(t, lines[3], "exceeds balance")
}

func TestDescribeUnconfirmedSequence(t *testing.T) {
	err := &types.SequenceAbortedError{
		Account:     "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Base:        3,
		Offset:      0,
		Steps:       []string{"approve", "unstake"},
		Unconfirmed: []int{0, 1},
		Cause:       &types.ChainRejectedError{Op: "waitMined", Reason: "context deadline exceeded"},
	}

	lines := strings.Split(describe(err), "\n")
	require.Len(t, lines, 5)
	require.Regexp(t, `step 0 approve\s+nonce 3\s+outcome unknown`, lines[1])
	require.Regexp(t, `step 1 unstake\s+nonce 4\s+outcome unknown`, lines[2])
	require.Contains(t, lines[3], "context deadline exceeded")
	require.Contains(t, lines[4], "oen sequencer reconcile")
}

func TestDescribe(t *testing.T) {
	require.Equal(t, "error: boom", describe(errors.New("boom")))

	msg := describe(fmt.Errorf("submitting: %w", sequencer.ErrUnresolvedBlock))
	require.Contains(t, msg, "oen sequencer reconcile")
}
