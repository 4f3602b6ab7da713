package server_test

// End to end tests running the oracle server and talking to it over HTTP.

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/rpc"
	"github.com/oen-network/oen/rpc/client"
	"github.com/oen-network/oen/scoring"
	"github.com/oen-network/oen/server"
	"github.com/oen-network/oen/types"
)

const randomHost = "localhost:0"

var staking = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")

func spawnOracle(t *testing.T, cfg *server.Config) (*server.Server, *client.OracleClient) {
	t.Helper()
	req := require.New(t)

	_, err := server.SetupConfig(cfg)
	req.NoError(err)

	srv, err := server.New(context.Background(), *cfg)
	req.NoError(err)
	t.Cleanup(func() { req.NoError(srv.Close()) })

	cl, err := client.New(srv.Addr().String(), client.WithRetries(0, time.Millisecond, time.Millisecond))
	req.NoError(err)
	return srv, cl
}

func testConfig(t *testing.T) *server.Config {
	cfg := server.DefaultConfig()
	cfg.OracleDir = t.TempDir()
	cfg.RawRESTListener = randomHost
	cfg.Attestation.VerifyingContract = types.Address(staking)
	return cfg
}

func TestOracleStart(t *testing.T) {
	t.Setenv(server.KeyEnvVar, "")
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()

	srv, cl := spawnOracle(t, testConfig(t))

	var eg errgroup.Group
	eg.Go(func() error { return srv.Start(ctx) })

	require.Eventually(t, func() bool {
		_, err := cl.Info(ctx)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	info, err := cl.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, srv.Issuer().Hex(), info.Issuer)
	require.Equal(t, staking.Hex(), info.VerifyingContract)

	worker := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	resp, err := cl.Score(ctx, &rpc.ScoreRequest{
		Bench:   &scoring.Metrics{FP16TFLOPS: 10, FP32TFLOPS: 5, MemGBps: 500},
		GPUHash: common.HexToHash("0x01").Hex(),
		Worker:  worker.Hex(),
		Nonce:   rpc.NewUint64(1),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1000), resp.BenchScore)

	cancel()
	require.NoError(t, eg.Wait())
}

func TestOracleKeyFromEnv(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv(server.KeyEnvVar, fmt.Sprintf("0x%x", crypto.FromECDSA(key)))

	cfg := testConfig(t)
	_, err = server.SetupConfig(cfg)
	require.NoError(t, err)
	srv, err := server.New(context.Background(), *cfg)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), srv.Issuer())
	require.NoError(t, srv.Close())

	// the key was persisted, so a restart without the variable keeps it
	t.Setenv(server.KeyEnvVar, "")
	cfg.RawRESTListener = randomHost
	srv, _ = spawnOracle(t, cfg)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), srv.Issuer())
}
