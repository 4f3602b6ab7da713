package bench

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/scoring"
	"github.com/oen-network/oen/types"
)

func TestParseMetrics(t *testing.T) {
	for _, tc := range []struct {
		name   string
		input  string
		want   *scoring.Metrics
		errMsg string
	}{
		{
			name:  "valid",
			input: `{"fp16_tflops": 20.5, "fp32_tflops": 7, "mem_gbps": 900}` + "\n",
			want:  &scoring.Metrics{FP16TFLOPS: 20.5, FP32TFLOPS: 7, MemGBps: 900},
		},
		{
			name:  "unknown fields ignored",
			input: `{"fp16_tflops": 1, "fp32_tflops": 1, "mem_gbps": 1, "device": "cuda:0"}`,
			want:  &scoring.Metrics{FP16TFLOPS: 1, FP32TFLOPS: 1, MemGBps: 1},
		},
		{
			name:  "zeros are fine",
			input: `{"fp16_tflops": 0, "fp32_tflops": 0, "mem_gbps": 0}`,
			want:  &scoring.Metrics{},
		},
		{name: "missing field", input: `{"fp16_tflops": 1, "fp32_tflops": 1}`, errMsg: "missing mem_gbps"},
		{name: "negative", input: `{"fp16_tflops": -1, "fp32_tflops": 1, "mem_gbps": 1}`, errMsg: "negative fp16_tflops"},
		{name: "string value", input: `{"fp16_tflops": "1", "fp32_tflops": 1, "mem_gbps": 1}`, errMsg: "fp16_tflops"},
		{name: "null", input: `null`, errMsg: "missing fp16_tflops"},
		{name: "not json", input: `GPU not found`, errMsg: "invalid character"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseMetrics([]byte(tc.input))
			if tc.errMsg != "" {
				require.ErrorIs(t, err, ErrMalformedReport)
				require.ErrorIs(t, err, types.ErrInputValidation)
				require.ErrorContains(t, err, tc.errMsg)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseNvidiaSMI(t *testing.T) {
	gpu, err := parseNvidiaSMI("NVIDIA GeForce RTX 4090, 550.54.14, 24564\nNVIDIA GeForce RTX 4090, 550.54.14, 24564\n")
	require.NoError(t, err)
	require.Equal(t, GPU{
		Vendor:    "NVIDIA",
		Name:      "NVIDIA GeForce RTX 4090",
		Driver:    "550.54.14",
		VRAMBytes: 24564 * 1024 * 1024,
	}, gpu)

	_, err = parseNvidiaSMI("No devices were found")
	require.Error(t, err)
	_, err = parseNvidiaSMI("A100, 535.1, [N/A]")
	require.Error(t, err)
}

func TestGPUHash(t *testing.T) {
	gpu := GPU{Vendor: "NVIDIA", Name: "A100", Driver: "535.104.05", VRAMBytes: 80 << 30}

	packed, err := gpuHashArgs.Pack("GPUv1", "NVIDIA", "A100", "535.104.05", big.NewInt(80<<30), "")
	require.NoError(t, err)
	require.Equal(t, crypto.Keccak256Hash(packed), GPUHash(gpu))
	// six head words, a length and a data word per non-empty string, a length word for ""
	require.Len(t, packed, 32*6+64*4+32)

	for _, mutate := range []func(*GPU){
		func(g *GPU) { g.Vendor = "AMD" },
		func(g *GPU) { g.Name = "H100" },
		func(g *GPU) { g.Driver = "535.104.06" },
		func(g *GPU) { g.VRAMBytes++ },
	} {
		other := gpu
		mutate(&other)
		require.NotEqual(t, GPUHash(gpu), GPUHash(other))
	}
}

func TestRun(t *testing.T) {
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))

	t.Run("parses stdout", func(t *testing.T) {
		m, err := Run(ctx, []string{"sh", "-c", `echo '{"fp16_tflops": 10, "fp32_tflops": 5, "mem_gbps": 500}'`})
		require.NoError(t, err)
		require.Equal(t, uint64(1000), scoring.Score(*m))
	})
	t.Run("non-zero exit", func(t *testing.T) {
		_, err := Run(ctx, []string{"sh", "-c", "echo boom >&2; exit 3"})
		require.ErrorIs(t, err, ErrBenchmarkFailed)
		require.ErrorContains(t, err, "boom")
	})
	t.Run("malformed output", func(t *testing.T) {
		_, err := Run(ctx, []string{"sh", "-c", "echo '{\"fp16_tflops\": 1}'"})
		require.ErrorIs(t, err, ErrMalformedReport)
	})
	t.Run("empty command", func(t *testing.T) {
		_, err := Run(ctx, nil)
		require.ErrorIs(t, err, ErrBenchmarkFailed)
	})
}

func TestCollectWithoutGPU(t *testing.T) {
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	cfg := DefaultConfig()
	cfg.Probe = []string{filepath.Join(t.TempDir(), "missing-nvidia-smi")}
	cfg.Command = []string{"sh", "-c", `echo '{"fp16_tflops": 5, "fp32_tflops": 2, "mem_gbps": 100}'`}

	report, err := Collect(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, GPU{Vendor: Unknown, Name: Unknown, Driver: Unknown}, report.HW.GPU)
	require.Equal(t, GPUHash(report.HW.GPU), report.GPUHash)
	require.Positive(t, report.HW.CPU.Cores)

	path := filepath.Join(t.TempDir(), "bench_report.json")
	require.NoError(t, report.WriteFile(path))
	loaded, err := ReadReport(path)
	require.NoError(t, err)
	require.Equal(t, report, loaded)
}

func TestReadReportRejectsIncompleteFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	_, err := ReadReport(write("nobench.json", `{"gpuHash": "0x01"}`))
	require.ErrorIs(t, err, ErrMalformedReport)

	_, err = ReadReport(write("nohash.json", `{"bench": {"fp16_tflops": 1, "fp32_tflops": 1, "mem_gbps": 1}}`))
	require.ErrorContains(t, err, "missing gpuHash")

	_, err = ReadReport(filepath.Join(dir, "absent.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
