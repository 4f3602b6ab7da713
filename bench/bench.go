// Package bench measures the local GPU and produces the report the oracle
// scores. The measurement itself runs in an external command that prints
// a single JSON object with fp16_tflops, fp32_tflops and mem_gbps.
package bench

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/scoring"
)

var ErrBenchmarkFailed = errors.New("benchmark command failed")

// DefaultCommand is resolved relative to the working directory.
var DefaultCommand = []string{"python3", "tools/bench/run_bench.py"}

type Config struct {
	Command []string
	// Probe is the GPU query command, nvidia-smi by default.
	Probe   []string
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Command: DefaultCommand,
		Probe: []string{
			"nvidia-smi",
			"--query-gpu=name,driver_version,memory.total",
			"--format=csv,noheader,nounits",
		},
		Timeout: 10 * time.Minute,
	}
}

// Collect probes the hardware, runs the benchmark command and derives the
// gpuHash. A failing GPU probe is not an error; a failing benchmark is.
func Collect(ctx context.Context, cfg Config) (*Report, error) {
	logger := logging.FromContext(ctx)
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	gpu := ProbeGPU(ctx, cfg.Probe)
	logger.Info("probed gpu",
		zap.String("vendor", gpu.Vendor),
		zap.String("name", gpu.Name),
		zap.String("driver", gpu.Driver),
		zap.Uint64("vram_bytes", gpu.VRAMBytes),
	)

	start := time.Now()
	metrics, err := Run(ctx, cfg.Command)
	if err != nil {
		return nil, err
	}
	logger.Info("benchmark finished",
		zap.Duration("took", time.Since(start)),
		zap.Float64("fp16_tflops", metrics.FP16TFLOPS),
		zap.Float64("fp32_tflops", metrics.FP32TFLOPS),
		zap.Float64("mem_gbps", metrics.MemGBps),
		zap.Uint64("score_preview", scoring.Score(*metrics)),
	)

	return &Report{
		HW: Hardware{
			GPU: gpu,
			CPU: CPU{Model: cpuModel(), Cores: runtime.NumCPU()},
			OS:  OS{Platform: runtime.GOOS, Release: osRelease()},
		},
		Bench:   *metrics,
		GPUHash: GPUHash(gpu),
	}, nil
}

// Run executes the benchmark command and parses its standard output.
func Run(ctx context.Context, command []string) (*scoring.Metrics, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrBenchmarkFailed)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command[0], command[1:]...) //#nosec G204
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrBenchmarkFailed, strings.Join(command, " "), err, strings.TrimSpace(stderr.String()))
	}
	return ParseMetrics(stdout.Bytes())
}

// ProbeGPU queries the first GPU. Every failure yields UNKNOWN descriptors.
func ProbeGPU(ctx context.Context, probe []string) GPU {
	unknown := GPU{Vendor: Unknown, Name: Unknown, Driver: Unknown}
	if len(probe) == 0 {
		return unknown
	}
	out, err := exec.CommandContext(ctx, probe[0], probe[1:]...).Output() //#nosec G204
	if err != nil {
		logging.FromContext(ctx).Debug("gpu probe failed", zap.Error(err))
		return unknown
	}
	gpu, err := parseNvidiaSMI(string(out))
	if err != nil {
		logging.FromContext(ctx).Debug("unexpected gpu probe output", zap.Error(err))
		return unknown
	}
	return gpu
}

// parseNvidiaSMI reads the first "name, driver, memory MiB" line.
func parseNvidiaSMI(out string) (GPU, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return GPU{}, fmt.Errorf("expected 3 fields, got %d in %q", len(fields), line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	mib, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return GPU{}, fmt.Errorf("parsing memory.total %q: %w", fields[2], err)
	}
	return GPU{
		Vendor:    "NVIDIA",
		Name:      fields[0],
		Driver:    fields[1],
		VRAMBytes: mib * 1024 * 1024,
	}, nil
}

func cpuModel() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(key) == "model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
