package bench

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-multierror"

	"github.com/oen-network/oen/scoring"
	"github.com/oen-network/oen/types"
	"github.com/oen-network/oen/util"
)

// GPUHashVersion prefixes the encoded GPU descriptor.
const GPUHashVersion = "GPUv1"

const Unknown = "UNKNOWN"

var ErrMalformedReport = fmt.Errorf("%w: malformed benchmark report", types.ErrInputValidation)

type GPU struct {
	Vendor    string `json:"vendor"`
	Name      string `json:"name"`
	Driver    string `json:"driver"`
	VRAMBytes uint64 `json:"vramBytes"`
}

type CPU struct {
	Model string `json:"model"`
	Cores int    `json:"cores"`
}

type OS struct {
	Platform string `json:"platform"`
	Release  string `json:"release"`
}

type Hardware struct {
	GPU GPU `json:"gpu"`
	CPU CPU `json:"cpu"`
	OS  OS  `json:"os"`
}

// Report is the output of a benchmark run. It is never modified after
// Collect returns it.
type Report struct {
	HW      Hardware        `json:"hw"`
	Bench   scoring.Metrics `json:"bench"`
	GPUHash common.Hash     `json:"gpuHash"`
}

var gpuHashArgs = func() abi.Arguments {
	str, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}
	u256, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: str}, {Type: str}, {Type: str}, {Type: str}, {Type: u256}, {Type: str}}
}()

// GPUHash is keccak256(abi.encode("GPUv1", vendor, name, driver, vramBytes, "")).
func GPUHash(gpu GPU) common.Hash {
	packed, err := gpuHashArgs.Pack(GPUHashVersion, gpu.Vendor, gpu.Name, gpu.Driver, new(big.Int).SetUint64(gpu.VRAMBytes), "")
	if err != nil {
		// strings and a uint256 always pack
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}

// rawMetrics catches missing fields and non-numeric values.
type rawMetrics struct {
	FP16 *float64 `json:"fp16_tflops"`
	FP32 *float64 `json:"fp32_tflops"`
	Mem  *float64 `json:"mem_gbps"`
}

// ParseMetrics decodes the benchmark subprocess output. All three metrics
// must be present non-negative numbers. Unknown fields are ignored.
func ParseMetrics(data []byte) (*scoring.Metrics, error) {
	var raw rawMetrics
	if err := json.Unmarshal(bytes.TrimSpace(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	var result *multierror.Error
	check := func(name string, v *float64) float64 {
		switch {
		case v == nil:
			result = multierror.Append(result, fmt.Errorf("missing %s", name))
		case *v < 0:
			result = multierror.Append(result, fmt.Errorf("negative %s: %v", name, *v))
		default:
			return *v
		}
		return 0
	}
	m := &scoring.Metrics{
		FP16TFLOPS: check("fp16_tflops", raw.FP16),
		FP32TFLOPS: check("fp32_tflops", raw.FP32),
		MemGBps:    check("mem_gbps", raw.Mem),
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	return m, nil
}

func (r *Report) WriteFile(path string) error {
	if err := util.WriteJSON(path, r); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path) //#nosec G304
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	var wire struct {
		HW      Hardware        `json:"hw"`
		Bench   json.RawMessage `json:"bench"`
		GPUHash common.Hash     `json:"gpuHash"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	if len(wire.Bench) == 0 {
		return nil, fmt.Errorf("%w: missing bench", ErrMalformedReport)
	}
	metrics, err := ParseMetrics(wire.Bench)
	if err != nil {
		return nil, err
	}
	if wire.GPUHash == (common.Hash{}) {
		return nil, fmt.Errorf("%w: missing gpuHash", ErrMalformedReport)
	}
	return &Report{HW: wire.HW, Bench: *metrics, GPUHash: wire.GPUHash}, nil
}
