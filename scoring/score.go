// Package scoring maps raw benchmark metrics to a bounded capability score.
//
// The weights and baselines below are part of the attestation contract: the
// worker's local preview and the oracle both call Score, and the registry
// only accepts scores the oracle signed. Changing any constant changes the
// meaning of every previously issued attestation.
package scoring

import "math"

const (
	MinScore uint64 = 100
	MaxScore uint64 = 100_000

	fp16Weight   = 700
	fp32Weight   = 250
	memBwWeight  = 50
	fp16Baseline = 10.0  // TFLOPS
	fp32Baseline = 5.0   // TFLOPS
	memBaseline  = 500.0 // GB/s
)

// Metrics are the raw figures reported by the benchmark subprocess.
type Metrics struct {
	FP16TFLOPS float64 `json:"fp16_tflops"`
	FP32TFLOPS float64 `json:"fp32_tflops"`
	MemGBps    float64 `json:"mem_gbps"`
}

// Score is pure: identical metrics always yield the identical score,
// within [MinScore, MaxScore].
func Score(m Metrics) uint64 {
	raw := fp16Weight*(sanitize(m.FP16TFLOPS)/fp16Baseline) +
		fp32Weight*(sanitize(m.FP32TFLOPS)/fp32Baseline) +
		memBwWeight*(sanitize(m.MemGBps)/memBaseline)

	// round half up
	rounded := math.Floor(raw + 0.5)
	switch {
	case rounded <= float64(MinScore):
		return MinScore
	case rounded >= float64(MaxScore):
		return MaxScore
	}
	return uint64(rounded)
}

// sanitize treats missing, negative and non-finite values as zero.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
