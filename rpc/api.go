package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/go-multierror"

	"github.com/oen-network/oen/attestation"
	"github.com/oen-network/oen/bench"
	"github.com/oen-network/oen/scoring"
)

// Uint64 decodes from a JSON number or a decimal string and encodes as a
// number.
type Uint64 uint64

func (u *Uint64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unsigned integer %s", data)
	}
	*u = Uint64(v)
	return nil
}

func (u Uint64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(u), 10)), nil
}

func NewUint64(v uint64) *Uint64 {
	u := Uint64(v)
	return &u
}

type ScoreRequest struct {
	HW                *bench.Hardware  `json:"hw,omitempty"`
	Bench             *scoring.Metrics `json:"bench"`
	GPUHash           string           `json:"gpuHash"`
	Worker            string           `json:"worker"`
	Nonce             *Uint64          `json:"nonce"`
	ChainID           *Uint64          `json:"chainId,omitempty"`
	VerifyingContract string           `json:"verifyingContract,omitempty"`
}

type ScoreResponse struct {
	BenchScore uint64 `json:"benchScore"`
	ExpiresAt  uint64 `json:"expiresAt"`
	Nonce      Uint64 `json:"nonce"`
	Signature  string `json:"signature"`
}

type InfoResponse struct {
	Issuer            string `json:"issuer"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
	ValiditySeconds   uint64 `json:"validitySeconds"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// IntoAttestationRequest validates the wire fields. Every problem is
// reported, wrapped in attestation.ErrBadPayload.
func (r *ScoreRequest) IntoAttestationRequest() (attestation.Request, error) {
	var (
		req    attestation.Request
		result *multierror.Error
	)
	req.Metrics = r.Bench
	if r.Bench == nil {
		result = multierror.Append(result, errors.New("missing bench"))
	}
	switch {
	case r.GPUHash == "":
		result = multierror.Append(result, errors.New("missing gpuHash"))
	default:
		b, err := hexutil.Decode(r.GPUHash)
		if err != nil || len(b) != common.HashLength {
			result = multierror.Append(result, errors.New("gpuHash must be 32 bytes of 0x-prefixed hex"))
		}
		req.GPUHash = common.BytesToHash(b)
	}
	switch {
	case r.Worker == "":
		result = multierror.Append(result, errors.New("missing worker"))
	case !common.IsHexAddress(r.Worker):
		result = multierror.Append(result, fmt.Errorf("invalid worker address %q", r.Worker))
	default:
		req.Worker = common.HexToAddress(r.Worker)
	}
	if r.Nonce == nil {
		result = multierror.Append(result, errors.New("missing nonce"))
	} else {
		req.Nonce = uint64(*r.Nonce)
	}
	if r.ChainID != nil {
		req.ChainID = new(big.Int).SetUint64(uint64(*r.ChainID))
	}
	if r.VerifyingContract != "" {
		if !common.IsHexAddress(r.VerifyingContract) {
			result = multierror.Append(result, fmt.Errorf("invalid verifyingContract %q", r.VerifyingContract))
		}
		req.VerifyingContract = common.HexToAddress(r.VerifyingContract)
	}
	if err := result.ErrorOrNil(); err != nil {
		return attestation.Request{}, fmt.Errorf("%w: %v", attestation.ErrBadPayload, err)
	}
	return req, nil
}

func FromAttestation(att *attestation.Attestation) *ScoreResponse {
	return &ScoreResponse{
		BenchScore: att.Score,
		ExpiresAt:  att.ExpiresAt,
		Nonce:      Uint64(att.Nonce),
		Signature:  hexutil.Encode(att.Signature),
	}
}
