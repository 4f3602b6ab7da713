package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/oen-network/oen/attestation"
	"github.com/oen-network/oen/types"
)

type verifyCmd struct {
	app *app

	File      string        `long:"file"       description:"Attestation saved by worker register --save" required:"yes"`
	Issuer    types.Address `long:"issuer"     description:"Expected signer, defaults to --oracle-issuer"`
	LastNonce *uint64       `long:"last-nonce" description:"Last on-chain meta nonce; read from the chain when omitted"`
}

func readAttestation(path string) (*attestation.Attestation, error) {
	data, err := os.ReadFile(path) //#nosec G304
	if err != nil {
		return nil, fmt.Errorf("reading attestation: %w", err)
	}
	var f attestationFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: attestation file: %v", types.ErrInputValidation, err)
	}
	sig, err := hexutil.Decode(f.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", types.ErrInputValidation, err)
	}
	gpuHash, err := hexutil.Decode(f.GPUHash)
	if err != nil || len(gpuHash) != common.HashLength {
		return nil, fmt.Errorf("%w: gpuHash must be 32 bytes of 0x-prefixed hex", types.ErrInputValidation)
	}
	if !common.IsHexAddress(f.Worker) || !common.IsHexAddress(f.VerifyingContract) {
		return nil, fmt.Errorf("%w: worker and verifyingContract must be hex addresses", types.ErrInputValidation)
	}
	return &attestation.Attestation{
		Claim: attestation.Claim{
			ChainID:           new(big.Int).SetUint64(f.ChainID),
			VerifyingContract: common.HexToAddress(f.VerifyingContract),
			Worker:            common.HexToAddress(f.Worker),
			GPUHash:           common.BytesToHash(gpuHash),
			Score:             f.BenchScore,
			ExpiresAt:         f.ExpiresAt,
			Nonce:             uint64(f.Nonce),
		},
		Signature: sig,
	}, nil
}

func (c *verifyCmd) Execute([]string) error {
	att, err := readAttestation(c.File)
	if err != nil {
		return err
	}
	issuer := c.Issuer
	if issuer.IsZero() {
		issuer = c.app.opts.Oracle.Issuer
	}
	if issuer.IsZero() {
		return fmt.Errorf("%w: no issuer given", types.ErrInputValidation)
	}

	ctx := c.app.commandContext()
	var last uint64
	if c.LastNonce != nil {
		last = *c.LastNonce
	} else {
		cl, err := c.app.dial(ctx, "")
		if err != nil {
			return err
		}
		if last, err = cl.MetaNonce(ctx, att.Worker); err != nil {
			return fmt.Errorf("reading meta nonce: %w", err)
		}
	}

	if signer, err := attestation.RecoverSigner(att); err == nil {
		c.app.printf("signer     %s\n", signer.Hex())
	}
	if err := attestation.Verify(att, issuer.Address(), last, time.Now()); err != nil {
		return err
	}
	c.app.printf("valid: nonce %d > %d, expires %s\n",
		att.Nonce, last, time.Unix(int64(att.ExpiresAt), 0).UTC().Format(time.RFC3339))
	return nil
}
