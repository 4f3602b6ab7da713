package attestation

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrExpired          = errors.New("attestation expired")
	ErrInvalidSignature = errors.New("invalid attestation signature")
	ErrStaleNonce       = errors.New("attestation nonce not above on-chain nonce")
)

// Verify applies the acceptance rules of StakingManager.registerNodeSigned
// off-chain: nonce above the last on-chain value, not expired, and the
// signature recovers to the configured issuer over the reconstructed digest.
func Verify(att *Attestation, issuer common.Address, lastOnChainNonce uint64, now time.Time) error {
	if att.Nonce <= lastOnChainNonce {
		return fmt.Errorf("%w: nonce %d, on-chain %d", ErrStaleNonce, att.Nonce, lastOnChainNonce)
	}
	if now.Unix() >= int64(att.ExpiresAt) {
		return fmt.Errorf("%w at %v", ErrExpired, time.Unix(int64(att.ExpiresAt), 0).UTC())
	}
	signer, err := RecoverSigner(att)
	if err != nil {
		return err
	}
	if signer != issuer {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, signer.Hex(), issuer.Hex())
	}
	return nil
}

// RecoverSigner returns the address that signed the attestation digest.
func RecoverSigner(att *Attestation) (common.Address, error) {
	if len(att.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature is %d bytes", ErrInvalidSignature, len(att.Signature))
	}
	digest, err := att.Digest()
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, att.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(signingHash(digest), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
