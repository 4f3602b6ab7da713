package attestation

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DomainTag separates node-meta attestations from any other message the
// oracle key could sign. The registry contract hard-codes the same tag.
const DomainTag = "OEN_NODEMETA_V1"

var domainSeparator = crypto.Keccak256Hash([]byte(DomainTag))

// digestArgs mirrors abi.encode(bytes32,uint256,address,address,bytes32,uint256,uint64,uint256)
// as reconstructed by StakingManager.registerNodeSigned.
var digestArgs = func() abi.Arguments {
	mustType := func(name string) abi.Type {
		t, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(err)
		}
		return t
	}
	return abi.Arguments{
		{Name: "domain", Type: mustType("bytes32")},
		{Name: "chainId", Type: mustType("uint256")},
		{Name: "verifyingContract", Type: mustType("address")},
		{Name: "worker", Type: mustType("address")},
		{Name: "gpuHash", Type: mustType("bytes32")},
		{Name: "score", Type: mustType("uint256")},
		{Name: "expiresAt", Type: mustType("uint64")},
		{Name: "nonce", Type: mustType("uint256")},
	}
}()

// Claim is the set of fields covered by the oracle signature.
type Claim struct {
	ChainID           *big.Int
	VerifyingContract common.Address
	Worker            common.Address
	GPUHash           common.Hash
	Score             uint64
	ExpiresAt         uint64
	Nonce             uint64
}

// Encode returns the ABI encoding hashed into the digest.
func (c *Claim) Encode() ([]byte, error) {
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive, got %v", c.ChainID)
	}
	return digestArgs.Pack(
		[32]byte(domainSeparator),
		c.ChainID,
		c.VerifyingContract,
		c.Worker,
		[32]byte(c.GPUHash),
		new(big.Int).SetUint64(c.Score),
		c.ExpiresAt,
		new(big.Int).SetUint64(c.Nonce),
	)
}

// Digest is keccak256 of the canonical encoding.
func (c *Claim) Digest() (common.Hash, error) {
	encoded, err := c.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// signingHash applies the personal-message prefix to the 32 digest bytes,
// which is what the contract recovers the signer from.
func signingHash(digest common.Hash) []byte {
	return accounts.TextHash(digest.Bytes())
}
