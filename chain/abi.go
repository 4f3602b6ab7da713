package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Only the entries the client calls are listed.

const tokenABIJSON = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable",
  "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

const stakingABIJSON = `[
 {"type":"function","name":"stake","stateMutability":"nonpayable",
  "inputs":[{"name":"amount","type":"uint256"},{"name":"gpuHash","type":"bytes32"},{"name":"benchScore","type":"uint256"}],
  "outputs":[]},
 {"type":"function","name":"unstake","stateMutability":"nonpayable",
  "inputs":[{"name":"amount","type":"uint256"}],
  "outputs":[]},
 {"type":"function","name":"stakeOf","stateMutability":"view",
  "inputs":[{"name":"worker","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"metaNonces","stateMutability":"view",
  "inputs":[{"name":"worker","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getNodeMeta","stateMutability":"view",
  "inputs":[{"name":"worker","type":"address"}],
  "outputs":[{"name":"gpuHash","type":"bytes32"},{"name":"benchScore","type":"uint256"},{"name":"createdAt","type":"uint64"}]},
 {"type":"function","name":"registerNodeSigned","stateMutability":"nonpayable",
  "inputs":[{"name":"worker","type":"address"},{"name":"gpuHash","type":"bytes32"},{"name":"benchScore","type":"uint256"},
            {"name":"expiresAt","type":"uint64"},{"name":"nonce","type":"uint256"},{"name":"sig","type":"bytes"}],
  "outputs":[]}
]`

const registryABIJSON = `[
 {"type":"function","name":"submitJob","stateMutability":"nonpayable",
  "inputs":[{"name":"modelRef","type":"string"},{"name":"dataRef","type":"string"},{"name":"workUnits","type":"uint32"},
            {"name":"taskDigest","type":"bytes32"},{"name":"bounty","type":"uint256"}],
  "outputs":[{"name":"jobId","type":"uint256"}]},
 {"type":"function","name":"claimJob","stateMutability":"nonpayable",
  "inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"markRunning","stateMutability":"nonpayable",
  "inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"submitProof","stateMutability":"nonpayable",
  "inputs":[{"name":"jobId","type":"uint256"},{"name":"proof","type":"bytes"},{"name":"outputDigest","type":"bytes32"}],
  "outputs":[]},
 {"type":"function","name":"timeoutJob","stateMutability":"nonpayable",
  "inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"nextJobId","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getJob","stateMutability":"view",
  "inputs":[{"name":"jobId","type":"uint256"}],
  "outputs":[{"name":"","type":"tuple","components":[
    {"name":"client","type":"address"},
    {"name":"worker","type":"address"},
    {"name":"modelRef","type":"string"},
    {"name":"dataRef","type":"string"},
    {"name":"workUnits","type":"uint32"},
    {"name":"taskDigest","type":"bytes32"},
    {"name":"bounty","type":"uint256"},
    {"name":"deadline","type":"uint64"},
    {"name":"status","type":"uint8"}]}]}
]`

var (
	TokenABI    = mustParse(tokenABIJSON)
	StakingABI  = mustParse(stakingABIJSON)
	RegistryABI = mustParse(registryABIJSON)
)

func mustParse(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}
