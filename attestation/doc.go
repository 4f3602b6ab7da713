/*
Package attestation issues and verifies signed node-meta claims.

A worker submits its benchmark report together with the nonce it expects
to use on chain (metaNonces(worker)+1). The issuer recomputes the score,
checks that the nonce directly follows the last one it signed for that
worker, and signs

	keccak256(abi.encode(keccak256("OEN_NODEMETA_V1"), chainId, verifyingContract,
	                     worker, gpuHash, score, expiresAt, nonce))

with the personal-message prefix. StakingManager.registerNodeSigned
reconstructs the same digest, so the encoding above is frozen.

The issuer's nonce check only avoids handing out two signatures for the
same slot; the registry enforces nonce monotonicity and expiry itself.
*/
package attestation
