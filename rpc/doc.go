// Package rpc serves the attestation oracle over HTTP/JSON. POST /score
// scores a benchmark report and returns a signed attestation that
// StakingManager.registerNodeSigned accepts.
package rpc
