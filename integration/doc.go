// Package integration wires a running attestation oracle, an in-memory
// chain and the client and worker roles together so that the whole
// registration and job lifecycle can be driven from a test.
package integration
