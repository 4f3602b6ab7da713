package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/oen-network/oen/sequencer"
	"github.com/oen-network/oen/types"
)

type command struct {
	name        string
	short, long string
	data        any
	sub         []command
}

func commandTree(a *app) []command {
	return []command{
		{name: "balances", short: "Show EDGE balances of the client and worker accounts", data: &balancesCmd{app: a}},
		{name: "fund", short: "Transfer EDGE from the client to the worker account", data: &fundCmd{app: a}},
		{name: "whoami", short: "Show the configured accounts and contracts", data: &whoamiCmd{app: a}},
		{name: "worker", short: "Benchmark, register and stake a GPU node", data: &struct{}{}, sub: []command{
			{name: "bench", short: "Run the benchmark and write a report", data: &benchCmd{app: a}},
			{name: "register", short: "Obtain an oracle attestation and register the node", data: &registerCmd{app: a}},
			{name: "info", short: "Show stake and node metadata", data: &infoCmd{app: a}},
			{name: "stake", short: "Approve and stake EDGE", data: &stakeCmd{app: a}},
			{name: "unstake", short: "Withdraw staked EDGE", data: &unstakeCmd{app: a}},
		}},
		{name: "job", short: "Drive a single job through its lifecycle", data: &struct{}{}, sub: []command{
			{name: "submit", short: "Approve the bounty and submit a job (client)", data: &submitCmd{app: a}},
			{name: "claim", short: "Claim a submitted job (worker)", data: &jobTxCmd{app: a, op: opClaim}},
			{name: "run", short: "Mark a claimed job as running (worker)", data: &jobTxCmd{app: a, op: opRun}},
			{name: "proof", short: "Submit the proof of a running job (worker)", data: &proofCmd{app: a}},
			{name: "timeout", short: "Time out a job past its deadline", data: &jobTxCmd{app: a, op: opTimeout}},
			{name: "get", short: "Show a job", data: &getCmd{app: a}},
		}},
		{name: "jobs", short: "Find and claim work", data: &struct{}{}, sub: []command{
			{name: "scan", short: "Find the newest claimable job", data: &scanCmd{app: a}},
			{name: "claim-if-eligible", short: "Claim a job when the worker may", data: &claimIfEligibleCmd{app: a}},
		}},
		{name: "sequencer", short: "Inspect the local nonce ledger", data: &struct{}{}, sub: []command{
			{name: "status", short: "Show the last nonce block of the account", data: &statusCmd{app: a}},
			{
				name:  "reconcile",
				short: "Resolve an unresolved nonce block",
				long:  "Adopts the chain's pending nonce as the end of a block left unresolved by a timeout or crash.",
				data:  &reconcileCmd{app: a},
			},
		}},
		{name: "attest", short: "Work with oracle attestations", data: &struct{}{}, sub: []command{
			{name: "verify", short: "Check an attestation file against an issuer", data: &verifyCmd{app: a}},
		}},
	}
}

type commander interface {
	AddCommand(command, short, long string, data any) (*flags.Command, error)
}

func addCommands(parent commander, cmds []command) error {
	for _, c := range cmds {
		long := c.long
		if long == "" {
			long = c.short
		}
		cmd, err := parent.AddCommand(c.name, c.short, long, c.data)
		if err != nil {
			return fmt.Errorf("adding command %s: %w", c.name, err)
		}
		if err := addCommands(cmd, c.sub); err != nil {
			return err
		}
	}
	return nil
}

func newParser(a *app) (*flags.Parser, error) {
	parser := flags.NewParser(a.opts, flags.Default)
	parser.LongDescription = "oen " + version
	if err := addCommands(parser, commandTree(a)); err != nil {
		return nil, err
	}
	return parser, nil
}

// describe renders err for the operator. Aborted sequences list what was
// already mined so allowances can be reconciled by hand.
func describe(err error) string {
	var aborted *types.SequenceAbortedError
	if errors.As(err, &aborted) {
		var b strings.Builder
		fmt.Fprintf(&b, "error: sequence of %s aborted\n", aborted.Account)
		for i, name := range aborted.Steps {
			state := "not sent"
			switch {
			case contains(aborted.Committed, i):
				state = "committed"
			case contains(aborted.Unconfirmed, i):
				state = "outcome unknown"
			case i == aborted.Offset:
				state = "FAILED"
			}
			fmt.Fprintf(&b, "  step %d %-20s nonce %-6d %s\n", i, name, aborted.Base+uint64(i), state)
		}
		if aborted.Cause != nil {
			fmt.Fprintf(&b, "cause: %v\n", aborted.Cause)
		}
		if len(aborted.Unconfirmed) > 0 {
			b.WriteString("run `oen sequencer reconcile` once the pending transactions settled\n")
		}
		return strings.TrimRight(b.String(), "\n")
	}
	if errors.Is(err, sequencer.ErrUnresolvedBlock) {
		return fmt.Sprintf("error: %v\nrun `oen sequencer reconcile` once the pending transactions settled", err)
	}
	return fmt.Sprintf("error: %v", err)
}

func contains(offsets []int, i int) bool {
	for _, o := range offsets {
		if o == i {
			return true
		}
	}
	return false
}

func (a *app) printResult(res *sequencer.Result) {
	for i, h := range res.TxHashes {
		a.printf("tx %d (nonce %d): %s\n", i, res.Base+uint64(i), h.Hex())
	}
}
