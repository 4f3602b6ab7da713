package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/oen-network/oen/chain"
	"github.com/oen-network/oen/jobs"
	"github.com/oen-network/oen/sequencer"
	"github.com/oen-network/oen/types"
)

type submitCmd struct {
	app *app

	Model  string     `long:"model"  description:"Model reference"                                  required:"yes"`
	Data   string     `long:"data"   description:"Dataset reference"                                required:"yes"`
	Work   uint32     `long:"work"   description:"Work units, at least 1"                           default:"1"`
	Task   string     `long:"task"   description:"Task digest as 0x+64 hex, other text is keccak256 hashed" required:"yes"`
	Bounty edgeAmount `long:"bounty" description:"Bounty in EDGE"                                   required:"yes"`
}

func (c *submitCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	coord, cl, err := c.app.coordinator(ctx, roleClient)
	if err != nil {
		return err
	}
	next, err := cl.NextJobID(ctx)
	if err != nil {
		return err
	}
	res, err := coord.Submit(ctx, chain.JobSpec{
		ModelRef:   c.Model,
		DataRef:    c.Data,
		WorkUnits:  c.Work,
		TaskDigest: jobs.TaskDigest(c.Task),
		Bounty:     c.Bounty.Int,
	})
	if err != nil {
		return err
	}
	c.app.printResult(res)
	// The id is assigned on-chain; concurrent submitters may shift it.
	c.app.printf("submitted job, expected id %d\n", next)
	return nil
}

type jobOp int

const (
	opClaim jobOp = iota
	opRun
	opTimeout
)

// jobTxCmd sends one state change of a job.
type jobTxCmd struct {
	app *app
	op  jobOp

	ID uint64 `long:"id" description:"Job id" required:"yes"`
}

func (c *jobTxCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	role := roleWorker
	if c.op == opTimeout {
		role = c.app.opts.As
	}
	coord, _, err := c.app.coordinator(ctx, role)
	if err != nil {
		return err
	}
	var send func(context.Context, uint64) (*sequencer.Result, error)
	switch c.op {
	case opClaim:
		send = coord.Claim
	case opRun:
		send = coord.MarkRunning
	case opTimeout:
		send = coord.Timeout
	default:
		return fmt.Errorf("unknown job operation %d", c.op)
	}
	res, err := send(ctx, c.ID)
	if err != nil {
		return err
	}
	c.app.printResult(res)
	return c.app.printJob(ctx, coord, c.ID)
}

type proofCmd struct {
	app *app

	ID    uint64 `long:"id"    description:"Job id"                                              required:"yes"`
	Out   string `long:"out"   description:"Output digest as 0x+64 hex, other text is keccak256 hashed" required:"yes"`
	Proof string `long:"proof" description:"Hex encoded proof bytes"                             default:"0x"`
}

func (c *proofCmd) Execute([]string) error {
	proof, err := hexutil.Decode(c.Proof)
	if err != nil {
		return fmt.Errorf("%w: proof: %v", types.ErrInputValidation, err)
	}
	ctx := c.app.commandContext()
	coord, _, err := c.app.coordinator(ctx, roleWorker)
	if err != nil {
		return err
	}
	res, err := coord.SubmitProof(ctx, c.ID, proof, jobs.TaskDigest(c.Out))
	if err != nil {
		return err
	}
	c.app.printResult(res)
	return c.app.printJob(ctx, coord, c.ID)
}

type getCmd struct {
	app *app

	ID uint64 `long:"id" description:"Job id" required:"yes"`
}

func (c *getCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	cl, err := c.app.dial(ctx, "")
	if err != nil {
		return err
	}
	return c.app.printJob(ctx, jobs.NewCoordinator(cl, nil), c.ID)
}

func (a *app) printJob(ctx context.Context, coord *jobs.Coordinator, id uint64) error {
	job, err := coord.Job(ctx, id)
	if err != nil {
		return err
	}
	a.printf("job        %d\n", job.ID)
	a.printf("status     %s\n", job.Status)
	a.printf("client     %s\n", job.Client.Hex())
	a.printf("worker     %s\n", job.Worker.Hex())
	a.printf("model      %s\n", job.ModelRef)
	a.printf("data       %s\n", job.DataRef)
	a.printf("workUnits  %d\n", job.WorkUnits)
	a.printf("taskDigest %s\n", job.TaskDigest.Hex())
	a.printf("bounty     %s EDGE\n", formatEdge(job.Bounty))
	if job.Deadline != 0 {
		a.printf("deadline   %s\n", time.Unix(int64(job.Deadline), 0).UTC().Format(time.RFC3339))
	}
	return nil
}

type scanCmd struct {
	app *app

	MinBounty edgeAmount `long:"min-bounty" description:"Smallest acceptable bounty in EDGE" default:"0"`
	Window    uint64     `long:"window"     description:"How many of the newest job ids to inspect" default:"100"`
}

func (c *scanCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	worker, err := c.app.address(roleWorker)
	if err != nil {
		return err
	}
	cl, err := c.app.dial(ctx, "")
	if err != nil {
		return err
	}
	scanner, err := jobs.NewScanner(cl, jobs.WithWindow(c.Window))
	if err != nil {
		return err
	}
	id, ok, err := scanner.FindEligibleJob(ctx, c.MinBounty.Int, worker)
	if err != nil {
		return err
	}
	if !ok {
		c.app.printf("no eligible job\n")
		return nil
	}
	c.app.printf("eligible job %d\n", id)
	return nil
}

type claimIfEligibleCmd struct {
	app *app

	ID uint64 `long:"id" description:"Job id" required:"yes"`
}

func (c *claimIfEligibleCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	coord, _, err := c.app.coordinator(ctx, roleWorker)
	if err != nil {
		return err
	}
	res, ok, err := coord.ClaimIfEligible(ctx, c.ID)
	if err != nil {
		return err
	}
	if !ok {
		c.app.printf("job %d is not eligible, nothing sent\n", c.ID)
		return nil
	}
	c.app.printResult(res)
	c.app.printf("claimed job %d\n", c.ID)
	return nil
}
