package main

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/oen-network/oen/bench"
	"github.com/oen-network/oen/rpc"
	"github.com/oen-network/oen/scoring"
	"github.com/oen-network/oen/types"
	"github.com/oen-network/oen/util"
)

type benchCmd struct {
	app *app

	Out     string        `long:"out"     description:"Where to write the report"            default:"bench_report.json"`
	Command []string      `long:"command" description:"Benchmark command, repeat per argument"`
	Timeout time.Duration `long:"timeout" description:"Benchmark timeout"                    default:"10m"`
}

func (c *benchCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	cfg := bench.DefaultConfig()
	if len(c.Command) > 0 {
		cfg.Command = c.Command
	}
	cfg.Timeout = c.Timeout
	report, err := bench.Collect(ctx, cfg)
	if err != nil {
		return err
	}
	if err := report.WriteFile(c.Out); err != nil {
		return err
	}
	c.app.printf("gpu       %s (%s, %d MiB)\n", report.HW.GPU.Name, report.HW.GPU.Driver, report.HW.GPU.VRAMBytes>>20)
	c.app.printf("gpuHash   %s\n", report.GPUHash.Hex())
	c.app.printf("score     %d (local preview)\n", scoring.Score(report.Bench))
	c.app.printf("report    %s\n", c.Out)
	return nil
}

// attestationFile is the saved form of a registered attestation.
type attestationFile struct {
	rpc.ScoreResponse
	Worker            string `json:"worker"`
	GPUHash           string `json:"gpuHash"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
	Issuer            string `json:"issuer,omitempty"`
}

type registerCmd struct {
	app *app

	Report string `long:"report" description:"Benchmark report written by worker bench" default:"bench_report.json"`
	Save   string `long:"save"   description:"Also write the attestation to this file"`
}

func (c *registerCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	report, err := bench.ReadReport(c.Report)
	if err != nil {
		return err
	}
	node, err := c.app.node(ctx)
	if err != nil {
		return err
	}
	reg, err := node.Register(ctx, report)
	if err != nil {
		return err
	}
	att := reg.Attestation
	c.app.printResult(reg.Result)
	c.app.printf("registered %s: score %d, meta nonce %d, attestation expires %s\n",
		att.Worker.Hex(), att.Score, att.Nonce, time.Unix(int64(att.ExpiresAt), 0).UTC().Format(time.RFC3339))
	if c.Save == "" {
		return nil
	}
	file := attestationFile{
		ScoreResponse: rpc.ScoreResponse{
			BenchScore: att.Score,
			ExpiresAt:  att.ExpiresAt,
			Nonce:      rpc.Uint64(att.Nonce),
			Signature:  hexutil.Encode(att.Signature),
		},
		Worker:            att.Worker.Hex(),
		GPUHash:           att.GPUHash.Hex(),
		ChainID:           att.ChainID.Uint64(),
		VerifyingContract: att.VerifyingContract.Hex(),
	}
	if !c.app.opts.Oracle.Issuer.IsZero() {
		file.Issuer = c.app.opts.Oracle.Issuer.Address().Hex()
	}
	if err := util.WriteJSON(c.Save, &file); err != nil {
		return fmt.Errorf("saving attestation: %w", err)
	}
	return nil
}

type infoCmd struct {
	app *app
}

func (c *infoCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	node, err := c.app.node(ctx)
	if err != nil {
		return err
	}
	info, err := node.Info(ctx)
	if err != nil {
		return err
	}
	c.app.printf("worker     %s\n", info.Worker.Hex())
	c.app.printf("balance    %s EDGE\n", formatEdge(info.Balance))
	c.app.printf("stake      %s EDGE\n", formatEdge(info.Stake))
	c.app.printf("metaNonce  %d\n", info.MetaNonce)
	if info.Meta != nil && info.Meta.CreatedAt != 0 {
		c.app.printf("gpuHash    %s\n", info.Meta.GPUHash.Hex())
		c.app.printf("benchScore %s\n", info.Meta.BenchScore)
		c.app.printf("registered %s\n", time.Unix(int64(info.Meta.CreatedAt), 0).UTC().Format(time.RFC3339))
	} else {
		c.app.printf("registered no\n")
	}
	return nil
}

type stakeCmd struct {
	app *app

	Amount edgeAmount `long:"amount" description:"EDGE to stake"                           required:"yes"`
	Report string     `long:"report" description:"Benchmark report supplying gpuHash and score" default:"bench_report.json"`
}

func (c *stakeCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	report, err := bench.ReadReport(c.Report)
	if err != nil {
		return err
	}
	node, err := c.app.node(ctx)
	if err != nil {
		return err
	}
	res, err := node.Stake(ctx, c.Amount.Int, report)
	if err != nil {
		return err
	}
	c.app.printResult(res)
	c.app.printf("staked %s EDGE\n", formatEdge(c.Amount.Int))
	return nil
}

type unstakeCmd struct {
	app *app

	Amount edgeAmount `long:"amount" description:"EDGE to withdraw" required:"yes"`
}

func (c *unstakeCmd) Execute([]string) error {
	if c.Amount.Int == nil {
		return fmt.Errorf("%w: missing amount", types.ErrInputValidation)
	}
	ctx := c.app.commandContext()
	node, err := c.app.node(ctx)
	if err != nil {
		return err
	}
	res, err := node.Unstake(ctx, c.Amount.Int)
	if err != nil {
		return err
	}
	c.app.printResult(res)
	c.app.printf("unstaked %s EDGE\n", formatEdge(c.Amount.Int))
	return nil
}
