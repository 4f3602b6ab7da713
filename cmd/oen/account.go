package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/oen-network/oen/sequencer"
	"github.com/oen-network/oen/types"
)

type balancesCmd struct {
	app *app
}

func (c *balancesCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	var (
		roles []string
		addrs []common.Address
	)
	for _, role := range []string{roleClient, roleWorker} {
		if addr, err := c.app.address(role); err == nil {
			roles = append(roles, role)
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: neither client nor worker key is configured", types.ErrInputValidation)
	}
	cl, err := c.app.dial(ctx, "")
	if err != nil {
		return err
	}
	for i, addr := range addrs {
		bal, err := cl.BalanceOf(ctx, addr)
		if err != nil {
			return fmt.Errorf("reading %s balance: %w", roles[i], err)
		}
		c.app.printf("%-7s %s  %s EDGE\n", roles[i], addr.Hex(), formatEdge(bal))
	}
	return nil
}

type fundCmd struct {
	app *app

	Args struct {
		Amount edgeAmount `positional-arg-name:"amount" description:"EDGE to transfer"`
	} `positional-args:"yes" required:"yes"`
}

func (c *fundCmd) Execute([]string) error {
	if c.Args.Amount.Int == nil || c.Args.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", types.ErrInputValidation)
	}
	ctx := c.app.commandContext()
	worker, err := c.app.address(roleWorker)
	if err != nil {
		return err
	}
	cl, err := c.app.dial(ctx, roleClient)
	if err != nil {
		return err
	}
	seq, err := c.app.sequencer(ctx, cl)
	if err != nil {
		return err
	}
	amount := c.Args.Amount.Int
	res, err := seq.Execute(ctx, cl.Account(), sequencer.Step{
		Name: "transfer",
		Send: func(ctx context.Context, nonce uint64) (*ethtypes.Transaction, error) {
			return cl.Transfer(ctx, nonce, worker, amount)
		},
	})
	if err != nil {
		return err
	}
	c.app.printResult(res)
	c.app.printf("funded %s with %s EDGE\n", worker.Hex(), formatEdge(amount))
	return nil
}

type whoamiCmd struct {
	app *app
}

func (c *whoamiCmd) Execute([]string) error {
	for _, role := range []string{roleClient, roleWorker} {
		addr, err := c.app.address(role)
		if err != nil {
			c.app.printf("%-12s (not configured)\n", role)
			continue
		}
		c.app.printf("%-12s %s\n", role, addr.Hex())
	}
	chain := c.app.opts.Chain
	c.app.printf("%-12s %s\n", "rpc", chain.RPCURL)
	c.app.printf("%-12s %s\n", "token", chain.Token.Address().Hex())
	c.app.printf("%-12s %s\n", "staking", chain.Staking.Address().Hex())
	c.app.printf("%-12s %s\n", "jobRegistry", chain.JobRegistry.Address().Hex())
	c.app.printf("%-12s %s\n", "oracle", c.app.opts.Oracle.URL)
	return nil
}

type statusCmd struct {
	app *app
}

func (c *statusCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	cl, err := c.app.dial(ctx, c.app.opts.As)
	if err != nil {
		return err
	}
	seq, err := c.app.sequencer(ctx, cl)
	if err != nil {
		return err
	}
	info, err := seq.Last(ctx, cl.Account())
	if err != nil {
		return err
	}
	c.app.printBlock(info)
	return nil
}

type reconcileCmd struct {
	app *app
}

func (c *reconcileCmd) Execute([]string) error {
	ctx := c.app.commandContext()
	cl, err := c.app.dial(ctx, c.app.opts.As)
	if err != nil {
		return err
	}
	seq, err := c.app.sequencer(ctx, cl)
	if err != nil {
		return err
	}
	before, err := seq.Reconcile(ctx, cl.Account())
	if err != nil {
		return err
	}
	if before == nil {
		c.app.printf("%s has no recorded nonce block\n", cl.Account().Hex())
		return nil
	}
	after, err := seq.Last(ctx, cl.Account())
	if err != nil {
		return err
	}
	c.app.printBlock(after)
	return nil
}

func (a *app) printBlock(info *sequencer.BlockInfo) {
	if info == nil {
		a.printf("no recorded nonce block\n")
		return
	}
	a.printf("account  %s\n", info.Account.Hex())
	a.printf("block    [%d, %d) %v\n", info.Base, info.Base+uint64(info.Count), info.Steps)
	a.printf("state    %s\n", info.State)
	a.printf("end      %d\n", info.End)
	a.printf("updated  %s\n", info.UpdatedAt.UTC().Format("2006-01-02 15:04:05"))
}
