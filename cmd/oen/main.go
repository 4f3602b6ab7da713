// Command oen is the client and worker CLI: token balances, staking, node
// registration through the attestation oracle and the job lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
)

// CLI version.
// It should be passed during the build with '-ldflags "-X main.version="'.
var version = "unknown"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, describe(err))
		}
		os.Exit(1)
	}
}

// run layers the configuration the same way the oracle does: defaults,
// environment, ini file, then the command line. The selected command is
// executed as part of the final parse.
func run(ctx context.Context, args []string) error {
	a := newApp(ctx, os.Stdout)
	defer a.close()

	pre := defaultOptions()
	if _, err := flags.NewParser(pre, flags.IgnoreUnknown).ParseArgs(args); err != nil {
		return err
	}

	parser, err := newParser(a)
	if err != nil {
		return err
	}
	if pre.ConfigFile != "" {
		if err := flags.NewIniParser(parser).ParseFile(pre.ConfigFile); err != nil {
			return fmt.Errorf("failed to read config from %v: %w", pre.ConfigFile, err)
		}
	}
	_, err = parser.ParseArgs(args)
	return err
}
