package chain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oen-network/oen/chain"
)

func TestStatusTransitions(t *testing.T) {
	all := []chain.Status{
		chain.StatusSubmitted,
		chain.StatusClaimed,
		chain.StatusRunning,
		chain.StatusProven,
		chain.StatusTimedOut,
	}
	legal := map[[2]chain.Status]bool{
		{chain.StatusSubmitted, chain.StatusClaimed}:  true,
		{chain.StatusClaimed, chain.StatusRunning}:    true,
		{chain.StatusRunning, chain.StatusProven}:     true,
		{chain.StatusSubmitted, chain.StatusTimedOut}: true,
		{chain.StatusClaimed, chain.StatusTimedOut}:   true,
		{chain.StatusRunning, chain.StatusTimedOut}:   true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, legal[[2]chain.Status{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, chain.StatusSubmitted.Terminal())
	require.False(t, chain.StatusClaimed.Terminal())
	require.False(t, chain.StatusRunning.Terminal())
	require.True(t, chain.StatusProven.Terminal())
	require.True(t, chain.StatusTimedOut.Terminal())
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "Running", chain.StatusRunning.String())
	require.Equal(t, "Status(9)", chain.Status(9).String())
}
