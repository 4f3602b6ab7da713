package main

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/oen-network/oen/types"
)

func TestParseEdge(t *testing.T) {
	tt := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"0", "0"},
		{"12.5", "12500000000000000000"},
		{".5", "500000000000000000"},
		{"0.000000000000000001", "1"},
		{" 3 ", "3000000000000000000"},
	}
	for _, tc := range tt {
		t.Run(tc.in, func(t *testing.T) {
			v, err := parseEdge(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, v.String())
		})
	}
}

func TestParseEdgeInvalid(t *testing.T) {
	for _, in := range []string{"", "-1", "1.0000000000000000001", "abc", "1.2.3", "+1", "5.", "-0"} {
		t.Run(in, func(t *testing.T) {
			_, err := parseEdge(in)
			require.ErrorIs(t, err, types.ErrInputValidation)
		})
	}
}

func TestFormatEdge(t *testing.T) {
	require.Equal(t, "0.0", formatEdge(nil))
	require.Equal(t, "0.0", formatEdge(big.NewInt(0)))
	require.Equal(t, "0.000000000000000001", formatEdge(big.NewInt(1)))
	require.Equal(t, "1000.0", formatEdge(new(big.Int).Mul(big.NewInt(1000), edgeUnit)))
	require.Equal(t, "-1.5", formatEdge(big.NewInt(-1_500_000_000_000_000_000)))
}

func TestFormatParsesBack(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := new(big.Int).SetUint64(rapid.Uint64().Draw(t, "wei"))
		v.Mul(v, big.NewInt(rapid.Int64Range(1, 1000).Draw(t, "scale")))
		got, err := parseEdge(formatEdge(v))
		if err != nil {
			t.Fatalf("parsing %s: %v", formatEdge(v), err)
		}
		if got.Cmp(v) != 0 {
			t.Fatalf("got %s, want %s", got, v)
		}
	})
}

func TestEdgeAmountFlag(t *testing.T) {
	var a edgeAmount
	require.NoError(t, a.UnmarshalFlag("2.25"))
	s, err := a.MarshalFlag()
	require.NoError(t, err)
	require.Equal(t, "2.25", s)
	require.Error(t, a.UnmarshalFlag("two"))
}
