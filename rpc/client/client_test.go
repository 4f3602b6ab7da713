package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oen-network/oen/rpc"
	"github.com/oen-network/oen/rpc/client"
	"github.com/oen-network/oen/types"
)

func newClient(t *testing.T, url string) *client.OracleClient {
	t.Helper()
	c, err := client.New(url,
		client.WithLogger(zaptest.NewLogger(t)),
		client.WithRetries(3, time.Millisecond, 5*time.Millisecond),
	)
	require.NoError(t, err)
	return c
}

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestScoreRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/score", r.URL.Path)
		if calls.Add(1) < 3 {
			respond(w, http.StatusServiceUnavailable, rpc.ErrorResponse{Error: "warming up"})
			return
		}
		var req rpc.ScoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		respond(w, http.StatusOK, rpc.ScoreResponse{BenchScore: 1000, ExpiresAt: 42, Nonce: *req.Nonce, Signature: "0x01"})
	}))
	defer srv.Close()

	resp, err := newClient(t, srv.URL).Score(context.Background(), &rpc.ScoreRequest{Nonce: rpc.NewUint64(7)})
	require.NoError(t, err)
	require.Equal(t, rpc.Uint64(7), resp.Nonce)
	require.Equal(t, uint64(1000), resp.BenchScore)
	require.EqualValues(t, 3, calls.Load())
}

func TestScoreStatusMapping(t *testing.T) {
	for _, tc := range []struct {
		code int
		want error
	}{
		{http.StatusBadRequest, types.ErrInputValidation},
		{http.StatusConflict, types.ErrNonceMismatch},
		{http.StatusTooManyRequests, types.ErrRateLimited},
	} {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				respond(w, tc.code, rpc.ErrorResponse{Error: "nope"})
			}))
			defer srv.Close()

			_, err := newClient(t, srv.URL).Score(context.Background(), &rpc.ScoreRequest{Nonce: rpc.NewUint64(1)})
			require.ErrorIs(t, err, tc.want)
			require.ErrorContains(t, err, "nope")
			require.EqualValues(t, 1, calls.Load(), "client errors are not retried")
		})
	}
}

func TestScoreRejectsForeignNonce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, rpc.ScoreResponse{Nonce: 8})
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Score(context.Background(), &rpc.ScoreRequest{Nonce: rpc.NewUint64(7)})
	require.ErrorIs(t, err, types.ErrNonceMismatch)
}

func TestGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Info(context.Background())
	require.ErrorIs(t, err, types.ErrTransportFailure)
	require.EqualValues(t, 4, calls.Load())
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).Info(context.Background())
	require.ErrorIs(t, err, types.ErrTransportFailure)
}

func TestInfo(t *testing.T) {
	want := rpc.InfoResponse{
		Issuer:            "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		ChainID:           31337,
		VerifyingContract: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
		ValiditySeconds:   3600,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/info", r.URL.Path)
		respond(w, http.StatusOK, want)
	}))
	defer srv.Close()

	got, err := newClient(t, srv.URL).Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, *got)
}

func TestSchemeDefaultsToHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, rpc.InfoResponse{ChainID: 1})
	}))
	defer srv.Close()

	c := newClient(t, srv.Listener.Addr().String())
	info, err := c.Info(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, info.ChainID)
}
