package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/oen-network/oen/attestation"
	"github.com/oen-network/oen/logging"
	"github.com/oen-network/oen/rpc"
)

type Server struct {
	cfg          Config
	issuer       *attestation.Issuer
	restListener net.Listener
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.RawRESTListener)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
	}

	s, err := loadState(ctx, cfg.DataDir, os.Getenv(KeyEnvVar))
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if err := saveState(cfg.DataDir, s); err != nil {
		return nil, fmt.Errorf("saving state: %w", err)
	}
	key, err := s.key()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", attestation.ErrSigningKeyUnavailable, err)
	}

	issuer, err := attestation.New(ctx, cfg.DbDir, key, attestation.WithConfig(cfg.Attestation))
	if err != nil {
		return nil, fmt.Errorf("creating attestation issuer: %w", err)
	}

	restListener, err := net.Listen(addr.Network(), addr.String())
	if err != nil {
		issuer.Close()
		return nil, fmt.Errorf("failed to listen: %v", err)
	}

	return &Server{
		cfg:          cfg,
		issuer:       issuer,
		restListener: restListener,
	}, nil
}

func (s *Server) Close() error {
	// Serve closes the listener on shutdown
	_ = s.restListener.Close()
	return s.issuer.Close()
}

// Addr returns the address the HTTP server is listening on.
func (s *Server) Addr() net.Addr {
	return s.restListener.Addr()
}

// Issuer is the address StakingManager must trust.
func (s *Server) Issuer() common.Address {
	return s.issuer.Address()
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	handler, err := rpc.NewHandler(ctx, s.issuer, s.cfg.RPC)
	if err != nil {
		return err
	}
	logger.Sugar().Infof("rpc config: rate limit %v/s, burst %d", s.cfg.RPC.RateLimit, s.cfg.RPC.RateBurst)

	server := &http.Server{Handler: handler, ReadHeaderTimeout: time.Second * 5}
	serverGroup.Go(func() error {
		logger.Sugar().Infof("HTTP server listening on %s", s.restListener.Addr())
		err := server.Serve(s.restListener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar().Errorf("failed to shutdown server: %s", err)
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown servers: %s", err)
		return err
	}
	return nil
}
