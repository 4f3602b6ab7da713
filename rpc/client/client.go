// Package client talks to the attestation oracle over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/oen-network/oen/rpc"
	"github.com/oen-network/oen/types"
)

const (
	DefaultRetryMax     = 4
	DefaultRetryWaitMin = 500 * time.Millisecond
	DefaultRetryWaitMax = 8 * time.Second
)

// OracleClient requests attestations from the oracle. Transport failures and
// 502/503/504 responses are retried with backoff; everything else is final.
type OracleClient struct {
	baseURL *url.URL
	client  *retryablehttp.Client
}

type optionFunc func(*OracleClient)

func WithLogger(logger *zap.Logger) optionFunc {
	return func(c *OracleClient) {
		c.client.Logger = leveledLogger{logger.Sugar()}
	}
}

func WithRetries(retryMax int, waitMin, waitMax time.Duration) optionFunc {
	return func(c *OracleClient) {
		c.client.RetryMax = retryMax
		c.client.RetryWaitMin = waitMin
		c.client.RetryWaitMax = waitMax
	}
}

func WithTimeout(timeout time.Duration) optionFunc {
	return func(c *OracleClient) {
		c.client.HTTPClient.Timeout = timeout
	}
}

// New returns a client for the oracle at baseURL. A missing scheme means http.
func New(baseURL string, opts ...optionFunc) (*OracleClient, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing oracle address: %v", types.ErrInputValidation, err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = DefaultRetryMax
	rc.RetryWaitMin = DefaultRetryWaitMin
	rc.RetryWaitMax = DefaultRetryWaitMax
	rc.Logger = leveledLogger{zap.NewNop().Sugar()}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = giveUp

	c := &OracleClient{baseURL: u, client: rc}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Score requests an attestation. A response carrying a nonce other than
// the requested one is rejected.
func (c *OracleClient) Score(ctx context.Context, req *rpc.ScoreRequest) (*rpc.ScoreResponse, error) {
	var resp rpc.ScoreResponse
	if err := c.req(ctx, http.MethodPost, "/score", req, &resp); err != nil {
		return nil, fmt.Errorf("requesting attestation: %w", err)
	}
	if req.Nonce != nil && resp.Nonce != *req.Nonce {
		return nil, fmt.Errorf("%w: oracle signed nonce %d, requested %d", types.ErrNonceMismatch, resp.Nonce, *req.Nonce)
	}
	return &resp, nil
}

func (c *OracleClient) Info(ctx context.Context) (*rpc.InfoResponse, error) {
	var resp rpc.InfoResponse
	if err := c.req(ctx, http.MethodGet, "/v1/info", nil, &resp); err != nil {
		return nil, fmt.Errorf("querying oracle info: %w", err)
	}
	return &resp, nil
}

func (c *OracleClient) req(ctx context.Context, method, path string, reqBody, resBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response body: %v", types.ErrTransportFailure, err)
	}

	if res.StatusCode != http.StatusOK {
		msg := string(data)
		var er rpc.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		switch res.StatusCode {
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", types.ErrInputValidation, msg)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", types.ErrNonceMismatch, msg)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", types.ErrRateLimited, msg)
		default:
			return fmt.Errorf("unexpected status %s: %s", res.Status, msg)
		}
	}

	if err := json.Unmarshal(data, resBody); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

func giveUp(resp *http.Response, err error, attempts int) (*http.Response, error) {
	if resp != nil {
		if err == nil {
			err = errors.New(resp.Status)
		}
		resp.Body.Close()
	}
	if err == nil {
		err = errors.New("no response")
	}
	return nil, fmt.Errorf("%w: giving up after %d attempt(s): %w", types.ErrTransportFailure, attempts, err)
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
