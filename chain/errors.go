package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/oen-network/oen/types"
)

var ErrTransport = types.ErrTransportFailure

// classify separates unreachable endpoints from calls the node or the
// contract refused. Timeouts count as rejections.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		urlErr *url.Error
		opErr  *net.OpError
	)
	switch {
	case errors.As(err, &urlErr) && !urlErr.Timeout(), errors.As(err, &opErr) && !opErr.Timeout():
		return fmt.Errorf("%s: %w: %v", op, ErrTransport, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	}
	return &types.ChainRejectedError{Op: op, Reason: reasonFromError(err)}
}

// reasonFromError extracts the Error(string) revert reason when the node
// returned revert data, otherwise the plain message.
func reasonFromError(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return strings.TrimPrefix(err.Error(), "execution reverted: ")
}

// RevertReason replays a failed transaction against the state before its
// block to recover the revert reason. An empty string means unknown.
func (c *Client) RevertReason(ctx context.Context, tx *ethtypes.Transaction, receipt *ethtypes.Receipt) string {
	if receipt == nil || receipt.BlockNumber == nil {
		return ""
	}
	msg := ethereum.CallMsg{
		From:  c.from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	block := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	if block.Sign() < 0 {
		block = nil
	}
	if _, err := c.backend.CallContract(ctx, msg, block); err != nil {
		return reasonFromError(err)
	}
	return ""
}
