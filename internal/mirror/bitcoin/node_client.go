package bitcoin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"go.uber.org/zap"
)

const (
	// Bitcoin Core reports unknown blocks with -5 and out-of-range heights with -8.
	rpcCodeInvalidAddressOrKey btcjson.RPCErrorCode = -5
	rpcCodeInvalidParameter    btcjson.RPCErrorCode = -8
)

// NodeClient reads the best chain from a Bitcoin node.
type NodeClient struct {
	rpc     RPCClient
	timeout time.Duration
	logger  *zap.Logger
}

// NewNodeClient builds a NodeClient whose calls are each bounded by timeout.
func NewNodeClient(rpc RPCClient, timeout time.Duration, logger *zap.Logger) *NodeClient {
	return &NodeClient{
		rpc:     rpc,
		timeout: timeout,
		logger:  logger.Named("node_client"),
	}
}

// BestBlockHash returns the hash of the node's best chain tip.
func (c *NodeClient) BestBlockHash(ctx context.Context) (string, error) {
	hash, err := call(ctx, c.timeout, "getbestblockhash", c.rpc.GetBestBlockHash)
	if err != nil {
		return "", err
	}
	if hash == nil {
		return "", fmt.Errorf("getbestblockhash: %w: empty result", model.ErrNodeUnavailable)
	}
	return hash.String(), nil
}

// Header returns the header of the block with the given hash.
func (c *NodeClient) Header(ctx context.Context, hash string) (*model.Header, error) {
	h, err := ParseHash(hash)
	if err != nil {
		return nil, fmt.Errorf("getblockheader: %w", err)
	}
	res, err := call(ctx, c.timeout, "getblockheader", func() (*btcjson.GetBlockHeaderVerboseResult, error) {
		return c.rpc.GetBlockHeaderVerbose(h)
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("getblockheader %s: %w: empty result", hash, model.ErrNodeUnavailable)
	}
	header, err := BuildHeader(*res)
	if err != nil {
		return nil, fmt.Errorf("getblockheader %s: %w: %v", hash, model.ErrNodeUnavailable, err)
	}
	if header.Hash != hash {
		return nil, fmt.Errorf("getblockheader %s: %w: node returned %s", hash, model.ErrNodeUnavailable, header.Hash)
	}
	return &header, nil
}

// HashAtHeight returns the hash of the best-chain block at height.
func (c *NodeClient) HashAtHeight(ctx context.Context, height uint64) (string, error) {
	if height > math.MaxInt32 {
		return "", fmt.Errorf("getblockhash %d: %w", height, model.ErrNotFound)
	}
	hash, err := call(ctx, c.timeout, "getblockhash", func() (*chainhash.Hash, error) {
		return c.rpc.GetBlockHash(int64(height))
	})
	if err != nil {
		return "", err
	}
	if hash == nil {
		return "", fmt.Errorf("getblockhash %d: %w: empty result", height, model.ErrNodeUnavailable)
	}
	return hash.String(), nil
}

// Transactions returns the transactions of the block with the given hash.
func (c *NodeClient) Transactions(ctx context.Context, hash string) ([]model.Tx, error) {
	h, err := ParseHash(hash)
	if err != nil {
		return nil, fmt.Errorf("getblock: %w", err)
	}
	res, err := call(ctx, c.timeout, "getblock", func() (*btcjson.GetBlockVerboseTxResult, error) {
		return c.rpc.GetBlockVerboseTx(h)
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("getblock %s: %w: empty result", hash, model.ErrNodeUnavailable)
	}
	txs, err := BuildTransactions(*res)
	if err != nil {
		return nil, fmt.Errorf("getblock %s: %w: %v", hash, model.ErrNodeUnavailable, err)
	}
	c.logger.Debug("fetched block transactions", zap.String("hash", hash), zap.Int("count", len(txs)))
	return txs, nil
}

type result[T any] struct {
	value T
	err   error
}

// call runs fn in its own goroutine and returns once ctx is done or the timeout expires, even if fn is stuck.
func call[T any](ctx context.Context, timeout time.Duration, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan result[T], 1)
	go func() {
		v, err := fn()
		done <- result[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return zero, classify(op, r.err)
		}
		return r.value, nil
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%s: %w: %w", op, model.ErrNodeUnavailable, callCtx.Err())
	}
}

func classify(op string, err error) error {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpcCodeInvalidAddressOrKey, rpcCodeInvalidParameter:
			return fmt.Errorf("%s: %w: %v", op, model.ErrNotFound, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrNodeUnavailable, err)
}
