package bitcoin

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

import (
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/ratelimit"
)

type (
	// RPCClient is the subset of the btcd rpcclient used by the node client.
	RPCClient interface {
		GetBestBlockHash() (*chainhash.Hash, error)
		GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
		GetBlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
		GetBlockVerboseTx(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error)
	}
	// RPCMetrics records metrics for RPC calls.
	RPCMetrics interface {
		Observe(operation string, err error, started time.Time)
	}
)

// rpcClient wraps an RPCClient with rate limiting and metrics.
type rpcClient struct {
	client     RPCClient
	rpcMetrics RPCMetrics
	limiter    ratelimit.Limiter
}

// NewRPCClient constructs an instrumented RPC client limited to rps calls per second.
// A non-positive rps disables the limit.
func NewRPCClient(client RPCClient, rpcMetrics RPCMetrics, rps int) RPCClient {
	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps)
	}
	return &rpcClient{
		client:     client,
		rpcMetrics: rpcMetrics,
		limiter:    limiter,
	}
}

func (r *rpcClient) GetBestBlockHash() (hash *chainhash.Hash, err error) {
	r.limiter.Take()
	started := time.Now()
	defer func() {
		r.rpcMetrics.Observe("get_best_block_hash", err, started)
	}()
	return r.client.GetBestBlockHash()
}

func (r *rpcClient) GetBlockHash(blockHeight int64) (hash *chainhash.Hash, err error) {
	r.limiter.Take()
	started := time.Now()
	defer func() {
		r.rpcMetrics.Observe("get_block_hash", err, started)
	}()
	return r.client.GetBlockHash(blockHeight)
}

func (r *rpcClient) GetBlockHeaderVerbose(blockHash *chainhash.Hash) (res *btcjson.GetBlockHeaderVerboseResult, err error) {
	r.limiter.Take()
	started := time.Now()
	defer func() {
		r.rpcMetrics.Observe("get_block_header", err, started)
	}()
	return r.client.GetBlockHeaderVerbose(blockHash)
}

func (r *rpcClient) GetBlockVerboseTx(blockHash *chainhash.Hash) (res *btcjson.GetBlockVerboseTxResult, err error) {
	r.limiter.Take()
	started := time.Now()
	defer func() {
		r.rpcMetrics.Observe("get_block_verbose_tx", err, started)
	}()
	return r.client.GetBlockVerboseTx(blockHash)
}
