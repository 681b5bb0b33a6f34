package syncer

import (
	"context"
	"time"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
)

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

type (
	// NodeClient reads the canonical chain from a trusted node.
	NodeClient interface {
		BestBlockHash(ctx context.Context) (string, error)
		Header(ctx context.Context, hash string) (*model.Header, error)
		HashAtHeight(ctx context.Context, height uint64) (string, error)
		Transactions(ctx context.Context, hash string) ([]model.Tx, error)
	}
	// StoreTx is one atomic unit of writes to the mirror.
	StoreTx interface {
		UpsertBlock(ctx context.Context, block model.Block) error
		UpsertTransactions(ctx context.Context, blockHash string, txs []model.Tx) error
		DeleteBlocksAbove(ctx context.Context, height int64) ([]model.OrphanedBlock, error)
		SetTip(ctx context.Context, tip *model.Tip) error
		Tip(ctx context.Context) (*model.Tip, error)
		BlockByHash(ctx context.Context, hash string) (*model.Block, error)
		// CheckLease fails with model.ErrLeaseHeld unless holder still owns a live lease,
		// and keeps the lease from changing hands until the transaction ends.
		CheckLease(ctx context.Context, holder string) error
		Commit() error
		Rollback() error
	}
	// Store is the relational mirror.
	Store interface {
		Begin(ctx context.Context) (StoreTx, error)
		Tip(ctx context.Context) (*model.Tip, error)
		BlockByHash(ctx context.Context, hash string) (*model.Block, error)
		AcquireLease(ctx context.Context, holder string, ttl time.Duration) error
		ReleaseLease(ctx context.Context, holder string) error
	}
	// Archive receives blocks removed by committed rollbacks.
	Archive interface {
		Archive(ctx context.Context, blocks []model.OrphanedBlock)
	}
	Metrics interface {
		ObserveCycle(err error, applied, rolledBack int, started time.Time)
		ObserveTip(height uint64)
		ObserveState(state string)
	}
)
