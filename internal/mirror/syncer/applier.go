package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"github.com/goodnatureofminers/blockmirror/pkg/workerpool"
	"go.uber.org/zap"
)

// applier executes a plan inside one store transaction.
type applier struct {
	node            NodeClient
	store           Store
	holder          string
	startHeight     uint64
	prefetchWorkers int
	logger          *zap.Logger
}

// Apply rolls back and extends the mirror as planned. Either the whole plan commits or nothing does.
func (a *applier) Apply(ctx context.Context, plan model.Plan) (orphaned []model.OrphanedBlock, tip *model.Tip, err error) {
	txs, err := a.prefetch(ctx, plan.Apply)
	if err != nil {
		return nil, nil, err
	}

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil {
			a.logger.Warn("store rollback failed", zap.Error(rbErr))
		}
	}()

	if plan.Rollback {
		orphaned, err = a.rollback(ctx, tx, plan)
		if err != nil {
			return nil, nil, err
		}
	}

	tip, err = tx.Tip(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("tip: %w", err)
	}
	for i, header := range plan.Apply {
		if err = ctx.Err(); err != nil {
			return nil, nil, err
		}
		tip, err = a.ingest(ctx, tx, tip, header, txs[i])
		if err != nil {
			return nil, nil, err
		}
	}

	// a holder whose lease expired mid-cycle must not commit over its successor
	if err = tx.CheckLease(ctx, a.holder); err != nil {
		return nil, nil, fmt.Errorf("check lease: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return orphaned, tip, nil
}

// prefetch loads the transactions of every block to apply before the store transaction opens.
func (a *applier) prefetch(ctx context.Context, headers []model.Header) ([][]model.Tx, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	txs, err := workerpool.Map(ctx, a.prefetchWorkers, headers, func(ctx context.Context, h model.Header) ([]model.Tx, error) {
		txs, err := a.node.Transactions(ctx, h.Hash)
		if err != nil {
			return nil, fmt.Errorf("transactions of %s at %d: %w", h.Hash, h.Height, err)
		}
		return txs, nil
	})
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// rollback deletes every block above the fork point and moves the tip to the fork block.
func (a *applier) rollback(ctx context.Context, tx StoreTx, plan model.Plan) ([]model.OrphanedBlock, error) {
	orphaned, err := tx.DeleteBlocksAbove(ctx, plan.ForkHeight)
	if err != nil {
		return nil, fmt.Errorf("delete blocks above %d: %w", plan.ForkHeight, err)
	}
	forkTip := plan.ForkTip()
	if forkTip != nil {
		block, err := tx.BlockByHash(ctx, forkTip.Hash)
		if err != nil {
			return nil, fmt.Errorf("fork block %s: %w", forkTip.Hash, err)
		}
		if block == nil || block.Height != forkTip.Height {
			return nil, fmt.Errorf("%w: fork block %s at height %d missing after rollback",
				model.ErrStoreConstraintViolation, forkTip.Hash, forkTip.Height)
		}
	}
	if err := tx.SetTip(ctx, forkTip); err != nil {
		return nil, fmt.Errorf("set tip to fork: %w", err)
	}
	a.logger.Info("rolled back blocks", zap.Int64("fork_height", plan.ForkHeight), zap.Int("blocks", len(orphaned)))
	return orphaned, nil
}

// ingest writes one block with its transactions and advances the tip to it.
func (a *applier) ingest(ctx context.Context, tx StoreTx, tip *model.Tip, header model.Header, txs []model.Tx) (*model.Tip, error) {
	if err := a.extends(tip, header); err != nil {
		return nil, err
	}
	if err := tx.UpsertBlock(ctx, header.Block()); err != nil {
		return nil, fmt.Errorf("upsert block %s at %d: %w", header.Hash, header.Height, err)
	}
	if err := tx.UpsertTransactions(ctx, header.Hash, txs); err != nil {
		return nil, fmt.Errorf("upsert %d transactions of %s: %w", len(txs), header.Hash, err)
	}
	next := &model.Tip{Hash: header.Hash, Height: header.Height}
	if err := tx.SetTip(ctx, next); err != nil {
		return nil, fmt.Errorf("set tip to %s: %w", header.Hash, err)
	}
	return next, nil
}

var errBrokenChain = errors.New("block does not extend the recorded tip")

// extends checks the height invariant: only the start block may be written without a stored parent.
func (a *applier) extends(tip *model.Tip, header model.Header) error {
	if tip == nil {
		if header.Height != a.startHeight {
			return fmt.Errorf("%w: %w: block %s at height %d on empty mirror with start height %d",
				model.ErrStoreConstraintViolation, errBrokenChain, header.Hash, header.Height, a.startHeight)
		}
		return nil
	}
	if header.PrevHash != tip.Hash || header.Height != tip.Height+1 {
		return fmt.Errorf("%w: %w: block %s at height %d (prev %s), tip %s at height %d",
			model.ErrStoreConstraintViolation, errBrokenChain, header.Hash, header.Height, header.PrevHash, tip.Hash, tip.Height)
	}
	return nil
}
