package syncer

import (
	"context"
	"fmt"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"go.uber.org/zap"
)

// planner computes the rollback and extend operations of one cycle.
type planner struct {
	node        NodeClient
	store       Store
	maxDepth    uint64
	startHeight uint64
	maxBlocks   uint64
	logger      *zap.Logger
}

// Plan walks back from the node's target block until it meets a block the store
// holds at the same height, or the start height.
func (p *planner) Plan(ctx context.Context, tip *model.Tip) (model.Plan, error) {
	if tip != nil && tip.Height < p.startHeight {
		return model.Plan{}, fmt.Errorf("%w: recorded tip height %d below start height %d",
			model.ErrStoreConstraintViolation, tip.Height, p.startHeight)
	}

	best, err := p.node.BestBlockHash(ctx)
	if err != nil {
		return model.Plan{}, fmt.Errorf("best block hash: %w", err)
	}
	if tip != nil && tip.Hash == best {
		return model.Plan{ForkHeight: int64(tip.Height), ForkHash: tip.Hash}, nil
	}

	target, err := p.target(ctx, best, tip)
	if err != nil {
		return model.Plan{}, err
	}
	if target == nil {
		p.logger.Warn("node chain is below start height", zap.String("best", best), zap.Uint64("start_height", p.startHeight))
		return p.noop(tip), nil
	}

	var (
		chain    []model.Header
		cur      = *target
		fork     = int64(p.startHeight) - 1
		forkHash string
	)
	for {
		found, err := p.stored(ctx, tip, cur)
		if err != nil {
			return model.Plan{}, err
		}
		if found {
			fork, forkHash = int64(cur.Height), cur.Hash
			break
		}
		if err := p.checkDepth(tip, int64(cur.Height)-1); err != nil {
			return model.Plan{}, err
		}

		chain = append(chain, cur)
		if cur.Height == p.startHeight {
			break
		}

		parent, err := p.parent(ctx, cur)
		if err != nil {
			return model.Plan{}, err
		}
		cur = *parent
	}

	if err := p.checkDepth(tip, fork); err != nil {
		return model.Plan{}, err
	}

	apply := make([]model.Header, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		apply = append(apply, chain[i])
	}

	return model.Plan{
		ForkHeight: fork,
		ForkHash:   forkHash,
		Rollback:   tip != nil && int64(tip.Height) > fork,
		Apply:      apply,
	}, nil
}

// target returns the header the cycle extends to: the node's best block, or the
// block maxBlocks above the mirror when the node is further ahead.
// It returns nil when the node's chain does not reach the start height.
func (p *planner) target(ctx context.Context, best string, tip *model.Tip) (*model.Header, error) {
	header, err := p.node.Header(ctx, best)
	if err != nil {
		return nil, fmt.Errorf("best header %s: %w", best, err)
	}
	if header.Height < p.startHeight {
		return nil, nil
	}

	base := p.startHeight
	if tip != nil {
		base = tip.Height + 1
	}
	limit := base + p.maxBlocks - 1
	if header.Height <= limit {
		return header, nil
	}

	hash, err := p.node.HashAtHeight(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("hash at height %d: %w", limit, err)
	}
	capped, err := p.node.Header(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("header %s: %w", hash, err)
	}
	if capped.Height != limit {
		return nil, fmt.Errorf("%w: header %s reports height %d, want %d", model.ErrNodeUnavailable, hash, capped.Height, limit)
	}
	p.logger.Debug("capping cycle", zap.Uint64("best_height", header.Height), zap.Uint64("target_height", limit))
	return capped, nil
}

// stored reports whether the store holds header at its height.
// Blocks above the recorded tip cannot be stored, so they are not looked up.
func (p *planner) stored(ctx context.Context, tip *model.Tip, header model.Header) (bool, error) {
	if tip == nil || header.Height > tip.Height {
		return false, nil
	}
	block, err := p.store.BlockByHash(ctx, header.Hash)
	if err != nil {
		return false, fmt.Errorf("stored block %s: %w", header.Hash, err)
	}
	if block == nil {
		return false, nil
	}
	if block.Height != header.Height {
		return false, fmt.Errorf("%w: block %s stored at height %d, node reports %d",
			model.ErrStoreConstraintViolation, header.Hash, block.Height, header.Height)
	}
	return true, nil
}

// checkDepth fails when rolling back to fork would remove more than maxDepth blocks.
func (p *planner) checkDepth(tip *model.Tip, fork int64) error {
	if tip == nil || int64(tip.Height) <= fork {
		return nil
	}
	depth := uint64(int64(tip.Height) - fork)
	if depth > p.maxDepth {
		return fmt.Errorf("%w: rollback of %d blocks from tip %d exceeds max depth %d",
			model.ErrReorgTooDeep, depth, tip.Height, p.maxDepth)
	}
	return nil
}

func (p *planner) parent(ctx context.Context, child model.Header) (*model.Header, error) {
	if child.PrevHash == "" {
		return nil, fmt.Errorf("%w: block %s at height %d has no parent", model.ErrNodeUnavailable, child.Hash, child.Height)
	}
	parent, err := p.node.Header(ctx, child.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("parent header %s: %w", child.PrevHash, err)
	}
	if parent.Height+1 != child.Height {
		return nil, fmt.Errorf("%w: parent %s at height %d of block %s at height %d",
			model.ErrNodeUnavailable, parent.Hash, parent.Height, child.Hash, child.Height)
	}
	return parent, nil
}

func (p *planner) noop(tip *model.Tip) model.Plan {
	if tip == nil {
		return model.Plan{ForkHeight: model.NoForkHeight}
	}
	return model.Plan{ForkHeight: int64(tip.Height), ForkHash: tip.Hash}
}
