package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
)

const insertOrphanedBlocksQuery = `
INSERT INTO orphaned_blocks (
	network,
	hash,
	prev_hash,
	height,
	block_time,
	tx_count,
	orphaned_at
) VALUES`

// InsertOrphanedBlocks appends rolled back blocks to the archive.
func (r *Repository) InsertOrphanedBlocks(ctx context.Context, blocks []model.OrphanedBlock) (err error) {
	start := time.Now()
	defer func() {
		r.metrics.Observe("insert_orphaned_blocks", err, start)
	}()

	if len(blocks) == 0 {
		return nil
	}

	batch, err := r.conn.PrepareBatch(ctx, insertOrphanedBlocksQuery)
	if err != nil {
		return fmt.Errorf("prepare orphaned blocks batch: %w", err)
	}

	for _, o := range blocks {
		if err = batch.Append(
			r.network,
			o.Block.Hash,
			o.Block.PrevHash,
			o.Block.Height,
			o.Block.Time.UTC(),
			o.TxCount,
			o.OrphanedAt.UTC(),
		); err != nil {
			return fmt.Errorf("append orphaned block: %w", err)
		}
	}

	if err = batch.Send(); err != nil {
		return fmt.Errorf("insert orphaned blocks: %w", err)
	}
	return nil
}

// OrphanedBlocks returns archived blocks at height, newest orphaning first.
func (r *Repository) OrphanedBlocks(ctx context.Context, height uint64) (blocks []model.OrphanedBlock, err error) {
	start := time.Now()
	defer func() {
		r.metrics.Observe("orphaned_blocks", err, start)
	}()

	rows, err := r.conn.Query(ctx, `
SELECT hash, prev_hash, height, block_time, tx_count, orphaned_at
FROM orphaned_blocks FINAL
WHERE network = ? AND height = ?
ORDER BY orphaned_at DESC`, r.network, height)
	if err != nil {
		return nil, fmt.Errorf("query orphaned blocks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var o model.OrphanedBlock
		if err = rows.Scan(
			&o.Block.Hash,
			&o.Block.PrevHash,
			&o.Block.Height,
			&o.Block.Time,
			&o.TxCount,
			&o.OrphanedAt,
		); err != nil {
			return nil, fmt.Errorf("scan orphaned block: %w", err)
		}
		o.Block.Time = o.Block.Time.UTC()
		o.OrphanedAt = o.OrphanedAt.UTC()
		blocks = append(blocks, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned blocks: %w", err)
	}
	return blocks, nil
}
