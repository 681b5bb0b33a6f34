package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"github.com/goodnatureofminers/blockmirror/pkg/safe"
	"github.com/jmoiron/sqlx"
)

// errTxDone is returned by operations on a committed or rolled back Tx.
var errTxDone = errors.New("store transaction already completed")

const (
	upsertBlockQuery = `
INSERT INTO blocks (hash, prev_hash, height, time)
VALUES ($1, $2, $3, $4)
ON CONFLICT (hash) DO UPDATE SET
	prev_hash = EXCLUDED.prev_hash,
	height = EXCLUDED.height,
	time = EXCLUDED.time`

	upsertTransactionsQuery = `
INSERT INTO transactions (txid, block_hash, amount, time)
SELECT txid, $1::text, amount, time
FROM unnest($2::text[], $3::bigint[], $4::timestamptz[]) AS t(txid, amount, time)
ON CONFLICT (block_hash, txid) DO UPDATE SET
	amount = EXCLUDED.amount,
	time = EXCLUDED.time`

	selectBlocksAboveQuery = `
SELECT b.hash, b.prev_hash, b.height, b.time,
	(SELECT count(*) FROM transactions t WHERE t.block_hash = b.hash) AS tx_count
FROM blocks b
WHERE b.height > $1
ORDER BY b.height DESC`

	deleteTransactionsByBlockQuery = `DELETE FROM transactions WHERE block_hash = $1`
	deleteBlockQuery               = `DELETE FROM blocks WHERE hash = $1`

	upsertTipQuery = `
INSERT INTO sync_state (id, tip_hash, tip_height, updated_at)
VALUES (1, $1, $2, now())
ON CONFLICT (id) DO UPDATE SET
	tip_hash = EXCLUDED.tip_hash,
	tip_height = EXCLUDED.tip_height,
	updated_at = EXCLUDED.updated_at`
)

// Tx is one store transaction. Nothing it writes is visible until Commit.
type Tx struct {
	tx      *sqlx.Tx
	metrics Metrics
	now     func() time.Time
}

// Begin opens a store transaction.
func (r *Repository) Begin(ctx context.Context) (t *Tx, err error) {
	started := time.Now()
	defer func() {
		r.observe("begin", err, started)
	}()

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		err = classify(err)
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx, metrics: r.metrics, now: time.Now}, nil
}

func (t *Tx) observe(operation string, err error, started time.Time) {
	if t.metrics != nil {
		t.metrics.Observe(operation, err, started)
	}
}

// UpsertBlock inserts block or replaces the stored row with the same hash.
func (t *Tx) UpsertBlock(ctx context.Context, block model.Block) (err error) {
	started := time.Now()
	defer func() {
		t.observe("upsert_block", err, started)
	}()
	if t.tx == nil {
		return errTxDone
	}

	height, err := safe.Int64(block.Height)
	if err != nil {
		err = fmt.Errorf("%w: block %s height: %w", model.ErrStoreConstraintViolation, block.Hash, err)
		return err
	}
	if _, err = t.tx.ExecContext(ctx, upsertBlockQuery, block.Hash, block.PrevHash, height, block.Time.UTC()); err != nil {
		err = fmt.Errorf("upsert block %s: %w", block.Hash, classify(err))
		return err
	}
	return nil
}

// UpsertTransactions writes txs as owned by blockHash, replacing the block's rows with the same txid.
// A txid stored under another block is left alone.
func (t *Tx) UpsertTransactions(ctx context.Context, blockHash string, txs []model.Tx) (err error) {
	started := time.Now()
	defer func() {
		t.observe("upsert_transactions", err, started)
	}()
	if t.tx == nil {
		return errTxDone
	}
	if len(txs) == 0 {
		return nil
	}

	txids := make([]string, len(txs))
	amounts := make([]int64, len(txs))
	times := make([]time.Time, len(txs))
	for i, tx := range txs {
		txids[i] = tx.TxID
		amounts[i] = tx.Amount
		times[i] = tx.Time.UTC()
	}
	if _, err = t.tx.ExecContext(ctx, upsertTransactionsQuery, blockHash, txids, amounts, times); err != nil {
		err = fmt.Errorf("upsert transactions of %s: %w", blockHash, classify(err))
		return err
	}
	return nil
}

// DeleteBlocksAbove removes every block above height, highest first, together with its transactions.
// It returns the removed blocks in the order they were deleted.
func (t *Tx) DeleteBlocksAbove(ctx context.Context, height int64) (orphaned []model.OrphanedBlock, err error) {
	started := time.Now()
	defer func() {
		t.observe("delete_blocks_above", err, started)
	}()
	if t.tx == nil {
		return nil, errTxDone
	}

	var rows []orphanRow
	if err = t.tx.SelectContext(ctx, &rows, selectBlocksAboveQuery, height); err != nil {
		err = fmt.Errorf("select blocks above %d: %w", height, classify(err))
		return nil, err
	}

	orphanedAt := t.now().UTC()
	orphaned = make([]model.OrphanedBlock, 0, len(rows))
	for _, row := range rows {
		block, convErr := row.model()
		if convErr != nil {
			err = fmt.Errorf("%w: %w", model.ErrStoreConstraintViolation, convErr)
			return nil, err
		}
		txCount, convErr := safe.Uint32(row.TxCount)
		if convErr != nil {
			err = fmt.Errorf("%w: block %s tx count: %w", model.ErrStoreConstraintViolation, row.Hash, convErr)
			return nil, err
		}

		if _, err = t.tx.ExecContext(ctx, deleteTransactionsByBlockQuery, row.Hash); err != nil {
			err = fmt.Errorf("delete transactions of %s: %w", row.Hash, classify(err))
			return nil, err
		}
		if _, err = t.tx.ExecContext(ctx, deleteBlockQuery, row.Hash); err != nil {
			err = fmt.Errorf("delete block %s: %w", row.Hash, classify(err))
			return nil, err
		}
		orphaned = append(orphaned, model.OrphanedBlock{
			Block:      block,
			TxCount:    txCount,
			OrphanedAt: orphanedAt,
		})
	}
	return orphaned, nil
}

// SetTip records tip. A nil tip marks the mirror empty.
func (t *Tx) SetTip(ctx context.Context, tip *model.Tip) (err error) {
	started := time.Now()
	defer func() {
		t.observe("set_tip", err, started)
	}()
	if t.tx == nil {
		return errTxDone
	}

	var (
		hash   sql.NullString
		height sql.NullInt64
	)
	if tip != nil {
		h, convErr := safe.Int64(tip.Height)
		if convErr != nil {
			err = fmt.Errorf("%w: tip height: %w", model.ErrStoreConstraintViolation, convErr)
			return err
		}
		hash = sql.NullString{String: tip.Hash, Valid: true}
		height = sql.NullInt64{Int64: h, Valid: true}
	}
	if _, err = t.tx.ExecContext(ctx, upsertTipQuery, hash, height); err != nil {
		err = fmt.Errorf("set tip: %w", classify(err))
		return err
	}
	return nil
}

// Tip returns the tip as seen inside the transaction.
func (t *Tx) Tip(ctx context.Context) (*model.Tip, error) {
	if t.tx == nil {
		return nil, errTxDone
	}
	return getTip(ctx, t.tx)
}

// BlockByHash returns the block with hash as seen inside the transaction.
func (t *Tx) BlockByHash(ctx context.Context, hash string) (*model.Block, error) {
	if t.tx == nil {
		return nil, errTxDone
	}
	return getBlock(ctx, t.tx, selectBlockByHashQuery, hash)
}

// Commit makes the transaction's writes visible.
func (t *Tx) Commit() (err error) {
	started := time.Now()
	defer func() {
		t.observe("commit", err, started)
	}()
	if t.tx == nil {
		return errTxDone
	}
	err = t.tx.Commit()
	t.tx = nil
	if err != nil {
		err = fmt.Errorf("commit: %w", classify(err))
	}
	return err
}

// Rollback discards the transaction. Safe to call more than once and after Commit.
func (t *Tx) Rollback() error {
	if t.tx == nil {
		return nil
	}
	err := t.tx.Rollback()
	t.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", classify(err))
	}
	return nil
}
