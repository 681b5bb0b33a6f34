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

type blockRow struct {
	Hash     string    `db:"hash"`
	PrevHash string    `db:"prev_hash"`
	Height   int64     `db:"height"`
	Time     time.Time `db:"time"`
}

func (b blockRow) model() (model.Block, error) {
	height, err := safe.Uint64(b.Height)
	if err != nil {
		return model.Block{}, fmt.Errorf("block %s height: %w", b.Hash, err)
	}
	return model.Block{
		Hash:     b.Hash,
		PrevHash: b.PrevHash,
		Height:   height,
		Time:     b.Time.UTC(),
	}, nil
}

type orphanRow struct {
	blockRow
	TxCount int64 `db:"tx_count"`
}

type transactionRow struct {
	TxID      string    `db:"txid"`
	BlockHash string    `db:"block_hash"`
	Amount    int64     `db:"amount"`
	Time      time.Time `db:"time"`
}

type tipRow struct {
	Hash   sql.NullString `db:"tip_hash"`
	Height sql.NullInt64  `db:"tip_height"`
}

const (
	selectBlockByHashQuery = `
SELECT hash, prev_hash, height, time
FROM blocks
WHERE hash = $1`

	selectBlockByHeightQuery = `
SELECT hash, prev_hash, height, time
FROM blocks
WHERE height = $1`

	selectTransactionsByBlockQuery = `
SELECT txid, block_hash, amount, time
FROM transactions
WHERE block_hash = $1
ORDER BY txid`

	selectTipQuery = `
SELECT tip_hash, tip_height
FROM sync_state
WHERE id = 1`
)

func getBlock(ctx context.Context, q sqlx.QueryerContext, query string, arg any) (*model.Block, error) {
	var row blockRow
	if err := sqlx.GetContext(ctx, q, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	block, err := row.model()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrStoreConstraintViolation, err)
	}
	return &block, nil
}

func getTip(ctx context.Context, q sqlx.QueryerContext) (*model.Tip, error) {
	var row tipRow
	if err := sqlx.GetContext(ctx, q, &row, selectTipQuery); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	if !row.Hash.Valid || !row.Height.Valid {
		return nil, nil
	}
	height, err := safe.Uint64(row.Height.Int64)
	if err != nil {
		return nil, fmt.Errorf("%w: tip height: %w", model.ErrStoreConstraintViolation, err)
	}
	return &model.Tip{Hash: row.Hash.String, Height: height}, nil
}

// Tip returns the recorded tip, or nil for an empty mirror.
func (r *Repository) Tip(ctx context.Context) (tip *model.Tip, err error) {
	started := time.Now()
	defer func() {
		r.observe("tip", err, started)
	}()
	return getTip(ctx, r.db)
}

// BlockByHash returns the stored block with hash, or nil when absent.
func (r *Repository) BlockByHash(ctx context.Context, hash string) (block *model.Block, err error) {
	started := time.Now()
	defer func() {
		r.observe("block_by_hash", err, started)
	}()
	return getBlock(ctx, r.db, selectBlockByHashQuery, hash)
}

// BlockByHeight returns the stored block at height, or nil when absent.
func (r *Repository) BlockByHeight(ctx context.Context, height uint64) (block *model.Block, err error) {
	started := time.Now()
	defer func() {
		r.observe("block_by_height", err, started)
	}()
	h, err := safe.Int64(height)
	if err != nil {
		return nil, nil
	}
	return getBlock(ctx, r.db, selectBlockByHeightQuery, h)
}

// TransactionsByBlock returns the transactions owned by the block with hash.
func (r *Repository) TransactionsByBlock(ctx context.Context, hash string) (txs []model.Transaction, err error) {
	started := time.Now()
	defer func() {
		r.observe("transactions_by_block", err, started)
	}()

	var rows []transactionRow
	if err = sqlx.SelectContext(ctx, r.db, &rows, selectTransactionsByBlockQuery, hash); err != nil {
		err = classify(err)
		return nil, err
	}
	txs = make([]model.Transaction, 0, len(rows))
	for _, row := range rows {
		txs = append(txs, model.Transaction{
			TxID:      row.TxID,
			BlockHash: row.BlockHash,
			Amount:    row.Amount,
			Time:      row.Time.UTC(),
		})
	}
	return txs, nil
}
