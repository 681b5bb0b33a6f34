// Package bitcoin implements the node client over Bitcoin Core JSON-RPC.
package bitcoin

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"github.com/goodnatureofminers/blockmirror/pkg/safe"
)

// ParseHash validates a hex block or transaction hash.
func ParseHash(value string) (*chainhash.Hash, error) {
	if len(value) != chainhash.MaxHashStringSize {
		return nil, fmt.Errorf("hash %q: want %d hex chars", value, chainhash.MaxHashStringSize)
	}
	return chainhash.NewHashFromStr(value)
}

// BtcToSatoshis converts a BTC amount to satoshis, rejecting negative values.
func BtcToSatoshis(value float64) (int64, error) {
	amt, err := btcutil.NewAmount(value)
	if err != nil {
		return 0, err
	}
	if amt < 0 {
		return 0, fmt.Errorf("negative amount: %d", amt)
	}
	return int64(amt), nil
}

// BuildHeader maps a verbose header result into a model.Header.
func BuildHeader(src btcjson.GetBlockHeaderVerboseResult) (model.Header, error) {
	if _, err := ParseHash(src.Hash); err != nil {
		return model.Header{}, fmt.Errorf("header hash: %w", err)
	}
	// genesis carries no previous hash
	if src.PreviousHash != "" {
		if _, err := ParseHash(src.PreviousHash); err != nil {
			return model.Header{}, fmt.Errorf("header %s prev hash: %w", src.Hash, err)
		}
	}
	height, err := safe.Uint64(src.Height)
	if err != nil {
		return model.Header{}, fmt.Errorf("header %s height: %w", src.Hash, err)
	}

	return model.Header{
		Hash:     src.Hash,
		PrevHash: src.PreviousHash,
		Height:   height,
		Time:     time.Unix(src.Time, 0).UTC(),
	}, nil
}

// BuildTransactions maps the transactions of a verbose block.
// The amount of a transaction is the sum of its output values.
func BuildTransactions(src btcjson.GetBlockVerboseTxResult) ([]model.Tx, error) {
	blockTime := time.Unix(src.Time, 0).UTC()
	txs := make([]model.Tx, 0, len(src.Tx))
	for _, tx := range src.Tx {
		if _, err := ParseHash(tx.Txid); err != nil {
			return nil, fmt.Errorf("block %s txid: %w", src.Hash, err)
		}
		var amount int64
		for _, vout := range tx.Vout {
			sats, err := BtcToSatoshis(vout.Value)
			if err != nil {
				return nil, fmt.Errorf("tx %s vout %d: %w", tx.Txid, vout.N, err)
			}
			amount, err = addSatoshis(amount, sats)
			if err != nil {
				return nil, fmt.Errorf("tx %s amount: %w", tx.Txid, err)
			}
		}
		txs = append(txs, model.Tx{
			TxID:   tx.Txid,
			Amount: amount,
			Time:   blockTime,
		})
	}
	return txs, nil
}

func addSatoshis(a, b int64) (int64, error) {
	if a > btcutil.MaxSatoshi-b {
		return 0, fmt.Errorf("sum %d + %d exceeds max supply", a, b)
	}
	return a + b, nil
}
