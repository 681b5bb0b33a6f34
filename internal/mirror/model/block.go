// Package model defines domain models for the chain mirror.
package model

import "time"

// Block is a block record persisted in the relational mirror.
type Block struct {
	Hash     string
	PrevHash string
	Height   uint64
	Time     time.Time
}

// Header is a block header as reported by the node.
type Header struct {
	Hash     string
	PrevHash string
	Height   uint64
	Time     time.Time
}

// Block converts the header into a block record.
func (h Header) Block() Block {
	return Block{
		Hash:     h.Hash,
		PrevHash: h.PrevHash,
		Height:   h.Height,
		Time:     h.Time,
	}
}

// Transaction is a transaction record owned by exactly one block.
type Transaction struct {
	TxID      string
	BlockHash string
	Amount    int64
	Time      time.Time
}

// Tx is a transaction as reported by the node for a block.
type Tx struct {
	TxID   string
	Amount int64
	Time   time.Time
}

// Tip is the recorded tip of the mirror.
type Tip struct {
	Hash   string
	Height uint64
}

// OrphanedBlock is a block removed from the mirror by a rollback.
type OrphanedBlock struct {
	Block      Block
	TxCount    uint32
	OrphanedAt time.Time
}
