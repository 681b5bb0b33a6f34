// Package transport exposes the synchronizer over gRPC health checks and a small REST API.
package transport

import (
	"context"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/syncer"
)

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

type (
	// Status is the read side of a synchronizer.
	Status interface {
		State() syncer.State
		LastResult() (*model.CycleResult, error)
		CurrentTip(ctx context.Context) (*model.Tip, error)
	}
	// Blocks reads committed blocks from the mirror.
	Blocks interface {
		BlockByHeight(ctx context.Context, height uint64) (*model.Block, error)
		TransactionsByBlock(ctx context.Context, hash string) ([]model.Transaction, error)
	}
	// Orphans reads the orphaned block archive.
	Orphans interface {
		OrphanedBlocks(ctx context.Context, height uint64) ([]model.OrphanedBlock, error)
	}
	// Pinger checks that a dependency is reachable.
	Pinger interface {
		Ping(ctx context.Context) error
	}
)
