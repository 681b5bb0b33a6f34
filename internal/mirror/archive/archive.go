// Package archive forwards blocks removed by rollbacks to long-term storage.
package archive

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

import (
	"context"
	"errors"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"github.com/goodnatureofminers/blockmirror/pkg/batcher"
	"go.uber.org/zap"
)

type (
	// Sink persists orphaned blocks.
	Sink interface {
		InsertOrphanedBlocks(ctx context.Context, blocks []model.OrphanedBlock) error
	}
	// Metrics counts blocks the archive had to drop.
	Metrics interface {
		ObserveDropped(n int)
	}
)

// Archive buffers orphaned blocks and writes them to a Sink in the background.
// Delivery is best effort: a full buffer or a failing sink loses blocks but never blocks the caller.
type Archive struct {
	batcher *batcher.Batcher[model.OrphanedBlock]
	metrics Metrics
	logger  *zap.Logger
}

// New builds an Archive over sink.
func New(sink Sink, opts batcher.Options, metrics Metrics, logger *zap.Logger) *Archive {
	logger = logger.Named("orphan_archive")
	return &Archive{
		batcher: batcher.New(logger, sink.InsertOrphanedBlocks, opts),
		metrics: metrics,
		logger:  logger,
	}
}

// Start runs the background writer until ctx is done or Stop is called.
func (a *Archive) Start(ctx context.Context) {
	a.batcher.Start(ctx)
}

// Stop flushes what is buffered and waits for the writer to exit.
func (a *Archive) Stop() {
	a.batcher.Stop()
}

// Archive queues blocks without blocking.
func (a *Archive) Archive(_ context.Context, blocks []model.OrphanedBlock) {
	for i, b := range blocks {
		if err := a.batcher.TryAdd(b); err != nil {
			dropped := len(blocks) - i
			if a.metrics != nil {
				a.metrics.ObserveDropped(dropped)
			}
			level := a.logger.Warn
			if errors.Is(err, batcher.ErrStopped) {
				level = a.logger.Debug
			}
			level("orphaned blocks not archived", zap.Int("dropped", dropped), zap.Error(err))
			return
		}
	}
}
