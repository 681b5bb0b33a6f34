package archive

import (
	"context"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"go.uber.org/zap"
)

// LogSink records orphaned blocks in the log only.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("orphans")}
}

func (s *LogSink) InsertOrphanedBlocks(_ context.Context, blocks []model.OrphanedBlock) error {
	for _, b := range blocks {
		s.logger.Info("orphaned block",
			zap.String("hash", b.Block.Hash),
			zap.Uint64("height", b.Block.Height),
			zap.Uint32("tx_count", b.TxCount),
			zap.Time("orphaned_at", b.OrphanedAt),
		)
	}
	return nil
}
