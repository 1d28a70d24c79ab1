package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/store"
)

// TipReader is the node surface the backfill needs.
type TipReader interface {
	GetBlockCount() (int64, error)
	GetBlockHash(height int64) (string, error)
}

// Backfill replays blocks mined while the service was not listening. It
// resumes from the last recorded block, or from a configured start height
// on an empty ledger.
type Backfill struct {
	logger      *zap.Logger
	node        TipReader
	store       store.Store
	handler     Handler
	startHeight int64
}

func NewBackfill(node TipReader, st store.Store, handler Handler, startHeight int64, logger *zap.Logger) *Backfill {
	return &Backfill{
		logger:      logger,
		node:        node,
		store:       st,
		handler:     handler,
		startHeight: startHeight,
	}
}

// Run walks from the resume height to the current tip. Each block goes
// through the same handler as live notifications, so replays are
// idempotent.
func (b *Backfill) Run(ctx context.Context) error {
	tip, err := b.node.GetBlockCount()
	if err != nil {
		return fmt.Errorf("failed to read chain tip: %w", err)
	}

	start := b.startHeight
	err = b.store.InTx(ctx, func(tx store.Tx) error {
		last, ok, err := tx.LastBlockHeight()
		if err != nil {
			return err
		}
		if ok && last+1 > start {
			start = last + 1
		}
		return nil
	})
	if err != nil {
		return err
	}

	if start > tip {
		b.logger.Info("No blocks to backfill", zap.Int64("tip", tip))
		return nil
	}

	b.logger.Info("Backfilling blocks",
		zap.Int64("from", start), zap.Int64("to", tip))

	for height := start; height <= tip; height++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, err := b.node.GetBlockHash(height)
		if err != nil {
			return fmt.Errorf("failed to resolve block %d: %w", height, err)
		}
		if err := b.handler.HandleBlock(ctx, hash); err != nil {
			return fmt.Errorf("failed to backfill block %d: %w", height, err)
		}
	}

	b.logger.Info("Backfill complete", zap.Int64("tip", tip))
	return nil
}
