// Package monitor ingests node notifications into the ledger. Each
// notification is applied in a single serializable store transaction, so a
// crash mid-event never leaves entries and balances disagreeing.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/chain"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
)

// NodeClient is the node surface the processor reads from.
type NodeClient interface {
	GetTransaction(txHash string) (*chain.WalletTransaction, error)
	GetBlock(blockHash string) (*chain.BlockResult, error)
}

// Processor applies transaction, block and mempool-removal notifications.
type Processor struct {
	logger     *zap.Logger
	node       NodeClient
	store      store.Store
	reconciler *Reconciler
	depth      int64
}

func NewProcessor(node NodeClient, st store.Store, depth int64, logger *zap.Logger) *Processor {
	return &Processor{
		logger:     logger,
		node:       node,
		store:      st,
		reconciler: NewReconciler(logger),
		depth:      depth,
	}
}

// HandleTransaction records every leg of a wallet transaction as ledger
// entries and reconciles the owning balances. Hashes the wallet does not
// know are skipped; redelivery of a known hash only applies whatever
// transitions are still outstanding.
func (p *Processor) HandleTransaction(ctx context.Context, txHash string) error {
	wtx, err := p.node.GetTransaction(txHash)
	if err != nil {
		if chain.KindOf(err) == chain.KindNotFound {
			return nil
		}
		return err
	}
	if wtx.Confirmations < 0 {
		// The node reports conflicted transactions with negative
		// confirmations; treat them like mempool eviction.
		return p.HandleMempoolRemoval(ctx, txHash)
	}

	entries, err := p.entriesFromWalletTx(wtx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	return p.store.InTx(ctx, func(tx store.Tx) error {
		for _, entry := range entries {
			if err := p.applyEntry(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// HandleBlock records a new tip, advances confirmation counts and settles
// every receive entry whose confirmations crossed the finality depth with
// this block. The block's own transactions are then replayed so wallet
// transactions that never arrived over the mempool feed are still picked
// up.
func (p *Processor) HandleBlock(ctx context.Context, blockHash string) error {
	block, err := p.node.GetBlock(blockHash)
	if err != nil {
		return err
	}

	known := false
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		seen, err := tx.HasBlock(block.Hash)
		if err != nil {
			return err
		}
		if seen {
			known = true
			return nil
		}
		if err := tx.InsertBlock(model.Block{
			Hash:      block.Hash,
			Height:    block.Height,
			Timestamp: time.Unix(block.Time, 0).UTC(),
		}); err != nil {
			return err
		}

		// Select the crossers before advancing so the previous
		// confirmation counts decide who settles.
		crossers, err := tx.EntriesCrossingDepth(block.Height, p.depth)
		if err != nil {
			return err
		}
		if err := tx.AdvanceConfirmations(block.Height, p.depth); err != nil {
			return err
		}
		for _, entry := range crossers {
			if entry.Direction != model.DirectionReceive {
				continue
			}
			if err := p.reconciler.CrossedFinality(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || known {
		return err
	}

	p.logger.Info("Processed block",
		zap.String("hash", block.Hash),
		zap.Int64("height", block.Height),
		zap.Int("tx_count", len(block.Tx)))

	for _, txid := range block.Tx {
		if err := p.HandleTransaction(ctx, txid); err != nil {
			return err
		}
	}
	return nil
}

// HandleBlockDisconnect unwinds a reorged-out block: its row is dropped
// and entries mined at or above its height go back to unconfirmed. Their
// transactions either re-announce from the mempool or arrive as removals
// over the sequence feed. Entries past the finality depth stay settled.
func (p *Processor) HandleBlockDisconnect(ctx context.Context, blockHash string) error {
	return p.store.InTx(ctx, func(tx store.Tx) error {
		block, err := tx.GetBlock(blockHash)
		if err != nil || block == nil {
			return err
		}
		if err := tx.DeleteBlock(blockHash); err != nil {
			return err
		}
		reset, err := tx.ResetEntriesFromHeight(block.Height, p.depth)
		if err != nil {
			return err
		}
		p.logger.Warn("Block disconnected",
			zap.String("hash", blockHash),
			zap.Int64("height", block.Height),
			zap.Int64("entries_reset", reset))
		return nil
	})
}

// HandleMempoolRemoval marks a transaction's unsettled entries abandoned
// and reverses their pending credits. Entries that already settled are
// left alone.
func (p *Processor) HandleMempoolRemoval(ctx context.Context, txHash string) error {
	return p.store.InTx(ctx, func(tx store.Tx) error {
		marked, err := tx.MarkEntriesAbandoned(txHash, p.depth)
		if err != nil {
			return err
		}
		for _, entry := range marked {
			if err := p.reconciler.Abandoned(tx, entry); err != nil {
				return err
			}
		}
		if len(marked) > 0 {
			p.logger.Info("Abandoned transaction entries",
				zap.String("tx_hash", txHash),
				zap.Int("entries", len(marked)))
		}
		return nil
	})
}

// applyEntry upserts one candidate entry and fires the reconciliation
// rules its state transition calls for.
func (p *Processor) applyEntry(tx store.Tx, candidate model.TransactionEntry) error {
	existing, err := tx.GetEntryForUpdate(candidate.TxHash, candidate.Address, candidate.Direction, candidate.AssetName)
	if err != nil {
		return err
	}

	if existing == nil {
		if err := tx.InsertEntry(candidate); err != nil {
			return err
		}
		switch candidate.Direction {
		case model.DirectionReceive:
			if err := p.reconciler.NewReceive(tx, candidate); err != nil {
				return err
			}
			// First sighted already past depth, as during backfill:
			// settle in the same transaction.
			if candidate.Confirmations >= p.depth {
				return p.reconciler.CrossedFinality(tx, candidate)
			}
		case model.DirectionSend:
			return p.reconciler.NewSend(tx, candidate)
		}
		return nil
	}

	if existing.Abandoned {
		return nil
	}

	prev := existing.Confirmations
	if candidate.Confirmations > prev {
		if err := tx.UpdateEntryConfirmations(candidate, candidate.Confirmations, candidate.BlockHeight); err != nil {
			return err
		}
	}
	if candidate.Direction == model.DirectionReceive && prev < p.depth && candidate.Confirmations >= p.depth {
		return p.reconciler.CrossedFinality(tx, candidate)
	}
	return nil
}

// entriesFromWalletTx flattens a wallet transaction into one candidate
// entry per (address, direction, asset) leg, amounts in base units. Legs
// the wallet already abandoned are dropped; the sequence feed reverses
// them.
func (p *Processor) entriesFromWalletTx(wtx *chain.WalletTransaction) ([]model.TransactionEntry, error) {
	var blockHeight *int64
	if wtx.BlockHash != "" {
		block, err := p.node.GetBlock(wtx.BlockHash)
		if err != nil {
			return nil, err
		}
		blockHeight = &block.Height
	}

	fee, err := chain.AmountFromFloat(wtx.Fee)
	if err != nil {
		return nil, err
	}
	txTime := time.Unix(wtx.Time, 0).UTC()

	// Several outputs of one transaction can pay the same address; they
	// collapse into one entry per (address, direction, asset).
	var entries []model.TransactionEntry
	index := make(map[[3]string]int)
	add := func(address, direction, assetName, assetKind string, amount float64) error {
		if address == "" {
			return nil
		}
		units, err := chain.AmountFromFloat(amount)
		if err != nil {
			return err
		}
		if i, ok := index[[3]string{address, direction, assetName}]; ok {
			entries[i].Amount += units
			return nil
		}
		entry := model.TransactionEntry{
			TxHash:        wtx.TxID,
			Address:       address,
			Direction:     direction,
			AssetName:     assetName,
			Amount:        units,
			Confirmations: wtx.Confirmations,
			BlockHeight:   blockHeight,
			Time:          txTime,
			AssetKind:     assetKind,
			Trusted:       wtx.Trusted,
			Replaceable:   wtx.Replaceable(),
		}
		if direction == model.DirectionSend {
			entry.Fee = fee
		}
		index[[3]string{address, direction, assetName}] = len(entries)
		entries = append(entries, entry)
		return nil
	}

	for _, d := range wtx.Details {
		if d.Abandoned {
			continue
		}
		if d.Category != model.DirectionSend && d.Category != model.DirectionReceive {
			continue
		}
		if err := add(d.Address, d.Category, chain.EVR, model.AssetKindNone, d.Amount); err != nil {
			return nil, err
		}
	}
	for _, d := range wtx.AssetDetails {
		if d.Abandoned {
			continue
		}
		if d.Category != model.DirectionSend && d.Category != model.DirectionReceive {
			continue
		}
		if err := add(d.Destination, d.Category, d.AssetName, d.AssetType, d.Amount); err != nil {
			return nil, err
		}
	}
	return entries, nil
}
