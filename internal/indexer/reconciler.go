package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/git-hunters/githunters/internal/database"
	"github.com/git-hunters/githunters/internal/events"
	"github.com/git-hunters/githunters/internal/metrics"
)

// ReconcileOnce performs one receipt lookup for every pending transaction
// and returns how many were resolved. Records pending for longer than the
// wait timeout are marked as timed out.
func (ix *Indexer) ReconcileOnce(ctx context.Context) (int, error) {
	pending, err := ix.store.ListPendingTxs(ctx, ix.cfg.PendingLimit)
	if err != nil {
		return 0, fmt.Errorf("list pending transactions: %w", err)
	}

	resolved := 0
	var errs []error
	for i := range pending {
		tx := &pending[i]
		done, err := ix.reconcileTx(ctx, tx)
		if err != nil {
			ix.logger.WithContext(ctx).WithError(err).WithField("tx", tx.Hash).Warn("reconcile transaction")
			errs = append(errs, err)
			continue
		}
		if done {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}

func (ix *Indexer) reconcileTx(ctx context.Context, tx *database.TxRecord) (bool, error) {
	res, pending, err := ix.client.ReceiptStatus(ctx, common.HexToHash(tx.Hash))
	if err != nil {
		return false, err
	}

	now := ix.now().UTC()
	var evType string
	switch {
	case pending:
		if now.Sub(tx.SubmittedAt) < ix.cfg.TxWaitTimeout {
			return false, nil
		}
		tx.Status = database.TxTimeout
		tx.Error = fmt.Sprintf("no receipt within %s", ix.cfg.TxWaitTimeout)
		evType = events.TypeTxTimeout
	case res.Succeeded():
		tx.Status = database.TxConfirmed
		tx.BlockNumber = int64(res.BlockNumber)
		tx.ConfirmedAt = &now
		evType = events.TypeTxConfirmed
	default:
		tx.Status = database.TxReverted
		tx.BlockNumber = int64(res.BlockNumber)
		tx.Error = "transaction reverted"
		tx.ConfirmedAt = &now
		evType = events.TypeTxReverted
	}

	if err := ix.store.UpsertTx(ctx, tx); err != nil {
		return false, fmt.Errorf("update transaction: %w", err)
	}
	metrics.RecordTxWait(tx.Status, now.Sub(tx.SubmittedAt))

	ix.hub.Publish(events.Event{
		Type:   evType,
		TxHash: tx.Hash,
		Block:  uint64(tx.BlockNumber),
		Data:   tx,
	})
	ix.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"tx":     tx.Hash,
		"kind":   tx.Kind,
		"status": tx.Status,
	}).Info("transaction resolved")
	return true, nil
}

// SweepSessions deletes expired sessions.
func (ix *Indexer) SweepSessions(ctx context.Context) (int64, error) {
	return ix.store.DeleteExpiredSessions(ctx, ix.now())
}
