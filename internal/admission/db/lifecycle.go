package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"

	"ms-registration/internal/models"
)

// TransitionBatch moves a batch between lifecycle states. The status guard
// makes the transition idempotent under concurrency: a batch that already
// left `from` yields sql.ErrNoRows instead of being transitioned twice.
func (d *DB) TransitionBatch(ctx context.Context, idb bun.IDB, batchID, from, to string) error {
	res, err := idb.NewUpdate().Model((*models.Batch)(nil)).
		Set("status = ?", to).
		Where("batch_id = ?", batchID).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// ExpiredActiveBatches lists active batches whose end date has passed.
// Used by the background sweep, not the admission path.
func (d *DB) ExpiredActiveBatches(ctx context.Context, now time.Time) ([]models.Batch, error) {
	var batches []models.Batch
	err := d.Bun.NewSelect().Model(&batches).
		Where("status = ?", models.BatchStatusActive).
		Where("ends_at IS NOT NULL").
		Where("ends_at <= ?", now).
		Order("event_id", "order_index").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// PendingActivations lists future batches whose start time has arrived in
// scopes with no active batch. These are the scopes the in-transaction
// rollover could not serve: the active batch exhausted (or closed) before
// the successor's window opened. Snapshot only; the sweep re-checks each
// candidate under its lock.
func (d *DB) PendingActivations(ctx context.Context, now time.Time) ([]models.Batch, error) {
	var batches []models.Batch
	err := d.Bun.NewSelect().Model(&batches).
		Where("status = ?", models.BatchStatusFuture).
		Where("starts_at <= ?", now).
		Where(`NOT EXISTS (
			SELECT 1 FROM batches AS other
			WHERE other.event_id = batch.event_id
			AND other.status = ?
			AND ((other.modality_id IS NULL AND batch.modality_id IS NULL)
				OR other.modality_id = batch.modality_id)
		)`, models.BatchStatusActive).
		Order("event_id", "order_index").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// HasActiveBatchInScope reports whether the exact scope of b (same event,
// same modality or event-wide) already has an active batch.
func (d *DB) HasActiveBatchInScope(ctx context.Context, idb bun.IDB, b *models.Batch) (bool, error) {
	q := idb.NewSelect().Model((*models.Batch)(nil)).
		Where("event_id = ?", b.EventID).
		Where("status = ?", models.BatchStatusActive)
	if b.ModalityID == nil {
		q = q.Where("modality_id IS NULL")
	} else {
		q = q.Where("modality_id = ?", *b.ModalityID)
	}
	return q.Exists(ctx)
}

// ActiveBatchView is the non-locking counterpart of LockActiveBatch, for
// read-only lookups outside a transaction.
func (d *DB) ActiveBatchView(ctx context.Context, eventID, modalityID string) (*models.Batch, error) {
	var b models.Batch
	err := d.Bun.NewSelect().Model(&b).
		Where("event_id = ?", eventID).
		Where("status = ?", models.BatchStatusActive).
		Where("modality_id = ? OR modality_id IS NULL", modalityID).
		OrderExpr("(modality_id IS NULL) ASC, order_index ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (d *DB) GetBatchByID(ctx context.Context, batchID string) (*models.Batch, error) {
	var b models.Batch
	err := d.Bun.NewSelect().Model(&b).
		Where("batch_id = ?", batchID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
