package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	admissiondb "ms-registration/internal/admission/db"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
)

// BatchLifecycleManager drives the batch state machine:
// future -> active -> exhausted, with closed as the administrative or
// time-based exit. At most one batch per (event, modality scope) is ever
// active and sellable.
type BatchLifecycleManager struct {
	DB     *admissiondb.DB
	Kafka  Publisher
	Cache  BatchCache
	Logger *logger.Logger
}

func NewBatchLifecycleManager(db *admissiondb.DB, kafka Publisher, cache BatchCache, log *logger.Logger) *BatchLifecycleManager {
	return &BatchLifecycleManager{DB: db, Kafka: kafka, Cache: cache, Logger: log}
}

type rolloverResult struct {
	Exhausted *models.Batch
	Activated *models.Batch
}

// RolloverIfExhausted runs inside the admission transaction that consumed
// the batch's last unit. The rows involved are already exclusively locked,
// so exhausting the batch and activating its successor commit atomically
// with the counter update that caused the exhaustion: there is never a
// committed state with two active batches, or a sellable scope without one.
func (m *BatchLifecycleManager) RolloverIfExhausted(ctx context.Context, tx bun.Tx, batch *models.Batch) (rolloverResult, error) {
	var result rolloverResult
	if !batch.Exhausted() {
		return result, nil
	}

	if err := m.DB.TransitionBatch(ctx, tx, batch.BatchID, models.BatchStatusActive, models.BatchStatusExhausted); err != nil {
		return result, fmt.Errorf("exhaust batch %s: %w", batch.BatchID, err)
	}
	batch.Status = models.BatchStatusExhausted
	result.Exhausted = batch

	next, err := m.DB.NextSellableBatch(ctx, tx, batch, time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Scope is sold out until a later batch opens or an admin
			// intervenes; subsequent admissions see SoldOutNoNextBatch.
			return result, nil
		}
		return result, err
	}
	if err := m.DB.TransitionBatch(ctx, tx, next.BatchID, models.BatchStatusFuture, models.BatchStatusActive); err != nil {
		return result, fmt.Errorf("activate batch %s: %w", next.BatchID, err)
	}
	next.Status = models.BatchStatusActive
	result.Activated = next
	return result, nil
}

// Run sweeps time-expired batches on a fixed interval until ctx is done.
// Started from main as a background goroutine.
func (m *BatchLifecycleManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepExpired(ctx); err != nil && m.Logger != nil {
				m.Logger.Error("BATCH", fmt.Sprintf("lifecycle sweep: %v", err))
			}
		}
	}
}

// SweepExpired closes active batches whose end date has passed and
// activates their successors, then activates future batches whose start
// time arrived in scopes left without an active batch (the rollover inside
// an admission cannot activate a successor before its window opens). This
// path is outside the hot admission transaction; a brief window without an
// active batch is possible and surfaces to callers as BatchNotSellable.
func (m *BatchLifecycleManager) SweepExpired(ctx context.Context) error {
	now := time.Now().UTC()
	expired, err := m.DB.ExpiredActiveBatches(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired batches: %w", err)
	}

	for i := range expired {
		candidate := expired[i]
		var closed, activated *models.Batch
		err := m.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			batch, err := m.DB.LockBatch(ctx, tx, candidate.BatchID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				return err
			}
			// Re-check under the lock; a racing admission may have
			// already exhausted the batch.
			if batch.Status != models.BatchStatusActive || batch.EndsAt == nil || batch.EndsAt.After(now) {
				return nil
			}
			if err := m.DB.TransitionBatch(ctx, tx, batch.BatchID, models.BatchStatusActive, models.BatchStatusClosed); err != nil {
				return err
			}
			batch.Status = models.BatchStatusClosed
			closed = batch

			next, err := m.DB.NextSellableBatch(ctx, tx, batch, now)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				return err
			}
			if err := m.DB.TransitionBatch(ctx, tx, next.BatchID, models.BatchStatusFuture, models.BatchStatusActive); err != nil {
				return err
			}
			next.Status = models.BatchStatusActive
			activated = next
			return nil
		})
		if err != nil {
			return fmt.Errorf("close batch %s: %w", candidate.BatchID, err)
		}
		m.afterSweep(closed, activated)
	}

	return m.activatePending(ctx, now)
}

// activatePending opens future batches whose start time has arrived in
// scopes with no active batch, lowest ordering index first per scope.
func (m *BatchLifecycleManager) activatePending(ctx context.Context, now time.Time) error {
	pending, err := m.DB.PendingActivations(ctx, now)
	if err != nil {
		return fmt.Errorf("list pending activations: %w", err)
	}

	for i := range pending {
		candidate := pending[i]
		var activated *models.Batch
		err := m.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			batch, err := m.DB.LockBatch(ctx, tx, candidate.BatchID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				return err
			}
			// Re-check under the lock; an earlier activation this sweep or
			// a racing rollover may have filled the scope already.
			if batch.Status != models.BatchStatusFuture || batch.StartsAt.After(now) {
				return nil
			}
			occupied, err := m.DB.HasActiveBatchInScope(ctx, tx, batch)
			if err != nil {
				return err
			}
			if occupied {
				return nil
			}
			if err := m.DB.TransitionBatch(ctx, tx, batch.BatchID, models.BatchStatusFuture, models.BatchStatusActive); err != nil {
				return err
			}
			batch.Status = models.BatchStatusActive
			activated = batch
			return nil
		})
		if err != nil {
			return fmt.Errorf("activate batch %s: %w", candidate.BatchID, err)
		}
		m.afterActivation(activated)
	}
	return nil
}

func (m *BatchLifecycleManager) afterActivation(activated *models.Batch) {
	if activated == nil {
		return
	}
	if m.Logger != nil {
		m.Logger.LogBatch("ACTIVATED", activated.BatchID, "selling window opened")
	}
	if m.Cache != nil {
		if err := m.Cache.SetActiveBatch(context.Background(), activated.EventID, batchScope(activated), activated.BatchID); err != nil && m.Logger != nil {
			m.Logger.Warn("REDIS", fmt.Sprintf("active batch cache update: %v", err))
		}
	}
	if m.Kafka != nil {
		if err := m.Kafka.PublishBatchActivated(*activated); err != nil && m.Logger != nil {
			m.Logger.Error("KAFKA", fmt.Sprintf("publish batch activated: %v", err))
		}
	}
}

func (m *BatchLifecycleManager) afterSweep(closed, activated *models.Batch) {
	if closed == nil {
		return
	}
	if m.Logger != nil {
		next := "none"
		if activated != nil {
			next = activated.BatchID
		}
		m.Logger.LogBatch("CLOSED", closed.BatchID, fmt.Sprintf("past end date, successor: %s", next))
	}
	if m.Cache != nil {
		ctx := context.Background()
		scope := batchScope(closed)
		var err error
		if activated != nil {
			err = m.Cache.SetActiveBatch(ctx, closed.EventID, scope, activated.BatchID)
		} else {
			err = m.Cache.ClearActiveBatch(ctx, closed.EventID, scope)
		}
		if err != nil && m.Logger != nil {
			m.Logger.Warn("REDIS", fmt.Sprintf("active batch cache update: %v", err))
		}
	}
	if m.Kafka != nil && activated != nil {
		if err := m.Kafka.PublishBatchActivated(*activated); err != nil && m.Logger != nil {
			m.Logger.Error("KAFKA", fmt.Sprintf("publish batch activated: %v", err))
		}
	}
}
