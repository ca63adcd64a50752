package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-registration/internal/models"
)

// DB is the storage layer of the admission engine. Every method that takes
// a bun.IDB runs on whatever handle the caller supplies, so the whole
// admission sequence shares one transaction. Counter columns are owned by
// that transaction: they are never read without a lock and never written
// outside it.
type DB struct {
	Bun *bun.DB
}

// RunInTx runs fn inside a single database transaction. Any error rolls
// the transaction back; no counter change or row insert survives a failed
// admission.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, fn)
}

// lockFor appends FOR UPDATE on dialects with row locks. SQLite has a
// single writer and rejects the clause, so plain SELECT is enough there.
func (d *DB) lockFor(q *bun.SelectQuery) *bun.SelectQuery {
	if d.Bun.Dialect().Name() == dialect.PG {
		return q.For("UPDATE")
	}
	return q
}

// ---------------- CAPACITY LEDGER ----------------

// LockEvent acquires an exclusive row lock on the event and returns its
// current counters. Lock acquisition order across the engine is fixed:
// event, then modality, then batch.
func (d *DB) LockEvent(ctx context.Context, idb bun.IDB, eventID string) (*models.Event, error) {
	var ev models.Event
	q := idb.NewSelect().Model(&ev).Where("event_id = ?", eventID)
	if err := d.lockFor(q).Scan(ctx); err != nil {
		return nil, err
	}
	return &ev, nil
}

// LockModality acquires an exclusive row lock on the modality.
func (d *DB) LockModality(ctx context.Context, idb bun.IDB, modalityID string) (*models.Modality, error) {
	var mod models.Modality
	q := idb.NewSelect().Model(&mod).Where("modality_id = ?", modalityID)
	if err := d.lockFor(q).Scan(ctx); err != nil {
		return nil, err
	}
	return &mod, nil
}

// LockBatch acquires an exclusive row lock on a specific batch. Locking an
// inactive batch succeeds; selling against it is the caller's check.
func (d *DB) LockBatch(ctx context.Context, idb bun.IDB, batchID string) (*models.Batch, error) {
	var b models.Batch
	q := idb.NewSelect().Model(&b).Where("batch_id = ?", batchID)
	if err := d.lockFor(q).Scan(ctx); err != nil {
		return nil, err
	}
	return &b, nil
}

// LockActiveBatch resolves and locks the batch currently selling for the
// (event, modality) scope. A modality-scoped batch wins over an event-wide
// one. Returns sql.ErrNoRows when nothing is active.
func (d *DB) LockActiveBatch(ctx context.Context, idb bun.IDB, eventID, modalityID string) (*models.Batch, error) {
	var b models.Batch
	q := idb.NewSelect().Model(&b).
		Where("event_id = ?", eventID).
		Where("status = ?", models.BatchStatusActive).
		Where("modality_id = ? OR modality_id IS NULL", modalityID).
		OrderExpr("(modality_id IS NULL) ASC, order_index ASC").
		Limit(1)
	if err := d.lockFor(q).Scan(ctx); err != nil {
		return nil, err
	}
	return &b, nil
}

// HasUpcomingBatch reports whether a future batch is scheduled for the
// scope, regardless of its start time. It distinguishes "retry later"
// from "sold out for good".
func (d *DB) HasUpcomingBatch(ctx context.Context, idb bun.IDB, eventID, modalityID string) (bool, error) {
	return idb.NewSelect().Model((*models.Batch)(nil)).
		Where("event_id = ?", eventID).
		Where("status = ?", models.BatchStatusFuture).
		Where("modality_id = ? OR modality_id IS NULL", modalityID).
		Exists(ctx)
}

// NextSellableBatch finds the next future batch in the exact scope of an
// exhausted batch: same modality scope, higher ordering index, start time
// already reached.
func (d *DB) NextSellableBatch(ctx context.Context, idb bun.IDB, exhausted *models.Batch, now time.Time) (*models.Batch, error) {
	var b models.Batch
	q := idb.NewSelect().Model(&b).
		Where("event_id = ?", exhausted.EventID).
		Where("status = ?", models.BatchStatusFuture).
		Where("order_index > ?", exhausted.OrderIndex).
		Where("starts_at <= ?", now)
	if exhausted.ModalityID == nil {
		q = q.Where("modality_id IS NULL")
	} else {
		q = q.Where("modality_id = ?", *exhausted.ModalityID)
	}
	q = q.Order("order_index ASC").Limit(1)
	if err := d.lockFor(q).Scan(ctx); err != nil {
		return nil, err
	}
	return &b, nil
}

func (d *DB) adjustCounter(ctx context.Context, idb bun.IDB, model interface{}, column, keyColumn, id string, delta int) error {
	res, err := idb.NewUpdate().Model(model).
		Set(fmt.Sprintf("%s = %s + ?", column, column), delta).
		Where(fmt.Sprintf("%s = ?", keyColumn), id).
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

// IncrementEventOccupied adds one seat to the event counter. Must run in
// the same transaction that inserted the owning registration.
func (d *DB) IncrementEventOccupied(ctx context.Context, idb bun.IDB, eventID string) error {
	return d.adjustCounter(ctx, idb, (*models.Event)(nil), "occupied", "event_id", eventID, 1)
}

func (d *DB) DecrementEventOccupied(ctx context.Context, idb bun.IDB, eventID string) error {
	return d.adjustCounter(ctx, idb, (*models.Event)(nil), "occupied", "event_id", eventID, -1)
}

func (d *DB) IncrementModalityOccupied(ctx context.Context, idb bun.IDB, modalityID string) error {
	return d.adjustCounter(ctx, idb, (*models.Modality)(nil), "occupied", "modality_id", modalityID, 1)
}

func (d *DB) DecrementModalityOccupied(ctx context.Context, idb bun.IDB, modalityID string) error {
	return d.adjustCounter(ctx, idb, (*models.Modality)(nil), "occupied", "modality_id", modalityID, -1)
}

func (d *DB) IncrementBatchUsed(ctx context.Context, idb bun.IDB, batchID string) error {
	return d.adjustCounter(ctx, idb, (*models.Batch)(nil), "used_quantity", "batch_id", batchID, 1)
}

func (d *DB) DecrementBatchUsed(ctx context.Context, idb bun.IDB, batchID string) error {
	return d.adjustCounter(ctx, idb, (*models.Batch)(nil), "used_quantity", "batch_id", batchID, -1)
}

// ---------------- DUPLICATE GUARD ----------------

// CountActiveRegistrations counts non-cancelled registrations for the
// (event, athlete) pair. Called inside the admission transaction; the
// partial unique index on registrations is the last-resort guard for
// races this check cannot see.
func (d *DB) CountActiveRegistrations(ctx context.Context, idb bun.IDB, eventID, athleteID string) (int, error) {
	return idb.NewSelect().Model((*models.Registration)(nil)).
		Where("event_id = ?", eventID).
		Where("athlete_id = ?", athleteID).
		Where("status != ?", models.RegistrationStatusCancelled).
		Count(ctx)
}

// ---------------- PRICING ----------------

// ResolvePrice looks up the configured amount for a (modality, batch)
// pair. Pure read; price rows are immutable once an event is selling.
func (d *DB) ResolvePrice(ctx context.Context, idb bun.IDB, modalityID, batchID string) (float64, error) {
	var amount float64
	err := idb.NewSelect().Model((*models.BatchPrice)(nil)).
		Column("amount").
		Where("modality_id = ?", modalityID).
		Where("batch_id = ?", batchID).
		Scan(ctx, &amount)
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// ---------------- ORDERS & REGISTRATIONS ----------------

func (d *DB) InsertOrder(ctx context.Context, idb bun.IDB, order *models.Order) error {
	_, err := idb.NewInsert().Model(order).Exec(ctx)
	return err
}

func (d *DB) InsertRegistration(ctx context.Context, idb bun.IDB, reg *models.Registration) error {
	_, err := idb.NewInsert().Model(reg).Exec(ctx)
	return err
}

func (d *DB) GetRegistrationByID(ctx context.Context, id string) (*models.Registration, error) {
	var reg models.Registration
	err := d.Bun.NewSelect().Model(&reg).
		Where("registration_id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// LockRegistration locks a registration row for a status transition.
// Cancellation takes this lock first and the event/modality/batch locks
// after; admissions never lock registration rows, so the two orders
// cannot deadlock against each other.
func (d *DB) LockRegistration(ctx context.Context, idb bun.IDB, id string) (*models.Registration, error) {
	var reg models.Registration
	q := idb.NewSelect().Model(&reg).Where("registration_id = ?", id)
	if err := d.lockFor(q).Scan(ctx); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (d *DB) UpdateRegistrationStatus(ctx context.Context, idb bun.IDB, id, status string) error {
	_, err := idb.NewUpdate().Model((*models.Registration)(nil)).
		Set("status = ?", status).
		Where("registration_id = ?", id).
		Exec(ctx)
	return err
}

func (d *DB) UpdateOrderStatus(ctx context.Context, idb bun.IDB, id, status string) error {
	_, err := idb.NewUpdate().Model((*models.Order)(nil)).
		Set("status = ?", status).
		Where("order_id = ?", id).
		Exec(ctx)
	return err
}
