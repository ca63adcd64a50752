package admission_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-registration/internal/admission"
	admissiondb "ms-registration/internal/admission/db"
	"ms-registration/internal/models"
)

// Mock implementations
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishRegistrationCreated(reg models.Registration) error {
	args := m.Called(reg)
	return args.Error(0)
}

func (m *MockPublisher) PublishRegistrationCancelled(reg models.Registration) error {
	args := m.Called(reg)
	return args.Error(0)
}

func (m *MockPublisher) PublishBatchExhausted(batch models.Batch) error {
	args := m.Called(batch)
	return args.Error(0)
}

func (m *MockPublisher) PublishBatchActivated(batch models.Batch) error {
	args := m.Called(batch)
	return args.Error(0)
}

func setupService(t *testing.T, publisher admission.Publisher) (*admission.AdmissionService, *bun.DB) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	// A single connection keeps the in-memory database alive and
	// serializes transactions the way Postgres row locks would.
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())

	tables := []interface{}{
		(*models.Event)(nil), (*models.Modality)(nil), (*models.Batch)(nil),
		(*models.BatchPrice)(nil), (*models.Order)(nil), (*models.Registration)(nil),
	}
	for _, m := range tables {
		if _, err := bunDB.NewCreateTable().Model(m).Exec(context.Background()); err != nil {
			t.Fatalf("Failed to create table for %T: %v", m, err)
		}
	}
	_, err = bunDB.ExecContext(context.Background(),
		`CREATE UNIQUE INDEX uq_registrations_event_athlete
		 ON registrations (event_id, athlete_id) WHERE status != 'cancelled'`)
	if err != nil {
		t.Fatalf("Failed to create unique index: %v", err)
	}

	dbLayer := &admissiondb.DB{Bun: bunDB}
	lifecycle := admission.NewBatchLifecycleManager(dbLayer, publisher, nil, nil)
	fees := admission.NewFeeCalculator(10, 5)
	service := admission.NewAdmissionService(dbLayer, lifecycle, publisher, nil, fees, nil)
	return service, bunDB
}

type fixture struct {
	eventCapacity    int
	modalityCapacity *int
	batchMax         *int
	price            float64
	noPrice          bool
}

// seedFixture creates event1/mod5k with a single active batch lote1 and a
// configured price.
func seedFixture(t *testing.T, bunDB *bun.DB, f fixture) {
	ctx := context.Background()
	now := time.Now()

	ev := models.Event{EventID: "event1", Name: "Test Run", Capacity: f.eventCapacity, StartDate: now.AddDate(0, 1, 0), CreatedAt: now}
	_, err := bunDB.NewInsert().Model(&ev).Exec(ctx)
	assert.NoError(t, err)

	mod := models.Modality{ModalityID: "mod5k", EventID: "event1", Name: "5K", Capacity: f.modalityCapacity, CreatedAt: now}
	_, err = bunDB.NewInsert().Model(&mod).Exec(ctx)
	assert.NoError(t, err)

	batch := models.Batch{
		BatchID: "lote1", EventID: "event1", Name: "1º Lote", OrderIndex: 1,
		MaxQuantity: f.batchMax, StartsAt: now.Add(-time.Hour), Status: models.BatchStatusActive, CreatedAt: now,
	}
	_, err = bunDB.NewInsert().Model(&batch).Exec(ctx)
	assert.NoError(t, err)

	if !f.noPrice {
		price := models.BatchPrice{ModalityID: "mod5k", BatchID: "lote1", Amount: f.price}
		_, err = bunDB.NewInsert().Model(&price).Exec(ctx)
		assert.NoError(t, err)
	}
}

func admitReq(athlete string) models.AdmissionRequest {
	return models.AdmissionRequest{EventID: "event1", ModalityID: "mod5k", AthleteID: athlete}
}

func TestAdmitRegistration(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 100})

	resp, err := service.AdmitRegistration(context.Background(), admitReq("ath1"))
	assert.NoError(t, err)
	assert.Equal(t, "lote1", resp.BatchID)
	assert.Equal(t, 100.0, resp.UnitPrice)
	assert.Equal(t, 10.0, resp.ConvenienceFee) // 10% of 100
	assert.Equal(t, 110.0, resp.Total)
	assert.Equal(t, models.RegistrationStatusPending, resp.Status)

	ctx := context.Background()
	var ev models.Event
	assert.NoError(t, bunDB.NewSelect().Model(&ev).Where("event_id = ?", "event1").Scan(ctx))
	assert.Equal(t, 1, ev.Occupied)

	var mod models.Modality
	assert.NoError(t, bunDB.NewSelect().Model(&mod).Where("modality_id = ?", "mod5k").Scan(ctx))
	assert.Equal(t, 1, mod.Occupied)

	var batch models.Batch
	assert.NoError(t, bunDB.NewSelect().Model(&batch).Where("batch_id = ?", "lote1").Scan(ctx))
	assert.Equal(t, 1, batch.UsedQuantity)

	var order models.Order
	assert.NoError(t, bunDB.NewSelect().Model(&order).Where("order_id = ?", resp.OrderID).Scan(ctx))
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, 110.0, order.Total)
}

func TestAdmitRegistrationValidation(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()

	_, err := service.AdmitRegistration(context.Background(), models.AdmissionRequest{EventID: "event1"})
	assert.ErrorIs(t, err, admission.ErrInvalidRequest)

	req := admitReq("ath1")
	req.Discount = -5
	_, err = service.AdmitRegistration(context.Background(), req)
	assert.ErrorIs(t, err, admission.ErrInvalidRequest)
}

func TestAdmitFreeRegistrationConfirmedImmediately(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 0})

	resp, err := service.AdmitRegistration(context.Background(), admitReq("ath1"))
	assert.NoError(t, err)
	assert.Equal(t, 0.0, resp.Total)
	assert.Equal(t, models.RegistrationStatusConfirmed, resp.Status)

	var order models.Order
	assert.NoError(t, bunDB.NewSelect().Model(&order).Where("order_id = ?", resp.OrderID).Scan(context.Background()))
	assert.Equal(t, models.OrderStatusPaid, order.Status)
}

func TestAdmitRegistrationWithDiscount(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 50})

	// 50 + 5 fee (minimum) - 10 discount
	req := admitReq("ath1")
	req.Discount = 10
	resp, err := service.AdmitRegistration(context.Background(), req)
	assert.NoError(t, err)
	assert.Equal(t, 5.0, resp.ConvenienceFee)
	assert.Equal(t, 45.0, resp.Total)
	assert.Equal(t, models.RegistrationStatusPending, resp.Status)

	// A discount covering the whole order settles it on the spot.
	req2 := admitReq("ath2")
	req2.Discount = 100
	resp2, err := service.AdmitRegistration(context.Background(), req2)
	assert.NoError(t, err)
	assert.Equal(t, 0.0, resp2.Total)
	assert.Equal(t, models.RegistrationStatusConfirmed, resp2.Status)
}

func TestAdmitEventFull(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 1, price: 100})

	_, err := service.AdmitRegistration(context.Background(), admitReq("ath1"))
	assert.NoError(t, err)

	_, err = service.AdmitRegistration(context.Background(), admitReq("ath2"))
	assert.ErrorIs(t, err, admission.ErrEventFull)
}

func TestAdmitModalityFull(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	modCap := 1
	seedFixture(t, bunDB, fixture{eventCapacity: 100, modalityCapacity: &modCap, price: 100})

	_, err := service.AdmitRegistration(context.Background(), admitReq("ath1"))
	assert.NoError(t, err)

	_, err = service.AdmitRegistration(context.Background(), admitReq("ath2"))
	assert.ErrorIs(t, err, admission.ErrModalityFull)
}

func TestAdmitUnknownEventAndModality(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 100})

	req := admitReq("ath1")
	req.EventID = "ghost"
	_, err := service.AdmitRegistration(context.Background(), req)
	assert.ErrorIs(t, err, admission.ErrNotFound)

	req = admitReq("ath1")
	req.ModalityID = "ghost"
	_, err = service.AdmitRegistration(context.Background(), req)
	assert.ErrorIs(t, err, admission.ErrNotFound)
}

func TestAdmitExplicitBatch(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 100})

	ctx := context.Background()
	now := time.Now()
	max0 := 0
	extra := []models.Batch{
		{BatchID: "future1", EventID: "event1", Name: "2º Lote", OrderIndex: 2, StartsAt: now.Add(-time.Hour), Status: models.BatchStatusFuture, CreatedAt: now},
		{BatchID: "dried", EventID: "event1", Name: "Lote Esgotado", OrderIndex: 3, MaxQuantity: &max0, StartsAt: now.Add(-time.Hour), Status: models.BatchStatusActive, CreatedAt: now},
	}
	_, err := bunDB.NewInsert().Model(&extra).Exec(ctx)
	assert.NoError(t, err)

	// Addressed batch is honored even when another one is active.
	req := admitReq("ath1")
	req.BatchID = "lote1"
	resp, err := service.AdmitRegistration(ctx, req)
	assert.NoError(t, err)
	assert.Equal(t, "lote1", resp.BatchID)

	req = admitReq("ath2")
	req.BatchID = "future1"
	_, err = service.AdmitRegistration(ctx, req)
	assert.ErrorIs(t, err, admission.ErrBatchNotSellable)

	req = admitReq("ath2")
	req.BatchID = "dried"
	_, err = service.AdmitRegistration(ctx, req)
	assert.ErrorIs(t, err, admission.ErrBatchFull)

	req = admitReq("ath2")
	req.BatchID = "ghost"
	_, err = service.AdmitRegistration(ctx, req)
	assert.ErrorIs(t, err, admission.ErrNotFound)
}

func TestAdmitPriceNotConfigured(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, noPrice: true})

	_, err := service.AdmitRegistration(context.Background(), admitReq("ath1"))
	assert.ErrorIs(t, err, admission.ErrPriceNotConfigured)

	// A failed admission leaves no residue behind.
	ctx := context.Background()
	var ev models.Event
	assert.NoError(t, bunDB.NewSelect().Model(&ev).Where("event_id = ?", "event1").Scan(ctx))
	assert.Equal(t, 0, ev.Occupied)

	count, err := bunDB.NewSelect().Model((*models.Registration)(nil)).Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = bunDB.NewSelect().Model((*models.Order)(nil)).Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAdmitDuplicateAthlete(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 100})

	_, err := service.AdmitRegistration(context.Background(), admitReq("ath1"))
	assert.NoError(t, err)

	_, err = service.AdmitRegistration(context.Background(), admitReq("ath1"))
	assert.ErrorIs(t, err, admission.ErrAlreadyRegistered)

	// Only the first admission counted.
	var ev models.Event
	assert.NoError(t, bunDB.NewSelect().Model(&ev).Where("event_id = ?", "event1").Scan(context.Background()))
	assert.Equal(t, 1, ev.Occupied)
}

func TestAdmitSoldOutVersusWindowGap(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()

	ctx := context.Background()
	now := time.Now()
	ev := models.Event{EventID: "event1", Name: "Test Run", Capacity: 100, StartDate: now.AddDate(0, 1, 0), CreatedAt: now}
	_, err := bunDB.NewInsert().Model(&ev).Exec(ctx)
	assert.NoError(t, err)
	mod := models.Modality{ModalityID: "mod5k", EventID: "event1", Name: "5K", CreatedAt: now}
	_, err = bunDB.NewInsert().Model(&mod).Exec(ctx)
	assert.NoError(t, err)

	// No batch at all: sold out for good.
	_, err = service.AdmitRegistration(ctx, admitReq("ath1"))
	assert.ErrorIs(t, err, admission.ErrSoldOutNoNextBatch)

	// A future batch exists but has not opened yet: retry later.
	batch := models.Batch{BatchID: "lote2", EventID: "event1", Name: "2º Lote", OrderIndex: 2, StartsAt: now.Add(24 * time.Hour), Status: models.BatchStatusFuture, CreatedAt: now}
	_, err = bunDB.NewInsert().Model(&batch).Exec(ctx)
	assert.NoError(t, err)

	_, err = service.AdmitRegistration(ctx, admitReq("ath1"))
	assert.ErrorIs(t, err, admission.ErrBatchNotSellable)
}

func TestBatchRolloverOnExhaustion(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("PublishRegistrationCreated", mock.Anything).Return(nil)
	publisher.On("PublishBatchExhausted", mock.Anything).Return(nil)
	publisher.On("PublishBatchActivated", mock.Anything).Return(nil)

	service, bunDB := setupService(t, publisher)
	defer bunDB.Close()
	max2 := 2
	seedFixture(t, bunDB, fixture{eventCapacity: 100, batchMax: &max2, price: 100})

	ctx := context.Background()
	now := time.Now()
	next := models.Batch{BatchID: "lote2", EventID: "event1", Name: "2º Lote", OrderIndex: 2, StartsAt: now.Add(-time.Hour), Status: models.BatchStatusFuture, CreatedAt: now}
	_, err := bunDB.NewInsert().Model(&next).Exec(ctx)
	assert.NoError(t, err)
	price2 := models.BatchPrice{ModalityID: "mod5k", BatchID: "lote2", Amount: 120}
	_, err = bunDB.NewInsert().Model(&price2).Exec(ctx)
	assert.NoError(t, err)

	// Fill the first batch; the second admission consumes its last unit.
	_, err = service.AdmitRegistration(ctx, admitReq("ath1"))
	assert.NoError(t, err)
	resp2, err := service.AdmitRegistration(ctx, admitReq("ath2"))
	assert.NoError(t, err)
	assert.Equal(t, "lote1", resp2.BatchID)

	var lote1, lote2 models.Batch
	assert.NoError(t, bunDB.NewSelect().Model(&lote1).Where("batch_id = ?", "lote1").Scan(ctx))
	assert.NoError(t, bunDB.NewSelect().Model(&lote2).Where("batch_id = ?", "lote2").Scan(ctx))
	assert.Equal(t, models.BatchStatusExhausted, lote1.Status)
	assert.Equal(t, models.BatchStatusActive, lote2.Status)

	// The next admission sells on the successor at its own price.
	resp3, err := service.AdmitRegistration(ctx, admitReq("ath3"))
	assert.NoError(t, err)
	assert.Equal(t, "lote2", resp3.BatchID)
	assert.Equal(t, 120.0, resp3.UnitPrice)

	publisher.AssertNumberOfCalls(t, "PublishRegistrationCreated", 3)
	publisher.AssertNumberOfCalls(t, "PublishBatchExhausted", 1)
	publisher.AssertNumberOfCalls(t, "PublishBatchActivated", 1)
}

func TestBatchExhaustionWithoutSuccessor(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	max1 := 1
	seedFixture(t, bunDB, fixture{eventCapacity: 100, batchMax: &max1, price: 100})

	ctx := context.Background()
	_, err := service.AdmitRegistration(ctx, admitReq("ath1"))
	assert.NoError(t, err)

	var lote1 models.Batch
	assert.NoError(t, bunDB.NewSelect().Model(&lote1).Where("batch_id = ?", "lote1").Scan(ctx))
	assert.Equal(t, models.BatchStatusExhausted, lote1.Status)

	_, err = service.AdmitRegistration(ctx, admitReq("ath2"))
	assert.ErrorIs(t, err, admission.ErrSoldOutNoNextBatch)
}

func TestConcurrentAdmissionsRespectCapacity(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 10, price: 100})

	const attempts = 50
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := admitReq(fmt.Sprintf("ath%03d", i))
			_, errs[i] = service.AdmitRegistration(context.Background(), req)
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else {
			assert.ErrorIs(t, err, admission.ErrEventFull)
		}
	}
	assert.Equal(t, 10, admitted)

	// The ledger matches the surviving rows exactly.
	ctx := context.Background()
	var ev models.Event
	assert.NoError(t, bunDB.NewSelect().Model(&ev).Where("event_id = ?", "event1").Scan(ctx))
	assert.Equal(t, 10, ev.Occupied)

	count, err := bunDB.NewSelect().Model((*models.Registration)(nil)).Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestConcurrentSameAthleteAdmitsOnce(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 100})

	const attempts = 5
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = service.AdmitRegistration(context.Background(), admitReq("ath1"))
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else {
			assert.ErrorIs(t, err, admission.ErrAlreadyRegistered)
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestCancelRegistration(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("PublishRegistrationCreated", mock.Anything).Return(nil)
	publisher.On("PublishRegistrationCancelled", mock.Anything).Return(nil)

	service, bunDB := setupService(t, publisher)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 100})

	ctx := context.Background()
	resp, err := service.AdmitRegistration(ctx, admitReq("ath1"))
	assert.NoError(t, err)

	cancelled, err := service.CancelRegistration(ctx, resp.RegistrationID)
	assert.NoError(t, err)
	assert.Equal(t, models.RegistrationStatusCancelled, cancelled.Status)

	var ev models.Event
	assert.NoError(t, bunDB.NewSelect().Model(&ev).Where("event_id = ?", "event1").Scan(ctx))
	assert.Equal(t, 0, ev.Occupied)

	var batch models.Batch
	assert.NoError(t, bunDB.NewSelect().Model(&batch).Where("batch_id = ?", "lote1").Scan(ctx))
	assert.Equal(t, 0, batch.UsedQuantity)

	var order models.Order
	assert.NoError(t, bunDB.NewSelect().Model(&order).Where("order_id = ?", resp.OrderID).Scan(ctx))
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	// Idempotency: cancelling twice is a typed failure, not a double refund.
	_, err = service.CancelRegistration(ctx, resp.RegistrationID)
	assert.ErrorIs(t, err, admission.ErrAlreadyCancelled)

	_, err = service.CancelRegistration(ctx, "ghost")
	assert.ErrorIs(t, err, admission.ErrNotFound)

	// The seat is free again for the same athlete.
	_, err = service.AdmitRegistration(ctx, admitReq("ath1"))
	assert.NoError(t, err)

	publisher.AssertNumberOfCalls(t, "PublishRegistrationCancelled", 1)
}

func TestAdmitTimeout(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 100})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := service.AdmitRegistration(ctx, admitReq("ath1"))
	assert.ErrorIs(t, err, admission.ErrTimeout)
}

func TestGetRegistration(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 100})

	ctx := context.Background()
	resp, err := service.AdmitRegistration(ctx, admitReq("ath1"))
	assert.NoError(t, err)

	reg, err := service.GetRegistration(ctx, resp.RegistrationID)
	assert.NoError(t, err)
	assert.Equal(t, "ath1", reg.AthleteID)
	assert.Equal(t, "lote1", reg.BatchID)

	_, err = service.GetRegistration(ctx, "ghost")
	assert.ErrorIs(t, err, admission.ErrNotFound)
}

func TestCurrentBatch(t *testing.T) {
	service, bunDB := setupService(t, nil)
	defer bunDB.Close()
	seedFixture(t, bunDB, fixture{eventCapacity: 100, price: 100})

	ctx := context.Background()
	resp, err := service.CurrentBatch(ctx, "event1", "mod5k")
	assert.NoError(t, err)
	assert.Equal(t, "lote1", resp.Batch.BatchID)
	assert.Equal(t, 100.0, resp.Amount)

	_, err = service.CurrentBatch(ctx, "", "mod5k")
	assert.ErrorIs(t, err, admission.ErrInvalidRequest)

	// No price configured for another modality on the same batch.
	_, err = service.CurrentBatch(ctx, "event1", "mod10k")
	assert.ErrorIs(t, err, admission.ErrPriceNotConfigured)
}
