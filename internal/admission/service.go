package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	admissiondb "ms-registration/internal/admission/db"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
)

// ErrInvalidRequest covers malformed admission input that the upstream
// validator should have rejected before it reached the engine.
var ErrInvalidRequest = errors.New("invalid admission request")

// Publisher streams post-commit lifecycle events. Publishing is
// best-effort: a failed publish never unwinds a committed admission.
type Publisher interface {
	PublishRegistrationCreated(reg models.Registration) error
	PublishRegistrationCancelled(reg models.Registration) error
	PublishBatchExhausted(batch models.Batch) error
	PublishBatchActivated(batch models.Batch) error
}

// BatchCache is an advisory hint of the active batch per scope. It is
// maintained after commits and read by lookups only; the admission
// transaction itself never consults it, capacity truth lives in the
// database rows.
type BatchCache interface {
	SetActiveBatch(ctx context.Context, eventID, modalityScope, batchID string) error
	ClearActiveBatch(ctx context.Context, eventID, modalityScope string) error
	GetActiveBatch(ctx context.Context, eventID, modalityID string) (string, error)
}

// AdmissionService is the only path through which a registration is
// created or cancelled. Each admission runs as one database transaction:
// lock event, lock modality, lock batch, duplicate check, price resolve,
// order + registration insert, counter increments, batch rollover.
type AdmissionService struct {
	DB        *admissiondb.DB
	Lifecycle *BatchLifecycleManager
	Kafka     Publisher
	Cache     BatchCache
	Fees      *FeeCalculator
	Logger    *logger.Logger

	// Timeout bounds lock waits; expired admissions roll back with
	// ErrTimeout and are safe to retry.
	Timeout time.Duration
}

func NewAdmissionService(db *admissiondb.DB, lifecycle *BatchLifecycleManager, kafka Publisher, cache BatchCache, fees *FeeCalculator, log *logger.Logger) *AdmissionService {
	return &AdmissionService{
		DB:        db,
		Lifecycle: lifecycle,
		Kafka:     kafka,
		Cache:     cache,
		Fees:      fees,
		Logger:    log,
	}
}

// AdmitRegistration decides, under concurrent load, whether a new
// registration may be created and at which price. Exactly one of N racing
// admissions for the last seat succeeds; the rest observe the typed error
// of whichever capacity level blocked them. On any failure nothing
// persists: no counter moves without its registration row.
func (s *AdmissionService) AdmitRegistration(ctx context.Context, req models.AdmissionRequest) (*models.AdmissionResponse, error) {
	if req.EventID == "" || req.ModalityID == "" || req.AthleteID == "" {
		return nil, fmt.Errorf("%w: event_id, modality_id and athlete_id are required", ErrInvalidRequest)
	}
	if req.Discount < 0 {
		return nil, fmt.Errorf("%w: discount cannot be negative", ErrInvalidRequest)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var (
		resp     models.AdmissionResponse
		created  models.Registration
		rollover rolloverResult
	)
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		ev, err := s.DB.LockEvent(ctx, tx, req.EventID)
		if err != nil {
			return err
		}
		if ev.Occupied >= ev.Capacity {
			return ErrEventFull
		}

		mod, err := s.DB.LockModality(ctx, tx, req.ModalityID)
		if err != nil {
			return err
		}
		if mod.EventID != req.EventID {
			return ErrNotFound
		}
		if mod.Capacity != nil && mod.Occupied >= *mod.Capacity {
			return ErrModalityFull
		}

		batch, err := s.resolveBatch(ctx, tx, req)
		if err != nil {
			return err
		}

		dup, err := s.DB.CountActiveRegistrations(ctx, tx, req.EventID, req.AthleteID)
		if err != nil {
			return err
		}
		if dup > 0 {
			return ErrAlreadyRegistered
		}

		amount, err := s.DB.ResolvePrice(ctx, tx, req.ModalityID, batch.BatchID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrPriceNotConfigured
			}
			return err
		}

		fee := s.Fees.ConvenienceFee(amount)
		total := amount + fee - req.Discount
		if total < 0 {
			total = 0
		}

		now := time.Now().UTC()
		order := models.Order{
			OrderID:   uuid.NewString(),
			BuyerID:   req.AthleteID,
			Total:     total,
			Discount:  req.Discount,
			Status:    models.OrderStatusPending,
			CreatedAt: now,
		}
		regStatus := models.RegistrationStatusPending
		if total == 0 {
			// Nothing to collect: the order is settled on the spot.
			order.Status = models.OrderStatusPaid
			regStatus = models.RegistrationStatusConfirmed
		}
		if err := s.DB.InsertOrder(ctx, tx, &order); err != nil {
			return err
		}

		reg := models.Registration{
			RegistrationID: uuid.NewString(),
			OrderID:        order.OrderID,
			EventID:        req.EventID,
			ModalityID:     req.ModalityID,
			BatchID:        batch.BatchID,
			AthleteID:      req.AthleteID,
			UnitPrice:      amount,
			ConvenienceFee: fee,
			ShirtSize:      req.ShirtSize,
			TeamName:       req.TeamName,
			Status:         regStatus,
			CreatedAt:      now,
		}
		if err := s.DB.InsertRegistration(ctx, tx, &reg); err != nil {
			return err
		}

		if err := s.DB.IncrementEventOccupied(ctx, tx, req.EventID); err != nil {
			return err
		}
		if err := s.DB.IncrementModalityOccupied(ctx, tx, req.ModalityID); err != nil {
			return err
		}
		if err := s.DB.IncrementBatchUsed(ctx, tx, batch.BatchID); err != nil {
			return err
		}
		batch.UsedQuantity++

		rollover, err = s.Lifecycle.RolloverIfExhausted(ctx, tx, batch)
		if err != nil {
			return err
		}

		created = reg
		resp = models.AdmissionResponse{
			RegistrationID: reg.RegistrationID,
			OrderID:        order.OrderID,
			BatchID:        batch.BatchID,
			UnitPrice:      amount,
			ConvenienceFee: fee,
			Total:          total,
			Status:         regStatus,
		}
		return nil
	})
	if err != nil {
		return nil, translateStorageError(err)
	}

	s.afterAdmission(created, rollover)
	return &resp, nil
}

// resolveBatch locks the batch the admission sells against. An explicit
// batch id is honored as addressed; an empty id resolves the currently
// active batch for the scope just in time, under the same locks.
func (s *AdmissionService) resolveBatch(ctx context.Context, tx bun.Tx, req models.AdmissionRequest) (*models.Batch, error) {
	if req.BatchID != "" {
		batch, err := s.DB.LockBatch(ctx, tx, req.BatchID)
		if err != nil {
			return nil, err
		}
		if batch.EventID != req.EventID {
			return nil, ErrNotFound
		}
		if batch.ModalityID != nil && *batch.ModalityID != req.ModalityID {
			return nil, ErrNotFound
		}
		if batch.Status != models.BatchStatusActive {
			return nil, ErrBatchNotSellable
		}
		if batch.Exhausted() {
			return nil, ErrBatchFull
		}
		return batch, nil
	}

	batch, err := s.DB.LockActiveBatch(ctx, tx, req.EventID, req.ModalityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			upcoming, uerr := s.DB.HasUpcomingBatch(ctx, tx, req.EventID, req.ModalityID)
			if uerr != nil {
				return nil, uerr
			}
			if upcoming {
				// Window gap between batches; caller retries.
				return nil, ErrBatchNotSellable
			}
			return nil, ErrSoldOutNoNextBatch
		}
		return nil, err
	}
	if batch.Exhausted() {
		return nil, ErrBatchFull
	}
	return batch, nil
}

// afterAdmission runs the post-commit effects: structured log, kafka
// events, advisory cache maintenance. All best-effort.
func (s *AdmissionService) afterAdmission(reg models.Registration, rollover rolloverResult) {
	if s.Logger != nil {
		s.Logger.LogAdmission("ADMITTED", reg.RegistrationID,
			fmt.Sprintf("athlete %s on batch %s (%s)", reg.AthleteID, reg.BatchID, reg.Status))
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishRegistrationCreated(reg); err != nil && s.Logger != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("publish registration created: %v", err))
		}
		if rollover.Exhausted != nil {
			if err := s.Kafka.PublishBatchExhausted(*rollover.Exhausted); err != nil && s.Logger != nil {
				s.Logger.Error("KAFKA", fmt.Sprintf("publish batch exhausted: %v", err))
			}
		}
		if rollover.Activated != nil {
			if err := s.Kafka.PublishBatchActivated(*rollover.Activated); err != nil && s.Logger != nil {
				s.Logger.Error("KAFKA", fmt.Sprintf("publish batch activated: %v", err))
			}
		}
	}
	if s.Cache != nil && rollover.Exhausted != nil {
		ctx := context.Background()
		scope := batchScope(rollover.Exhausted)
		var err error
		if rollover.Activated != nil {
			err = s.Cache.SetActiveBatch(ctx, rollover.Exhausted.EventID, scope, rollover.Activated.BatchID)
		} else {
			err = s.Cache.ClearActiveBatch(ctx, rollover.Exhausted.EventID, scope)
		}
		if err != nil && s.Logger != nil {
			s.Logger.Warn("REDIS", fmt.Sprintf("active batch cache update: %v", err))
		}
	}
}

// CancelRegistration reverses an admission: registration and order become
// cancelled and the three counters are decremented, in one transaction
// under the same event/modality/batch locks. An exhausted batch is not
// reactivated by a cancellation; reopening a tier is an administrative
// action.
func (s *AdmissionService) CancelRegistration(ctx context.Context, registrationID string) (*models.Registration, error) {
	if registrationID == "" {
		return nil, fmt.Errorf("%w: registration id is required", ErrInvalidRequest)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var cancelled models.Registration
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		reg, err := s.DB.LockRegistration(ctx, tx, registrationID)
		if err != nil {
			return err
		}
		if reg.Status == models.RegistrationStatusCancelled {
			return ErrAlreadyCancelled
		}
		if _, err := s.DB.LockEvent(ctx, tx, reg.EventID); err != nil {
			return err
		}
		if _, err := s.DB.LockModality(ctx, tx, reg.ModalityID); err != nil {
			return err
		}
		if _, err := s.DB.LockBatch(ctx, tx, reg.BatchID); err != nil {
			return err
		}
		if err := s.DB.UpdateRegistrationStatus(ctx, tx, reg.RegistrationID, models.RegistrationStatusCancelled); err != nil {
			return err
		}
		if err := s.DB.UpdateOrderStatus(ctx, tx, reg.OrderID, models.OrderStatusCancelled); err != nil {
			return err
		}
		if err := s.DB.DecrementEventOccupied(ctx, tx, reg.EventID); err != nil {
			return err
		}
		if err := s.DB.DecrementModalityOccupied(ctx, tx, reg.ModalityID); err != nil {
			return err
		}
		if err := s.DB.DecrementBatchUsed(ctx, tx, reg.BatchID); err != nil {
			return err
		}
		reg.Status = models.RegistrationStatusCancelled
		cancelled = *reg
		return nil
	})
	if err != nil {
		return nil, translateStorageError(err)
	}

	if s.Logger != nil {
		s.Logger.LogAdmission("CANCELLED", cancelled.RegistrationID,
			fmt.Sprintf("athlete %s released batch %s", cancelled.AthleteID, cancelled.BatchID))
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishRegistrationCancelled(cancelled); err != nil && s.Logger != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("publish registration cancelled: %v", err))
		}
	}
	return &cancelled, nil
}

// GetRegistration returns a registration by id.
func (s *AdmissionService) GetRegistration(ctx context.Context, registrationID string) (*models.Registration, error) {
	reg, err := s.DB.GetRegistrationByID(ctx, registrationID)
	if err != nil {
		return nil, translateStorageError(err)
	}
	return reg, nil
}

// CurrentBatch returns the batch an empty-batch-id admission would sell
// against right now, with its resolved price. The redis hint is tried
// first; the database stays authoritative.
func (s *AdmissionService) CurrentBatch(ctx context.Context, eventID, modalityID string) (*models.CurrentBatchResponse, error) {
	if eventID == "" || modalityID == "" {
		return nil, fmt.Errorf("%w: event_id and modality_id are required", ErrInvalidRequest)
	}

	if s.Cache != nil {
		if batchID, err := s.Cache.GetActiveBatch(ctx, eventID, modalityID); err == nil && batchID != "" {
			if b, err := s.DB.GetBatchByID(ctx, batchID); err == nil &&
				b.Status == models.BatchStatusActive && !b.Exhausted() {
				if amount, err := s.DB.ResolvePrice(ctx, s.DB.Bun, modalityID, b.BatchID); err == nil {
					return &models.CurrentBatchResponse{Batch: b, Amount: amount}, nil
				}
			}
		}
	}

	b, err := s.DB.ActiveBatchView(ctx, eventID, modalityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			upcoming, uerr := s.DB.HasUpcomingBatch(ctx, s.DB.Bun, eventID, modalityID)
			if uerr != nil {
				return nil, translateStorageError(uerr)
			}
			if upcoming {
				return nil, ErrBatchNotSellable
			}
			return nil, ErrSoldOutNoNextBatch
		}
		return nil, translateStorageError(err)
	}
	amount, err := s.DB.ResolvePrice(ctx, s.DB.Bun, modalityID, b.BatchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPriceNotConfigured
		}
		return nil, translateStorageError(err)
	}
	return &models.CurrentBatchResponse{Batch: b, Amount: amount}, nil
}

func batchScope(b *models.Batch) string {
	if b.ModalityID == nil {
		return ""
	}
	return *b.ModalityID
}
