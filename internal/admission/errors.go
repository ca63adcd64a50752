package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Admission failure taxonomy. Handlers map these onto HTTP statuses; the
// engine never retries any of them on its own.
var (
	ErrNotFound           = errors.New("not found")
	ErrEventFull          = errors.New("event is at full capacity")
	ErrModalityFull       = errors.New("modality is at full capacity")
	ErrBatchFull          = errors.New("batch has no quantity left")
	ErrBatchNotSellable   = errors.New("batch is not accepting registrations")
	ErrSoldOutNoNextBatch = errors.New("sold out: no further batch scheduled")
	ErrAlreadyRegistered  = errors.New("athlete already registered for this event")
	ErrAlreadyCancelled   = errors.New("registration is already cancelled")
	ErrPriceNotConfigured = errors.New("no price configured for modality and batch")
	ErrTimeout            = errors.New("admission timed out waiting for capacity locks")
	ErrStorage            = errors.New("storage failure")
)

var domainErrors = []error{
	ErrNotFound, ErrEventFull, ErrModalityFull, ErrBatchFull,
	ErrBatchNotSellable, ErrSoldOutNoNextBatch, ErrAlreadyRegistered,
	ErrAlreadyCancelled, ErrPriceNotConfigured, ErrTimeout,
}

// IsDomainError reports whether err is one of the typed admission failures
// (as opposed to an infrastructure fault wrapped in ErrStorage).
func IsDomainError(err error) bool {
	for _, domain := range domainErrors {
		if errors.Is(err, domain) {
			return true
		}
	}
	return false
}

// translateStorageError maps low-level storage failures onto the taxonomy.
// Typed admission errors pass through untouched. The unique-violation case
// is the last-resort duplicate guard: two admissions that both pass the
// in-transaction check collide on the partial unique index instead.
func translateStorageError(err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if isUniqueViolation(err) {
		return ErrAlreadyRegistered
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	// pgdriver and sqlite spell the violation differently.
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
