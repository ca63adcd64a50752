package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Batch ("lote") statuses. Exactly one batch per (event, modality scope)
// should be active at a time.
const (
	BatchStatusFuture    = "future"
	BatchStatusActive    = "active"
	BatchStatusExhausted = "exhausted"
	BatchStatusClosed    = "closed"
)

// Batch is a time- and quantity-bounded selling tier. A nil ModalityID
// scopes the batch to the whole event; a nil MaxQuantity means the batch
// is bounded only by the levels above it.
type Batch struct {
	bun.BaseModel `bun:"table:batches"`

	BatchID      string     `bun:"batch_id,pk" json:"batch_id"`
	EventID      string     `bun:"event_id,notnull" json:"event_id"`
	ModalityID   *string    `bun:"modality_id" json:"modality_id,omitempty"`
	Name         string     `bun:"name,notnull" json:"name"`
	OrderIndex   int        `bun:"order_index,notnull" json:"order_index"`
	MaxQuantity  *int       `bun:"max_quantity" json:"max_quantity,omitempty"`
	UsedQuantity int        `bun:"used_quantity,notnull" json:"used_quantity"`
	StartsAt     time.Time  `bun:"starts_at,notnull" json:"starts_at"`
	EndsAt       *time.Time `bun:"ends_at" json:"ends_at,omitempty"`
	Status       string     `bun:"status,notnull" json:"status"`
	CreatedAt    time.Time  `bun:"created_at,notnull" json:"created_at"`
}

// Exhausted reports whether the batch has no quantity left to sell.
func (b *Batch) Exhausted() bool {
	return b.MaxQuantity != nil && b.UsedQuantity >= *b.MaxQuantity
}

// BatchPrice maps a (modality, batch) pair to the amount charged. Every
// sellable pair must have exactly one row; a missing row is a
// configuration error, never a runtime race.
type BatchPrice struct {
	bun.BaseModel `bun:"table:batch_prices"`

	ModalityID string  `bun:"modality_id,pk" json:"modality_id"`
	BatchID    string  `bun:"batch_id,pk" json:"batch_id"`
	Amount     float64 `bun:"amount,notnull" json:"amount"`
}
