package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCancelled = "cancelled"
	OrderStatusExpired   = "expired"
)

const (
	RegistrationStatusPending   = "pending"
	RegistrationStatusConfirmed = "confirmed"
	RegistrationStatusCancelled = "cancelled"
)

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	OrderID   string    `bun:"order_id,pk" json:"order_id"`
	BuyerID   string    `bun:"buyer_id,notnull" json:"buyer_id"`
	Total     float64   `bun:"total,notnull" json:"total"`
	Discount  float64   `bun:"discount,notnull" json:"discount"`
	Status    string    `bun:"status,notnull" json:"status"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// Registration ties an athlete to an event/modality/batch. At most one
// non-cancelled registration may exist per (event, athlete); the partial
// unique index on registrations backs that invariant at the storage layer.
type Registration struct {
	bun.BaseModel `bun:"table:registrations"`

	RegistrationID string    `bun:"registration_id,pk" json:"registration_id"`
	OrderID        string    `bun:"order_id,notnull" json:"order_id"`
	EventID        string    `bun:"event_id,notnull" json:"event_id"`
	ModalityID     string    `bun:"modality_id,notnull" json:"modality_id"`
	BatchID        string    `bun:"batch_id,notnull" json:"batch_id"`
	AthleteID      string    `bun:"athlete_id,notnull" json:"athlete_id"`
	UnitPrice      float64   `bun:"unit_price,notnull" json:"unit_price"`
	ConvenienceFee float64   `bun:"convenience_fee,notnull" json:"convenience_fee"`
	ShirtSize      string    `bun:"shirt_size,nullzero" json:"shirt_size,omitempty"`
	TeamName       string    `bun:"team_name,nullzero" json:"team_name,omitempty"`
	Status         string    `bun:"status,notnull" json:"status"`
	CreatedAt      time.Time `bun:"created_at,notnull" json:"created_at"`
}

// AdmissionRequest is the payload for POST /api/v1/registrations. An empty
// BatchID means "the batch currently active for the scope". ShirtSize,
// TeamName and Discount are validated upstream before they reach the engine.
type AdmissionRequest struct {
	EventID    string  `json:"event_id"`
	ModalityID string  `json:"modality_id"`
	BatchID    string  `json:"batch_id,omitempty"`
	AthleteID  string  `json:"athlete_id"`
	ShirtSize  string  `json:"shirt_size,omitempty"`
	TeamName   string  `json:"team_name,omitempty"`
	Discount   float64 `json:"discount,omitempty"`
}

type AdmissionResponse struct {
	RegistrationID string  `json:"registration_id"`
	OrderID        string  `json:"order_id"`
	BatchID        string  `json:"batch_id"`
	UnitPrice      float64 `json:"unit_price"`
	ConvenienceFee float64 `json:"convenience_fee"`
	Total          float64 `json:"total"`
	Status         string  `json:"status"`
}

// CurrentBatchResponse is the read-surface view of the active batch for a
// scope, including the price the next admission would resolve to.
type CurrentBatchResponse struct {
	Batch  *Batch  `json:"batch"`
	Amount float64 `json:"amount"`
}
