package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Event is the top level of the capacity hierarchy. Occupied is only ever
// written inside an admission or cancellation transaction.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	EventID   string    `bun:"event_id,pk" json:"event_id"`
	Name      string    `bun:"name,notnull" json:"name"`
	Capacity  int       `bun:"capacity,notnull" json:"capacity"`
	Occupied  int       `bun:"occupied,notnull" json:"occupied"`
	StartDate time.Time `bun:"start_date,notnull" json:"start_date"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// Modality is a competition category within an event (e.g. 5K, 10K, 21K).
// A nil Capacity means the modality is bounded only by its parent event.
type Modality struct {
	bun.BaseModel `bun:"table:modalities"`

	ModalityID string    `bun:"modality_id,pk" json:"modality_id"`
	EventID    string    `bun:"event_id,notnull" json:"event_id"`
	Name       string    `bun:"name,notnull" json:"name"`
	Capacity   *int      `bun:"capacity" json:"capacity,omitempty"`
	Occupied   int       `bun:"occupied,notnull" json:"occupied"`
	CreatedAt  time.Time `bun:"created_at,notnull" json:"created_at"`

	Event *Event `bun:"rel:belongs-to,join:event_id=event_id" json:"-"`
}
