package prescription

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventCreated  EventType = "prescription.created"
	EventConsumed EventType = "prescription.consumed"
	EventDeleted  EventType = "prescription.deleted"
)

const (
	// AggregateType tags outbox rows written by this package.
	AggregateType = "prescription"
	// EventsTopic receives every prescription event, keyed by prescription id.
	EventsTopic = "rx.prescription.events"
)

// Event is the payload published for a prescription state change.
type Event struct {
	ID             uuid.UUID `json:"id"`
	Type           EventType `json:"type"`
	PrescriptionID uuid.UUID `json:"prescriptionId"`
	Code           string    `json:"code"`
	Status         Status    `json:"status"`
	AuthorID       uuid.UUID `json:"authorId"`
	PatientID      uuid.UUID `json:"patientId"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// NewEvent describes a change to p.
func NewEvent(t EventType, p *Prescription, at time.Time) Event {
	return Event{
		ID:             uuid.New(),
		Type:           t,
		PrescriptionID: p.ID,
		Code:           p.Code,
		Status:         p.Status,
		AuthorID:       p.AuthorID,
		PatientID:      p.PatientID,
		OccurredAt:     at.UTC(),
	}
}

// DecodeEvent parses a published event.
func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("decode prescription event: %w", err)
	}
	if e.ID == uuid.Nil || e.PrescriptionID == uuid.Nil || e.Type == "" {
		return Event{}, fmt.Errorf("decode prescription event: missing id, type or prescriptionId")
	}
	return e, nil
}
