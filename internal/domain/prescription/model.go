// Package prescription implements the prescription lifecycle: creation with
// per-day sequential codes, role-scoped queries, the pending to consumed
// transition and the admin metrics.
package prescription

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/identity"
)

// Status represents prescription status
type Status string

const (
	StatusPending  Status = "pending"
	StatusConsumed Status = "consumed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusConsumed
}

// Item is one medication line.
type Item struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Dosage       *string   `json:"dosage"`
	Quantity     *int      `json:"quantity"`
	Instructions *string   `json:"instructions"`
}

// Prescription is the aggregate. ConsumedAt is set iff Status is consumed.
// Author and Patient are hydrated on every read.
type Prescription struct {
	ID         uuid.UUID  `json:"id"`
	Code       string     `json:"code"`
	Status     Status     `json:"status"`
	Notes      *string    `json:"notes"`
	AuthorID   uuid.UUID  `json:"authorId"`
	PatientID  uuid.UUID  `json:"patientId"`
	CreatedAt  time.Time  `json:"createdAt"`
	ConsumedAt *time.Time `json:"consumedAt"`

	Author  identity.DoctorListing  `json:"author"`
	Patient identity.PatientListing `json:"patient"`
	Items   []Item                  `json:"items"`
}

// ItemInput is an item as submitted by the author.
type ItemInput struct {
	Name         string  `json:"name"`
	Dosage       *string `json:"dosage,omitempty"`
	Quantity     *int    `json:"quantity,omitempty"`
	Instructions *string `json:"instructions,omitempty"`
}

// CreateInput is a new prescription.
type CreateInput struct {
	PatientID uuid.UUID   `json:"patientId"`
	Notes     *string     `json:"notes,omitempty"`
	Items     []ItemInput `json:"items"`
}

// Validate checks the input shape. It runs before any store call.
func (in CreateInput) Validate() error {
	if in.PatientID == uuid.Nil {
		return domain.Validationf("patientId is required")
	}
	if len(in.Items) == 0 {
		return domain.Validationf("items must contain at least one item")
	}
	for i, item := range in.Items {
		if strings.TrimSpace(item.Name) == "" {
			return domain.Validationf("items[%d].name is required", i)
		}
		if item.Quantity != nil && *item.Quantity < 1 {
			return domain.Validationf("items[%d].quantity must be at least 1", i)
		}
	}
	return nil
}

// Draft is a validated prescription ready for the store. Code is allocated by
// the store inside the insert transaction.
type Draft struct {
	ID        uuid.UUID
	AuthorID  uuid.UUID
	PatientID uuid.UUID
	Notes     *string
	Items     []ItemInput
	Day       time.Time
}

// DateRange bounds created_at. Both ends are inclusive and optional.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// Validate rejects inverted ranges.
func (r DateRange) Validate() error {
	if r.From != nil && r.To != nil && r.From.After(*r.To) {
		return domain.Validationf("from must not be after to")
	}
	return nil
}

// Order is the created_at sort direction.
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// ListFilter is what a caller may ask of List.
type ListFilter struct {
	Mine   bool
	Status Status
	Range  DateRange
	Order  Order
	Page   domain.PageRequest
}

// AdminFilter is the admin listing filter.
type AdminFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Status    Status
	Range     DateRange
	Page      domain.PageRequest
}

func validateFilter(status Status, order Order, r DateRange) error {
	if status != "" && !status.Valid() {
		return domain.Validationf("status must be one of pending, consumed")
	}
	if order != "" && order != OrderAsc && order != OrderDesc {
		return domain.Validationf("order must be one of asc, desc")
	}
	return r.Validate()
}
