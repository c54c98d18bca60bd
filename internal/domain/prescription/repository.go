package prescription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medirx/rxcore/internal/domain"
)

// Store errors. The service classifies these into the domain taxonomy.
var (
	// ErrDuplicateCode means a concurrent writer took the allocated code. The
	// whole unit of work may be retried in a fresh transaction.
	ErrDuplicateCode   = errors.New("prescription: duplicate code")
	ErrNoPrescription  = errors.New("prescription: no live record in scope")
	ErrPatientNotFound = errors.New("prescription: no live patient")
	ErrNotPending      = errors.New("prescription: not pending")
)

// ListQuery is a fully resolved list request. The store always adds the
// tombstone predicate.
type ListQuery struct {
	Scope  Scope
	Status Status
	Range  DateRange
	Order  Order
	Page   domain.PageRequest
}

// DayCount is the number of prescriptions created on one UTC day.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// DoctorCount ranks an author by prescriptions written.
type DoctorCount struct {
	DoctorID uuid.UUID `json:"doctorId"`
	Name     string    `json:"name"`
	Count    int       `json:"count"`
}

// Store persists prescriptions and their items.
type Store interface {
	// Create allocates the day's next code and writes the prescription, its
	// items and a created event in one transaction. It returns
	// ErrPatientNotFound or ErrDuplicateCode.
	Create(ctx context.Context, d Draft) (*Prescription, error)

	List(ctx context.Context, q ListQuery) ([]Prescription, int, error)

	// Get returns ErrNoPrescription when id is absent, tombstoned or outside scope.
	Get(ctx context.Context, id uuid.UUID, scope Scope) (*Prescription, error)

	// SoftDelete tombstones id and writes a deleted event. ErrNoPrescription if absent.
	SoftDelete(ctx context.Context, id uuid.UUID) error

	// Consume locks the row, checks ownership and state, then marks it consumed
	// at the given time and writes a consumed event, all in one transaction.
	// It returns ErrNoPrescription or ErrNotPending.
	Consume(ctx context.Context, id, patientID uuid.UUID, at time.Time) (*Prescription, error)

	CountDoctors(ctx context.Context) (int, error)
	CountPatients(ctx context.Context) (int, error)
	CountPrescriptions(ctx context.Context, r DateRange) (int, error)
	CountByStatus(ctx context.Context, r DateRange) (map[Status]int, error)
	CountByDay(ctx context.Context, r DateRange) ([]DayCount, error)
	TopDoctors(ctx context.Context, r DateRange, limit int) ([]DoctorCount, error)
}
