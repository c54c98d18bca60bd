package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medirx/rxcore/internal/domain"
)

// Store errors. Implementations return these so the service can classify
// without knowing the driver.
var (
	ErrNoProfile  = errors.New("identity: no live profile")
	ErrNoUser     = errors.New("identity: no live user")
	ErrEmailTaken = errors.New("identity: email already registered")
)

// UserFilter narrows ListUsers.
type UserFilter struct {
	Role  Role
	Query string
}

// DoctorFilter narrows ListDoctors.
type DoctorFilter struct {
	Query     string
	Specialty string
}

// PatientFilter narrows ListPatients.
type PatientFilter struct {
	Query         string
	BirthDateFrom *time.Time
	BirthDateTo   *time.Time
}

// UserChanges are the fields UpdateUser overwrites. Nil leaves a field as is.
type UserChanges struct {
	Email        *string
	PasswordHash *string
	Name         *string
	Specialty    *string
	BirthDate    *time.Time
}

// Store persists users and profiles. Every read ignores tombstoned rows.
type Store interface {
	// DoctorIDForUser returns ErrNoProfile when the user has no live doctor profile.
	DoctorIDForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
	// PatientIDForUser returns ErrNoProfile when the user has no live patient profile.
	PatientIDForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)

	// CreateUser writes the user and at most one profile in one transaction.
	// It returns ErrEmailTaken when a live user already owns the email.
	CreateUser(ctx context.Context, u *User) error

	// UpdateUser applies ch to a live user and upserts the profile matching
	// its role in one transaction. It returns ErrNoUser if the user is absent
	// and ErrEmailTaken if another live user owns the new email.
	UpdateUser(ctx context.Context, id uuid.UUID, ch UserChanges) (*User, error)

	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id uuid.UUID) (*User, error)
	// DoctorByID and PatientByID look profiles up by profile id and return
	// ErrNoProfile when it or its user is tombstoned.
	DoctorByID(ctx context.Context, id uuid.UUID) (*DoctorListing, error)
	PatientByID(ctx context.Context, id uuid.UUID) (*PatientListing, error)
	ListUsers(ctx context.Context, f UserFilter, page domain.PageRequest) ([]User, int, error)
	ListDoctors(ctx context.Context, f DoctorFilter, page domain.PageRequest) ([]DoctorListing, int, error)
	ListPatients(ctx context.Context, f PatientFilter, page domain.PageRequest) ([]PatientListing, int, error)

	// SoftDeleteUser tombstones the user and its profile. ErrNoUser if absent.
	SoftDeleteUser(ctx context.Context, id uuid.UUID) error
}
