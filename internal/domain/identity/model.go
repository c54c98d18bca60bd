// Package identity resolves authenticated principals to their doctor or
// patient profile and manages users and profiles.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// Role is the capacity a user acts in.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RolePatient:
		return true
	}
	return false
}

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID
	Role   Role
}

// User is an identity record. PasswordHash never leaves the package boundary
// in API responses.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Name         string     `json:"name"`
	Role         Role       `json:"role"`
	CreatedAt    time.Time  `json:"createdAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`

	Doctor  *Doctor  `json:"doctor,omitempty"`
	Patient *Patient `json:"patient,omitempty"`
}

// Doctor is the profile of a user with role doctor.
type Doctor struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"userId"`
	Specialty *string   `json:"specialty,omitempty"`
}

// Patient is the profile of a user with role patient.
type Patient struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"userId"`
	BirthDate *time.Time `json:"birthDate,omitempty"`
}

// UserSummary is the public part of a user embedded in other resources.
type UserSummary struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// DoctorListing is a doctor row in directory listings.
type DoctorListing struct {
	Doctor
	User UserSummary `json:"user"`
}

// PatientListing is a patient row in directory listings.
type PatientListing struct {
	Patient
	User UserSummary `json:"user"`
}
