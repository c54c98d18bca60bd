package prescription

import (
	"github.com/google/uuid"

	"github.com/medirx/rxcore/internal/domain/identity"
)

// Scope restricts which prescriptions a query may see. A nil field means no
// restriction on that column. Tombstoned rows are always excluded by the store.
type Scope struct {
	AuthorID  *uuid.UUID
	PatientID *uuid.UUID
}

// ScopeFor is the single visibility rule. profileID is the caller's doctor or
// patient profile and is ignored for admins.
//
//	admin:   everything, mine ignored
//	doctor:  everything, or own authored prescriptions when mine
//	patient: own prescriptions, regardless of mine
//
// Any other role sees nothing.
func ScopeFor(p identity.Principal, profileID uuid.UUID, mine bool) Scope {
	switch p.Role {
	case identity.RoleAdmin:
		return Scope{}
	case identity.RoleDoctor:
		if mine {
			return Scope{AuthorID: &profileID}
		}
		return Scope{}
	case identity.RolePatient:
		return Scope{PatientID: &profileID}
	}
	none := uuid.Nil
	return Scope{PatientID: &none}
}

// needsProfile reports whether ScopeFor will read profileID.
func needsProfile(p identity.Principal, mine bool) bool {
	return p.Role == identity.RolePatient || (p.Role == identity.RoleDoctor && mine)
}
