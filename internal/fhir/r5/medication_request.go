package r5

import (
	"time"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
// One is emitted per prescription item; items of the same prescription share
// a GroupIdentifier.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier      []Identifier `json:"identifier,omitempty"`
	GroupIdentifier *Identifier  `json:"groupIdentifier,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	AuthoredOn time.Time         `json:"authoredOn"`
	Requester  *Reference        `json:"requester,omitempty"`

	Note []Annotation `json:"note,omitempty"`

	RenderedDosageInstruction string           `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	Quantity *Quantity `json:"quantity,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int    `json:"sequence,omitempty"`
	Text               string `json:"text,omitempty"`
	PatientInstruction string `json:"patientInstruction,omitempty"`
}

// NewMedicationRequest returns a request with the resource type set.
func NewMedicationRequest(id string) *MedicationRequest {
	return &MedicationRequest{ResourceType: "MedicationRequest", ID: id, Intent: IntentOrder}
}
