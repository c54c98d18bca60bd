package export

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medirx/rxcore/internal/domain/prescription"
	"github.com/medirx/rxcore/internal/fhir/r5"
)

// FHIRBundle maps rx to a collection bundle holding the patient, the
// practitioner and one MedicationRequest per item.
func FHIRBundle(rx *prescription.Prescription) *r5.Bundle {
	patientID := rx.PatientID.String()
	practitionerID := rx.AuthorID.String()

	patient := &r5.Patient{
		ResourceType: "Patient",
		ID:           patientID,
		Identifier:   []r5.Identifier{{System: r5.SystemUserID, Value: rx.Patient.User.ID.String()}},
		Active:       true,
		Name:         []r5.HumanName{{Use: "official", Text: rx.Patient.User.Name}},
		Telecom:      []r5.ContactPoint{{System: "email", Value: rx.Patient.User.Email}},
	}
	if rx.Patient.BirthDate != nil {
		patient.BirthDate = rx.Patient.BirthDate.Format(time.DateOnly)
	}

	practitioner := &r5.Practitioner{
		ResourceType: "Practitioner",
		ID:           practitionerID,
		Identifier:   []r5.Identifier{{System: r5.SystemUserID, Value: rx.Author.User.ID.String()}},
		Active:       true,
		Name:         []r5.HumanName{{Use: "official", Text: rx.Author.User.Name}},
		Telecom:      []r5.ContactPoint{{System: "email", Value: rx.Author.User.Email}},
	}
	if rx.Author.Specialty != nil && *rx.Author.Specialty != "" {
		practitioner.Qualification = []r5.PractitionerQualification{{Code: r5.CodeableConcept{Text: *rx.Author.Specialty}}}
	}

	bundle := r5.NewCollection(rx.ID.String())
	bundle.Identifier = &r5.Identifier{System: r5.SystemPrescriptionCode, Value: rx.Code}
	bundle.Add(patientID, patient)
	bundle.Add(practitionerID, practitioner)

	for i, item := range rx.Items {
		id := item.ID
		if id == uuid.Nil {
			id = uuid.NewSHA1(rx.ID, []byte{byte(i)})
		}
		bundle.Add(id.String(), medicationRequest(rx, item, i, id.String()))
	}
	return bundle
}

func medicationRequest(rx *prescription.Prescription, item prescription.Item, i int, id string) *r5.MedicationRequest {
	mr := r5.NewMedicationRequest(id)
	mr.Meta = &r5.Meta{LastUpdated: lastUpdated(rx)}
	mr.Identifier = []r5.Identifier{{Use: "official", System: r5.SystemPrescriptionCode, Value: rx.Code + "/" + strconv.Itoa(i+1)}}
	mr.GroupIdentifier = &r5.Identifier{System: r5.SystemPrescriptionCode, Value: rx.Code}
	mr.Status = r5.StatusActive
	if rx.Status == prescription.StatusConsumed {
		mr.Status = r5.StatusCompleted
	}
	mr.Medication = r5.CodeableReference{Concept: &r5.CodeableConcept{Text: item.Name}}
	mr.Subject = r5.Reference{Reference: "Patient/" + rx.PatientID.String(), Type: "Patient", Display: rx.Patient.User.Name}
	mr.Requester = &r5.Reference{Reference: "Practitioner/" + rx.AuthorID.String(), Type: "Practitioner", Display: rx.Author.User.Name}
	mr.AuthoredOn = rx.CreatedAt.UTC()

	var sig []string
	dosage := r5.Dosage{Sequence: 1}
	if item.Dosage != nil && *item.Dosage != "" {
		dosage.Text = *item.Dosage
		sig = append(sig, *item.Dosage)
	}
	if item.Instructions != nil && *item.Instructions != "" {
		dosage.PatientInstruction = *item.Instructions
		sig = append(sig, *item.Instructions)
	}
	if len(sig) > 0 {
		mr.DosageInstruction = []r5.Dosage{dosage}
		mr.RenderedDosageInstruction = strings.Join(sig, "; ")
	}
	if item.Quantity != nil {
		mr.DispenseRequest = &r5.DispenseRequest{Quantity: &r5.Quantity{
			Value:  float64(*item.Quantity),
			Unit:   "unit",
			System: r5.SystemUCUM,
			Code:   "{unit}",
		}}
	}
	if rx.Notes != nil && *rx.Notes != "" {
		created := rx.CreatedAt.UTC()
		mr.Note = []r5.Annotation{{AuthorReference: mr.Requester, Time: &created, Text: *rx.Notes}}
	}
	return mr
}

func lastUpdated(rx *prescription.Prescription) *time.Time {
	t := rx.CreatedAt.UTC()
	if rx.ConsumedAt != nil {
		t = rx.ConsumedAt.UTC()
	}
	return &t
}
