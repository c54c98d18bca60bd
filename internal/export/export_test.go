package export

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medirx/rxcore/internal/domain/identity"
	"github.com/medirx/rxcore/internal/domain/prescription"
	"github.com/medirx/rxcore/internal/fhir/r5"
)

func ptr[T any](v T) *T { return &v }

func samplePrescription() *prescription.Prescription {
	created := time.Date(2024, 3, 7, 9, 30, 0, 0, time.UTC)
	birth := time.Date(1990, 5, 12, 0, 0, 0, 0, time.UTC)
	doctor := identity.DoctorListing{
		Doctor: identity.Doctor{ID: uuid.New(), UserID: uuid.New(), Specialty: ptr("Cardiología")},
	}
	doctor.User = identity.UserSummary{ID: doctor.UserID, Name: "Dra. Núñez", Email: "nunez@example.com"}
	patient := identity.PatientListing{
		Patient: identity.Patient{ID: uuid.New(), UserID: uuid.New(), BirthDate: &birth},
	}
	patient.User = identity.UserSummary{ID: patient.UserID, Name: "José Pérez", Email: "jose@example.com"}

	return &prescription.Prescription{
		ID:        uuid.New(),
		Code:      "RX-20240307-000042",
		Status:    prescription.StatusPending,
		Notes:     ptr("Tomar con agua <abundante>"),
		AuthorID:  doctor.ID,
		PatientID: patient.ID,
		CreatedAt: created,
		Author:    doctor,
		Patient:   patient,
		Items: []prescription.Item{
			{ID: uuid.New(), Name: "Amoxicilina", Dosage: ptr("500mg"), Quantity: ptr(21), Instructions: ptr("Cada 8 horas")},
			{ID: uuid.New(), Name: "Ibuprofeno"},
		},
	}
}

func TestPDF(t *testing.T) {
	rx := samplePrescription()

	out, err := PDF(rx)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	assert.True(t, bytes.Contains(out, []byte("%%EOF")))
	assert.Equal(t, "prescription-RX-20240307-000042.pdf", Filename(rx))

	again, err := PDF(rx)
	require.NoError(t, err)
	assert.Equal(t, out, again, "rendering is deterministic for a fixed prescription")
}

func TestPDF_WithoutOptionalFields(t *testing.T) {
	rx := samplePrescription()
	rx.Notes = nil
	rx.Items = []prescription.Item{{Name: "Paracetamol"}}

	out, err := PDF(rx)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestPrescriptionEmail(t *testing.T) {
	rx := samplePrescription()

	mail, err := PrescriptionEmail(rx)
	require.NoError(t, err)

	assert.Equal(t, "jose@example.com", mail.To)
	assert.Equal(t, "Nueva Prescripción Médica - RX-20240307-000042", mail.Subject)
	assert.Contains(t, mail.HTML, "Estimado/a <strong>José Pérez</strong>")
	assert.Contains(t, mail.HTML, "Dra. Núñez</strong> - Cardiología")
	assert.Contains(t, mail.HTML, "RX-20240307-000042")
	assert.Contains(t, mail.HTML, "07/03/2024")
	assert.Contains(t, mail.HTML, "Amoxicilina")
	assert.Contains(t, mail.HTML, "Dosis: 500mg")
	assert.Contains(t, mail.HTML, "Cantidad: 21")
	assert.Contains(t, mail.HTML, "Cada 8 horas")
	assert.Contains(t, mail.HTML, "Notas Médicas")
	assert.Contains(t, mail.HTML, "&lt;abundante&gt;", "notes are escaped")
	assert.NotContains(t, mail.HTML, "<abundante>")
}

func TestPrescriptionEmail_OmitsEmptySections(t *testing.T) {
	rx := samplePrescription()
	rx.Notes = nil
	rx.Author.Specialty = nil
	rx.Items = nil

	mail, err := PrescriptionEmail(rx)
	require.NoError(t, err)
	assert.NotContains(t, mail.HTML, "Notas Médicas")
	assert.NotContains(t, mail.HTML, "Medicamentos Prescritos")
	assert.Contains(t, mail.HTML, "Dra. Núñez</strong>.")
}

func TestFHIRBundle(t *testing.T) {
	rx := samplePrescription()

	bundle := FHIRBundle(rx)
	require.Len(t, bundle.Entry, 4)
	assert.Equal(t, "collection", bundle.Type)
	assert.Equal(t, rx.Code, bundle.Identifier.Value)

	patient, ok := bundle.Entry[0].Resource.(*r5.Patient)
	require.True(t, ok)
	require.Len(t, patient.Name, 1)
	assert.Equal(t, "official", patient.Name[0].Use)
	assert.Equal(t, "José Pérez", patient.Name[0].Text)
	assert.Equal(t, "1990-05-12", patient.BirthDate)

	practitioner, ok := bundle.Entry[1].Resource.(*r5.Practitioner)
	require.True(t, ok)
	require.Len(t, practitioner.Name, 1)
	assert.Equal(t, "Dra. Núñez", practitioner.Name[0].Text)
	require.Len(t, practitioner.Qualification, 1)
	assert.Equal(t, "Cardiología", practitioner.Qualification[0].Code.Text)

	first, ok := bundle.Entry[2].Resource.(*r5.MedicationRequest)
	require.True(t, ok)
	assert.Equal(t, r5.StatusActive, first.Status)
	assert.Equal(t, r5.IntentOrder, first.Intent)
	assert.Equal(t, rx.Code, first.GroupIdentifier.Value)
	assert.Equal(t, rx.Code+"/1", first.Identifier[0].Value)
	require.NotNil(t, first.Medication.Concept)
	assert.Equal(t, "Amoxicilina", first.Medication.Concept.Text)
	assert.Equal(t, "Patient/"+rx.PatientID.String(), first.Subject.Reference)
	assert.Equal(t, "500mg; Cada 8 horas", first.RenderedDosageInstruction)
	require.NotNil(t, first.DispenseRequest)
	assert.Equal(t, 21.0, first.DispenseRequest.Quantity.Value)
	require.Len(t, first.Note, 1)

	second := bundle.Entry[3].Resource.(*r5.MedicationRequest)
	assert.Equal(t, rx.Code+"/2", second.Identifier[0].Value)
	assert.Empty(t, second.RenderedDosageInstruction)
	assert.Empty(t, second.DosageInstruction)
	assert.Nil(t, second.DispenseRequest)
	assert.Equal(t, rx.Code, second.GroupIdentifier.Value)
}

func TestFHIRBundle_ItemIdentifiersPastNine(t *testing.T) {
	rx := samplePrescription()
	rx.Items = nil
	for range 12 {
		rx.Items = append(rx.Items, prescription.Item{Name: "Paracetamol"})
	}

	bundle := FHIRBundle(rx)
	require.Len(t, bundle.Entry, 14)
	last := bundle.Entry[13].Resource.(*r5.MedicationRequest)
	assert.Equal(t, rx.Code+"/12", last.Identifier[0].Value)
	assert.NotEqual(t, bundle.Entry[12].FullURL, bundle.Entry[13].FullURL)
}

func TestFHIRBundle_ConsumedIsCompleted(t *testing.T) {
	rx := samplePrescription()
	consumed := rx.CreatedAt.Add(2 * time.Hour)
	rx.Status = prescription.StatusConsumed
	rx.ConsumedAt = &consumed

	bundle := FHIRBundle(rx)
	mr := bundle.Entry[2].Resource.(*r5.MedicationRequest)
	assert.Equal(t, r5.StatusCompleted, mr.Status)
	assert.True(t, mr.Meta.LastUpdated.Equal(consumed))

	raw, err := json.Marshal(bundle)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"resourceType":"Bundle"`)
	assert.Contains(t, string(raw), `"status":"completed"`)
}
