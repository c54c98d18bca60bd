// Package export renders committed prescriptions for patients and external
// systems: a printable PDF, the notification email and a FHIR R5 bundle.
package export

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/go-pdf/fpdf"

	"github.com/medirx/rxcore/internal/domain/prescription"
)

const dateLayout = "02/01/2006"

// PDF renders rx as a single-document A4 PDF.
func PDF(rx *prescription.Prescription) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Prescripción "+rx.Code, true)
	pdf.SetAuthor(rx.Author.User.Name, true)
	pdf.SetCreationDate(rx.CreatedAt)
	pdf.SetModificationDate(rx.CreatedAt)
	pdf.SetCatalogSort(true)
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	// core fonts are cp1252
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(0, 12, tr("PRESCRIPCIÓN MÉDICA"), "", 1, "C", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "", 12)
	line := func(text string) {
		pdf.MultiCell(0, 6, tr(text), "", "L", false)
	}
	line("Código: " + rx.Code)
	line("Paciente: " + rx.Patient.User.Name)
	line("Doctor: " + rx.Author.User.Name)
	line("Fecha: " + rx.CreatedAt.Format(dateLayout))
	line("Estado: " + string(rx.Status))
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "BU", 14)
	pdf.CellFormat(0, 8, tr("Medicamentos:"), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 12)
	for i, item := range rx.Items {
		line(fmt.Sprintf("%d. %s", i+1, item.Name))
		line("   Dosis: " + orDash(item.Dosage))
		line("   Cantidad: " + quantity(item.Quantity))
		line("   Instrucciones: " + orDash(item.Instructions))
		pdf.Ln(3)
	}

	if rx.Notes != nil && *rx.Notes != "" {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "BU", 14)
		pdf.CellFormat(0, 8, tr("Notas:"), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 12)
		line(*rx.Notes)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename is the download name for rx's PDF.
func Filename(rx *prescription.Prescription) string {
	return "prescription-" + rx.Code + ".pdf"
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func quantity(q *int) string {
	if q == nil {
		return "-"
	}
	return strconv.Itoa(*q)
}
