package export

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/medirx/rxcore/internal/domain/prescription"
)

var emailTemplate = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html lang="es">
<head><meta charset="utf-8"><title>Confirmación de Prescripción Médica - {{.Code}}</title></head>
<body style="background-color:#f5f5f5;font-family:Arial,sans-serif;padding:40px 0">
<div style="background-color:#ffffff;margin:0 auto;max-width:600px;border-radius:24px;padding:32px">
  <h1 style="color:#0c4a6e">Prescripción Médica Confirmada</h1>
  <p>Estimado/a <strong>{{.PatientName}}</strong>,</p>
  <p>Su prescripción médica ha sido procesada exitosamente por <strong>{{.DoctorName}}</strong>{{with .Specialty}} - {{.}}{{end}}.</p>
  <div style="background-color:#f0f9ff;border-radius:16px;padding:24px">
    <p style="font-weight:bold">Código de Prescripción</p>
    <p style="font-size:22px;font-family:monospace">{{.Code}}</p>
    <p style="font-weight:bold">Fecha de Emisión</p>
    <p>{{.Date}}</p>
    {{- if .Items}}
    <p style="font-weight:bold">Medicamentos Prescritos</p>
    {{- range .Items}}
    <div style="border-left:4px solid #38bdf8;padding:8px 12px;margin-bottom:8px">
      <p style="font-weight:bold;margin:0">{{.Name}}</p>
      {{- with .Dosage}}<p style="margin:0">Dosis: {{.}}</p>{{end}}
      {{- with .Quantity}}<p style="margin:0">Cantidad: {{.}}</p>{{end}}
      {{- with .Instructions}}<p style="margin:0;font-style:italic">{{.}}</p>{{end}}
    </div>
    {{- end}}
    {{- end}}
    {{- with .Notes}}
    <p style="font-weight:bold">Notas Médicas</p>
    <p>{{.}}</p>
    {{- end}}
  </div>
  <p><strong>Importante:</strong> Conserve este código para futuras consultas, seguimiento de su tratamiento y para adquirir los medicamentos en farmacia.</p>
  <p>• Siga las instrucciones de dosificación indicadas<br>• No suspenda el tratamiento sin consultar a su médico<br>• Si presenta efectos adversos, contacte inmediatamente a su médico tratante</p>
  <p style="color:#64748b;font-size:12px">Este es un correo automático, por favor no respondas a este mensaje.</p>
</div>
</body>
</html>
`))

type emailItem struct {
	Name         string
	Dosage       string
	Quantity     string
	Instructions string
}

type emailData struct {
	Code        string
	PatientName string
	DoctorName  string
	Specialty   string
	Date        string
	Items       []emailItem
	Notes       string
}

// Email is a rendered notification.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// PrescriptionEmail renders the confirmation sent to the patient when rx is
// created.
func PrescriptionEmail(rx *prescription.Prescription) (Email, error) {
	data := emailData{
		Code:        rx.Code,
		PatientName: rx.Patient.User.Name,
		DoctorName:  rx.Author.User.Name,
		Date:        rx.CreatedAt.Format(dateLayout),
	}
	if rx.Author.Specialty != nil {
		data.Specialty = *rx.Author.Specialty
	}
	if rx.Notes != nil {
		data.Notes = *rx.Notes
	}
	for _, item := range rx.Items {
		ei := emailItem{Name: item.Name}
		if item.Dosage != nil {
			ei.Dosage = *item.Dosage
		}
		if item.Quantity != nil {
			ei.Quantity = quantity(item.Quantity)
		}
		if item.Instructions != nil {
			ei.Instructions = *item.Instructions
		}
		data.Items = append(data.Items, ei)
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return Email{}, fmt.Errorf("render email: %w", err)
	}
	return Email{
		To:      rx.Patient.User.Email,
		Subject: "Nueva Prescripción Médica - " + rx.Code,
		HTML:    buf.String(),
	}, nil
}
