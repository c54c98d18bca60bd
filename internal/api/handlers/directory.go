package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/domain/identity"
)

// DirectoryHandler lists doctors and patients for prescribing.
type DirectoryHandler struct {
	users  Identity
	logger *zap.Logger
}

// NewDirectoryHandler creates a new handler
func NewDirectoryHandler(users Identity, logger *zap.Logger) *DirectoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryHandler{users: users, logger: logger}
}

// Doctors handles GET /doctors
func (h *DirectoryHandler) Doctors(w http.ResponseWriter, r *http.Request) {
	page, err := pageParams(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	f := identity.DoctorFilter{
		Query:     strings.TrimSpace(q.Get("query")),
		Specialty: strings.TrimSpace(q.Get("specialty")),
	}

	doctors, err := h.users.ListDoctors(r.Context(), f, page)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Doctors retrieved successfully", doctors)
}

// Doctor handles GET /doctors/{id}
func (h *DirectoryHandler) Doctor(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	d, err := h.users.GetDoctor(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Doctor retrieved successfully", d)
}

// Patients handles GET /patients
func (h *DirectoryHandler) Patients(w http.ResponseWriter, r *http.Request) {
	page, err := pageParams(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	from, err := dateParam(r, "birthDateFrom", false)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	to, err := dateParam(r, "birthDateTo", true)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	f := identity.PatientFilter{
		Query:         strings.TrimSpace(r.URL.Query().Get("query")),
		BirthDateFrom: from,
		BirthDateTo:   to,
	}

	patients, err := h.users.ListPatients(r.Context(), f, page)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Patients retrieved successfully", patients)
}

// Patient handles GET /patients/{id}
func (h *DirectoryHandler) Patient(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p, err := h.users.GetPatient(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Patient retrieved successfully", p)
}
