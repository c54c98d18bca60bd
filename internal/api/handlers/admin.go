package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/api/middleware"
	"github.com/medirx/rxcore/internal/domain/identity"
	"github.com/medirx/rxcore/internal/domain/prescription"
)

// AdminHandler serves the admin-only endpoints.
type AdminHandler struct {
	prescriptions Prescriptions
	users         Identity
	logger        *zap.Logger
}

// NewAdminHandler creates a new handler
func NewAdminHandler(prescriptions Prescriptions, users Identity, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{prescriptions: prescriptions, users: users, logger: logger}
}

// Routes returns the /admin routes. Callers must already be authenticated.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireRole(identity.RoleAdmin))
	r.Get("/prescriptions", h.ListPrescriptions)
	r.Get("/metrics", h.Metrics)
	r.Post("/users", h.CreateUser)
	r.Get("/users", h.ListUsers)
	r.Get("/users/{id}", h.GetUser)
	r.Delete("/users/{id}", h.DeleteUser)
	return r
}

// ListPrescriptions handles GET /admin/prescriptions
func (h *AdminHandler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	var (
		f   prescription.AdminFilter
		err error
	)
	if f.DoctorID, err = uuidQuery(r, "doctorId"); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if f.PatientID, err = uuidQuery(r, "patientId"); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if f.Range, err = rangeParams(r, "from", "to"); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if f.Page, err = pageParams(r); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	f.Status = prescription.Status(r.URL.Query().Get("status"))

	page, err := h.prescriptions.ListForAdmin(r.Context(), f)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Admin prescriptions retrieved successfully", page)
}

// Metrics handles GET /admin/metrics
func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	rng, err := rangeParams(r, "from", "to")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	m, err := h.prescriptions.Metrics(r.Context(), rng)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Metrics retrieved successfully", m)
}

// CreateUser handles POST /admin/users. Unlike self sign-up it can create
// admins.
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	u, err := h.users.CreateUser(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, "User created successfully", u)
}

// ListUsers handles GET /admin/users
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := pageParams(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	f := identity.UserFilter{
		Role:  identity.Role(strings.ToLower(q.Get("role"))),
		Query: strings.TrimSpace(q.Get("query")),
	}
	users, err := h.users.ListUsers(r.Context(), f, page)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Users retrieved successfully", users)
}

// GetUser handles GET /admin/users/{id}
func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	u, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "User retrieved successfully", u)
}

// DeleteUser handles DELETE /admin/users/{id}
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.users.DeleteUser(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "User deleted successfully", nil)
}
