package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/api/middleware"
	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/identity"
	"github.com/medirx/rxcore/internal/domain/prescription"
	"github.com/medirx/rxcore/internal/export"
)

// Prescriptions is the prescription.Service surface used over HTTP.
type Prescriptions interface {
	Create(ctx context.Context, in prescription.CreateInput, p identity.Principal) (*prescription.Prescription, error)
	List(ctx context.Context, f prescription.ListFilter, p identity.Principal) (domain.Page[prescription.Prescription], error)
	ListMine(ctx context.Context, f prescription.ListFilter, p identity.Principal) (domain.Page[prescription.Prescription], error)
	ListForAdmin(ctx context.Context, f prescription.AdminFilter) (domain.Page[prescription.Prescription], error)
	FindOne(ctx context.Context, id uuid.UUID, p identity.Principal) (*prescription.Prescription, error)
	Snapshot(ctx context.Context, id uuid.UUID, p identity.Principal) (*prescription.Prescription, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Consume(ctx context.Context, id uuid.UUID, p identity.Principal) (*prescription.Prescription, error)
	Metrics(ctx context.Context, r prescription.DateRange) (*prescription.MetricsSnapshot, error)
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc    Prescriptions
	logger *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(svc Prescriptions, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{svc: svc, logger: logger}
}

// Routes returns the /prescriptions routes. Callers must already be
// authenticated.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(middleware.RequireRole(identity.RoleDoctor)).Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.With(middleware.RequireRole(identity.RoleDoctor, identity.RoleAdmin)).Delete("/{id}", h.Delete)
	r.With(middleware.RequireRole(identity.RolePatient)).Put("/{id}/consume", h.Consume)
	r.With(middleware.RequireRole(identity.RolePatient)).Get("/{id}/pdf", h.PDF)
	r.With(middleware.RequireRole(identity.RoleDoctor, identity.RoleAdmin)).Get("/{id}/fhir", h.FHIR)
	return r
}

// MeRoutes returns the /me routes.
func (h *PrescriptionHandler) MeRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(middleware.RequireRole(identity.RolePatient)).Get("/prescriptions", h.ListMine)
	return r
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var in prescription.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	rx, err := h.svc.Create(r.Context(), in, p)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("prescription.id", rx.ID.String()),
		attribute.String("prescription.code", rx.Code),
	)
	h.logger.Info("prescription created",
		zap.String("id", rx.ID.String()),
		zap.String("code", rx.Code),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
	)
	writeJSON(w, http.StatusCreated, "Prescription created successfully", rx)
}

// List handles GET /prescriptions
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	f, err := listFilter(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	page, err := h.svc.List(r.Context(), f, p)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Prescriptions retrieved successfully", page)
}

// ListMine handles GET /me/prescriptions
func (h *PrescriptionHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	f, err := listFilter(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	page, err := h.svc.ListMine(r.Context(), f, p)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "My prescriptions retrieved successfully", page)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rx, ok := h.find(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, "Prescription retrieved successfully", rx)
}

// Delete handles DELETE /prescriptions/{id}
func (h *PrescriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.svc.SoftDelete(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Prescription deleted successfully", nil)
}

// Consume handles PUT /prescriptions/{id}/consume
func (h *PrescriptionHandler) Consume(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rx, err := h.svc.Consume(r.Context(), id, p)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Prescription consumed successfully", rx)
}

// PDF handles GET /prescriptions/{id}/pdf
func (h *PrescriptionHandler) PDF(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rx, err := h.svc.Snapshot(r.Context(), id, p)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	doc, err := export.PDF(rx)
	if err != nil {
		writeError(w, r, h.logger, fmt.Errorf("render pdf %s: %w", rx.Code, err))
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(rx)))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// FHIR handles GET /prescriptions/{id}/fhir. Errors are OperationOutcomes.
func (h *PrescriptionHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeOutcome(w, r, h.logger, err)
		return
	}
	rx, err := h.svc.FindOne(r.Context(), id, p)
	if err != nil {
		writeOutcome(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", fhirContentType)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(export.FHIRBundle(rx))
}

func (h *PrescriptionHandler) find(w http.ResponseWriter, r *http.Request) (*prescription.Prescription, bool) {
	p, ok := principal(w, r)
	if !ok {
		return nil, false
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return nil, false
	}
	rx, err := h.svc.FindOne(r.Context(), id, p)
	if err != nil {
		writeError(w, r, h.logger, err)
		return nil, false
	}
	return rx, true
}
