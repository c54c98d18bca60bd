package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/identity"
)

// UsersHandler serves /users/{id} to the user itself and to admins.
type UsersHandler struct {
	users  Identity
	logger *zap.Logger
}

// NewUsersHandler creates a new handler
func NewUsersHandler(users Identity, logger *zap.Logger) *UsersHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsersHandler{users: users, logger: logger}
}

// Routes returns the /users routes. Callers must already be authenticated.
func (h *UsersHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	return r
}

// UpdateUserRequest is the PATCH /users/{id} body. Absent fields are left
// unchanged. Role cannot be changed.
type UpdateUserRequest struct {
	Email     *string `json:"email,omitempty"`
	Password  *string `json:"password,omitempty"`
	Name      *string `json:"name,omitempty"`
	Specialty *string `json:"specialty,omitempty"`
	BirthDate *string `json:"birthDate,omitempty"`
}

// Get handles GET /users/{id}
func (h *UsersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedID(w, r)
	if !ok {
		return
	}
	u, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "User retrieved successfully", u)
}

// Update handles PATCH /users/{id}
func (h *UsersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedID(w, r)
	if !ok {
		return
	}
	var req UpdateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bd, err := birthDate(req.BirthDate)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	u, err := h.users.UpdateUser(r.Context(), id, identity.UpdateUserInput{
		Email:     req.Email,
		Password:  req.Password,
		Name:      req.Name,
		Specialty: req.Specialty,
		BirthDate: bd,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "User updated successfully", u)
}

// ownedID parses {id} and lets through admins and the user it names.
func (h *UsersHandler) ownedID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	p, ok := principal(w, r)
	if !ok {
		return uuid.Nil, false
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return uuid.Nil, false
	}
	if p.Role != identity.RoleAdmin && p.UserID != id {
		writeError(w, r, h.logger, domain.Forbiddenf("Access denied: You can only access your own user"))
		return uuid.Nil, false
	}
	return id, true
}
