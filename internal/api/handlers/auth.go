package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/api/middleware"
	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/identity"
)

// Identity is the user-facing part of identity.Service.
type Identity interface {
	middleware.PrincipalChecker

	Register(ctx context.Context, in identity.CreateUserInput) (*identity.User, error)
	CreateUser(ctx context.Context, in identity.CreateUserInput) (*identity.User, error)
	Authenticate(ctx context.Context, email, password string) (*identity.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, in identity.UpdateUserInput) (*identity.User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
	ListUsers(ctx context.Context, f identity.UserFilter, page domain.PageRequest) (domain.Page[identity.User], error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*identity.DoctorListing, error)
	ListDoctors(ctx context.Context, f identity.DoctorFilter, page domain.PageRequest) (domain.Page[identity.DoctorListing], error)
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.PatientListing, error)
	ListPatients(ctx context.Context, f identity.PatientFilter, page domain.PageRequest) (domain.Page[identity.PatientListing], error)
}

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(u *identity.User) (string, time.Time, error)
}

// AuthHandler handles registration and login.
type AuthHandler struct {
	users  Identity
	tokens TokenIssuer
	logger *zap.Logger
}

// NewAuthHandler creates a new handler
func NewAuthHandler(users Identity, tokens TokenIssuer, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{users: users, tokens: tokens, logger: logger}
}

// Routes returns the auth routes. Register and login are public; authn
// guards the profile.
func (h *AuthHandler) Routes(authn func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.With(authn).Get("/profile", h.Profile)
	return r
}

// RegisterRequest is the self sign-up body, where role is doctor or patient.
// POST /admin/users takes the same body and also accepts admin.
type RegisterRequest struct {
	Email     string        `json:"email"`
	Password  string        `json:"password"`
	Name      string        `json:"name"`
	Role      identity.Role `json:"role"`
	Specialty *string       `json:"specialty,omitempty"`
	BirthDate *string       `json:"birthDate,omitempty"`
}

func (req RegisterRequest) input() (identity.CreateUserInput, error) {
	in := identity.CreateUserInput{
		Email:     req.Email,
		Password:  req.Password,
		Name:      req.Name,
		Role:      identity.Role(strings.ToLower(string(req.Role))),
		Specialty: req.Specialty,
	}
	bd, err := birthDate(req.BirthDate)
	if err != nil {
		return in, err
	}
	in.BirthDate = bd
	return in, nil
}

func birthDate(raw *string) (*time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	bd, err := time.Parse(dateOnly, *raw)
	if err != nil {
		return nil, domain.Validationf("birthDate must be a date (YYYY-MM-DD)")
	}
	return &bd, nil
}

// LoginRequest is the credentials body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries an access token and the user it was issued to.
type TokenResponse struct {
	AccessToken string         `json:"accessToken"`
	TokenType   string         `json:"tokenType"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	User        *identity.User `json:"user"`
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
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

	u, err := h.users.Register(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp, err := h.issue(u)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, "User registered successfully", resp)
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, h.logger, domain.Validationf("email and password are required"))
		return
	}

	u, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp, err := h.issue(u)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "Successful login", resp)
}

// Profile handles GET /auth/profile
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	u, err := h.users.GetUser(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, "User data retrieved successfully", u)
}

func (h *AuthHandler) issue(u *identity.User) (*TokenResponse, error) {
	token, exp, err := h.tokens.Issue(u)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{AccessToken: token, TokenType: "Bearer", ExpiresAt: exp, User: u}, nil
}
