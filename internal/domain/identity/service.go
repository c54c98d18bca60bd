package identity

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/medirx/rxcore/internal/domain"
)

const (
	minPasswordLen = 6
	minNameLen     = 2
)

// Service is the identity subsystem.
type Service struct {
	store    Store
	logger   *zap.Logger
	tracer   trace.Tracer
	hashCost int
}

// Option configures a Service.
type Option func(*Service)

// WithHashCost overrides the bcrypt cost.
func WithHashCost(cost int) Option {
	return func(s *Service) { s.hashCost = cost }
}

// NewService creates the identity service.
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		logger:   logger,
		tracer:   otel.Tracer("identity"),
		hashCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProfileFor resolves userID to the profile matching role. Admins have no
// profile, so asking for one fails like a missing profile.
func (s *Service) ProfileFor(ctx context.Context, userID uuid.UUID, role Role) (uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "identity.profile_for",
		trace.WithAttributes(attribute.String("role", string(role))))
	defer span.End()

	var (
		id  uuid.UUID
		err error
	)
	switch role {
	case RoleDoctor:
		id, err = s.store.DoctorIDForUser(ctx, userID)
	case RolePatient:
		id, err = s.store.PatientIDForUser(ctx, userID)
	default:
		return uuid.Nil, domain.ProfileNotFoundf("%s users have no profile", role)
	}
	if errors.Is(err, ErrNoProfile) {
		if role == RoleDoctor {
			return uuid.Nil, domain.ProfileNotFoundf("Doctor profile not found")
		}
		return uuid.Nil, domain.ProfileNotFoundf("Patient profile not found")
	}
	if err != nil {
		return uuid.Nil, s.internal("profile_for", err)
	}
	return id, nil
}

// CreateUserInput is a new user with its optional profile data.
type CreateUserInput struct {
	Email    string
	Password string
	Name     string
	Role     Role

	Specialty *string
	BirthDate *time.Time
}

func (in CreateUserInput) validate() error {
	if _, err := mail.ParseAddress(in.Email); err != nil || !strings.Contains(in.Email, "@") {
		return domain.Validationf("email must be a valid email address")
	}
	if len(in.Password) < minPasswordLen {
		return domain.Validationf("password must be at least %d characters", minPasswordLen)
	}
	if len(strings.TrimSpace(in.Name)) < minNameLen {
		return domain.Validationf("name must be at least %d characters", minNameLen)
	}
	if !in.Role.Valid() {
		return domain.Validationf("role must be one of admin, doctor, patient")
	}
	if in.Specialty != nil && in.Role != RoleDoctor {
		return domain.Validationf("specialty is only valid for doctors")
	}
	if in.BirthDate != nil && in.Role != RolePatient {
		return domain.Validationf("birthDate is only valid for patients")
	}
	return nil
}

// CreateUser registers a user and, for doctors and patients, its profile in
// the same transaction.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "identity.create_user")
	defer span.End()

	in.Email = strings.TrimSpace(in.Email)
	if err := in.validate(); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return nil, s.internal("hash_password", err)
	}

	u := &User{
		ID:           uuid.New(),
		Email:        in.Email,
		PasswordHash: string(hash),
		Name:         strings.TrimSpace(in.Name),
		Role:         in.Role,
	}
	switch in.Role {
	case RoleDoctor:
		u.Doctor = &Doctor{ID: uuid.New(), UserID: u.ID, Specialty: in.Specialty}
	case RolePatient:
		u.Patient = &Patient{ID: uuid.New(), UserID: u.ID, BirthDate: in.BirthDate}
	}

	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, domain.Conflictf("User with email %s already exists", in.Email)
		}
		return nil, s.internal("create_user", err)
	}

	s.logger.Info("user created",
		zap.String("user_id", u.ID.String()),
		zap.String("role", string(u.Role)))
	return u, nil
}

// Register is self sign-up. Only doctors and patients may register.
func (s *Service) Register(ctx context.Context, in CreateUserInput) (*User, error) {
	if in.Role != RoleDoctor && in.Role != RolePatient {
		return nil, domain.Validationf("only doctors and patients can register")
	}
	return s.CreateUser(ctx, in)
}

// Authenticate checks credentials. Unknown email and wrong password fail the
// same way.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "identity.authenticate")
	defer span.End()

	u, err := s.store.UserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, ErrNoUser) {
		return nil, domain.Unauthenticatedf("User credentials invalid")
	}
	if err != nil {
		return nil, s.internal("authenticate", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, domain.Unauthenticatedf("User credentials invalid")
	}
	return u, nil
}

// GetUser returns a live user with its profile.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.store.UserByID(ctx, id)
	if errors.Is(err, ErrNoUser) {
		return nil, domain.NotFoundf("User with id %s not found", id)
	}
	if err != nil {
		return nil, s.internal("get_user", err)
	}
	return u, nil
}

// Active confirms p still names a live user holding the same role, so tokens
// outlive neither a deletion nor a role change.
func (s *Service) Active(ctx context.Context, p Principal) error {
	u, err := s.store.UserByID(ctx, p.UserID)
	if errors.Is(err, ErrNoUser) {
		return domain.Unauthenticatedf("Unauthorized")
	}
	if err != nil {
		return s.internal("active", err)
	}
	if u.Role != p.Role {
		return domain.Unauthenticatedf("Unauthorized")
	}
	return nil
}

// UpdateUserInput carries the fields to change. Nil fields keep their value.
// The role never changes.
type UpdateUserInput struct {
	Email    *string
	Password *string
	Name     *string

	Specialty *string
	BirthDate *time.Time
}

func (in UpdateUserInput) validate(role Role) error {
	if in.Specialty != nil && in.BirthDate != nil {
		return domain.Validationf("Doctor and patient cannot be updated at the same time")
	}
	if in.Email != nil {
		if _, err := mail.ParseAddress(*in.Email); err != nil || !strings.Contains(*in.Email, "@") {
			return domain.Validationf("email must be a valid email address")
		}
	}
	if in.Password != nil && len(*in.Password) < minPasswordLen {
		return domain.Validationf("password must be at least %d characters", minPasswordLen)
	}
	if in.Name != nil && len(strings.TrimSpace(*in.Name)) < minNameLen {
		return domain.Validationf("name must be at least %d characters", minNameLen)
	}
	if in.Specialty != nil && role != RoleDoctor {
		return domain.Validationf("specialty is only valid for doctors")
	}
	if in.BirthDate != nil && role != RolePatient {
		return domain.Validationf("birthDate is only valid for patients")
	}
	return nil
}

// UpdateUser changes a live user and upserts its doctor or patient profile
// in the same transaction.
func (s *Service) UpdateUser(ctx context.Context, id uuid.UUID, in UpdateUserInput) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "identity.update_user")
	defer span.End()

	current, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Email != nil {
		email := strings.TrimSpace(*in.Email)
		in.Email = &email
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		in.Name = &name
	}
	if err := in.validate(current.Role); err != nil {
		return nil, err
	}

	ch := UserChanges{Email: in.Email, Name: in.Name, Specialty: in.Specialty, BirthDate: in.BirthDate}
	if in.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*in.Password), s.hashCost)
		if err != nil {
			return nil, s.internal("hash_password", err)
		}
		h := string(hash)
		ch.PasswordHash = &h
	}

	u, err := s.store.UpdateUser(ctx, id, ch)
	switch {
	case errors.Is(err, ErrNoUser):
		return nil, domain.NotFoundf("User with id %s not found", id)
	case errors.Is(err, ErrEmailTaken):
		return nil, domain.Conflictf("User with email %s already exists", *in.Email)
	case err != nil:
		return nil, s.internal("update_user", err)
	}

	s.logger.Info("user updated",
		zap.String("user_id", id.String()),
		zap.Bool("password_changed", ch.PasswordHash != nil))
	return u, nil
}

// GetDoctor returns a live doctor by profile id.
func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*DoctorListing, error) {
	d, err := s.store.DoctorByID(ctx, id)
	if errors.Is(err, ErrNoProfile) {
		return nil, domain.NotFoundf("Doctor with id %s not found", id)
	}
	if err != nil {
		return nil, s.internal("get_doctor", err)
	}
	return d, nil
}

// GetPatient returns a live patient by profile id.
func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*PatientListing, error) {
	p, err := s.store.PatientByID(ctx, id)
	if errors.Is(err, ErrNoProfile) {
		return nil, domain.NotFoundf("Patient with id %s not found", id)
	}
	if err != nil {
		return nil, s.internal("get_patient", err)
	}
	return p, nil
}

// DeleteUser tombstones a user and its profile.
func (s *Service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	err := s.store.SoftDeleteUser(ctx, id)
	if errors.Is(err, ErrNoUser) {
		return domain.NotFoundf("User with id %s not found", id)
	}
	if err != nil {
		return s.internal("delete_user", err)
	}
	s.logger.Info("user deleted", zap.String("user_id", id.String()))
	return nil
}

// ListUsers pages through live users.
func (s *Service) ListUsers(ctx context.Context, f UserFilter, page domain.PageRequest) (domain.Page[User], error) {
	if f.Role != "" && !f.Role.Valid() {
		return domain.Page[User]{}, domain.Validationf("role must be one of admin, doctor, patient")
	}
	return paginate(page, s, "list_users", func(p domain.PageRequest) ([]User, int, error) {
		return s.store.ListUsers(ctx, f, p)
	})
}

// ListDoctors pages through live doctors, matching Query against name, email
// and specialty.
func (s *Service) ListDoctors(ctx context.Context, f DoctorFilter, page domain.PageRequest) (domain.Page[DoctorListing], error) {
	return paginate(page, s, "list_doctors", func(p domain.PageRequest) ([]DoctorListing, int, error) {
		return s.store.ListDoctors(ctx, f, p)
	})
}

// ListPatients pages through live patients, matching Query against name and
// email.
func (s *Service) ListPatients(ctx context.Context, f PatientFilter, page domain.PageRequest) (domain.Page[PatientListing], error) {
	if f.BirthDateFrom != nil && f.BirthDateTo != nil && f.BirthDateFrom.After(*f.BirthDateTo) {
		return domain.Page[PatientListing]{}, domain.Validationf("birthDateFrom must not be after birthDateTo")
	}
	return paginate(page, s, "list_patients", func(p domain.PageRequest) ([]PatientListing, int, error) {
		return s.store.ListPatients(ctx, f, p)
	})
}

func paginate[T any](page domain.PageRequest, s *Service, op string, fetch func(domain.PageRequest) ([]T, int, error)) (domain.Page[T], error) {
	page = page.WithDefaults()
	if err := page.Validate(); err != nil {
		return domain.Page[T]{}, err
	}
	rows, total, err := fetch(page)
	if err != nil {
		return domain.Page[T]{}, s.internal(op, err)
	}
	if err := domain.CheckRange(page, total); err != nil {
		return domain.Page[T]{}, err
	}
	return domain.NewPage(rows, page, total), nil
}

func (s *Service) internal(op string, err error) error {
	s.logger.Error("identity store failure", zap.String("op", op), zap.Error(err))
	return domain.Internal(err)
}
