package identity

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/medirx/rxcore/internal/domain"
)

type memStore struct {
	mu    sync.Mutex
	users []*User
	fail  error
}

func (m *memStore) live() []*User {
	var out []*User
	for _, u := range m.users {
		if u.DeletedAt == nil {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memStore) DoctorIDForUser(_ context.Context, userID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return uuid.Nil, m.fail
	}
	for _, u := range m.live() {
		if u.ID == userID && u.Role == RoleDoctor && u.Doctor != nil {
			return u.Doctor.ID, nil
		}
	}
	return uuid.Nil, ErrNoProfile
}

func (m *memStore) PatientIDForUser(_ context.Context, userID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return uuid.Nil, m.fail
	}
	for _, u := range m.live() {
		if u.ID == userID && u.Role == RolePatient && u.Patient != nil {
			return u.Patient.ID, nil
		}
	}
	return uuid.Nil, ErrNoProfile
}

func (m *memStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.live() {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrEmailTaken
		}
	}
	u.CreatedAt = time.Now().Add(time.Duration(len(m.users)) * time.Millisecond)
	m.users = append(m.users, u)
	return nil
}

func (m *memStore) UserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.live() {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, ErrNoUser
}

func (m *memStore) UserByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	for _, u := range m.live() {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, ErrNoUser
}

func (m *memStore) UpdateUser(_ context.Context, id uuid.UUID, ch UserChanges) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var target *User
	for _, u := range m.live() {
		if u.ID == id {
			target = u
		}
	}
	if target == nil {
		return nil, ErrNoUser
	}
	if ch.Email != nil {
		for _, u := range m.live() {
			if u.ID != id && strings.EqualFold(u.Email, *ch.Email) {
				return nil, ErrEmailTaken
			}
		}
		target.Email = *ch.Email
	}
	if ch.PasswordHash != nil {
		target.PasswordHash = *ch.PasswordHash
	}
	if ch.Name != nil {
		target.Name = *ch.Name
	}
	if ch.Specialty != nil && target.Role == RoleDoctor {
		if target.Doctor == nil {
			target.Doctor = &Doctor{ID: uuid.New(), UserID: id}
		}
		target.Doctor.Specialty = ch.Specialty
	}
	if ch.BirthDate != nil && target.Role == RolePatient {
		if target.Patient == nil {
			target.Patient = &Patient{ID: uuid.New(), UserID: id}
		}
		target.Patient.BirthDate = ch.BirthDate
	}
	return target, nil
}

func (m *memStore) DoctorByID(_ context.Context, id uuid.UUID) (*DoctorListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.live() {
		if u.Doctor != nil && u.Doctor.ID == id {
			return &DoctorListing{Doctor: *u.Doctor, User: UserSummary{ID: u.ID, Name: u.Name, Email: u.Email}}, nil
		}
	}
	return nil, ErrNoProfile
}

func (m *memStore) PatientByID(_ context.Context, id uuid.UUID) (*PatientListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.live() {
		if u.Patient != nil && u.Patient.ID == id {
			return &PatientListing{Patient: *u.Patient, User: UserSummary{ID: u.ID, Name: u.Name, Email: u.Email}}, nil
		}
	}
	return nil, ErrNoProfile
}

func window[T any](rows []T, page domain.PageRequest) []T {
	start := min(page.Offset(), len(rows))
	end := min(start+page.Limit, len(rows))
	return rows[start:end]
}

func (m *memStore) ListUsers(_ context.Context, f UserFilter, page domain.PageRequest) ([]User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []User
	for _, u := range m.live() {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		out = append(out, *u)
	}
	return window(out, page), len(out), nil
}

func (m *memStore) ListDoctors(_ context.Context, f DoctorFilter, page domain.PageRequest) ([]DoctorListing, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DoctorListing
	for _, u := range m.live() {
		if u.Doctor == nil {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(u.Name), strings.ToLower(f.Query)) {
			continue
		}
		out = append(out, DoctorListing{Doctor: *u.Doctor, User: UserSummary{ID: u.ID, Name: u.Name, Email: u.Email}})
	}
	return window(out, page), len(out), nil
}

func (m *memStore) ListPatients(_ context.Context, _ PatientFilter, page domain.PageRequest) ([]PatientListing, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PatientListing
	for _, u := range m.live() {
		if u.Patient != nil {
			out = append(out, PatientListing{Patient: *u.Patient, User: UserSummary{ID: u.ID, Name: u.Name, Email: u.Email}})
		}
	}
	return window(out, page), len(out), nil
}

func (m *memStore) SoftDeleteUser(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.live() {
		if u.ID == id {
			now := time.Now()
			u.DeletedAt = &now
			return nil
		}
	}
	return ErrNoUser
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := &memStore{}
	return NewService(store, nil, WithHashCost(bcrypt.MinCost)), store
}

func register(t *testing.T, svc *Service, email string, role Role) *User {
	t.Helper()
	u, err := svc.Register(context.Background(), CreateUserInput{
		Email:    email,
		Password: "secret123",
		Name:     "User " + email,
		Role:     role,
	})
	require.NoError(t, err)
	return u
}

func TestRegisterCreatesProfile(t *testing.T) {
	svc, _ := newTestService(t)

	doc := register(t, svc, "house@example.com", RoleDoctor)
	require.NotNil(t, doc.Doctor)
	assert.Nil(t, doc.Patient)
	assert.NotEqual(t, "secret123", doc.PasswordHash)

	pat := register(t, svc, "ana@example.com", RolePatient)
	require.NotNil(t, pat.Patient)
	assert.Nil(t, pat.Doctor)
}

func TestRegisterRejectsAdminAndBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, CreateUserInput{Email: "root@example.com", Password: "secret123", Name: "Root", Role: RoleAdmin})
	assert.ErrorIs(t, err, domain.ErrValidation)

	tests := []struct {
		name string
		in   CreateUserInput
	}{
		{"bad email", CreateUserInput{Email: "nope", Password: "secret123", Name: "Ana", Role: RolePatient}},
		{"short password", CreateUserInput{Email: "a@example.com", Password: "123", Name: "Ana", Role: RolePatient}},
		{"short name", CreateUserInput{Email: "a@example.com", Password: "secret123", Name: " A ", Role: RolePatient}},
		{"specialty on patient", CreateUserInput{Email: "a@example.com", Password: "secret123", Name: "Ana", Role: RolePatient, Specialty: ptr("cardio")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.in)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc, "ana@example.com", RolePatient)

	_, err := svc.Register(context.Background(), CreateUserInput{
		Email: "ANA@example.com", Password: "secret123", Name: "Other Ana", Role: RoleDoctor,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestEmailReusableAfterDelete(t *testing.T) {
	svc, _ := newTestService(t)
	u := register(t, svc, "ana@example.com", RolePatient)
	require.NoError(t, svc.DeleteUser(context.Background(), u.ID))

	register(t, svc, "ana@example.com", RolePatient)
}

func TestProfileFor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	doc := register(t, svc, "house@example.com", RoleDoctor)
	pat := register(t, svc, "ana@example.com", RolePatient)

	id, err := svc.ProfileFor(ctx, doc.ID, RoleDoctor)
	require.NoError(t, err)
	assert.Equal(t, doc.Doctor.ID, id)

	id, err = svc.ProfileFor(ctx, pat.ID, RolePatient)
	require.NoError(t, err)
	assert.Equal(t, pat.Patient.ID, id)

	_, err = svc.ProfileFor(ctx, pat.ID, RoleDoctor)
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)
	assert.EqualError(t, err, "Doctor profile not found")

	_, err = svc.ProfileFor(ctx, uuid.New(), RoleAdmin)
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)

	require.NoError(t, svc.DeleteUser(ctx, pat.ID))
	_, err = svc.ProfileFor(ctx, pat.ID, RolePatient)
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)
	assert.EqualError(t, err, "Patient profile not found")
}

func TestProfileForHidesStoreFailure(t *testing.T) {
	svc, store := newTestService(t)
	store.fail = errors.New("connection reset")

	_, err := svc.ProfileFor(context.Background(), uuid.New(), RoleDoctor)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.EqualError(t, err, "internal server error")
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, "ana@example.com", RolePatient)

	u, err := svc.Authenticate(ctx, " ana@example.com ", "secret123")
	require.NoError(t, err)
	assert.Equal(t, RolePatient, u.Role)

	_, err = svc.Authenticate(ctx, "ana@example.com", "wrong-password")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "secret123")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestGetAndDeleteUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteUser(ctx, uuid.New()), domain.ErrNotFound)
}

func TestListPaging(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		register(t, svc, email, RoleDoctor)
	}

	page, err := svc.ListDoctors(ctx, DoctorFilter{}, domain.PageRequest{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Data, 1)
	assert.Equal(t, domain.Pagination{Page: 2, Limit: 2, Total: 3, TotalPages: 2, HasNext: false, HasPrev: true}, page.Pagination)

	_, err = svc.ListDoctors(ctx, DoctorFilter{}, domain.PageRequest{Page: 3, Limit: 2})
	assert.ErrorIs(t, err, domain.ErrPageOutOfRange)

	empty, err := svc.ListPatients(ctx, PatientFilter{}, domain.PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, empty.Data)
	assert.Equal(t, 10, empty.Pagination.Limit)

	_, err = svc.ListPatients(ctx, PatientFilter{}, domain.PageRequest{Page: 2})
	assert.ErrorIs(t, err, domain.ErrPageOutOfRange)

	_, err = svc.ListUsers(ctx, UserFilter{Role: "nurse"}, domain.PageRequest{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	users, err := svc.ListUsers(ctx, UserFilter{Role: RoleDoctor}, domain.PageRequest{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, users.Data, 3)
}

func TestCreateUserAllowsAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	admin, err := svc.CreateUser(ctx, CreateUserInput{
		Email: "root@example.com", Password: "secret123", Name: "Root", Role: RoleAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role)
	assert.Nil(t, admin.Doctor)
	assert.Nil(t, admin.Patient)

	u, err := svc.Authenticate(ctx, "root@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, admin.ID, u.ID)

	_, err = svc.CreateUser(ctx, CreateUserInput{
		Email: "root2@example.com", Password: "secret123", Name: "Root", Role: RoleAdmin, Specialty: ptr("ops"),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestActive(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := register(t, svc, "ana@example.com", RolePatient)

	require.NoError(t, svc.Active(ctx, Principal{UserID: u.ID, Role: RolePatient}))

	err := svc.Active(ctx, Principal{UserID: u.ID, Role: RoleDoctor})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	require.NoError(t, svc.DeleteUser(ctx, u.ID))
	err = svc.Active(ctx, Principal{UserID: u.ID, Role: RolePatient})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	store.fail = errors.New("connection reset")
	err = svc.Active(ctx, Principal{UserID: uuid.New(), Role: RolePatient})
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.False(t, errors.Is(err, domain.ErrUnauthenticated))
}

func TestUpdateUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	doc := register(t, svc, "house@example.com", RoleDoctor)
	pat := register(t, svc, "ana@example.com", RolePatient)

	u, err := svc.UpdateUser(ctx, doc.ID, UpdateUserInput{
		Name:      ptr("  Gregory House "),
		Email:     ptr("greg@example.com"),
		Password:  ptr("new-secret"),
		Specialty: ptr("Diagnostics"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Gregory House", u.Name)
	assert.Equal(t, "greg@example.com", u.Email)
	require.NotNil(t, u.Doctor)
	assert.Equal(t, "Diagnostics", *u.Doctor.Specialty)
	assert.Equal(t, doc.Doctor.ID, u.Doctor.ID)

	_, err = svc.Authenticate(ctx, "greg@example.com", "new-secret")
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "greg@example.com", "secret123")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	born := time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC)
	u, err = svc.UpdateUser(ctx, pat.ID, UpdateUserInput{BirthDate: &born})
	require.NoError(t, err)
	require.NotNil(t, u.Patient)
	assert.Equal(t, born, *u.Patient.BirthDate)

	tests := []struct {
		name string
		id   uuid.UUID
		in   UpdateUserInput
		want error
	}{
		{"both profiles", doc.ID, UpdateUserInput{Specialty: ptr("x"), BirthDate: &born}, domain.ErrValidation},
		{"birthDate on doctor", doc.ID, UpdateUserInput{BirthDate: &born}, domain.ErrValidation},
		{"specialty on patient", pat.ID, UpdateUserInput{Specialty: ptr("x")}, domain.ErrValidation},
		{"bad email", pat.ID, UpdateUserInput{Email: ptr("nope")}, domain.ErrValidation},
		{"short password", pat.ID, UpdateUserInput{Password: ptr("123")}, domain.ErrValidation},
		{"taken email", pat.ID, UpdateUserInput{Email: ptr("GREG@example.com")}, domain.ErrConflict},
		{"unknown user", uuid.New(), UpdateUserInput{Name: ptr("Nobody")}, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateUser(ctx, tt.id, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGetDoctorAndPatient(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	doc := register(t, svc, "house@example.com", RoleDoctor)
	pat := register(t, svc, "ana@example.com", RolePatient)

	d, err := svc.GetDoctor(ctx, doc.Doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, d.User.ID)

	p, err := svc.GetPatient(ctx, pat.Patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", p.User.Email)

	_, err = svc.GetDoctor(ctx, pat.Patient.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, svc.DeleteUser(ctx, pat.ID))
	_, err = svc.GetPatient(ctx, pat.Patient.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func ptr[T any](v T) *T { return &v }
