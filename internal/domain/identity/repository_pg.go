package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/infrastructure/postgres"
)

// PGStore is the Postgres Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) DoctorIDForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	query := `
		SELECT d.id
		FROM doctors d
		JOIN users u ON u.id = d.user_id
		WHERE d.user_id = $1
		  AND d.deleted_at IS NULL
		  AND u.deleted_at IS NULL
		  AND u.role = 'doctor'
	`
	return s.profileID(ctx, query, userID)
}

func (s *PGStore) PatientIDForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	query := `
		SELECT p.id
		FROM patients p
		JOIN users u ON u.id = p.user_id
		WHERE p.user_id = $1
		  AND p.deleted_at IS NULL
		  AND u.deleted_at IS NULL
		  AND u.role = 'patient'
	`
	return s.profileID(ctx, query, userID)
}

func (s *PGStore) profileID(ctx context.Context, query string, userID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, query, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNoProfile
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("query profile: %w", err)
	}
	return id, nil
}

func (s *PGStore) CreateUser(ctx context.Context, u *User) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var taken bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($1) AND deleted_at IS NULL)`,
		u.Email,
	).Scan(&taken)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if taken {
		return ErrEmailTaken
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, name, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, u.ID, u.Email, u.PasswordHash, u.Name, u.Role).Scan(&u.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err, "users_email_live_key") {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if u.Doctor != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO doctors (id, user_id, specialty) VALUES ($1, $2, $3)`,
			u.Doctor.ID, u.ID, u.Doctor.Specialty,
		); err != nil {
			return fmt.Errorf("insert doctor: %w", err)
		}
	}
	if u.Patient != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO patients (id, user_id, birth_date) VALUES ($1, $2, $3)`,
			u.Patient.ID, u.ID, u.Patient.BirthDate,
		); err != nil {
			return fmt.Errorf("insert patient: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateUser(ctx context.Context, id uuid.UUID, ch UserChanges) (*User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var role Role
	err = tx.QueryRow(ctx,
		`SELECT role FROM users WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoUser
	}
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}

	if ch.Email != nil {
		var taken bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($1) AND id <> $2 AND deleted_at IS NULL)`,
			*ch.Email, id,
		).Scan(&taken)
		if err != nil {
			return nil, fmt.Errorf("check email: %w", err)
		}
		if taken {
			return nil, ErrEmailTaken
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE users SET
			email         = COALESCE($2, email),
			password_hash = COALESCE($3, password_hash),
			name          = COALESCE($4, name),
			updated_at    = NOW()
		WHERE id = $1
	`, id, ch.Email, ch.PasswordHash, ch.Name)
	if err != nil {
		if postgres.IsUniqueViolation(err, "users_email_live_key") {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("update user: %w", err)
	}

	// user_id is unique per profile table, so the upsert also revives a
	// tombstoned profile of a live user.
	if role == RoleDoctor && ch.Specialty != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, user_id, specialty) VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET specialty = EXCLUDED.specialty, deleted_at = NULL
		`, uuid.New(), id, *ch.Specialty); err != nil {
			return nil, fmt.Errorf("upsert doctor: %w", err)
		}
	}
	if role == RolePatient && ch.BirthDate != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO patients (id, user_id, birth_date) VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET birth_date = EXCLUDED.birth_date, deleted_at = NULL
		`, uuid.New(), id, *ch.BirthDate); err != nil {
			return nil, fmt.Errorf("upsert patient: %w", err)
		}
	}

	u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+userJoins+` WHERE u.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("reload user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return u, nil
}

const userColumns = `
	u.id, u.email, u.password_hash, u.name, u.role, u.created_at,
	d.id, d.specialty, p.id, p.birth_date
`

const userJoins = `
	FROM users u
	LEFT JOIN doctors d ON d.user_id = u.id AND d.deleted_at IS NULL
	LEFT JOIN patients p ON p.user_id = u.id AND p.deleted_at IS NULL
`

func scanUser(row pgx.Row) (*User, error) {
	var (
		u         User
		doctorID  *uuid.UUID
		patientID *uuid.UUID
		specialty *string
		birthDate *time.Time
	)
	if err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.CreatedAt,
		&doctorID, &specialty, &patientID, &birthDate,
	); err != nil {
		return nil, err
	}
	if doctorID != nil {
		u.Doctor = &Doctor{ID: *doctorID, UserID: u.ID, Specialty: specialty}
	}
	if patientID != nil {
		u.Patient = &Patient{ID: *patientID, UserID: u.ID, BirthDate: birthDate}
	}
	return &u, nil
}

func (s *PGStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + userJoins + `
		WHERE lower(u.email) = lower($1) AND u.deleted_at IS NULL
	`
	u, err := scanUser(s.pool.QueryRow(ctx, query, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoUser
	}
	if err != nil {
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

func (s *PGStore) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + userJoins + `
		WHERE u.id = $1 AND u.deleted_at IS NULL
	`
	u, err := scanUser(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoUser
	}
	if err != nil {
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

func (s *PGStore) DoctorByID(ctx context.Context, id uuid.UUID) (*DoctorListing, error) {
	var d DoctorListing
	err := s.pool.QueryRow(ctx, `
		SELECT d.id, d.user_id, d.specialty, u.id, u.name, u.email
		FROM doctors d
		JOIN users u ON u.id = d.user_id
		WHERE d.id = $1 AND d.deleted_at IS NULL AND u.deleted_at IS NULL
	`, id).Scan(&d.ID, &d.UserID, &d.Specialty, &d.User.ID, &d.User.Name, &d.User.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoProfile
	}
	if err != nil {
		return nil, fmt.Errorf("query doctor: %w", err)
	}
	return &d, nil
}

func (s *PGStore) PatientByID(ctx context.Context, id uuid.UUID) (*PatientListing, error) {
	var p PatientListing
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.user_id, p.birth_date, u.id, u.name, u.email
		FROM patients p
		JOIN users u ON u.id = p.user_id
		WHERE p.id = $1 AND p.deleted_at IS NULL AND u.deleted_at IS NULL
	`, id).Scan(&p.ID, &p.UserID, &p.BirthDate, &p.User.ID, &p.User.Name, &p.User.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoProfile
	}
	if err != nil {
		return nil, fmt.Errorf("query patient: %w", err)
	}
	return &p, nil
}

func (s *PGStore) ListUsers(ctx context.Context, f UserFilter, page domain.PageRequest) ([]User, int, error) {
	var w postgres.Where
	w.Add("u.deleted_at IS NULL")
	if f.Role != "" {
		w.Add("u.role = ?", f.Role)
	}
	if f.Query != "" {
		q := postgres.Contains(f.Query)
		w.Add("(u.name ILIKE ? OR u.email ILIKE ?)", q, q)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users u `+w.SQL(), w.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	query := `SELECT ` + userColumns + userJoins + w.SQL() +
		` ORDER BY u.created_at DESC LIMIT ` + w.Arg(page.Limit) + ` OFFSET ` + w.Arg(page.Offset())
	rows, err := s.pool.Query(ctx, query, w.Args()...)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, total, rows.Err()
}

func (s *PGStore) ListDoctors(ctx context.Context, f DoctorFilter, page domain.PageRequest) ([]DoctorListing, int, error) {
	var w postgres.Where
	w.Add("d.deleted_at IS NULL")
	w.Add("u.deleted_at IS NULL")
	if f.Specialty != "" {
		w.Add("d.specialty ILIKE ?", postgres.Contains(f.Specialty))
	}
	if f.Query != "" {
		q := postgres.Contains(f.Query)
		w.Add("(u.name ILIKE ? OR u.email ILIKE ? OR d.specialty ILIKE ?)", q, q, q)
	}

	from := ` FROM doctors d JOIN users u ON u.id = d.user_id `
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*)`+from+w.SQL(), w.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count doctors: %w", err)
	}

	query := `SELECT d.id, d.user_id, d.specialty, u.id, u.name, u.email` + from + w.SQL() +
		` ORDER BY u.created_at DESC LIMIT ` + w.Arg(page.Limit) + ` OFFSET ` + w.Arg(page.Offset())
	rows, err := s.pool.Query(ctx, query, w.Args()...)
	if err != nil {
		return nil, 0, fmt.Errorf("list doctors: %w", err)
	}
	defer rows.Close()

	var out []DoctorListing
	for rows.Next() {
		var d DoctorListing
		if err := rows.Scan(&d.ID, &d.UserID, &d.Specialty, &d.User.ID, &d.User.Name, &d.User.Email); err != nil {
			return nil, 0, fmt.Errorf("scan doctor: %w", err)
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (s *PGStore) ListPatients(ctx context.Context, f PatientFilter, page domain.PageRequest) ([]PatientListing, int, error) {
	var w postgres.Where
	w.Add("p.deleted_at IS NULL")
	w.Add("u.deleted_at IS NULL")
	if f.Query != "" {
		q := postgres.Contains(f.Query)
		w.Add("(u.name ILIKE ? OR u.email ILIKE ?)", q, q)
	}
	if f.BirthDateFrom != nil {
		w.Add("p.birth_date >= ?", *f.BirthDateFrom)
	}
	if f.BirthDateTo != nil {
		w.Add("p.birth_date <= ?", *f.BirthDateTo)
	}

	from := ` FROM patients p JOIN users u ON u.id = p.user_id `
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*)`+from+w.SQL(), w.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	query := `SELECT p.id, p.user_id, p.birth_date, u.id, u.name, u.email` + from + w.SQL() +
		` ORDER BY u.created_at DESC LIMIT ` + w.Arg(page.Limit) + ` OFFSET ` + w.Arg(page.Offset())
	rows, err := s.pool.Query(ctx, query, w.Args()...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []PatientListing
	for rows.Next() {
		var p PatientListing
		if err := rows.Scan(&p.ID, &p.UserID, &p.BirthDate, &p.User.ID, &p.User.Name, &p.User.Email); err != nil {
			return nil, 0, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (s *PGStore) SoftDeleteUser(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE users SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoUser
	}
	if _, err := tx.Exec(ctx, `UPDATE doctors SET deleted_at = NOW() WHERE user_id = $1 AND deleted_at IS NULL`, id); err != nil {
		return fmt.Errorf("delete doctor profile: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE patients SET deleted_at = NOW() WHERE user_id = $1 AND deleted_at IS NULL`, id); err != nil {
		return fmt.Errorf("delete patient profile: %w", err)
	}
	return tx.Commit(ctx)
}
