package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medirx/rxcore/internal/infrastructure/postgres"
)

const codeConstraint = "prescriptions_code_key"

// PGStore is the Postgres Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PGStore) Create(ctx context.Context, d Draft) (*Prescription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var live bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM patients pt
			JOIN users u ON u.id = pt.user_id
			WHERE pt.id = $1
			  AND pt.deleted_at IS NULL
			  AND u.deleted_at IS NULL
			  AND u.role = 'patient'
		)
	`, d.PatientID).Scan(&live)
	if err != nil {
		return nil, fmt.Errorf("check patient: %w", err)
	}
	if !live {
		return nil, ErrPatientNotFound
	}

	code, err := nextCode(ctx, tx, d.Day)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO prescriptions (id, code, status, notes, author_id, patient_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.ID, code, StatusPending, d.Notes, d.AuthorID, d.PatientID)
	if err != nil {
		if postgres.IsUniqueViolation(err, codeConstraint) {
			return nil, ErrDuplicateCode
		}
		return nil, fmt.Errorf("insert prescription: %w", err)
	}

	batch := &pgx.Batch{}
	for i, item := range d.Items {
		batch.Queue(`
			INSERT INTO prescription_items (id, prescription_id, position, name, dosage, quantity, instructions)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New(), d.ID, i, item.Name, item.Dosage, item.Quantity, item.Instructions)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert items: %w", err)
	}

	p, err := get(ctx, tx, d.ID, Scope{})
	if err != nil {
		return nil, err
	}
	if err := writeEvent(ctx, tx, NewEvent(EventCreated, p, p.CreatedAt)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

// nextCode reads the greatest code of the day, tombstoned rows included, and
// returns its successor. Two transactions may compute the same code; the
// unique constraint rejects the loser.
func nextCode(ctx context.Context, tx pgx.Tx, day time.Time) (string, error) {
	var last string
	err := tx.QueryRow(ctx, `
		SELECT code FROM prescriptions
		WHERE code LIKE $1
		ORDER BY code DESC
		LIMIT 1
	`, CodePrefix(day)+"%").Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("read last code: %w", err)
	}
	return NextCode(day, last)
}

func writeEvent(ctx context.Context, tx pgx.Tx, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   e.PrescriptionID.String(),
		AggregateType: AggregateType,
		EventType:     string(e.Type),
		Payload:       payload,
		Topic:         EventsTopic,
		Key:           e.PrescriptionID.String(),
	})
}

const selectPrescription = `
	SELECT p.id, p.code, p.status, p.notes, p.author_id, p.patient_id, p.created_at, p.consumed_at,
	       d.specialty, du.id, du.name, du.email,
	       pt.birth_date, pu.id, pu.name, pu.email
	FROM prescriptions p
	JOIN doctors d ON d.id = p.author_id
	JOIN users du ON du.id = d.user_id
	JOIN patients pt ON pt.id = p.patient_id
	JOIN users pu ON pu.id = pt.user_id
`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(
		&p.ID, &p.Code, &p.Status, &p.Notes, &p.AuthorID, &p.PatientID, &p.CreatedAt, &p.ConsumedAt,
		&p.Author.Specialty, &p.Author.User.ID, &p.Author.User.Name, &p.Author.User.Email,
		&p.Patient.BirthDate, &p.Patient.User.ID, &p.Patient.User.Name, &p.Patient.User.Email,
	)
	if err != nil {
		return nil, err
	}
	p.Author.ID, p.Author.UserID = p.AuthorID, p.Author.User.ID
	p.Patient.ID, p.Patient.UserID = p.PatientID, p.Patient.User.ID
	return &p, nil
}

// scoped starts a predicate set with the tombstone clause every read carries.
func scoped(scope Scope) *postgres.Where {
	w := &postgres.Where{}
	w.Add("p.deleted_at IS NULL")
	if scope.AuthorID != nil {
		w.Add("p.author_id = ?", *scope.AuthorID)
	}
	if scope.PatientID != nil {
		w.Add("p.patient_id = ?", *scope.PatientID)
	}
	return w
}

func withRange(w *postgres.Where, r DateRange) *postgres.Where {
	if r.From != nil {
		w.Add("p.created_at >= ?", *r.From)
	}
	if r.To != nil {
		w.Add("p.created_at <= ?", *r.To)
	}
	return w
}

func get(ctx context.Context, q querier, id uuid.UUID, scope Scope) (*Prescription, error) {
	w := scoped(scope)
	w.Add("p.id = ?", id)
	p, err := scanPrescription(q.QueryRow(ctx, selectPrescription+w.SQL(), w.Args()...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPrescription
	}
	if err != nil {
		return nil, fmt.Errorf("query prescription: %w", err)
	}
	if err := loadItems(ctx, q, []*Prescription{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// loadItems hydrates Items for every prescription in ps with one query.
func loadItems(ctx context.Context, q querier, ps []*Prescription) error {
	if len(ps) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(ps))
	byID := make(map[uuid.UUID]*Prescription, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
		p.Items = []Item{}
		byID[p.ID] = p
	}

	rows, err := q.Query(ctx, `
		SELECT prescription_id, id, name, dosage, quantity, instructions
		FROM prescription_items
		WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			parent uuid.UUID
			item   Item
		)
		if err := rows.Scan(&parent, &item.ID, &item.Name, &item.Dosage, &item.Quantity, &item.Instructions); err != nil {
			return fmt.Errorf("scan item: %w", err)
		}
		if p, ok := byID[parent]; ok {
			p.Items = append(p.Items, item)
		}
	}
	return rows.Err()
}

func (s *PGStore) List(ctx context.Context, q ListQuery) ([]Prescription, int, error) {
	w := withRange(scoped(q.Scope), q.Range)
	if q.Status != "" {
		w.Add("p.status = ?", q.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions p `+w.SQL(), w.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}
	if total == 0 || q.Page.Offset() >= total {
		return nil, total, nil
	}

	dir := "DESC"
	if q.Order == OrderAsc {
		dir = "ASC"
	}
	query := selectPrescription + w.SQL() +
		` ORDER BY p.created_at ` + dir + `, p.code ` + dir +
		` LIMIT ` + w.Arg(q.Page.Limit) + ` OFFSET ` + w.Arg(q.Page.Offset())
	rows, err := s.pool.Query(ctx, query, w.Args()...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	var ps []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan prescription: %w", err)
		}
		ps = append(ps, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}

	if err := loadItems(ctx, s.pool, ps); err != nil {
		return nil, 0, err
	}
	out := make([]Prescription, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out, total, nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID, scope Scope) (*Prescription, error) {
	return get(ctx, s.pool, id, scope)
}

func (s *PGStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		p         = Prescription{ID: id}
		deletedAt time.Time
	)
	err = tx.QueryRow(ctx, `
		UPDATE prescriptions SET deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING code, status, author_id, patient_id, deleted_at
	`, id).Scan(&p.Code, &p.Status, &p.AuthorID, &p.PatientID, &deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoPrescription
	}
	if err != nil {
		return fmt.Errorf("delete prescription: %w", err)
	}
	if err := writeEvent(ctx, tx, NewEvent(EventDeleted, &p, deletedAt)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGStore) Consume(ctx context.Context, id, patientID uuid.UUID, at time.Time) (*Prescription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status Status
	err = tx.QueryRow(ctx, `
		SELECT status FROM prescriptions
		WHERE id = $1 AND patient_id = $2 AND deleted_at IS NULL
		FOR UPDATE
	`, id, patientID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPrescription
	}
	if err != nil {
		return nil, fmt.Errorf("lock prescription: %w", err)
	}
	if status != StatusPending {
		return nil, ErrNotPending
	}

	// consumed_at never precedes created_at, whatever the app clock says.
	if _, err := tx.Exec(ctx,
		`UPDATE prescriptions SET status = $1, consumed_at = GREATEST($2::timestamptz, created_at) WHERE id = $3`,
		StatusConsumed, at, id,
	); err != nil {
		return nil, fmt.Errorf("consume prescription: %w", err)
	}

	p, err := get(ctx, tx, id, Scope{PatientID: &patientID})
	if err != nil {
		return nil, err
	}
	if err := writeEvent(ctx, tx, NewEvent(EventConsumed, p, *p.ConsumedAt)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func (s *PGStore) CountDoctors(ctx context.Context) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM doctors d JOIN users u ON u.id = d.user_id
		WHERE d.deleted_at IS NULL AND u.deleted_at IS NULL
	`)
}

func (s *PGStore) CountPatients(ctx context.Context) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM patients pt JOIN users u ON u.id = pt.user_id
		WHERE pt.deleted_at IS NULL AND u.deleted_at IS NULL
	`)
}

func (s *PGStore) CountPrescriptions(ctx context.Context, r DateRange) (int, error) {
	w := withRange(scoped(Scope{}), r)
	return s.count(ctx, `SELECT COUNT(*) FROM prescriptions p `+w.SQL(), w.Args()...)
}

func (s *PGStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *PGStore) CountByStatus(ctx context.Context, r DateRange) (map[Status]int, error) {
	w := withRange(scoped(Scope{}), r)
	rows, err := s.pool.Query(ctx, `SELECT p.status, COUNT(*) FROM prescriptions p `+w.SQL()+` GROUP BY p.status`, w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *PGStore) CountByDay(ctx context.Context, r DateRange) ([]DayCount, error) {
	w := withRange(scoped(Scope{}), r)
	rows, err := s.pool.Query(ctx, `
		SELECT to_char(p.created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM prescriptions p `+w.SQL()+`
		GROUP BY day
		ORDER BY day
	`, w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("count by day: %w", err)
	}
	defer rows.Close()

	out := []DayCount{}
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan day count: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

func (s *PGStore) TopDoctors(ctx context.Context, r DateRange, limit int) ([]DoctorCount, error) {
	w := withRange(scoped(Scope{}), r)
	rows, err := s.pool.Query(ctx, `
		SELECT p.author_id, u.name, COUNT(*) AS n
		FROM prescriptions p
		JOIN doctors d ON d.id = p.author_id
		JOIN users u ON u.id = d.user_id `+w.SQL()+`
		GROUP BY p.author_id, u.name
		ORDER BY n DESC
		LIMIT `+w.Arg(limit), w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("top doctors: %w", err)
	}
	defer rows.Close()

	out := []DoctorCount{}
	for rows.Next() {
		var dc DoctorCount
		if err := rows.Scan(&dc.DoctorID, &dc.Name, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan doctor count: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}
