package prescription

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/identity"
)

type memRow struct {
	rx      Prescription
	deleted bool
}

// memStore is an in-memory Store. Code allocation happens under the lock,
// so duplicates only appear when dupFailures injects them.
type memStore struct {
	mu       sync.Mutex
	doctors  map[uuid.UUID]identity.DoctorListing
	patients map[uuid.UUID]identity.PatientListing
	rows     []*memRow
	events   []Event

	dupFailures int
	creates     int
	fail        error
	seq         time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		doctors:  map[uuid.UUID]identity.DoctorListing{},
		patients: map[uuid.UUID]identity.PatientListing{},
	}
}

func clone(p Prescription) Prescription {
	p.Items = append([]Item{}, p.Items...)
	return p
}

func (m *memStore) visible(r *memRow, s Scope) bool {
	if r.deleted {
		return false
	}
	if s.AuthorID != nil && r.rx.AuthorID != *s.AuthorID {
		return false
	}
	if s.PatientID != nil && r.rx.PatientID != *s.PatientID {
		return false
	}
	return true
}

func inRange(t time.Time, r DateRange) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

func (m *memStore) Create(_ context.Context, d Draft) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.fail != nil {
		return nil, m.fail
	}
	patient, ok := m.patients[d.PatientID]
	if !ok {
		return nil, ErrPatientNotFound
	}
	if m.dupFailures > 0 {
		m.dupFailures--
		return nil, ErrDuplicateCode
	}

	last := ""
	prefix := CodePrefix(d.Day)
	for _, r := range m.rows {
		if strings.HasPrefix(r.rx.Code, prefix) && r.rx.Code > last {
			last = r.rx.Code
		}
	}
	code, err := NextCode(d.Day, last)
	if err != nil {
		return nil, err
	}

	m.seq += time.Microsecond
	rx := Prescription{
		ID:        d.ID,
		Code:      code,
		Status:    StatusPending,
		Notes:     d.Notes,
		AuthorID:  d.AuthorID,
		PatientID: d.PatientID,
		CreatedAt: d.Day.Add(m.seq),
		Author:    m.doctors[d.AuthorID],
		Patient:   patient,
		Items:     []Item{},
	}
	for _, in := range d.Items {
		rx.Items = append(rx.Items, Item{ID: uuid.New(), Name: in.Name, Dosage: in.Dosage, Quantity: in.Quantity, Instructions: in.Instructions})
	}
	m.rows = append(m.rows, &memRow{rx: rx})
	m.events = append(m.events, NewEvent(EventCreated, &rx, rx.CreatedAt))
	out := clone(rx)
	return &out, nil
}

func (m *memStore) List(_ context.Context, q ListQuery) ([]Prescription, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, 0, m.fail
	}
	var hits []Prescription
	for _, r := range m.rows {
		if !m.visible(r, q.Scope) || !inRange(r.rx.CreatedAt, q.Range) {
			continue
		}
		if q.Status != "" && r.rx.Status != q.Status {
			continue
		}
		hits = append(hits, clone(r.rx))
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if q.Order == OrderAsc {
			return hits[i].CreatedAt.Before(hits[j].CreatedAt)
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	start := min(q.Page.Offset(), len(hits))
	end := min(start+q.Page.Limit, len(hits))
	return hits[start:end], len(hits), nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID, scope Scope) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	for _, r := range m.rows {
		if r.rx.ID == id && m.visible(r, scope) {
			out := clone(r.rx)
			return &out, nil
		}
	}
	return nil, ErrNoPrescription
}

func (m *memStore) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.rx.ID == id && !r.deleted {
			r.deleted = true
			m.events = append(m.events, NewEvent(EventDeleted, &r.rx, time.Now()))
			return nil
		}
	}
	return ErrNoPrescription
}

func (m *memStore) Consume(_ context.Context, id, patientID uuid.UUID, at time.Time) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.rx.ID != id || !m.visible(r, Scope{PatientID: &patientID}) {
			continue
		}
		if r.rx.Status != StatusPending {
			return nil, ErrNotPending
		}
		if at.Before(r.rx.CreatedAt) {
			at = r.rx.CreatedAt
		}
		r.rx.Status = StatusConsumed
		r.rx.ConsumedAt = &at
		m.events = append(m.events, NewEvent(EventConsumed, &r.rx, at))
		out := clone(r.rx)
		return &out, nil
	}
	return nil, ErrNoPrescription
}

func (m *memStore) CountDoctors(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.doctors), m.fail
}

func (m *memStore) CountPatients(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patients), nil
}

func (m *memStore) live(r DateRange) []Prescription {
	var out []Prescription
	for _, row := range m.rows {
		if !row.deleted && inRange(row.rx.CreatedAt, r) {
			out = append(out, row.rx)
		}
	}
	return out
}

func (m *memStore) CountPrescriptions(_ context.Context, r DateRange) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live(r)), nil
}

func (m *memStore) CountByStatus(_ context.Context, r DateRange) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[Status]int{}
	for _, rx := range m.live(r) {
		out[rx.Status]++
	}
	return out, nil
}

func (m *memStore) CountByDay(_ context.Context, r DateRange) ([]DayCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, rx := range m.live(r) {
		counts[rx.CreatedAt.UTC().Format(time.DateOnly)]++
	}
	var out []DayCount
	for day, n := range counts {
		out = append(out, DayCount{Date: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *memStore) TopDoctors(_ context.Context, r DateRange, limit int) ([]DoctorCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[uuid.UUID]int{}
	for _, rx := range m.live(r) {
		counts[rx.AuthorID]++
	}
	var out []DoctorCount
	for id, n := range counts {
		out = append(out, DoctorCount{DoctorID: id, Name: m.doctors[id].User.Name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type profileRef struct {
	role identity.Role
	id   uuid.UUID
}

// memProfiles resolves principals registered by fixture.register.
type memProfiles struct {
	byUser map[uuid.UUID]profileRef
}

func (m *memProfiles) ProfileFor(_ context.Context, userID uuid.UUID, role identity.Role) (uuid.UUID, error) {
	p, ok := m.byUser[userID]
	if !ok || p.role != role {
		if role == identity.RoleDoctor {
			return uuid.Nil, domain.ProfileNotFoundf("Doctor profile not found")
		}
		return uuid.Nil, domain.ProfileNotFoundf("Patient profile not found")
	}
	return p.id, nil
}

type fixture struct {
	store    *memStore
	profiles *memProfiles
}

func newFixture() *fixture {
	return &fixture{
		store: newMemStore(),
		profiles: &memProfiles{byUser: map[uuid.UUID]profileRef{}},
	}
}

func (f *fixture) register(name string, role identity.Role) (identity.Principal, uuid.UUID) {
	userID, profileID := uuid.New(), uuid.New()
	user := identity.UserSummary{ID: userID, Name: name, Email: strings.ToLower(name) + "@example.com"}
	switch role {
	case identity.RoleDoctor:
		f.store.doctors[profileID] = identity.DoctorListing{Doctor: identity.Doctor{ID: profileID, UserID: userID}, User: user}
	case identity.RolePatient:
		f.store.patients[profileID] = identity.PatientListing{Patient: identity.Patient{ID: profileID, UserID: userID}, User: user}
	}
	f.profiles.byUser[userID] = profileRef{role, profileID}
	return identity.Principal{UserID: userID, Role: role}, profileID
}
