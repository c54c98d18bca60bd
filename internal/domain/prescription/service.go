package prescription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/identity"
	"github.com/medirx/rxcore/internal/observability/metrics"
)

// maxCreateAttempts bounds how many times Create retries after losing a code race.
const maxCreateAttempts = 3

// Profiles resolves a principal to its doctor or patient profile.
type Profiles interface {
	ProfileFor(ctx context.Context, userID uuid.UUID, role identity.Role) (uuid.UUID, error)
}

// Service is the prescription lifecycle manager.
type Service struct {
	store    Store
	profiles Profiles
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records lifecycle counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the prescription service.
func NewService(store Store, profiles Profiles, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		profiles: profiles,
		logger:   logger,
		tracer:   otel.Tracer("prescription"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.Discard()
	}
	return s
}

// Create writes a new pending prescription authored by the calling doctor.
// A lost race on the daily code is retried in a fresh transaction.
func (s *Service) Create(ctx context.Context, in CreateInput, p identity.Principal) (*Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.create",
		trace.WithAttributes(attribute.Int("items", len(in.Items))))
	defer span.End()

	if err := in.Validate(); err != nil {
		return nil, err
	}
	authorID, err := s.profiles.ProfileFor(ctx, p.UserID, identity.RoleDoctor)
	if err != nil {
		return nil, err
	}

	items := make([]ItemInput, len(in.Items))
	for i, item := range in.Items {
		item.Name = strings.TrimSpace(item.Name)
		items[i] = item
	}

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		created, err := s.store.Create(ctx, Draft{
			ID:        uuid.New(),
			AuthorID:  authorID,
			PatientID: in.PatientID,
			Notes:     in.Notes,
			Items:     items,
			Day:       s.now().UTC(),
		})
		switch {
		case err == nil:
			s.metrics.PrescriptionsCreated.Inc()
			span.SetAttributes(attribute.String("code", created.Code), attribute.Int("attempt", attempt))
			s.logger.Info("prescription created",
				zap.String("prescription_id", created.ID.String()),
				zap.String("code", created.Code),
				zap.Int("attempt", attempt))
			return created, nil
		case errors.Is(err, ErrDuplicateCode):
			s.metrics.CodeRetries.Inc()
			s.logger.Debug("prescription code taken, retrying", zap.Int("attempt", attempt))
		case errors.Is(err, ErrPatientNotFound):
			return nil, domain.NotFoundf("Patient not found")
		default:
			return nil, s.internal(span, "create", err)
		}
	}

	s.logger.Warn("prescription code allocation exhausted", zap.Int("attempts", maxCreateAttempts))
	return nil, domain.Conflictf("could not allocate a unique prescription code, try again")
}

// scope resolves the caller's visibility.
func (s *Service) scope(ctx context.Context, p identity.Principal, mine bool) (Scope, error) {
	var profileID uuid.UUID
	if needsProfile(p, mine) {
		id, err := s.profiles.ProfileFor(ctx, p.UserID, p.Role)
		if err != nil {
			return Scope{}, err
		}
		profileID = id
	}
	return ScopeFor(p, profileID, mine), nil
}

// List pages through the prescriptions the caller may see.
func (s *Service) List(ctx context.Context, f ListFilter, p identity.Principal) (domain.Page[Prescription], error) {
	ctx, span := s.tracer.Start(ctx, "prescription.list",
		trace.WithAttributes(attribute.String("role", string(p.Role)), attribute.Bool("mine", f.Mine)))
	defer span.End()

	if err := validateFilter(f.Status, f.Order, f.Range); err != nil {
		return domain.Page[Prescription]{}, err
	}
	scope, err := s.scope(ctx, p, f.Mine)
	if err != nil {
		return domain.Page[Prescription]{}, err
	}
	return s.list(ctx, span, ListQuery{Scope: scope, Status: f.Status, Range: f.Range, Order: f.Order, Page: f.Page})
}

// ListMine pages through the calling patient's own prescriptions.
func (s *Service) ListMine(ctx context.Context, f ListFilter, p identity.Principal) (domain.Page[Prescription], error) {
	ctx, span := s.tracer.Start(ctx, "prescription.list_mine")
	defer span.End()

	if err := validateFilter(f.Status, f.Order, f.Range); err != nil {
		return domain.Page[Prescription]{}, err
	}
	patientID, err := s.profiles.ProfileFor(ctx, p.UserID, identity.RolePatient)
	if err != nil {
		return domain.Page[Prescription]{}, err
	}
	return s.list(ctx, span, ListQuery{Scope: Scope{PatientID: &patientID}, Status: f.Status, Range: f.Range, Order: f.Order, Page: f.Page})
}

// ListForAdmin pages through every live prescription with admin filters.
func (s *Service) ListForAdmin(ctx context.Context, f AdminFilter) (domain.Page[Prescription], error) {
	ctx, span := s.tracer.Start(ctx, "prescription.list_admin")
	defer span.End()

	if err := validateFilter(f.Status, "", f.Range); err != nil {
		return domain.Page[Prescription]{}, err
	}
	return s.list(ctx, span, ListQuery{
		Scope:  Scope{AuthorID: f.DoctorID, PatientID: f.PatientID},
		Status: f.Status,
		Range:  f.Range,
		Page:   f.Page,
	})
}

func (s *Service) list(ctx context.Context, span trace.Span, q ListQuery) (domain.Page[Prescription], error) {
	q.Page = q.Page.WithDefaults()
	if err := q.Page.Validate(); err != nil {
		return domain.Page[Prescription]{}, err
	}
	if q.Order == "" {
		q.Order = OrderDesc
	}

	rows, total, err := s.store.List(ctx, q)
	if err != nil {
		return domain.Page[Prescription]{}, s.internal(span, "list", err)
	}
	if err := domain.CheckRange(q.Page, total); err != nil {
		return domain.Page[Prescription]{}, err
	}
	span.SetAttributes(attribute.Int("total", total))
	return domain.NewPage(rows, q.Page, total), nil
}

// FindOne returns a live prescription. Patients only see their own; anything
// else is reported as not found.
func (s *Service) FindOne(ctx context.Context, id uuid.UUID, p identity.Principal) (*Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.find_one")
	defer span.End()

	scope, err := s.scope(ctx, p, false)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, span, id, scope)
}

// Snapshot returns the fully hydrated prescription for export. Only the
// owning patient may export.
func (s *Service) Snapshot(ctx context.Context, id uuid.UUID, p identity.Principal) (*Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.snapshot")
	defer span.End()

	patientID, err := s.profiles.ProfileFor(ctx, p.UserID, identity.RolePatient)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, span, id, Scope{PatientID: &patientID})
}

// Get returns a live prescription without role scoping, for trusted callers
// such as the notifier.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.get")
	defer span.End()
	return s.get(ctx, span, id, Scope{})
}

func (s *Service) get(ctx context.Context, span trace.Span, id uuid.UUID, scope Scope) (*Prescription, error) {
	rx, err := s.store.Get(ctx, id, scope)
	if errors.Is(err, ErrNoPrescription) {
		return nil, domain.NotFoundf("Prescription not found")
	}
	if err != nil {
		return nil, s.internal(span, "get", err)
	}
	return rx, nil
}

// SoftDelete tombstones a prescription.
func (s *Service) SoftDelete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "prescription.soft_delete")
	defer span.End()

	err := s.store.SoftDelete(ctx, id)
	if errors.Is(err, ErrNoPrescription) {
		return domain.NotFoundf("Prescription not found")
	}
	if err != nil {
		return s.internal(span, "soft_delete", err)
	}
	s.metrics.PrescriptionsDeleted.Inc()
	s.logger.Info("prescription deleted", zap.String("prescription_id", id.String()))
	return nil
}

// Consume moves a pending prescription owned by the calling patient to
// consumed. A second consume fails with AlreadyConsumed.
func (s *Service) Consume(ctx context.Context, id uuid.UUID, p identity.Principal) (*Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.consume")
	defer span.End()

	patientID, err := s.profiles.ProfileFor(ctx, p.UserID, identity.RolePatient)
	if err != nil {
		return nil, err
	}

	rx, err := s.store.Consume(ctx, id, patientID, s.now().UTC())
	switch {
	case errors.Is(err, ErrNoPrescription):
		return nil, domain.NotFoundf("Prescription not found")
	case errors.Is(err, ErrNotPending):
		return nil, domain.AlreadyConsumedf("Prescription has already been consumed")
	case err != nil:
		return nil, s.internal(span, "consume", err)
	}

	s.metrics.PrescriptionsConsumed.Inc()
	s.logger.Info("prescription consumed",
		zap.String("prescription_id", rx.ID.String()),
		zap.String("code", rx.Code))
	return rx, nil
}

// Metrics computes the admin dashboard over an optional date range.
func (s *Service) Metrics(ctx context.Context, r DateRange) (*MetricsSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.metrics")
	defer span.End()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	m, err := aggregate(ctx, s.store, r)
	if err != nil {
		return nil, s.internal(span, "metrics", err)
	}
	return m, nil
}

func (s *Service) internal(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	s.logger.Error("prescription store failure", zap.String("op", op), zap.Error(err))
	return domain.Internal(err)
}
