package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/identity"
	"github.com/medirx/rxcore/internal/domain/prescription"
	"github.com/medirx/rxcore/internal/infrastructure/redpanda"
	"github.com/medirx/rxcore/internal/notification"
	"github.com/medirx/rxcore/internal/observability/metrics"
	"github.com/medirx/rxcore/pkg/idempotency"
)

type stubPrescriptions struct {
	rx  *prescription.Prescription
	err error
}

func (s *stubPrescriptions) Get(_ context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.rx == nil || s.rx.ID != id {
		return nil, domain.NotFoundf("Prescription not found")
	}
	return s.rx, nil
}

// memInbox mirrors the Postgres inbox: finished keys are never re-run.
type memInbox struct {
	mu       sync.Mutex
	finished map[string]json.RawMessage
}

func (m *memInbox) Process(ctx context.Context, key, _ string, _ json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.Outcome, error) {
	m.mu.Lock()
	if res, ok := m.finished[key]; ok {
		m.mu.Unlock()
		return &idempotency.Outcome{Duplicate: true, Result: res}, nil
	}
	m.mu.Unlock()

	res, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.finished[key] = res
	m.mu.Unlock()
	return &idempotency.Outcome{Result: res}, nil
}

type sent struct {
	to, subject, html string
}

type recordingSender struct {
	mu   sync.Mutex
	err  error
	sent []sent
}

func (r *recordingSender) Send(_ context.Context, to, subject, html string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sent{to, subject, html})
	return nil
}

type env struct {
	rx      *prescription.Prescription
	store   *stubPrescriptions
	sender  *recordingSender
	metrics *metrics.Metrics
	n       *Notifier
}

func newEnv() *env {
	rx := &prescription.Prescription{
		ID:        uuid.New(),
		Code:      "RX-20240307-000001",
		Status:    prescription.StatusPending,
		AuthorID:  uuid.New(),
		PatientID: uuid.New(),
		CreatedAt: time.Date(2024, 3, 7, 9, 30, 0, 0, time.UTC),
		Items:     []prescription.Item{{ID: uuid.New(), Name: "Amoxicilina"}},
	}
	rx.Author.User = identity.UserSummary{Name: "Dra. Núñez", Email: "nunez@example.com"}
	rx.Patient.User = identity.UserSummary{Name: "José Pérez", Email: "jose@example.com"}

	e := &env{
		rx:      rx,
		store:   &stubPrescriptions{rx: rx},
		sender:  &recordingSender{},
		metrics: metrics.Discard(),
	}
	e.n = New(e.store, &memInbox{finished: map[string]json.RawMessage{}}, e.sender, e.metrics, nil)
	return e
}

func (e *env) message(t *testing.T, typ prescription.EventType) (*redpanda.ConsumedMessage, prescription.Event) {
	t.Helper()
	evt := prescription.NewEvent(typ, e.rx, e.rx.CreatedAt)
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionEvents, Key: []byte(e.rx.ID.String()), Value: b}, evt
}

func (e *env) outcome(label string) float64 {
	return testutil.ToFloat64(e.metrics.NotificationsSent.WithLabelValues(label))
}

func TestHandle_SendsOnCreated(t *testing.T) {
	e := newEnv()
	msg, _ := e.message(t, prescription.EventCreated)

	require.NoError(t, e.n.Handle(context.Background(), msg))

	require.Len(t, e.sender.sent, 1)
	assert.Equal(t, "jose@example.com", e.sender.sent[0].to)
	assert.Equal(t, "Nueva Prescripción Médica - RX-20240307-000001", e.sender.sent[0].subject)
	assert.Contains(t, e.sender.sent[0].html, "Amoxicilina")
	assert.Equal(t, 1.0, e.outcome(OutcomeSent))
}

func TestHandle_RedeliveryIsDeduplicated(t *testing.T) {
	e := newEnv()
	msg, _ := e.message(t, prescription.EventCreated)

	require.NoError(t, e.n.Handle(context.Background(), msg))
	require.NoError(t, e.n.Handle(context.Background(), msg))

	assert.Len(t, e.sender.sent, 1)
	assert.Equal(t, 1.0, e.outcome(OutcomeSent))
	assert.Equal(t, 1.0, e.outcome(OutcomeDuplicate))
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	e := newEnv()
	for _, typ := range []prescription.EventType{prescription.EventConsumed, prescription.EventDeleted} {
		msg, _ := e.message(t, typ)
		require.NoError(t, e.n.Handle(context.Background(), msg))
	}
	assert.Empty(t, e.sender.sent)
}

func TestHandle_UndecodableIsSkipped(t *testing.T) {
	e := newEnv()
	err := e.n.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{not json")})
	assert.NoError(t, err)
	assert.Equal(t, 1.0, e.outcome(OutcomeSkipped))
}

func TestHandle_DeletedPrescriptionIsSkipped(t *testing.T) {
	e := newEnv()
	msg, _ := e.message(t, prescription.EventCreated)
	e.store.rx = nil

	assert.NoError(t, e.n.Handle(context.Background(), msg))
	assert.Empty(t, e.sender.sent)
	assert.Equal(t, 1.0, e.outcome(OutcomeSkipped))
}

func TestHandle_RelayFailureIsReturned(t *testing.T) {
	e := newEnv()
	msg, _ := e.message(t, prescription.EventCreated)
	e.sender.err = errors.New("connection refused")

	err := e.n.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.Equal(t, 1.0, e.outcome(OutcomeFailed))

	e.sender.err = nil
	require.NoError(t, e.n.Handle(context.Background(), msg))
	assert.Len(t, e.sender.sent, 1)
}

func TestPermanent(t *testing.T) {
	assert.True(t, Permanent(domain.NotFoundf("gone")))
	assert.True(t, Permanent(errors.Join(errors.New("rcpt"), notification.ErrBadRecipient)))
	assert.False(t, Permanent(errors.New("timeout")))
	assert.False(t, Retryable(idempotency.ErrPreviouslyFailed))
}
