package prescription

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/identity"
	"github.com/medirx/rxcore/internal/infrastructure/postgres"
)

// pgPool connects to RX_TEST_DATABASE_URL and applies the migrations. Tests
// using it are skipped when the variable is unset.
func pgPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("RX_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RX_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, url, 20, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = postgres.NewMigrator(pool, postgres.Migrations, "migrations", nil).Up(ctx)
	require.NoError(t, err)
	return pool
}

func pgUser(t *testing.T, users *identity.Service, role identity.Role) identity.Principal {
	t.Helper()
	u, err := users.Register(context.Background(), identity.CreateUserInput{
		Email:    uuid.NewString() + "@example.test",
		Password: "s3cret-pass",
		Name:     string(role) + " " + uuid.NewString()[:8],
		Role:     role,
	})
	require.NoError(t, err)
	return identity.Principal{UserID: u.ID, Role: role}
}

func TestPGStore_ConcurrentCodeAllocation(t *testing.T) {
	pool := pgPool(t)
	ctx := context.Background()

	users := identity.NewService(identity.NewPGStore(pool), nil)
	doctor := pgUser(t, users, identity.RoleDoctor)
	patient := pgUser(t, users, identity.RolePatient)
	patientID, err := users.ProfileFor(ctx, patient.UserID, identity.RolePatient)
	require.NoError(t, err)

	svc := NewService(NewPGStore(pool), users, nil)

	const n = 8
	var (
		mu    sync.Mutex
		codes = map[string]bool{}
		wg    sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rx, err := svc.Create(ctx, amoxicillin(patientID), doctor)
			if err != nil {
				// losing every retry is allowed; anything else is not
				assert.ErrorIs(t, err, domain.ErrConflict)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, codes[rx.Code], "duplicate code %s", rx.Code)
			codes[rx.Code] = true
		}()
	}
	wg.Wait()

	require.NotEmpty(t, codes)
	for code := range codes {
		assert.Regexp(t, codePattern, code)
	}
}

func TestPGStore_Lifecycle(t *testing.T) {
	pool := pgPool(t)
	ctx := context.Background()

	users := identity.NewService(identity.NewPGStore(pool), nil)
	doctor := pgUser(t, users, identity.RoleDoctor)
	patient := pgUser(t, users, identity.RolePatient)
	stranger := pgUser(t, users, identity.RolePatient)
	patientID, err := users.ProfileFor(ctx, patient.UserID, identity.RolePatient)
	require.NoError(t, err)

	svc := NewService(NewPGStore(pool), users, nil)

	rx, err := svc.Create(ctx, amoxicillin(patientID), doctor)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rx.Status)
	require.Len(t, rx.Items, 1)
	assert.Equal(t, patient.UserID, rx.Patient.User.ID)

	_, err = svc.FindOne(ctx, rx.ID, stranger)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Consume(ctx, rx.ID, stranger)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	consumed, err := svc.Consume(ctx, rx.ID, patient)
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, consumed.Status)
	require.NotNil(t, consumed.ConsumedAt)
	assert.WithinDuration(t, time.Now(), *consumed.ConsumedAt, time.Minute)

	_, err = svc.Consume(ctx, rx.ID, patient)
	assert.ErrorIs(t, err, domain.ErrAlreadyConsumed)

	page, err := svc.List(ctx, ListFilter{Status: StatusConsumed}, patient)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Pagination.Total)

	require.NoError(t, svc.SoftDelete(ctx, rx.ID))
	_, err = svc.FindOne(ctx, rx.ID, doctor)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	err = svc.SoftDelete(ctx, rx.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	var events int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox WHERE aggregate_id = $1`, rx.ID.String(),
	).Scan(&events))
	assert.Equal(t, 3, events)
}
