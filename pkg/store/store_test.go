package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-signer/pkg/database"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/lifecycle"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(id, key string, created time.Time) *intent.Intent {
	return &intent.Intent{
		ID:             id,
		RequestID:      "req-" + id,
		IdempotencyKey: key,
		Actor:          intent.ActorAgent,
		UserID:         "alice",
		ActionType:     intent.ActionX402Payment,
		AmountQuoted:   1000,
		AmountMax:      1000,
		Payee:          "merchant.local",
		DependsOn:      []string{"other"},
		ExpiresAt:      created.Add(5 * time.Minute),
		CorrelationID:  id,
		State:          lifecycle.Received,
		CreatedAt:      created,
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "intents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlStore, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore().WithClock(func() time.Time { return t0 }),
		"sqlite": sqlStore.WithClock(func() time.Time { return t0 }),
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := sample("i-1", "k-1", t0)
			require.NoError(t, s.Create(ctx, in))
			assert.Equal(t, uint64(1), in.Revision)

			got, err := s.Get(ctx, "i-1")
			require.NoError(t, err)
			assert.Equal(t, "k-1", got.IdempotencyKey)
			assert.Equal(t, uint64(1000), got.AmountMax)
			assert.Equal(t, []string{"other"}, got.DependsOn)
			assert.True(t, got.ExpiresAt.Equal(in.ExpiresAt))

			byKey, err := s.GetByIdempotencyKey(ctx, "k-1")
			require.NoError(t, err)
			assert.Equal(t, "i-1", byKey.ID)

			_, err = s.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetByIdempotencyKey(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.ErrorIs(t, s.Create(ctx, sample("i-2", "k-1", t0)), ErrDuplicateIdempotencyKey)
			require.ErrorIs(t, s.Create(ctx, sample("i-1", "k-other", t0)), ErrDuplicateID)

			got.State = lifecycle.PolicyEvaluated
			require.NoError(t, s.Update(ctx, got))
			assert.Equal(t, uint64(2), got.Revision)

			stale := byKey
			stale.State = lifecycle.Approved
			require.ErrorIs(t, s.Update(ctx, stale), ErrConflict)

			got.State = lifecycle.Denied
			require.NoError(t, s.Update(ctx, got))

			got.State = lifecycle.Approved
			require.ErrorIs(t, s.Update(ctx, got), ErrTerminal)
			final, err := s.Get(ctx, "i-1")
			require.NoError(t, err)
			assert.Equal(t, lifecycle.Denied, final.State)

			missing := sample("nope", "nope", t0)
			missing.Revision = 1
			require.ErrorIs(t, s.Update(ctx, missing), ErrNotFound)
		})
	}
}

func TestListActive(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, sample("b", "kb", t0.Add(2*time.Second))))
			require.NoError(t, s.Create(ctx, sample("a", "ka", t0.Add(500*time.Millisecond))))
			done := sample("c", "kc", t0)
			require.NoError(t, s.Create(ctx, done))
			done.State = lifecycle.Expired
			require.NoError(t, s.Update(ctx, done))

			active, err := s.ListActive(ctx)
			require.NoError(t, err)
			require.Len(t, active, 2)
			assert.Equal(t, "a", active[0].ID)
			assert.Equal(t, "b", active[1].ID)
		})
	}
}

func TestConcurrentUpdatesSingleWinner(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, sample("race", "race", t0)))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					in, err := s.Get(ctx, "race")
					if err != nil {
						return
					}
					in.Revision = 1
					in.State = lifecycle.Signing
					if s.Update(ctx, in) == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	in := sample("i", "k", t0)
	require.NoError(t, s.Create(ctx, in))
	in.Payee = "mutated"

	got, err := s.Get(ctx, "i")
	require.NoError(t, err)
	assert.Equal(t, "merchant.local", got.Payee)
	got.DependsOn[0] = "mutated"

	again, err := s.Get(ctx, "i")
	require.NoError(t, err)
	assert.Equal(t, "other", again.DependsOn[0])
}

func TestSQLStoreCreateMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS intents").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLStore(context.Background(), database.Wrap(db, database.Postgres))
	require.NoError(t, err)
	s.WithClock(func() time.Time { return t0 })

	in := sample("i-1", "k-1", t0)
	mock.ExpectExec("INSERT INTO intents").
		WithArgs("i-1", "k-1", "alice", "received", int64(1),
			"2026-03-01T12:05:00.000000000Z", "2026-03-01T12:00:00.000000000Z", "2026-03-01T12:00:00.000000000Z",
			sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Create(context.Background(), in))

	mock.ExpectExec("UPDATE intents SET").WillReturnError(assert.AnError)
	in.State = lifecycle.PolicyEvaluated
	err = s.Update(context.Background(), in)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, uint64(1), in.Revision, "failed update leaves the revision alone")

	require.NoError(t, mock.ExpectationsWereMet())
}
