package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/database"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/lifecycle"
)

// SQLStore implements Store on database/sql. It supports SQLite and Postgres.
// The full record is kept as JSON in body; the other columns exist for
// constraints and lookups.
type SQLStore struct {
	db     *database.DB
	clock  func() time.Time
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS intents (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	state TEXT NOT NULL,
	revision BIGINT NOT NULL,
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	body TEXT NOT NULL
)`

// NewSQLStore creates the intents table if needed.
func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, clock: time.Now, logger: slog.Default().With("component", "store")}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("store: migrate intents: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// Fixed width so that text order is time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func (s *SQLStore) Create(ctx context.Context, in *intent.Intent) error {
	now := s.clock().UTC()
	rec := in.Clone()
	rec.Revision = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode intent: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO intents (id, idempotency_key, user_id, state, revision, expires_at, created_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		rec.ID, rec.IdempotencyKey, rec.UserID, string(rec.State), int64(rec.Revision),
		ts(rec.ExpiresAt), ts(rec.CreatedAt), ts(rec.UpdatedAt), string(body),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return s.classifyDuplicate(ctx, rec)
		}
		return fmt.Errorf("store: insert intent: %w", err)
	}
	in.Revision, in.CreatedAt, in.UpdatedAt = rec.Revision, rec.CreatedAt, rec.UpdatedAt
	return nil
}

func (s *SQLStore) classifyDuplicate(ctx context.Context, rec *intent.Intent) error {
	if _, err := s.GetByIdempotencyKey(ctx, rec.IdempotencyKey); err == nil {
		return ErrDuplicateIdempotencyKey
	}
	return ErrDuplicateID
}

func (s *SQLStore) Get(ctx context.Context, id string) (*intent.Intent, error) {
	return s.one(ctx, `SELECT body FROM intents WHERE id = $1`, id)
}

func (s *SQLStore) GetByIdempotencyKey(ctx context.Context, key string) (*intent.Intent, error) {
	return s.one(ctx, `SELECT body FROM intents WHERE idempotency_key = $1`, key)
}

func (s *SQLStore) one(ctx context.Context, query, arg string) (*intent.Intent, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(query), arg).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get intent: %w", err)
	}
	return decode(body)
}

func decode(body string) (*intent.Intent, error) {
	var in intent.Intent
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return nil, fmt.Errorf("store: decode intent: %w", err)
	}
	return &in, nil
}

// Update is a compare-and-swap on (id, revision) that also refuses terminal
// rows, so concurrent writers cannot both succeed.
func (s *SQLStore) Update(ctx context.Context, in *intent.Intent) error {
	rec := in.Clone()
	rec.Revision = in.Revision + 1
	rec.UpdatedAt = s.clock().UTC()
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode intent: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE intents SET state = $1, revision = $2, expires_at = $3, updated_at = $4, body = $5
		WHERE id = $6 AND revision = $7 AND idempotency_key = $8
		AND state NOT IN ($9, $10, $11, $12)`),
		string(rec.State), int64(rec.Revision), ts(rec.ExpiresAt), ts(rec.UpdatedAt), string(body),
		rec.ID, int64(in.Revision), rec.IdempotencyKey,
		string(lifecycle.Settled), string(lifecycle.Denied), string(lifecycle.Expired), string(lifecycle.Failed),
	)
	if err != nil {
		return fmt.Errorf("store: update intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to check rows affected: %w", err)
	}
	if n == 0 {
		cur, err := s.Get(ctx, in.ID)
		if err != nil {
			return err
		}
		if err := checkUpdate(cur, in); err != nil {
			return err
		}
		s.logger.WarnContext(ctx, "update matched no row", "intent_id", in.ID, "revision", in.Revision)
		return ErrConflict
	}
	in.Revision, in.UpdatedAt = rec.Revision, rec.UpdatedAt
	return nil
}

func (s *SQLStore) ListActive(ctx context.Context) ([]*intent.Intent, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT body FROM intents WHERE state NOT IN ($1, $2, $3, $4) ORDER BY created_at, id`),
		string(lifecycle.Settled), string(lifecycle.Denied), string(lifecycle.Expired), string(lifecycle.Failed),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list active: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*intent.Intent, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: scan intent: %w", err)
		}
		in, err := decode(body)
		if err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
