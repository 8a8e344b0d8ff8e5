// Package store persists intents. Exactly one record exists per idempotency
// key, and records in a terminal state are never rewritten.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
)

var (
	// ErrNotFound is returned when no intent matches.
	ErrNotFound = errors.New("store: intent not found")
	// ErrDuplicateIdempotencyKey is returned by Create when the key is taken.
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")
	// ErrDuplicateID is returned by Create when the id is taken.
	ErrDuplicateID = errors.New("store: duplicate intent id")
	// ErrTerminal is returned by Update when the stored record is terminal.
	ErrTerminal = errors.New("store: intent is in a terminal state")
	// ErrConflict is returned by Update when the caller's revision is stale.
	ErrConflict = errors.New("store: revision conflict")
)

// Store is the intent store.
type Store interface {
	// Create stores a new intent at revision 1.
	Create(ctx context.Context, in *intent.Intent) error
	Get(ctx context.Context, id string) (*intent.Intent, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*intent.Intent, error)
	// Update replaces the record if in.Revision matches the stored revision
	// and the stored state is not terminal. On success in.Revision is
	// incremented.
	Update(ctx context.Context, in *intent.Intent) error
	// ListActive returns non-terminal intents, oldest first.
	ListActive(ctx context.Context) ([]*intent.Intent, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*intent.Intent
	byKey map[string]string
	clock func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*intent.Intent),
		byKey: make(map[string]string),
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) Create(_ context.Context, in *intent.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[in.IdempotencyKey]; ok {
		return ErrDuplicateIdempotencyKey
	}
	if _, ok := m.byID[in.ID]; ok {
		return ErrDuplicateID
	}
	now := m.clock().UTC()
	in.Revision = 1
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	m.byID[in.ID] = in.Clone()
	m.byKey[in.IdempotencyKey] = in.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*intent.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return in.Clone(), nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*intent.Intent, error) {
	m.mu.RLock()
	id, ok := m.byKey[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(_ context.Context, in *intent.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[in.ID]
	if !ok {
		return ErrNotFound
	}
	if err := checkUpdate(cur, in); err != nil {
		return err
	}
	in.Revision = cur.Revision + 1
	in.UpdatedAt = m.clock().UTC()
	m.byID[in.ID] = in.Clone()
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*intent.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*intent.Intent
	for _, in := range m.byID {
		if !in.State.Terminal() {
			out = append(out, in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func checkUpdate(cur, next *intent.Intent) error {
	switch {
	case cur.State.Terminal():
		return ErrTerminal
	case cur.Revision != next.Revision:
		return ErrConflict
	case cur.IdempotencyKey != next.IdempotencyKey:
		return errors.New("store: idempotency key is immutable")
	}
	return nil
}
