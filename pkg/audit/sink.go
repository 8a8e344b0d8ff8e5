package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/database"
)

// WriterSink writes one JSON line per event, prefixed with "AUDIT: " for
// easy filtering.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink writes to w, or stdout when w is nil.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{w: w}
}

func (s *WriterSink) Name() string { return "writer" }

func (s *WriterSink) Deliver(_ context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append([]byte("AUDIT: "), append(b, '\n')...))
	return err
}

// SQLSink inserts events into the audit_events table. Rows are never updated
// or deleted; a duplicate sequence is treated as already delivered.
type SQLSink struct {
	db *database.DB
}

// NewSQLSink creates the table if needed.
func NewSQLSink(ctx context.Context, db *database.DB) (*SQLSink, error) {
	s := &SQLSink{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS audit_events (
		sequence BIGINT PRIMARY KEY,
		id TEXT NOT NULL,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		intent_id TEXT NOT NULL DEFAULT '',
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		reason_code TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		body TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("audit: migrate audit_events: %w", err)
	}
	return nil
}

func (s *SQLSink) Name() string { return "sql" }

const insertEvent = `INSERT INTO audit_events
	(sequence, id, ts, kind, intent_id, from_state, to_state, actor, reason_code, correlation_id, previous_hash, hash, body)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func (s *SQLSink) Deliver(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(insertEvent),
		int64(e.Sequence), e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Kind),
		e.IntentID, e.FromState, e.ToState, e.Actor, string(e.Reason), e.CorrelationID,
		e.PreviousHash, e.Hash, string(body),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("audit: insert event %d: %w", e.Sequence, err)
	}
	return nil
}

// Load reads stored events in sequence order, for offline verification.
func (s *SQLSink) Load(ctx context.Context, afterSeq uint64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT body FROM audit_events WHERE sequence > $1 ORDER BY sequence`), int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("audit: load events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		var e Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("audit: decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
