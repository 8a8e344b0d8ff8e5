package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log is the in-process, append-only, hash-chained event log.
type Log struct {
	mu       sync.RWMutex
	events   []Event
	byIntent map[string][]int
	sequence uint64
	head     string
	clock    func() time.Time
}

// NewLog creates an empty log anchored at "genesis".
func NewLog() *Log {
	return &Log{
		byIntent: make(map[string][]int),
		head:     genesis,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append assigns id, sequence, timestamp and chain hashes to e and stores it.
func (l *Log) Append(e Event) (Event, error) {
	if err := e.validate(); err != nil {
		return Event{}, err
	}
	e.Detail = cloneDetail(e.Detail)

	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = uuid.NewString()
	e.Sequence = l.sequence + 1
	e.Timestamp = l.clock().UTC()
	e.PreviousHash = l.head
	h, err := computeHash(e)
	if err != nil {
		return Event{}, err
	}
	e.Hash = h

	l.sequence = e.Sequence
	l.head = h
	l.events = append(l.events, e)
	if e.IntentID != "" {
		l.byIntent[e.IntentID] = append(l.byIntent[e.IntentID], len(l.events)-1)
	}
	return e, nil
}

// Restore loads a previously persisted chain into an empty log so new events
// continue it. The events must verify from genesis.
func (l *Log) Restore(events []Event) error {
	if err := VerifyEvents(genesis, events); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) > 0 {
		return fmt.Errorf("%w: restore into a non-empty log", ErrInvalidEvent)
	}
	for _, e := range events {
		e.Detail = cloneDetail(e.Detail)
		l.events = append(l.events, e)
		if e.IntentID != "" {
			l.byIntent[e.IntentID] = append(l.byIntent[e.IntentID], len(l.events)-1)
		}
		l.sequence = e.Sequence
		l.head = e.Hash
	}
	return nil
}

// Head returns the latest hash and sequence.
func (l *Log) Head() (string, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head, l.sequence
}

// Len returns the number of events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Kind       Kind
	IntentID   string
	StartSeq   uint64
	EndSeq     uint64
	Since      time.Time
	MaxResults int
}

func (f Filter) matches(e *Event) bool {
	switch {
	case f.Kind != "" && e.Kind != f.Kind:
		return false
	case f.IntentID != "" && e.IntentID != f.IntentID:
		return false
	case f.StartSeq > 0 && e.Sequence < f.StartSeq:
		return false
	case f.EndSeq > 0 && e.Sequence > f.EndSeq:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	}
	return true
}

// Query returns copies of matching events in sequence order.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	add := func(e *Event) bool {
		if !f.matches(e) {
			return true
		}
		c := *e
		c.Detail = cloneDetail(e.Detail)
		out = append(out, c)
		return f.MaxResults <= 0 || len(out) < f.MaxResults
	}
	if f.IntentID != "" {
		for _, i := range l.byIntent[f.IntentID] {
			if !add(&l.events[i]) {
				break
			}
		}
		return out
	}
	for i := range l.events {
		if !add(&l.events[i]) {
			break
		}
	}
	return out
}

// VerifyChain recomputes every hash from genesis.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := VerifyEvents(genesis, l.events); err != nil {
		return err
	}
	if n := len(l.events); n > 0 && l.events[n-1].Hash != l.head {
		return fmt.Errorf("%w: head does not match last event", ErrChainBroken)
	}
	return nil
}

func cloneDetail(d map[string]string) map[string]string {
	if len(d) == 0 {
		return nil
	}
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
