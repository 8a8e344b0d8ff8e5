package audit

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-signer/pkg/blobstore"
	"github.com/Mindburn-Labs/helm-signer/pkg/database"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/secretstore"
)

func transition(intentID, from, to, ev string, code reason.Code) Event {
	return Event{Kind: KindTransition, IntentID: intentID, FromState: from, ToState: to, Event: ev, Actor: "agent", Reason: code}
}

func TestLogChainsAndVerifies(t *testing.T) {
	l := NewLog()
	for i := 0; i < 5; i++ {
		_, err := l.Append(transition("i-1", "received", "policy_evaluated", "evaluate", reason.AllowAutoPolicyOK))
		require.NoError(t, err)
	}
	head, seq := l.Head()
	assert.Equal(t, uint64(5), seq)
	assert.True(t, strings.HasPrefix(head, "sha256:"))
	require.NoError(t, l.VerifyChain())

	events := l.Query(Filter{})
	assert.Equal(t, genesis, events[0].PreviousHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Hash, events[i].PreviousHash)
	}

	// Mutating the stored copy breaks verification.
	l.events[2].Reason = reason.DenyGlobalLimit
	require.ErrorIs(t, l.VerifyChain(), ErrChainBroken)
}

func TestLogRejectsUnknownReason(t *testing.T) {
	l := NewLog()
	_, err := l.Append(Event{Kind: KindDecision, Reason: "MAYBE"})
	require.ErrorIs(t, err, ErrInvalidEvent)
	_, err = l.Append(Event{Reason: reason.DenyReplay})
	require.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, 0, l.Len())
}

func TestQueryReturnsCopies(t *testing.T) {
	l := NewLog()
	_, err := l.Append(Event{Kind: KindDecision, IntentID: "i-1", Reason: reason.PromptContextRequired, Detail: map[string]string{"k": "v"}})
	require.NoError(t, err)
	got := l.Query(Filter{IntentID: "i-1"})
	got[0].Detail["k"] = "changed"
	require.NoError(t, l.VerifyChain())
	assert.Empty(t, l.Query(Filter{IntentID: "i-2"}))
	assert.Len(t, l.Query(Filter{Kind: KindDecision, MaxResults: 1}), 1)
}

func TestReconstructExplainsOutcome(t *testing.T) {
	l := NewLog()
	steps := []Event{
		transition("i-9", "received", "policy_evaluated", "evaluate", reason.PromptUserLimitExceeded),
		{Kind: KindDecision, IntentID: "i-9", Reason: reason.PromptUserLimitExceeded, Layer: "user"},
		transition("i-9", "policy_evaluated", "await_user_approval", "require_approval", reason.PromptUserLimitExceeded),
		{Kind: KindTransitionRejected, IntentID: "i-9", FromState: "await_user_approval", Event: "begin_signing", Actor: "agent", Reason: reason.DenyInvalidTransition},
		transition("other", "received", "denied", "deny", reason.DenyGlobalLimit),
	}
	for _, e := range steps {
		_, err := l.Append(e)
		require.NoError(t, err)
	}

	trail, err := l.Reconstruct("i-9")
	require.NoError(t, err)
	assert.Len(t, trail.Events, 4)
	assert.Equal(t, "await_user_approval", trail.State)
	assert.Equal(t, reason.PromptUserLimitExceeded, trail.Outcome)
	assert.Equal(t, "user", trail.Layer)
	assert.Contains(t, trail.Steps[3], "rejected begin_signing")

	_, err = l.Reconstruct("unknown")
	require.Error(t, err)
}

func TestBundleExportVerify(t *testing.T) {
	l := NewLog()
	for i := 0; i < 4; i++ {
		_, err := l.Append(transition("i", "a", "b", "e", reason.AllowAutoPolicyOK))
		require.NoError(t, err)
	}
	b, err := l.ExportBundle(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b.StartSeq)
	assert.Equal(t, uint64(4), b.EndSeq)
	require.NoError(t, VerifyBundle(b))

	b.Events[0].Actor = "user"
	require.ErrorIs(t, VerifyBundle(b), ErrChainBroken)

	_, err = l.ExportBundle(4)
	require.Error(t, err)
}

type recordingSink struct {
	mu     sync.Mutex
	name   string
	events []Event
	fail   error
	block  chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, e Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestEmitterDeliversToSinks(t *testing.T) {
	good := &recordingSink{name: "good"}
	em := NewEmitter(NewLog(), DefaultEmitterConfig(), good)

	var observed int
	em.OnEvent(func(Event) { observed++ })
	for i := 0; i < 3; i++ {
		_, err := em.Record(context.Background(), transition("i", "a", "b", "e", reason.AllowAutoPolicyOK))
		require.NoError(t, err)
	}
	require.NoError(t, em.Close(context.Background()))
	assert.Equal(t, 3, good.count())
	assert.Equal(t, 3, observed)
}

func TestEmitterRecordsSinkFailure(t *testing.T) {
	bad := &recordingSink{name: "bad", fail: errors.New("disk full")}
	em := NewEmitter(NewLog(), DefaultEmitterConfig(), bad)

	_, err := em.Record(context.Background(), transition("i-3", "a", "b", "e", reason.AllowAutoPolicyOK))
	require.NoError(t, err)
	require.NoError(t, em.Close(context.Background()))

	failures := em.Log().Query(Filter{Kind: KindSinkFailure})
	require.Len(t, failures, 1)
	assert.Equal(t, reason.AuditSinkDeliveryFailed, failures[0].Reason)
	assert.Equal(t, "bad", failures[0].Detail["sink"])
	assert.Equal(t, "1", failures[0].Detail["failed_sequence"])
	assert.Equal(t, "i-3", failures[0].IntentID)
	require.NoError(t, em.Log().VerifyChain())
}

func TestEmitterNeverBlocksOnSlowSink(t *testing.T) {
	slow := &recordingSink{name: "slow", block: make(chan struct{})}
	em := NewEmitter(NewLog(), EmitterConfig{QueueSize: 1, DeliveryTimeout: time.Minute}, slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, _ = em.Record(context.Background(), transition("i", "a", "b", "e", reason.AllowAutoPolicyOK))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked on a slow sink")
	}
	close(slow.block)
	require.NoError(t, em.Close(context.Background()))

	dropped := em.Log().Query(Filter{Kind: KindSinkFailure})
	assert.NotEmpty(t, dropped)
	assert.Equal(t, "delivery queue full", dropped[0].Detail["error"])
}

func TestWriterSinkPrefix(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	require.NoError(t, s.Deliver(context.Background(), Event{Sequence: 1, Kind: KindPeerRejected, Reason: reason.DenyUnauthorizedIPCCaller}))
	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "AUDIT: {"))
	assert.Contains(t, line, `"reason_code":"DENY_UNAUTHORIZED_IPC_CALLER"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestSQLSinkInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs(int64(7), "id-7", sqlmock.AnyArg(), "transition", "i-1", "approved", "signing", "agent",
			"ALLOW_AUTO_POLICY_OK", "corr", "sha256:prev", "sha256:this", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink, err := NewSQLSink(context.Background(), database.Wrap(db, database.Postgres))
	require.NoError(t, err)
	err = sink.Deliver(context.Background(), Event{
		ID: "id-7", Sequence: 7, Timestamp: time.Now(), Kind: KindTransition, IntentID: "i-1",
		FromState: "approved", ToState: "signing", Actor: "agent", Reason: reason.AllowAutoPolicyOK,
		CorrelationID: "corr", PreviousHash: "sha256:prev", Hash: "sha256:this",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSinkSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, t.TempDir()+"/audit.db")
	require.NoError(t, err)
	defer db.Close()
	sink, err := NewSQLSink(ctx, db)
	require.NoError(t, err)

	l := NewLog()
	for i := 0; i < 3; i++ {
		e, err := l.Append(transition("i", "a", "b", "e", reason.AllowAutoPolicyOK))
		require.NoError(t, err)
		require.NoError(t, sink.Deliver(ctx, e))
	}
	// Redelivery is idempotent.
	first := l.Query(Filter{MaxResults: 1})[0]
	require.NoError(t, sink.Deliver(ctx, first))

	loaded, err := sink.Load(ctx, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	require.NoError(t, VerifyEvents(genesis, loaded))
}

func TestRestoreContinuesPersistedChain(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, t.TempDir()+"/audit.db")
	require.NoError(t, err)
	defer db.Close()
	sink, err := NewSQLSink(ctx, db)
	require.NoError(t, err)

	first := NewLog()
	for i := 0; i < 2; i++ {
		e, err := first.Append(transition("i", "a", "b", "e", reason.AllowAutoPolicyOK))
		require.NoError(t, err)
		require.NoError(t, sink.Deliver(ctx, e))
	}

	loaded, err := sink.Load(ctx, 0)
	require.NoError(t, err)
	second := NewLog()
	require.NoError(t, second.Restore(loaded))
	head, seq := second.Head()
	wantHead, wantSeq := first.Head()
	assert.Equal(t, wantHead, head)
	assert.Equal(t, wantSeq, seq)

	e, err := second.Append(transition("i", "b", "c", "e", reason.AllowAutoPolicyOK))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Sequence)
	assert.Equal(t, wantHead, e.PreviousHash)
	require.NoError(t, second.VerifyChain())
	assert.Len(t, second.Query(Filter{IntentID: "i"}), 3)

	assert.Error(t, second.Restore(loaded), "restore into a used log")

	tampered := append([]Event(nil), loaded...)
	tampered[1].Actor = "mallory"
	assert.ErrorIs(t, NewLog().Restore(tampered), ErrChainBroken)
}

func TestCheckpointer(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	secrets, err := secretstore.OpenLocal(t.TempDir())
	require.NoError(t, err)
	defer secrets.Close()

	em := NewEmitter(NewLog(), DefaultEmitterConfig())
	defer em.Close(ctx)
	cp := NewCheckpointer(em, blobs, secrets)

	none, err := cp.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	for i := 0; i < 3; i++ {
		_, err := em.Record(ctx, transition("i", "a", "b", "e", reason.AllowAutoPolicyOK))
		require.NoError(t, err)
	}
	first, err := cp.Checkpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, uint64(3), first.Sequence)

	verified, err := cp.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.BundleRef, verified.BundleRef)

	// The checkpoint event itself is picked up by the next bundle.
	second, err := cp.Checkpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, uint64(4), second.Sequence)
	_, err = cp.Verify(ctx)
	require.NoError(t, err)
}
