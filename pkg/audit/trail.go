package audit

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// Trail is the audit-only reconstruction of one intent's history.
type Trail struct {
	IntentID string
	Events   []Event
	// State is the to_state of the last accepted transition.
	State string
	// Outcome and Layer come from the most recent decision event.
	Outcome reason.Code
	Layer   string
	// Steps narrate the history, one line per event.
	Steps []string
}

// Reconstruct rebuilds why intentID ended where it did, using only the log.
func (l *Log) Reconstruct(intentID string) (*Trail, error) {
	events := l.Query(Filter{IntentID: intentID})
	if len(events) == 0 {
		return nil, fmt.Errorf("audit: no events for intent %s", intentID)
	}
	t := &Trail{IntentID: intentID, Events: events}
	for _, e := range events {
		switch e.Kind {
		case KindDecision:
			t.Outcome, t.Layer = e.Reason, e.Layer
			t.Steps = append(t.Steps, fmt.Sprintf("#%d decision %s at layer %s", e.Sequence, e.Reason, orNone(e.Layer)))
		case KindTransition:
			t.State = e.ToState
			t.Steps = append(t.Steps, fmt.Sprintf("#%d %s: %s -> %s (%s by %s)", e.Sequence, e.Event, e.FromState, e.ToState, e.Reason, orNone(e.Actor)))
		case KindTransitionRejected:
			t.Steps = append(t.Steps, fmt.Sprintf("#%d rejected %s from %s (%s by %s)", e.Sequence, e.Event, e.FromState, e.Reason, orNone(e.Actor)))
		default:
			t.Steps = append(t.Steps, fmt.Sprintf("#%d %s %s", e.Sequence, e.Kind, e.Reason))
		}
	}
	return t, nil
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
