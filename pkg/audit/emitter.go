package audit

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// Sink is an external consumer of the event stream.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Recorder is what state machines and listeners write through.
type Recorder interface {
	Record(ctx context.Context, e Event) (Event, error)
}

// EmitterConfig bounds asynchronous sink delivery.
type EmitterConfig struct {
	QueueSize       int
	DeliveryTimeout time.Duration
}

// DefaultEmitterConfig returns a 1024-event queue and 5s per delivery.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{QueueSize: 1024, DeliveryTimeout: 5 * time.Second}
}

// Emitter appends events to the log synchronously and fans them out to sinks
// from a single background worker. Sinks never block Record; every failed or
// dropped delivery becomes a sink_failure event in the log.
type Emitter struct {
	log     *Log
	sinks   []Sink
	cfg     EmitterConfig
	queue   chan Event
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	onEvent func(Event)
	logger  *slog.Logger
}

// NewEmitter starts the delivery worker.
func NewEmitter(log *Log, cfg EmitterConfig, sinks ...Sink) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultEmitterConfig().QueueSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultEmitterConfig().DeliveryTimeout
	}
	e := &Emitter{
		log:    log,
		sinks:  sinks,
		cfg:    cfg,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "audit"),
	}
	go e.run()
	return e
}

// OnEvent registers a synchronous observer (metrics). It must not block.
func (e *Emitter) OnEvent(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

// Log returns the underlying chain.
func (e *Emitter) Log() *Log { return e.log }

// Record appends ev to the chain and schedules sink delivery.
func (e *Emitter) Record(ctx context.Context, ev Event) (Event, error) {
	stored, err := e.log.Append(ev)
	if err != nil {
		e.logger.ErrorContext(ctx, "audit append failed", "kind", ev.Kind, "reason_code", ev.Reason, "error", err)
		return Event{}, err
	}

	e.mu.RLock()
	observer := e.onEvent
	var dropped bool
	if !e.closed && len(e.sinks) > 0 {
		select {
		case e.queue <- stored:
		default:
			dropped = true
		}
	}
	e.mu.RUnlock()

	if observer != nil {
		observer(stored)
	}
	if dropped {
		e.recordFailure(ctx, "*", stored, "delivery queue full", false)
	}
	return stored, nil
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		for _, s := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DeliveryTimeout)
			err := s.Deliver(ctx, ev)
			cancel()
			if err == nil {
				continue
			}
			if ev.Kind == KindSinkFailure {
				// Reporting a failure about a failure would loop.
				e.logger.Error("audit sink failure not delivered", "sink", s.Name(), "sequence", ev.Sequence, "error", err)
				continue
			}
			e.recordFailure(context.Background(), s.Name(), ev, err.Error(), true)
		}
	}
}

// recordFailure appends a sink_failure event. When enqueue is set it is also
// offered to the sinks, without blocking.
func (e *Emitter) recordFailure(ctx context.Context, sink string, failed Event, cause string, enqueue bool) {
	e.logger.WarnContext(ctx, "audit sink delivery failed", "sink", sink, "sequence", failed.Sequence, "error", cause)
	stored, err := e.log.Append(Event{
		Kind:          KindSinkFailure,
		IntentID:      failed.IntentID,
		Reason:        reason.AuditSinkDeliveryFailed,
		CorrelationID: failed.CorrelationID,
		Detail: map[string]string{
			"sink":            sink,
			"failed_sequence": strconv.FormatUint(failed.Sequence, 10),
			"failed_kind":     string(failed.Kind),
			"error":           cause,
		},
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "audit append failed", "error", err)
		return
	}
	if !enqueue {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- stored:
	default:
	}
}

// Close stops accepting deliveries and waits for the queue to drain or ctx
// to end. Record keeps appending to the chain afterwards.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
