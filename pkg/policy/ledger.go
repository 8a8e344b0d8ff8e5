package policy

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Usage is a user's spend so far today, the process-wide spend today, and
// whether the user's velocity budget is exhausted.
type Usage struct {
	UserDaily        uint64
	GlobalDaily      uint64
	VelocityExceeded bool
}

// Caps bound a reservation against the daily counters.
type Caps struct {
	UserDaily   uint64
	GlobalDaily uint64
}

// Reservation is spend held for one intent on one UTC day.
type Reservation struct {
	UserID string
	Amount uint64
	Day    string
}

// Reservation refusals. Any other Reserve error means the ledger could not
// be consulted.
var (
	ErrGlobalCapReached = errors.New("global daily cap reached")
	ErrUserCapReached   = errors.New("user daily cap reached")
	ErrVelocityReached  = errors.New("velocity limit reached")
)

// SpendLedger tracks spend. Usage must not consume anything. Reserve checks
// the caps and charges the amount as one atomic step, so concurrent intents
// cannot both pass the same check. Release refunds a reservation whose
// intent never reached the executor.
type SpendLedger interface {
	Usage(ctx context.Context, userID string, v Velocity, now time.Time) (Usage, error)
	Reserve(ctx context.Context, userID string, amount uint64, caps Caps, v Velocity, now time.Time) (Reservation, error)
	Release(ctx context.Context, r Reservation) error
}

func dayKey(t time.Time) string { return t.UTC().Format("20060102") }

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func addSaturating(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// MemoryLedger is a process-local SpendLedger.
type MemoryLedger struct {
	mu       sync.Mutex
	day      string
	user     map[string]uint64
	global   uint64
	limiters map[string]*velocityLimiter
}

type velocityLimiter struct {
	v   Velocity
	lim *rate.Limiter
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		user:     make(map[string]uint64),
		limiters: make(map[string]*velocityLimiter),
	}
}

func (m *MemoryLedger) limiter(userID string, v Velocity) *rate.Limiter {
	vl, ok := m.limiters[userID]
	if !ok || vl.v != v {
		every := time.Duration(v.Window) / time.Duration(v.Count)
		vl = &velocityLimiter{v: v, lim: rate.NewLimiter(rate.Every(every), v.Count)}
		m.limiters[userID] = vl
	}
	return vl.lim
}

// rollover resets the daily counters at the UTC day boundary.
func (m *MemoryLedger) rollover(now time.Time) {
	if d := dayKey(now); d != m.day {
		m.day = d
		m.user = make(map[string]uint64)
		m.global = 0
	}
}

func (m *MemoryLedger) Usage(_ context.Context, userID string, v Velocity, now time.Time) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(now)
	u := Usage{UserDaily: m.user[userID], GlobalDaily: m.global}
	if v.Enabled() {
		u.VelocityExceeded = m.limiter(userID, v).TokensAt(now) < 1
	}
	return u, nil
}

// Reserve consumes a velocity token only when both caps hold.
func (m *MemoryLedger) Reserve(_ context.Context, userID string, amount uint64, caps Caps, v Velocity, now time.Time) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(now)
	switch {
	case addSaturating(m.global, amount) > caps.GlobalDaily:
		return Reservation{}, ErrGlobalCapReached
	case addSaturating(m.user[userID], amount) > caps.UserDaily:
		return Reservation{}, ErrUserCapReached
	}
	if v.Enabled() && !m.limiter(userID, v).AllowN(now, 1) {
		return Reservation{}, ErrVelocityReached
	}
	m.user[userID] = addSaturating(m.user[userID], amount)
	m.global = addSaturating(m.global, amount)
	return Reservation{UserID: userID, Amount: amount, Day: m.day}, nil
}

// Release is a no-op once the reservation's day has rolled over.
func (m *MemoryLedger) Release(_ context.Context, r Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Day != m.day {
		return nil
	}
	m.user[r.UserID] = subFloor(m.user[r.UserID], r.Amount)
	m.global = subFloor(m.global, r.Amount)
	return nil
}
