package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorTTL = 3 * time.Minute

// peerLimiter keeps one token bucket per uid. Stale buckets are pruned on
// access instead of by a background goroutine.
type peerLimiter struct {
	mu        sync.Mutex
	visitors  map[uint32]*visitor
	limit     rate.Limit
	burst     int
	lastPrune time.Time
	clock     func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newPeerLimiter(limit rate.Limit, burst int) *peerLimiter {
	return &peerLimiter{
		visitors: make(map[uint32]*visitor),
		limit:    limit,
		burst:    burst,
		clock:    time.Now,
	}
}

func (p *peerLimiter) allow(uid uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	if now.Sub(p.lastPrune) > time.Minute {
		for id, v := range p.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(p.visitors, id)
			}
		}
		p.lastPrune = now
	}
	v, ok := p.visitors[uid]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.visitors[uid] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
