package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type addrLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// limiterStore holds one token bucket per remote address.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*addrLimiter
	rate     rate.Limit
	burst    int
}

func newLimiterStore(r rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: make(map[string]*addrLimiter),
		rate:     r,
		burst:    burst,
	}
}

func (s *limiterStore) allow(addr string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[addr]
	if !ok {
		l = &addrLimiter{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.limiters[addr] = l
	}
	l.lastUsed = now
	return l.limiter.AllowN(now, 1)
}

// sweep forgets addresses silent since before cutoff.
func (s *limiterStore) sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for addr, l := range s.limiters {
		if l.lastUsed.Before(cutoff) {
			delete(s.limiters, addr)
			removed++
		}
	}
	return removed
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
