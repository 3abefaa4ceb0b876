package engine

import (
	"sync"
	"time"
)

// circuit counts consecutive failures of one task key. Once the count
// reaches the trip threshold the key is refused for a cooldown that doubles
// with every further failure.
type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuits struct {
	mu sync.Mutex
	m  map[string]*circuit
}

func tripThreshold(cfg Config, opt Options) int {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return 0
	}
	if opt.CircuitTripFailures > 0 {
		return opt.CircuitTripFailures
	}
	return cfg.CircuitTripFailures
}

// expire forgets failures older than the reset window. Callers hold mu.
func (c *circuit) expire(now time.Time, resetAfter time.Duration) {
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > resetAfter {
		*c = circuit{}
	}
}

func (cs *circuits) isOpen(now time.Time, key string, cfg Config, opt Options) (time.Time, bool) {
	if tripThreshold(cfg, opt) == 0 {
		return time.Time{}, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := cs.m[key]
	if c == nil {
		return time.Time{}, false
	}
	c.expire(now, cfg.CircuitResetAfter)
	if now.Before(c.openUntil) {
		return c.openUntil, true
	}
	return time.Time{}, false
}

func (cs *circuits) record(now time.Time, key string, cfg Config, opt Options, err error) {
	trip := tripThreshold(cfg, opt)
	if trip == 0 {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err == nil {
		delete(cs.m, key)
		return
	}
	c := cs.m[key]
	if c == nil {
		c = &circuit{}
		cs.m[key] = c
	}
	c.expire(now, cfg.CircuitResetAfter)
	c.fails++
	c.lastFailure = now
	if c.fails < trip {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := trip; i < c.fails && d < cfg.CircuitMaxDelay; i++ {
		d *= 2
	}
	c.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (cs *circuits) open(now time.Time) []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []string
	for k, c := range cs.m {
		if now.Before(c.openUntil) {
			out = append(out, k)
		}
	}
	return out
}
