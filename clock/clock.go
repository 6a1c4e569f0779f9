// Package clock provides the single timing abstraction shared by the
// election timer, heartbeat ticker, and delivery backoff scheduler.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts time so election timeouts, heartbeats, and retry
// scheduling can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
	// Jitter returns base scaled by a uniform random factor in
	// [1-pct, 1+pct].
	Jitter(base time.Duration, pct float64) time.Duration
	// RandomBetween returns a duration drawn uniformly from [lo, hi].
	RandomBetween(lo, hi time.Duration) time.Duration
}

// Timer mirrors the subset of time.Timer the consensus loop needs,
// so it can be swapped for a manual implementation in tests.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// Real is the production Clock backed by the time package.
type Real struct {
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewReal constructs a wall-clock Clock.
func NewReal() *Real {
	return &Real{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (c *Real) Now() time.Time { return time.Now() }

func (c *Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (c *Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (c *Real) Jitter(base time.Duration, pct float64) time.Duration {
	c.rngMu.Lock()
	factor := 1 + (c.rng.Float64()*2-1)*pct
	c.rngMu.Unlock()
	return time.Duration(float64(base) * factor)
}

func (c *Real) RandomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	c.rngMu.Lock()
	d := lo + time.Duration(c.rng.Int63n(int64(hi-lo)))
	c.rngMu.Unlock()
	return d
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time     { return r.t.C }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }
