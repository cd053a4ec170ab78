// Package backoff implements the bounded-time adaptive wait used by the
// bucket state machine's CAS retries and the broadcast ring producer's
// wait for a drained cell. Ported from shmap::Backoff
// (backoff.h in the original source).
package backoff

import (
	"context"
	"runtime"
	"time"
)

// yieldLimit is the number of Next calls that cooperatively yield before
// the policy switches to exponential sleeping.
const yieldLimit = 10

// maxBackoffExp caps the sleep exponent so a single wait never exceeds
// roughly 1ms (1<<20 ns).
const maxBackoffExp = 20

// Backoff tracks elapsed time against a budget and the count of prior
// waits, producing the yield-then-exponential-sleep sequence described in
// spec.md §4.1.
type Backoff struct {
	start     time.Time
	timeout   time.Duration
	unbounded bool
	spin      int
}

// New returns a Backoff with the given total time budget. A zero or
// negative timeout means "no budget" — the first call to Next always
// reports expiry, matching a caller that wants to try exactly once.
func New(timeout time.Duration) *Backoff {
	return &Backoff{start: time.Now(), timeout: timeout}
}

// NewUnbounded returns a Backoff with no time budget at all: Next never
// gives up on its own. A caller still bounds the wait by using
// NextContext with a context that carries its own deadline or
// cancellation — with context.Background() the wait is truly forever,
// matching a producer that must only throttle, never fail.
func NewUnbounded() *Backoff {
	return &Backoff{start: time.Now(), unbounded: true}
}

// Next performs one backoff step and reports whether the caller should
// retry. The deadline check happens before any wait, and the budget
// includes time already spent inside prior waits — so Next never waits
// past the deadline by more than the last wait step.
func (b *Backoff) Next() bool {
	if !b.unbounded && time.Since(b.start) > b.timeout {
		return false
	}

	if b.spin < yieldLimit {
		runtime.Gosched()
	} else {
		exp := b.spin - yieldLimit
		if exp > maxBackoffExp {
			exp = maxBackoffExp
		}
		time.Sleep(time.Duration(1<<uint(exp)) * time.Nanosecond)
	}
	b.spin++
	return true
}

// NextContext is Next, but also gives up early if ctx is done. This is a
// Go-native addition (the original has no cancellation token) used by
// callers that want to thread a context.Context timeout/cancellation
// through Visit/Travel in addition to the fixed Backoff budget.
func (b *Backoff) NextContext(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return b.Next()
}

// Elapsed returns the time spent since the Backoff was constructed.
func (b *Backoff) Elapsed() time.Duration {
	return time.Since(b.start)
}
