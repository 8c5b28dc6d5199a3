package proxy

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// MaxConcurrentConnections bounds how many filter-task goroutines may be
// live at once, process-wide.
const MaxConcurrentConnections = 10000

// Admission is a process-wide counting semaphore gating how many
// connections may be in flight simultaneously. It is the only mutable
// state shared across connections; every accepted connection must acquire
// one permit before its tasks are spawned, and release it when the filter
// task — the longest-lived of the three tasks on denial paths — exits.
//
// Modeled on the admission-gating use of golang.org/x/sync/semaphore seen
// in the example pack's test-concurrency limiter ("only run N at a time"),
// rather than a hand-rolled buffered-channel token bucket.
type Admission struct {
	sem *semaphore.Weighted
}

// NewAdmission builds an Admission with the given number of permits.
func NewAdmission(max int64) *Admission {
	return &Admission{sem: semaphore.NewWeighted(max)}
}

// Acquire blocks until a permit is available or ctx is done.
func (a *Admission) Acquire(ctx context.Context) error {
	return a.sem.Acquire(ctx, 1)
}

// Release returns one permit to the pool.
func (a *Admission) Release() {
	a.sem.Release(1)
}
