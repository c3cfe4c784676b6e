// Package accnt accumulates per-thread CPU accounting, consumed by the
// MLFQS scheduler's recent_cpu bookkeeping and exposed to tests and the
// metrics endpoint as a usage snapshot.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates user and system time consumed by one thread.
// Both fields store nanoseconds. The embedded mutex lets a caller take
// a consistent snapshot of both fields together via Snapshot.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta time.Duration) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta time.Duration) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Snapshot returns a consistent (Userns, Sysns) pair.
func (a *Accnt_t) Snapshot() (time.Duration, time.Duration) {
	a.Lock()
	defer a.Unlock()
	return time.Duration(a.Userns), time.Duration(a.Sysns)
}

// Finish adds the child's accounting into the parent's, used when a
// parent reaps a child and wants wait4-style accumulated child usage.
func (a *Accnt_t) Finish(child *Accnt_t) {
	cu, cs := child.Snapshot()
	a.Lock()
	defer a.Unlock()
	a.Userns += int64(cu)
	a.Sysns += int64(cs)
}
