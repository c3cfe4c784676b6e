// Package tinfo tracks the small bit of per-thread state that needs to
// survive independently of the scheduler's ready/sleep queues: whether
// the thread is still alive, whether it has been asked to die, and the
// channel/condvar pair used to notify it of that request. The teacher's
// original Tnote_t relied on a modified runtime's per-goroutine pointer
// slot (runtime.Gptr) to find "the current thread" from anywhere in the
// kernel; without that custom runtime this kernel instead looks the
// note up by Tid_t, explicitly, the same way every other shared table
// in this kernel is keyed rather than reached through ambient state.
package tinfo

import (
	"sync"

	"eduos/defs"
)

// Note_t stores per-thread liveness/kill state.
type Note_t struct {
	sync.Mutex
	Alive    bool
	Killed   bool
	Isdoomed bool

	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

// NewNote allocates a Note_t ready for a freshly created thread.
func NewNote() *Note_t {
	n := &Note_t{Alive: true}
	n.Killnaps.Killch = make(chan bool, 1)
	n.Killnaps.Cond = sync.NewCond(&n.Mutex)
	return n
}

// Doomed reports whether the thread has been marked for termination.
func (n *Note_t) Doomed() bool {
	n.Lock()
	defer n.Unlock()
	return n.Isdoomed
}

// Doom marks the thread for termination with the given error and wakes
// anything waiting on Killnaps.Cond.
func (n *Note_t) Doom(err defs.Err_t) {
	n.Lock()
	n.Isdoomed = true
	n.Killed = true
	n.Killnaps.Kerr = err
	n.Killnaps.Cond.Broadcast()
	n.Unlock()
	select {
	case n.Killnaps.Killch <- true:
	default:
	}
}

// Registry tracks the Note_t for every live thread, keyed by Tid_t.
type Registry struct {
	mu    sync.Mutex
	notes map[defs.Tid_t]*Note_t
}

// NewRegistry allocates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{notes: make(map[defs.Tid_t]*Note_t)}
}

// Add registers a note for tid.
func (r *Registry) Add(tid defs.Tid_t, n *Note_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[tid] = n
}

// Remove drops the note for tid.
func (r *Registry) Remove(tid defs.Tid_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notes, tid)
}

// Get returns the note for tid, if any.
func (r *Registry) Get(tid defs.Tid_t) (*Note_t, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[tid]
	return n, ok
}
