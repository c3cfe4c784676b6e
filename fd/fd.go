// Package fd implements the per-process open-file-descriptor table:
// small integers (>= 3, < 128, per the descriptor-table invariant in
// the data model) mapped to an Fdops_i plus the permission bits granted
// at open time.
package fd

import (
	"sync"

	"eduos/defs"
	"eduos/fdops"
)

// Permission bits recorded alongside an open descriptor.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// MinFd is the lowest descriptor number handed out; 0/1/2 are reserved
// the way stdin/stdout/stderr are on a Unix system, even though this
// kernel does not implement those three specially.
const MinFd = 3

// MaxFds is the size of a process's descriptor table.
const MaxFds = 128

// Fd_t represents one open file descriptor.
type Fd_t struct {
	Fops  fdops.Fdops_i
	Perms int
}

// Copyfd duplicates an open file descriptor by reopening the
// underlying Fdops_i, so the original and the copy can be closed
// independently without double-closing shared state.
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *f
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// Table_t is a process's descriptor table.
type Table_t struct {
	mu  sync.Mutex
	fds [MaxFds]*Fd_t
}

// NewTable allocates an empty descriptor table.
func NewTable() *Table_t {
	return &Table_t{}
}

// Install places f at the lowest free descriptor number >= MinFd and
// returns it, or -EMFILE if the table is full.
func (t *Table_t) Install(f *Fd_t) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := MinFd; i < MaxFds; i++ {
		if t.fds[i] == nil {
			t.fds[i] = f
			return i, 0
		}
	}
	return 0, -defs.EMFILE
}

// InstallAt places f at a specific descriptor number, replacing
// whatever was there. Unlike Install it accepts the reserved low
// descriptors, since this is how the kernel wires a process's console
// at fd 0/1 before handing the table to user code.
func (t *Table_t) InstallAt(n int, f *Fd_t) defs.Err_t {
	if n < 0 || n >= MaxFds {
		return -defs.EBADF
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fds[n] = f
	return 0
}

// Get returns the descriptor at n, or ok=false if unused.
func (t *Table_t) Get(n int) (*Fd_t, bool) {
	if n < 0 || n >= MaxFds {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.fds[n]
	return f, f != nil
}

// Remove clears descriptor n and returns what was there, if anything.
func (t *Table_t) Remove(n int) *Fd_t {
	if n < 0 || n >= MaxFds {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.fds[n]
	t.fds[n] = nil
	return f
}

// CloseAll closes every open descriptor, used at process exit.
func (t *Table_t) CloseAll() {
	t.mu.Lock()
	fds := t.fds
	t.fds = [MaxFds]*Fd_t{}
	t.mu.Unlock()
	for _, f := range fds {
		if f != nil {
			f.Fops.Close()
		}
	}
}

// Fork duplicates every non-cloexec descriptor for a child process
// (ELF exec semantics: cloexec descriptors do not survive exec).
func (t *Table_t) Fork(dropCloexec bool) (*Table_t, defs.Err_t) {
	nt := NewTable()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, f := range t.fds {
		if f == nil {
			continue
		}
		if dropCloexec && f.Perms&FD_CLOEXEC != 0 {
			continue
		}
		nf, err := Copyfd(f)
		if err != 0 {
			nt.CloseAll()
			return nil, err
		}
		nt.fds[i] = nf
	}
	return nt, 0
}
