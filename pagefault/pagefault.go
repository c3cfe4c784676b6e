// Package pagefault implements component J: the page-fault resolver.
// It classifies a fault against the faulting process's supplemental
// page table and either resolves it (swap-in, file-backed load, or
// stack growth) or terminates the process. It is grounded on
// `original_source/src/userprog/exception.c`'s decision tree —
// `page_fault`'s not-present/kernel-bug/stack-growth cascade — and on
// the teacher's `caller.Panicf` idiom for the two branches that
// indicate a kernel bug rather than a user-process error.
package pagefault

import (
	"github.com/sirupsen/logrus"

	"eduos/caller"
	"eduos/defs"
	"eduos/frame"
	"eduos/mem"
	"eduos/metrics"
	"eduos/spt"
	"eduos/swap"
)

// PhysBase is the boundary between user and kernel virtual address
// space, matching the original kernel's PHYS_BASE (0xC0000000): a
// 3 GiB/1 GiB split. Addresses below PhysBase are user addresses.
const PhysBase uint64 = 0xC0000000

// StackLimit is the maximum a process's stack may grow to, measured
// down from PhysBase.
const StackLimit uint64 = 8 * 1024 * 1024

// PageSize matches mem.PageSize; pages are the fault-resolution unit.
const PageSize = mem.PageSize

// Access describes one faulting memory access.
type Access struct {
	Addr       uint64 // faulting virtual address
	Write      bool   // true if the access was a write
	User       bool   // true if the faulting code was running in user mode
	Esp        uint64 // the faulting frame's saved stack pointer
	FaultOwner defs.Tid_t
}

// Outcome names how a fault was resolved, for metrics and logging.
type Outcome string

const (
	ResolvedSwap  Outcome = "swap"
	ResolvedFile  Outcome = "file"
	ResolvedStack Outcome = "stack_growth"
	Terminated    Outcome = "terminated"
)

func isUserAddr(addr uint64) bool {
	return addr < PhysBase
}

func pageOf(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// Resolver ties together the frame table, swap area, and metrics every
// fault resolution needs.
type Resolver struct {
	ft  *frame.Table
	sw  *swap.Swap
	log *logrus.Entry
	met *metrics.Set
}

// New constructs a Resolver.
func New(ft *frame.Table, sw *swap.Swap, log *logrus.Entry, met *metrics.Set) *Resolver {
	return &Resolver{ft: ft, sw: sw, log: log.WithField("component", "pagefault"), met: met}
}

// install allocates a fresh frame for page, fills it via fill, and
// records the mapping in table under upage. The caller is responsible
// for whatever real page-table mapping is simulated above this layer;
// this function's job ends at the SPT/frame-table bookkeeping.
func (r *Resolver) install(table *spt.SPT, owner defs.Tid_t, upage uint64, writable bool, fill func(kp *mem.Page) error) (*frame.Entry, error) {
	fe, err := r.ft.Alloc(owner, upage, r.sw)
	if err != nil {
		return nil, err
	}
	if fill != nil {
		if err := fill(fe.Kpage); err != nil {
			r.ft.Free(fe)
			return nil, err
		}
	}
	fe.Settling = false
	if existing, ok := table.Lookup(upage); ok && existing != nil {
		if err := table.SetInFrame(upage, fe, writable); err != nil {
			r.ft.Free(fe)
			return nil, err
		}
	} else {
		table.InstallInFrame(upage, fe, writable)
	}
	return fe, nil
}

// Resolve runs the fault-classification decision tree against acc,
// using table as the faulting process's supplemental page table. It
// returns the outcome; a Terminated outcome means the caller must exit
// the process with status -1.
func (r *Resolver) Resolve(acc Access, table *spt.SPT) Outcome {
	upage := pageOf(acc.Addr)

	entry, hasEntry := table.Lookup(upage)

	// Step 1: kernel-mode access to a non-user address with no SPT
	// entry is a kernel bug, not a user-process error.
	if !acc.User && !isUserAddr(acc.Addr) && !hasEntry {
		caller.Panicf("pagefault: kernel access to unmapped address %#x (esp=%#x)", acc.Addr, acc.Esp)
	}

	// Step 2: a known page, if the access is compatible with it.
	if hasEntry {
		if acc.Write && !entry.Writable {
			return r.terminate(acc)
		}
		if !isUserAddr(acc.Addr) {
			return r.terminate(acc)
		}
		switch entry.State {
		case spt.InSwap:
			slot := entry.Slot()
			_, err := r.install(table, acc.FaultOwner, upage, entry.Writable, func(kp *mem.Page) error {
				return r.sw.In(slot, kp[:])
			})
			if err != nil {
				r.log.WithError(err).Error("swap-in resolution failed")
				return r.terminate(acc)
			}
			r.count(ResolvedSwap)
			return ResolvedSwap
		case spt.InFile:
			file, offset, readBytes, zeroBytes := entry.FileInfo()
			_, err := r.install(table, acc.FaultOwner, upage, entry.Writable, func(kp *mem.Page) error {
				if readBytes > 0 {
					if _, errno := file.Lseek(offset, 0); errno != 0 {
						return errnoError(errno)
					}
					if _, errno := file.Read(kp[:readBytes]); errno != 0 {
						return errnoError(errno)
					}
				}
				for i := readBytes; i < readBytes+zeroBytes && i < PageSize; i++ {
					kp[i] = 0
				}
				return nil
			})
			if err != nil {
				r.log.WithError(err).Error("file-backed resolution failed")
				return r.terminate(acc)
			}
			r.count(ResolvedFile)
			return ResolvedFile
		default:
			// IN_FRAME already resident; nothing to do but this should
			// never fault in a correctly maintained page directory.
			caller.Panicf("pagefault: fault on already-resident page %#x", upage)
		}
	}

	// Step 3: plausible stack growth.
	if isUserAddr(acc.Addr) && acc.Addr < PhysBase {
		plausible := acc.Addr == acc.Esp || acc.Addr == acc.Esp-4 || acc.Addr == acc.Esp-32
		withinLimit := PhysBase-upage <= StackLimit
		if plausible && withinLimit {
			_, err := r.install(table, acc.FaultOwner, upage, true, nil)
			if err != nil {
				r.log.WithError(err).Error("stack growth failed")
				return r.terminate(acc)
			}
			r.count(ResolvedStack)
			return ResolvedStack
		}
	}

	// Step 4: nothing resolves this fault.
	return r.terminate(acc)
}

func (r *Resolver) terminate(acc Access) Outcome {
	r.count(Terminated)
	r.log.WithField("addr", acc.Addr).WithField("owner", acc.FaultOwner).
		Warn("unresolvable page fault, terminating process")
	return Terminated
}

func (r *Resolver) count(o Outcome) {
	if r.met != nil {
		r.met.FaultsByKind.WithLabelValues(string(o)).Inc()
	}
}

type errnoError defs.Err_t

func (e errnoError) Error() string {
	return "pagefault: file I/O failed with errno"
}
