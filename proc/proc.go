// Package proc implements process lifecycle — execute, wait, exit,
// and the argument-construction contract the syscall layer's
// simulated user stack depends on. The ELF loader and the
// trap-into-user-mode mechanism are out of scope; "executing a
// program" here means standing up everything below user mode — a
// kernel thread, a supplemental page table, a descriptor table, and
// an initial stack page carrying argv — not interpreting an ELF
// image. It is grounded on
// `original_source/src/userprog/process.c`'s process_execute/
// start_process/process_wait/process_exit sequence, the wait_sema/
// exit_sema handshake as the fix for the parent/child
// cyclic-reference hazard, and accnt.Accnt_t's vocabulary for
// per-thread CPU-time bookkeeping.
package proc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"eduos/accnt"
	"eduos/console"
	"eduos/defs"
	"eduos/fd"
	"eduos/frame"
	"eduos/fs"
	"eduos/mem"
	"eduos/metrics"
	"eduos/pagefault"
	"eduos/spt"
	"eduos/swap"
	"eduos/synch"
	"eduos/thread"
)

// PhysBase is the user/kernel virtual address split; matches
// pagefault.PhysBase.
const PhysBase = pagefault.PhysBase

// PathMax bounds how many bytes CopyInString will read before giving
// up on ever finding a NUL, guarding against a malicious/buggy user
// pointer that never terminates.
const PathMax = 512

// Deps bundles the subsystem handles every process needs. One Deps is
// shared by every process in the kernel — the subset of a
// *kernel.Kernel that process lifecycle touches — passed by value
// instead of importing package kernel directly (kernel itself must
// import proc to stand up the first process at boot, so the
// dependency can only point one way).
type Deps struct {
	Sched   *thread.Scheduler
	FS      *fs.FS
	Frames  *frame.Table
	Swap    *swap.Swap
	Fault   *pagefault.Resolver
	Console *console.Ring
	Log     *logrus.Entry
	Met     *metrics.Set
}

// mmapRegion tracks one active mmap call's pages so Munmap can tear
// them all down together.
type mmapRegion struct {
	file   *fs.File
	length int
	upages []uint64
}

// Process is one user process: a kernel thread plus everything a
// process needs beyond it — fd table, cwd, supplemental page table,
// wait/exit semaphores, and parent/child bookkeeping.
type Process struct {
	deps Deps

	Th   *thread.Thread
	Tid  defs.Tid_t
	Name string

	SPT   *spt.SPT
	Fds   *fd.Table_t
	Cwd   *fs.Cwd
	Accnt *accnt.Accnt_t

	mu         sync.Mutex
	esp        uint64
	dirCursors map[int]int

	Parent   *Process
	children map[defs.Tid_t]*Process
	waited   map[defs.Tid_t]bool

	waitSema *synch.Sema_t
	exitSema *synch.Sema_t

	exitStatus  int
	loadSuccess bool

	exe *fs.File

	mmaps     map[int]*mmapRegion
	nextMapID int

	killCh chan int
}

// New constructs a Process without starting it. Used both internally
// by Execute and for the kernel's initial/root process, which has no
// parent and no command line to exec — it is simply the first
// schedulable entity, its cwd set by the caller once the root
// directory exists.
func New(deps Deps, parent *Process, name string) *Process {
	return &Process{
		deps:       deps,
		Name:       name,
		SPT:        spt.New(),
		Fds:        fd.NewTable(),
		Cwd:        fs.NewCwd(),
		Accnt:      &accnt.Accnt_t{},
		Parent:     parent,
		children:   make(map[defs.Tid_t]*Process),
		waited:     make(map[defs.Tid_t]bool),
		waitSema:   synch.MkSema(0),
		exitSema:   synch.MkSema(0),
		mmaps:      make(map[int]*mmapRegion),
		dirCursors: make(map[int]int),
		killCh:     make(chan int, 1),
	}
}

// FS exposes the file-system façade this process's deps were
// constructed with, for the syscall layer's path-based operations.
func (p *Process) FS() *fs.FS { return p.deps.FS }

// Console exposes the shared console ring the syscall layer's fd 0/1
// handlers read and write directly, bypassing the descriptor table the
// way the original kernel's read/write syscalls special-case fd 0/1.
func (p *Process) Console() *console.Ring { return p.deps.Console }

// Log exposes the process's logger, for the syscall layer to report
// dispatch-level failures (bad fd, bad pointer) the same way every
// other component logs through a *logrus.Entry.
func (p *Process) Log() *logrus.Entry { return p.deps.Log }

// Esp returns the process's current simulated user stack pointer, the
// value the page-fault resolver's stack-growth heuristic compares a
// faulting address against.
func (p *Process) Esp() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.esp
}

// SetEsp updates the simulated stack pointer, called by the syscall
// layer as it "returns to user mode" after servicing a dispatch.
func (p *Process) SetEsp(esp uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.esp = esp
}

// Execute tokenizes commandLine, creates a child thread running
// start_process, and blocks the caller on the child's wait_sema until
// the child reports whether its load succeeded.
func (parent *Process) Execute(commandLine string, priority int) (*Process, defs.Err_t) {
	argv := strings.Fields(commandLine)
	if len(argv) == 0 {
		return nil, -defs.EINVAL
	}

	child := New(parent.deps, parent, argv[0])
	child.Cwd = &fs.Cwd{Sector: parent.Cwd.Sector}

	th := parent.deps.Sched.Create(argv[0], priority, func() {
		child.runLoop(argv)
	})
	child.Th = th
	child.Tid = th.Tid

	parent.mu.Lock()
	parent.children[child.Tid] = child
	parent.mu.Unlock()

	child.waitSema.Down()
	if !child.loadSuccess {
		return nil, -defs.ENOEXEC
	}
	return child, 0
}

// runLoop is the body run on the child's dedicated kernel-thread
// goroutine once the scheduler hands it the baton. It loads the named
// program, reports load success to the blocked parent, then — since
// there is no real user mode to jump to — waits for an explicit Exit
// call (standing in for the process running until it calls the EXIT
// syscall) before tearing itself down.
func (p *Process) runLoop(argv []string) {
	p.load(argv)
	p.waitSema.Up()
	if !p.loadSuccess {
		return
	}
	status := <-p.killCh
	p.doExit(status)
}

// load stands up the address space a real ELF loader would build: a
// deny-write handle on the named executable (protecting it from
// writes for the process's lifetime), a lazily-loaded read-only
// "text" mapping over the whole file (demonstrating install_in_file
// the way the ELF loader's segment mapping would), and one
// zero-filled, writable stack page at the top of the address space
// carrying the constructed argv.
func (p *Process) load(argv []string) {
	exe, errt := p.deps.FS.OpenFile(p.Cwd, argv[0], true)
	if errt != 0 {
		p.loadSuccess = false
		return
	}
	p.exe = exe

	size, _, _ := exe.Fstat()
	const textBase = uint64(0x08048000)
	for off := 0; off < size; off += mem.PageSize {
		readBytes := mem.PageSize
		if off+readBytes > size {
			readBytes = size - off
		}
		up := textBase + uint64(off)
		p.SPT.InstallInFile(up, exe, off, readBytes, mem.PageSize-readBytes, false, false)
	}

	stackPage := PhysBase - mem.PageSize
	fe, err := p.deps.Frames.Alloc(p.Tid, stackPage, p.deps.Swap)
	if err != nil {
		p.deps.Log.WithError(err).Error("stack frame allocation failed")
		p.loadSuccess = false
		return
	}
	esp := buildStack(fe.Kpage, argv)
	fe.Settling = false
	p.SPT.InstallInFrame(stackPage, fe, true)
	p.SetEsp(stackPage + uint64(esp))
	p.loadSuccess = true
}

// putU32 writes v in little-endian order at off, matching the x86
// user stack's native byte order.
func putU32(kp *mem.Page, off int, v uint32) {
	kp[off] = byte(v)
	kp[off+1] = byte(v >> 8)
	kp[off+2] = byte(v >> 16)
	kp[off+3] = byte(v >> 24)
}

// buildStack lays out argv on kp: each argument's
// bytes (NUL-terminated) pushed in reverse order, padded to 4-byte
// alignment, a null pointer, the address of each argv entry in
// reverse, then argv, argc, and a zero return address. kp is the stack
// page mapped at PhysBase-PageSize, and the pointers written are user
// virtual addresses within it. It returns the resulting stack pointer
// as an offset within kp.
func buildStack(kp *mem.Page, argv []string) int {
	base := uint32(PhysBase - mem.PageSize)
	pos := mem.PageSize
	addrs := make([]int, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		s := argv[i] + "\x00"
		pos -= len(s)
		copy(kp[pos:], s)
		addrs[i] = pos
	}
	for pos%4 != 0 {
		pos--
		kp[pos] = 0
	}
	pos -= 4
	putU32(kp, pos, 0) // argv[argc] sentinel
	for i := len(argv) - 1; i >= 0; i-- {
		pos -= 4
		putU32(kp, pos, base+uint32(addrs[i]))
	}
	argvPtr := pos
	pos -= 4
	putU32(kp, pos, base+uint32(argvPtr))
	pos -= 4
	putU32(kp, pos, uint32(len(argv)))
	pos -= 4
	putU32(kp, pos, 0) // fake return address
	return pos
}

// Exit requests that the process terminate with status, standing in
// for the EXIT syscall's trap into the kernel. It is asynchronous:
// the process only actually tears down once its runLoop goroutine
// observes the request.
func (p *Process) Exit(status int) {
	select {
	case p.killCh <- status:
	default:
	}
}

// doExit closes every descriptor and
// mapping, destroys the supplemental page table, prints the exit
// line, then ups wait_sema (releasing a blocked Wait call) and blocks
// on exit_sema until the parent reaps the exit status.
func (p *Process) doExit(status int) {
	p.Fds.CloseAll()

	p.mu.Lock()
	regions := make([]*mmapRegion, 0, len(p.mmaps))
	for _, r := range p.mmaps {
		regions = append(regions, r)
	}
	p.mmaps = make(map[int]*mmapRegion)
	p.mu.Unlock()
	for _, r := range regions {
		if err := p.writebackRegion(r); err != nil {
			p.deps.Log.WithError(err).Warn("mmap writeback at exit failed")
		}
	}

	if p.exe != nil {
		p.exe.Close()
	}
	if err := p.SPT.Destroy(p.deps.Frames, p.deps.Swap); err != nil {
		p.deps.Log.WithError(err).Warn("supplemental page table teardown failed")
	}

	p.mu.Lock()
	p.exitStatus = status
	p.mu.Unlock()

	line := fmt.Sprintf("%s: exit(%d)\n", p.Name, status)
	if p.deps.Console != nil {
		p.deps.Console.Write([]byte(line))
	} else if p.deps.Log != nil {
		p.deps.Log.Info(strings.TrimSuffix(line, "\n"))
	}

	p.waitSema.Up()
	p.exitSema.Down()
}

// Wait blocks until the named child exits, reads its status, and
// releases the child to finish reaping.
// Each child may be waited for at most once.
func (p *Process) Wait(childTid defs.Tid_t) (int, defs.Err_t) {
	p.mu.Lock()
	child, ok := p.children[childTid]
	already := p.waited[childTid]
	p.mu.Unlock()
	if !ok || already {
		return -1, -defs.ECHILD
	}

	child.waitSema.Down()

	p.mu.Lock()
	p.waited[childTid] = true
	p.mu.Unlock()

	status := child.exitStatus
	child.exitSema.Up()
	return status, 0
}

// faultIn resolves page (a page-aligned user address) into a resident
// frame, running it through the page-fault resolver if it is not
// already IN_FRAME — exactly what a hardware page fault taken on a
// user pointer from kernel mode would do.
func (p *Process) faultIn(page uint64, mustWritable bool) (*frame.Entry, defs.Err_t) {
	entry, ok := p.SPT.Lookup(page)
	if ok && entry.State == spt.InFrame {
		if mustWritable && !entry.Writable {
			return nil, -defs.EFAULT
		}
		return entry.FrameEntry(), 0
	}
	acc := pagefault.Access{Addr: page, Write: mustWritable, User: false, Esp: p.Esp(), FaultOwner: p.Tid}
	if outcome := p.deps.Fault.Resolve(acc, p.SPT); outcome == pagefault.Terminated {
		return nil, -defs.EFAULT
	}
	entry, ok = p.SPT.Lookup(page)
	if !ok {
		return nil, -defs.EFAULT
	}
	if mustWritable && !entry.Writable {
		return nil, -defs.EFAULT
	}
	return entry.FrameEntry(), 0
}

// PinRange validates that [addr, addr+n) lies entirely in user
// address space, faults in any page of it that is not yet resident,
// and pins every touched frame so it cannot be evicted out from under
// the access in progress. Callers must UnpinAll the result on every
// exit path.
func (p *Process) PinRange(addr uint64, n int, mustWritable bool) ([]*frame.Entry, defs.Err_t) {
	if n == 0 {
		return nil, 0
	}
	if addr >= PhysBase || addr+uint64(n) > PhysBase || addr+uint64(n) < addr {
		return nil, -defs.EFAULT
	}
	start := addr &^ (mem.PageSize - 1)
	end := (addr + uint64(n) - 1) &^ (mem.PageSize - 1)

	var pinned []*frame.Entry
	for page := start; page <= end; page += mem.PageSize {
		fe, errt := p.faultIn(page, mustWritable)
		if errt != 0 {
			p.UnpinAll(pinned)
			return nil, errt
		}
		p.deps.Frames.Pin(fe)
		pinned = append(pinned, fe)
	}
	return pinned, 0
}

// UnpinAll releases every frame PinRange pinned.
func (p *Process) UnpinAll(entries []*frame.Entry) {
	for _, fe := range entries {
		p.deps.Frames.Unpin(fe)
	}
}

// CopyIn validates, pins, and copies n bytes of user memory starting
// at addr into a freshly allocated kernel-side buffer.
func (p *Process) CopyIn(addr uint64, n int) ([]byte, defs.Err_t) {
	pages, errt := p.PinRange(addr, n, false)
	if errt != 0 {
		return nil, errt
	}
	defer p.UnpinAll(pages)

	out := make([]byte, n)
	cur, oi, remain := addr, 0, n
	for _, fe := range pages {
		off := int(cur % mem.PageSize)
		take := mem.PageSize - off
		if take > remain {
			take = remain
		}
		copy(out[oi:oi+take], fe.Kpage[off:off+take])
		oi += take
		remain -= take
		cur += uint64(take)
	}
	return out, 0
}

// CopyOut validates, pins (requiring the writable bit, since it
// writes into the destination buffer), and copies data into user
// memory starting at addr, marking any mmap page it touches dirty so
// Munmap/exit know to write it back.
func (p *Process) CopyOut(addr uint64, data []byte) defs.Err_t {
	pages, errt := p.PinRange(addr, len(data), true)
	if errt != 0 {
		return errt
	}
	defer p.UnpinAll(pages)

	cur, oi, remain := addr, 0, len(data)
	for _, fe := range pages {
		off := int(cur % mem.PageSize)
		take := mem.PageSize - off
		if take > remain {
			take = remain
		}
		copy(fe.Kpage[off:off+take], data[oi:oi+take])
		p.SPT.MarkDirty(cur &^ (mem.PageSize - 1))
		oi += take
		remain -= take
		cur += uint64(take)
	}
	return 0
}

// CopyInString reads a NUL-terminated string starting at addr, up to
// PathMax bytes, validating one byte at a time so it never reads past
// the terminator even when the caller does not know the string's
// length in advance.
func (p *Process) CopyInString(addr uint64) (string, defs.Err_t) {
	var b []byte
	for i := 0; i < PathMax; i++ {
		chunk, errt := p.CopyIn(addr+uint64(i), 1)
		if errt != 0 {
			return "", errt
		}
		if chunk[0] == 0 {
			return string(b), 0
		}
		b = append(b, chunk[0])
	}
	return "", -defs.E2BIG
}

// Mmap implements the MMAP syscall's underlying mechanism: every page
// of file, from offset 0 through length, is installed as a lazy
// IN_FILE entry at consecutive addresses starting at addr.
func (p *Process) Mmap(file *fs.File, addr uint64, length int) (int, defs.Err_t) {
	if addr == 0 || addr%mem.PageSize != 0 || length <= 0 {
		return -1, -defs.EINVAL
	}
	npages := (length + mem.PageSize - 1) / mem.PageSize
	upages := make([]uint64, npages)
	for i := 0; i < npages; i++ {
		up := addr + uint64(i*mem.PageSize)
		if up >= PhysBase {
			return -1, -defs.EINVAL
		}
		if _, ok := p.SPT.Lookup(up); ok {
			return -1, -defs.EINVAL
		}
		upages[i] = up
	}
	for i, up := range upages {
		off := i * mem.PageSize
		readBytes := mem.PageSize
		if off+readBytes > length {
			readBytes = length - off
		}
		p.SPT.InstallInFile(up, file, off, readBytes, mem.PageSize-readBytes, true, true)
	}

	p.mu.Lock()
	id := p.nextMapID
	p.nextMapID++
	p.mmaps[id] = &mmapRegion{file: file, length: length, upages: upages}
	p.mu.Unlock()
	return id, 0
}

// Munmap implements the MUNMAP syscall: write back any dirty page of
// the mapping and drop its supplemental-page-table entries.
func (p *Process) Munmap(id int) defs.Err_t {
	p.mu.Lock()
	region, ok := p.mmaps[id]
	if ok {
		delete(p.mmaps, id)
	}
	p.mu.Unlock()
	if !ok {
		return -defs.EINVAL
	}
	if err := p.writebackRegion(region); err != nil {
		return -defs.EIO
	}
	return 0
}

// writebackRegion performs Destroy-style teardown for mmap pages: a
// resident dirty page is written straight from its frame; a
// swapped-out dirty page is read back in first.
// Clean pages and never-faulted pages need no I/O at all.
func (p *Process) writebackRegion(region *mmapRegion) error {
	ino := region.file.Inode()
	c, fm := p.deps.FS.Cache(), p.deps.FS.Freemap()
	for _, up := range region.upages {
		entry, ok := p.SPT.Lookup(up)
		if !ok {
			continue
		}
		switch entry.State {
		case spt.InFrame:
			if entry.Dirty {
				if _, err := ino.WriteAt(entry.Frame.Kpage[:entry.ReadBytes], entry.FileOffset, c, fm); err != nil {
					return err
				}
			}
			p.deps.Frames.Free(entry.Frame)
		case spt.InSwap:
			if entry.Dirty {
				var buf mem.Page
				if err := p.deps.Swap.In(entry.SwapSlot, buf[:]); err != nil {
					return err
				}
				if _, err := ino.WriteAt(buf[:entry.ReadBytes], entry.FileOffset, c, fm); err != nil {
					return err
				}
			} else {
				p.deps.Swap.Free(entry.SwapSlot)
			}
		case spt.InFile:
			// Never faulted in; nothing resident to release or flush.
		}
		p.SPT.Remove(up)
	}
	return nil
}

// NextDirCursor returns and advances the READDIR iteration position
// recorded for the directory open at descriptor fdNum, so repeated
// READDIR syscalls on the same fd walk forward one entry at a time.
func (p *Process) NextDirCursor(fdNum int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.dirCursors[fdNum]
	p.dirCursors[fdNum] = idx + 1
	return idx
}
