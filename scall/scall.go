// Package scall implements component N: the syscall interface every
// user process dispatches into. It is grounded on
// `original_source/src/userprog/syscall.c`'s syscall_handler switch —
// each case's pointer-validation-then-call shape is preserved here as
// one Dispatcher method per syscall, minus the raw stack-decoding the
// real trap handler does (out of scope per the specification's own
// framing; see package proc's doc comment). A real trap layer would
// read these arguments off the user stack at f->esp and call the
// matching Dispatcher method with them decoded.
package scall

import (
	"github.com/sirupsen/logrus"

	"eduos/defs"
	"eduos/fd"
	"eduos/fdops"
	"eduos/fs"
	"eduos/inode"
	"eduos/metrics"
	"eduos/proc"
)

// Syscall numbers. The retrieved Pintos sources never shipped a
// syscall-nr.h, so these are assigned in the same order
// syscall_handler's switch lists them, rather than translated from a
// header that does not exist in the corpus.
type Syscall int

const (
	SysHalt Syscall = iota
	SysExit
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysMmap
	SysMunmap
	SysChdir
	SysMkdir
	SysReaddir
	SysIsdir
	SysInumber
	SysFibonacci
	SysMax4Int
)

// names gives each syscall number the label its metrics counter is
// partitioned by.
var names = map[Syscall]string{
	SysHalt: "halt", SysExit: "exit", SysExec: "exec", SysWait: "wait",
	SysCreate: "create", SysRemove: "remove", SysOpen: "open",
	SysFilesize: "filesize", SysRead: "read", SysWrite: "write",
	SysSeek: "seek", SysTell: "tell", SysClose: "close",
	SysMmap: "mmap", SysMunmap: "munmap", SysChdir: "chdir",
	SysMkdir: "mkdir", SysReaddir: "readdir", SysIsdir: "isdir",
	SysInumber: "inumber", SysFibonacci: "fibonacci", SysMax4Int: "max4int",
}

func (s Syscall) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return "unknown"
}

// NameMax bounds how many bytes a path/command-line argument may
// occupy, matching proc.PathMax.
const NameMax = proc.PathMax

// Dispatcher services syscalls on behalf of one process. A real
// trap-handler loop would construct one per process and route a
// decoded syscall number plus its arguments to the matching method.
type Dispatcher struct {
	P        *proc.Process
	Priority int // thread priority EXEC assigns the new process
	Halt     func()
	Log      *logrus.Entry
	Met      *metrics.Set
}

// New constructs a Dispatcher for process p. halt is invoked by the
// HALT syscall; most callers wire it to the kernel's shutdown path.
func New(p *proc.Process, priority int, halt func(), log *logrus.Entry, met *metrics.Set) *Dispatcher {
	return &Dispatcher{P: p, Priority: priority, Halt: halt, Log: log.WithField("component", "scall"), Met: met}
}

// count records one dispatch of sys in the syscalls-by-name metric.
func (d *Dispatcher) count(sys Syscall) {
	if d.Met != nil {
		d.Met.SyscallsTotal.WithLabelValues(sys.String()).Inc()
	}
}

// HaltCall implements SYS_HALT by invoking the configured shutdown
// hook.
func (d *Dispatcher) HaltCall() {
	d.count(SysHalt)
	if d.Halt != nil {
		d.Halt()
	}
}

// Exit implements SYS_EXIT: it requests the process terminate with
// status, matching exit()'s printf("%s: exit(%d)\n", ...) announcement
// (produced by proc.Process.doExit) and fd/mmap teardown.
func (d *Dispatcher) Exit(status int) {
	d.count(SysExit)
	d.P.Exit(status)
}

// Exec implements SYS_EXEC: cmdLineAddr points at a NUL-terminated
// command line in the caller's address space.
func (d *Dispatcher) Exec(cmdLineAddr uint64) (int, defs.Err_t) {
	d.count(SysExec)
	cmdLine, errt := d.P.CopyInString(cmdLineAddr)
	if errt != 0 {
		return -1, errt
	}
	child, errt := d.P.Execute(cmdLine, d.Priority)
	if errt != 0 {
		return -1, errt
	}
	return int(child.Tid), 0
}

// Wait implements SYS_WAIT.
func (d *Dispatcher) Wait(tid int) (int, defs.Err_t) {
	d.count(SysWait)
	return d.P.Wait(defs.Tid_t(tid))
}

// Create implements SYS_CREATE.
func (d *Dispatcher) Create(nameAddr uint64, initialSize int) (bool, defs.Err_t) {
	d.count(SysCreate)
	if nameAddr == 0 {
		return false, -defs.EFAULT
	}
	name, errt := d.P.CopyInString(nameAddr)
	if errt != 0 {
		return false, errt
	}
	_, errt = d.P.FS().Create(d.P.Cwd, []byte(name), initialSize, false)
	return errt == 0, errt
}

// Remove implements SYS_REMOVE.
func (d *Dispatcher) Remove(nameAddr uint64) (bool, defs.Err_t) {
	d.count(SysRemove)
	name, errt := d.P.CopyInString(nameAddr)
	if errt != 0 {
		return false, errt
	}
	errt = d.P.FS().Remove(d.P.Cwd, []byte(name))
	return errt == 0, errt
}

// Open implements SYS_OPEN: it opens name, installs a deny-write hold
// if the opened file is this process's own executable (matching
// syscall.c's strcmp(cur_process->name, file) guard), and chooses a
// File or Dir handle depending on what got opened.
func (d *Dispatcher) Open(nameAddr uint64) (int, defs.Err_t) {
	d.count(SysOpen)
	name, errt := d.P.CopyInString(nameAddr)
	if errt != 0 {
		return -1, errt
	}
	denyWrite := name == d.P.Name

	f, errt := d.P.FS().OpenFile(d.P.Cwd, name, denyWrite)
	if errt != 0 {
		return -1, errt
	}
	_, isDir, _ := f.Fstat()
	var fops fdops.Fdops_i = f
	if isDir {
		f.Close()
		dirHandle, errt := d.P.FS().OpenDir(d.P.Cwd, name)
		if errt != 0 {
			return -1, errt
		}
		fops = dirHandle
	}
	n, errt := d.P.Fds.Install(&fd.Fd_t{Fops: fops, Perms: fd.FD_READ | fd.FD_WRITE})
	if errt != 0 {
		fops.Close()
		return -1, errt
	}
	return n, 0
}

// lookupFile returns the descriptor at n, rejecting directory handles
// the way every ordinary read/write/seek/tell/filesize syscall does.
func (d *Dispatcher) lookupFile(n int) (*fd.Fd_t, defs.Err_t) {
	f, ok := d.P.Fds.Get(n)
	if !ok {
		return nil, -defs.EBADF
	}
	if _, isDir, _ := f.Fops.Fstat(); isDir {
		return nil, -defs.EISDIR
	}
	return f, 0
}

// Filesize implements SYS_FILESIZE.
func (d *Dispatcher) Filesize(n int) (int, defs.Err_t) {
	d.count(SysFilesize)
	f, errt := d.lookupFile(n)
	if errt != 0 {
		return 0, errt
	}
	size, _, errt := f.Fops.Fstat()
	return size, errt
}

// Read implements SYS_READ. fd 0 reads from the console the way
// input_getc() does; any other descriptor reads through its Fdops_i.
func (d *Dispatcher) Read(n int, bufAddr uint64, size int) (int, defs.Err_t) {
	d.count(SysRead)
	if n == 0 {
		if d.P.Console() == nil {
			return 0, 0
		}
		buf := make([]byte, size)
		got := d.P.Console().Read(buf)
		if got > 0 {
			if errt := d.P.CopyOut(bufAddr, buf[:got]); errt != 0 {
				return 0, errt
			}
		}
		return got, 0
	}
	f, errt := d.lookupFile(n)
	if errt != 0 {
		return 0, errt
	}
	buf := make([]byte, size)
	got, errt := f.Fops.Read(buf)
	if errt != 0 {
		return 0, errt
	}
	if got > 0 {
		if errt := d.P.CopyOut(bufAddr, buf[:got]); errt != 0 {
			return 0, errt
		}
	}
	return got, 0
}

// Write implements SYS_WRITE. fd 1 writes straight to the console the
// way putbuf() does; any other descriptor writes through its Fdops_i.
func (d *Dispatcher) Write(n int, bufAddr uint64, size int) (int, defs.Err_t) {
	d.count(SysWrite)
	buf, errt := d.P.CopyIn(bufAddr, size)
	if errt != 0 {
		return 0, errt
	}
	if n == 1 {
		if d.P.Console() == nil {
			return size, 0
		}
		written, err := d.P.Console().Write(buf)
		if err != nil {
			return written, -defs.EIO
		}
		return written, 0
	}
	f, errt := d.lookupFile(n)
	if errt != 0 {
		return 0, errt
	}
	return f.Fops.Write(buf)
}

// Seek implements SYS_SEEK.
func (d *Dispatcher) Seek(n int, position int) defs.Err_t {
	d.count(SysSeek)
	f, errt := d.lookupFile(n)
	if errt != 0 {
		return errt
	}
	_, errt = f.Fops.Lseek(position, defs.SEEK_SET)
	return errt
}

// Tell implements SYS_TELL.
func (d *Dispatcher) Tell(n int) (int, defs.Err_t) {
	d.count(SysTell)
	f, errt := d.lookupFile(n)
	if errt != 0 {
		return 0, errt
	}
	return f.Fops.Lseek(0, defs.SEEK_CUR)
}

// Close implements SYS_CLOSE.
func (d *Dispatcher) Close(n int) defs.Err_t {
	d.count(SysClose)
	f := d.P.Fds.Remove(n)
	if f == nil {
		return -defs.EBADF
	}
	return f.Fops.Close()
}

// inodeHolder is implemented by fs.File and fs.Dir; used to recover
// the inode behind a descriptor without caring which kind it is.
type inodeHolder interface {
	fdops.Fdops_i
	Inode() *inode.Inode
}

// Mmap implements SYS_MMAP: fd 0/1 and non-open descriptors are
// rejected, matching syscall.c's mmap() guard.
func (d *Dispatcher) Mmap(n int, addr uint64) (int, defs.Err_t) {
	d.count(SysMmap)
	if n <= 1 {
		return -1, -defs.EINVAL
	}
	f, ok := d.P.Fds.Get(n)
	if !ok {
		return -1, -defs.EBADF
	}
	holder, ok := f.Fops.(*fs.File)
	if !ok {
		return -1, -defs.EINVAL
	}
	size, isDir, _ := holder.Fstat()
	if isDir || size == 0 {
		return -1, -defs.EINVAL
	}
	return d.P.Mmap(holder, addr, size)
}

// Munmap implements SYS_MUNMAP.
func (d *Dispatcher) Munmap(id int) defs.Err_t {
	d.count(SysMunmap)
	return d.P.Munmap(id)
}

// Chdir implements SYS_CHDIR.
func (d *Dispatcher) Chdir(nameAddr uint64) (bool, defs.Err_t) {
	d.count(SysChdir)
	name, errt := d.P.CopyInString(nameAddr)
	if errt != 0 {
		return false, errt
	}
	errt = d.P.FS().Chdir(d.P.Cwd, []byte(name))
	return errt == 0, errt
}

// Mkdir implements SYS_MKDIR.
func (d *Dispatcher) Mkdir(nameAddr uint64) (bool, defs.Err_t) {
	d.count(SysMkdir)
	name, errt := d.P.CopyInString(nameAddr)
	if errt != 0 {
		return false, errt
	}
	errt = d.P.FS().Mkdir(d.P.Cwd, []byte(name))
	return errt == 0, errt
}

// Readdir implements SYS_READDIR: it walks one entry forward each
// call, tracked per-descriptor by proc.Process.NextDirCursor, the way
// dir_readdir's per-handle dir->pos cursor does.
func (d *Dispatcher) Readdir(n int, nameAddr uint64) (bool, defs.Err_t) {
	d.count(SysReaddir)
	f, ok := d.P.Fds.Get(n)
	if !ok {
		return false, -defs.EBADF
	}
	holder, ok := f.Fops.(inodeHolder)
	if !ok {
		return false, -defs.ENOTDIR
	}
	if !holder.Inode().IsDir() {
		return false, -defs.ENOTDIR
	}
	names, errt := d.P.FS().ReaddirOpen(holder.Inode())
	if errt != 0 {
		return false, errt
	}
	idx := d.P.NextDirCursor(n)
	if idx >= len(names) {
		return false, 0
	}
	name := append([]byte(names[idx]), 0)
	if errt := d.P.CopyOut(nameAddr, name); errt != 0 {
		return false, errt
	}
	return true, 0
}

// Isdir implements SYS_ISDIR.
func (d *Dispatcher) Isdir(n int) (bool, defs.Err_t) {
	d.count(SysIsdir)
	f, ok := d.P.Fds.Get(n)
	if !ok {
		return false, -defs.EBADF
	}
	_, isDir, errt := f.Fops.Fstat()
	return isDir, errt
}

// Inumber implements SYS_INUMBER.
func (d *Dispatcher) Inumber(n int) (int, defs.Err_t) {
	d.count(SysInumber)
	f, ok := d.P.Fds.Get(n)
	if !ok {
		return 0, -defs.EBADF
	}
	holder, ok := f.Fops.(inodeHolder)
	if !ok {
		return 0, -defs.EINVAL
	}
	return fs.Inumber(holder.Inode()), 0
}

// Fibonacci implements the teaching syscall SYS_FIBO, matching
// fibonacci()'s recursive definition exactly: fibonacci(1) ==
// fibonacci(2) == 1, fibonacci(n<=0) == -1.
func Fibonacci(n int) int {
	if n == 1 || n == 2 {
		return 1
	}
	if n <= 0 {
		return -1
	}
	return Fibonacci(n-1) + Fibonacci(n-2)
}

// MaxOfFourInt implements the teaching syscall SYS_MAX4INT.
func MaxOfFourInt(a, b, c, e int) int {
	max := a
	if max < b {
		max = b
	}
	if max < c {
		max = c
	}
	if max < e {
		max = e
	}
	return max
}
