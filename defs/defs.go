// Package defs holds the small set of types and constants shared by
// every layer of the kernel: the error-code type returned by low-level
// operations, thread identifiers, and open-mode flags.
package defs

// Err_t is the error-code type threaded through every layer below the
// process boundary. A value of 0 means success; negative values name a
// failure the way the syscall ABI expects them to be returned in eax.
type Err_t int

// Tid_t identifies a thread (and, since every process is represented by
// its main thread, a process) system wide.
type Tid_t int

// Error codes. Only the subset the kernel's components actually return
// is listed; this is not a full errno table.
const (
	EPERM        Err_t = 1
	ENOENT       Err_t = 2
	ESRCH        Err_t = 3
	EINTR        Err_t = 4
	EIO          Err_t = 5
	ENOEXEC      Err_t = 8
	E2BIG        Err_t = 7
	EBADF        Err_t = 9
	ECHILD       Err_t = 10
	ENOMEM       Err_t = 12
	EACCES       Err_t = 13
	EFAULT       Err_t = 14
	ENOTDIR      Err_t = 20
	EISDIR       Err_t = 21
	EINVAL       Err_t = 22
	ENFILE       Err_t = 23
	EMFILE       Err_t = 24
	EFBIG        Err_t = 27
	ENOSPC       Err_t = 28
	EROFS        Err_t = 30
	ENAMETOOLONG Err_t = 36
	ENOTEMPTY    Err_t = 39
	ENOHEAP      Err_t = 40
	EEXIST       Err_t = 17
)

// Open-mode flags for the file-system façade (component F) and the
// OPEN syscall.
const (
	O_RDONLY int = 0
	O_WRONLY int = 1
	O_RDWR   int = 2
	O_CREAT  int = 0x40
)

// Seek modes for the SEEK syscall.
const (
	SEEK_SET int = 0
	SEEK_CUR int = 1
	SEEK_END int = 2
)

// Device identifiers for the small set of pseudo-devices the kernel
// exposes through the syscall interface.
const (
	D_CONSOLE int = 1 // console device
	D_RAWDISK int = 2 // raw disk, used only by mkfs/debugging tools
	D_STAT    int = 3 // kernel statistics pseudo-file
)
