// Package fdops defines the interface every open file-like object
// (regular file, directory, console) implements so that the per-process
// descriptor table (package fd) and the syscall layer can treat them
// uniformly.
package fdops

import "eduos/defs"

// Fdops_i is implemented by anything reachable through a file
// descriptor: regular files, directories, and the console device.
type Fdops_i interface {
	Read(dst []byte) (int, defs.Err_t)
	Write(src []byte) (int, defs.Err_t)
	Lseek(off int, whence int) (int, defs.Err_t)
	Close() defs.Err_t
	Reopen() defs.Err_t
	Fstat() (size int, isdir bool, err defs.Err_t)
}
