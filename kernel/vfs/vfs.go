// Package vfs is the file-tree collaborator surface the kernel core calls
// through. The core never inspects filesystem internals; it sees descriptors
// and byte counts, nothing else.
package vfs

// FD is a process-visible file descriptor.
type FD int

// OpenFlags select the access mode at open time.
type OpenFlags uint32

const (
	FlagRead   OpenFlags = 1 << 0
	FlagWrite  OpenFlags = 1 << 1
	FlagCreate OpenFlags = 1 << 2
)

// FileSystem is everything the syscall dispatcher needs from a filesystem.
type FileSystem interface {
	Open(path string, flags OpenFlags) (FD, error)
	Close(fd FD) error
	// Read fills buf and returns the byte count; 0 with a nil error means
	// end of file. A descriptor with nothing to deliver yet returns
	// kerr.ErrWouldBlock.
	Read(fd FD, buf []byte) (int, error)
	Write(fd FD, data []byte) (int, error)
}
