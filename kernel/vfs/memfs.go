package vfs

import (
	"strings"

	"go.uber.org/zap"

	"github.com/nucleus-os/nucleus/kernel/kerr"
)

type nodeKind int

const (
	kindFile nodeKind = iota
	kindPipe
	kindNull
	kindZero
	kindConsole
)

type node struct {
	kind nodeKind
	// Regular files: contents. Pipes: the not-yet-read buffer.
	data []byte
}

type openFile struct {
	n        *node
	path     string
	offset   int
	readable bool
	writable bool
}

// Memfs is a small RAM-backed file tree: regular files, pipe nodes, and the
// classic device nodes. Enough filesystem for the core's syscalls to have
// something real behind them.
type Memfs struct {
	nodes  map[string]*node
	fds    map[FD]*openFile
	nextFD FD
	log    *zap.Logger
}

// NewMemfs builds a tree seeded with /dev/null, /dev/zero and /dev/console.
func NewMemfs(log *zap.Logger) *Memfs {
	if log == nil {
		log = zap.NewNop()
	}
	fs := &Memfs{
		nodes:  make(map[string]*node),
		fds:    make(map[FD]*openFile),
		nextFD: 3, // leave the conventional stdio numbers alone
		log:    log,
	}
	fs.nodes["/dev/null"] = &node{kind: kindNull}
	fs.nodes["/dev/zero"] = &node{kind: kindZero}
	fs.nodes["/dev/console"] = &node{kind: kindConsole}
	return fs
}

// CreateFile installs a regular file with contents.
func (fs *Memfs) CreateFile(path string, data []byte) {
	fs.nodes[path] = &node{kind: kindFile, data: append([]byte(nil), data...)}
}

// CreatePipe installs an empty pipe node. Reads on an empty pipe would
// block; writes append.
func (fs *Memfs) CreatePipe(path string) {
	fs.nodes[path] = &node{kind: kindPipe}
}

// Open resolves a path to a fresh descriptor.
func (fs *Memfs) Open(path string, flags OpenFlags) (FD, error) {
	n, ok := fs.nodes[path]
	if !ok {
		if flags&FlagCreate == 0 {
			return 0, kerr.Wrapf(kerr.ErrNotFound, "open %q", path)
		}
		n = &node{kind: kindFile}
		fs.nodes[path] = n
	}
	fd := fs.nextFD
	fs.nextFD++
	fs.fds[fd] = &openFile{
		n:        n,
		path:     path,
		readable: flags&FlagRead != 0,
		writable: flags&FlagWrite != 0,
	}
	return fd, nil
}

// Close releases a descriptor.
func (fs *Memfs) Close(fd FD) error {
	if _, ok := fs.fds[fd]; !ok {
		return kerr.Wrapf(kerr.ErrBadDescriptor, "close fd %d", fd)
	}
	delete(fs.fds, fd)
	return nil
}

// Read fills buf from the descriptor.
func (fs *Memfs) Read(fd FD, buf []byte) (int, error) {
	of, ok := fs.fds[fd]
	if !ok || !of.readable {
		return 0, kerr.Wrapf(kerr.ErrBadDescriptor, "read fd %d", fd)
	}
	switch of.n.kind {
	case kindFile:
		if of.offset >= len(of.n.data) {
			return 0, nil // EOF
		}
		n := copy(buf, of.n.data[of.offset:])
		of.offset += n
		return n, nil
	case kindPipe:
		if len(of.n.data) == 0 {
			return 0, kerr.Wrapf(kerr.ErrWouldBlock, "read %q", of.path)
		}
		n := copy(buf, of.n.data)
		of.n.data = of.n.data[n:]
		return n, nil
	case kindNull:
		return 0, nil
	case kindZero:
		clear(buf)
		return len(buf), nil
	default:
		return 0, kerr.Wrapf(kerr.ErrBadDescriptor, "read %q", of.path)
	}
}

// Write stores data through the descriptor.
func (fs *Memfs) Write(fd FD, data []byte) (int, error) {
	of, ok := fs.fds[fd]
	if !ok || !of.writable {
		return 0, kerr.Wrapf(kerr.ErrBadDescriptor, "write fd %d", fd)
	}
	switch of.n.kind {
	case kindFile:
		of.n.data = append(of.n.data, data...)
		return len(data), nil
	case kindPipe:
		of.n.data = append(of.n.data, data...)
		return len(data), nil
	case kindNull, kindZero:
		return len(data), nil
	case kindConsole:
		fs.log.Info("console", zap.String("line", strings.TrimRight(string(data), "\n")))
		return len(data), nil
	default:
		return 0, kerr.Wrapf(kerr.ErrBadDescriptor, "write %q", of.path)
	}
}
