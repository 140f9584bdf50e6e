// Package linux implements the POSIX personality over the kernel
// object model: file descriptors and the file contract, pipes, stdio
// and devfs nodes, an in-memory filesystem facade, per-process signal
// actions, and the futex registry.
package linux

import (
	kerrors "zcore-go/errors"
)

// OpenFlags is the open(2) flag set the personality honors.
type OpenFlags uint32

const (
	// FlagRDONLY opens for reading only.
	FlagRDONLY OpenFlags = 0x0
	// FlagWRONLY opens for writing only.
	FlagWRONLY OpenFlags = 0x1
	// FlagRDWR opens for reading and writing.
	FlagRDWR OpenFlags = 0x2
	// FlagCreate creates the file if missing.
	FlagCreate OpenFlags = 0x40
	// FlagExclusive fails if the file exists (with FlagCreate).
	FlagExclusive OpenFlags = 0x80
	// FlagTruncate empties the file on open.
	FlagTruncate OpenFlags = 0x200
	// FlagAppend positions writes at the end.
	FlagAppend OpenFlags = 0x400
	// FlagNonBlock makes reads and writes fail instead of blocking.
	FlagNonBlock OpenFlags = 0x800
	// FlagCloExec closes the descriptor across exec.
	FlagCloExec OpenFlags = 0x80000
)

// Readable reports whether the access mode permits reads.
func (f OpenFlags) Readable() bool {
	return f&0x3 == FlagRDONLY || f&0x3 == FlagRDWR
}

// Writable reports whether the access mode permits writes.
func (f OpenFlags) Writable() bool {
	return f&0x3 == FlagWRONLY || f&0x3 == FlagRDWR
}

// NonBlock reports the non-blocking mode.
func (f OpenFlags) NonBlock() bool { return f&FlagNonBlock != 0 }

// PollStatus reports readiness of a file.
type PollStatus struct {
	Readable bool
	Writable bool
	Error    bool
	HangUp   bool
}

// FileType classifies a file-like for stat.
type FileType uint8

const (
	// TypeRegular is an ordinary file.
	TypeRegular FileType = iota
	// TypeDir is a directory.
	TypeDir
	// TypeCharDevice is a character device.
	TypeCharDevice
	// TypePipe is a pipe endpoint.
	TypePipe
	// TypeSocket is a socket.
	TypeSocket
)

// Stat is the personality-internal stat record, mapped to the
// userspace struct at the syscall boundary.
type Stat struct {
	Type FileType
	Size uint64
	Mode uint32
	Ino  uint64
}

// File is the behavioral contract every descriptor points at. The
// variant space is open (regular files, pipes, sockets, device nodes),
// so dynamic dispatch lives here rather than in a closed sum.
type File interface {
	// Read transfers bytes from the current position.
	Read(buf []byte) (int, error)
	// Write transfers bytes at the current position.
	Write(data []byte) (int, error)
	// ReadAt transfers from an absolute offset without moving the
	// cursor. Unseekable files refuse with NOT_SUPPORTED.
	ReadAt(buf []byte, off uint64) (int, error)
	// WriteAt transfers to an absolute offset without moving the cursor.
	WriteAt(data []byte, off uint64) (int, error)
	// Seek repositions the cursor.
	Seek(offset int64, whence int) (uint64, error)
	// Poll reports readiness without blocking.
	Poll() PollStatus
	// Ioctl performs a device-specific control operation.
	Ioctl(cmd uint32, arg uint64) (uint64, error)
	// Stat describes the file.
	Stat() (Stat, error)
	// Close drops this descriptor's reference.
	Close() error
}

// unseekable is embedded by files with no cursor to reposition.
type unseekable struct{}

func (unseekable) Seek(int64, int) (uint64, error) {
	return 0, kerrors.New(kerrors.StatusNotSupported, "lseek", "not seekable")
}

func (unseekable) ReadAt([]byte, uint64) (int, error) {
	return 0, kerrors.New(kerrors.StatusNotSupported, "pread", "not seekable")
}

func (unseekable) WriteAt([]byte, uint64) (int, error) {
	return 0, kerrors.New(kerrors.StatusNotSupported, "pwrite", "not seekable")
}

// noIoctl is embedded by files with no control surface.
type noIoctl struct{}

func (noIoctl) Ioctl(uint32, uint64) (uint64, error) {
	return 0, kerrors.New(kerrors.StatusNotSupported, "ioctl", "no device control")
}
