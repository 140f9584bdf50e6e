package linux

import (
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/hal/scheme"
	"zcore-go/object"
)

// Stdio is the terminal file behind fds 0, 1, and 2, backed by the
// platform Uart scheme.
type Stdio struct {
	unseekable
	object.Base
	uart scheme.Uart

	mu   sync.Mutex
	cond *sync.Cond
}

// Terminal ioctls the personality understands.
const (
	ioctlTCGETS     = 0x5401
	ioctlTIOCGWINSZ = 0x5413
)

// NewStdio wraps a Uart as a terminal file.
func NewStdio(uart scheme.Uart) *Stdio {
	s := &Stdio{Base: object.NewBase("stdio"), uart: uart}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NotifyInput wakes blocked readers; the UART interrupt handler calls
// this when receive data arrives.
func (s *Stdio) NotifyInput() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	s.SignalSet(object.SignalReadable)
}

// Read implements File: it drains the UART receive side, blocking for
// the first byte.
func (s *Stdio) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		n := 0
		for n < len(buf) {
			b, ok := s.uart.TryRecv()
			if !ok {
				break
			}
			buf[n] = b
			n++
		}
		if n > 0 {
			return n, nil
		}
		s.cond.Wait()
	}
}

// Write implements File.
func (s *Stdio) Write(data []byte) (int, error) {
	if err := s.uart.WriteString(string(data)); err != nil {
		return 0, kerrors.Wrap(err, kerrors.StatusIO, "stdio_write")
	}
	return len(data), nil
}

// Poll implements File.
func (s *Stdio) Poll() PollStatus {
	return PollStatus{Readable: s.Signal()&object.SignalReadable != 0, Writable: true}
}

// Ioctl implements File: enough terminal surface for libc to believe
// it is talking to a tty.
func (s *Stdio) Ioctl(cmd uint32, _ uint64) (uint64, error) {
	switch cmd {
	case ioctlTCGETS, ioctlTIOCGWINSZ:
		return 0, nil
	default:
		return 0, kerrors.Newf(kerrors.StatusNotSupported, "ioctl", "cmd %#x", cmd)
	}
}

// Stat implements File.
func (s *Stdio) Stat() (Stat, error) {
	return Stat{Type: TypeCharDevice, Mode: 0620, Ino: uint64(s.ID())}, nil
}

// Close implements File. Stdio is shared; closing a descriptor does
// not tear the terminal down.
func (s *Stdio) Close() error { return nil }

// devNull discards writes and returns EOF.
type devNull struct {
	unseekable
	noIoctl
}

// NewDevNull creates /dev/null.
func NewDevNull() File { return &devNull{} }

func (devNull) Read([]byte) (int, error)       { return 0, nil }
func (devNull) Write(d []byte) (int, error)    { return len(d), nil }
func (devNull) Poll() PollStatus               { return PollStatus{Readable: true, Writable: true} }
func (devNull) Stat() (Stat, error)            { return Stat{Type: TypeCharDevice, Mode: 0666}, nil }
func (devNull) Close() error                   { return nil }

// devZero reads as zeros and discards writes.
type devZero struct {
	unseekable
	noIoctl
}

// NewDevZero creates /dev/zero.
func NewDevZero() File { return &devZero{} }

func (devZero) Read(b []byte) (int, error) {
	clear(b)
	return len(b), nil
}
func (devZero) Write(d []byte) (int, error) { return len(d), nil }
func (devZero) Poll() PollStatus            { return PollStatus{Readable: true, Writable: true} }
func (devZero) Stat() (Stat, error)         { return Stat{Type: TypeCharDevice, Mode: 0666}, nil }
func (devZero) Close() error                { return nil }

// devRandom yields a deterministic xorshift stream; the personality
// promises entropy, not cryptography.
type devRandom struct {
	unseekable
	noIoctl
	mu    sync.Mutex
	state uint64
}

// NewDevRandom creates /dev/urandom seeded from the boot state.
func NewDevRandom(seed uint64) File {
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &devRandom{state: seed}
}

func (d *devRandom) Read(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range b {
		d.state ^= d.state << 13
		d.state ^= d.state >> 7
		d.state ^= d.state << 17
		b[i] = byte(d.state)
	}
	return len(b), nil
}
func (d *devRandom) Write(p []byte) (int, error) { return len(p), nil }
func (d *devRandom) Poll() PollStatus            { return PollStatus{Readable: true, Writable: true} }
func (d *devRandom) Stat() (Stat, error)         { return Stat{Type: TypeCharDevice, Mode: 0666}, nil }
func (d *devRandom) Close() error                { return nil }
