package linux

import (
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/object"
)

// PipeCapacity is the shared ring size of a pipe.
const PipeCapacity = 64 * 1024

// pipeBuffer is the state both pipe ends share.
type pipeBuffer struct {
	object.Base

	mu          sync.Mutex
	cond        *sync.Cond
	buf         [PipeCapacity]byte
	head, count int
	readClosed  bool
	writeClosed bool
}

func newPipeBuffer() *pipeBuffer {
	p := &pipeBuffer{Base: object.NewBaseWithSignal("pipe", object.SignalWritable)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// PipeReader is the read end of a pipe.
type PipeReader struct {
	unseekable
	noIoctl
	shared  *pipeBuffer
	flags   OpenFlags
	closeMu sync.Once
}

// PipeWriter is the write end of a pipe.
type PipeWriter struct {
	unseekable
	noIoctl
	shared  *pipeBuffer
	flags   OpenFlags
	closeMu sync.Once
}

// NewPipe creates a connected pipe pair.
func NewPipe(flags OpenFlags) (*PipeReader, *PipeWriter) {
	shared := newPipeBuffer()
	return &PipeReader{shared: shared, flags: flags},
		&PipeWriter{shared: shared, flags: flags}
}

// Read implements File. Empty with a live writer blocks (or AGAIN in
// non-blocking mode); empty with the writer closed is EOF (0 bytes).
func (r *PipeReader) Read(buf []byte) (int, error) {
	p := r.shared
	p.mu.Lock()
	for p.count == 0 {
		if p.writeClosed {
			p.mu.Unlock()
			return 0, nil
		}
		if r.flags.NonBlock() {
			p.mu.Unlock()
			return 0, kerrors.New(kerrors.StatusShouldWait, "pipe_read", "pipe empty")
		}
		p.cond.Wait()
	}
	n := min(len(buf), p.count)
	for i := 0; i < n; i++ {
		buf[i] = p.buf[(p.head+i)%PipeCapacity]
	}
	p.head = (p.head + n) % PipeCapacity
	p.count -= n
	drained := p.count == 0
	p.cond.Broadcast()
	p.mu.Unlock()

	p.SignalSet(object.SignalWritable)
	if drained {
		p.SignalClear(object.SignalReadable)
	}
	return n, nil
}

// Write implements File. A full ring blocks (or AGAIN); a closed read
// end fails with the EPIPE-mapped status.
func (w *PipeWriter) Write(data []byte) (int, error) {
	p := w.shared
	written := 0
	for written < len(data) {
		p.mu.Lock()
		for p.count == PipeCapacity {
			if p.readClosed {
				p.mu.Unlock()
				return written, kerrors.New(kerrors.StatusPeerClosed, "pipe_write", "read end closed")
			}
			if w.flags.NonBlock() {
				p.mu.Unlock()
				if written > 0 {
					return written, nil
				}
				return 0, kerrors.New(kerrors.StatusShouldWait, "pipe_write", "pipe full")
			}
			p.cond.Wait()
		}
		if p.readClosed {
			p.mu.Unlock()
			return written, kerrors.New(kerrors.StatusPeerClosed, "pipe_write", "read end closed")
		}
		n := min(len(data)-written, PipeCapacity-p.count)
		for i := 0; i < n; i++ {
			p.buf[(p.head+p.count+i)%PipeCapacity] = data[written+i]
		}
		p.count += n
		written += n
		full := p.count == PipeCapacity
		p.cond.Broadcast()
		p.mu.Unlock()

		p.SignalSet(object.SignalReadable)
		if full {
			p.SignalClear(object.SignalWritable)
		}
	}
	return written, nil
}

// Write implements File on the read end: pipes are unidirectional.
func (r *PipeReader) Write([]byte) (int, error) {
	return 0, kerrors.New(kerrors.StatusAccessDenied, "pipe_write", "read end of a pipe")
}

// Read implements File on the write end.
func (w *PipeWriter) Read([]byte) (int, error) {
	return 0, kerrors.New(kerrors.StatusAccessDenied, "pipe_read", "write end of a pipe")
}

// Poll implements File.
func (r *PipeReader) Poll() PollStatus {
	p := r.shared
	p.mu.Lock()
	defer p.mu.Unlock()
	return PollStatus{
		Readable: p.count > 0 || p.writeClosed,
		HangUp:   p.writeClosed,
	}
}

// Poll implements File.
func (w *PipeWriter) Poll() PollStatus {
	p := w.shared
	p.mu.Lock()
	defer p.mu.Unlock()
	return PollStatus{
		Writable: p.count < PipeCapacity && !p.readClosed,
		Error:    p.readClosed,
	}
}

// Stat implements File.
func (r *PipeReader) Stat() (Stat, error) {
	return Stat{Type: TypePipe, Ino: uint64(r.shared.ID())}, nil
}

// Stat implements File.
func (w *PipeWriter) Stat() (Stat, error) {
	return Stat{Type: TypePipe, Ino: uint64(w.shared.ID())}, nil
}

// Close implements File. Closing the read end fails blocked writers;
// the object signals CLOSED to peers.
func (r *PipeReader) Close() error {
	r.closeMu.Do(func() {
		p := r.shared
		p.mu.Lock()
		p.readClosed = true
		p.cond.Broadcast()
		p.mu.Unlock()
		p.SignalSet(object.SignalPeerClosed)
	})
	return nil
}

// Close implements File. Blocked readers observe EOF.
func (w *PipeWriter) Close() error {
	w.closeMu.Do(func() {
		p := w.shared
		p.mu.Lock()
		p.writeClosed = true
		p.cond.Broadcast()
		p.mu.Unlock()
		p.SignalChange(object.SignalWritable, object.SignalPeerClosed|object.SignalReadable)
	})
	return nil
}
