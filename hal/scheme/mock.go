package scheme

import (
	"sync"

	kerrors "zcore-go/errors"
)

// MockUart is an in-memory Uart used by tests and by the libos before
// the host terminal is attached. Received bytes are fed with Feed;
// transmitted bytes accumulate in Sent.
type MockUart struct {
	mu   sync.Mutex
	rx   []byte
	sent []byte
	// OnSend, when set, observes every transmitted byte.
	OnSend func(b byte)
}

// NewMockUart creates an empty MockUart.
func NewMockUart() *MockUart { return &MockUart{} }

// Feed queues bytes for TryRecv.
func (u *MockUart) Feed(b []byte) {
	u.mu.Lock()
	u.rx = append(u.rx, b...)
	u.mu.Unlock()
}

// TryRecv implements Uart.
func (u *MockUart) TryRecv() (byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.rx) == 0 {
		return 0, false
	}
	b := u.rx[0]
	u.rx = u.rx[1:]
	return b, true
}

// Send implements Uart.
func (u *MockUart) Send(b byte) error {
	u.mu.Lock()
	u.sent = append(u.sent, b)
	cb := u.OnSend
	u.mu.Unlock()
	if cb != nil {
		cb(b)
	}
	return nil
}

// WriteString implements Uart.
func (u *MockUart) WriteString(s string) error {
	for i := 0; i < len(s); i++ {
		if err := u.Send(s[i]); err != nil {
			return err
		}
	}
	return nil
}

// Sent returns a copy of everything transmitted so far.
func (u *MockUart) Sent() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]byte, len(u.sent))
	copy(out, u.sent)
	return out
}

// MemBlock is a Block device backed by a byte slice.
type MemBlock struct {
	mu  sync.Mutex
	buf []byte
}

// NewMemBlock creates a device of blocks blocks.
func NewMemBlock(blocks uint64) *MemBlock {
	return &MemBlock{buf: make([]byte, blocks*BlockSize)}
}

// NumBlocks implements Block.
func (b *MemBlock) NumBlocks() uint64 { return uint64(len(b.buf)) / BlockSize }

// ReadBlock implements Block.
func (b *MemBlock) ReadBlock(id uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return kerrors.New(kerrors.StatusInvalidArgs, "read_block", "buffer is not one block")
	}
	if id >= b.NumBlocks() {
		return kerrors.Newf(kerrors.StatusOutOfRange, "read_block", "block %d of %d", id, b.NumBlocks())
	}
	b.mu.Lock()
	copy(buf, b.buf[id*BlockSize:])
	b.mu.Unlock()
	return nil
}

// WriteBlock implements Block.
func (b *MemBlock) WriteBlock(id uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return kerrors.New(kerrors.StatusInvalidArgs, "write_block", "buffer is not one block")
	}
	if id >= b.NumBlocks() {
		return kerrors.Newf(kerrors.StatusOutOfRange, "write_block", "block %d of %d", id, b.NumBlocks())
	}
	b.mu.Lock()
	copy(b.buf[id*BlockSize:(id+1)*BlockSize], buf)
	b.mu.Unlock()
	return nil
}

// MockDisplay is a Display with an in-memory framebuffer.
type MockDisplay struct {
	info DisplayInfo
	fb   []byte
}

// NewMockDisplay creates a display of the given mode.
func NewMockDisplay(width, height uint32, format PixelFormat) *MockDisplay {
	size := uint64(width) * uint64(height) * 4
	return &MockDisplay{
		info: DisplayInfo{Width: width, Height: height, Format: format, FbSize: size},
		fb:   make([]byte, size),
	}
}

// Info implements Display.
func (d *MockDisplay) Info() DisplayInfo { return d.info }

// Framebuffer implements Display.
func (d *MockDisplay) Framebuffer() []byte { return d.fb }

// LoopbackNet is a Net that receives its own transmissions.
type LoopbackNet struct {
	mu     sync.Mutex
	frames [][]byte
}

// NewLoopbackNet creates an empty loopback interface.
func NewLoopbackNet() *LoopbackNet { return &LoopbackNet{} }

// MAC implements Net.
func (n *LoopbackNet) MAC() [6]byte { return [6]byte{0x02, 0, 0, 0, 0, 0x01} }

// IfName implements Net.
func (n *LoopbackNet) IfName() string { return "lo" }

// Poll implements Net.
func (n *LoopbackNet) Poll() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.frames) > 0
}

// Send implements Net.
func (n *LoopbackNet) Send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	n.mu.Lock()
	n.frames = append(n.frames, cp)
	n.mu.Unlock()
	return nil
}

// Recv implements Net.
func (n *LoopbackNet) Recv(buf []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.frames) == 0 {
		return 0, kerrors.New(kerrors.StatusShouldWait, "net_recv", "no frames")
	}
	frame := n.frames[0]
	if len(buf) < len(frame) {
		return 0, kerrors.New(kerrors.StatusBufferTooSmall, "net_recv", "frame larger than buffer")
	}
	n.frames = n.frames[1:]
	copy(buf, frame)
	return len(frame), nil
}
