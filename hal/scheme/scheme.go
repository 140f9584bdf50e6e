// Package scheme defines the kernel's abstract device contracts. Drivers
// discovered by the bus probe are exposed through these interfaces; the
// register-level details behind them are out of scope for the core.
package scheme

import "fmt"

// Trigger selects edge or level interrupt triggering.
type Trigger uint8

const (
	// TriggerEdge fires on a signal edge.
	TriggerEdge Trigger = iota
	// TriggerLevel fires while the line is asserted.
	TriggerLevel
)

// Polarity selects the active signal level.
type Polarity uint8

const (
	// PolarityHigh is active-high.
	PolarityHigh Polarity = iota
	// PolarityLow is active-low.
	PolarityLow
)

// Uart is a byte-oriented serial device.
type Uart interface {
	// TryRecv returns the next received byte if one is pending.
	TryRecv() (byte, bool)
	// Send transmits one byte.
	Send(b byte) error
	// WriteString transmits a string.
	WriteString(s string) error
}

// Irq is an interrupt controller viewed from a device's side.
type Irq interface {
	// IsValidIRQ reports whether n is a line this controller owns.
	IsValidIRQ(n uint32) bool
	// Mask disables delivery of line n.
	Mask(n uint32) error
	// Unmask enables delivery of line n.
	Unmask(n uint32) error
	// Configure sets the trigger mode and polarity of line n.
	Configure(n uint32, trigger Trigger, polarity Polarity) error
	// RegisterHandler attaches fn to line n.
	RegisterHandler(n uint32, fn func()) error
}

// BlockSize is the transfer unit of Block devices.
const BlockSize = 512

// Block is a fixed-block storage device.
type Block interface {
	// NumBlocks returns the device capacity in blocks.
	NumBlocks() uint64
	// ReadBlock fills buf (BlockSize bytes) from block id.
	ReadBlock(id uint64, buf []byte) error
	// WriteBlock stores buf (BlockSize bytes) to block id.
	WriteBlock(id uint64, buf []byte) error
}

// PixelFormat enumerates framebuffer layouts.
type PixelFormat uint8

const (
	// FormatRGBA8888 is 32-bit RGBA.
	FormatRGBA8888 PixelFormat = iota
	// FormatBGRA8888 is 32-bit BGRA.
	FormatBGRA8888
)

// DisplayInfo describes a framebuffer.
type DisplayInfo struct {
	Width  uint32
	Height uint32
	Format PixelFormat
	// FbVaddr is the kernel virtual address of the framebuffer.
	FbVaddr uint64
	// FbSize is the framebuffer size in bytes.
	FbSize uint64
}

// Display is a framebuffer device.
type Display interface {
	// Info returns the mode and framebuffer geometry.
	Info() DisplayInfo
	// Framebuffer returns the backing pixels.
	Framebuffer() []byte
}

// Net is a packet network interface.
type Net interface {
	// MAC returns the hardware address.
	MAC() [6]byte
	// IfName returns the interface name ("eth0").
	IfName() string
	// Poll reports whether a received packet is pending.
	Poll() bool
	// Send transmits one frame.
	Send(frame []byte) error
	// Recv fills buf with the next frame and returns its length.
	Recv(buf []byte) (int, error)
}

// Kind tags the variants a Device can hold. The top-level registry is a
// closed sum; unbounded per-file dispatch lives in the Linux personality
// instead.
type Kind uint8

const (
	// KindUart is a serial device.
	KindUart Kind = iota
	// KindIrq is an interrupt controller.
	KindIrq
	// KindBlock is a block device.
	KindBlock
	// KindDisplay is a framebuffer.
	KindDisplay
	// KindNet is a network interface.
	KindNet
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindUart:
		return "uart"
	case KindIrq:
		return "irq"
	case KindBlock:
		return "block"
	case KindDisplay:
		return "display"
	case KindNet:
		return "net"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Device is one probed device: a kind tag plus exactly one non-nil
// contract matching it.
type Device struct {
	// Kind selects which contract field is set.
	Kind Kind
	// Compatible is the device-tree compatible string (or PCI id string)
	// that matched the driver.
	Compatible string
	// Phandle is the device-tree phandle, 0 if none.
	Phandle uint32
	// Handler is the device's interrupt service routine, wired to its
	// controller line by the bus probe. Nil when the device has none.
	Handler func()
	// InterruptCells is the #interrupt-cells of an interrupt controller
	// device; 0 otherwise.
	InterruptCells uint32

	Uart    Uart
	Irq     Irq
	Block   Block
	Display Display
	Net     Net
}

// String describes the device.
func (d *Device) String() string {
	return fmt.Sprintf("%s(%s)", d.Kind, d.Compatible)
}
