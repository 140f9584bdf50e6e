// Package signal implements the waiting primitives built on object
// signals: ports collecting packets from many sources, futexes, timers
// with the deadline queue behind them, interrupt objects, and events.
package signal

import (
	"zcore-go/object"
)

// PacketType tags the payload of a port packet.
type PacketType uint32

const (
	// PacketTypeUser is a packet queued by userspace.
	PacketTypeUser PacketType = 0
	// PacketTypeSignalOne reports a one-shot signal wait.
	PacketTypeSignalOne PacketType = 1
	// PacketTypeSignalRep reports a repeating signal wait.
	PacketTypeSignalRep PacketType = 2
	// PacketTypeInterrupt reports an interrupt trigger.
	PacketTypeInterrupt PacketType = 7
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case PacketTypeUser:
		return "user"
	case PacketTypeSignalOne:
		return "signal-one"
	case PacketTypeSignalRep:
		return "signal-rep"
	case PacketTypeInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// PacketUser is the opaque userspace payload.
type PacketUser [32]byte

// PacketSignal reports an observed signal transition.
type PacketSignal struct {
	// Trigger is the signal set the waiter asked for.
	Trigger object.Signal
	// Observed is the full signal set at delivery.
	Observed object.Signal
	// Count is the number of pending operations, where meaningful.
	Count uint64
	// Timestamp is the assertion time in nanoseconds.
	Timestamp uint64
}

// PacketInterrupt reports an interrupt trigger.
type PacketInterrupt struct {
	// Timestamp is the trigger time in nanoseconds.
	Timestamp int64
}

// Packet is one port packet: a key chosen at registration, a status,
// and the payload variant selected by Type.
type Packet struct {
	// Key identifies the packet source.
	Key uint64
	// Type selects the payload variant.
	Type PacketType
	// Status is the delivery status, usually OK.
	Status int32

	User      PacketUser
	Signal    PacketSignal
	Interrupt PacketInterrupt
}
