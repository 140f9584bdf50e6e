package signal

import (
	"sync"
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/hal/irq"
	"zcore-go/object"
)

// InterruptState is the delivery state machine of an interrupt object.
type InterruptState uint8

const (
	// InterruptIdle awaits the next trigger.
	InterruptIdle InterruptState = iota
	// InterruptTriggered has fired but nobody consumed it yet.
	InterruptTriggered
	// InterruptNeedAck was consumed and awaits Ack.
	InterruptNeedAck
	// InterruptDestroyed is terminal.
	InterruptDestroyed
)

// Interrupt option bits.
const (
	// InterruptVirtual has no hardware vector; only Trigger fires it.
	InterruptVirtual uint32 = 1 << 0
	// InterruptUnmaskPreWait re-unmasks the hardware line when a waiter
	// acknowledges and waits again.
	InterruptUnmaskPreWait uint32 = 1 << 1
)

// Interrupt delivers hardware or virtual interrupts to a waiter or a
// bound port.
type Interrupt struct {
	object.Base
	options uint32

	// controller and vector tie a hardware interrupt to its line.
	controller irq.Controller
	vector     uint32

	mu        sync.Mutex
	state     InterruptState
	timestamp int64
	port      *Port
	key       uint64
}

// NewVirtual creates a software-triggered interrupt object.
func NewVirtual() *Interrupt {
	return &Interrupt{
		Base:    object.NewBase("interrupt"),
		options: InterruptVirtual,
	}
}

// NewHardware creates an interrupt bound to a controller line. The
// object's trigger path is registered as the line's handler.
func NewHardware(controller irq.Controller, vector uint32, options uint32) (*Interrupt, error) {
	if !controller.IsValidIRQ(vector) {
		return nil, kerrors.Newf(kerrors.StatusOutOfRange, "interrupt_create", "vector %d", vector)
	}
	i := &Interrupt{
		Base:       object.NewBase("interrupt"),
		options:    options &^ InterruptVirtual,
		controller: controller,
		vector:     vector,
	}
	if err := controller.RegisterHandler(vector, func() {
		i.Trigger(time.Now().UnixNano())
	}); err != nil {
		return nil, err
	}
	if err := controller.Unmask(vector); err != nil {
		_ = controller.UnregisterHandler(vector)
		return nil, err
	}
	return i, nil
}

// State returns the current delivery state.
func (i *Interrupt) State() InterruptState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// BindPort routes future triggers to port packets with the given key.
// Binding while bound replaces the binding and withdraws packets the
// old port still queues.
func (i *Interrupt) BindPort(port *Port, key uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == InterruptDestroyed {
		return kerrors.New(kerrors.StatusCanceled, "interrupt_bind", "interrupt destroyed")
	}
	if i.port != nil {
		i.port.RemoveByKey(i.key)
	}
	i.port = port
	i.key = key
	return nil
}

// Trigger fires the interrupt with the given timestamp. Bound ports
// receive a packet; otherwise INTERRUPT_SIGNAL asserts for waiters.
// Triggering while already pending coalesces.
func (i *Interrupt) Trigger(timestamp int64) {
	i.mu.Lock()
	if i.state == InterruptDestroyed || i.state == InterruptTriggered {
		i.mu.Unlock()
		return
	}
	i.state = InterruptTriggered
	i.timestamp = timestamp
	port, key := i.port, i.key
	i.mu.Unlock()

	if port != nil {
		_ = port.Push(Packet{
			Key:       key,
			Type:      PacketTypeInterrupt,
			Interrupt: PacketInterrupt{Timestamp: timestamp},
		})
		return
	}
	i.SignalSet(object.SignalInterrupt)
}

// Wait blocks until the next trigger and returns its timestamp,
// transitioning to NeedAck. Waiting on a port-bound interrupt is an
// error; the port delivers instead.
func (i *Interrupt) Wait(deadline time.Time) (int64, error) {
	i.mu.Lock()
	if i.state == InterruptDestroyed {
		i.mu.Unlock()
		return 0, kerrors.New(kerrors.StatusCanceled, "interrupt_wait", "interrupt destroyed")
	}
	if i.port != nil {
		i.mu.Unlock()
		return 0, kerrors.New(kerrors.StatusBadState, "interrupt_wait", "interrupt is port bound")
	}
	if i.state == InterruptTriggered {
		i.state = InterruptNeedAck
		ts := i.timestamp
		i.mu.Unlock()
		i.SignalClear(object.SignalInterrupt)
		return ts, nil
	}
	i.mu.Unlock()

	if _, err := object.WaitSignal(i, object.SignalInterrupt, deadline); err != nil {
		return 0, err
	}

	i.mu.Lock()
	if i.state == InterruptDestroyed {
		i.mu.Unlock()
		return 0, kerrors.New(kerrors.StatusCanceled, "interrupt_wait", "interrupt destroyed")
	}
	i.state = InterruptNeedAck
	ts := i.timestamp
	i.mu.Unlock()
	i.SignalClear(object.SignalInterrupt)
	return ts, nil
}

// Ack completes delivery and returns to Idle, re-unmasking the
// hardware line when the object was configured for it.
func (i *Interrupt) Ack() error {
	i.mu.Lock()
	if i.state == InterruptDestroyed {
		i.mu.Unlock()
		return kerrors.New(kerrors.StatusCanceled, "interrupt_ack", "interrupt destroyed")
	}
	if i.state != InterruptNeedAck {
		i.mu.Unlock()
		return kerrors.New(kerrors.StatusBadState, "interrupt_ack", "nothing to acknowledge")
	}
	i.state = InterruptIdle
	controller, vector := i.controller, i.vector
	unmask := i.options&InterruptUnmaskPreWait != 0 && controller != nil
	i.mu.Unlock()
	if unmask {
		return controller.Unmask(vector)
	}
	return nil
}

// Destroy tears the object down: the hardware line is unregistered,
// queued port packets are withdrawn, and waiters wake with CANCELED
// (delivered through the destroyed-state check after the signal).
func (i *Interrupt) Destroy() {
	i.mu.Lock()
	if i.state == InterruptDestroyed {
		i.mu.Unlock()
		return
	}
	i.state = InterruptDestroyed
	controller, vector := i.controller, i.vector
	port, key := i.port, i.key
	i.port = nil
	i.mu.Unlock()

	if controller != nil {
		_ = controller.Mask(vector)
		_ = controller.UnregisterHandler(vector)
	}
	if port != nil {
		port.RemoveByKey(key)
	}
	// Wake waiters; they observe the destroyed state and fail.
	i.SignalSet(object.SignalInterrupt)
}
