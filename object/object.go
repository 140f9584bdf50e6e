// Package object implements the kernel object model: the reference
// base every kernel entity shares (identity, signals, subscribers), the
// rights bitset, and the per-process handle table.
package object

import (
	"sync"
	"sync/atomic"
	"time"

	kerrors "zcore-go/errors"
)

// KoID is a kernel object identifier: a globally unique 64-bit number
// assigned at creation. 0 is reserved for "none".
type KoID uint64

// koidCounter allocates KoIDs. User object ids start above the range
// the kernel reserves for well-known objects.
var koidCounter atomic.Uint64

func init() {
	koidCounter.Store(1024)
}

// NewKoID allocates the next object identifier.
func NewKoID() KoID {
	return KoID(koidCounter.Add(1))
}

// Signal is the 32-bit per-object signal set. The numeric layout is
// kernel-internal; only the semantic names below are stable.
type Signal uint32

const (
	// SignalReadable is asserted while an object has data to read.
	SignalReadable Signal = 1 << 0
	// SignalWritable is asserted while an object accepts writes.
	SignalWritable Signal = 1 << 1
	// SignalPeerClosed is asserted when the paired endpoint is gone.
	SignalPeerClosed Signal = 1 << 2
	// SignalSignaled is the generic "done" signal of events and timers.
	SignalSignaled Signal = 1 << 3
	// SignalTaskTerminated is asserted when a job, process, or thread
	// reaches its terminal state.
	SignalTaskTerminated Signal = 1 << 3
	// SignalInterrupt is asserted when an interrupt object triggers
	// without a bound port.
	SignalInterrupt Signal = 1 << 4
	// SignalJobNoProcesses is asserted while a job has no member processes.
	SignalJobNoProcesses Signal = 1 << 5

	// SignalUser0 through SignalUser7 are free for userspace protocols.
	SignalUser0 Signal = 1 << 24
	SignalUser1 Signal = 1 << 25
	SignalUser2 Signal = 1 << 26
	SignalUser3 Signal = 1 << 27
	SignalUser4 Signal = 1 << 28
	SignalUser5 Signal = 1 << 29
	SignalUser6 Signal = 1 << 30
	SignalUser7 Signal = 1 << 31
)

// UserSignals is the mask userspace may set and clear directly.
const UserSignals = Signal(0xff000000)

// Callback observes signal assertions. It receives the full signal set
// after the transition; returning true removes the subscription
// (one-shot behavior). Callbacks run under the object lock and must not
// re-enter the object or block.
type Callback func(current Signal) (done bool)

// MaxNameLen is the longest object name, excluding the terminator.
const MaxNameLen = 31

// KernelObject is the interface every kernel entity implements, usually
// by embedding Base.
type KernelObject interface {
	// ID returns the object's KoID.
	ID() KoID
	// TypeName returns the object type ("channel", "process", ...).
	TypeName() string
	// Name returns the human-readable name.
	Name() string
	// SetName sets the name, truncated to MaxNameLen bytes.
	SetName(name string)
	// Signal returns the current signal set.
	Signal() Signal
	// SignalSet asserts bits.
	SignalSet(set Signal)
	// SignalClear deasserts bits.
	SignalClear(clear Signal)
	// SignalChange deasserts clear and asserts set in one transition.
	SignalChange(clear, set Signal)
	// AddSignalCallback appends a subscriber.
	AddSignalCallback(fn Callback)
	// Peer returns the paired object, or PEER_CLOSED / NOT_SUPPORTED.
	Peer() (KernelObject, error)
	// RelatedKoid returns the KoID of the paired or parent object, 0
	// if none.
	RelatedKoid() KoID
}

// Base carries identity, signals, and waiters. Embed it by pointer-free
// value and initialize with NewBase.
type Base struct {
	id       KoID
	typeName string

	mu        sync.Mutex
	name      string
	signal    Signal
	callbacks []Callback
}

// NewBase creates a Base with a fresh KoID and no signals.
func NewBase(typeName string) Base {
	return Base{id: NewKoID(), typeName: typeName}
}

// NewBaseWithSignal creates a Base with an initial signal set.
func NewBaseWithSignal(typeName string, signal Signal) Base {
	b := NewBase(typeName)
	b.signal = signal
	return b
}

// ID implements KernelObject.
func (b *Base) ID() KoID { return b.id }

// TypeName implements KernelObject.
func (b *Base) TypeName() string { return b.typeName }

// Name implements KernelObject.
func (b *Base) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// SetName implements KernelObject.
func (b *Base) SetName(name string) {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	b.mu.Lock()
	b.name = name
	b.mu.Unlock()
}

// Signal implements KernelObject.
func (b *Base) Signal() Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signal
}

// SignalSet implements KernelObject.
func (b *Base) SignalSet(set Signal) {
	b.SignalChange(0, set)
}

// SignalClear implements KernelObject.
func (b *Base) SignalClear(clear Signal) {
	b.SignalChange(clear, 0)
}

// SignalChange implements KernelObject. Subscribers are notified, in
// subscription order, when any bit newly asserts; one-shot subscribers
// are removed after their first invocation that returns done.
func (b *Base) SignalChange(clear, set Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.signal
	b.signal = old&^clear | set
	if b.signal&^old == 0 {
		return
	}
	kept := b.callbacks[:0]
	for _, fn := range b.callbacks {
		if !fn(b.signal) {
			kept = append(kept, fn)
		}
	}
	b.callbacks = kept
}

// AddSignalCallback implements KernelObject. The callback fires
// immediately if it declares itself done for the current signal set.
func (b *Base) AddSignalCallback(fn Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signal != 0 && fn(b.signal) {
		return
	}
	b.callbacks = append(b.callbacks, fn)
}

// Peer implements KernelObject; paired objects override it.
func (b *Base) Peer() (KernelObject, error) {
	return nil, kerrors.New(kerrors.StatusNotSupported, "object_peer", "object has no peer")
}

// RelatedKoid implements KernelObject; paired objects override it.
func (b *Base) RelatedKoid() KoID { return 0 }

// WaitSignal blocks until (current & want) != 0 or the deadline passes,
// and returns the observed signal set. A zero deadline waits forever.
// This is the synchronous form of the async subscriber interface; the
// caller's goroutine is the suspended task.
func WaitSignal(obj KernelObject, want Signal, deadline time.Time) (Signal, error) {
	ch := make(chan Signal, 1)
	obj.AddSignalCallback(func(current Signal) bool {
		if current&want == 0 {
			return false
		}
		select {
		case ch <- current:
		default:
		}
		return true
	})

	if deadline.IsZero() {
		return <-ch, nil
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case observed := <-ch:
		return observed, nil
	case <-timer.C:
		return 0, kerrors.New(kerrors.StatusTimedOut, "object_wait", "deadline elapsed")
	}
}
