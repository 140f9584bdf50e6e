// Package irq implements the unified interrupt-controller facade over
// the APIC, GICv2, and PLIC backends. Handlers are boxed callables in a
// per-vector table behind a lock; interrupt paths never block and never
// take locks above the object layer.
package irq

import (
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/hal/scheme"
	"zcore-go/logging"
)

// Handler is an interrupt service routine. It runs on the IRQ path and
// must not block.
type Handler func()

// MSIRange is a block of message-signaled interrupt vectors.
type MSIRange struct {
	// Base is the first vector of the block.
	Base uint32
	// Count is the number of vectors.
	Count uint32
}

// Controller is the platform interrupt controller contract. Each
// hardware backend exposes exactly one instance.
type Controller interface {
	scheme.Irq

	// Name returns the backend name ("x86-apic", "gic-v2", "riscv-plic").
	Name() string
	// UnregisterHandler detaches the handler of line n.
	UnregisterHandler(n uint32) error
	// MSIAllocBlock allocates count contiguous MSI vectors. count must
	// be a power of two. Backends without MSI return NOT_SUPPORTED.
	MSIAllocBlock(count uint32) (MSIRange, error)
	// MSIFreeBlock releases a block from MSIAllocBlock.
	MSIFreeBlock(r MSIRange) error
	// MSIRegisterHandler attaches fn to vector Base+id of the block.
	MSIRegisterHandler(r MSIRange, id uint32, fn Handler) error
	// HandleIRQ acknowledges vector, dispatches its handler, and
	// signals completion to the hardware.
	HandleIRQ(vector uint32)
}

// handlerTable is the per-vector dispatch table shared by the backends.
type handlerTable struct {
	mu       sync.Mutex
	handlers map[uint32]Handler
}

func newHandlerTable() handlerTable {
	return handlerTable{handlers: make(map[uint32]Handler)}
}

func (t *handlerTable) register(n uint32, fn Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[n]; ok {
		return kerrors.Newf(kerrors.StatusAlreadyExists, "irq_register", "vector %d has a handler", n)
	}
	t.handlers[n] = fn
	return nil
}

func (t *handlerTable) unregister(n uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[n]; !ok {
		return kerrors.Newf(kerrors.StatusNotFound, "irq_unregister", "vector %d has no handler", n)
	}
	delete(t.handlers, n)
	return nil
}

// dispatch invokes the handler for n outside the table lock.
func (t *handlerTable) dispatch(name string, n uint32) {
	t.mu.Lock()
	fn := t.handlers[n]
	t.mu.Unlock()
	if fn == nil {
		logging.WithVector(logging.Default(), n).Debug("spurious interrupt", "controller", name)
		return
	}
	fn()
}

// msiAllocator hands out aligned power-of-two vector blocks from a
// fixed window, as PCI MSI requires.
type msiAllocator struct {
	mu    sync.Mutex
	base  uint32
	count uint32
	used  []bool
}

func newMSIAllocator(base, count uint32) *msiAllocator {
	return &msiAllocator{base: base, count: count, used: make([]bool, count)}
}

func (m *msiAllocator) alloc(count uint32) (MSIRange, error) {
	if count == 0 || count&(count-1) != 0 {
		return MSIRange{}, kerrors.Newf(kerrors.StatusInvalidArgs, "msi_alloc", "count %d not a power of two", count)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for start := uint32(0); start+count <= m.count; start += count {
		free := true
		for i := uint32(0); i < count; i++ {
			if m.used[start+i] {
				free = false
				break
			}
		}
		if !free {
			continue
		}
		for i := uint32(0); i < count; i++ {
			m.used[start+i] = true
		}
		return MSIRange{Base: m.base + start, Count: count}, nil
	}
	return MSIRange{}, kerrors.New(kerrors.StatusNoResources, "msi_alloc", "vector window exhausted")
}

func (m *msiAllocator) free(r MSIRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Base < m.base || r.Base+r.Count > m.base+m.count {
		return kerrors.Newf(kerrors.StatusOutOfRange, "msi_free", "range [%d, %d) outside window", r.Base, r.Base+r.Count)
	}
	for i := uint32(0); i < r.Count; i++ {
		m.used[r.Base-m.base+i] = false
	}
	return nil
}
