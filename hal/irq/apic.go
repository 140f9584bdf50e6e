package irq

import (
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/hal/scheme"
)

// APIC models the x86 interrupt complex: an IOAPIC routing 24 global
// system interrupts plus a local-APIC vector window for MSI.
type APIC struct {
	table handlerTable
	msi   *msiAllocator

	mu      sync.Mutex
	masked  [apicGSICount]bool
	trigger [apicGSICount]scheme.Trigger
	active  [apicGSICount]scheme.Polarity
	inSvc   map[uint32]bool
}

const (
	apicGSICount = 24
	// MSI vectors sit above the legacy window, 0x40..0x7F.
	apicMSIBase  = 0x40
	apicMSICount = 64
)

// NewAPIC creates the APIC backend with all lines masked.
func NewAPIC() *APIC {
	a := &APIC{
		table: newHandlerTable(),
		msi:   newMSIAllocator(apicMSIBase, apicMSICount),
		inSvc: make(map[uint32]bool),
	}
	for i := range a.masked {
		a.masked[i] = true
	}
	return a
}

// Name implements Controller.
func (a *APIC) Name() string { return "x86-apic" }

// IsValidIRQ implements Controller. GSIs and the MSI window are valid.
func (a *APIC) IsValidIRQ(n uint32) bool {
	return n < apicGSICount || (n >= apicMSIBase && n < apicMSIBase+apicMSICount)
}

func (a *APIC) checkGSI(op string, n uint32) error {
	if n >= apicGSICount {
		return kerrors.Newf(kerrors.StatusOutOfRange, op, "gsi %d of %d", n, apicGSICount)
	}
	return nil
}

// Mask implements Controller.
func (a *APIC) Mask(n uint32) error {
	if err := a.checkGSI("apic_mask", n); err != nil {
		return err
	}
	a.mu.Lock()
	a.masked[n] = true
	a.mu.Unlock()
	return nil
}

// Unmask implements Controller.
func (a *APIC) Unmask(n uint32) error {
	if err := a.checkGSI("apic_unmask", n); err != nil {
		return err
	}
	a.mu.Lock()
	a.masked[n] = false
	a.mu.Unlock()
	return nil
}

// Configure implements Controller.
func (a *APIC) Configure(n uint32, trigger scheme.Trigger, polarity scheme.Polarity) error {
	if err := a.checkGSI("apic_configure", n); err != nil {
		return err
	}
	a.mu.Lock()
	a.trigger[n] = trigger
	a.active[n] = polarity
	a.mu.Unlock()
	return nil
}

// RegisterHandler implements Controller.
func (a *APIC) RegisterHandler(n uint32, fn func()) error {
	if !a.IsValidIRQ(n) {
		return kerrors.Newf(kerrors.StatusOutOfRange, "apic_register", "vector %d", n)
	}
	return a.table.register(n, fn)
}

// UnregisterHandler implements Controller.
func (a *APIC) UnregisterHandler(n uint32) error {
	return a.table.unregister(n)
}

// MSIAllocBlock implements Controller.
func (a *APIC) MSIAllocBlock(count uint32) (MSIRange, error) {
	return a.msi.alloc(count)
}

// MSIFreeBlock implements Controller.
func (a *APIC) MSIFreeBlock(r MSIRange) error {
	for i := uint32(0); i < r.Count; i++ {
		// Handlers may or may not be attached; stale ones go with the block.
		_ = a.table.unregister(r.Base + i)
	}
	return a.msi.free(r)
}

// MSIRegisterHandler implements Controller.
func (a *APIC) MSIRegisterHandler(r MSIRange, id uint32, fn Handler) error {
	if id >= r.Count {
		return kerrors.Newf(kerrors.StatusOutOfRange, "msi_register", "id %d of block size %d", id, r.Count)
	}
	return a.table.register(r.Base+id, fn)
}

// HandleIRQ implements Controller. Masked GSIs are dropped; in-service
// tracking stands in for the ISR/EOI protocol.
func (a *APIC) HandleIRQ(vector uint32) {
	a.mu.Lock()
	if vector < apicGSICount && a.masked[vector] {
		a.mu.Unlock()
		return
	}
	a.inSvc[vector] = true
	a.mu.Unlock()

	a.table.dispatch(a.Name(), vector)

	a.mu.Lock()
	delete(a.inSvc, vector)
	a.mu.Unlock()
}
