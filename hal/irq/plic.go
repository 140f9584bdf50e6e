package irq

import (
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/hal/scheme"
)

// PLIC models the RISC-V platform-level interrupt controller. Sources
// are 1..1023 (0 means "no interrupt"); enable bits and priorities are
// kept per source as the hardware holds them per context.
type PLIC struct {
	table handlerTable

	mu       sync.Mutex
	enabled  [plicMaxSource/32 + 1]uint32
	priority [plicMaxSource + 1]uint8
	claimed  map[uint32]bool
}

const plicMaxSource = 1023

// NewPLIC creates the PLIC backend with all sources disabled at
// priority 0.
func NewPLIC() *PLIC {
	return &PLIC{table: newHandlerTable(), claimed: make(map[uint32]bool)}
}

// Name implements Controller.
func (p *PLIC) Name() string { return "riscv-plic" }

// IsValidIRQ implements Controller.
func (p *PLIC) IsValidIRQ(n uint32) bool {
	return n >= 1 && n <= plicMaxSource
}

func (p *PLIC) check(op string, n uint32) error {
	if !p.IsValidIRQ(n) {
		return kerrors.Newf(kerrors.StatusOutOfRange, op, "source %d", n)
	}
	return nil
}

// Mask implements Controller.
func (p *PLIC) Mask(n uint32) error {
	if err := p.check("plic_mask", n); err != nil {
		return err
	}
	p.mu.Lock()
	p.enabled[n/32] &^= 1 << (n % 32)
	p.mu.Unlock()
	return nil
}

// Unmask implements Controller. Enabling also raises the priority above
// the threshold, as the boot path does on real hardware.
func (p *PLIC) Unmask(n uint32) error {
	if err := p.check("plic_unmask", n); err != nil {
		return err
	}
	p.mu.Lock()
	p.enabled[n/32] |= 1 << (n % 32)
	if p.priority[n] == 0 {
		p.priority[n] = 1
	}
	p.mu.Unlock()
	return nil
}

// Configure implements Controller. The PLIC is level-triggered only.
func (p *PLIC) Configure(n uint32, trigger scheme.Trigger, _ scheme.Polarity) error {
	if err := p.check("plic_configure", n); err != nil {
		return err
	}
	if trigger == scheme.TriggerEdge {
		return kerrors.New(kerrors.StatusNotSupported, "plic_configure", "plic sources are level-triggered")
	}
	return nil
}

// RegisterHandler implements Controller.
func (p *PLIC) RegisterHandler(n uint32, fn func()) error {
	if err := p.check("plic_register", n); err != nil {
		return err
	}
	return p.table.register(n, fn)
}

// UnregisterHandler implements Controller.
func (p *PLIC) UnregisterHandler(n uint32) error {
	return p.table.unregister(n)
}

// MSIAllocBlock implements Controller.
func (p *PLIC) MSIAllocBlock(uint32) (MSIRange, error) {
	return MSIRange{}, kerrors.New(kerrors.StatusNotSupported, "msi_alloc", "plic has no msi")
}

// MSIFreeBlock implements Controller.
func (p *PLIC) MSIFreeBlock(MSIRange) error {
	return kerrors.New(kerrors.StatusNotSupported, "msi_free", "plic has no msi")
}

// MSIRegisterHandler implements Controller.
func (p *PLIC) MSIRegisterHandler(MSIRange, uint32, Handler) error {
	return kerrors.New(kerrors.StatusNotSupported, "msi_register", "plic has no msi")
}

// HandleIRQ implements Controller: claim, dispatch, complete.
func (p *PLIC) HandleIRQ(vector uint32) {
	if !p.IsValidIRQ(vector) {
		return
	}
	p.mu.Lock()
	enabled := p.enabled[vector/32]&(1<<(vector%32)) != 0 && p.priority[vector] > 0
	if !enabled || p.claimed[vector] {
		p.mu.Unlock()
		return
	}
	p.claimed[vector] = true
	p.mu.Unlock()

	p.table.dispatch(p.Name(), vector)

	p.mu.Lock()
	delete(p.claimed, vector)
	p.mu.Unlock()
}
