package irq

import (
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/hal/scheme"
)

// GICv2 models the Arm generic interrupt controller, distributor side.
// Shared peripheral interrupts occupy IDs 32..1019; the enable and
// configuration state is kept as the distributor's bit arrays.
type GICv2 struct {
	table handlerTable

	mu      sync.Mutex
	enabled [(gicMaxIRQ + 31) / 32]uint32
	cfgEdge [(gicMaxIRQ + 31) / 32]uint32
}

const (
	gicSPIBase = 32
	gicMaxIRQ  = 1020
)

// NewGICv2 creates the GIC backend with all SPIs disabled.
func NewGICv2() *GICv2 {
	return &GICv2{table: newHandlerTable()}
}

// Name implements Controller.
func (g *GICv2) Name() string { return "gic-v2" }

// IsValidIRQ implements Controller.
func (g *GICv2) IsValidIRQ(n uint32) bool {
	return n >= gicSPIBase && n < gicMaxIRQ
}

func (g *GICv2) check(op string, n uint32) error {
	if !g.IsValidIRQ(n) {
		return kerrors.Newf(kerrors.StatusOutOfRange, op, "spi %d", n)
	}
	return nil
}

// Mask implements Controller (ICDICER write).
func (g *GICv2) Mask(n uint32) error {
	if err := g.check("gic_mask", n); err != nil {
		return err
	}
	g.mu.Lock()
	g.enabled[n/32] &^= 1 << (n % 32)
	g.mu.Unlock()
	return nil
}

// Unmask implements Controller (ICDISER write).
func (g *GICv2) Unmask(n uint32) error {
	if err := g.check("gic_unmask", n); err != nil {
		return err
	}
	g.mu.Lock()
	g.enabled[n/32] |= 1 << (n % 32)
	g.mu.Unlock()
	return nil
}

// Configure implements Controller (ICDICFR). The GIC has no polarity
// control; active-low requests are refused.
func (g *GICv2) Configure(n uint32, trigger scheme.Trigger, polarity scheme.Polarity) error {
	if err := g.check("gic_configure", n); err != nil {
		return err
	}
	if polarity == scheme.PolarityLow {
		return kerrors.New(kerrors.StatusNotSupported, "gic_configure", "gic lines are active-high")
	}
	g.mu.Lock()
	if trigger == scheme.TriggerEdge {
		g.cfgEdge[n/32] |= 1 << (n % 32)
	} else {
		g.cfgEdge[n/32] &^= 1 << (n % 32)
	}
	g.mu.Unlock()
	return nil
}

// RegisterHandler implements Controller.
func (g *GICv2) RegisterHandler(n uint32, fn func()) error {
	if err := g.check("gic_register", n); err != nil {
		return err
	}
	return g.table.register(n, fn)
}

// UnregisterHandler implements Controller.
func (g *GICv2) UnregisterHandler(n uint32) error {
	return g.table.unregister(n)
}

// MSIAllocBlock implements Controller. GICv2 has no MSI support (that
// arrived with the v2m frame, which this distributor model omits).
func (g *GICv2) MSIAllocBlock(uint32) (MSIRange, error) {
	return MSIRange{}, kerrors.New(kerrors.StatusNotSupported, "msi_alloc", "gic-v2 has no msi frame")
}

// MSIFreeBlock implements Controller.
func (g *GICv2) MSIFreeBlock(MSIRange) error {
	return kerrors.New(kerrors.StatusNotSupported, "msi_free", "gic-v2 has no msi frame")
}

// MSIRegisterHandler implements Controller.
func (g *GICv2) MSIRegisterHandler(MSIRange, uint32, Handler) error {
	return kerrors.New(kerrors.StatusNotSupported, "msi_register", "gic-v2 has no msi frame")
}

// HandleIRQ implements Controller. Reading IAR acknowledges; writing
// EOIR completes. Disabled lines are dropped at the distributor.
func (g *GICv2) HandleIRQ(vector uint32) {
	if !g.IsValidIRQ(vector) {
		return
	}
	g.mu.Lock()
	enabled := g.enabled[vector/32]&(1<<(vector%32)) != 0
	g.mu.Unlock()
	if !enabled {
		return
	}
	g.table.dispatch(g.Name(), vector)
}
