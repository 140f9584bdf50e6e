package bus

import (
	"testing"

	kerrors "zcore-go/errors"
	"zcore-go/hal/irq"
	"zcore-go/hal/scheme"
)

// testRegistry registers drivers for the virt board: the PLIC and a
// UART whose handler counts invocations.
func testRegistry(t *testing.T) (*Registry, *irq.PLIC, *int) {
	t.Helper()
	reg := NewRegistry()
	plic := irq.NewPLIC()
	uartFires := new(int)

	if err := reg.Register("riscv,plic*", func(n *Node) (*scheme.Device, error) {
		return &scheme.Device{Kind: scheme.KindIrq, Irq: plic}, nil
	}); err != nil {
		t.Fatalf("Register plic: %v", err)
	}
	if err := reg.Register("ns16550*", func(n *Node) (*scheme.Device, error) {
		u := scheme.NewMockUart()
		return &scheme.Device{
			Kind:    scheme.KindUart,
			Uart:    u,
			Handler: func() { *uartFires++ },
		}, nil
	}); err != nil {
		t.Fatalf("Register uart: %v", err)
	}
	if err := reg.Register("virtio,mmio*", func(n *Node) (*scheme.Device, error) {
		return &scheme.Device{
			Kind:    scheme.KindBlock,
			Block:   scheme.NewMemBlock(16),
			Handler: func() {},
		}, nil
	}); err != nil {
		t.Fatalf("Register virtio: %v", err)
	}
	return reg, plic, uartFires
}

func TestProbeDTB_Discovery(t *testing.T) {
	reg, _, _ := testRegistry(t)
	res, err := reg.ProbeDTB(virtBoard())
	if err != nil {
		t.Fatalf("ProbeDTB: %v", err)
	}

	// PLIC, UART, virtio probed; cfi-flash has no driver and is skipped.
	if len(res.Devices) != 3 {
		t.Fatalf("devices = %d, want 3", len(res.Devices))
	}
	if res.Devices[0].Kind != scheme.KindIrq {
		t.Errorf("first device = %v, want irq", res.Devices[0].Kind)
	}
	if res.Controllers[3] == nil {
		t.Error("phandle 3 not registered as controller")
	}
	if len(res.MemoryRanges) != 1 || res.MemoryRanges[0].Addr != 0x8000_0000 {
		t.Errorf("memory ranges = %+v", res.MemoryRanges)
	}
}

func TestProbeDTB_InterruptWiring(t *testing.T) {
	reg, plic, uartFires := testRegistry(t)
	if _, err := reg.ProbeDTB(virtBoard()); err != nil {
		t.Fatalf("ProbeDTB: %v", err)
	}

	// The probe registered and unmasked line 10 for the UART.
	plic.HandleIRQ(10)
	if *uartFires != 1 {
		t.Errorf("uart handler fired %d times, want 1", *uartFires)
	}

	// interrupts-extended wired the virtio device to line 1.
	if err := plic.RegisterHandler(1, func() {}); !kerrors.Is(err, kerrors.ErrAlreadyExists) {
		t.Errorf("line 1 should be taken by virtio, RegisterHandler = %v", err)
	}
}

func TestProbeDTB_MissingPhandle(t *testing.T) {
	b := newDTBBuilder()
	b.begin("")
	b.propU32("#address-cells", 1)
	b.propU32("#size-cells", 1)
	b.begin("uart@0")
	b.propStr("compatible", "ns16550a")
	b.propU32("interrupts", 4)
	b.propU32("interrupt-parent", 99) // no such controller
	b.end()
	b.end()

	reg, _, uartFires := testRegistry(t)
	res, err := reg.ProbeDTB(b.build())
	if err != nil {
		t.Fatalf("ProbeDTB: %v", err)
	}
	// The device survives discovery; only the wiring is skipped.
	if len(res.Devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(res.Devices))
	}
	if *uartFires != 0 {
		t.Errorf("handler fired with no controller")
	}
}

func TestProbeDTB_ProbeNotSupported(t *testing.T) {
	b := newDTBBuilder()
	b.begin("")
	b.begin("dev@0")
	b.propStr("compatible", "acme,widget")
	b.end()
	b.end()

	reg := NewRegistry()
	if err := reg.Register("acme,*", func(n *Node) (*scheme.Device, error) {
		return nil, kerrors.New(kerrors.StatusNotSupported, "probe", "unsupported revision")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := reg.ProbeDTB(b.build())
	if err != nil {
		t.Fatalf("ProbeDTB: %v", err)
	}
	if len(res.Devices) != 0 {
		t.Errorf("devices = %d, want 0", len(res.Devices))
	}
}

func TestRegistry_GlobPatterns(t *testing.T) {
	reg := NewRegistry()
	matched := ""
	probe := func(name string) ProbeFn {
		return func(n *Node) (*scheme.Device, error) {
			matched = name
			return &scheme.Device{Kind: scheme.KindUart, Uart: scheme.NewMockUart()}, nil
		}
	}
	if err := reg.Register("arm,pl011", probe("pl011")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("ns16550*", probe("ns16550")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	b := newDTBBuilder()
	b.begin("")
	b.begin("serial@0")
	// Multi-value compatible: the most specific name first.
	b.propStr("compatible", "snps,dw-apb-uart", "ns16550a")
	b.end()
	b.end()

	if _, err := reg.ProbeDTB(b.build()); err != nil {
		t.Fatalf("ProbeDTB: %v", err)
	}
	if matched != "ns16550" {
		t.Errorf("matched driver = %q, want ns16550", matched)
	}
}
