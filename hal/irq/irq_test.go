package irq

import (
	"testing"

	kerrors "zcore-go/errors"
	"zcore-go/hal/scheme"
)

func controllers() []Controller {
	return []Controller{NewAPIC(), NewGICv2(), NewPLIC()}
}

// firstValid returns a line each backend accepts.
func firstValid(c Controller) uint32 {
	switch c.(type) {
	case *APIC:
		return 4
	case *GICv2:
		return 33
	default:
		return 10
	}
}

func TestController_DispatchRequiresUnmask(t *testing.T) {
	for _, c := range controllers() {
		t.Run(c.Name(), func(t *testing.T) {
			n := firstValid(c)
			fired := 0
			if err := c.RegisterHandler(n, func() { fired++ }); err != nil {
				t.Fatalf("RegisterHandler: %v", err)
			}

			// Masked line: dropped at the controller.
			c.HandleIRQ(n)
			if fired != 0 {
				t.Fatalf("handler fired while masked")
			}

			if err := c.Unmask(n); err != nil {
				t.Fatalf("Unmask: %v", err)
			}
			c.HandleIRQ(n)
			if fired != 1 {
				t.Fatalf("fired = %d, want 1", fired)
			}

			if err := c.Mask(n); err != nil {
				t.Fatalf("Mask: %v", err)
			}
			c.HandleIRQ(n)
			if fired != 1 {
				t.Fatalf("handler fired after Mask")
			}
		})
	}
}

func TestController_RegisterTwice(t *testing.T) {
	for _, c := range controllers() {
		t.Run(c.Name(), func(t *testing.T) {
			n := firstValid(c)
			if err := c.RegisterHandler(n, func() {}); err != nil {
				t.Fatalf("RegisterHandler: %v", err)
			}
			if err := c.RegisterHandler(n, func() {}); !kerrors.Is(err, kerrors.ErrAlreadyExists) {
				t.Errorf("second RegisterHandler = %v, want ALREADY_EXISTS", err)
			}
			if err := c.UnregisterHandler(n); err != nil {
				t.Fatalf("UnregisterHandler: %v", err)
			}
			if err := c.UnregisterHandler(n); !kerrors.Is(err, kerrors.ErrNotFound) {
				t.Errorf("second UnregisterHandler = %v, want NOT_FOUND", err)
			}
		})
	}
}

func TestController_InvalidLines(t *testing.T) {
	tests := []struct {
		c   Controller
		bad uint32
	}{
		{NewAPIC(), 30},
		{NewGICv2(), 5},   // SGI/PPI space is not routable here
		{NewGICv2(), 1020}, // special IDs
		{NewPLIC(), 0},    // source 0 means "none"
	}
	for _, tt := range tests {
		t.Run(tt.c.Name(), func(t *testing.T) {
			if tt.c.IsValidIRQ(tt.bad) {
				t.Errorf("IsValidIRQ(%d) = true", tt.bad)
			}
			if err := tt.c.Unmask(tt.bad); !kerrors.Is(err, kerrors.ErrOutOfRange) {
				t.Errorf("Unmask(%d) = %v, want OUT_OF_RANGE", tt.bad, err)
			}
		})
	}
}

func TestAPIC_MSIBlocks(t *testing.T) {
	a := NewAPIC()

	r, err := a.MSIAllocBlock(4)
	if err != nil {
		t.Fatalf("MSIAllocBlock: %v", err)
	}
	if r.Count != 4 || r.Base%4 != 0 {
		t.Errorf("block = %+v, want aligned block of 4", r)
	}

	fired := 0
	if err := a.MSIRegisterHandler(r, 2, func() { fired++ }); err != nil {
		t.Fatalf("MSIRegisterHandler: %v", err)
	}
	if err := a.MSIRegisterHandler(r, 9, func() {}); !kerrors.Is(err, kerrors.ErrOutOfRange) {
		t.Errorf("out-of-block id = %v, want OUT_OF_RANGE", err)
	}

	a.HandleIRQ(r.Base + 2)
	if fired != 1 {
		t.Errorf("msi handler fired = %d, want 1", fired)
	}

	if err := a.MSIFreeBlock(r); err != nil {
		t.Fatalf("MSIFreeBlock: %v", err)
	}
	// The freed block is reusable.
	r2, err := a.MSIAllocBlock(4)
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}
	if r2.Base != r.Base {
		t.Errorf("realloc base = %d, want %d", r2.Base, r.Base)
	}
}

func TestAPIC_MSIBadCount(t *testing.T) {
	a := NewAPIC()
	for _, count := range []uint32{0, 3, 6} {
		if _, err := a.MSIAllocBlock(count); !kerrors.Is(err, kerrors.ErrInvalidArgs) {
			t.Errorf("MSIAllocBlock(%d) = %v, want INVALID_ARGS", count, err)
		}
	}
}

func TestGICPLIC_NoMSI(t *testing.T) {
	for _, c := range []Controller{NewGICv2(), NewPLIC()} {
		if _, err := c.MSIAllocBlock(1); !kerrors.Is(err, kerrors.ErrNotSupported) {
			t.Errorf("%s MSIAllocBlock = %v, want NOT_SUPPORTED", c.Name(), err)
		}
	}
}

func TestPLIC_ConfigureEdgeRefused(t *testing.T) {
	p := NewPLIC()
	if err := p.Configure(7, scheme.TriggerEdge, scheme.PolarityHigh); !kerrors.Is(err, kerrors.ErrNotSupported) {
		t.Errorf("Configure edge = %v, want NOT_SUPPORTED", err)
	}
	if err := p.Configure(7, scheme.TriggerLevel, scheme.PolarityHigh); err != nil {
		t.Errorf("Configure level: %v", err)
	}
}
