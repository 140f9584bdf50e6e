package bus

import (
	"bytes"
	"encoding/binary"
	"testing"

	kerrors "zcore-go/errors"
)

// dtbBuilder assembles a flattened blob for tests.
type dtbBuilder struct {
	structs bytes.Buffer
	strings bytes.Buffer
	offsets map[string]uint32
}

func newDTBBuilder() *dtbBuilder {
	return &dtbBuilder{offsets: make(map[string]uint32)}
}

func (b *dtbBuilder) u32(v uint32) {
	_ = binary.Write(&b.structs, binary.BigEndian, v)
}

func (b *dtbBuilder) stringOff(s string) uint32 {
	if off, ok := b.offsets[s]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(s)
	b.strings.WriteByte(0)
	b.offsets[s] = off
	return off
}

func (b *dtbBuilder) begin(name string) {
	b.u32(fdtBeginNode)
	b.structs.WriteString(name)
	b.structs.WriteByte(0)
	for b.structs.Len()%4 != 0 {
		b.structs.WriteByte(0)
	}
}

func (b *dtbBuilder) end() { b.u32(fdtEndNode) }

func (b *dtbBuilder) prop(name string, data []byte) {
	b.u32(fdtProp)
	b.u32(uint32(len(data)))
	b.u32(b.stringOff(name))
	b.structs.Write(data)
	for b.structs.Len()%4 != 0 {
		b.structs.WriteByte(0)
	}
}

func (b *dtbBuilder) propU32(name string, vals ...uint32) {
	var data bytes.Buffer
	for _, v := range vals {
		_ = binary.Write(&data, binary.BigEndian, v)
	}
	b.prop(name, data.Bytes())
}

func (b *dtbBuilder) propStr(name string, vals ...string) {
	var data bytes.Buffer
	for _, v := range vals {
		data.WriteString(v)
		data.WriteByte(0)
	}
	b.prop(name, data.Bytes())
}

func (b *dtbBuilder) build() []byte {
	b.u32(fdtEnd)
	const headerLen = 40
	rsvmap := make([]byte, 16) // empty terminator entry
	offStruct := headerLen + len(rsvmap)
	offStrings := offStruct + b.structs.Len()
	total := offStrings + b.strings.Len()

	var out bytes.Buffer
	w := func(v uint32) { _ = binary.Write(&out, binary.BigEndian, v) }
	w(fdtMagic)
	w(uint32(total))
	w(uint32(offStruct))
	w(uint32(offStrings))
	w(uint32(headerLen))
	w(17) // version
	w(16) // last compatible version
	w(0)  // boot cpu
	w(uint32(b.strings.Len()))
	w(uint32(b.structs.Len()))
	out.Write(rsvmap)
	out.Write(b.structs.Bytes())
	out.Write(b.strings.Bytes())
	return out.Bytes()
}

// virtBoard builds a machine resembling the qemu riscv virt board: a
// PLIC interrupt controller, a UART wired to PLIC line 10, a virtio-mmio
// slot, and a memory node.
func virtBoard() []byte {
	b := newDTBBuilder()
	b.begin("")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 2)

	b.begin("memory@80000000")
	b.propStr("device_type", "memory")
	b.propU32("reg", 0, 0x8000_0000, 0, 0x800_0000)
	b.end()

	b.begin("soc")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 2)

	b.begin("plic@c000000")
	b.propStr("compatible", "riscv,plic0")
	b.propU32("reg", 0, 0xc00_0000, 0, 0x60_0000)
	b.prop("interrupt-controller", nil)
	b.propU32("#interrupt-cells", 1)
	b.propU32("phandle", 3)
	b.end()

	b.begin("uart@10000000")
	b.propStr("compatible", "ns16550a")
	b.propU32("reg", 0, 0x1000_0000, 0, 0x100)
	b.propU32("interrupts", 10)
	b.propU32("interrupt-parent", 3)
	b.end()

	b.begin("virtio_mmio@10001000")
	b.propStr("compatible", "virtio,mmio")
	b.propU32("reg", 0, 0x1000_1000, 0, 0x1000)
	b.propU32("interrupts-extended", 3, 1)
	b.end()

	b.begin("flash@20000000")
	b.propStr("compatible", "cfi-flash")
	b.propU32("reg", 0, 0x2000_0000, 0, 0x200_0000)
	b.end()

	b.end() // soc
	b.end() // root
	return b.build()
}

func TestParseDTB_Structure(t *testing.T) {
	root, err := ParseDTB(virtBoard())
	if err != nil {
		t.Fatalf("ParseDTB: %v", err)
	}
	if len(root.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(root.Children))
	}

	soc := root.Children[1]
	if soc.Name != "soc" {
		t.Fatalf("second child = %q, want soc", soc.Name)
	}
	if len(soc.Children) != 4 {
		t.Fatalf("soc children = %d, want 4", len(soc.Children))
	}

	uart := soc.Children[1]
	compat, ok := uart.PropStringList("compatible")
	if !ok || compat[0] != "ns16550a" {
		t.Errorf("uart compatible = %v", compat)
	}

	// Cell counts inherit from soc.
	regs, ok := uart.Reg()
	if !ok || len(regs) != 1 {
		t.Fatalf("uart Reg() = %v, %v", regs, ok)
	}
	if regs[0].Addr != 0x1000_0000 || regs[0].Size != 0x100 {
		t.Errorf("uart reg = %+v", regs[0])
	}

	parent, ok := uart.InterruptParent()
	if !ok || parent != 3 {
		t.Errorf("uart interrupt-parent = %d, %v", parent, ok)
	}
}

func TestParseDTB_BadBlob(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
		want kerrors.Status
	}{
		{"short", []byte{1, 2, 3}, kerrors.StatusInvalidArgs},
		{"bad magic", make([]byte, 64), kerrors.StatusIODataIntegrity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDTB(tt.blob); !kerrors.IsStatus(err, tt.want) {
				t.Errorf("ParseDTB = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNode_CellInheritance(t *testing.T) {
	b := newDTBBuilder()
	b.begin("")
	b.propU32("#address-cells", 1)
	b.propU32("#size-cells", 1)
	b.begin("bus")
	// bus overrides the root's counts for its children.
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 0)
	b.begin("dev")
	b.propU32("reg", 0x1, 0x2000_0000)
	b.end()
	b.end()
	b.begin("top-dev")
	b.propU32("reg", 0x9000_0000, 0x1000)
	b.end()
	b.end()

	root, err := ParseDTB(b.build())
	if err != nil {
		t.Fatalf("ParseDTB: %v", err)
	}

	dev := root.Children[0].Children[0]
	regs, ok := dev.Reg()
	if !ok || len(regs) != 1 {
		t.Fatalf("dev Reg() = %v, %v", regs, ok)
	}
	if regs[0].Addr != 0x1_2000_0000 || regs[0].Size != 0 {
		t.Errorf("dev reg = %+v, want addr 0x120000000 size 0", regs[0])
	}

	topDev := root.Children[1]
	regs, ok = topDev.Reg()
	if !ok || regs[0].Addr != 0x9000_0000 || regs[0].Size != 0x1000 {
		t.Errorf("top-dev reg = %+v", regs)
	}
}
