package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"zcore-go/hal/mem"
	"zcore-go/hal/paging"
	"zcore-go/vm"
)

// buildTestELF synthesizes a minimal statically linked ELF64 image: one
// LOAD segment covering the headers plus a little code, with some BSS.
func buildTestELF(entry uint64) []byte {
	const (
		vaddr  = 0x10000
		filesz = 0x200
		memsz  = 0x300
	)
	var buf bytes.Buffer
	le := binary.LittleEndian

	// ELF header.
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* LSB */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])
	_ = binary.Write(&buf, le, uint16(2))     // e_type: EXEC
	_ = binary.Write(&buf, le, uint16(0xf3))  // e_machine: RISC-V
	_ = binary.Write(&buf, le, uint32(1))     // e_version
	_ = binary.Write(&buf, le, entry)         // e_entry
	_ = binary.Write(&buf, le, uint64(64))    // e_phoff
	_ = binary.Write(&buf, le, uint64(0))     // e_shoff
	_ = binary.Write(&buf, le, uint32(0))     // e_flags
	_ = binary.Write(&buf, le, uint16(64))    // e_ehsize
	_ = binary.Write(&buf, le, uint16(56))    // e_phentsize
	_ = binary.Write(&buf, le, uint16(1))     // e_phnum
	_ = binary.Write(&buf, le, uint16(64))    // e_shentsize
	_ = binary.Write(&buf, le, uint16(0))     // e_shnum
	_ = binary.Write(&buf, le, uint16(0))     // e_shstrndx

	// Program header: one PT_LOAD from file offset 0.
	_ = binary.Write(&buf, le, uint32(1))          // p_type: LOAD
	_ = binary.Write(&buf, le, uint32(5))          // p_flags: R+X
	_ = binary.Write(&buf, le, uint64(0))          // p_offset
	_ = binary.Write(&buf, le, uint64(vaddr))      // p_vaddr
	_ = binary.Write(&buf, le, uint64(vaddr))      // p_paddr
	_ = binary.Write(&buf, le, uint64(filesz))     // p_filesz
	_ = binary.Write(&buf, le, uint64(memsz))      // p_memsz
	_ = binary.Write(&buf, le, uint64(mem.PageSize)) // p_align

	// Pad the file body out to filesz with recognizable code bytes.
	for buf.Len() < filesz {
		buf.WriteByte(0x13) // riscv nop opcode byte
	}
	return buf.Bytes()
}

func testSpace(t *testing.T) (*vm.VMAR, *mem.FrameAllocator) {
	t.Helper()
	arena := mem.NewArenaSlice(mem.DefaultArenaBase, make([]byte, 512*mem.PageSize))
	alloc := mem.NewFrameAllocator(arena)
	if err := alloc.Insert(arena.Base(), arena.Size()); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	pt, err := paging.New(paging.RiscV64{}, alloc)
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	return vm.NewRootVMAR(pt, 0x100000, 0x4000_0000), alloc
}

func TestLoad_EntryAndSegments(t *testing.T) {
	const elfEntry = 0x10100
	image := buildTestELF(elfEntry)
	vmar, alloc := testSpace(t)

	img, err := Load(image, vmar, alloc, Options{Argv: []string{"hello"}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Entry is the header's e_entry plus the load base.
	if img.Entry != img.Base+elfEntry {
		t.Errorf("Entry = %#x, want base %#x + %#x", img.Entry, img.Base, uint64(elfEntry))
	}

	// The segment content is reachable through the region's mappings:
	// the first bytes are the ELF magic (the LOAD covers offset 0).
	m, ok := img.Region.FindMapping(img.Base + 0x10000)
	if !ok {
		t.Fatal("no mapping at the segment base")
	}
	head := make([]byte, 4)
	if err := m.VMO.Read(0, head); err != nil {
		t.Fatalf("VMO.Read: %v", err)
	}
	if !bytes.Equal(head, []byte{0x7f, 'E', 'L', 'F'}) {
		t.Errorf("segment head = %v", head)
	}

	// BSS beyond filesz reads zero.
	bss := make([]byte, 16)
	if err := m.VMO.Read(0x250, bss); err != nil {
		t.Fatalf("bss read: %v", err)
	}
	for _, b := range bss {
		if b != 0 {
			t.Fatal("bss not zeroed")
		}
	}
}

func TestLoad_StackLayout(t *testing.T) {
	image := buildTestELF(0x10100)
	vmar, alloc := testSpace(t)

	img, err := Load(image, vmar, alloc, Options{
		Argv: []string{"hello"},
		Envs: []string{"TERM=xterm"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if img.SP%16 != 0 {
		t.Errorf("SP %#x not 16-byte aligned", img.SP)
	}

	readU64 := func(addr uint64) uint64 {
		var b [8]byte
		if err := img.StackVMO.Read(addr-img.StackBase, b[:]); err != nil {
			t.Fatalf("stack read at %#x: %v", addr, err)
		}
		return binary.LittleEndian.Uint64(b[:])
	}
	readCStr := func(addr uint64) string {
		var out []byte
		for {
			var b [1]byte
			if err := img.StackVMO.Read(addr-img.StackBase, b[:]); err != nil {
				t.Fatalf("stack read: %v", err)
			}
			if b[0] == 0 {
				return string(out)
			}
			out = append(out, b[0])
			addr++
		}
	}

	// argc = 1.
	sp := img.SP
	if argc := readU64(sp); argc != 1 {
		t.Fatalf("argc = %d, want 1", argc)
	}
	// argv[0] = "hello", then the NULL terminator.
	if got := readCStr(readU64(sp + 8)); got != "hello" {
		t.Errorf("argv[0] = %q", got)
	}
	if readU64(sp+16) != 0 {
		t.Error("argv not NULL terminated")
	}
	// envp[0] = "TERM=xterm", NULL terminated.
	if got := readCStr(readU64(sp + 24)); got != "TERM=xterm" {
		t.Errorf("envp[0] = %q", got)
	}
	if readU64(sp+32) != 0 {
		t.Error("envp not NULL terminated")
	}

	// auxv follows: scan for AT_PAGESZ and AT_ENTRY.
	auxv := map[uint64]uint64{}
	for addr := sp + 40; ; addr += 16 {
		key := readU64(addr)
		auxv[key] = readU64(addr + 8)
		if key == AtNull {
			break
		}
	}
	if auxv[AtPagesz] != mem.PageSize {
		t.Errorf("AT_PAGESZ = %d, want %d", auxv[AtPagesz], mem.PageSize)
	}
	if auxv[AtEntry] != img.Entry {
		t.Errorf("AT_ENTRY = %#x, want %#x", auxv[AtEntry], img.Entry)
	}
	if auxv[AtBase] != img.Base {
		t.Errorf("AT_BASE = %#x", auxv[AtBase])
	}
	if _, ok := auxv[AtRandom]; !ok {
		t.Error("auxv missing AT_RANDOM")
	}
}

func TestLoad_RejectsBadImages(t *testing.T) {
	vmar, alloc := testSpace(t)
	if _, err := Load([]byte("not an elf"), vmar, alloc, Options{}); err == nil {
		t.Error("garbage image loaded")
	}
	// A valid header with no LOAD segments is refused too.
	image := buildTestELF(0)
	// Zero out e_phnum so no segments parse.
	image[56] = 0
	if _, err := Load(image, vmar, alloc, Options{}); err == nil {
		t.Error("segmentless image loaded")
	}
}
