// Package loader turns an ELF image into a running address space:
// VMOs for the LOAD segments mapped into a child region, relocations
// applied, and a System-V stack holding argv, envp, and auxv.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	kerrors "zcore-go/errors"
	"zcore-go/hal/mem"
	"zcore-go/hal/paging"
	"zcore-go/vm"
)

// SyscallEntrySymbol is the symbol the libos patches with the kernel's
// syscall entry point, letting statically linked userspace route
// syscalls through a function pointer instead of a trap instruction.
const SyscallEntrySymbol = "rcore_syscall_entry"

// DefaultStackPages is the stack size when the caller does not choose.
const DefaultStackPages = 8

// Image describes a loaded executable.
type Image struct {
	// Entry is the resolved entry instruction pointer.
	Entry uint64
	// SP is the initial stack pointer.
	SP uint64
	// Base is the load bias of the first LOAD segment region.
	Base uint64
	// Region is the child VMAR holding the segments.
	Region *vm.VMAR
	// StackVMO backs the stack; StackBase is its first address.
	StackVMO  vm.VMO
	StackBase uint64
}

// Options tune a Load.
type Options struct {
	// Argv are the program arguments, argv[0] first.
	Argv []string
	// Envs are the environment strings ("KEY=value").
	Envs []string
	// StackPages overrides DefaultStackPages when non-zero.
	StackPages uint64
	// SyscallEntry is written over the SyscallEntrySymbol slot when
	// the image exports one.
	SyscallEntry uint64
}

type loadedSegment struct {
	vaddr uint64 // page-aligned segment start, image-relative
	vmo   vm.VMO
}

// Load maps the executable into vmar and builds its initial stack.
func Load(image []byte, vmar *vm.VMAR, alloc *mem.FrameAllocator, opts Options) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.StatusIOInvalid, "elf_parse")
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, kerrors.New(kerrors.StatusNotSupported, "elf_parse", "only ELF64 images load")
	}

	// Total load size: the highest page any LOAD segment touches.
	var loadSize uint64
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		end := mem.PageRoundUp(ph.Vaddr + ph.Memsz)
		if end > loadSize {
			loadSize = end
		}
	}
	if loadSize == 0 {
		return nil, kerrors.New(kerrors.StatusIOInvalid, "elf_load", "no LOAD segments")
	}

	region, err := vmar.Allocate(nil, loadSize)
	if err != nil {
		return nil, err
	}
	base := region.Addr()

	var segments []loadedSegment
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		pageOff := ph.Vaddr % mem.PageSize
		vmo := vm.NewPaged(alloc, mem.Pages(ph.Memsz+pageOff))
		data := make([]byte, ph.Filesz)
		if n, err := ph.ReadAt(data, 0); err != nil && n < len(data) {
			return nil, kerrors.Wrap(err, kerrors.StatusIOInvalid, "elf_load")
		}
		// Segment data lands at its in-page offset; the rest of the
		// VMO stays zero, which is exactly the BSS contract.
		if err := vmo.Write(pageOff, data); err != nil {
			return nil, err
		}

		segStart := ph.Vaddr - pageOff
		off := segStart
		flags := segmentFlags(ph.Flags)
		if _, err := region.Map(&off, vmo, 0, vmo.Len(), flags); err != nil {
			return nil, err
		}
		segments = append(segments, loadedSegment{vaddr: segStart, vmo: vmo})
	}

	img := &Image{
		Entry:  base + f.Entry,
		Base:   base,
		Region: region,
	}

	if err := applyRelocations(f, base, segments); err != nil {
		return nil, err
	}

	if opts.SyscallEntry != 0 {
		if addr, ok := symbolAddress(f, SyscallEntrySymbol); ok {
			if err := pokeU64(segments, addr, opts.SyscallEntry); err != nil {
				return nil, err
			}
		}
	}

	if err := buildStack(f, vmar, alloc, img, opts); err != nil {
		return nil, err
	}
	return img, nil
}

func segmentFlags(pf elf.ProgFlag) paging.MMUFlags {
	flags := paging.FlagUser
	if pf&elf.PF_R != 0 {
		flags |= paging.FlagRead
	}
	if pf&elf.PF_W != 0 {
		flags |= paging.FlagWrite
	}
	if pf&elf.PF_X != 0 {
		flags |= paging.FlagExecute
	}
	return flags
}

// pokeU64 writes value at an image-relative address through the owning
// segment's VMO.
func pokeU64(segments []loadedSegment, vaddr, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	for _, seg := range segments {
		if vaddr >= seg.vaddr && vaddr+8 <= seg.vaddr+seg.vmo.Len() {
			return seg.vmo.Write(vaddr-seg.vaddr, buf[:])
		}
	}
	return kerrors.Newf(kerrors.StatusOutOfRange, "elf_patch", "address %#x outside LOAD segments", vaddr)
}

// Relocation types patched as (base + addend).
func isRelative(machine elf.Machine, relType uint32) bool {
	switch machine {
	case elf.EM_X86_64:
		return relType == uint32(elf.R_X86_64_RELATIVE)
	case elf.EM_AARCH64:
		return relType == uint32(elf.R_AARCH64_RELATIVE)
	case elf.EM_RISCV:
		return relType == uint32(elf.R_RISCV_RELATIVE)
	default:
		return false
	}
}

// Relocation types resolved through the dynamic symbol table.
func isSymbolic(machine elf.Machine, relType uint32) bool {
	switch machine {
	case elf.EM_X86_64:
		return relType == uint32(elf.R_X86_64_64) || relType == uint32(elf.R_X86_64_GLOB_DAT) ||
			relType == uint32(elf.R_X86_64_JMP_SLOT)
	case elf.EM_AARCH64:
		return relType == uint32(elf.R_AARCH64_ABS64) || relType == uint32(elf.R_AARCH64_GLOB_DAT) ||
			relType == uint32(elf.R_AARCH64_JUMP_SLOT)
	case elf.EM_RISCV:
		return relType == uint32(elf.R_RISCV_64) || relType == uint32(elf.R_RISCV_JUMP_SLOT)
	default:
		return false
	}
}

// applyRelocations processes .rela.dyn and .rela.plt: RELATIVE entries
// patch base+addend, symbolic entries resolve via .dynsym.
func applyRelocations(f *elf.File, base uint64, segments []loadedSegment) error {
	var dynsyms []elf.Symbol
	if syms, err := f.DynamicSymbols(); err == nil {
		dynsyms = syms
	}

	for _, name := range []string{".rela.dyn", ".rela.plt"} {
		sec := f.Section(name)
		if sec == nil {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return kerrors.Wrap(err, kerrors.StatusIOInvalid, "elf_relocate")
		}
		const relaSize = 24
		for off := 0; off+relaSize <= len(data); off += relaSize {
			rOffset := binary.LittleEndian.Uint64(data[off:])
			rInfo := binary.LittleEndian.Uint64(data[off+8:])
			rAddend := int64(binary.LittleEndian.Uint64(data[off+16:]))
			relType := uint32(rInfo)
			symIdx := uint32(rInfo >> 32)

			switch {
			case isRelative(f.Machine, relType):
				if err := pokeU64(segments, rOffset, base+uint64(rAddend)); err != nil {
					return err
				}
			case isSymbolic(f.Machine, relType):
				if symIdx == 0 || int(symIdx) > len(dynsyms) {
					return kerrors.Newf(kerrors.StatusIOInvalid, "elf_relocate", "bad symbol index %d", symIdx)
				}
				sym := dynsyms[symIdx-1]
				if err := pokeU64(segments, rOffset, base+sym.Value+uint64(rAddend)); err != nil {
					return err
				}
			default:
				// Unknown relocation kinds are fatal: silently skipping
				// them produces an image that jumps through zeros.
				return kerrors.Newf(kerrors.StatusNotSupported, "elf_relocate", "relocation type %d", relType)
			}
		}
	}
	return nil
}

// symbolAddress finds a symbol in the dynamic or static symbol table.
func symbolAddress(f *elf.File, name string) (uint64, bool) {
	if syms, err := f.DynamicSymbols(); err == nil {
		for _, s := range syms {
			if s.Name == name {
				return s.Value, true
			}
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if s.Name == name {
				return s.Value, true
			}
		}
	}
	return 0, false
}
