// Package paging implements the multi-level page-table manager of the HAL.
//
// The walker is arch-parametric: an Arch codec describes how many levels
// the table has and how leaf and table entries are encoded as 64-bit
// words. Tables live in frames from hal/mem; entries are little-endian.
package paging

import (
	"zcore-go/hal/mem"
)

// VirtAddr is a virtual memory address.
type VirtAddr uint64

// MMUFlags describe the access attributes of a mapping.
type MMUFlags uint32

const (
	// FlagRead allows read access.
	FlagRead MMUFlags = 1 << 0
	// FlagWrite allows write access.
	FlagWrite MMUFlags = 1 << 1
	// FlagExecute allows instruction fetch.
	FlagExecute MMUFlags = 1 << 2
	// FlagUser allows user-mode access.
	FlagUser MMUFlags = 1 << 3
	// FlagGlobal keeps the translation across address-space switches.
	FlagGlobal MMUFlags = 1 << 4
	// FlagDevice marks uncached device memory.
	FlagDevice MMUFlags = 1 << 5
	// FlagHugePage requests large leaf pages where alignment permits.
	// It is a mapping-time hint only and is never stored in an entry.
	FlagHugePage MMUFlags = 1 << 6
)

// entriesPerTable is fixed by the 9-bit index fields all three
// architectures share.
const entriesPerTable = 512

// Arch encodes and decodes page-table entries for one architecture.
type Arch interface {
	// Name returns the architecture name ("x86_64", "aarch64", "riscv64").
	Name() string
	// Levels returns the number of translation levels (3 or 4).
	Levels() int
	// EncodeLeaf builds a leaf entry. level identifies the table the
	// entry sits in (0 = top) so block/PS encodings can differ.
	EncodeLeaf(pa mem.PhysAddr, flags MMUFlags, level int) uint64
	// EncodeTable builds a next-level table entry.
	EncodeTable(pa mem.PhysAddr) uint64
	// Decode splits an entry into address, flags, and leaf-ness.
	// present is false for empty entries.
	Decode(pte uint64, level int) (pa mem.PhysAddr, flags MMUFlags, leaf bool, present bool)
	// KernelSplit returns the first top-level index of the kernel half.
	KernelSplit() int
	// GlobalOnKernelClone reports whether cloned kernel entries carry
	// the global bit (true on x86).
	GlobalOnKernelClone() bool
}

// IndexOf extracts the table index for va at the given level of an
// arch with the given number of levels.
func IndexOf(va VirtAddr, level, levels int) int {
	shift := mem.PageSizeShift + 9*(levels-1-level)
	return int(uint64(va)>>shift) & (entriesPerTable - 1)
}

// LevelPageSize returns the bytes mapped by a leaf at the given level.
func LevelPageSize(level, levels int) uint64 {
	return 1 << (mem.PageSizeShift + 9*(levels-1-level))
}

// X86_64 is the 4-level x86-64 codec.
type X86_64 struct{}

const (
	x86Present  = 1 << 0
	x86Write    = 1 << 1
	x86User     = 1 << 2
	x86PCD      = 1 << 4
	x86PS       = 1 << 7
	x86Global   = 1 << 8
	x86NX       = 1 << 63
	x86AddrMask = 0x000f_ffff_ffff_f000
)

// Name implements Arch.
func (X86_64) Name() string { return "x86_64" }

// Levels implements Arch.
func (X86_64) Levels() int { return 4 }

// EncodeLeaf implements Arch.
func (X86_64) EncodeLeaf(pa mem.PhysAddr, flags MMUFlags, level int) uint64 {
	pte := uint64(pa)&x86AddrMask | x86Present
	if flags&FlagWrite != 0 {
		pte |= x86Write
	}
	if flags&FlagUser != 0 {
		pte |= x86User
	}
	if flags&FlagGlobal != 0 {
		pte |= x86Global
	}
	if flags&FlagDevice != 0 {
		pte |= x86PCD
	}
	if flags&FlagExecute == 0 {
		pte |= x86NX
	}
	if level < 3 {
		pte |= x86PS
	}
	return pte
}

// EncodeTable implements Arch.
func (X86_64) EncodeTable(pa mem.PhysAddr) uint64 {
	return uint64(pa)&x86AddrMask | x86Present | x86Write | x86User
}

// Decode implements Arch.
func (X86_64) Decode(pte uint64, level int) (mem.PhysAddr, MMUFlags, bool, bool) {
	if pte&x86Present == 0 {
		return 0, 0, false, false
	}
	leaf := level == 3 || pte&x86PS != 0
	flags := FlagRead
	if pte&x86Write != 0 {
		flags |= FlagWrite
	}
	if pte&x86User != 0 {
		flags |= FlagUser
	}
	if pte&x86Global != 0 {
		flags |= FlagGlobal
	}
	if pte&x86PCD != 0 {
		flags |= FlagDevice
	}
	if pte&x86NX == 0 {
		flags |= FlagExecute
	}
	return mem.PhysAddr(pte & x86AddrMask), flags, leaf, true
}

// KernelSplit implements Arch.
func (X86_64) KernelSplit() int { return 256 }

// GlobalOnKernelClone implements Arch.
func (X86_64) GlobalOnKernelClone() bool { return true }

// AArch64 is the 4-level aarch64 codec (4 KiB granule).
type AArch64 struct{}

const (
	armValid    = 1 << 0
	armTable    = 1 << 1 // at non-final levels: 1 = table, 0 = block
	armAttrDev  = 1 << 2 // MAIR index bit for device memory
	armNS       = 1 << 5
	armAPUser   = 1 << 6 // AP[1]: EL0 accessible
	armAPRO     = 1 << 7 // AP[2]: read only
	armAF       = 1 << 10
	armNG       = 1 << 11 // not-global
	armPXN      = 1 << 53
	armUXN      = 1 << 54
	armAddrMask = 0x0000_ffff_ffff_f000
)

// Name implements Arch.
func (AArch64) Name() string { return "aarch64" }

// Levels implements Arch.
func (AArch64) Levels() int { return 4 }

// EncodeLeaf implements Arch.
func (AArch64) EncodeLeaf(pa mem.PhysAddr, flags MMUFlags, level int) uint64 {
	pte := uint64(pa)&armAddrMask | armValid | armAF
	if level == 3 {
		// Final-level page descriptors reuse the table bit.
		pte |= armTable
	}
	if flags&FlagWrite == 0 {
		pte |= armAPRO
	}
	if flags&FlagUser != 0 {
		pte |= armAPUser
	}
	if flags&FlagGlobal == 0 {
		pte |= armNG
	}
	if flags&FlagDevice != 0 {
		pte |= armAttrDev
	}
	if flags&FlagExecute == 0 {
		pte |= armPXN | armUXN
	}
	return pte
}

// EncodeTable implements Arch.
func (AArch64) EncodeTable(pa mem.PhysAddr) uint64 {
	return uint64(pa)&armAddrMask | armValid | armTable
}

// Decode implements Arch.
func (AArch64) Decode(pte uint64, level int) (mem.PhysAddr, MMUFlags, bool, bool) {
	if pte&armValid == 0 {
		return 0, 0, false, false
	}
	leaf := level == 3 || pte&armTable == 0
	flags := FlagRead
	if pte&armAPRO == 0 {
		flags |= FlagWrite
	}
	if pte&armAPUser != 0 {
		flags |= FlagUser
	}
	if pte&armNG == 0 {
		flags |= FlagGlobal
	}
	if pte&armAttrDev != 0 {
		flags |= FlagDevice
	}
	if pte&armUXN == 0 {
		flags |= FlagExecute
	}
	return mem.PhysAddr(pte & armAddrMask), flags, leaf, true
}

// KernelSplit implements Arch.
func (AArch64) KernelSplit() int { return 256 }

// GlobalOnKernelClone implements Arch.
func (AArch64) GlobalOnKernelClone() bool { return false }

// RiscV64 is the 3-level Sv39 codec.
type RiscV64 struct{}

const (
	rvValid  = 1 << 0
	rvRead   = 1 << 1
	rvWrite  = 1 << 2
	rvExec   = 1 << 3
	rvUser   = 1 << 4
	rvGlobal = 1 << 5
	rvAccess = 1 << 6
	rvDirty  = 1 << 7
)

// Name implements Arch.
func (RiscV64) Name() string { return "riscv64" }

// Levels implements Arch.
func (RiscV64) Levels() int { return 3 }

// EncodeLeaf implements Arch.
func (RiscV64) EncodeLeaf(pa mem.PhysAddr, flags MMUFlags, _ int) uint64 {
	pte := uint64(pa)>>mem.PageSizeShift<<10 | rvValid | rvAccess | rvDirty
	if flags&FlagRead != 0 {
		pte |= rvRead
	}
	if flags&FlagWrite != 0 {
		pte |= rvWrite
	}
	if flags&FlagExecute != 0 {
		pte |= rvExec
	}
	if flags&FlagUser != 0 {
		pte |= rvUser
	}
	if flags&FlagGlobal != 0 {
		pte |= rvGlobal
	}
	return pte
}

// EncodeTable implements Arch.
func (RiscV64) EncodeTable(pa mem.PhysAddr) uint64 {
	// A pointer entry has V set and RWX clear.
	return uint64(pa)>>mem.PageSizeShift<<10 | rvValid
}

// Decode implements Arch.
func (RiscV64) Decode(pte uint64, _ int) (mem.PhysAddr, MMUFlags, bool, bool) {
	if pte&rvValid == 0 {
		return 0, 0, false, false
	}
	leaf := pte&(rvRead|rvWrite|rvExec) != 0
	var flags MMUFlags
	if pte&rvRead != 0 {
		flags |= FlagRead
	}
	if pte&rvWrite != 0 {
		flags |= FlagWrite
	}
	if pte&rvExec != 0 {
		flags |= FlagExecute
	}
	if pte&rvUser != 0 {
		flags |= FlagUser
	}
	if pte&rvGlobal != 0 {
		flags |= FlagGlobal
	}
	return mem.PhysAddr(pte >> 10 << mem.PageSizeShift), flags, leaf, true
}

// KernelSplit implements Arch.
func (RiscV64) KernelSplit() int { return 256 }

// GlobalOnKernelClone implements Arch.
func (RiscV64) GlobalOnKernelClone() bool { return false }
