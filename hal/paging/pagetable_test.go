package paging

import (
	"testing"

	kerrors "zcore-go/errors"
	"zcore-go/hal/mem"
)

func testTable(t *testing.T, arch Arch) (*PageTable, *mem.FrameAllocator) {
	t.Helper()
	arena := mem.NewArenaSlice(mem.DefaultArenaBase, make([]byte, 512*mem.PageSize))
	alloc := mem.NewFrameAllocator(arena)
	if err := alloc.Insert(arena.Base(), arena.Size()); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	pt, err := New(arch, alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pt, alloc
}

func archList() []Arch {
	return []Arch{X86_64{}, AArch64{}, RiscV64{}}
}

func TestPageTable_MapQueryUnmap(t *testing.T) {
	for _, arch := range archList() {
		t.Run(arch.Name(), func(t *testing.T) {
			pt, alloc := testTable(t, arch)
			frame, err := alloc.Alloc()
			if err != nil {
				t.Fatalf("Alloc: %v", err)
			}

			const va = VirtAddr(0x1000_0000)
			flags := FlagRead | FlagWrite | FlagUser
			if err := pt.Map(va, frame, flags); err != nil {
				t.Fatalf("Map: %v", err)
			}

			// Map then query returns the same (paddr, flags).
			pa, gotFlags, size, err := pt.Query(va)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if pa != frame {
				t.Errorf("Query pa = %#x, want %#x", pa, frame)
			}
			if gotFlags != flags {
				t.Errorf("Query flags = %v, want %v", gotFlags, flags)
			}
			if size != mem.PageSize {
				t.Errorf("Query size = %d, want %d", size, mem.PageSize)
			}

			// Double map fails.
			if err := pt.Map(va, frame, flags); !kerrors.Is(err, kerrors.ErrAlreadyExists) {
				t.Errorf("double Map = %v, want ALREADY_EXISTS", err)
			}

			// Unmap returns the frame; query then fails.
			gotPA, gotSize, err := pt.Unmap(va)
			if err != nil {
				t.Fatalf("Unmap: %v", err)
			}
			if gotPA != frame || gotSize != mem.PageSize {
				t.Errorf("Unmap = (%#x, %d), want (%#x, %d)", gotPA, gotSize, frame, mem.PageSize)
			}
			if _, _, _, err := pt.Query(va); !kerrors.Is(err, kerrors.ErrNotFound) {
				t.Errorf("Query after Unmap = %v, want NOT_FOUND", err)
			}
			if _, _, err := pt.Unmap(va); !kerrors.Is(err, kerrors.ErrNotFound) {
				t.Errorf("Unmap after Unmap = %v, want NOT_FOUND", err)
			}
		})
	}
}

func TestPageTable_UpdatePreservesFrame(t *testing.T) {
	for _, arch := range archList() {
		t.Run(arch.Name(), func(t *testing.T) {
			pt, alloc := testTable(t, arch)
			frame, _ := alloc.Alloc()

			const va = VirtAddr(0x2000_0000)
			if err := pt.Map(va, frame, FlagRead|FlagWrite|FlagUser); err != nil {
				t.Fatalf("Map: %v", err)
			}

			newFlags := FlagRead | FlagUser
			size, err := pt.Update(va, nil, &newFlags)
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if size != mem.PageSize {
				t.Errorf("Update size = %d, want %d", size, mem.PageSize)
			}

			pa, gotFlags, _, err := pt.Query(va)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if pa != frame {
				t.Errorf("Update changed frame: %#x, want %#x", pa, frame)
			}
			if gotFlags != newFlags {
				t.Errorf("Update flags = %v, want %v", gotFlags, newFlags)
			}
		})
	}
}

func TestPageTable_MapContHugePages(t *testing.T) {
	for _, arch := range archList() {
		t.Run(arch.Name(), func(t *testing.T) {
			pt, alloc := testTable(t, arch)

			// A 2 MiB aligned run with the hint maps as one large leaf.
			const va = VirtAddr(0x4000_0000)
			const size = 2 << 20
			pa := mem.PhysAddr(0x4000_0000) // device range outside the arena is fine for leaves
			err := pt.MapCont(va, size, pa, FlagRead|FlagWrite|FlagHugePage)
			if err != nil {
				t.Fatalf("MapCont: %v", err)
			}
			_, _, gotSize, err := pt.Query(va)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if gotSize != size {
				t.Errorf("huge leaf size = %d, want %d", gotSize, size)
			}

			// Interior addresses resolve through the leaf.
			qpa, _, _, err := pt.Query(va + 0x5000)
			if err != nil {
				t.Fatalf("Query interior: %v", err)
			}
			if qpa != pa+0x5000 {
				t.Errorf("interior pa = %#x, want %#x", qpa, pa+0x5000)
			}

			// Without the hint the same span maps as base pages.
			const va2 = VirtAddr(0x8000_0000)
			if err := pt.MapCont(va2, 4*mem.PageSize, pa, FlagRead); err != nil {
				t.Fatalf("MapCont small: %v", err)
			}
			_, _, gotSize, err = pt.Query(va2 + mem.PageSize)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if gotSize != mem.PageSize {
				t.Errorf("unhinted leaf size = %d, want %d", gotSize, mem.PageSize)
			}
			_ = alloc
		})
	}
}

func TestPageTable_UnmapContIdempotent(t *testing.T) {
	pt, alloc := testTable(t, X86_64{})
	const va = VirtAddr(0x3000_0000)
	for i := 0; i < 3; i++ {
		frame, _ := alloc.Alloc()
		if err := pt.Map(va+VirtAddr(i*mem.PageSize), frame, FlagRead|FlagUser); err != nil {
			t.Fatalf("Map %d: %v", i, err)
		}
	}
	if err := pt.UnmapCont(va, 8*mem.PageSize); err != nil {
		t.Fatalf("UnmapCont: %v", err)
	}
	// Second pass over the now-empty range succeeds.
	if err := pt.UnmapCont(va, 8*mem.PageSize); err != nil {
		t.Fatalf("UnmapCont repeat: %v", err)
	}
}

func TestPageTable_CloneKernelSpace(t *testing.T) {
	for _, arch := range archList() {
		t.Run(arch.Name(), func(t *testing.T) {
			pt, alloc := testTable(t, arch)

			// Map a kernel-half page: pick a va whose top-level index is
			// in the kernel half.
			levels := arch.Levels()
			topShift := uint(mem.PageSizeShift + 9*(levels-1))
			kernelVA := VirtAddr(uint64(arch.KernelSplit()) << topShift)
			frame, _ := alloc.Alloc()
			if err := pt.Map(kernelVA, frame, FlagRead|FlagWrite|FlagGlobal); err != nil {
				t.Fatalf("Map kernel: %v", err)
			}

			clone, err := CloneKernelSpace(pt)
			if err != nil {
				t.Fatalf("CloneKernelSpace: %v", err)
			}
			pa, flags, _, err := clone.Query(kernelVA)
			if err != nil {
				t.Fatalf("Query clone: %v", err)
			}
			if pa != frame {
				t.Errorf("clone pa = %#x, want %#x", pa, frame)
			}
			if arch.GlobalOnKernelClone() && flags&FlagGlobal == 0 {
				t.Error("cloned kernel entry lost the global bit")
			}

			// User half is not shared.
			userFrame, _ := alloc.Alloc()
			if err := pt.Map(0x5000, userFrame, FlagRead|FlagUser); err != nil {
				t.Fatalf("Map user: %v", err)
			}
			if _, _, _, err := clone.Query(0x5000); !kerrors.Is(err, kerrors.ErrNotFound) {
				t.Errorf("clone sees user mapping: %v", err)
			}
		})
	}
}

func TestPageTable_FlushGeneration(t *testing.T) {
	pt, alloc := testTable(t, RiscV64{})
	frame, _ := alloc.Alloc()
	if err := pt.Map(0x7000, frame, FlagRead|FlagUser); err != nil {
		t.Fatalf("Map: %v", err)
	}
	before := pt.FlushGeneration()
	if _, _, err := pt.Unmap(0x7000); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if pt.FlushGeneration() == before {
		t.Error("Unmap did not advance the flush generation")
	}
}
