package paging

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	kerrors "zcore-go/errors"
	"zcore-go/hal/mem"
)

// PageTable is one translation root plus the intermediate tables hanging
// off it. All tables are frames owned by the root; a single mutex guards
// the structure (one lock per root). TLB shootdown is modeled as a flush
// generation counter the libos user context consults after the lock is
// released.
type PageTable struct {
	mu    sync.Mutex
	arch  Arch
	alloc *mem.FrameAllocator
	root  mem.PhysAddr

	flushGen atomic.Uint64
}

// New allocates an empty page table root.
func New(arch Arch, alloc *mem.FrameAllocator) (*PageTable, error) {
	root, err := alloc.Alloc()
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.StatusNoMemory, "pagetable_create")
	}
	return &PageTable{arch: arch, alloc: alloc, root: root}, nil
}

// Arch returns the architecture codec of this table.
func (pt *PageTable) Arch() Arch { return pt.arch }

// Root returns the physical address of the top-level table. This is the
// value loaded into the translation base register on activation.
func (pt *PageTable) Root() mem.PhysAddr { return pt.root }

// FlushGeneration returns the current TLB flush generation. A user
// context holding stale translations re-walks when the generation moves.
func (pt *PageTable) FlushGeneration() uint64 { return pt.flushGen.Load() }

func (pt *PageTable) entry(table mem.PhysAddr, idx int) (uint64, error) {
	buf, err := pt.alloc.Arena().Bytes(table+mem.PhysAddr(idx*8), 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (pt *PageTable) setEntry(table mem.PhysAddr, idx int, pte uint64) error {
	buf, err := pt.alloc.Arena().Bytes(table+mem.PhysAddr(idx*8), 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf, pte)
	return nil
}

// walk descends to the table that holds the entry for va at target level,
// optionally allocating missing intermediate tables. Returns the table
// address; the caller indexes it with IndexOf(va, target).
func (pt *PageTable) walk(va VirtAddr, target int, create bool) (mem.PhysAddr, error) {
	levels := pt.arch.Levels()
	table := pt.root
	for level := 0; level < target; level++ {
		idx := IndexOf(va, level, levels)
		pte, err := pt.entry(table, idx)
		if err != nil {
			return 0, err
		}
		pa, _, leaf, present := pt.arch.Decode(pte, level)
		switch {
		case !present:
			if !create {
				return 0, kerrors.Newf(kerrors.StatusNotFound, "pagetable_walk", "no table for %#x at level %d", va, level)
			}
			next, err := pt.alloc.Alloc()
			if err != nil {
				return 0, kerrors.Wrap(err, kerrors.StatusNoMemory, "pagetable_walk")
			}
			if err := pt.setEntry(table, idx, pt.arch.EncodeTable(next)); err != nil {
				return 0, err
			}
			table = next
		case leaf:
			// A huge leaf blocks the walk below its level.
			return 0, kerrors.Newf(kerrors.StatusAlreadyExists, "pagetable_walk", "huge leaf covers %#x at level %d (pa %#x)", va, level, pa)
		default:
			table = pa
		}
	}
	return table, nil
}

// Map installs a 4 KiB leaf for va. Fails with ALREADY_EXISTS if any
// translation already covers va.
func (pt *PageTable) Map(va VirtAddr, pa mem.PhysAddr, flags MMUFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.mapLocked(va, pa, flags, pt.arch.Levels()-1)
}

func (pt *PageTable) mapLocked(va VirtAddr, pa mem.PhysAddr, flags MMUFlags, level int) error {
	if uint64(va)%LevelPageSize(level, pt.arch.Levels()) != 0 || uint64(pa)%LevelPageSize(level, pt.arch.Levels()) != 0 {
		return kerrors.Newf(kerrors.StatusInvalidArgs, "pagetable_map", "unaligned va %#x / pa %#x", va, pa)
	}
	table, err := pt.walk(va, level, true)
	if err != nil {
		if kerrors.IsStatus(err, kerrors.StatusAlreadyExists) {
			return kerrors.Newf(kerrors.StatusAlreadyExists, "pagetable_map", "va %#x already mapped", va)
		}
		return err
	}
	idx := IndexOf(va, level, pt.arch.Levels())
	pte, err := pt.entry(table, idx)
	if err != nil {
		return err
	}
	if _, _, _, present := pt.arch.Decode(pte, level); present {
		return kerrors.Newf(kerrors.StatusAlreadyExists, "pagetable_map", "va %#x already mapped", va)
	}
	return pt.setEntry(table, idx, pt.arch.EncodeLeaf(pa, flags&^FlagHugePage, level))
}

// MapCont maps [va, va+size) to [pa, pa+size), selecting 1 GiB and 2 MiB
// leaves (2 MiB only on 3-level tables) where both addresses are
// suitably aligned and FlagHugePage is set; otherwise 4 KiB leaves are
// used throughout.
func (pt *PageTable) MapCont(va VirtAddr, size uint64, pa mem.PhysAddr, flags MMUFlags) error {
	if size == 0 || size%mem.PageSize != 0 {
		return kerrors.Newf(kerrors.StatusInvalidArgs, "pagetable_map_cont", "size %#x not page aligned", size)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()

	levels := pt.arch.Levels()
	end := uint64(va) + size
	cur, cpa := uint64(va), uint64(pa)
	for cur < end {
		level := levels - 1
		if flags&FlagHugePage != 0 {
			// Largest leaf whose size divides the remaining run and
			// both current addresses. The top level never holds leaves.
			for l := 1; l <= levels-2; l++ {
				ps := LevelPageSize(l, levels)
				if cur%ps == 0 && cpa%ps == 0 && end-cur >= ps {
					level = l
					break
				}
			}
		}
		if err := pt.mapLocked(VirtAddr(cur), mem.PhysAddr(cpa), flags, level); err != nil {
			return err
		}
		ps := LevelPageSize(level, levels)
		cur += ps
		cpa += ps
	}
	return nil
}

// Unmap clears the leaf covering va and returns the frame it mapped and
// the leaf page size. Fails with NOT_FOUND when nothing is mapped.
func (pt *PageTable) Unmap(va VirtAddr) (mem.PhysAddr, uint64, error) {
	pt.mu.Lock()
	pa, size, err := pt.unmapLocked(va)
	pt.mu.Unlock()
	if err == nil {
		pt.FlushTLB(&va)
	}
	return pa, size, err
}

func (pt *PageTable) unmapLocked(va VirtAddr) (mem.PhysAddr, uint64, error) {
	table, level, idx, pte, err := pt.findLeaf(va)
	if err != nil {
		return 0, 0, err
	}
	pa, _, _, _ := pt.arch.Decode(pte, level)
	if err := pt.setEntry(table, idx, 0); err != nil {
		return 0, 0, err
	}
	return pa, LevelPageSize(level, pt.arch.Levels()), nil
}

// UnmapCont clears every leaf in [va, va+size). Missing pages are
// skipped, making the operation idempotent for the VMAR layer.
func (pt *PageTable) UnmapCont(va VirtAddr, size uint64) error {
	pt.mu.Lock()
	levels := pt.arch.Levels()
	end := uint64(va) + size
	for cur := uint64(va); cur < end; {
		_, ps, err := pt.unmapLocked(VirtAddr(cur))
		if err != nil {
			ps = LevelPageSize(levels-1, levels)
			if !kerrors.IsStatus(err, kerrors.StatusNotFound) {
				pt.mu.Unlock()
				return err
			}
		}
		cur += ps
	}
	pt.mu.Unlock()
	pt.FlushTLB(nil)
	return nil
}

// Update changes the frame and/or flags of an existing leaf in place,
// preserving the leaf's page size. The FlagHugePage hint is ignored here:
// honoring it on update would require splitting or merging leaves, so the
// mapping-time decision stands. Returns the page size of the leaf.
func (pt *PageTable) Update(va VirtAddr, pa *mem.PhysAddr, flags *MMUFlags) (uint64, error) {
	pt.mu.Lock()
	table, level, idx, pte, err := pt.findLeaf(va)
	if err != nil {
		pt.mu.Unlock()
		return 0, err
	}
	oldPA, oldFlags, _, _ := pt.arch.Decode(pte, level)
	newPA, newFlags := oldPA, oldFlags
	if pa != nil {
		newPA = *pa
	}
	if flags != nil {
		newFlags = *flags &^ FlagHugePage
	}
	err = pt.setEntry(table, idx, pt.arch.EncodeLeaf(newPA, newFlags, level))
	pt.mu.Unlock()
	if err != nil {
		return 0, err
	}
	pt.FlushTLB(&va)
	return LevelPageSize(level, pt.arch.Levels()), nil
}

// Query returns the frame, flags, and page size of the leaf covering va.
func (pt *PageTable) Query(va VirtAddr) (mem.PhysAddr, MMUFlags, uint64, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	_, level, _, pte, err := pt.findLeaf(va)
	if err != nil {
		return 0, 0, 0, err
	}
	pa, flags, _, _ := pt.arch.Decode(pte, level)
	ps := LevelPageSize(level, pt.arch.Levels())
	// Offset within huge leaves resolves to the exact frame.
	pa += mem.PhysAddr(uint64(va) % ps &^ (mem.PageSize - 1))
	return pa, flags, ps, nil
}

// findLeaf walks to the leaf covering va without allocating.
func (pt *PageTable) findLeaf(va VirtAddr) (table mem.PhysAddr, level, idx int, pte uint64, err error) {
	levels := pt.arch.Levels()
	table = pt.root
	for level = 0; level < levels; level++ {
		idx = IndexOf(va, level, levels)
		pte, err = pt.entry(table, idx)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		pa, _, leaf, present := pt.arch.Decode(pte, level)
		if !present {
			return 0, 0, 0, 0, kerrors.Newf(kerrors.StatusNotFound, "pagetable_query", "va %#x not mapped", va)
		}
		if leaf {
			return table, level, idx, pte, nil
		}
		table = pa
	}
	return 0, 0, 0, 0, kerrors.Newf(kerrors.StatusInternal, "pagetable_query", "no leaf for %#x", va)
}

// CloneKernelSpace creates a new root whose kernel half shares the
// source's top-level entries. On x86 the shared entries keep the global
// bit so the translations survive address-space switches.
func CloneKernelSpace(src *PageTable) (*PageTable, error) {
	dst, err := New(src.arch, src.alloc)
	if err != nil {
		return nil, err
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	for idx := src.arch.KernelSplit(); idx < entriesPerTable; idx++ {
		pte, err := src.entry(src.root, idx)
		if err != nil {
			return nil, err
		}
		if err := dst.setEntry(dst.root, idx, pte); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// FlushTLB invalidates the translation for va, or the whole TLB when va
// is nil. In the libos this advances the flush generation; the user
// context re-walks on the next entry.
func (pt *PageTable) FlushTLB(va *VirtAddr) {
	_ = va
	pt.flushGen.Add(1)
}

// Destroy frees every intermediate table and the root. Leaf frames
// belong to the VMOs that mapped them and are not freed here. The kernel
// half of a cloned root shares tables with its source, so only the user
// half is released.
func (pt *PageTable) Destroy() error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.destroyTable(pt.root, 0, pt.arch.KernelSplit()); err != nil {
		return err
	}
	return pt.alloc.Dealloc(pt.root)
}

func (pt *PageTable) destroyTable(table mem.PhysAddr, level, limit int) error {
	for idx := 0; idx < limit; idx++ {
		pte, err := pt.entry(table, idx)
		if err != nil {
			return err
		}
		pa, _, leaf, present := pt.arch.Decode(pte, level)
		if !present || leaf {
			continue
		}
		if err := pt.destroyTable(pa, level+1, entriesPerTable); err != nil {
			return err
		}
		if err := pt.alloc.Dealloc(pa); err != nil {
			return err
		}
	}
	return nil
}
