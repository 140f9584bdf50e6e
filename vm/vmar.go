package vm

import (
	"sort"
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/hal/mem"
	"zcore-go/hal/paging"
	"zcore-go/hal/uctx"
	"zcore-go/object"
)

// Mapping places a window of a VMO at an address inside a VMAR.
type Mapping struct {
	// Vaddr is the first mapped address.
	Vaddr uint64
	// Size is the mapped length in bytes.
	Size uint64
	// VMO is the mapped object; the mapping shares it.
	VMO VMO
	// VMOOff is the byte offset inside the VMO.
	VMOOff uint64
	// Flags are the access attributes of the range.
	Flags paging.MMUFlags
}

func (m *Mapping) contains(vaddr uint64) bool {
	return vaddr >= m.Vaddr && vaddr < m.Vaddr+m.Size
}

// VMAR is a recursive virtual-address region. Children and mappings
// are disjoint and wholly contained; one lock (shared from the root)
// guards the whole tree.
type VMAR struct {
	object.Base

	// mu is the root's tree lock, shared by every descendant.
	mu *sync.Mutex
	pt *paging.PageTable

	base uint64
	size uint64

	parent    *VMAR
	children  []*VMAR
	mappings  []*Mapping
	destroyed bool
	// faulting guards against re-entrant page faults on this root.
	faulting bool
}

// NewRootVMAR creates the root region [base, base+size) over pt.
func NewRootVMAR(pt *paging.PageTable, base, size uint64) *VMAR {
	return &VMAR{
		Base: object.NewBase("vmar"),
		mu:   &sync.Mutex{},
		pt:   pt,
		base: base,
		size: size,
	}
}

// Addr returns the first address of the region.
func (r *VMAR) Addr() uint64 { return r.base }

// Len returns the region length in bytes.
func (r *VMAR) Len() uint64 { return r.size }

// PageTable returns the translation root backing this region tree.
func (r *VMAR) PageTable() *paging.PageTable { return r.pt }

// IsDestroyed reports whether Destroy ran.
func (r *VMAR) IsDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

func (r *VMAR) checkAlive(op string) error {
	if r.destroyed {
		return kerrors.New(kerrors.StatusBadState, op, "region destroyed")
	}
	return nil
}

// overlapsLocked reports whether [vaddr, vaddr+size) intersects any
// child or mapping.
func (r *VMAR) overlapsLocked(vaddr, size uint64) bool {
	for _, c := range r.children {
		if vaddr < c.base+c.size && c.base < vaddr+size {
			return true
		}
	}
	for _, m := range r.mappings {
		if vaddr < m.Vaddr+m.Size && m.Vaddr < vaddr+size {
			return true
		}
	}
	return false
}

// findGapLocked picks the placement for a new child or mapping. When
// offset is non-nil the caller demands base+*offset exactly; otherwise
// the lowest free gap wins.
func (r *VMAR) findGapLocked(op string, offset *uint64, size uint64) (uint64, error) {
	if size == 0 || size%mem.PageSize != 0 {
		return 0, kerrors.Newf(kerrors.StatusInvalidArgs, op, "size %#x not page aligned", size)
	}
	if offset != nil {
		vaddr := r.base + *offset
		if *offset%mem.PageSize != 0 {
			return 0, kerrors.Newf(kerrors.StatusInvalidArgs, op, "offset %#x not page aligned", *offset)
		}
		if *offset > r.size || size > r.size-*offset || r.overlapsLocked(vaddr, size) {
			return 0, kerrors.Newf(kerrors.StatusNoMemory, op, "requested [%#x, %#x) unavailable", vaddr, vaddr+size)
		}
		return vaddr, nil
	}

	// First-fit: walk the sorted occupied extents, lowest address wins.
	type extent struct{ base, size uint64 }
	var used []extent
	for _, c := range r.children {
		used = append(used, extent{c.base, c.size})
	}
	for _, m := range r.mappings {
		used = append(used, extent{m.Vaddr, m.Size})
	}
	sort.Slice(used, func(i, j int) bool { return used[i].base < used[j].base })

	cursor := r.base
	for _, e := range used {
		if e.base-cursor >= size {
			return cursor, nil
		}
		if e.base+e.size > cursor {
			cursor = e.base + e.size
		}
	}
	if r.base+r.size-cursor >= size {
		return cursor, nil
	}
	return 0, kerrors.Newf(kerrors.StatusNoMemory, op, "no gap of %#x bytes", size)
}

// Allocate carves a child region out of this one.
func (r *VMAR) Allocate(offset *uint64, size uint64) (*VMAR, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkAlive("vmar_allocate"); err != nil {
		return nil, err
	}
	vaddr, err := r.findGapLocked("vmar_allocate", offset, size)
	if err != nil {
		return nil, err
	}
	child := &VMAR{
		Base:   object.NewBase("vmar"),
		mu:     r.mu,
		pt:     r.pt,
		base:   vaddr,
		size:   size,
		parent: r,
	}
	r.children = append(r.children, child)
	sort.Slice(r.children, func(i, j int) bool { return r.children[i].base < r.children[j].base })
	return child, nil
}

// Map installs [vmoOff, vmoOff+size) of vmo at base+*offset (or the
// lowest gap when offset is nil) and returns the mapped address. Pages
// the VMO has already committed get their table entries immediately;
// the rest materialize through the fault path.
func (r *VMAR) Map(offset *uint64, vmo VMO, vmoOff, size uint64, flags paging.MMUFlags) (uint64, error) {
	if vmoOff%mem.PageSize != 0 {
		return 0, kerrors.New(kerrors.StatusInvalidArgs, "vmar_map", "vmo offset not page aligned")
	}
	if vmoOff > vmo.Len() || size > vmo.Len()-vmoOff {
		return 0, kerrors.New(kerrors.StatusInvalidArgs, "vmar_map", "window beyond vmo")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkAlive("vmar_map"); err != nil {
		return 0, err
	}
	vaddr, err := r.findGapLocked("vmar_map", offset, size)
	if err != nil {
		return 0, err
	}
	m := &Mapping{Vaddr: vaddr, Size: size, VMO: vmo, VMOOff: vmoOff, Flags: flags}
	r.mappings = append(r.mappings, m)
	sort.Slice(r.mappings, func(i, j int) bool { return r.mappings[i].Vaddr < r.mappings[j].Vaddr })

	for page := uint64(0); page < size/mem.PageSize; page++ {
		if pa, ok := vmo.CommittedPage(vmoOff/mem.PageSize + page); ok {
			va := paging.VirtAddr(vaddr + page*mem.PageSize)
			if err := r.pt.Map(va, pa, flags); err != nil {
				if kerrors.IsStatus(err, kerrors.StatusAlreadyExists) {
					_, err = r.pt.Update(va, &pa, &flags)
				}
				if err != nil {
					return 0, err
				}
			}
		}
	}
	return vaddr, nil
}

// Unmap removes [vaddr, vaddr+size) from this region, splitting
// mappings at page boundaries where the range cuts into them. Ranges
// with nothing mapped unmap successfully (idempotence).
func (r *VMAR) Unmap(vaddr, size uint64) error {
	if vaddr%mem.PageSize != 0 || size == 0 || size%mem.PageSize != 0 {
		return kerrors.New(kerrors.StatusInvalidArgs, "vmar_unmap", "range not page aligned")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkAlive("vmar_unmap"); err != nil {
		return err
	}
	return r.unmapLocked(vaddr, size)
}

func (r *VMAR) unmapLocked(vaddr, size uint64) error {
	end := vaddr + size
	var kept []*Mapping
	for _, m := range r.mappings {
		mEnd := m.Vaddr + m.Size
		if mEnd <= vaddr || m.Vaddr >= end {
			kept = append(kept, m)
			continue
		}
		// Leading remainder.
		if m.Vaddr < vaddr {
			kept = append(kept, &Mapping{
				Vaddr: m.Vaddr, Size: vaddr - m.Vaddr,
				VMO: m.VMO, VMOOff: m.VMOOff, Flags: m.Flags,
			})
		}
		// Trailing remainder.
		if mEnd > end {
			kept = append(kept, &Mapping{
				Vaddr: end, Size: mEnd - end,
				VMO: m.VMO, VMOOff: m.VMOOff + (end - m.Vaddr), Flags: m.Flags,
			})
		}
	}
	r.mappings = kept
	sort.Slice(r.mappings, func(i, j int) bool { return r.mappings[i].Vaddr < r.mappings[j].Vaddr })

	// Children wholly inside the range are destroyed with it.
	var keptChildren []*VMAR
	for _, c := range r.children {
		if c.base >= vaddr && c.base+c.size <= end {
			c.destroyLocked()
			continue
		}
		keptChildren = append(keptChildren, c)
	}
	r.children = keptChildren

	return r.pt.UnmapCont(paging.VirtAddr(vaddr), size)
}

// Destroy recursively unmaps everything and detaches from the parent.
func (r *VMAR) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil
	}
	r.destroyLocked()
	if r.parent != nil {
		siblings := r.parent.children
		for i, c := range siblings {
			if c == r {
				r.parent.children = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
		r.parent = nil
	}
	return nil
}

func (r *VMAR) destroyLocked() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	for _, c := range r.children {
		c.destroyLocked()
	}
	r.children = nil
	for _, m := range r.mappings {
		_ = r.pt.UnmapCont(paging.VirtAddr(m.Vaddr), m.Size)
	}
	r.mappings = nil
}

// FindMapping locates the mapping containing vaddr anywhere under this
// region.
func (r *VMAR) FindMapping(vaddr uint64) (*Mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.findMappingLocked(vaddr)
	return m, m != nil
}

func (r *VMAR) findMappingLocked(vaddr uint64) *Mapping {
	for _, m := range r.mappings {
		if m.contains(vaddr) {
			return m
		}
	}
	for _, c := range r.children {
		if vaddr >= c.base && vaddr < c.base+c.size {
			return c.findMappingLocked(vaddr)
		}
	}
	return nil
}

// HandleFault services a page fault at vaddr: the covering mapping is
// located, the VMO page committed (forking on write), and the leaf
// installed. Faults on unmapped addresses return NOT_FOUND; access
// beyond the mapping's rights returns ACCESS_DENIED; a fault taken
// while one is already in progress returns BAD_STATE.
func (r *VMAR) HandleFault(vaddr uint64, access uctx.AccessFlags) error {
	r.mu.Lock()
	if err := r.checkAlive("page_fault"); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.faulting {
		r.mu.Unlock()
		return kerrors.New(kerrors.StatusBadState, "page_fault", "re-entrant fault")
	}
	r.faulting = true
	defer func() {
		r.faulting = false
		r.mu.Unlock()
	}()

	m := r.findMappingLocked(vaddr)
	if m == nil {
		return kerrors.Newf(kerrors.StatusNotFound, "page_fault", "no mapping at %#x", vaddr)
	}
	if access&uctx.AccessWrite != 0 && m.Flags&paging.FlagWrite == 0 {
		return kerrors.Newf(kerrors.StatusAccessDenied, "page_fault", "write to read-only mapping at %#x", vaddr)
	}
	if access&uctx.AccessExecute != 0 && m.Flags&paging.FlagExecute == 0 {
		return kerrors.Newf(kerrors.StatusAccessDenied, "page_fault", "execute of non-executable mapping at %#x", vaddr)
	}

	pageVA := mem.PageAlign(vaddr)
	page := (m.VMOOff + (pageVA - m.Vaddr)) / mem.PageSize
	write := access&uctx.AccessWrite != 0
	pa, err := m.VMO.CommitPage(page, write)
	if err != nil {
		return err
	}

	flags := m.Flags
	if !write {
		// Read faults on forkable pages install a read-only leaf so a
		// later write faults again and forks.
		if _, committed := m.VMO.CommittedPage(page); !committed {
			flags &^= paging.FlagWrite
		}
	}
	if err := r.pt.Map(paging.VirtAddr(pageVA), pa, flags); err != nil {
		if kerrors.IsStatus(err, kerrors.StatusAlreadyExists) {
			_, err = r.pt.Update(paging.VirtAddr(pageVA), &pa, &flags)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
