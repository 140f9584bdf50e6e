// Package vm implements the memory object graph: VMOs (paged,
// physical, slice), the recursive VMAR tree mapping them into address
// spaces, the page-fault path, and seekable streams over VMOs.
package vm

import (
	"sync"

	kerrors "zcore-go/errors"
	"zcore-go/hal/mem"
	"zcore-go/object"
)

// VMO is a kernel object representing a range of memory.
type VMO interface {
	object.KernelObject

	// Len returns the size in bytes (always a page multiple).
	Len() uint64
	// SetLen resizes the object; pages at or beyond the new size are
	// released. Only paged VMOs support resizing.
	SetLen(size uint64) error
	// ContentSize returns the logical content length, at most Len.
	ContentSize() uint64
	// SetContentSize sets the logical content length. Paged VMOs reject
	// a length beyond Len with OUT_OF_RANGE; fixed-size VMOs return
	// NOT_SUPPORTED.
	SetContentSize(size uint64) error
	// Read copies [offset, offset+len(buf)) into buf.
	Read(offset uint64, buf []byte) error
	// Write copies data to [offset, offset+len(data)), extending the
	// content size when the write ends beyond it.
	Write(offset uint64, data []byte) error
	// Commit materializes frames for [offset, offset+length).
	Commit(offset, length uint64) error
	// CommittedPage returns the frame of page index, if materialized.
	CommittedPage(page uint64) (mem.PhysAddr, bool)
	// CommitPage materializes the frame of page index. A write commit
	// forks the page away from any clone parent.
	CommitPage(page uint64, write bool) (mem.PhysAddr, error)
	// Pin prevents reclaim of the committed range.
	Pin(offset, length uint64) error
	// Unpin releases a prior Pin.
	Unpin(offset, length uint64) error
	// CreateChild creates a copy-on-write child covering
	// [offset, offset+size) of this object.
	CreateChild(offset, size uint64) (VMO, error)
	// CreateSlice creates a window sharing this object's frames.
	CreateSlice(offset, size uint64) (VMO, error)
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotOwned
)

type frameSlot struct {
	state slotState
	addr  mem.PhysAddr
	pins  uint32
}

// PagedVMO is a demand-paged VMO with copy-on-write children.
type PagedVMO struct {
	object.Base
	alloc *mem.FrameAllocator

	mu      sync.Mutex
	slots   []frameSlot
	content uint64
	// parent and parentOff tie a copy-on-write child to its origin.
	// Reads of unforked pages fall through; writes fork.
	parent    *PagedVMO
	parentOff uint64
}

// NewPaged creates a zeroed paged VMO of pages frames.
func NewPaged(alloc *mem.FrameAllocator, pages uint64) *PagedVMO {
	return &PagedVMO{
		Base:  object.NewBase("vmo"),
		alloc: alloc,
		slots: make([]frameSlot, pages),
	}
}

// Len implements VMO.
func (v *PagedVMO) Len() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return uint64(len(v.slots)) * mem.PageSize
}

// SetLen implements VMO. Trimmed pages are deallocated; pinned pages
// block the resize.
func (v *PagedVMO) SetLen(size uint64) error {
	if size%mem.PageSize != 0 {
		return kerrors.Newf(kerrors.StatusInvalidArgs, "vmo_set_size", "size %#x not page aligned", size)
	}
	pages := size / mem.PageSize
	v.mu.Lock()
	defer v.mu.Unlock()
	if pages < uint64(len(v.slots)) {
		for i := pages; i < uint64(len(v.slots)); i++ {
			if v.slots[i].pins > 0 {
				return kerrors.Newf(kerrors.StatusBadState, "vmo_set_size", "page %d is pinned", i)
			}
		}
		for i := pages; i < uint64(len(v.slots)); i++ {
			if v.slots[i].state == slotOwned {
				_ = v.alloc.Dealloc(v.slots[i].addr)
			}
		}
		v.slots = v.slots[:pages]
	} else {
		for uint64(len(v.slots)) < pages {
			v.slots = append(v.slots, frameSlot{})
		}
	}
	if v.content > size {
		v.content = size
	}
	return nil
}

// ContentSize implements VMO.
func (v *PagedVMO) ContentSize() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.content
}

// SetContentSize implements VMO.
func (v *PagedVMO) SetContentSize(size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if size > uint64(len(v.slots))*mem.PageSize {
		return kerrors.Newf(kerrors.StatusOutOfRange, "vmo_set_content_size", "content %#x beyond size", size)
	}
	v.content = size
	return nil
}

func (v *PagedVMO) checkRange(op string, offset, length uint64) error {
	size := uint64(len(v.slots)) * mem.PageSize
	if offset > size || length > size-offset {
		return kerrors.Newf(kerrors.StatusOutOfRange, op, "[%#x, %#x) beyond size %#x", offset, offset+length, size)
	}
	return nil
}

// Read implements VMO. Uncommitted pages read as zero (or as the clone
// parent's content).
func (v *PagedVMO) Read(offset uint64, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkRange("vmo_read", offset, uint64(len(buf))); err != nil {
		return err
	}
	return v.readLocked(offset, buf)
}

func (v *PagedVMO) readLocked(offset uint64, buf []byte) error {
	for done := uint64(0); done < uint64(len(buf)); {
		page := (offset + done) / mem.PageSize
		pageOff := (offset + done) % mem.PageSize
		n := min(mem.PageSize-pageOff, uint64(len(buf))-done)
		dst := buf[done : done+n]
		slot := &v.slots[page]
		switch {
		case slot.state == slotOwned:
			frame, err := v.alloc.Arena().Frame(slot.addr)
			if err != nil {
				return err
			}
			copy(dst, frame[pageOff:])
		case v.parent != nil:
			if err := v.parent.Read(v.parentOff+offset+done, dst); err != nil {
				return err
			}
		default:
			clear(dst)
		}
		done += n
	}
	return nil
}

// Write implements VMO.
func (v *PagedVMO) Write(offset uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkRange("vmo_write", offset, uint64(len(data))); err != nil {
		return err
	}
	for done := uint64(0); done < uint64(len(data)); {
		page := (offset + done) / mem.PageSize
		pageOff := (offset + done) % mem.PageSize
		n := min(mem.PageSize-pageOff, uint64(len(data))-done)
		addr, err := v.commitPageLocked(page, true)
		if err != nil {
			return err
		}
		frame, err := v.alloc.Arena().Frame(addr)
		if err != nil {
			return err
		}
		copy(frame[pageOff:], data[done:done+n])
		done += n
	}
	if end := offset + uint64(len(data)); end > v.content {
		v.content = end
	}
	return nil
}

// Commit implements VMO.
func (v *PagedVMO) Commit(offset, length uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkRange("vmo_commit", offset, length); err != nil {
		return err
	}
	first := offset / mem.PageSize
	last := (offset + length + mem.PageSize - 1) / mem.PageSize
	for page := first; page < last; page++ {
		if _, err := v.commitPageLocked(page, true); err != nil {
			return err
		}
	}
	return nil
}

// CommittedPage implements VMO.
func (v *PagedVMO) CommittedPage(page uint64) (mem.PhysAddr, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if page >= uint64(len(v.slots)) || v.slots[page].state != slotOwned {
		return 0, false
	}
	return v.slots[page].addr, true
}

// CommitPage implements VMO. Read commits of cloned pages resolve to
// the parent's frame without forking; the shared zero frame backs
// untouched pages so read-only faults never allocate.
func (v *PagedVMO) CommitPage(page uint64, write bool) (mem.PhysAddr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if page >= uint64(len(v.slots)) {
		return 0, kerrors.Newf(kerrors.StatusOutOfRange, "vmo_commit", "page %d of %d", page, len(v.slots))
	}
	return v.commitPageLocked(page, write)
}

func (v *PagedVMO) commitPageLocked(page uint64, write bool) (mem.PhysAddr, error) {
	slot := &v.slots[page]
	if slot.state == slotOwned {
		return slot.addr, nil
	}
	if !write {
		if v.parent != nil {
			return v.parent.CommitPage((v.parentOff+page*mem.PageSize)/mem.PageSize, false)
		}
		return v.alloc.ZeroFrame()
	}

	addr, err := v.alloc.Alloc()
	if err != nil {
		return 0, err
	}
	if v.parent != nil {
		frame, ferr := v.alloc.Arena().Frame(addr)
		if ferr != nil {
			return 0, ferr
		}
		if err := v.parent.Read(v.parentOff+page*mem.PageSize, frame); err != nil {
			_ = v.alloc.Dealloc(addr)
			return 0, err
		}
	}
	slot.state = slotOwned
	slot.addr = addr
	return addr, nil
}

// Pin implements VMO. Every page of the range is committed and its pin
// count raised; pinned frames cannot be reclaimed or moved.
func (v *PagedVMO) Pin(offset, length uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkRange("vmo_pin", offset, length); err != nil {
		return err
	}
	first := offset / mem.PageSize
	last := (offset + length + mem.PageSize - 1) / mem.PageSize
	for page := first; page < last; page++ {
		if _, err := v.commitPageLocked(page, true); err != nil {
			return err
		}
	}
	for page := first; page < last; page++ {
		v.slots[page].pins++
	}
	return nil
}

// Unpin implements VMO.
func (v *PagedVMO) Unpin(offset, length uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkRange("vmo_unpin", offset, length); err != nil {
		return err
	}
	first := offset / mem.PageSize
	last := (offset + length + mem.PageSize - 1) / mem.PageSize
	for page := first; page < last; page++ {
		if v.slots[page].pins == 0 {
			return kerrors.Newf(kerrors.StatusBadState, "vmo_unpin", "page %d not pinned", page)
		}
	}
	for page := first; page < last; page++ {
		v.slots[page].pins--
	}
	return nil
}

// CreateChild implements VMO: a copy-on-write child whose writes fork
// pages while reads fall through to this object.
func (v *PagedVMO) CreateChild(offset, size uint64) (VMO, error) {
	if offset%mem.PageSize != 0 || size%mem.PageSize != 0 {
		return nil, kerrors.New(kerrors.StatusInvalidArgs, "vmo_create_child", "offset and size must be page aligned")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkRange("vmo_create_child", offset, size); err != nil {
		return nil, err
	}
	return &PagedVMO{
		Base:      object.NewBase("vmo"),
		alloc:     v.alloc,
		slots:     make([]frameSlot, size/mem.PageSize),
		content:   size,
		parent:    v,
		parentOff: offset,
	}, nil
}

// CreateSlice implements VMO.
func (v *PagedVMO) CreateSlice(offset, size uint64) (VMO, error) {
	return newSlice(v, offset, size)
}

// Destroy releases every owned frame. The object must no longer be
// mapped anywhere.
func (v *PagedVMO) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.slots {
		if v.slots[i].state == slotOwned {
			_ = v.alloc.Dealloc(v.slots[i].addr)
			v.slots[i] = frameSlot{}
		}
	}
}
