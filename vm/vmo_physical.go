package vm

import (
	kerrors "zcore-go/errors"
	"zcore-go/hal/mem"
	"zcore-go/object"
)

// PhysVMO is a VMO over a fixed physical range, used for MMIO windows
// and the framebuffer. It has no frame slots: every page is permanently
// "committed" to its hardware address.
type PhysVMO struct {
	object.Base
	arena *mem.Arena
	paddr mem.PhysAddr
	size  uint64
}

// NewPhysical creates a VMO over [paddr, paddr+size).
func NewPhysical(arena *mem.Arena, paddr mem.PhysAddr, size uint64) (*PhysVMO, error) {
	if uint64(paddr)%mem.PageSize != 0 || size == 0 || size%mem.PageSize != 0 {
		return nil, kerrors.New(kerrors.StatusInvalidArgs, "vmo_create_physical", "range must be page aligned")
	}
	return &PhysVMO{
		Base:  object.NewBase("vmo"),
		arena: arena,
		paddr: paddr,
		size:  size,
	}, nil
}

// Len implements VMO.
func (v *PhysVMO) Len() uint64 { return v.size }

// SetLen implements VMO. Physical ranges are fixed.
func (v *PhysVMO) SetLen(uint64) error {
	return kerrors.New(kerrors.StatusNotSupported, "vmo_set_size", "physical vmo is fixed size")
}

// ContentSize implements VMO.
func (v *PhysVMO) ContentSize() uint64 { return v.size }

// SetContentSize implements VMO.
func (v *PhysVMO) SetContentSize(uint64) error {
	return kerrors.New(kerrors.StatusNotSupported, "vmo_set_content_size", "physical vmo is fixed size")
}

func (v *PhysVMO) checkRange(op string, offset, length uint64) error {
	if offset > v.size || length > v.size-offset {
		return kerrors.Newf(kerrors.StatusOutOfRange, op, "[%#x, %#x) beyond size %#x", offset, offset+length, v.size)
	}
	return nil
}

// Read implements VMO. Device windows outside the RAM arena are not
// readable through this path.
func (v *PhysVMO) Read(offset uint64, buf []byte) error {
	if err := v.checkRange("vmo_read", offset, uint64(len(buf))); err != nil {
		return err
	}
	return v.arena.ReadAt(v.paddr+mem.PhysAddr(offset), buf)
}

// Write implements VMO.
func (v *PhysVMO) Write(offset uint64, data []byte) error {
	if err := v.checkRange("vmo_write", offset, uint64(len(data))); err != nil {
		return err
	}
	return v.arena.WriteAt(v.paddr+mem.PhysAddr(offset), data)
}

// Commit implements VMO. Physical pages are always present.
func (v *PhysVMO) Commit(offset, length uint64) error {
	return v.checkRange("vmo_commit", offset, length)
}

// CommittedPage implements VMO.
func (v *PhysVMO) CommittedPage(page uint64) (mem.PhysAddr, bool) {
	if page >= v.size/mem.PageSize {
		return 0, false
	}
	return v.paddr + mem.PhysAddr(page*mem.PageSize), true
}

// CommitPage implements VMO.
func (v *PhysVMO) CommitPage(page uint64, _ bool) (mem.PhysAddr, error) {
	addr, ok := v.CommittedPage(page)
	if !ok {
		return 0, kerrors.Newf(kerrors.StatusOutOfRange, "vmo_commit", "page %d", page)
	}
	return addr, nil
}

// Pin implements VMO. Physical pages never move.
func (v *PhysVMO) Pin(offset, length uint64) error {
	return v.checkRange("vmo_pin", offset, length)
}

// Unpin implements VMO.
func (v *PhysVMO) Unpin(offset, length uint64) error {
	return v.checkRange("vmo_unpin", offset, length)
}

// CreateChild implements VMO. Device memory cannot be cloned.
func (v *PhysVMO) CreateChild(uint64, uint64) (VMO, error) {
	return nil, kerrors.New(kerrors.StatusNotSupported, "vmo_create_child", "physical vmo has no clones")
}

// CreateSlice implements VMO.
func (v *PhysVMO) CreateSlice(offset, size uint64) (VMO, error) {
	return newSlice(v, offset, size)
}

// SliceVMO is a window into a parent VMO sharing its frames.
type SliceVMO struct {
	object.Base
	parent VMO
	offset uint64
	size   uint64
}

func newSlice(parent VMO, offset, size uint64) (*SliceVMO, error) {
	if offset%mem.PageSize != 0 || size == 0 || size%mem.PageSize != 0 {
		return nil, kerrors.New(kerrors.StatusInvalidArgs, "vmo_create_slice", "window must be page aligned")
	}
	if offset > parent.Len() || size > parent.Len()-offset {
		return nil, kerrors.Newf(kerrors.StatusOutOfRange, "vmo_create_slice", "[%#x, %#x) beyond parent", offset, offset+size)
	}
	return &SliceVMO{
		Base:   object.NewBase("vmo"),
		parent: parent,
		offset: offset,
		size:   size,
	}, nil
}

// Len implements VMO.
func (v *SliceVMO) Len() uint64 { return v.size }

// SetLen implements VMO.
func (v *SliceVMO) SetLen(uint64) error {
	return kerrors.New(kerrors.StatusNotSupported, "vmo_set_size", "slice is fixed size")
}

// ContentSize implements VMO.
func (v *SliceVMO) ContentSize() uint64 { return v.size }

// SetContentSize implements VMO.
func (v *SliceVMO) SetContentSize(uint64) error {
	return kerrors.New(kerrors.StatusNotSupported, "vmo_set_content_size", "slice is fixed size")
}

func (v *SliceVMO) checkRange(op string, offset, length uint64) error {
	if offset > v.size || length > v.size-offset {
		return kerrors.Newf(kerrors.StatusOutOfRange, op, "[%#x, %#x) beyond slice", offset, offset+length)
	}
	return nil
}

// Read implements VMO.
func (v *SliceVMO) Read(offset uint64, buf []byte) error {
	if err := v.checkRange("vmo_read", offset, uint64(len(buf))); err != nil {
		return err
	}
	return v.parent.Read(v.offset+offset, buf)
}

// Write implements VMO.
func (v *SliceVMO) Write(offset uint64, data []byte) error {
	if err := v.checkRange("vmo_write", offset, uint64(len(data))); err != nil {
		return err
	}
	return v.parent.Write(v.offset+offset, data)
}

// Commit implements VMO.
func (v *SliceVMO) Commit(offset, length uint64) error {
	if err := v.checkRange("vmo_commit", offset, length); err != nil {
		return err
	}
	return v.parent.Commit(v.offset+offset, length)
}

// CommittedPage implements VMO.
func (v *SliceVMO) CommittedPage(page uint64) (mem.PhysAddr, bool) {
	if page >= v.size/mem.PageSize {
		return 0, false
	}
	return v.parent.CommittedPage(v.offset/mem.PageSize + page)
}

// CommitPage implements VMO.
func (v *SliceVMO) CommitPage(page uint64, write bool) (mem.PhysAddr, error) {
	if page >= v.size/mem.PageSize {
		return 0, kerrors.Newf(kerrors.StatusOutOfRange, "vmo_commit", "page %d", page)
	}
	return v.parent.CommitPage(v.offset/mem.PageSize+page, write)
}

// Pin implements VMO.
func (v *SliceVMO) Pin(offset, length uint64) error {
	if err := v.checkRange("vmo_pin", offset, length); err != nil {
		return err
	}
	return v.parent.Pin(v.offset+offset, length)
}

// Unpin implements VMO.
func (v *SliceVMO) Unpin(offset, length uint64) error {
	if err := v.checkRange("vmo_unpin", offset, length); err != nil {
		return err
	}
	return v.parent.Unpin(v.offset+offset, length)
}

// CreateChild implements VMO.
func (v *SliceVMO) CreateChild(offset, size uint64) (VMO, error) {
	if err := v.checkRange("vmo_create_child", offset, size); err != nil {
		return nil, err
	}
	return v.parent.CreateChild(v.offset+offset, size)
}

// CreateSlice implements VMO. Nested slices collapse onto the parent.
func (v *SliceVMO) CreateSlice(offset, size uint64) (VMO, error) {
	if err := v.checkRange("vmo_create_slice", offset, size); err != nil {
		return nil, err
	}
	return newSlice(v.parent, v.offset+offset, size)
}
