package vm

import (
	"bytes"
	"testing"

	kerrors "zcore-go/errors"
	"zcore-go/hal/mem"
)

func testAlloc(t *testing.T, pages int) *mem.FrameAllocator {
	t.Helper()
	arena := mem.NewArenaSlice(mem.DefaultArenaBase, make([]byte, pages*mem.PageSize))
	alloc := mem.NewFrameAllocator(arena)
	if err := alloc.Insert(arena.Base(), arena.Size()); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return alloc
}

func TestPagedVMO_ReadWrite(t *testing.T) {
	alloc := testAlloc(t, 32)
	v := NewPaged(alloc, 2)

	// Uncommitted pages read as zero.
	buf := make([]byte, 8)
	if err := v.Read(mem.PageSize-4, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 8)) {
		t.Errorf("uncommitted read = %v, want zeros", buf)
	}

	// A write spanning the page boundary round-trips.
	data := []byte("boundary")
	if err := v.Write(mem.PageSize-4, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := v.Read(mem.PageSize-4, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("read = %q, want %q", buf, data)
	}
}

func TestPagedVMO_WriteBounds(t *testing.T) {
	alloc := testAlloc(t, 8)
	v := NewPaged(alloc, 2)

	// A write succeeds iff offset + len <= size.
	edge := make([]byte, 4)
	if err := v.Write(2*mem.PageSize-4, edge); err != nil {
		t.Errorf("write ending at size: %v", err)
	}
	if err := v.Write(2*mem.PageSize-3, edge); !kerrors.Is(err, kerrors.ErrOutOfRange) {
		t.Errorf("write past size = %v, want OUT_OF_RANGE", err)
	}
	if err := v.Read(2*mem.PageSize, edge); !kerrors.Is(err, kerrors.ErrOutOfRange) {
		t.Errorf("read past size = %v, want OUT_OF_RANGE", err)
	}
}

func TestPagedVMO_ContentSizeTracksWrites(t *testing.T) {
	alloc := testAlloc(t, 8)
	v := NewPaged(alloc, 2)
	if v.ContentSize() != 0 {
		t.Fatalf("initial content = %d", v.ContentSize())
	}
	if err := v.Write(100, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v.ContentSize() != 103 {
		t.Errorf("content = %d, want 103", v.ContentSize())
	}
	// Writes below the watermark leave it alone.
	if err := v.Write(0, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v.ContentSize() != 103 {
		t.Errorf("content = %d after low write", v.ContentSize())
	}
}

func TestPagedVMO_SetLenReleasesPages(t *testing.T) {
	alloc := testAlloc(t, 16)
	v := NewPaged(alloc, 4)
	if err := v.Commit(0, 4*mem.PageSize); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	before := alloc.FreeCount()

	if err := v.SetLen(2 * mem.PageSize); err != nil {
		t.Fatalf("SetLen: %v", err)
	}
	if got := alloc.FreeCount(); got != before+2 {
		t.Errorf("free frames = %d, want %d", got, before+2)
	}
	if v.Len() != 2*mem.PageSize {
		t.Errorf("Len = %d", v.Len())
	}
	if _, ok := v.CommittedPage(2); ok {
		t.Error("released page still committed")
	}
}

func TestPagedVMO_SetLenPinnedFails(t *testing.T) {
	alloc := testAlloc(t, 16)
	v := NewPaged(alloc, 4)
	if err := v.Pin(3*mem.PageSize, mem.PageSize); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := v.SetLen(2 * mem.PageSize); !kerrors.Is(err, kerrors.ErrBadState) {
		t.Errorf("SetLen over pin = %v, want BAD_STATE", err)
	}
	if err := v.Unpin(3*mem.PageSize, mem.PageSize); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if err := v.SetLen(2 * mem.PageSize); err != nil {
		t.Errorf("SetLen after Unpin: %v", err)
	}
}

func TestPagedVMO_PinUnpinBalance(t *testing.T) {
	alloc := testAlloc(t, 8)
	v := NewPaged(alloc, 2)
	if err := v.Pin(0, mem.PageSize); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := v.Pin(0, mem.PageSize); err != nil {
		t.Fatalf("second Pin: %v", err)
	}
	if err := v.Unpin(0, mem.PageSize); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if err := v.Unpin(0, mem.PageSize); err != nil {
		t.Fatalf("second Unpin: %v", err)
	}
	if err := v.Unpin(0, mem.PageSize); !kerrors.Is(err, kerrors.ErrBadState) {
		t.Errorf("unbalanced Unpin = %v, want BAD_STATE", err)
	}
}

func TestPagedVMO_CloneCopyOnWrite(t *testing.T) {
	alloc := testAlloc(t, 32)
	parent := NewPaged(alloc, 2)
	if err := parent.Write(0, []byte("AAAA")); err != nil {
		t.Fatalf("parent Write: %v", err)
	}

	childVMO, err := parent.CreateChild(0, 2*mem.PageSize)
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}

	// The child sees the parent's content until it writes.
	buf := make([]byte, 4)
	if err := childVMO.Read(0, buf); err != nil {
		t.Fatalf("child Read: %v", err)
	}
	if string(buf) != "AAAA" {
		t.Errorf("child read %q before fork, want AAAA", buf)
	}

	// A child write forks the page.
	if err := childVMO.Write(0, []byte("BBBB")); err != nil {
		t.Fatalf("child Write: %v", err)
	}
	if err := parent.Read(0, buf); err != nil {
		t.Fatalf("parent Read: %v", err)
	}
	if string(buf) != "AAAA" {
		t.Errorf("parent read %q after child fork, want AAAA", buf)
	}
	if err := childVMO.Read(0, buf); err != nil {
		t.Fatalf("child Read: %v", err)
	}
	if string(buf) != "BBBB" {
		t.Errorf("child read %q after fork, want BBBB", buf)
	}

	// Unforked pages still fall through.
	if err := parent.Write(mem.PageSize, []byte("tail")); err != nil {
		t.Fatalf("parent Write: %v", err)
	}
	if err := childVMO.Read(mem.PageSize, buf); err != nil {
		t.Fatalf("child Read: %v", err)
	}
	if string(buf) != "tail" {
		t.Errorf("child read %q from unforked page", buf)
	}
}

func TestPagedVMO_ReadCommitSharesZeroFrame(t *testing.T) {
	alloc := testAlloc(t, 8)
	v := NewPaged(alloc, 2)
	zero, err := alloc.ZeroFrame()
	if err != nil {
		t.Fatalf("ZeroFrame: %v", err)
	}
	pa, err := v.CommitPage(0, false)
	if err != nil {
		t.Fatalf("CommitPage: %v", err)
	}
	if pa != zero {
		t.Errorf("read commit = %#x, want zero frame %#x", pa, zero)
	}
	if _, ok := v.CommittedPage(0); ok {
		t.Error("read commit must not own a frame")
	}
}

func TestPhysVMO_FixedWindow(t *testing.T) {
	alloc := testAlloc(t, 8)
	arena := alloc.Arena()
	v, err := NewPhysical(arena, arena.Base()+4*mem.PageSize, 2*mem.PageSize)
	if err != nil {
		t.Fatalf("NewPhysical: %v", err)
	}

	if err := v.Write(16, []byte("mmio")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw := make([]byte, 4)
	if err := arena.ReadAt(arena.Base()+4*mem.PageSize+16, raw); err != nil {
		t.Fatalf("arena ReadAt: %v", err)
	}
	if string(raw) != "mmio" {
		t.Errorf("backing bytes = %q", raw)
	}

	pa, ok := v.CommittedPage(1)
	if !ok || pa != arena.Base()+5*mem.PageSize {
		t.Errorf("CommittedPage(1) = %#x, %v", pa, ok)
	}
	if err := v.SetLen(mem.PageSize); !kerrors.Is(err, kerrors.ErrNotSupported) {
		t.Errorf("SetLen = %v, want NOT_SUPPORTED", err)
	}
	if _, err := v.CreateChild(0, mem.PageSize); !kerrors.Is(err, kerrors.ErrNotSupported) {
		t.Errorf("CreateChild = %v, want NOT_SUPPORTED", err)
	}
}

func TestSliceVMO_SharesFrames(t *testing.T) {
	alloc := testAlloc(t, 16)
	parent := NewPaged(alloc, 4)
	slice, err := parent.CreateSlice(mem.PageSize, 2*mem.PageSize)
	if err != nil {
		t.Fatalf("CreateSlice: %v", err)
	}

	if err := slice.Write(0, []byte("shared")); err != nil {
		t.Fatalf("slice Write: %v", err)
	}
	buf := make([]byte, 6)
	if err := parent.Read(mem.PageSize, buf); err != nil {
		t.Fatalf("parent Read: %v", err)
	}
	if string(buf) != "shared" {
		t.Errorf("parent read %q through slice write", buf)
	}

	// The frame is literally the same.
	pPA, ok1 := parent.CommittedPage(1)
	sPA, ok2 := slice.CommittedPage(0)
	if !ok1 || !ok2 || pPA != sPA {
		t.Errorf("frames differ: %#x vs %#x", pPA, sPA)
	}

	if err := slice.Write(2*mem.PageSize-1, []byte("xy")); !kerrors.Is(err, kerrors.ErrOutOfRange) {
		t.Errorf("write past slice = %v, want OUT_OF_RANGE", err)
	}
}
