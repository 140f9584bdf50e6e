// Package mem implements the physical memory layer of the HAL: an
// mmap-backed arena standing in for machine RAM, and a bitmap frame
// allocator handing out 4 KiB frames from it.
package mem

import (
	"sync"

	"golang.org/x/sys/unix"

	kerrors "zcore-go/errors"
)

const (
	// PageSize is the base frame size.
	PageSize = 4096
	// PageSizeShift is log2(PageSize).
	PageSizeShift = 12
)

// PhysAddr is a physical memory address.
type PhysAddr uint64

// PageAlign rounds an address down to a frame boundary.
func PageAlign(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// PageRoundUp rounds a length up to a whole number of frames.
func PageRoundUp(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Pages returns the number of frames covering n bytes.
func Pages(n uint64) uint64 {
	return PageRoundUp(n) / PageSize
}

// Arena is the physical memory of the machine, backed by an anonymous
// host mapping. Physical addresses are offsets from Base.
type Arena struct {
	mu     sync.Mutex
	buf    []byte
	base   PhysAddr
	mapped bool
}

// DefaultArenaBase is where simulated RAM begins, matching the usual
// 2 GiB DRAM base of the boards the device trees describe.
const DefaultArenaBase PhysAddr = 0x8000_0000

// NewArena maps size bytes of zeroed memory as the machine's RAM.
// size must be a page multiple.
func NewArena(base PhysAddr, size uint64) (*Arena, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, kerrors.Newf(kerrors.StatusInvalidArgs, "arena_create", "size %#x not page aligned", size)
	}
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.StatusNoMemory, "arena_create")
	}
	return &Arena{buf: buf, base: base, mapped: true}, nil
}

// NewArenaSlice wraps an existing buffer as an arena. Used by tests.
func NewArenaSlice(base PhysAddr, buf []byte) *Arena {
	return &Arena{buf: buf, base: base}
}

// Base returns the lowest physical address of the arena.
func (a *Arena) Base() PhysAddr { return a.base }

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.buf)) }

// Contains reports whether [paddr, paddr+n) lies inside the arena.
func (a *Arena) Contains(paddr PhysAddr, n uint64) bool {
	if paddr < a.base {
		return false
	}
	off := uint64(paddr - a.base)
	return off <= uint64(len(a.buf)) && n <= uint64(len(a.buf))-off
}

// Bytes returns the backing bytes of [paddr, paddr+n).
func (a *Arena) Bytes(paddr PhysAddr, n uint64) ([]byte, error) {
	if !a.Contains(paddr, n) {
		return nil, kerrors.Newf(kerrors.StatusOutOfRange, "arena_bytes", "paddr %#x len %#x outside arena", paddr, n)
	}
	off := uint64(paddr - a.base)
	return a.buf[off : off+n : off+n], nil
}

// Frame returns the backing bytes of the whole frame at paddr.
func (a *Arena) Frame(paddr PhysAddr) ([]byte, error) {
	return a.Bytes(PhysAddr(PageAlign(uint64(paddr))), PageSize)
}

// ReadAt copies arena memory into buf.
func (a *Arena) ReadAt(paddr PhysAddr, buf []byte) error {
	src, err := a.Bytes(paddr, uint64(len(buf)))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

// WriteAt copies buf into arena memory.
func (a *Arena) WriteAt(paddr PhysAddr, buf []byte) error {
	dst, err := a.Bytes(paddr, uint64(len(buf)))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

// Close unmaps the arena. Only arenas created with NewArena hold a mapping.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == nil {
		return nil
	}
	buf := a.buf
	a.buf = nil
	if !a.mapped {
		return nil
	}
	return unix.Munmap(buf)
}
