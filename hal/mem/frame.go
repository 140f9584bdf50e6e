package mem

import (
	"math/bits"
	"sync"

	kerrors "zcore-go/errors"
)

const wordBits = 64

// FrameAllocator hands out 4 KiB frames from an Arena. Free frames are
// tracked in a hierarchical bitmap: level 0 holds one bit per frame
// (1 = free) and each higher level summarizes 64 words of the level below,
// giving O(log N) find-first-free. A single mutex guards the whole
// structure; the allocator sits at the bottom of the lock order.
type FrameAllocator struct {
	mu     sync.Mutex
	arena  *Arena
	levels [][]uint64
	frames uint64
	free   uint64
	zero   PhysAddr
	hasZ   bool
}

// NewFrameAllocator creates an allocator over arena with every frame
// initially unavailable. Call Insert to donate ranges.
func NewFrameAllocator(arena *Arena) *FrameAllocator {
	frames := arena.Size() / PageSize
	f := &FrameAllocator{arena: arena, frames: frames}

	words := (frames + wordBits - 1) / wordBits
	for {
		f.levels = append(f.levels, make([]uint64, words))
		if words == 1 {
			break
		}
		words = (words + wordBits - 1) / wordBits
	}
	return f
}

// Arena returns the backing arena.
func (f *FrameAllocator) Arena() *Arena { return f.arena }

// Insert donates [paddr, paddr+size) to the free pool. Partial frames at
// either end are discarded. Called at init with the RAM ranges the bus
// probe discovered.
func (f *FrameAllocator) Insert(paddr PhysAddr, size uint64) error {
	start := PhysAddr(PageRoundUp(uint64(paddr)))
	end := PhysAddr(PageAlign(uint64(paddr) + size))
	if end <= start {
		return nil
	}
	if !f.arena.Contains(start, uint64(end-start)) {
		return kerrors.Newf(kerrors.StatusOutOfRange, "frame_insert", "range [%#x, %#x) outside arena", start, end)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for p := start; p < end; p += PageSize {
		idx := f.indexOf(p)
		if f.testBit(idx) {
			continue
		}
		f.setBit(idx)
		f.free++
	}

	// The first donated frame becomes the shared zero frame for COW fills.
	if !f.hasZ {
		p, err := f.allocLocked()
		if err == nil {
			f.zero = p
			f.hasZ = true
		}
	}
	return nil
}

// Alloc returns one zeroed frame.
func (f *FrameAllocator) Alloc() (PhysAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocLocked()
}

func (f *FrameAllocator) allocLocked() (PhysAddr, error) {
	idx, ok := f.findFirstFree()
	if !ok {
		return 0, kerrors.New(kerrors.StatusNoMemory, "frame_alloc", "no free frames")
	}
	f.clearBit(idx)
	f.free--
	paddr := f.arena.base + PhysAddr(idx*PageSize)
	frame, _ := f.arena.Frame(paddr)
	clear(frame)
	return paddr, nil
}

// AllocContiguous returns count contiguous frames whose base is aligned to
// 2^alignLog2 frames. First-fit scan from the bottom of the arena.
func (f *FrameAllocator) AllocContiguous(count uint64, alignLog2 uint) (PhysAddr, error) {
	if count == 0 {
		return 0, kerrors.New(kerrors.StatusInvalidArgs, "frame_alloc_contiguous", "zero count")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	step := uint64(1) << alignLog2
	for base := uint64(0); base+count <= f.frames; base += step {
		run := true
		for i := uint64(0); i < count; i++ {
			if !f.testBit(base + i) {
				run = false
				break
			}
		}
		if !run {
			continue
		}
		for i := uint64(0); i < count; i++ {
			f.clearBit(base + i)
		}
		f.free -= count
		paddr := f.arena.base + PhysAddr(base*PageSize)
		buf, _ := f.arena.Bytes(paddr, count*PageSize)
		clear(buf)
		return paddr, nil
	}
	return 0, kerrors.Newf(kerrors.StatusNoMemory, "frame_alloc_contiguous", "no run of %d frames", count)
}

// Dealloc returns a frame to the free pool. Freeing a frame that is
// already free indicates a double free and fails with BAD_STATE.
func (f *FrameAllocator) Dealloc(paddr PhysAddr) error {
	if uint64(paddr)%PageSize != 0 || !f.arena.Contains(paddr, PageSize) {
		return kerrors.Newf(kerrors.StatusInvalidArgs, "frame_dealloc", "bad frame %#x", paddr)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.indexOf(paddr)
	if f.testBit(idx) {
		return kerrors.Newf(kerrors.StatusBadState, "frame_dealloc", "frame %#x already free", paddr)
	}
	f.setBit(idx)
	f.free++
	return nil
}

// ZeroFrame returns the distinguished all-zero frame shared by
// copy-on-write zero fills. The frame is never handed out by Alloc and
// must never be written.
func (f *FrameAllocator) ZeroFrame() (PhysAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasZ {
		return 0, kerrors.New(kerrors.StatusBadState, "zero_frame", "no memory inserted")
	}
	return f.zero, nil
}

// FreeCount returns the number of free frames.
func (f *FrameAllocator) FreeCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free
}

func (f *FrameAllocator) indexOf(paddr PhysAddr) uint64 {
	return uint64(paddr-f.arena.base) / PageSize
}

func (f *FrameAllocator) testBit(idx uint64) bool {
	return f.levels[0][idx/wordBits]&(1<<(idx%wordBits)) != 0
}

func (f *FrameAllocator) setBit(idx uint64) {
	for _, level := range f.levels {
		level[idx/wordBits] |= 1 << (idx % wordBits)
		idx /= wordBits
	}
}

func (f *FrameAllocator) clearBit(idx uint64) {
	f.levels[0][idx/wordBits] &^= 1 << (idx % wordBits)
	for l := 1; l < len(f.levels); l++ {
		below := idx / wordBits
		if f.levels[l-1][below] != 0 {
			break
		}
		f.levels[l][below/wordBits] &^= 1 << (below % wordBits)
		idx = below
	}
}

// findFirstFree descends the summary levels to locate the lowest set bit.
func (f *FrameAllocator) findFirstFree() (uint64, bool) {
	top := f.levels[len(f.levels)-1]
	word := uint64(0)
	found := false
	for i, w := range top {
		if w != 0 {
			word = uint64(i)*wordBits + uint64(bits.TrailingZeros64(w))
			found = true
			break
		}
	}
	if !found {
		return 0, false
	}
	for l := len(f.levels) - 2; l >= 0; l-- {
		w := f.levels[l][word]
		word = word*wordBits + uint64(bits.TrailingZeros64(w))
	}
	if word >= f.frames {
		return 0, false
	}
	return word, true
}
