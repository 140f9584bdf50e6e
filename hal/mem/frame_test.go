package mem

import (
	"testing"

	kerrors "zcore-go/errors"
)

func testAllocator(t *testing.T, pages int) *FrameAllocator {
	t.Helper()
	arena := NewArenaSlice(DefaultArenaBase, make([]byte, pages*PageSize))
	f := NewFrameAllocator(arena)
	if err := f.Insert(arena.Base(), arena.Size()); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return f
}

func TestFrameAllocator_AllocDealloc(t *testing.T) {
	f := testAllocator(t, 16)
	// One frame is reserved as the zero frame.
	initial := f.FreeCount()
	if initial != 15 {
		t.Fatalf("FreeCount() = %d, want 15", initial)
	}

	// Every allocated frame is distinct until deallocated.
	seen := make(map[PhysAddr]bool)
	var frames []PhysAddr
	for i := uint64(0); i < initial; i++ {
		p, err := f.Alloc()
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		if uint64(p)%PageSize != 0 {
			t.Errorf("Alloc returned unaligned frame %#x", p)
		}
		if seen[p] {
			t.Errorf("Alloc returned frame %#x twice", p)
		}
		seen[p] = true
		frames = append(frames, p)
	}

	// Pool exhausted.
	if _, err := f.Alloc(); !kerrors.Is(err, kerrors.ErrNoMemory) {
		t.Errorf("Alloc on empty pool = %v, want NO_MEMORY", err)
	}

	// allocated == alloc calls - dealloc calls.
	for i, p := range frames {
		if err := f.Dealloc(p); err != nil {
			t.Fatalf("Dealloc #%d: %v", i, err)
		}
		if got := f.FreeCount(); got != uint64(i+1) {
			t.Errorf("FreeCount() = %d after %d deallocs", got, i+1)
		}
	}
}

func TestFrameAllocator_DoubleFree(t *testing.T) {
	f := testAllocator(t, 4)
	p, err := f.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := f.Dealloc(p); err != nil {
		t.Fatalf("Dealloc: %v", err)
	}
	if err := f.Dealloc(p); !kerrors.Is(err, kerrors.ErrBadState) {
		t.Errorf("double Dealloc = %v, want BAD_STATE", err)
	}
}

func TestFrameAllocator_AllocZeroed(t *testing.T) {
	f := testAllocator(t, 4)
	p, err := f.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	buf, err := f.Arena().Frame(p)
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	buf[123] = 0xAB
	if err := f.Dealloc(p); err != nil {
		t.Fatalf("Dealloc: %v", err)
	}

	// The dirty frame comes back zeroed on the next alloc.
	q, err := f.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if q != p {
		t.Fatalf("first-fit should reuse frame %#x, got %#x", p, q)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("frame byte %d = %#x after realloc, want 0", i, b)
		}
	}
}

func TestFrameAllocator_Contiguous(t *testing.T) {
	f := testAllocator(t, 64)

	tests := []struct {
		name      string
		count     uint64
		alignLog2 uint
	}{
		{"four frames", 4, 0},
		{"aligned pair", 2, 1},
		{"aligned quad", 4, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := f.AllocContiguous(tt.count, tt.alignLog2)
			if err != nil {
				t.Fatalf("AllocContiguous: %v", err)
			}
			frameIdx := (uint64(p) - uint64(f.Arena().Base())) / PageSize
			if frameIdx%(1<<tt.alignLog2) != 0 {
				t.Errorf("base frame %d not aligned to %d", frameIdx, 1<<tt.alignLog2)
			}
			for i := uint64(0); i < tt.count; i++ {
				if err := f.Dealloc(p + PhysAddr(i*PageSize)); err != nil {
					t.Errorf("Dealloc frame %d: %v", i, err)
				}
			}
		})
	}
}

func TestFrameAllocator_ContiguousExhausted(t *testing.T) {
	f := testAllocator(t, 8)
	if _, err := f.AllocContiguous(16, 0); !kerrors.Is(err, kerrors.ErrNoMemory) {
		t.Errorf("oversized AllocContiguous = %v, want NO_MEMORY", err)
	}
}

func TestFrameAllocator_ZeroFrame(t *testing.T) {
	f := testAllocator(t, 4)
	z, err := f.ZeroFrame()
	if err != nil {
		t.Fatalf("ZeroFrame: %v", err)
	}
	z2, err := f.ZeroFrame()
	if err != nil || z2 != z {
		t.Fatalf("ZeroFrame not stable: %#x vs %#x (%v)", z, z2, err)
	}
	// The zero frame is never handed out by Alloc.
	for {
		p, err := f.Alloc()
		if err != nil {
			break
		}
		if p == z {
			t.Fatalf("Alloc returned the zero frame %#x", z)
		}
	}
}

func TestArena_Bounds(t *testing.T) {
	arena := NewArenaSlice(DefaultArenaBase, make([]byte, 2*PageSize))
	if _, err := arena.Bytes(arena.Base()+PhysAddr(arena.Size()), 1); !kerrors.Is(err, kerrors.ErrOutOfRange) {
		t.Errorf("Bytes past end = %v, want OUT_OF_RANGE", err)
	}
	if _, err := arena.Bytes(arena.Base()-PageSize, PageSize); !kerrors.Is(err, kerrors.ErrOutOfRange) {
		t.Errorf("Bytes below base = %v, want OUT_OF_RANGE", err)
	}
	if err := arena.WriteAt(arena.Base(), []byte("hello")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, 5)
	if err := arena.ReadAt(arena.Base(), buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("ReadAt = %q, want %q", buf, "hello")
	}
}
