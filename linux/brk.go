package linux

import (
	"zcore-go/hal/mem"
	"zcore-go/hal/paging"
	"zcore-go/vm"
)

// DefaultBrkBase is where the heap starts when the loader does not
// place it after the image.
const DefaultBrkBase = 0x4000_0000

// Brk queries or moves the program break. A zero request returns the
// current break; growth maps fresh anonymous pages; shrinking is
// accepted but pages are kept (matching the usual lazy kernels).
func (e *ProcExt) Brk(alloc *mem.FrameAllocator, request uint64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.brkBase == 0 {
		e.brkBase = DefaultBrkBase
		e.brkCur = DefaultBrkBase
	}
	if request == 0 || request < e.brkBase {
		return e.brkCur
	}

	newEnd := mem.PageRoundUp(request)
	mappedEnd := mem.PageRoundUp(e.brkCur)
	if newEnd > mappedEnd {
		size := newEnd - mappedEnd
		vmo := vm.NewPaged(alloc, size/mem.PageSize)
		off := mappedEnd - e.proc.VMAR().Addr()
		if _, err := e.proc.VMAR().Map(&off, vmo, 0, size,
			paging.FlagRead|paging.FlagWrite|paging.FlagUser); err != nil {
			return e.brkCur
		}
	}
	e.brkCur = request
	return e.brkCur
}
