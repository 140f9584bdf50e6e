package object

import (
	"sync"

	kerrors "zcore-go/errors"
)

// InvalidHandle is the reserved "no handle" value.
const InvalidHandle uint32 = 0

// Handle is a strong reference to a kernel object paired with the
// rights its holder may exercise.
type Handle struct {
	// Object is the referenced object.
	Object KernelObject
	// Rights restrict what the holder can do through this handle.
	Rights Rights
}

// NewHandle creates a handle with the given rights.
func NewHandle(obj KernelObject, rights Rights) Handle {
	return Handle{Object: obj, Rights: rights}
}

// HandleTable maps per-process handle values to handles. Values are
// never zero; an optional XOR mask decorrelates them from allocation
// order so they leak nothing about kernel state.
type HandleTable struct {
	mu      sync.Mutex
	mask    uint32
	next    uint32
	free    []uint32
	handles map[uint32]Handle
}

// NewHandleTable creates an empty table. mask may be 0.
func NewHandleTable(mask uint32) *HandleTable {
	return &HandleTable{
		mask:    mask,
		next:    1,
		handles: make(map[uint32]Handle),
	}
}

// Add inserts a handle and returns its value.
func (t *HandleTable) Add(h Handle) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(h)
}

func (t *HandleTable) addLocked(h Handle) uint32 {
	var raw uint32
	if n := len(t.free); n > 0 {
		raw = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		raw = t.next
		t.next++
		// Value 0 is the invalid sentinel in every masking.
		if raw^t.mask == InvalidHandle {
			raw = t.next
			t.next++
		}
	}
	value := raw ^ t.mask
	t.handles[value] = h
	return value
}

// AddMany inserts a batch of handles, returning their values in order.
// Used by channel read to materialize transferred handles atomically.
func (t *HandleTable) AddMany(hs []Handle) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	values := make([]uint32, len(hs))
	for i, h := range hs {
		values[i] = t.addLocked(h)
	}
	return values
}

// Get returns the handle for value.
func (t *HandleTable) Get(value uint32) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[value]
	if !ok {
		return Handle{}, kerrors.ErrBadHandle
	}
	return h, nil
}

// Remove deletes and returns the handle for value.
func (t *HandleTable) Remove(value uint32) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[value]
	if !ok {
		return Handle{}, kerrors.ErrBadHandle
	}
	delete(t.handles, value)
	t.free = append(t.free, value^t.mask)
	return h, nil
}

// RemoveAll empties the table, returning the removed handles. Called on
// process death so object references drop.
func (t *HandleTable) RemoveAll() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.handles))
	for value, h := range t.handles {
		out = append(out, h)
		t.free = append(t.free, value^t.mask)
	}
	t.handles = make(map[uint32]Handle)
	return out
}

// HasObject reports whether any live handle references obj.
func (t *HandleTable) HasObject(obj KernelObject) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.handles {
		if h.Object == obj {
			return true
		}
	}
	return false
}

// Len returns the number of live handles.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// GetWithRights returns the object behind value after checking that the
// handle carries all of the required rights.
func (t *HandleTable) GetWithRights(value uint32, required Rights) (KernelObject, error) {
	h, err := t.Get(value)
	if err != nil {
		return nil, err
	}
	if !h.Rights.Contains(required) {
		return nil, kerrors.Newf(kerrors.StatusAccessDenied, "handle_rights", "missing rights %#x", uint32(required&^h.Rights))
	}
	return h.Object, nil
}

// Duplicate creates a new handle to the same object with the requested
// rights, which must be a subset of the source's. RightSameRights keeps
// the source rights. The source must carry RightDuplicate.
func (t *HandleTable) Duplicate(value uint32, rights Rights) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[value]
	if !ok {
		return InvalidHandle, kerrors.ErrBadHandle
	}
	if !h.Rights.Contains(RightDuplicate) {
		return InvalidHandle, kerrors.New(kerrors.StatusAccessDenied, "handle_duplicate", "handle lacks DUPLICATE")
	}
	if rights&RightSameRights != 0 {
		rights = h.Rights
	} else if !h.Rights.Contains(rights) {
		return InvalidHandle, kerrors.Newf(kerrors.StatusAccessDenied, "handle_duplicate", "requested rights %#x exceed %#x", uint32(rights), uint32(h.Rights))
	}
	return t.addLocked(Handle{Object: h.Object, Rights: rights}), nil
}

// Replace atomically swaps value for a new handle to the same object
// with reduced rights, invalidating the old value.
func (t *HandleTable) Replace(value uint32, rights Rights) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[value]
	if !ok {
		return InvalidHandle, kerrors.ErrBadHandle
	}
	if rights&RightSameRights != 0 {
		rights = h.Rights
	} else if !h.Rights.Contains(rights) {
		return InvalidHandle, kerrors.New(kerrors.StatusInvalidArgs, "handle_replace", "requested rights exceed source")
	}
	delete(t.handles, value)
	// Allocate before freeing so the new value never reuses the old one.
	newValue := t.addLocked(Handle{Object: h.Object, Rights: rights})
	t.free = append(t.free, value^t.mask)
	return newValue, nil
}

// GetObjectWithRights is the typed form of GetWithRights: it also
// checks that the object is a T.
func GetObjectWithRights[T KernelObject](t *HandleTable, value uint32, required Rights) (T, error) {
	var zero T
	obj, err := t.GetWithRights(value, required)
	if err != nil {
		return zero, err
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, kerrors.Newf(kerrors.StatusWrongType, "handle_get", "object is a %s", obj.TypeName())
	}
	return typed, nil
}

// GetObject is the typed lookup without a rights check.
func GetObject[T KernelObject](t *HandleTable, value uint32) (T, error) {
	return GetObjectWithRights[T](t, value, 0)
}
