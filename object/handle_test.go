package object

import (
	"testing"

	kerrors "zcore-go/errors"
)

func TestHandleTable_AddGetRemove(t *testing.T) {
	table := NewHandleTable(0)
	obj := newTestObject()
	value := table.Add(NewHandle(obj, DefaultEventRights))

	if value == InvalidHandle {
		t.Fatal("Add returned the invalid sentinel")
	}

	h, err := table.Get(value)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.Object.ID() != obj.ID() {
		t.Error("Get returned the wrong object")
	}

	if _, err := table.Remove(value); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := table.Get(value); !kerrors.Is(err, kerrors.ErrBadHandle) {
		t.Errorf("Get after Remove = %v, want BAD_HANDLE", err)
	}
	if _, err := table.Remove(value); !kerrors.Is(err, kerrors.ErrBadHandle) {
		t.Errorf("double Remove = %v, want BAD_HANDLE", err)
	}
}

func TestHandleTable_MaskedValuesNonZero(t *testing.T) {
	// A mask whose value would collide with the sentinel on the first
	// allocation: raw 1 ^ mask 1 == 0 must be skipped.
	table := NewHandleTable(1)
	obj := newTestObject()
	for i := 0; i < 64; i++ {
		if v := table.Add(NewHandle(obj, 0)); v == InvalidHandle {
			t.Fatalf("allocation %d produced the invalid sentinel", i)
		}
	}
}

func TestHandleTable_GetWithRights(t *testing.T) {
	table := NewHandleTable(0)
	obj := newTestObject()
	value := table.Add(NewHandle(obj, RightRead|RightWait))

	if _, err := table.GetWithRights(value, RightRead); err != nil {
		t.Errorf("GetWithRights(READ): %v", err)
	}
	if _, err := table.GetWithRights(value, RightWrite); !kerrors.Is(err, kerrors.ErrAccessDenied) {
		t.Errorf("GetWithRights(WRITE) = %v, want ACCESS_DENIED", err)
	}
	if _, err := table.GetWithRights(999, RightRead); !kerrors.Is(err, kerrors.ErrBadHandle) {
		t.Errorf("GetWithRights(bad) = %v, want BAD_HANDLE", err)
	}
}

type otherObject struct {
	Base
}

func TestGetObjectWithRights_Types(t *testing.T) {
	table := NewHandleTable(0)
	value := table.Add(NewHandle(newTestObject(), RightRead))

	if _, err := GetObjectWithRights[*testObject](table, value, RightRead); err != nil {
		t.Errorf("typed get: %v", err)
	}
	if _, err := GetObjectWithRights[*otherObject](table, value, RightRead); !kerrors.Is(err, kerrors.ErrWrongType) {
		t.Errorf("wrong type = %v, want WRONG_TYPE", err)
	}
}

func TestHandleTable_DuplicateRights(t *testing.T) {
	table := NewHandleTable(0)
	obj := newTestObject()

	tests := []struct {
		name    string
		source  Rights
		request Rights
		wantErr *kerrors.KernelError
	}{
		{"subset ok", RightDuplicate | RightRead | RightWrite, RightRead, nil},
		{"same rights", RightDuplicate | RightRead, RightSameRights, nil},
		{"superset denied", RightDuplicate | RightRead, RightRead | RightWrite, kerrors.ErrAccessDenied},
		{"no duplicate right", RightRead, RightRead, kerrors.ErrAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := table.Add(NewHandle(obj, tt.source))
			dup, err := table.Duplicate(value, tt.request)
			if tt.wantErr != nil {
				if !kerrors.Is(err, tt.wantErr) {
					t.Fatalf("Duplicate = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Duplicate: %v", err)
			}
			h, err := table.Get(dup)
			if err != nil {
				t.Fatalf("Get dup: %v", err)
			}
			want := tt.request
			if want&RightSameRights != 0 {
				want = tt.source
			}
			if h.Rights != want {
				t.Errorf("dup rights = %#x, want %#x", uint32(h.Rights), uint32(want))
			}
			// The source handle survives duplication.
			if _, err := table.Get(value); err != nil {
				t.Errorf("source handle gone: %v", err)
			}
		})
	}
}

func TestHandleTable_Replace(t *testing.T) {
	table := NewHandleTable(0)
	obj := newTestObject()
	value := table.Add(NewHandle(obj, RightRead|RightWrite))

	newValue, err := table.Replace(value, RightRead)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, err := table.Get(value); !kerrors.Is(err, kerrors.ErrBadHandle) {
		t.Error("old value still valid after Replace")
	}
	h, err := table.Get(newValue)
	if err != nil {
		t.Fatalf("Get new: %v", err)
	}
	if h.Rights != RightRead {
		t.Errorf("rights = %#x, want READ", uint32(h.Rights))
	}
}

func TestHandleTable_RemoveAll(t *testing.T) {
	table := NewHandleTable(0)
	for i := 0; i < 5; i++ {
		table.Add(NewHandle(newTestObject(), 0))
	}
	removed := table.RemoveAll()
	if len(removed) != 5 {
		t.Errorf("RemoveAll returned %d handles, want 5", len(removed))
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d after RemoveAll", table.Len())
	}
}
