package signal

import (
	"sync"
	"sync/atomic"
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/object"
)

// Futex is a fast userspace mutex: waiting is conditional on the value
// of an atomic 32-bit word, waking moves queued waiters exactly once.
type Futex struct {
	object.Base
	value *atomic.Int32

	mu    sync.Mutex
	queue []*futexWaiter
	owner object.KernelObject
}

type futexWaiter struct {
	thread object.KernelObject
	wake   chan struct{}
	woken  bool
}

// NewFutex creates a futex over the given word.
func NewFutex(value *atomic.Int32) *Futex {
	return &Futex{Base: object.NewBase("futex"), value: value}
}

// Value returns the backing word.
func (f *Futex) Value() *atomic.Int32 { return f.value }

// Wait verifies the word still holds current and sleeps until a wake or
// the deadline. thread may be nil; when set it is recorded on the
// waiter for ownership checks. A zero deadline waits forever. Returns
// BAD_STATE when the word does not hold current, TIMED_OUT on expiry.
func (f *Futex) Wait(current int32, deadline time.Time, thread object.KernelObject) error {
	f.mu.Lock()
	if f.value.Load() != current {
		f.mu.Unlock()
		return kerrors.New(kerrors.StatusBadState, "futex_wait", "word changed before wait")
	}
	w := &futexWaiter{thread: thread, wake: make(chan struct{})}
	f.queue = append(f.queue, w)
	f.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-w.wake:
		return nil
	case <-timeout:
	}

	// Remove ourselves unless a wake raced the timeout.
	f.mu.Lock()
	for i, queued := range f.queue {
		if queued == w {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			f.mu.Unlock()
			return kerrors.New(kerrors.StatusTimedOut, "futex_wait", "deadline elapsed")
		}
	}
	f.mu.Unlock()
	<-w.wake
	return nil
}

// Wake releases up to count waiters in queue order and returns how many
// actually woke. Each waiter wakes exactly once.
func (f *Futex) Wake(count int) int {
	f.mu.Lock()
	n := min(count, len(f.queue))
	woken := f.queue[:n]
	f.queue = append([]*futexWaiter{}, f.queue[n:]...)
	f.mu.Unlock()
	for _, w := range woken {
		w.woken = true
		close(w.wake)
	}
	return n
}

// WakeSingleOwner wakes the front waiter and makes its thread the
// owner, or clears ownership when the queue is empty.
func (f *Futex) WakeSingleOwner() {
	f.mu.Lock()
	var w *futexWaiter
	if len(f.queue) > 0 {
		w = f.queue[0]
		f.queue = append([]*futexWaiter{}, f.queue[1:]...)
		f.owner = w.thread
	} else {
		f.owner = nil
	}
	f.mu.Unlock()
	if w != nil {
		w.woken = true
		close(w.wake)
	}
}

// Owner returns the KoID of the owning thread, 0 when unowned.
func (f *Futex) Owner() object.KoID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner == nil {
		return 0
	}
	return f.owner.ID()
}

// SetOwner records the owning thread for priority inheritance. A thread
// currently waiting on this futex cannot own it.
func (f *Futex) SetOwner(thread object.KernelObject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if thread != nil {
		for _, w := range f.queue {
			if w.thread == thread {
				return kerrors.New(kerrors.StatusInvalidArgs, "futex_set_owner", "owner is waiting on the futex")
			}
		}
	}
	f.owner = thread
	return nil
}

// Requeue wakes wakeCount waiters, then moves up to requeueCount of the
// remainder to target's queue. Ownership of this futex is cleared.
func (f *Futex) Requeue(wakeCount int, target *Futex, requeueCount int) error {
	if target == f {
		return kerrors.New(kerrors.StatusInvalidArgs, "futex_requeue", "requeue to self")
	}
	f.Wake(wakeCount)

	f.mu.Lock()
	f.owner = nil
	n := min(requeueCount, len(f.queue))
	moved := f.queue[:n]
	f.queue = append([]*futexWaiter{}, f.queue[n:]...)
	f.mu.Unlock()

	if len(moved) > 0 {
		target.mu.Lock()
		target.queue = append(target.queue, moved...)
		target.mu.Unlock()
	}
	return nil
}

// WaiterCount returns the number of queued waiters.
func (f *Futex) WaiterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
