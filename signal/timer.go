package signal

import (
	"container/heap"
	"sync"
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/object"
)

// timerEntry is one pending callback in the deadline queue.
type timerEntry struct {
	deadline time.Time
	fn       func(now time.Time)
	index    int
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimerQueue is the global deadline-ordered callback queue. The timer
// interrupt calls Tick; Timer objects register their deadlines here.
// Futex and port waits and nanosleep use host timers instead. In the
// libos a host timer goroutine drives Tick between interrupts.
type TimerQueue struct {
	mu    sync.Mutex
	heap  timerHeap
	now   func() time.Time
	wake  chan struct{}
	close chan struct{}
	once  sync.Once
}

// NewTimerQueue creates a queue on the given clock; nil means the host
// monotonic clock.
func NewTimerQueue(now func() time.Time) *TimerQueue {
	if now == nil {
		now = time.Now
	}
	return &TimerQueue{
		now:   now,
		wake:  make(chan struct{}, 1),
		close: make(chan struct{}),
	}
}

// Set registers fn to run when deadline passes. The handle can cancel.
func (q *TimerQueue) Set(deadline time.Time, fn func(now time.Time)) *TimerHandle {
	e := &timerEntry{deadline: deadline, fn: fn}
	q.mu.Lock()
	heap.Push(&q.heap, e)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return &TimerHandle{queue: q, entry: e}
}

// Tick runs every callback whose deadline is at or before now.
// Callbacks run outside the queue lock.
func (q *TimerQueue) Tick(now time.Time) {
	for {
		q.mu.Lock()
		if len(q.heap) == 0 || q.heap[0].deadline.After(now) {
			q.mu.Unlock()
			return
		}
		e := heap.Pop(&q.heap).(*timerEntry)
		canceled := e.canceled
		q.mu.Unlock()
		if !canceled {
			e.fn(now)
		}
	}
}

// NextDeadline returns the earliest pending deadline.
func (q *TimerQueue) NextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].deadline, true
}

// Run drives Tick from the host clock until Stop. This stands in for
// the periodic timer interrupt of bare-metal builds.
func (q *TimerQueue) Run() {
	go func() {
		for {
			var timer *time.Timer
			var fire <-chan time.Time
			if next, ok := q.NextDeadline(); ok {
				timer = time.NewTimer(time.Until(next))
				fire = timer.C
			}
			select {
			case <-fire:
				q.Tick(q.now())
			case <-q.wake:
				if timer != nil {
					timer.Stop()
				}
			case <-q.close:
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()
}

// Stop terminates a Run loop.
func (q *TimerQueue) Stop() {
	q.once.Do(func() { close(q.close) })
}

// TimerHandle cancels a pending queue entry.
type TimerHandle struct {
	queue *TimerQueue
	entry *timerEntry
}

// Cancel prevents the callback from running if it has not fired yet.
func (h *TimerHandle) Cancel() {
	h.queue.mu.Lock()
	h.entry.canceled = true
	h.queue.mu.Unlock()
}

// Slack selects how a timer may coalesce around its deadline.
type Slack uint8

const (
	// SlackCenter allows firing on either side of the deadline.
	SlackCenter Slack = iota
	// SlackEarly allows firing early only.
	SlackEarly
	// SlackLate allows firing late only.
	SlackLate
)

// Timer is the timer kernel object: set a deadline, observe SIGNALED.
type Timer struct {
	object.Base
	queue *TimerQueue

	mu      sync.Mutex
	pending *TimerHandle
	slack   Slack
}

// NewTimer creates a timer on the queue.
func NewTimer(queue *TimerQueue, slack Slack) *Timer {
	return &Timer{Base: object.NewBase("timer"), queue: queue, slack: slack}
}

// Set arms the timer, replacing any previous deadline and clearing a
// pending SIGNALED.
func (t *Timer) Set(deadline time.Time) {
	t.mu.Lock()
	if t.pending != nil {
		t.pending.Cancel()
	}
	t.SignalClear(object.SignalSignaled)
	t.pending = t.queue.Set(deadline, func(time.Time) {
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
		t.SignalSet(object.SignalSignaled)
	})
	t.mu.Unlock()
}

// Cancel disarms the timer. Canceling a fired or unset timer fails
// with BAD_STATE.
func (t *Timer) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return kerrors.New(kerrors.StatusBadState, "timer_cancel", "timer not armed")
	}
	t.pending.Cancel()
	t.pending = nil
	return nil
}
