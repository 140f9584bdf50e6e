package executor

import (
	"testing"
	"time"

	"zcore-go/hal/uctx"
)

func TestExecutor_InstallsRootPerEntry(t *testing.T) {
	e := New()
	root := uint64(0x1000)
	ctx := uctx.NewScriptedContext(
		uctx.ScriptStep{Trap: uctx.Trap{Kind: uctx.TrapSyscall}},
		uctx.ScriptStep{Trap: uctx.Trap{Kind: uctx.TrapSyscall}},
	)

	task := e.Spawn(func() uint64 { return root }, func(t *Task) {
		for {
			trap := t.EnterUser(ctx)
			if trap.Kind == uctx.TrapExit {
				return
			}
			// The address space can change between entries.
			root += 0x1000
		}
	})

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task never finished")
	}

	// Three entries: two syscalls plus the exit.
	want := []uint64{0x1000, 0x2000, 0x3000}
	if len(ctx.Roots) != len(want) {
		t.Fatalf("entries = %d, want %d", len(ctx.Roots), len(want))
	}
	for i, r := range want {
		if ctx.Roots[i] != r {
			t.Errorf("entry %d root = %#x, want %#x", i, ctx.Roots[i], r)
		}
	}
	if e.CurrentRoot() != 0x3000 {
		t.Errorf("CurrentRoot = %#x", e.CurrentRoot())
	}
}

func TestExecutor_WaitJoinsTasks(t *testing.T) {
	e := New()
	ran := make([]bool, 4)
	for i := range ran {
		i := i
		e.Spawn(func() uint64 { return 0 }, func(t *Task) {
			t.Yield()
			ran[i] = true
		})
	}
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait never returned")
	}
	for i, r := range ran {
		if !r {
			t.Errorf("task %d never ran", i)
		}
	}
	if e.TaskCount() != 0 {
		t.Errorf("TaskCount = %d", e.TaskCount())
	}
}
