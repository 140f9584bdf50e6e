package linux

import (
	"sync"
	"testing"
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/hal/scheme"
)

func TestPipe_WriteReadEOF(t *testing.T) {
	r, w := NewPipe(0)

	n, err := w.Write([]byte("xy"))
	if err != nil || n != 2 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	buf := make([]byte, 16)
	n, err = r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 2 || string(buf[:2]) != "xy" {
		t.Errorf("Read = %d %q", n, buf[:n])
	}

	// The next read is EOF: zero bytes, no error.
	n, err = r.Read(buf)
	if err != nil || n != 0 {
		t.Errorf("EOF read = %d, %v", n, err)
	}
}

func TestPipe_ReadBlocksForWriter(t *testing.T) {
	r, w := NewPipe(0)
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 8)
		n, err := r.Read(buf)
		if err != nil {
			t.Errorf("Read: %v", err)
		}
		got <- string(buf[:n])
	}()
	time.Sleep(10 * time.Millisecond)
	if _, err := w.Write([]byte("wake")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case s := <-got:
		if s != "wake" {
			t.Errorf("read %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("reader never woke")
	}
}

func TestPipe_NonBlock(t *testing.T) {
	r, w := NewPipe(FlagNonBlock)
	buf := make([]byte, 4)
	if _, err := r.Read(buf); !kerrors.Is(err, kerrors.ErrShouldWait) {
		t.Errorf("empty read = %v, want SHOULD_WAIT", err)
	}

	// Fill the ring; the next write reports SHOULD_WAIT.
	big := make([]byte, PipeCapacity)
	if n, err := w.Write(big); err != nil || n != PipeCapacity {
		t.Fatalf("fill = %d, %v", n, err)
	}
	if _, err := w.Write([]byte("x")); !kerrors.Is(err, kerrors.ErrShouldWait) {
		t.Errorf("full write = %v, want SHOULD_WAIT", err)
	}
}

func TestPipe_WriteAfterReaderClose(t *testing.T) {
	r, w := NewPipe(0)
	_ = r.Close()
	if _, err := w.Write([]byte("x")); !kerrors.Is(err, kerrors.ErrPeerClosed) {
		t.Errorf("Write = %v, want PEER_CLOSED", err)
	}
}

func TestPipe_BlockedWriterFailsOnReaderClose(t *testing.T) {
	r, w := NewPipe(0)
	big := make([]byte, PipeCapacity)
	if _, err := w.Write(big); err != nil {
		t.Fatalf("fill: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Write([]byte("overflow"))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = r.Close()
	select {
	case err := <-errCh:
		if !kerrors.Is(err, kerrors.ErrPeerClosed) {
			t.Errorf("blocked write = %v, want PEER_CLOSED", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked writer never failed")
	}
}

func TestPipe_WrapAround(t *testing.T) {
	r, w := NewPipe(0)
	// Cycle more data than the capacity through the ring.
	var wg sync.WaitGroup
	const total = PipeCapacity * 3
	wg.Add(1)
	go func() {
		defer wg.Done()
		chunk := make([]byte, 4096)
		for i := range chunk {
			chunk[i] = byte(i)
		}
		for sent := 0; sent < total; sent += len(chunk) {
			if _, err := w.Write(chunk); err != nil {
				t.Errorf("Write: %v", err)
				return
			}
		}
		_ = w.Close()
	}()

	received := 0
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			if buf[i] != byte((received+i)%4096%256) {
				t.Fatalf("corrupt byte at %d", received+i)
			}
		}
		received += n
	}
	wg.Wait()
	if received != total {
		t.Errorf("received %d, want %d", received, total)
	}
}

func TestFDTable_LowestFree(t *testing.T) {
	table := NewFDTable()
	for want := 0; want < 3; want++ {
		fd, err := table.Install(NewDevNull(), false)
		if err != nil {
			t.Fatalf("Install: %v", err)
		}
		if fd != want {
			t.Errorf("fd = %d, want %d", fd, want)
		}
	}
	// Freeing the middle slot makes it the next allocation.
	if err := table.Close(1); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fd, err := table.Install(NewDevZero(), false)
	if err != nil || fd != 1 {
		t.Errorf("reuse fd = %d, %v", fd, err)
	}
}

func TestFDTable_DupAndCloExec(t *testing.T) {
	table := NewFDTable()
	fd, _ := table.Install(NewDevNull(), false)

	dup, err := table.Dup(fd, 0)
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if dup == fd {
		t.Error("Dup returned the same fd")
	}

	target := 7
	if _, err := table.Dup2(fd, target); err != nil {
		t.Fatalf("Dup2: %v", err)
	}
	if _, err := table.Get(target); err != nil {
		t.Errorf("Get dup2 target: %v", err)
	}

	if err := table.SetCloExec(dup, true); err != nil {
		t.Fatalf("SetCloExec: %v", err)
	}
	table.CloseExec()
	if _, err := table.Get(dup); !kerrors.Is(err, kerrors.ErrBadHandle) {
		t.Error("cloexec fd survived exec")
	}
	if _, err := table.Get(fd); err != nil {
		t.Error("plain fd closed by exec")
	}
}

func TestFDTable_BadFD(t *testing.T) {
	table := NewFDTable()
	if _, err := table.Get(42); !kerrors.Is(err, kerrors.ErrBadHandle) {
		t.Errorf("Get = %v, want BAD_HANDLE", err)
	}
	if err := table.Close(42); !kerrors.Is(err, kerrors.ErrBadHandle) {
		t.Errorf("Close = %v, want BAD_HANDLE", err)
	}
}

func TestMemFS_OpenReadWrite(t *testing.T) {
	fs := NewMemFS()
	if err := fs.Mkdir("/etc"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.WriteFile("/etc/hostname", []byte("zcore\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := fs.Open("/", "/etc/hostname", FlagRDONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 32)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "zcore\n" {
		t.Errorf("read %q", buf[:n])
	}

	// Relative resolution through cwd.
	if _, err := fs.Open("/etc", "hostname", FlagRDONLY); err != nil {
		t.Errorf("relative open: %v", err)
	}

	// Missing files fail without FlagCreate, appear with it.
	if _, err := fs.Open("/", "/tmp/x", FlagWRONLY); !kerrors.Is(err, kerrors.ErrNotFound) {
		t.Errorf("missing open = %v, want NOT_FOUND", err)
	}
	if err := fs.Mkdir("/tmp"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	wf, err := fs.Open("/", "/tmp/x", FlagWRONLY|FlagCreate)
	if err != nil {
		t.Fatalf("create open: %v", err)
	}
	if _, err := wf.Write([]byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := fs.Open("/", "/tmp/x", FlagWRONLY|FlagCreate|FlagExclusive); !kerrors.Is(err, kerrors.ErrAlreadyExists) {
		t.Errorf("exclusive open = %v, want ALREADY_EXISTS", err)
	}

	st, err := fs.Stat("/", "/tmp/x")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Type != TypeRegular || st.Size != 4 {
		t.Errorf("stat = %+v", st)
	}
}

func TestMemFS_PreadPwrite(t *testing.T) {
	fs := NewMemFS()
	if err := fs.WriteFile("/data", []byte("0123456789")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := fs.Open("/", "/data", FlagRDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, 3); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "3456" {
		t.Errorf("ReadAt = %q", buf)
	}
	// The cursor did not move.
	if _, err := f.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "0123" {
		t.Errorf("Read after ReadAt = %q", buf)
	}

	if _, err := f.WriteAt([]byte("XX"), 8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, _ := fs.ReadFile("/data")
	if string(got) != "01234567XX" {
		t.Errorf("content = %q", got)
	}
}

func TestMemFS_Devices(t *testing.T) {
	fs := NewMemFS()
	if err := fs.RegisterDevice("/dev/null", NewDevNull); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	f, err := fs.Open("/", "/dev/null", FlagRDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n, err := f.Read(make([]byte, 8)); err != nil || n != 0 {
		t.Errorf("null read = %d, %v", n, err)
	}
	st, err := fs.Stat("/", "/dev/null")
	if err != nil || st.Type != TypeCharDevice {
		t.Errorf("stat = %+v, %v", st, err)
	}
}

func TestStdio_ReadWrite(t *testing.T) {
	uart := scheme.NewMockUart()
	stdio := NewStdio(uart)

	if _, err := stdio.Write([]byte("console out")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(uart.Sent()) != "console out" {
		t.Errorf("uart saw %q", uart.Sent())
	}

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := stdio.Read(buf)
		if err != nil {
			t.Errorf("Read: %v", err)
		}
		got <- string(buf[:n])
	}()
	time.Sleep(10 * time.Millisecond)
	uart.Feed([]byte("key"))
	stdio.NotifyInput()
	select {
	case s := <-got:
		if s != "key" {
			t.Errorf("read %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("stdio read never woke")
	}
}

func TestDevZeroAndRandom(t *testing.T) {
	buf := make([]byte, 16)
	zero := NewDevZero()
	if n, err := zero.Read(buf); err != nil || n != len(buf) {
		t.Fatalf("zero read = %d, %v", n, err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("dev zero returned nonzero")
		}
	}

	random := NewDevRandom(12345)
	if _, err := random.Read(buf); err != nil {
		t.Fatalf("random read: %v", err)
	}
	allZero := true
	for _, b := range buf {
		if b != 0 {
			allZero = false
		}
	}
	if allZero {
		t.Error("dev random returned all zeros")
	}
}
