package linux

import (
	"sync"

	kerrors "zcore-go/errors"
)

// MaxFDs bounds a process's descriptor table.
const MaxFDs = 1024

type fdEntry struct {
	file    File
	cloExec bool
}

// FDTable maps small non-negative integers to files, lowest-free
// allocation as POSIX requires.
type FDTable struct {
	mu  sync.Mutex
	fds map[int]*fdEntry
}

// NewFDTable creates an empty table.
func NewFDTable() *FDTable {
	return &FDTable{fds: make(map[int]*fdEntry)}
}

// Install places file at the lowest free descriptor.
func (t *FDTable) Install(file File, cloExec bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.installFromLocked(file, cloExec, 0)
}

// InstallAt places file at exactly fd, closing whatever was there.
func (t *FDTable) InstallAt(fd int, file File, cloExec bool) error {
	if fd < 0 || fd >= MaxFDs {
		return kerrors.Newf(kerrors.StatusOutOfRange, "dup2", "fd %d", fd)
	}
	t.mu.Lock()
	old := t.fds[fd]
	t.fds[fd] = &fdEntry{file: file, cloExec: cloExec}
	t.mu.Unlock()
	if old != nil {
		_ = old.file.Close()
	}
	return nil
}

func (t *FDTable) installFromLocked(file File, cloExec bool, from int) (int, error) {
	for fd := from; fd < MaxFDs; fd++ {
		if _, used := t.fds[fd]; !used {
			t.fds[fd] = &fdEntry{file: file, cloExec: cloExec}
			return fd, nil
		}
	}
	return -1, kerrors.New(kerrors.StatusNoResources, "open", "descriptor table full")
}

// Get returns the file behind fd.
func (t *FDTable) Get(fd int) (File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.fds[fd]
	if !ok {
		return nil, kerrors.Newf(kerrors.StatusBadHandle, "fd_get", "fd %d", fd)
	}
	return entry.file, nil
}

// Dup duplicates fd at the lowest free slot at or above from.
func (t *FDTable) Dup(fd, from int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.fds[fd]
	if !ok {
		return -1, kerrors.Newf(kerrors.StatusBadHandle, "dup", "fd %d", fd)
	}
	return t.installFromLocked(entry.file, false, from)
}

// Dup2 duplicates oldfd onto newfd.
func (t *FDTable) Dup2(oldfd, newfd int) (int, error) {
	t.mu.Lock()
	entry, ok := t.fds[oldfd]
	t.mu.Unlock()
	if !ok {
		return -1, kerrors.Newf(kerrors.StatusBadHandle, "dup2", "fd %d", oldfd)
	}
	if oldfd == newfd {
		return newfd, nil
	}
	if err := t.InstallAt(newfd, entry.file, false); err != nil {
		return -1, err
	}
	return newfd, nil
}

// SetCloExec flips the close-on-exec flag.
func (t *FDTable) SetCloExec(fd int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.fds[fd]
	if !ok {
		return kerrors.Newf(kerrors.StatusBadHandle, "fcntl", "fd %d", fd)
	}
	entry.cloExec = on
	return nil
}

// CloExec reports the close-on-exec flag.
func (t *FDTable) CloExec(fd int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.fds[fd]
	if !ok {
		return false, kerrors.Newf(kerrors.StatusBadHandle, "fcntl", "fd %d", fd)
	}
	return entry.cloExec, nil
}

// Close removes fd and closes its file.
func (t *FDTable) Close(fd int) error {
	t.mu.Lock()
	entry, ok := t.fds[fd]
	delete(t.fds, fd)
	t.mu.Unlock()
	if !ok {
		return kerrors.Newf(kerrors.StatusBadHandle, "close", "fd %d", fd)
	}
	return entry.file.Close()
}

// CloseExec closes every descriptor marked close-on-exec.
func (t *FDTable) CloseExec() {
	t.mu.Lock()
	var doomed []File
	for fd, entry := range t.fds {
		if entry.cloExec {
			doomed = append(doomed, entry.file)
			delete(t.fds, fd)
		}
	}
	t.mu.Unlock()
	for _, f := range doomed {
		_ = f.Close()
	}
}

// CloseAll closes everything; used at process death.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	entries := t.fds
	t.fds = make(map[int]*fdEntry)
	t.mu.Unlock()
	for _, entry := range entries {
		_ = entry.file.Close()
	}
}

// Len returns the number of open descriptors.
func (t *FDTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fds)
}
