package syscalls

import (
	"encoding/binary"
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/hal/mem"
	"zcore-go/hal/paging"
	"zcore-go/hal/uctx"
	"zcore-go/linux"
	"zcore-go/loader"
	"zcore-go/object"
	"zcore-go/task"
	"zcore-go/vm"
)

// Linux syscall numbers (asm-generic layout, shared by riscv64 and
// aarch64; the x86-64 table remaps onto the same handlers).
const (
	SysGetcwd        = 17
	SysDup           = 23
	SysDup3          = 24
	SysFcntl         = 25
	SysIoctl         = 29
	SysMkdirat       = 34
	SysChdir         = 49
	SysOpenat        = 56
	SysClose         = 57
	SysPipe2         = 59
	SysLseek         = 62
	SysRead          = 63
	SysWrite         = 64
	SysReadv         = 65
	SysWritev        = 66
	SysPread64       = 67
	SysPwrite64      = 68
	SysNewfstatat    = 79
	SysFstat         = 80
	SysExit          = 93
	SysExitGroup     = 94
	SysSetTidAddress = 96
	SysFutex         = 98
	SysNanosleep     = 101
	SysClockGettime  = 113
	SysSchedYield    = 124
	SysKill          = 129
	SysTkill         = 130
	SysTgkill        = 131
	SysRtSigaction   = 134
	SysRtSigprocmask = 135
	SysRtSigreturn   = 139
	SysUname         = 160
	SysGettimeofday  = 169
	SysGetpid        = 172
	SysGetppid       = 173
	SysGettid        = 178
	SysBrk           = 214
	SysMunmap        = 215
	SysClone         = 220
	SysExecve        = 221
	SysMmap          = 222
	SysMprotect      = 226
	SysWait4         = 260
)

// mmap flag and prot bits.
const (
	protRead  = 1 << 0
	protWrite = 1 << 1
	protExec  = 1 << 2

	mapFixed = 0x10
	mapAnon  = 0x20
)

// futex operations (op & 0x7f strips FUTEX_PRIVATE).
const (
	futexOpWait    = 0
	futexOpWake    = 1
	futexOpRequeue = 3
)

// clone flags the personality supports.
const (
	cloneVM     = 0x100
	cloneThread = 0x10000
)

// File mode type bits for the stat struct.
const (
	sIFREG  = 0x8000
	sIFDIR  = 0x4000
	sIFCHR  = 0x2000
	sIFIFO  = 0x1000
	sIFSOCK = 0xc000
)

func (d *Dispatcher) linuxTable() map[uint64]Handler {
	return map[uint64]Handler{
		SysGetcwd:        d.sysGetcwd,
		SysDup:           d.sysDup,
		SysDup3:          d.sysDup3,
		SysFcntl:         d.sysFcntl,
		SysIoctl:         d.sysIoctl,
		SysMkdirat:       d.sysMkdirat,
		SysChdir:         d.sysChdir,
		SysOpenat:        d.sysOpenat,
		SysClose:         d.sysClose,
		SysPipe2:         d.sysPipe2,
		SysLseek:         d.sysLseek,
		SysRead:          d.sysRead,
		SysWrite:         d.sysWrite,
		SysReadv:         d.sysReadv,
		SysWritev:        d.sysWritev,
		SysPread64:       d.sysPread64,
		SysPwrite64:      d.sysPwrite64,
		SysNewfstatat:    d.sysNewfstatat,
		SysFstat:         d.sysFstat,
		SysExit:          d.sysExit,
		SysExitGroup:     d.sysExitGroup,
		SysSetTidAddress: d.sysSetTidAddress,
		SysFutex:         d.sysFutex,
		SysNanosleep:     d.sysNanosleep,
		SysClockGettime:  d.sysClockGettime,
		SysSchedYield:    d.sysSchedYield,
		SysKill:          d.sysKill,
		SysTkill:         d.sysTkill,
		SysTgkill:        d.sysTkill,
		SysRtSigaction:   d.sysRtSigaction,
		SysRtSigprocmask: d.sysRtSigprocmask,
		SysRtSigreturn:   d.sysRtSigreturn,
		SysUname:         d.sysUname,
		SysGettimeofday:  d.sysGettimeofday,
		SysGetpid:        d.sysGetpid,
		SysGetppid:       d.sysGetppid,
		SysGettid:        d.sysGettid,
		SysBrk:           d.sysBrk,
		SysMunmap:        d.sysMunmap,
		SysClone:         d.sysClone,
		SysExecve:        d.sysExecve,
		SysMmap:          d.sysMmap,
		SysMprotect:      d.sysMprotect,
		SysWait4:         d.sysWait4,
	}
}

func extOf(t *task.Thread) (*linux.ProcExt, error) {
	ext := linux.ExtOf(t.Process())
	if ext == nil {
		return nil, kerrors.New(kerrors.StatusBadState, "linux_syscall", "process has no linux extension")
	}
	return ext, nil
}

func fileOf(t *task.Thread, fd uint64) (linux.File, error) {
	ext, err := extOf(t)
	if err != nil {
		return nil, err
	}
	return ext.FDs().Get(int(int32(uint32(fd))))
}

// File descriptor syscalls.

func (d *Dispatcher) sysRead(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := fileOf(t, args[0])
	if err != nil {
		return 0, err
	}
	buf := make([]byte, args[2])
	n, err := f.Read(buf)
	if err != nil {
		return 0, err
	}
	if err := vm.WriteUser(userRoot(t), args[1], buf[:n]); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (d *Dispatcher) sysWrite(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := fileOf(t, args[0])
	if err != nil {
		return 0, err
	}
	buf := make([]byte, args[2])
	if err := vm.ReadUser(userRoot(t), args[1], buf); err != nil {
		return 0, err
	}
	n, err := f.Write(buf)
	return uint64(n), err
}

func (d *Dispatcher) sysReadv(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := fileOf(t, args[0])
	if err != nil {
		return 0, err
	}
	vecs, err := readIovecs(t, args[1], args[2])
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, vec := range vecs {
		buf := make([]byte, vec[1])
		n, err := f.Read(buf)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if n == 0 {
			break
		}
		if err := vm.WriteUser(userRoot(t), vec[0], buf[:n]); err != nil {
			return 0, err
		}
		total += uint64(n)
		if uint64(n) < vec[1] {
			break
		}
	}
	return total, nil
}

func (d *Dispatcher) sysWritev(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := fileOf(t, args[0])
	if err != nil {
		return 0, err
	}
	vecs, err := readIovecs(t, args[1], args[2])
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, vec := range vecs {
		buf := make([]byte, vec[1])
		if err := vm.ReadUser(userRoot(t), vec[0], buf); err != nil {
			return 0, err
		}
		n, err := f.Write(buf)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		total += uint64(n)
	}
	return total, nil
}

func (d *Dispatcher) sysPread64(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := fileOf(t, args[0])
	if err != nil {
		return 0, err
	}
	buf := make([]byte, args[2])
	n, err := f.ReadAt(buf, args[3])
	if err != nil {
		return 0, err
	}
	if err := vm.WriteUser(userRoot(t), args[1], buf[:n]); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (d *Dispatcher) sysPwrite64(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := fileOf(t, args[0])
	if err != nil {
		return 0, err
	}
	buf := make([]byte, args[2])
	if err := vm.ReadUser(userRoot(t), args[1], buf); err != nil {
		return 0, err
	}
	n, err := f.WriteAt(buf, args[3])
	return uint64(n), err
}

func (d *Dispatcher) sysLseek(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := fileOf(t, args[0])
	if err != nil {
		return 0, err
	}
	return f.Seek(int64(args[1]), int(args[2]))
}

func (d *Dispatcher) sysOpenat(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	path, err := vm.ReadUserCString(userRoot(t), args[1], 4096)
	if err != nil {
		return 0, err
	}
	flags := linux.OpenFlags(args[2])
	// dirfd is honored for AT_FDCWD only; absolute paths ignore it.
	f, err := ext.FS().Open(ext.Cwd(), path, flags)
	if err != nil {
		return 0, err
	}
	fd, err := ext.FDs().Install(f, flags&linux.FlagCloExec != 0)
	if err != nil {
		return 0, err
	}
	return uint64(fd), nil
}

func (d *Dispatcher) sysClose(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	return 0, ext.FDs().Close(int(int32(uint32(args[0]))))
}

func (d *Dispatcher) sysDup(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	fd, err := ext.FDs().Dup(int(int32(uint32(args[0]))), 0)
	return uint64(fd), err
}

func (d *Dispatcher) sysDup3(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	fd, err := ext.FDs().Dup2(int(int32(uint32(args[0]))), int(int32(uint32(args[1]))))
	return uint64(fd), err
}

func (d *Dispatcher) sysPipe2(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	flags := linux.OpenFlags(args[1])
	r, w := linux.NewPipe(flags)
	rfd, err := ext.FDs().Install(r, flags&linux.FlagCloExec != 0)
	if err != nil {
		return 0, err
	}
	wfd, err := ext.FDs().Install(w, flags&linux.FlagCloExec != 0)
	if err != nil {
		_ = ext.FDs().Close(rfd)
		return 0, err
	}
	var out [8]byte
	binary.LittleEndian.PutUint32(out[:], uint32(rfd))
	binary.LittleEndian.PutUint32(out[4:], uint32(wfd))
	return 0, vm.WriteUser(userRoot(t), args[0], out[:])
}

func (d *Dispatcher) sysIoctl(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := fileOf(t, args[0])
	if err != nil {
		return 0, err
	}
	return f.Ioctl(uint32(args[1]), args[2])
}

// fcntl commands.
const (
	fcntlDupFD   = 0
	fcntlGetFD   = 1
	fcntlSetFD   = 2
	fcntlGetFL   = 3
	fcntlSetFL   = 4
	fdCloExecBit = 1
)

func (d *Dispatcher) sysFcntl(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	fd := int(int32(uint32(args[0])))
	switch args[1] {
	case fcntlDupFD:
		dup, err := ext.FDs().Dup(fd, int(args[2]))
		return uint64(dup), err
	case fcntlGetFD:
		on, err := ext.FDs().CloExec(fd)
		if err != nil {
			return 0, err
		}
		if on {
			return fdCloExecBit, nil
		}
		return 0, nil
	case fcntlSetFD:
		return 0, ext.FDs().SetCloExec(fd, args[2]&fdCloExecBit != 0)
	case fcntlGetFL, fcntlSetFL:
		// The descriptor is checked; F_GETFL then reports 0 and F_SETFL
		// changes nothing.
		if _, err := ext.FDs().Get(fd); err != nil {
			return 0, err
		}
		return 0, nil
	default:
		return 0, kerrors.Newf(kerrors.StatusNotSupported, "fcntl", "cmd %d", args[1])
	}
}

// Filesystem metadata.

func statMode(st linux.Stat) uint32 {
	mode := st.Mode
	switch st.Type {
	case linux.TypeRegular:
		mode |= sIFREG
	case linux.TypeDir:
		mode |= sIFDIR
	case linux.TypeCharDevice:
		mode |= sIFCHR
	case linux.TypePipe:
		mode |= sIFIFO
	case linux.TypeSocket:
		mode |= sIFSOCK
	}
	return mode
}

// writeStat lays out the asm-generic struct stat (128 bytes).
func writeStat(t *task.Thread, vaddr uint64, st linux.Stat) error {
	buf := make([]byte, 128)
	binary.LittleEndian.PutUint64(buf[8:], st.Ino)
	binary.LittleEndian.PutUint32(buf[16:], statMode(st))
	binary.LittleEndian.PutUint32(buf[20:], 1) // st_nlink
	binary.LittleEndian.PutUint64(buf[48:], st.Size)
	binary.LittleEndian.PutUint32(buf[56:], mem.PageSize) // st_blksize
	binary.LittleEndian.PutUint64(buf[64:], (st.Size+511)/512)
	return vm.WriteUser(userRoot(t), vaddr, buf)
}

func (d *Dispatcher) sysFstat(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := fileOf(t, args[0])
	if err != nil {
		return 0, err
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return 0, writeStat(t, args[1], st)
}

func (d *Dispatcher) sysNewfstatat(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	path, err := vm.ReadUserCString(userRoot(t), args[1], 4096)
	if err != nil {
		return 0, err
	}
	st, err := ext.FS().Stat(ext.Cwd(), path)
	if err != nil {
		return 0, err
	}
	return 0, writeStat(t, args[2], st)
}

func (d *Dispatcher) sysGetcwd(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	cwd := ext.Cwd()
	if uint64(len(cwd)+1) > args[1] {
		return 0, kerrors.New(kerrors.StatusOutOfRange, "getcwd", "buffer too small")
	}
	buf := append([]byte(cwd), 0)
	if err := vm.WriteUser(userRoot(t), args[0], buf); err != nil {
		return 0, err
	}
	return args[0], nil
}

func (d *Dispatcher) sysChdir(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	path, err := vm.ReadUserCString(userRoot(t), args[0], 4096)
	if err != nil {
		return 0, err
	}
	return 0, ext.Chdir(path)
}

func (d *Dispatcher) sysMkdirat(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	path, err := vm.ReadUserCString(userRoot(t), args[1], 4096)
	if err != nil {
		return 0, err
	}
	if path == "" || path[0] != '/' {
		path = ext.Cwd() + "/" + path
	}
	return 0, ext.FS().Mkdir(path)
}

// Memory management.

func (d *Dispatcher) sysBrk(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	return ext.Brk(d.kernel.Alloc, args[0]), nil
}

func (d *Dispatcher) sysMmap(t *task.Thread, args [6]uint64) (uint64, error) {
	addr, length, prot, flags, fd, fileOff := args[0], args[1], args[2], args[3], args[4], args[5]
	if length == 0 {
		return 0, kerrors.New(kerrors.StatusInvalidArgs, "mmap", "zero length")
	}
	length = mem.PageRoundUp(length)

	mmu := paging.FlagUser
	if prot&protRead != 0 {
		mmu |= paging.FlagRead
	}
	if prot&protWrite != 0 {
		mmu |= paging.FlagWrite
	}
	if prot&protExec != 0 {
		mmu |= paging.FlagExecute
	}

	vmo := vm.NewPaged(d.kernel.Alloc, length/mem.PageSize)
	if flags&mapAnon == 0 {
		f, err := fileOf(t, fd)
		if err != nil {
			return 0, err
		}
		buf := make([]byte, length)
		n, err := f.ReadAt(buf, fileOff)
		if err != nil {
			return 0, err
		}
		if err := vmo.Write(0, buf[:n]); err != nil {
			return 0, err
		}
	}

	root := userRoot(t)
	var offset *uint64
	if flags&mapFixed != 0 {
		if addr%mem.PageSize != 0 || addr < root.Addr() {
			return 0, kerrors.New(kerrors.StatusInvalidArgs, "mmap", "bad fixed address")
		}
		// Fixed mappings replace whatever is there.
		if err := root.Unmap(addr, length); err != nil {
			return 0, err
		}
		off := addr - root.Addr()
		offset = &off
	}
	return root.Map(offset, vmo, 0, length, mmu)
}

func (d *Dispatcher) sysMunmap(t *task.Thread, args [6]uint64) (uint64, error) {
	return 0, userRoot(t).Unmap(args[0], mem.PageRoundUp(args[1]))
}

func (d *Dispatcher) sysMprotect(t *task.Thread, args [6]uint64) (uint64, error) {
	// Permissions tighten lazily: the fault path enforces the mapping
	// flags, which mprotect would need per-range splitting to change.
	// Accepted as a no-op for the personality's workloads.
	return 0, nil
}

// Task syscalls.

func (d *Dispatcher) sysExit(t *task.Thread, args [6]uint64) (uint64, error) {
	d.clearChildTid(t)
	t.Exit()
	return 0, nil
}

func (d *Dispatcher) sysExitGroup(t *task.Thread, args [6]uint64) (uint64, error) {
	d.clearChildTid(t)
	t.Process().Exit(int64(int32(uint32(args[0]))))
	return 0, nil
}

// clearChildTid implements the set_tid_address contract: zero the word
// and wake one futex waiter on it.
func (d *Dispatcher) clearChildTid(t *task.Thread) {
	ext := linux.ExtOf(t.Process())
	if ext == nil {
		return
	}
	addr := ext.ClearChildTid.Load()
	if addr == 0 {
		return
	}
	if err := vm.WriteUser(userRoot(t), addr, []byte{0, 0, 0, 0}); err == nil {
		f := ext.FutexAt(addr)
		f.Value().Store(0)
		f.Wake(1)
	}
}

func (d *Dispatcher) sysSetTidAddress(t *task.Thread, args [6]uint64) (uint64, error) {
	if ext := linux.ExtOf(t.Process()); ext != nil {
		ext.ClearChildTid.Store(args[0])
	}
	return uint64(t.ID()), nil
}

func (d *Dispatcher) sysGetpid(t *task.Thread, _ [6]uint64) (uint64, error) {
	return uint64(t.Process().ID()), nil
}

func (d *Dispatcher) sysGetppid(t *task.Thread, _ [6]uint64) (uint64, error) {
	return uint64(t.Process().Job().ID()), nil
}

func (d *Dispatcher) sysGettid(t *task.Thread, _ [6]uint64) (uint64, error) {
	return uint64(t.ID()), nil
}

func (d *Dispatcher) sysSchedYield(*task.Thread, [6]uint64) (uint64, error) {
	return 0, nil
}

func (d *Dispatcher) sysClone(t *task.Thread, args [6]uint64) (uint64, error) {
	flags, stack := args[0], args[1]
	if flags&cloneVM == 0 || flags&cloneThread == 0 {
		// Full forks need an address-space clone; only the thread
		// flavor is supported.
		return 0, kerrors.New(kerrors.StatusNotSupported, "clone", "only CLONE_VM|CLONE_THREAD")
	}
	if d.kernel.NewContext == nil {
		return 0, kerrors.New(kerrors.StatusNotSupported, "clone", "no context factory")
	}

	ctx := d.kernel.NewContext()
	child, err := t.Process().CreateThread("", ctx)
	if err != nil {
		return 0, err
	}
	// The child resumes at the same PC with a zero return value on its
	// own stack.
	*ctx.Regs() = *t.Context().Regs()
	ctx.Regs().R[d.conv.SPReg] = stack
	d.conv.SetReturn(ctx.Regs(), 0)

	runner := &task.Runner{Exec: d.kernel.Exec, Arch: d.kernel.Arch, Handler: d.HandleTrap}
	if err := child.Start(ctx.Regs().PC, stack, 0, 0, runner); err != nil {
		return 0, err
	}
	return uint64(child.ID()), nil
}

func (d *Dispatcher) sysExecve(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	path, err := vm.ReadUserCString(userRoot(t), args[0], 4096)
	if err != nil {
		return 0, err
	}
	argv, err := d.readStringVector(t, args[1])
	if err != nil {
		return 0, err
	}
	envs, err := d.readStringVector(t, args[2])
	if err != nil {
		return 0, err
	}
	image, err := ext.FS().ReadFile(path)
	if err != nil {
		return 0, err
	}

	// Tear down the old image and load the new one into the same root.
	root := userRoot(t)
	if err := root.Unmap(root.Addr(), root.Len()); err != nil {
		return 0, err
	}
	img, err := loader.Load(image, root, d.kernel.Alloc, loader.Options{Argv: argv, Envs: envs})
	if err != nil {
		// The old image is gone; the process cannot continue.
		t.Process().Exit(-1)
		return 0, err
	}
	ext.FDs().CloseExec()
	ext.SetExecPath(path)

	regs := t.Context().Regs()
	*regs = uctx.GeneralRegs{}
	regs.PC = img.Entry
	regs.R[d.conv.SPReg] = img.SP
	return d.conv.SyscallArgs(regs)[0], nil
}

func (d *Dispatcher) readStringVector(t *task.Thread, vecPtr uint64) ([]string, error) {
	if vecPtr == 0 {
		return nil, nil
	}
	var out []string
	for i := uint64(0); i < 256; i++ {
		ptr, err := vm.ReadUserU64(userRoot(t), vecPtr+i*8)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			return out, nil
		}
		s, err := vm.ReadUserCString(userRoot(t), ptr, 4096)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return nil, kerrors.New(kerrors.StatusOutOfRange, "execve", "vector too long")
}

func (d *Dispatcher) sysWait4(t *task.Thread, args [6]uint64) (uint64, error) {
	// The personality runs a single process tree without fork; there
	// is never a child to reap.
	return 0, kerrors.New(kerrors.StatusNotFound, "wait4", "no children")
}

// Signal syscalls.

func (d *Dispatcher) sysKill(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	pid := int64(args[0])
	if pid != int64(t.Process().ID()) && pid != 0 {
		return 0, kerrors.Newf(kerrors.StatusNotFound, "kill", "pid %d", pid)
	}
	ext.KillSignal(uint8(args[1]))
	return 0, nil
}

func (d *Dispatcher) sysTkill(t *task.Thread, args [6]uint64) (uint64, error) {
	// tgkill passes (tgid, tid, sig); tkill passes (tid, sig). The
	// target tid is the last id argument before the signal.
	tid, sig := args[0], args[1]
	if args[2] != 0 {
		tid, sig = args[1], args[2]
	}
	target, err := t.Process().ThreadByID(object.KoID(tid))
	if err != nil {
		return 0, err
	}
	target.RaiseSignal(uint8(sig))
	return 0, nil
}

// sigactionSize is the userspace struct: handler, flags, restorer, mask.
const sigactionSize = 32

func (d *Dispatcher) sysRtSigaction(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	sig := uint8(args[0])
	var old linux.SigAction
	if args[1] != 0 {
		buf := make([]byte, sigactionSize)
		if err := vm.ReadUser(userRoot(t), args[1], buf); err != nil {
			return 0, err
		}
		action := linux.SigAction{
			Handler:  binary.LittleEndian.Uint64(buf),
			Flags:    binary.LittleEndian.Uint64(buf[8:]),
			Restorer: binary.LittleEndian.Uint64(buf[16:]),
			Mask:     binary.LittleEndian.Uint64(buf[24:]),
		}
		old, err = ext.SetAction(sig, action)
		if err != nil {
			return 0, err
		}
	} else {
		old = ext.Action(sig)
	}
	if args[2] != 0 {
		buf := make([]byte, sigactionSize)
		binary.LittleEndian.PutUint64(buf, old.Handler)
		binary.LittleEndian.PutUint64(buf[8:], old.Flags)
		binary.LittleEndian.PutUint64(buf[16:], old.Restorer)
		binary.LittleEndian.PutUint64(buf[24:], old.Mask)
		return 0, vm.WriteUser(userRoot(t), args[2], buf)
	}
	return 0, nil
}

// sigprocmask how values.
const (
	sigBlock   = 0
	sigUnblock = 1
	sigSetmask = 2
)

func (d *Dispatcher) sysRtSigprocmask(t *task.Thread, args [6]uint64) (uint64, error) {
	old := t.SigMask()
	if args[1] != 0 {
		newMask, err := vm.ReadUserU64(userRoot(t), args[1])
		if err != nil {
			return 0, err
		}
		switch args[0] {
		case sigBlock:
			t.SetSigMask(old | newMask)
		case sigUnblock:
			t.SetSigMask(old &^ newMask)
		case sigSetmask:
			t.SetSigMask(newMask)
		default:
			return 0, kerrors.Newf(kerrors.StatusInvalidArgs, "sigprocmask", "how %d", args[0])
		}
	}
	if args[2] != 0 {
		return 0, vm.WriteUserU64(userRoot(t), args[2], old)
	}
	return 0, nil
}

func (d *Dispatcher) sysRtSigreturn(t *task.Thread, _ [6]uint64) (uint64, error) {
	if err := linux.Sigreturn(t); err != nil {
		return 0, err
	}
	// The restored context already holds the interrupted computation's
	// return register; report it so the dispatcher writes it back
	// unchanged.
	return d.conv.SyscallArgs(t.Context().Regs())[0], nil
}

// Time syscalls.

func (d *Dispatcher) sysNanosleep(t *task.Thread, args [6]uint64) (uint64, error) {
	if args[0] == 0 {
		return 0, kerrors.ErrInvalidArgs
	}
	sec, err := vm.ReadUserU64(userRoot(t), args[0])
	if err != nil {
		return 0, err
	}
	nsec, err := vm.ReadUserU64(userRoot(t), args[0]+8)
	if err != nil {
		return 0, err
	}
	time.Sleep(time.Duration(sec)*time.Second + time.Duration(nsec))
	return 0, nil
}

func writeTimespec(t *task.Thread, vaddr uint64, at time.Time) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(at.Unix()))
	binary.LittleEndian.PutUint64(buf[8:], uint64(at.Nanosecond()))
	return vm.WriteUser(userRoot(t), vaddr, buf[:])
}

func (d *Dispatcher) sysClockGettime(t *task.Thread, args [6]uint64) (uint64, error) {
	return 0, writeTimespec(t, args[1], d.kernel.now())
}

func (d *Dispatcher) sysGettimeofday(t *task.Thread, args [6]uint64) (uint64, error) {
	now := d.kernel.now()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(now.Unix()))
	binary.LittleEndian.PutUint64(buf[8:], uint64(now.Nanosecond()/1000))
	return 0, vm.WriteUser(userRoot(t), args[0], buf[:])
}

// Futex.

func (d *Dispatcher) sysFutex(t *task.Thread, args [6]uint64) (uint64, error) {
	ext, err := extOf(t)
	if err != nil {
		return 0, err
	}
	uaddr, op, val := args[0], args[1]&0x7f, args[2]
	f := ext.FutexAt(uaddr)

	switch op {
	case futexOpWait:
		current, err := vm.ReadUserU32(userRoot(t), uaddr)
		if err != nil {
			return 0, err
		}
		f.Value().Store(int32(current))
		deadline := time.Time{}
		if args[3] != 0 {
			sec, err := vm.ReadUserU64(userRoot(t), args[3])
			if err != nil {
				return 0, err
			}
			nsec, err := vm.ReadUserU64(userRoot(t), args[3]+8)
			if err != nil {
				return 0, err
			}
			deadline = d.kernel.now().Add(time.Duration(sec)*time.Second + time.Duration(nsec))
		}
		return 0, f.Wait(int32(uint32(val)), deadline, t)
	case futexOpWake:
		return uint64(f.Wake(int(val))), nil
	case futexOpRequeue:
		target := ext.FutexAt(args[4])
		woken := f.Wake(int(val))
		if err := f.Requeue(0, target, int(args[3])); err != nil {
			return 0, err
		}
		return uint64(woken), nil
	default:
		return 0, kerrors.Newf(kerrors.StatusNotSupported, "futex", "op %d", op)
	}
}

// uname.

func (d *Dispatcher) sysUname(t *task.Thread, args [6]uint64) (uint64, error) {
	const fieldLen = 65
	fields := []string{
		"Linux",          // sysname
		"zcore",          // nodename
		"5.0.0-zcore",    // release
		"#1 SMP",         // version
		d.kernel.Arch.String(), // machine
		"",               // domainname
	}
	buf := make([]byte, fieldLen*len(fields))
	for i, f := range fields {
		copy(buf[i*fieldLen:], f)
	}
	return 0, vm.WriteUser(userRoot(t), args[0], buf)
}
