// Package boot assembles the libos machine: the RAM arena, the frame
// allocator, the interrupt controller and bus probe for the chosen
// architecture, the root job, and the Linux personality environment,
// then loads and runs the root process.
package boot

import (
	"os"
	"time"

	"github.com/google/uuid"

	"zcore-go/config"
	kerrors "zcore-go/errors"
	"zcore-go/executor"
	"zcore-go/hal/bus"
	"zcore-go/hal/irq"
	"zcore-go/hal/mem"
	"zcore-go/hal/paging"
	"zcore-go/hal/scheme"
	"zcore-go/hal/uctx"
	"zcore-go/linux"
	"zcore-go/loader"
	"zcore-go/logging"
	"zcore-go/signal"
	"zcore-go/syscalls"
	"zcore-go/task"
	"zcore-go/vm"
)

// UserBase and UserSize bound the user half of every address space.
const (
	UserBase = 0x20_0000
	UserSize = 0x7fff_0000_0000 - UserBase
)

// System is a booted machine.
type System struct {
	// BootID uniquely identifies this boot for logs and inspection.
	BootID uuid.UUID

	Machine *config.Machine
	Options config.BootOptions

	Arena      *mem.Arena
	Alloc      *mem.FrameAllocator
	Controller irq.Controller
	Devices    []*scheme.Device
	Uart       scheme.Uart
	Stdio      *linux.Stdio

	RootJob *task.Job
	FS      *linux.MemFS
	Kernel  *syscalls.Kernel
	Exec    *executor.Executor
	Timers  *signal.TimerQueue

	arch       uctx.ArchID
	pagingArch paging.Arch
	dispatcher *syscalls.Dispatcher

	// NewContext builds the user context of new threads. The default
	// reports an immediate exit: entering foreign machine code needs
	// the per-arch trampoline, which only the bare-metal builds carry.
	NewContext func() uctx.UserContext
}

// archOf maps the machine arch string onto the HAL identifiers.
func archOf(name string) (uctx.ArchID, paging.Arch, error) {
	switch name {
	case "x86_64":
		return uctx.ArchX86_64, paging.X86_64{}, nil
	case "aarch64":
		return uctx.ArchAArch64, paging.AArch64{}, nil
	case "riscv64":
		return uctx.ArchRiscV64, paging.RiscV64{}, nil
	default:
		return 0, nil, kerrors.Newf(kerrors.StatusNotSupported, "boot", "arch %q", name)
	}
}

// controllerOf picks the platform interrupt controller.
func controllerOf(arch uctx.ArchID) irq.Controller {
	switch arch {
	case uctx.ArchX86_64:
		return irq.NewAPIC()
	case uctx.ArchAArch64:
		return irq.NewGICv2()
	default:
		return irq.NewPLIC()
	}
}

// uartIRQOf is the UART line of the board model per controller.
func uartIRQOf(arch uctx.ArchID) uint32 {
	switch arch {
	case uctx.ArchX86_64:
		return 4 // COM1 GSI
	case uctx.ArchAArch64:
		return 33 // first SPI after the timer
	default:
		return 10 // qemu virt
	}
}

// NewSystem boots a machine from its description.
func NewSystem(machine *config.Machine) (*System, error) {
	if err := machine.Validate(); err != nil {
		return nil, err
	}
	arch, pagingArch, err := archOf(machine.Arch)
	if err != nil {
		return nil, err
	}
	opts := config.ParseCmdline(machine.Cmdline)

	arena, err := mem.NewArena(mem.DefaultArenaBase, machine.MemoryMiB<<20)
	if err != nil {
		return nil, err
	}
	alloc := mem.NewFrameAllocator(arena)

	sys := &System{
		BootID:     uuid.New(),
		Machine:    machine,
		Options:    opts,
		Arena:      arena,
		Alloc:      alloc,
		Controller: controllerOf(arch),
		RootJob:    task.NewRootJob(),
		FS:         linux.NewMemFS(),
		Exec:       executor.New(),
		Timers:     signal.NewTimerQueue(nil),
		arch:       arch,
		pagingArch: pagingArch,
	}
	sys.NewContext = func() uctx.UserContext {
		return &exitContext{}
	}
	logging.SetBootID(sys.BootID.String())

	if err := sys.probeDevices(); err != nil {
		return nil, err
	}
	if err := sys.mountBootFS(); err != nil {
		return nil, err
	}

	sys.Kernel = &syscalls.Kernel{
		Arch:       arch,
		Alloc:      alloc,
		Timers:     sys.Timers,
		Irq:        sys.Controller,
		RootJob:    sys.RootJob,
		FS:         sys.FS,
		Exec:       sys.Exec,
		NewContext:      func() uctx.UserContext { return sys.NewContext() },
		NewAddressSpace: sys.NewAddressSpace,
	}
	sys.dispatcher = syscalls.NewDispatcher(sys.Kernel, syscalls.PersonalityLinux)
	sys.Timers.Run()

	logging.Info("machine booted",
		"arch", machine.Arch,
		"memory_mib", machine.MemoryMiB,
		"devices", len(sys.Devices),
		"controller", sys.Controller.Name())
	return sys, nil
}

// probeDevices walks the board's device tree through the driver
// registry and donates the discovered RAM to the frame allocator.
func (s *System) probeDevices() error {
	registry := bus.NewRegistry()

	if err := registry.Register("*interrupt-controller*", func(n *bus.Node) (*scheme.Device, error) {
		return &scheme.Device{Kind: scheme.KindIrq, Irq: s.Controller}, nil
	}); err != nil {
		return err
	}

	if err := registry.Register("ns16550*", func(n *bus.Node) (*scheme.Device, error) {
		uart, err := scheme.NewStdioUart()
		if err != nil {
			return nil, kerrors.Wrap(err, kerrors.StatusIONotPresent, "uart_probe")
		}
		s.Uart = uart
		s.Stdio = linux.NewStdio(uart)
		line := uartIRQOf(s.arch)
		uart.SetOnRecv(func() { s.Controller.HandleIRQ(line) })
		return &scheme.Device{
			Kind:    scheme.KindUart,
			Uart:    uart,
			Handler: s.Stdio.NotifyInput,
		}, nil
	}); err != nil {
		return err
	}

	if err := registry.Register("virtio,mmio*", func(n *bus.Node) (*scheme.Device, error) {
		if s.Machine.BlockImage == "" {
			return nil, kerrors.New(kerrors.StatusNotSupported, "virtio_probe", "no block image configured")
		}
		image, err := os.ReadFile(s.Machine.BlockImage)
		if err != nil {
			return nil, kerrors.Wrap(err, kerrors.StatusIONotPresent, "virtio_probe")
		}
		blocks := (uint64(len(image)) + scheme.BlockSize - 1) / scheme.BlockSize
		dev := scheme.NewMemBlock(blocks)
		buf := make([]byte, scheme.BlockSize)
		for id := uint64(0); id < blocks; id++ {
			clear(buf)
			copy(buf, image[id*scheme.BlockSize:])
			if err := dev.WriteBlock(id, buf); err != nil {
				return nil, err
			}
		}
		return &scheme.Device{Kind: scheme.KindBlock, Block: dev, Handler: func() {}}, nil
	}); err != nil {
		return err
	}

	res, err := registry.ProbeTree(s.boardTree())
	if err != nil {
		return err
	}
	s.Devices = res.Devices

	for _, r := range res.MemoryRanges {
		// The board describes RAM at the arena base; donate what fits.
		if err := s.Alloc.Insert(mem.PhysAddr(r.Addr), r.Size); err != nil {
			logging.Warn("memory range rejected", "addr", r.Addr, "size", r.Size, "error", err)
		}
	}

	if s.Machine.PCISupport || s.Options.PCISupport {
		// The host machine model has no config-space ports; an empty
		// mock space keeps the walk exercised without hardware.
		pci := bus.EnumeratePCI(bus.NewMockConfigSpace())
		logging.Info("pci walk complete", "functions", len(pci))
	}
	return nil
}

// mountBootFS populates the root filesystem and device nodes.
func (s *System) mountBootFS() error {
	for _, dir := range []string{"/bin", "/etc", "/tmp", "/dev", "/proc"} {
		if err := s.FS.Mkdir(dir); err != nil {
			return err
		}
	}
	if err := s.FS.RegisterDevice("/dev/null", linux.NewDevNull); err != nil {
		return err
	}
	if err := s.FS.RegisterDevice("/dev/zero", linux.NewDevZero); err != nil {
		return err
	}
	seed := uint64(time.Now().UnixNano())
	if err := s.FS.RegisterDevice("/dev/urandom", func() linux.File {
		return linux.NewDevRandom(seed)
	}); err != nil {
		return err
	}
	if s.Stdio != nil {
		if err := s.FS.RegisterDevice("/dev/tty", func() linux.File { return s.Stdio }); err != nil {
			return err
		}
	}
	return s.FS.WriteFile("/etc/hostname", []byte("zcore\n"))
}

// NewAddressSpace creates a fresh user region over its own page table.
func (s *System) NewAddressSpace() (*vm.VMAR, error) {
	pt, err := paging.New(s.pagingArch, s.Alloc)
	if err != nil {
		return nil, err
	}
	return vm.NewRootVMAR(pt, UserBase, UserSize), nil
}

// RunProgram loads path from the personality filesystem into a new
// process under a fresh job and drives it to completion, returning the
// exit code.
func (s *System) RunProgram(path string, argv, envs []string) (int, error) {
	image, err := s.FS.ReadFile(path)
	if err != nil {
		return 0, err
	}

	job, err := s.RootJob.CreateChild()
	if err != nil {
		return 0, err
	}
	root, err := s.NewAddressSpace()
	if err != nil {
		return 0, err
	}
	proc, err := task.NewProcess(job, argv0Name(argv, path), root)
	if err != nil {
		return 0, err
	}
	ext := linux.NewProcExt(proc, s.FS)
	ext.SetExecPath(path)
	if err := job.SetCritical(proc, false); err != nil {
		return 0, err
	}

	if s.Stdio != nil {
		for fd := 0; fd <= 2; fd++ {
			if err := ext.FDs().InstallAt(fd, s.Stdio, false); err != nil {
				return 0, err
			}
		}
	}

	img, err := loader.Load(image, root, s.Alloc, loader.Options{
		Argv: argv,
		Envs: envs,
	})
	if err != nil {
		return 0, err
	}
	logging.WithProcess(logging.Default(), proc.Name(), uint64(proc.ID())).Info(
		"root process loaded",
		"path", path, "entry", img.Entry, "sp", img.SP, "base", img.Base)

	thread, err := proc.CreateThread("main", s.NewContext())
	if err != nil {
		return 0, err
	}
	runner := s.dispatcher.Runner(s.Exec)
	if err := proc.Start(thread, img.Entry, img.SP, nil, 0, runner); err != nil {
		return 0, err
	}

	code := proc.WaitExit()
	return int(code), nil
}

func argv0Name(argv []string, path string) string {
	if len(argv) > 0 {
		return argv[0]
	}
	return path
}

// Shutdown releases the host resources of the machine.
func (s *System) Shutdown() {
	s.Timers.Stop()
	if u, ok := s.Uart.(*scheme.StdioUart); ok {
		u.Restore()
	}
	_ = s.Arena.Close()
}

// exitContext is the default user context of the host build: entering
// user mode reports an immediate exit, because running foreign machine
// code in-process needs the per-arch trampoline of the bare-metal
// builds. Boot, probe, load, start, and teardown still run end to end.
type exitContext struct {
	regs uctx.GeneralRegs
}

// Regs implements uctx.UserContext.
func (c *exitContext) Regs() *uctx.GeneralRegs { return &c.regs }

// Enter implements uctx.UserContext.
func (c *exitContext) Enter(uint64) uctx.Trap {
	return uctx.Trap{Kind: uctx.TrapExit}
}

// boardTree builds the device-tree the probe walks: the libos
// equivalent of the DTB firmware passes on real boards.
func (s *System) boardTree() *bus.Node {
	root := &bus.Node{Name: "", Props: map[string][]byte{
		"#address-cells": {0, 0, 0, 2},
		"#size-cells":    {0, 0, 0, 2},
	}}

	memNode := &bus.Node{
		Name: "memory@80000000",
		Props: map[string][]byte{
			"device_type": append([]byte("memory"), 0),
			"reg": regBytes(uint64(mem.DefaultArenaBase), s.Machine.MemoryMiB<<20),
		},
		Parent: root,
	}

	intc := &bus.Node{
		Name: "interrupt-controller@c000000",
		Props: map[string][]byte{
			"compatible":           append([]byte(s.Controller.Name()+"-interrupt-controller"), 0),
			"interrupt-controller": {},
			"#interrupt-cells":     {0, 0, 0, 1},
			"phandle":              {0, 0, 0, 1},
		},
		Parent: root,
	}

	uart := &bus.Node{
		Name: "uart@10000000",
		Props: map[string][]byte{
			"compatible":       append([]byte("ns16550a"), 0),
			"interrupts":       u32Bytes(uartIRQOf(s.arch)),
			"interrupt-parent": {0, 0, 0, 1},
		},
		Parent: root,
	}

	virtio := &bus.Node{
		Name: "virtio_mmio@10001000",
		Props: map[string][]byte{
			"compatible":       append([]byte("virtio,mmio"), 0),
			"interrupts":       u32Bytes(1),
			"interrupt-parent": {0, 0, 0, 1},
		},
		Parent: root,
	}

	root.Children = []*bus.Node{memNode, intc, uart, virtio}
	return root
}

func u32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func regBytes(addr, size uint64) []byte {
	out := make([]byte, 0, 16)
	for _, v := range []uint64{addr, size} {
		out = append(out,
			byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return out
}
