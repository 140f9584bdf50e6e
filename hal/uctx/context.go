// Package uctx defines the user-mode entry contract of the HAL. The
// trap-frame layout of real hardware is opaque to the core: a
// UserContext carries a uniform register bank plus the per-architecture
// calling conventions needed to decode syscalls from it.
package uctx

import (
	"fmt"
)

// ArchID names the register convention in effect.
type ArchID uint8

const (
	// ArchX86_64 is the x86-64 syscall convention.
	ArchX86_64 ArchID = iota
	// ArchAArch64 is the aarch64 svc convention.
	ArchAArch64
	// ArchRiscV64 is the riscv64 ecall convention.
	ArchRiscV64
)

// String returns the architecture name.
func (a ArchID) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchAArch64:
		return "aarch64"
	case ArchRiscV64:
		return "riscv64"
	default:
		return fmt.Sprintf("arch(%d)", uint8(a))
	}
}

// Register indices into GeneralRegs.R for x86-64.
const (
	X86RAX = 0
	X86RCX = 1
	X86RDX = 2
	X86RBX = 3
	X86RSP = 4
	X86RBP = 5
	X86RSI = 6
	X86RDI = 7
	X86R8  = 8
	X86R9  = 9
	X86R10 = 10
)

// Register indices for riscv64.
const (
	RVRa = 1
	RVSp = 2
	RVA0 = 10
	RVA1 = 11
	RVA7 = 17
)

// Register indices for aarch64: X0..X30 are 0..30, SP is index 31.
const (
	ARMX0  = 0
	ARMX8  = 8
	ARMX30 = 30
	ARMSP  = 31
)

// GeneralRegs is the uniform register bank shared by the three
// conventions. PC is kept separately from the numbered registers.
type GeneralRegs struct {
	R  [32]uint64
	PC uint64
}

// Convention describes how syscalls are encoded in registers.
type Convention struct {
	// Arch identifies the convention.
	Arch ArchID
	// NumReg holds the syscall number.
	NumReg int
	// ArgRegs hold the six arguments in order.
	ArgRegs [6]int
	// RetReg receives the result.
	RetReg int
	// SPReg is the stack pointer register index.
	SPReg int
	// PCAdvance is the syscall instruction length.
	PCAdvance uint64
}

var conventions = map[ArchID]Convention{
	ArchX86_64: {
		Arch:      ArchX86_64,
		NumReg:    X86RAX,
		ArgRegs:   [6]int{X86RDI, X86RSI, X86RDX, X86R10, X86R8, X86R9},
		RetReg:    X86RAX,
		SPReg:     X86RSP,
		PCAdvance: 2, // syscall
	},
	ArchAArch64: {
		Arch:      ArchAArch64,
		NumReg:    ARMX8,
		ArgRegs:   [6]int{0, 1, 2, 3, 4, 5},
		RetReg:    ARMX0,
		SPReg:     ARMSP,
		PCAdvance: 4, // svc #0
	},
	ArchRiscV64: {
		Arch:      ArchRiscV64,
		NumReg:    RVA7,
		ArgRegs:   [6]int{RVA0, RVA1, 12, 13, 14, 15},
		RetReg:    RVA0,
		SPReg:     RVSp,
		PCAdvance: 4, // ecall
	},
}

// ConventionFor returns the syscall convention of arch.
func ConventionFor(arch ArchID) Convention {
	return conventions[arch]
}

// SyscallNum reads the syscall number from regs.
func (c Convention) SyscallNum(regs *GeneralRegs) uint64 {
	return regs.R[c.NumReg]
}

// SyscallArgs reads the six syscall arguments from regs.
func (c Convention) SyscallArgs(regs *GeneralRegs) [6]uint64 {
	var args [6]uint64
	for i, r := range c.ArgRegs {
		args[i] = regs.R[r]
	}
	return args
}

// SetReturn writes the syscall result to regs.
func (c Convention) SetReturn(regs *GeneralRegs, val uint64) {
	regs.R[c.RetReg] = val
}

// AdvancePC steps the program counter past the syscall instruction.
func (c Convention) AdvancePC(regs *GeneralRegs) {
	regs.PC += c.PCAdvance
}

// TrapKind classifies a kernel entry.
type TrapKind uint8

const (
	// TrapSyscall is a system call.
	TrapSyscall TrapKind = iota
	// TrapPageFault is a memory access fault.
	TrapPageFault
	// TrapInterrupt is an external interrupt.
	TrapInterrupt
	// TrapExit reports that the context will not run again (the libos
	// equivalent of the thread leaving user mode for good).
	TrapExit
	// TrapOther is any other exception.
	TrapOther
)

// String returns the trap kind name.
func (k TrapKind) String() string {
	switch k {
	case TrapSyscall:
		return "syscall"
	case TrapPageFault:
		return "page-fault"
	case TrapInterrupt:
		return "interrupt"
	case TrapExit:
		return "exit"
	default:
		return "other"
	}
}

// AccessFlags describe the faulting access of a page fault.
type AccessFlags uint8

const (
	// AccessRead is a data read.
	AccessRead AccessFlags = 1 << 0
	// AccessWrite is a data write.
	AccessWrite AccessFlags = 1 << 1
	// AccessExecute is an instruction fetch.
	AccessExecute AccessFlags = 1 << 2
)

// Trap is one kernel entry from user mode.
type Trap struct {
	Kind TrapKind
	// FaultVaddr and FaultAccess are set for page faults.
	FaultVaddr  uint64
	FaultAccess AccessFlags
	// Vector is set for interrupts.
	Vector uint32
}

// UserContext runs a thread in user mode until the next kernel entry.
// Real implementations context-switch to a hardware trap frame; the
// libos uses a scripted or emulated context.
type UserContext interface {
	// Regs exposes the register bank for the syscall layer.
	Regs() *GeneralRegs
	// Enter resumes user mode with the given translation root active
	// and returns the next trap. root is the physical address of the
	// page-table root from the owning process's address space.
	Enter(root uint64) Trap
}

// ScriptedContext replays a fixed trap sequence, mutating registers
// before each entry. It is the UserContext of the test harness.
type ScriptedContext struct {
	regs  GeneralRegs
	steps []ScriptStep
	// Roots records the translation root of every Enter call.
	Roots []uint64
}

// ScriptStep is one scripted kernel entry.
type ScriptStep struct {
	// Setup mutates registers before the trap is delivered (e.g. to
	// load a syscall number and arguments).
	Setup func(*GeneralRegs)
	// Trap is the kernel entry to deliver.
	Trap Trap
}

// NewScriptedContext creates a context that replays steps and then
// reports TrapExit forever.
func NewScriptedContext(steps ...ScriptStep) *ScriptedContext {
	return &ScriptedContext{steps: steps}
}

// Regs implements UserContext.
func (s *ScriptedContext) Regs() *GeneralRegs { return &s.regs }

// Enter implements UserContext.
func (s *ScriptedContext) Enter(root uint64) Trap {
	s.Roots = append(s.Roots, root)
	if len(s.steps) == 0 {
		return Trap{Kind: TrapExit}
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.Setup != nil {
		step.Setup(&s.regs)
	}
	return step.Trap
}
