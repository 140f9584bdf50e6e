package linux

import (
	"encoding/binary"

	kerrors "zcore-go/errors"
	"zcore-go/hal/uctx"
	"zcore-go/task"
	"zcore-go/vm"
)

// Signal-frame geometry. The authoritative interrupted context lives in
// the thread's kernel-side save slot; the user frame carries the
// siginfo and a ucontext stub for handlers that inspect them.
const (
	siginfoSize  = 128
	ucontextSize = 128
	redZone      = 128
)

// DeliverPendingSignal runs on the return-to-user edge: when the
// thread has an unmasked pending signal with a user handler, the
// current context is saved, a frame is built on the user stack, and
// the PC is redirected to the handler with the return address set to
// the restorer. Reports whether a handler was entered.
func DeliverPendingSignal(t *task.Thread, conv uctx.Convention) (bool, error) {
	ext := ExtOf(t.Process())
	if ext == nil {
		return false, nil
	}
	sig := t.TakePendingSignal()
	if sig == 0 {
		return false, nil
	}
	action := ext.Action(sig)
	switch action.Handler {
	case SigIgn:
		return false, nil
	case SigDfl:
		if defaultTerminates(sig) {
			ext.Process().Exit(int64(128 + int(sig)))
		}
		return false, nil
	}

	regs := t.Context().Regs()
	if err := t.SaveSignalContext(*regs); err != nil {
		// A handler is already active; the signal stays pending for
		// delivery after sigreturn.
		t.RaiseSignal(sig)
		return false, nil
	}

	// Handler mask: block the action's mask plus the signal itself.
	t.SetSigMask(t.SigMask() | action.Mask | 1<<(sig-1))

	root := t.Process().VMAR()
	sp := regs.R[conv.SPReg] - redZone

	// ucontext stub, then siginfo, both 16-aligned.
	sp = (sp - ucontextSize) &^ 15
	ucontextAddr := sp
	ucontext := make([]byte, ucontextSize)
	binary.LittleEndian.PutUint64(ucontext[0:], regs.PC)
	binary.LittleEndian.PutUint64(ucontext[8:], regs.R[conv.SPReg])
	if err := vm.WriteUser(root, ucontextAddr, ucontext); err != nil {
		return false, kerrors.Wrap(err, kerrors.StatusInternal, "signal_deliver")
	}

	sp = (sp - siginfoSize) &^ 15
	siginfoAddr := sp
	siginfo := make([]byte, siginfoSize)
	binary.LittleEndian.PutUint32(siginfo[0:], uint32(sig)) // si_signo
	if err := vm.WriteUser(root, siginfoAddr, siginfo); err != nil {
		return false, kerrors.Wrap(err, kerrors.StatusInternal, "signal_deliver")
	}

	// handler(sig, &siginfo, &ucontext), returning to the restorer.
	regs.PC = action.Handler
	regs.R[conv.SPReg] = sp
	regs.R[conv.ArgRegs[0]] = uint64(sig)
	regs.R[conv.ArgRegs[1]] = siginfoAddr
	regs.R[conv.ArgRegs[2]] = ucontextAddr
	if err := setReturnAddress(conv, regs, root, action.Restorer); err != nil {
		return false, err
	}
	return true, nil
}

// setReturnAddress arranges for the handler's return to reach the
// restorer trampoline: a pushed word on x86, the link register on
// aarch64 and riscv64.
func setReturnAddress(conv uctx.Convention, regs *uctx.GeneralRegs, root *vm.VMAR, restorer uint64) error {
	switch conv.Arch {
	case uctx.ArchX86_64:
		regs.R[conv.SPReg] -= 8
		return vm.WriteUserU64(root, regs.R[conv.SPReg], restorer)
	case uctx.ArchAArch64:
		regs.R[uctx.ARMX30] = restorer
	case uctx.ArchRiscV64:
		regs.R[uctx.RVRa] = restorer
	}
	return nil
}

// Sigreturn restores the context saved at delivery; it does not return
// to the handler. The syscall does not produce a normal result: the
// restored registers already carry the interrupted computation.
func Sigreturn(t *task.Thread) error {
	saved, err := t.RestoreSignalContext()
	if err != nil {
		return err
	}
	*t.Context().Regs() = saved
	return nil
}
