package syscalls

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/hal/mem"
	"zcore-go/hal/paging"
	"zcore-go/ipc"
	"zcore-go/object"
	"zcore-go/signal"
	"zcore-go/task"
	"zcore-go/vm"
)

// Zircon syscall numbers, stable by contract with the vDSO.
const (
	ZxHandleClose     = 1
	ZxHandleDuplicate = 2
	ZxHandleReplace   = 3

	ZxObjectWaitOne     = 10
	ZxObjectSignal      = 11
	ZxObjectSignalPeer  = 12
	ZxObjectGetProperty = 13
	ZxObjectSetProperty = 14

	ZxChannelCreate = 20
	ZxChannelRead   = 21
	ZxChannelWrite  = 22
	ZxChannelCall   = 23

	ZxPortCreate = 30
	ZxPortQueue  = 31
	ZxPortWait   = 32
	ZxPortCancel = 33

	ZxFutexWait    = 40
	ZxFutexWake    = 41
	ZxFutexRequeue = 42

	ZxVmoCreate  = 50
	ZxVmoRead    = 51
	ZxVmoWrite   = 52
	ZxVmoGetSize = 53
	ZxVmoSetSize = 54

	ZxVmarAllocate = 60
	ZxVmarMap      = 61
	ZxVmarUnmap    = 62
	ZxVmarDestroy  = 63

	ZxTimerCreate = 70
	ZxTimerSet    = 71
	ZxTimerCancel = 72

	ZxStreamCreate = 80
	ZxStreamReadV  = 81
	ZxStreamWriteV = 82
	ZxStreamSeek   = 83

	ZxThreadExit  = 90
	ZxProcessExit = 91
	ZxNanosleep   = 92
	ZxYield       = 93

	ZxObjectWaitMany = 15
	ZxProcessCreate  = 94
	ZxThreadCreate   = 95
	ZxProcessStart   = 96
)

// VM permission bits of the map syscalls.
const (
	zxVmPermRead    = 1 << 0
	zxVmPermWrite   = 1 << 1
	zxVmPermExecute = 1 << 2
)

// Property ids of get/set-property.
const zxPropName = 3

// Port packets cross the user boundary as 48 bytes: key, type,
// status, then the payload union.
const zxPacketSize = 48

// zirconFutexes keys process-wide futexes by (process, vaddr) for the
// Zircon personality; the Linux personality keeps its own registry on
// the process extension.
type zirconFutexes struct {
	mu  sync.Mutex
	all map[object.KoID]map[uint64]*signal.Futex
}

var zxFutexes = &zirconFutexes{all: make(map[object.KoID]map[uint64]*signal.Futex)}

func (z *zirconFutexes) at(proc *task.Process, vaddr uint64) *signal.Futex {
	z.mu.Lock()
	defer z.mu.Unlock()
	perProc, ok := z.all[proc.ID()]
	if !ok {
		perProc = make(map[uint64]*signal.Futex)
		z.all[proc.ID()] = perProc
	}
	f, ok := perProc[vaddr]
	if !ok {
		var word atomic.Int32
		f = signal.NewFutex(&word)
		perProc[vaddr] = f
	}
	return f
}

func (d *Dispatcher) zirconTable() map[uint64]Handler {
	return map[uint64]Handler{
		ZxHandleClose:     d.zxHandleClose,
		ZxHandleDuplicate: d.zxHandleDuplicate,
		ZxHandleReplace:   d.zxHandleReplace,

		ZxObjectWaitOne:     d.zxObjectWaitOne,
		ZxObjectSignal:      d.zxObjectSignal,
		ZxObjectSignalPeer:  d.zxObjectSignalPeer,
		ZxObjectGetProperty: d.zxObjectGetProperty,
		ZxObjectSetProperty: d.zxObjectSetProperty,

		ZxChannelCreate: d.zxChannelCreate,
		ZxChannelRead:   d.zxChannelRead,
		ZxChannelWrite:  d.zxChannelWrite,
		ZxChannelCall:   d.zxChannelCall,

		ZxPortCreate: d.zxPortCreate,
		ZxPortQueue:  d.zxPortQueue,
		ZxPortWait:   d.zxPortWait,
		ZxPortCancel: d.zxPortCancel,

		ZxFutexWait:    d.zxFutexWait,
		ZxFutexWake:    d.zxFutexWake,
		ZxFutexRequeue: d.zxFutexRequeue,

		ZxVmoCreate:  d.zxVmoCreate,
		ZxVmoRead:    d.zxVmoRead,
		ZxVmoWrite:   d.zxVmoWrite,
		ZxVmoGetSize: d.zxVmoGetSize,
		ZxVmoSetSize: d.zxVmoSetSize,

		ZxVmarAllocate: d.zxVmarAllocate,
		ZxVmarMap:      d.zxVmarMap,
		ZxVmarUnmap:    d.zxVmarUnmap,
		ZxVmarDestroy:  d.zxVmarDestroy,

		ZxTimerCreate: d.zxTimerCreate,
		ZxTimerSet:    d.zxTimerSet,
		ZxTimerCancel: d.zxTimerCancel,

		ZxStreamCreate: d.zxStreamCreate,
		ZxStreamReadV:  d.zxStreamReadV,
		ZxStreamWriteV: d.zxStreamWriteV,
		ZxStreamSeek:   d.zxStreamSeek,

		ZxThreadExit:  d.zxThreadExit,
		ZxProcessExit: d.zxProcessExit,
		ZxNanosleep:   d.zxNanosleep,
		ZxYield:       d.zxYield,

		ZxObjectWaitMany: d.zxObjectWaitMany,
		ZxProcessCreate:  d.zxProcessCreate,
		ZxThreadCreate:   d.zxThreadCreate,
		ZxProcessStart:   d.zxProcessStart,
	}
}

func userRoot(t *task.Thread) *vm.VMAR { return t.Process().VMAR() }

func writeUserHandle(t *task.Thread, vaddr uint64, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return vm.WriteUser(userRoot(t), vaddr, b[:])
}

// Handle operations.

func (d *Dispatcher) zxHandleClose(t *task.Thread, args [6]uint64) (uint64, error) {
	h, err := t.Process().Handles().Remove(uint32(args[0]))
	if err != nil {
		return 0, err
	}
	// Dropping the last handle in this process destroys objects with
	// teardown behavior (channel endpoints, ports, interrupts).
	if !t.Process().Handles().HasObject(h.Object) {
		if closer, ok := h.Object.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	return 0, nil
}

func (d *Dispatcher) zxHandleDuplicate(t *task.Thread, args [6]uint64) (uint64, error) {
	rights, err := object.RightsFromRaw(uint32(args[1]))
	if err != nil {
		return 0, err
	}
	dup, err := t.Process().Handles().Duplicate(uint32(args[0]), rights)
	if err != nil {
		return 0, err
	}
	return 0, writeUserHandle(t, args[2], dup)
}

func (d *Dispatcher) zxHandleReplace(t *task.Thread, args [6]uint64) (uint64, error) {
	rights, err := object.RightsFromRaw(uint32(args[1]))
	if err != nil {
		return 0, err
	}
	replaced, err := t.Process().Handles().Replace(uint32(args[0]), rights)
	if err != nil {
		return 0, err
	}
	return 0, writeUserHandle(t, args[2], replaced)
}

// Object operations.

func (d *Dispatcher) zxObjectWaitOne(t *task.Thread, args [6]uint64) (uint64, error) {
	obj, err := t.Process().Handles().GetWithRights(uint32(args[0]), object.RightWait)
	if err != nil {
		return 0, err
	}
	observed, err := object.WaitSignal(obj, object.Signal(args[1]), d.kernel.deadlineFrom(args[2]))
	if err != nil {
		return 0, err
	}
	if args[3] != 0 {
		return 0, writeUserHandle(t, args[3], uint32(observed))
	}
	return 0, nil
}

func (d *Dispatcher) zxObjectSignal(t *task.Thread, args [6]uint64) (uint64, error) {
	obj, err := t.Process().Handles().GetWithRights(uint32(args[0]), object.RightSignal)
	if err != nil {
		return 0, err
	}
	clear, set := object.Signal(args[1]), object.Signal(args[2])
	if (clear|set)&^object.UserSignals != 0 {
		return 0, kerrors.New(kerrors.StatusInvalidArgs, "object_signal", "only user signals may be set")
	}
	obj.SignalChange(clear, set)
	return 0, nil
}

func (d *Dispatcher) zxObjectSignalPeer(t *task.Thread, args [6]uint64) (uint64, error) {
	obj, err := t.Process().Handles().GetWithRights(uint32(args[0]), object.RightSignalPeer)
	if err != nil {
		return 0, err
	}
	peer, err := obj.Peer()
	if err != nil {
		return 0, err
	}
	clear, set := object.Signal(args[1]), object.Signal(args[2])
	if (clear|set)&^object.UserSignals != 0 {
		return 0, kerrors.New(kerrors.StatusInvalidArgs, "object_signal_peer", "only user signals may be set")
	}
	peer.SignalChange(clear, set)
	return 0, nil
}

func (d *Dispatcher) zxObjectGetProperty(t *task.Thread, args [6]uint64) (uint64, error) {
	obj, err := t.Process().Handles().GetWithRights(uint32(args[0]), object.RightGetProperty)
	if err != nil {
		return 0, err
	}
	if args[1] != zxPropName {
		return 0, kerrors.Newf(kerrors.StatusInvalidArgs, "object_get_property", "property %d", args[1])
	}
	if args[3] < object.MaxNameLen+1 {
		return 0, kerrors.ErrBufferTooSmall
	}
	buf := make([]byte, object.MaxNameLen+1)
	copy(buf, obj.Name())
	return 0, vm.WriteUser(userRoot(t), args[2], buf)
}

func (d *Dispatcher) zxObjectSetProperty(t *task.Thread, args [6]uint64) (uint64, error) {
	obj, err := t.Process().Handles().GetWithRights(uint32(args[0]), object.RightSetProperty)
	if err != nil {
		return 0, err
	}
	if args[1] != zxPropName {
		return 0, kerrors.Newf(kerrors.StatusInvalidArgs, "object_set_property", "property %d", args[1])
	}
	name, err := vm.ReadUserCString(userRoot(t), args[2], object.MaxNameLen+1)
	if err != nil {
		return 0, err
	}
	obj.SetName(name)
	return 0, nil
}

// Channel operations.

func (d *Dispatcher) zxChannelCreate(t *task.Thread, args [6]uint64) (uint64, error) {
	if action, ok := t.Process().Job().PolicyAction(task.PolicyNewChannel); ok && action != task.PolicyAllow {
		return 0, kerrors.New(kerrors.StatusAccessDenied, "channel_create", "denied by job policy")
	}
	a, b := ipc.NewPair()
	handles := t.Process().Handles()
	ha := handles.Add(object.NewHandle(a, object.DefaultChannelRights))
	hb := handles.Add(object.NewHandle(b, object.DefaultChannelRights))
	if err := writeUserHandle(t, args[0], ha); err != nil {
		return 0, err
	}
	return 0, writeUserHandle(t, args[1], hb)
}

// readUserHandles pops `count` handle values from the caller's table
// for transfer, checking RightTransfer on each.
func readUserHandles(t *task.Thread, vaddr uint64, count uint64) ([]object.Handle, error) {
	if count == 0 {
		return nil, nil
	}
	if count > 64 {
		return nil, kerrors.New(kerrors.StatusOutOfRange, "channel_write", "too many handles")
	}
	raw := make([]byte, count*4)
	if err := vm.ReadUser(userRoot(t), vaddr, raw); err != nil {
		return nil, err
	}
	table := t.Process().Handles()
	out := make([]object.Handle, 0, count)
	for i := uint64(0); i < count; i++ {
		value := binary.LittleEndian.Uint32(raw[i*4:])
		h, err := table.Get(value)
		if err != nil {
			return nil, err
		}
		if !h.Rights.Contains(object.RightTransfer) {
			return nil, kerrors.New(kerrors.StatusAccessDenied, "channel_write", "handle lacks TRANSFER")
		}
		if _, err := table.Remove(value); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (d *Dispatcher) zxChannelWrite(t *task.Thread, args [6]uint64) (uint64, error) {
	ch, err := object.GetObjectWithRights[*ipc.Channel](t.Process().Handles(), uint32(args[0]), object.RightWrite)
	if err != nil {
		return 0, err
	}
	data := make([]byte, args[2])
	if err := vm.ReadUser(userRoot(t), args[1], data); err != nil {
		return 0, err
	}
	handles, err := readUserHandles(t, args[3], args[4])
	if err != nil {
		return 0, err
	}
	return 0, ch.Write(ipc.MessagePacket{Data: data, Handles: handles})
}

func (d *Dispatcher) zxChannelRead(t *task.Thread, args [6]uint64) (uint64, error) {
	ch, err := object.GetObjectWithRights[*ipc.Channel](t.Process().Handles(), uint32(args[0]), object.RightRead)
	if err != nil {
		return 0, err
	}
	byteCap, handleCap := args[2], args[4]
	msg, err := ch.CheckAndRead(func(m *ipc.MessagePacket) error {
		if uint64(len(m.Data)) > byteCap || uint64(len(m.Handles)) > handleCap {
			return kerrors.ErrBufferTooSmall
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(msg.Data) > 0 {
		if err := vm.WriteUser(userRoot(t), args[1], msg.Data); err != nil {
			return 0, err
		}
	}
	values := t.Process().Handles().AddMany(msg.Handles)
	for i, value := range values {
		if err := writeUserHandle(t, args[3]+uint64(i*4), value); err != nil {
			return 0, err
		}
	}
	if args[5] != 0 {
		var actual [8]byte
		binary.LittleEndian.PutUint32(actual[:], uint32(len(msg.Data)))
		binary.LittleEndian.PutUint32(actual[4:], uint32(len(msg.Handles)))
		if err := vm.WriteUser(userRoot(t), args[5], actual[:]); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func (d *Dispatcher) zxChannelCall(t *task.Thread, args [6]uint64) (uint64, error) {
	ch, err := object.GetObjectWithRights[*ipc.Channel](t.Process().Handles(), uint32(args[0]), object.RightRead|object.RightWrite)
	if err != nil {
		return 0, err
	}
	data := make([]byte, args[2])
	if err := vm.ReadUser(userRoot(t), args[1], data); err != nil {
		return 0, err
	}
	reply, err := ch.Call(ipc.MessagePacket{Data: data}, d.kernel.deadlineFrom(args[3]))
	if err != nil {
		return 0, err
	}
	if uint64(len(reply.Data)) > args[5] {
		return 0, kerrors.ErrBufferTooSmall
	}
	if err := vm.WriteUser(userRoot(t), args[4], reply.Data); err != nil {
		return 0, err
	}
	return uint64(len(reply.Data)), nil
}

// Port operations.

func (d *Dispatcher) zxPortCreate(t *task.Thread, args [6]uint64) (uint64, error) {
	if action, ok := t.Process().Job().PolicyAction(task.PolicyNewPort); ok && action != task.PolicyAllow {
		return 0, kerrors.New(kerrors.StatusAccessDenied, "port_create", "denied by job policy")
	}
	port := signal.NewPort()
	h := t.Process().Handles().Add(object.NewHandle(port, object.DefaultPortRights))
	return 0, writeUserHandle(t, args[0], h)
}

func encodePacket(pkt signal.Packet) []byte {
	buf := make([]byte, zxPacketSize)
	binary.LittleEndian.PutUint64(buf, pkt.Key)
	binary.LittleEndian.PutUint32(buf[8:], uint32(pkt.Type))
	binary.LittleEndian.PutUint32(buf[12:], uint32(pkt.Status))
	switch pkt.Type {
	case signal.PacketTypeInterrupt:
		binary.LittleEndian.PutUint64(buf[16:], uint64(pkt.Interrupt.Timestamp))
	case signal.PacketTypeSignalOne, signal.PacketTypeSignalRep:
		binary.LittleEndian.PutUint32(buf[16:], uint32(pkt.Signal.Trigger))
		binary.LittleEndian.PutUint32(buf[20:], uint32(pkt.Signal.Observed))
		binary.LittleEndian.PutUint64(buf[24:], pkt.Signal.Count)
	default:
		copy(buf[16:], pkt.User[:])
	}
	return buf
}

func decodePacket(buf []byte) signal.Packet {
	pkt := signal.Packet{
		Key:    binary.LittleEndian.Uint64(buf),
		Type:   signal.PacketType(binary.LittleEndian.Uint32(buf[8:])),
		Status: int32(binary.LittleEndian.Uint32(buf[12:])),
	}
	copy(pkt.User[:], buf[16:])
	return pkt
}

func (d *Dispatcher) zxPortQueue(t *task.Thread, args [6]uint64) (uint64, error) {
	port, err := object.GetObjectWithRights[*signal.Port](t.Process().Handles(), uint32(args[0]), object.RightWrite)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, zxPacketSize)
	if err := vm.ReadUser(userRoot(t), args[1], buf); err != nil {
		return 0, err
	}
	pkt := decodePacket(buf)
	pkt.Type = signal.PacketTypeUser // queued packets are always USER
	return 0, port.Push(pkt)
}

func (d *Dispatcher) zxPortWait(t *task.Thread, args [6]uint64) (uint64, error) {
	port, err := object.GetObjectWithRights[*signal.Port](t.Process().Handles(), uint32(args[0]), object.RightRead)
	if err != nil {
		return 0, err
	}
	pkt, err := port.Wait(d.kernel.deadlineFrom(args[1]))
	if err != nil {
		return 0, err
	}
	return 0, vm.WriteUser(userRoot(t), args[2], encodePacket(pkt))
}

func (d *Dispatcher) zxPortCancel(t *task.Thread, args [6]uint64) (uint64, error) {
	port, err := object.GetObjectWithRights[*signal.Port](t.Process().Handles(), uint32(args[0]), object.RightWrite)
	if err != nil {
		return 0, err
	}
	if !port.RemoveByKey(args[1]) {
		return 0, kerrors.Newf(kerrors.StatusNotFound, "port_cancel", "key %d", args[1])
	}
	return 0, nil
}

// Futex operations. The kernel-side word shadows the user word: it is
// refreshed from user memory before the atomic check.

func (d *Dispatcher) syncFutex(t *task.Thread, vaddr uint64) (*signal.Futex, error) {
	val, err := vm.ReadUserU32(userRoot(t), vaddr)
	if err != nil {
		return nil, err
	}
	f := zxFutexes.at(t.Process(), vaddr)
	f.Value().Store(int32(val))
	return f, nil
}

func (d *Dispatcher) zxFutexWait(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := d.syncFutex(t, args[0])
	if err != nil {
		return 0, err
	}
	return 0, f.Wait(int32(uint32(args[1])), d.kernel.deadlineFrom(args[2]), t)
}

func (d *Dispatcher) zxFutexWake(t *task.Thread, args [6]uint64) (uint64, error) {
	f := zxFutexes.at(t.Process(), args[0])
	return uint64(f.Wake(int(args[1]))), nil
}

func (d *Dispatcher) zxFutexRequeue(t *task.Thread, args [6]uint64) (uint64, error) {
	f, err := d.syncFutex(t, args[0])
	if err != nil {
		return 0, err
	}
	if f.Value().Load() != int32(uint32(args[2])) {
		return 0, kerrors.New(kerrors.StatusBadState, "futex_requeue", "word changed")
	}
	target := zxFutexes.at(t.Process(), args[3])
	return 0, f.Requeue(int(args[1]), target, int(args[4]))
}

// VMO operations.

func (d *Dispatcher) zxVmoCreate(t *task.Thread, args [6]uint64) (uint64, error) {
	if action, ok := t.Process().Job().PolicyAction(task.PolicyNewVMO); ok && action != task.PolicyAllow {
		return 0, kerrors.New(kerrors.StatusAccessDenied, "vmo_create", "denied by job policy")
	}
	size := mem.PageRoundUp(args[0])
	vmo := vm.NewPaged(d.kernel.Alloc, size/mem.PageSize)
	h := t.Process().Handles().Add(object.NewHandle(vmo, object.DefaultVMORights))
	return 0, writeUserHandle(t, args[1], h)
}

func (d *Dispatcher) zxVmoRead(t *task.Thread, args [6]uint64) (uint64, error) {
	vmo, err := object.GetObjectWithRights[vm.VMO](t.Process().Handles(), uint32(args[0]), object.RightRead)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, args[3])
	if err := vmo.Read(args[2], buf); err != nil {
		return 0, err
	}
	return 0, vm.WriteUser(userRoot(t), args[1], buf)
}

func (d *Dispatcher) zxVmoWrite(t *task.Thread, args [6]uint64) (uint64, error) {
	vmo, err := object.GetObjectWithRights[vm.VMO](t.Process().Handles(), uint32(args[0]), object.RightWrite)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, args[3])
	if err := vm.ReadUser(userRoot(t), args[1], buf); err != nil {
		return 0, err
	}
	return 0, vmo.Write(args[2], buf)
}

func (d *Dispatcher) zxVmoGetSize(t *task.Thread, args [6]uint64) (uint64, error) {
	vmo, err := object.GetObjectWithRights[vm.VMO](t.Process().Handles(), uint32(args[0]), 0)
	if err != nil {
		return 0, err
	}
	return 0, vm.WriteUserU64(userRoot(t), args[1], vmo.Len())
}

func (d *Dispatcher) zxVmoSetSize(t *task.Thread, args [6]uint64) (uint64, error) {
	vmo, err := object.GetObjectWithRights[vm.VMO](t.Process().Handles(), uint32(args[0]), object.RightWrite)
	if err != nil {
		return 0, err
	}
	return 0, vmo.SetLen(mem.PageRoundUp(args[1]))
}

// VMAR operations. Handle value 0 addresses the process root region.

func (d *Dispatcher) vmarFor(t *task.Thread, handle uint32) (*vm.VMAR, error) {
	if handle == object.InvalidHandle {
		return t.Process().VMAR(), nil
	}
	return object.GetObjectWithRights[*vm.VMAR](t.Process().Handles(), handle, 0)
}

func vmFlagsOf(perm uint64) (paging.MMUFlags, error) {
	if perm&^uint64(zxVmPermRead|zxVmPermWrite|zxVmPermExecute) != 0 {
		return 0, kerrors.Newf(kerrors.StatusInvalidArgs, "vmar_map", "permission bits %#x", perm)
	}
	flags := paging.FlagUser
	if perm&zxVmPermRead != 0 {
		flags |= paging.FlagRead
	}
	if perm&zxVmPermWrite != 0 {
		flags |= paging.FlagWrite
	}
	if perm&zxVmPermExecute != 0 {
		flags |= paging.FlagExecute
	}
	return flags, nil
}

func (d *Dispatcher) zxVmarAllocate(t *task.Thread, args [6]uint64) (uint64, error) {
	parent, err := d.vmarFor(t, uint32(args[0]))
	if err != nil {
		return 0, err
	}
	child, err := parent.Allocate(nil, args[1])
	if err != nil {
		return 0, err
	}
	h := t.Process().Handles().Add(object.NewHandle(child, object.DefaultVMARRights))
	if err := writeUserHandle(t, args[2], h); err != nil {
		return 0, err
	}
	return 0, vm.WriteUserU64(userRoot(t), args[3], child.Addr())
}

func (d *Dispatcher) zxVmarMap(t *task.Thread, args [6]uint64) (uint64, error) {
	region, err := d.vmarFor(t, uint32(args[0]))
	if err != nil {
		return 0, err
	}
	required := object.RightMap
	flags, err := vmFlagsOf(args[4])
	if err != nil {
		return 0, err
	}
	if flags&paging.FlagRead != 0 {
		required |= object.RightRead
	}
	if flags&paging.FlagWrite != 0 {
		required |= object.RightWrite
	}
	if flags&paging.FlagExecute != 0 {
		required |= object.RightExecute
	}
	vmo, err := object.GetObjectWithRights[vm.VMO](t.Process().Handles(), uint32(args[1]), required)
	if err != nil {
		return 0, err
	}
	if flags&paging.FlagWrite != 0 && flags&paging.FlagExecute != 0 {
		if action, ok := t.Process().Job().PolicyAction(task.PolicyVmarWx); ok && action != task.PolicyAllow {
			return 0, kerrors.New(kerrors.StatusAccessDenied, "vmar_map", "write-execute denied by job policy")
		}
	}
	vaddr, err := region.Map(nil, vmo, args[2], args[3], flags)
	if err != nil {
		return 0, err
	}
	return 0, vm.WriteUserU64(userRoot(t), args[5], vaddr)
}

func (d *Dispatcher) zxVmarUnmap(t *task.Thread, args [6]uint64) (uint64, error) {
	region, err := d.vmarFor(t, uint32(args[0]))
	if err != nil {
		return 0, err
	}
	return 0, region.Unmap(args[1], args[2])
}

func (d *Dispatcher) zxVmarDestroy(t *task.Thread, args [6]uint64) (uint64, error) {
	region, err := object.GetObjectWithRights[*vm.VMAR](t.Process().Handles(), uint32(args[0]), 0)
	if err != nil {
		return 0, err
	}
	return 0, region.Destroy()
}

// Timer operations.

func (d *Dispatcher) zxTimerCreate(t *task.Thread, args [6]uint64) (uint64, error) {
	if action, ok := t.Process().Job().PolicyAction(task.PolicyNewTimer); ok && action != task.PolicyAllow {
		return 0, kerrors.New(kerrors.StatusAccessDenied, "timer_create", "denied by job policy")
	}
	timer := signal.NewTimer(d.kernel.Timers, signal.Slack(args[0]))
	h := t.Process().Handles().Add(object.NewHandle(timer, object.DefaultTimerRights))
	return 0, writeUserHandle(t, args[1], h)
}

func (d *Dispatcher) zxTimerSet(t *task.Thread, args [6]uint64) (uint64, error) {
	timer, err := object.GetObjectWithRights[*signal.Timer](t.Process().Handles(), uint32(args[0]), object.RightWrite)
	if err != nil {
		return 0, err
	}
	timer.Set(time.Unix(0, int64(args[1])))
	return 0, nil
}

func (d *Dispatcher) zxTimerCancel(t *task.Thread, args [6]uint64) (uint64, error) {
	timer, err := object.GetObjectWithRights[*signal.Timer](t.Process().Handles(), uint32(args[0]), object.RightWrite)
	if err != nil {
		return 0, err
	}
	return 0, timer.Cancel()
}

// Stream operations.

func (d *Dispatcher) zxStreamCreate(t *task.Thread, args [6]uint64) (uint64, error) {
	vmo, err := object.GetObjectWithRights[vm.VMO](t.Process().Handles(), uint32(args[1]), 0)
	if err != nil {
		return 0, err
	}
	stream := vm.NewStream(vmo, args[2], uint32(args[0]))
	h := t.Process().Handles().Add(object.NewHandle(stream, object.DefaultStreamRights))
	return 0, writeUserHandle(t, args[3], h)
}

// iovec is 16 bytes: base pointer then length.
func readIovecs(t *task.Thread, vecPtr, count uint64) ([][2]uint64, error) {
	if count > 1024 {
		return nil, kerrors.New(kerrors.StatusOutOfRange, "readv", "iovec count")
	}
	raw := make([]byte, count*16)
	if err := vm.ReadUser(userRoot(t), vecPtr, raw); err != nil {
		return nil, err
	}
	out := make([][2]uint64, count)
	for i := range out {
		out[i][0] = binary.LittleEndian.Uint64(raw[i*16:])
		out[i][1] = binary.LittleEndian.Uint64(raw[i*16+8:])
	}
	return out, nil
}

func (d *Dispatcher) zxStreamReadV(t *task.Thread, args [6]uint64) (uint64, error) {
	stream, err := object.GetObjectWithRights[*vm.Stream](t.Process().Handles(), uint32(args[0]), object.RightRead)
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
		n, err := stream.Read(buf)
		if err != nil {
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

func (d *Dispatcher) zxStreamWriteV(t *task.Thread, args [6]uint64) (uint64, error) {
	stream, err := object.GetObjectWithRights[*vm.Stream](t.Process().Handles(), uint32(args[0]), object.RightWrite)
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
		n, err := stream.Write(buf)
		if err != nil {
			return 0, err
		}
		total += uint64(n)
		if uint64(n) < vec[1] {
			break
		}
	}
	return total, nil
}

func (d *Dispatcher) zxStreamSeek(t *task.Thread, args [6]uint64) (uint64, error) {
	stream, err := object.GetObjectWithRights[*vm.Stream](t.Process().Handles(), uint32(args[0]), 0)
	if err != nil {
		return 0, err
	}
	pos, err := stream.Seek(vm.SeekOrigin(args[1]), int64(args[2]))
	if err != nil {
		return 0, err
	}
	if args[3] != 0 {
		return 0, vm.WriteUserU64(userRoot(t), args[3], pos)
	}
	return pos, nil
}

// Task operations.

func (d *Dispatcher) zxThreadExit(t *task.Thread, _ [6]uint64) (uint64, error) {
	t.Exit()
	return 0, nil
}

func (d *Dispatcher) zxProcessExit(t *task.Thread, args [6]uint64) (uint64, error) {
	t.Process().Exit(int64(args[0]))
	return 0, nil
}

func (d *Dispatcher) zxNanosleep(t *task.Thread, args [6]uint64) (uint64, error) {
	deadline := d.kernel.deadlineFrom(args[0])
	if !deadline.IsZero() {
		if d := time.Until(deadline); d > 0 {
			time.Sleep(d)
		}
	}
	return 0, nil
}

func (d *Dispatcher) zxYield(*task.Thread, [6]uint64) (uint64, error) {
	return 0, nil
}

// waitManyItem is 12 bytes: handle, signals to wait for, observed out.
const waitManyItemSize = 12

// zxObjectWaitMany waits until any of up to 16 objects asserts its
// requested signals, then reports the observed sets of all of them.
func (d *Dispatcher) zxObjectWaitMany(t *task.Thread, args [6]uint64) (uint64, error) {
	count := args[1]
	if count == 0 || count > 16 {
		return 0, kerrors.Newf(kerrors.StatusOutOfRange, "object_wait_many", "count %d", count)
	}
	raw := make([]byte, count*waitManyItemSize)
	if err := vm.ReadUser(userRoot(t), args[0], raw); err != nil {
		return 0, err
	}

	type waitItem struct {
		obj  object.KernelObject
		want object.Signal
	}
	items := make([]waitItem, count)
	for i := range items {
		handle := binary.LittleEndian.Uint32(raw[i*waitManyItemSize:])
		want := object.Signal(binary.LittleEndian.Uint32(raw[i*waitManyItemSize+4:]))
		obj, err := t.Process().Handles().GetWithRights(handle, object.RightWait)
		if err != nil {
			return 0, err
		}
		items[i] = waitItem{obj: obj, want: want}
	}

	// One fused waiter: the first matching assertion on any object
	// completes the wait; the rest of the subscriptions expire as
	// one-shots on their next assertion.
	fired := make(chan struct{}, 1)
	for _, item := range items {
		want := item.want
		item.obj.AddSignalCallback(func(current object.Signal) bool {
			if current&want == 0 {
				return false
			}
			select {
			case fired <- struct{}{}:
			default:
			}
			return true
		})
	}

	deadline := d.kernel.deadlineFrom(args[2])
	if deadline.IsZero() {
		<-fired
	} else {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-fired:
		case <-timer.C:
			return 0, kerrors.New(kerrors.StatusTimedOut, "object_wait_many", "deadline elapsed")
		}
	}

	for i, item := range items {
		binary.LittleEndian.PutUint32(raw[i*waitManyItemSize+8:], uint32(item.obj.Signal()))
	}
	return 0, vm.WriteUser(userRoot(t), args[0], raw)
}

func (d *Dispatcher) zxProcessCreate(t *task.Thread, args [6]uint64) (uint64, error) {
	if action, ok := t.Process().Job().PolicyAction(task.PolicyNewProcess); ok && action != task.PolicyAllow {
		return 0, kerrors.New(kerrors.StatusAccessDenied, "process_create", "denied by job policy")
	}
	if d.kernel.NewAddressSpace == nil {
		return 0, kerrors.New(kerrors.StatusNotSupported, "process_create", "no address-space factory")
	}
	job, err := object.GetObjectWithRights[*task.Job](t.Process().Handles(), uint32(args[0]), object.RightManageJob)
	if err != nil {
		return 0, err
	}
	name, err := vm.ReadUserCString(userRoot(t), args[1], object.MaxNameLen+1)
	if err != nil {
		return 0, err
	}
	root, err := d.kernel.NewAddressSpace()
	if err != nil {
		return 0, err
	}
	proc, err := task.NewProcess(job, name, root)
	if err != nil {
		return 0, err
	}
	handles := t.Process().Handles()
	procHandle := handles.Add(object.NewHandle(proc, object.DefaultProcessRights))
	vmarHandle := handles.Add(object.NewHandle(root, object.DefaultVMARRights))
	if err := writeUserHandle(t, args[2], procHandle); err != nil {
		return 0, err
	}
	return 0, writeUserHandle(t, args[3], vmarHandle)
}

func (d *Dispatcher) zxThreadCreate(t *task.Thread, args [6]uint64) (uint64, error) {
	if d.kernel.NewContext == nil {
		return 0, kerrors.New(kerrors.StatusNotSupported, "thread_create", "no context factory")
	}
	proc, err := object.GetObjectWithRights[*task.Process](t.Process().Handles(), uint32(args[0]), object.RightManageThread)
	if err != nil {
		return 0, err
	}
	name, err := vm.ReadUserCString(userRoot(t), args[1], object.MaxNameLen+1)
	if err != nil {
		return 0, err
	}
	thread, err := proc.CreateThread(name, d.kernel.NewContext())
	if err != nil {
		return 0, err
	}
	h := t.Process().Handles().Add(object.NewHandle(thread, object.DefaultThreadRights))
	return 0, writeUserHandle(t, args[2], h)
}

func (d *Dispatcher) zxProcessStart(t *task.Thread, args [6]uint64) (uint64, error) {
	proc, err := object.GetObjectWithRights[*task.Process](t.Process().Handles(), uint32(args[0]), object.RightManageProcess)
	if err != nil {
		return 0, err
	}
	thread, err := object.GetObjectWithRights[*task.Thread](t.Process().Handles(), uint32(args[1]), object.RightManageThread)
	if err != nil {
		return 0, err
	}

	// The bootstrap handle leaves the caller's table and lands in the
	// new process as its first argument.
	var arg1 *object.Handle
	if h := uint32(args[4]); h != object.InvalidHandle {
		moved, err := t.Process().Handles().Remove(h)
		if err != nil {
			return 0, err
		}
		arg1 = &moved
	}
	runner := &task.Runner{Exec: d.kernel.Exec, Arch: d.kernel.Arch, Handler: d.HandleTrap}
	return 0, proc.Start(thread, args[2], args[3], arg1, args[5], runner)
}
