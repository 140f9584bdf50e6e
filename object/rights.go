package object

import (
	kerrors "zcore-go/errors"
)

// Rights convey privileges to perform actions on a handle or on the
// object behind it.
type Rights uint32

const (
	// RightDuplicate allows handle duplication.
	RightDuplicate Rights = 1 << 0
	// RightTransfer allows handle transfer through a channel.
	RightTransfer Rights = 1 << 1
	// RightRead allows reading data from the object.
	RightRead Rights = 1 << 2
	// RightWrite allows writing data to the object.
	RightWrite Rights = 1 << 3
	// RightExecute allows mapping as executable (with RightMap).
	RightExecute Rights = 1 << 4
	// RightMap allows mapping a VMO into an address space.
	RightMap Rights = 1 << 5
	// RightGetProperty allows property inspection.
	RightGetProperty Rights = 1 << 6
	// RightSetProperty allows property modification.
	RightSetProperty Rights = 1 << 7
	// RightEnumerate allows enumerating child objects.
	RightEnumerate Rights = 1 << 8
	// RightDestroy allows terminating task objects.
	RightDestroy Rights = 1 << 9
	// RightSetPolicy allows job policy modification.
	RightSetPolicy Rights = 1 << 10
	// RightGetPolicy allows job policy inspection.
	RightGetPolicy Rights = 1 << 11
	// RightSignal allows asserting user signals on the object.
	RightSignal Rights = 1 << 12
	// RightSignalPeer allows asserting user signals on the peer.
	RightSignalPeer Rights = 1 << 13
	// RightWait allows waiting on object signals.
	RightWait Rights = 1 << 14
	// RightInspect allows inspection via get-info.
	RightInspect Rights = 1 << 15
	// RightManageJob allows creating subjobs and processes.
	RightManageJob Rights = 1 << 16
	// RightManageProcess allows creating threads.
	RightManageProcess Rights = 1 << 17
	// RightManageThread allows suspending and resuming threads.
	RightManageThread Rights = 1 << 18
	// RightApplyProfile allows applying scheduler profiles.
	RightApplyProfile Rights = 1 << 19
	// RightSameRights requests the source rights on duplication.
	RightSameRights Rights = 1 << 31
)

// Composite masks.
const (
	// RightsBasic is the common base of the default rights below; some
	// object types drop Duplicate or Wait from it.
	RightsBasic = RightTransfer | RightDuplicate | RightWait | RightInspect
	// RightsIO is read plus write.
	RightsIO = RightRead | RightWrite
	// RightsProperty is get plus set property.
	RightsProperty = RightGetProperty | RightSetProperty
	// RightsPolicy is get plus set policy.
	RightsPolicy = RightGetPolicy | RightSetPolicy
)

// Default rights per object type, applied at creation.
const (
	DefaultChannelRights = RightsBasic&^RightDuplicate | RightsIO | RightSignal | RightSignalPeer
	DefaultProcessRights = RightsBasic | RightsIO | RightsProperty | RightEnumerate | RightDestroy |
		RightSignal | RightManageProcess | RightManageThread
	DefaultThreadRights = RightsBasic | RightsIO | RightsProperty | RightDestroy | RightSignal |
		RightManageThread
	DefaultVMORights = RightsBasic | RightsIO | RightsProperty | RightMap | RightSignal
	DefaultVMARRights = RightsBasic &^ RightWait
	DefaultJobRights  = RightsBasic | RightsIO | RightsProperty | RightsPolicy | RightEnumerate |
		RightDestroy | RightSignal | RightManageJob | RightManageProcess | RightManageThread
	DefaultPortRights      = RightsBasic&^RightWait | RightsIO
	DefaultTimerRights     = RightsBasic | RightWrite | RightSignal
	DefaultEventRights     = RightsBasic | RightSignal
	DefaultInterruptRights = RightsBasic | RightsIO | RightSignal
	DefaultStreamRights    = RightsBasic | RightsIO | RightsProperty | RightSignal
)

// Contains reports whether r includes every bit of want.
func (r Rights) Contains(want Rights) bool {
	return r&want == want
}

// RightsFromRaw validates a user-supplied rights word.
func RightsFromRaw(raw uint32) (Rights, error) {
	const known = uint32(RightSameRights) | 0x000f_ffff
	if raw&^known != 0 {
		return 0, kerrors.Newf(kerrors.StatusInvalidArgs, "rights_parse", "unknown rights bits %#x", raw&^known)
	}
	return Rights(raw), nil
}
