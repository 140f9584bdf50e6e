// Package errors provides predefined sentinel errors for the kernel status codes.
package errors

// Sentinels for the full status taxonomy. Handlers return these directly
// when no extra context is worth attaching; errors.Is matches them against
// any KernelError carrying the same status.
var (
	// ErrInternal indicates an unspecified internal failure.
	ErrInternal = &KernelError{Status: StatusInternal}
	// ErrNotSupported indicates an unimplemented or disabled operation.
	ErrNotSupported = &KernelError{Status: StatusNotSupported}
	// ErrNoResources indicates resource exhaustion other than memory.
	ErrNoResources = &KernelError{Status: StatusNoResources}
	// ErrNoMemory indicates memory exhaustion.
	ErrNoMemory = &KernelError{Status: StatusNoMemory}

	// ErrInvalidArgs indicates an invalid argument.
	ErrInvalidArgs = &KernelError{Status: StatusInvalidArgs}
	// ErrBadHandle indicates a handle value referring to no handle.
	ErrBadHandle = &KernelError{Status: StatusBadHandle}
	// ErrWrongType indicates an object of the wrong type for the operation.
	ErrWrongType = &KernelError{Status: StatusWrongType}
	// ErrBadSyscall indicates an invalid syscall number.
	ErrBadSyscall = &KernelError{Status: StatusBadSyscall}
	// ErrOutOfRange indicates an argument outside the valid range.
	ErrOutOfRange = &KernelError{Status: StatusOutOfRange}
	// ErrBufferTooSmall indicates a caller buffer too small for the result.
	ErrBufferTooSmall = &KernelError{Status: StatusBufferTooSmall}

	// ErrBadState indicates a state that does not allow the operation.
	ErrBadState = &KernelError{Status: StatusBadState}
	// ErrTimedOut indicates an elapsed deadline.
	ErrTimedOut = &KernelError{Status: StatusTimedOut}
	// ErrShouldWait indicates the caller should wait and retry.
	ErrShouldWait = &KernelError{Status: StatusShouldWait}
	// ErrCanceled indicates a canceled wait.
	ErrCanceled = &KernelError{Status: StatusCanceled}
	// ErrPeerClosed indicates a closed remote endpoint.
	ErrPeerClosed = &KernelError{Status: StatusPeerClosed}
	// ErrNotFound indicates a missing entity.
	ErrNotFound = &KernelError{Status: StatusNotFound}
	// ErrAlreadyExists indicates a pre-existing entity.
	ErrAlreadyExists = &KernelError{Status: StatusAlreadyExists}
	// ErrAlreadyBound indicates an entity owned by another entity.
	ErrAlreadyBound = &KernelError{Status: StatusAlreadyBound}
	// ErrUnavailable indicates a temporarily unavailable subject.
	ErrUnavailable = &KernelError{Status: StatusUnavailable}

	// ErrAccessDenied indicates missing rights.
	ErrAccessDenied = &KernelError{Status: StatusAccessDenied}

	// ErrIO indicates an unspecified I/O failure.
	ErrIO = &KernelError{Status: StatusIO}
	// ErrIORefused indicates a rejected I/O operation.
	ErrIORefused = &KernelError{Status: StatusIORefused}
	// ErrIODataIntegrity indicates corrupted data.
	ErrIODataIntegrity = &KernelError{Status: StatusIODataIntegrity}
	// ErrIODataLoss indicates lost data.
	ErrIODataLoss = &KernelError{Status: StatusIODataLoss}
	// ErrIONotPresent indicates an absent device.
	ErrIONotPresent = &KernelError{Status: StatusIONotPresent}
	// ErrIOOverrun indicates more data than expected.
	ErrIOOverrun = &KernelError{Status: StatusIOOverrun}
	// ErrIOMissedDeadline indicates a missed I/O deadline.
	ErrIOMissedDeadline = &KernelError{Status: StatusIOMissedDeadline}
	// ErrIOInvalid indicates invalid data in an I/O operation.
	ErrIOInvalid = &KernelError{Status: StatusIOInvalid}

	// ErrBadPath indicates a malformed or overlong path.
	ErrBadPath = &KernelError{Status: StatusBadPath}
	// ErrNotDir indicates a non-directory where one was required.
	ErrNotDir = &KernelError{Status: StatusNotDir}
	// ErrNotFile indicates a non-file where one was required.
	ErrNotFile = &KernelError{Status: StatusNotFile}
	// ErrFileBig indicates a file size limit violation.
	ErrFileBig = &KernelError{Status: StatusFileBig}
	// ErrNoSpace indicates space exhaustion.
	ErrNoSpace = &KernelError{Status: StatusNoSpace}
	// ErrNotEmpty indicates a non-empty directory.
	ErrNotEmpty = &KernelError{Status: StatusNotEmpty}

	// ErrProtocolNotSupported indicates an unsupported network protocol.
	ErrProtocolNotSupported = &KernelError{Status: StatusProtocolNotSupported}
	// ErrAddressUnreachable indicates an unreachable host.
	ErrAddressUnreachable = &KernelError{Status: StatusAddressUnreachable}
	// ErrAddressInUse indicates an address in use.
	ErrAddressInUse = &KernelError{Status: StatusAddressInUse}
	// ErrNotConnected indicates an unconnected socket.
	ErrNotConnected = &KernelError{Status: StatusNotConnected}
	// ErrConnectionRefused indicates a refused connection.
	ErrConnectionRefused = &KernelError{Status: StatusConnectionRefused}
	// ErrConnectionReset indicates a reset connection.
	ErrConnectionReset = &KernelError{Status: StatusConnectionReset}
	// ErrConnectionAborted indicates an aborted connection.
	ErrConnectionAborted = &KernelError{Status: StatusConnectionAborted}
)
