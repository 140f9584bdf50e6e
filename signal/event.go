package signal

import (
	kerrors "zcore-go/errors"
	"zcore-go/object"
)

// Event is the minimal signalable object: user signals plus SIGNALED.
type Event struct {
	object.Base
}

// NewEvent creates an event.
func NewEvent() *Event {
	return &Event{Base: object.NewBase("event")}
}

// EventPair is a pair of events wired so each side can signal the
// other; closing one asserts PEER_CLOSED on the survivor.
type EventPair struct {
	object.Base
	peer   *EventPair
	closed bool
}

// NewEventPair creates a connected pair.
func NewEventPair() (*EventPair, *EventPair) {
	a := &EventPair{Base: object.NewBase("eventpair")}
	b := &EventPair{Base: object.NewBase("eventpair")}
	a.peer, b.peer = b, a
	return a, b
}

// Peer implements object.KernelObject.
func (e *EventPair) Peer() (object.KernelObject, error) {
	if e.peer.closed {
		return nil, kerrors.ErrPeerClosed
	}
	return e.peer, nil
}

// RelatedKoid implements object.KernelObject.
func (e *EventPair) RelatedKoid() object.KoID {
	return e.peer.ID()
}

// SignalPeer asserts and deasserts user signals on the peer.
func (e *EventPair) SignalPeer(clear, set object.Signal) error {
	if e.peer.closed {
		return kerrors.ErrPeerClosed
	}
	e.peer.SignalChange(clear, set)
	return nil
}

// Close drops this side, asserting PEER_CLOSED on the survivor.
func (e *EventPair) Close() {
	if e.closed {
		return
	}
	e.closed = true
	if !e.peer.closed {
		e.peer.SignalSet(object.SignalPeerClosed)
	}
}
