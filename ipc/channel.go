// Package ipc implements channels: paired bidirectional message pipes
// carrying bytes plus handles, with transaction-matched call/reply.
package ipc

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/object"
)

// MessagePacket is one channel message: a byte payload plus handles
// being transferred to the receiving process.
type MessagePacket struct {
	Data    []byte
	Handles []object.Handle
}

// Txid returns the transaction id in the first four bytes, 0 when the
// message is too short to carry one.
func (m *MessagePacket) Txid() uint32 {
	if len(m.Data) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(m.Data)
}

// SetTxid overwrites the first four bytes with t.
func (m *MessagePacket) SetTxid(t uint32) {
	if len(m.Data) >= 4 {
		binary.LittleEndian.PutUint32(m.Data, t)
	}
}

type callResult struct {
	msg MessagePacket
	err error
}

// firstTxid is where transaction ids start; the high bit keeps them out
// of the range userspace protocols use for their own message tags.
const firstTxid = 0x8000_0000

// Channel is one endpoint of a channel pair. Endpoints reference each
// other non-owningly: closing one leaves the other alive with
// PEER_CLOSED asserted.
type Channel struct {
	object.Base
	peer *Channel

	closed atomic.Bool

	mu        sync.Mutex
	queue     []MessagePacket
	callReply map[uint32]chan callResult
	nextTxid  atomic.Uint32
}

// NewPair creates a connected channel pair.
func NewPair() (*Channel, *Channel) {
	a := &Channel{
		Base:      object.NewBaseWithSignal("channel", object.SignalWritable),
		callReply: make(map[uint32]chan callResult),
	}
	b := &Channel{
		Base:      object.NewBaseWithSignal("channel", object.SignalWritable),
		callReply: make(map[uint32]chan callResult),
	}
	a.peer, b.peer = b, a
	a.nextTxid.Store(firstTxid)
	b.nextTxid.Store(firstTxid)
	return a, b
}

// Peer implements object.KernelObject.
func (c *Channel) Peer() (object.KernelObject, error) {
	if c.peer.closed.Load() {
		return nil, kerrors.ErrPeerClosed
	}
	return c.peer, nil
}

// RelatedKoid implements object.KernelObject.
func (c *Channel) RelatedKoid() object.KoID {
	return c.peer.ID()
}

// Write sends msg to the peer. If the first four bytes match a
// transaction id with a Call outstanding on the peer endpoint, the
// message resolves that call instead of entering its queue (the reply
// map is keyed by the issuing endpoint, so the writer consults the
// peer's). The match is deterministic: exactly the ids currently in
// the reply map participate, and Call allocates them from the high
// half of the id space, which cooperating protocols leave to the
// kernel.
func (c *Channel) Write(msg MessagePacket) error {
	if c.closed.Load() {
		return kerrors.New(kerrors.StatusBadState, "channel_write", "endpoint closed")
	}
	peer := c.peer
	if peer.closed.Load() {
		return kerrors.ErrPeerClosed
	}

	if len(msg.Data) >= 4 {
		txid := msg.Txid()
		peer.mu.Lock()
		if ch, ok := peer.callReply[txid]; ok {
			delete(peer.callReply, txid)
			peer.mu.Unlock()
			ch <- callResult{msg: msg}
			return nil
		}
		peer.mu.Unlock()
	}

	peer.pushGeneral(msg)
	return nil
}

func (c *Channel) pushGeneral(msg MessagePacket) {
	c.mu.Lock()
	if c.closed.Load() {
		// The peer raced with our close; the message is dropped like
		// any other queued message at close time.
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, msg)
	first := len(c.queue) == 1
	c.mu.Unlock()
	if first {
		c.SignalSet(object.SignalReadable)
	}
}

// Read pops the front message. An empty queue returns SHOULD_WAIT with
// a live peer and PEER_CLOSED otherwise; queued messages drain even
// after the peer closes.
func (c *Channel) Read() (MessagePacket, error) {
	return c.CheckAndRead(func(*MessagePacket) error { return nil })
}

// CheckAndRead pops the front message if checker accepts it; a
// rejecting checker leaves the message queued. The syscall layer uses
// this for buffer-size validation (BUFFER_TOO_SMALL without consuming).
func (c *Channel) CheckAndRead(checker func(*MessagePacket) error) (MessagePacket, error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		if err := checker(&c.queue[0]); err != nil {
			c.mu.Unlock()
			return MessagePacket{}, err
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		drained := len(c.queue) == 0
		c.mu.Unlock()
		if drained {
			c.SignalClear(object.SignalReadable)
		}
		return msg, nil
	}
	c.mu.Unlock()
	if c.peer.closed.Load() {
		return MessagePacket{}, kerrors.ErrPeerClosed
	}
	return MessagePacket{}, kerrors.ErrShouldWait
}

// Call sends msg with a fresh transaction id in its first four bytes
// and blocks for the matching reply. A zero deadline waits forever.
func (c *Channel) Call(msg MessagePacket, deadline time.Time) (MessagePacket, error) {
	if c.closed.Load() {
		return MessagePacket{}, kerrors.New(kerrors.StatusBadState, "channel_call", "endpoint closed")
	}
	if len(msg.Data) < 4 {
		return MessagePacket{}, kerrors.New(kerrors.StatusInvalidArgs, "channel_call", "message too short for a txid")
	}
	peer := c.peer
	if peer.closed.Load() {
		return MessagePacket{}, kerrors.ErrPeerClosed
	}

	txid := c.nextTxid.Add(1) - 1
	msg.SetTxid(txid)

	reply := make(chan callResult, 1)
	c.mu.Lock()
	c.callReply[txid] = reply
	c.mu.Unlock()

	peer.pushGeneral(msg)

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case res := <-reply:
		return res.msg, res.err
	case <-timeout:
		c.mu.Lock()
		delete(c.callReply, txid)
		c.mu.Unlock()
		// A reply may have landed while we were giving up.
		select {
		case res := <-reply:
			return res.msg, res.err
		default:
		}
		return MessagePacket{}, kerrors.New(kerrors.StatusTimedOut, "channel_call", "no reply before deadline")
	}
}

// Close drops this endpoint. The peer sees PEER_CLOSED assert, loses
// WRITABLE, and every call it has outstanding fails with PEER_CLOSED.
// Closing twice is a no-op.
func (c *Channel) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()

	peer := c.peer
	if peer.closed.Load() {
		return
	}
	peer.SignalChange(object.SignalWritable, object.SignalPeerClosed)
	peer.mu.Lock()
	pending := peer.callReply
	peer.callReply = make(map[uint32]chan callResult)
	peer.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: kerrors.ErrPeerClosed}
	}
}
