package ipc

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/object"
)

func TestChannel_ReadWrite(t *testing.T) {
	a, b := NewPair()

	// Write a message in each direction.
	if err := a.Write(MessagePacket{Data: []byte("hello 1")}); err != nil {
		t.Fatalf("a.Write: %v", err)
	}
	if err := b.Write(MessagePacket{Data: []byte("hello 0")}); err != nil {
		t.Fatalf("b.Write: %v", err)
	}

	msg, err := b.Read()
	if err != nil {
		t.Fatalf("b.Read: %v", err)
	}
	if string(msg.Data) != "hello 1" || len(msg.Handles) != 0 {
		t.Errorf("b received %q, %d handles", msg.Data, len(msg.Handles))
	}

	msg, err = a.Read()
	if err != nil {
		t.Fatalf("a.Read: %v", err)
	}
	if string(msg.Data) != "hello 0" {
		t.Errorf("a received %q", msg.Data)
	}

	// Reading more fails with SHOULD_WAIT.
	if _, err := a.Read(); !kerrors.Is(err, kerrors.ErrShouldWait) {
		t.Errorf("a.Read empty = %v, want SHOULD_WAIT", err)
	}
	if _, err := b.Read(); !kerrors.Is(err, kerrors.ErrShouldWait) {
		t.Errorf("b.Read empty = %v, want SHOULD_WAIT", err)
	}
}

func TestChannel_FIFOOrder(t *testing.T) {
	a, b := NewPair()
	for i := 0; i < 16; i++ {
		if err := a.Write(MessagePacket{Data: []byte(fmt.Sprintf("msg-%02d", i))}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	for i := 0; i < 16; i++ {
		msg, err := b.Read()
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if want := fmt.Sprintf("msg-%02d", i); string(msg.Data) != want {
			t.Fatalf("message %d = %q, want %q", i, msg.Data, want)
		}
	}
}

func TestChannel_PeerClosed(t *testing.T) {
	a, b := NewPair()
	if err := b.Write(MessagePacket{Data: []byte{0x01, 0x02, 0x03}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	b.Close()

	// Queued messages drain first.
	msg, err := a.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(msg.Data) != "\x01\x02\x03" {
		t.Errorf("drained %v", msg.Data)
	}

	// Then the closed peer shows through.
	if _, err := a.Read(); !kerrors.Is(err, kerrors.ErrPeerClosed) {
		t.Errorf("Read after drain = %v, want PEER_CLOSED", err)
	}
	if err := a.Write(MessagePacket{}); !kerrors.Is(err, kerrors.ErrPeerClosed) {
		t.Errorf("Write = %v, want PEER_CLOSED", err)
	}
}

func TestChannel_PeerClosedSignal(t *testing.T) {
	a, b := NewPair()

	init := a.Signal()
	if init&object.SignalWritable == 0 || init&object.SignalReadable != 0 {
		t.Errorf("initial signal = %v", init)
	}

	// Writing to the peer asserts READABLE; draining clears it.
	if err := b.Write(MessagePacket{Data: []byte("x")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if a.Signal()&object.SignalReadable == 0 {
		t.Error("READABLE not asserted")
	}
	if _, err := a.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if a.Signal()&object.SignalReadable != 0 {
		t.Error("READABLE not cleared after drain")
	}

	b.Close()
	sig := a.Signal()
	if sig&object.SignalPeerClosed == 0 {
		t.Error("PEER_CLOSED not asserted")
	}
	if sig&object.SignalWritable != 0 {
		t.Error("WRITABLE still asserted after peer close")
	}
}

func TestChannel_HandleTransfer(t *testing.T) {
	a, b := NewPair()
	payload, _ := NewPair() // any object will do as a transferred handle

	h := object.NewHandle(payload, object.DefaultChannelRights)
	if err := a.Write(MessagePacket{Data: []byte("take this"), Handles: []object.Handle{h}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	msg, err := b.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msg.Handles) != 1 {
		t.Fatalf("handles = %d, want 1", len(msg.Handles))
	}
	// Rights ride along unchanged.
	if msg.Handles[0].Rights != object.DefaultChannelRights {
		t.Errorf("rights = %#x", uint32(msg.Handles[0].Rights))
	}
	if msg.Handles[0].Object.ID() != payload.ID() {
		t.Error("transferred object identity changed")
	}
}

func TestChannel_CallReply(t *testing.T) {
	a, b := NewPair()

	done := make(chan MessagePacket, 1)
	go func() {
		reply, err := a.Call(MessagePacket{Data: []byte{0, 0, 0, 0, 'p', 'i', 'n', 'g'}}, time.Now().Add(5*time.Second))
		if err != nil {
			t.Errorf("Call: %v", err)
		}
		done <- reply
	}()

	// Server side: read the request, echo its txid back.
	var req MessagePacket
	for {
		var err error
		req, err = b.Read()
		if err == nil {
			break
		}
		if !kerrors.Is(err, kerrors.ErrShouldWait) {
			t.Fatalf("b.Read: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if string(req.Data[4:]) != "ping" {
		t.Fatalf("request = %q", req.Data[4:])
	}
	txid := binary.LittleEndian.Uint32(req.Data)
	if txid < firstTxid {
		t.Errorf("txid %#x below the kernel range", txid)
	}

	resp := MessagePacket{Data: append([]byte{0, 0, 0, 0}, []byte("pong")...)}
	binary.LittleEndian.PutUint32(resp.Data, txid)
	if err := b.Write(resp); err != nil {
		t.Fatalf("b.Write: %v", err)
	}

	select {
	case reply := <-done:
		if string(reply.Data[4:]) != "pong" {
			t.Errorf("reply = %q", reply.Data[4:])
		}
	case <-time.After(time.Second):
		t.Fatal("call never completed")
	}
}

func TestChannel_CallMismatchedReplyQueues(t *testing.T) {
	a, b := NewPair()

	go func() {
		_, _ = a.Call(MessagePacket{Data: make([]byte, 8)}, time.Now().Add(time.Second))
	}()

	// Wait for the request so a call is outstanding.
	for {
		if _, err := b.Read(); err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// A reply whose txid matches nothing lands in the regular queue.
	bogus := MessagePacket{Data: []byte{1, 0, 0, 0, 'x'}}
	if err := b.Write(bogus); err != nil {
		t.Fatalf("Write: %v", err)
	}
	msg, err := a.Read()
	if err != nil {
		t.Fatalf("a.Read: %v", err)
	}
	if msg.Txid() != 1 {
		t.Errorf("queued txid = %#x", msg.Txid())
	}
}

func TestChannel_CallPeerClosedFailsPending(t *testing.T) {
	a, b := NewPair()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := a.Call(MessagePacket{Data: make([]byte, 4)}, time.Time{})
			errs <- err
		}()
	}

	// Let both requests arrive, then drop the server end.
	deadline := time.Now().Add(time.Second)
	got := 0
	for got < 2 && time.Now().Before(deadline) {
		if _, err := b.Read(); err == nil {
			got++
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	if got != 2 {
		t.Fatalf("server saw %d requests", got)
	}
	b.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !kerrors.Is(err, kerrors.ErrPeerClosed) {
				t.Errorf("pending call = %v, want PEER_CLOSED", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending call never failed")
		}
	}
}

func TestChannel_CallTimeout(t *testing.T) {
	a, _ := NewPair()
	start := time.Now()
	_, err := a.Call(MessagePacket{Data: make([]byte, 4)}, time.Now().Add(20*time.Millisecond))
	if !kerrors.Is(err, kerrors.ErrTimedOut) {
		t.Fatalf("Call = %v, want TIMED_OUT", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("timeout overslept")
	}
}

func TestChannel_RelatedKoid(t *testing.T) {
	a, b := NewPair()
	if a.RelatedKoid() != b.ID() || b.RelatedKoid() != a.ID() {
		t.Error("endpoints do not reference each other")
	}
	if _, err := a.Peer(); err != nil {
		t.Errorf("Peer: %v", err)
	}
	b.Close()
	if _, err := a.Peer(); !kerrors.Is(err, kerrors.ErrPeerClosed) {
		t.Errorf("Peer after close = %v, want PEER_CLOSED", err)
	}
}
