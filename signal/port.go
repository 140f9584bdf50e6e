package signal

import (
	"sync"
	"time"

	kerrors "zcore-go/errors"
	"zcore-go/object"
)

// Port is a multi-source event queue. Producers push packets; consumers
// drain them in FIFO order.
type Port struct {
	object.Base

	mu      sync.Mutex
	queue   []Packet
	waiters []chan Packet
	closed  bool
}

// NewPort creates an empty port.
func NewPort() *Port {
	return &Port{Base: object.NewBase("port")}
}

// Push queues a packet, handing it directly to the oldest waiter if one
// is parked.
func (p *Port) Push(pkt Packet) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return kerrors.New(kerrors.StatusBadState, "port_queue", "port closed")
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w <- pkt
		return nil
	}
	p.queue = append(p.queue, pkt)
	first := len(p.queue) == 1
	p.mu.Unlock()
	if first {
		p.SignalSet(object.SignalReadable)
	}
	return nil
}

// Wait blocks for the next packet. A zero deadline waits forever;
// expiry returns TIMED_OUT; closing the port returns CANCELED.
func (p *Port) Wait(deadline time.Time) (Packet, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Packet{}, kerrors.New(kerrors.StatusCanceled, "port_wait", "port closed")
	}
	if len(p.queue) > 0 {
		pkt := p.queue[0]
		p.queue = p.queue[1:]
		drained := len(p.queue) == 0
		p.mu.Unlock()
		if drained {
			p.SignalClear(object.SignalReadable)
		}
		return pkt, nil
	}
	w := make(chan Packet, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case pkt, ok := <-w:
		if !ok {
			return Packet{}, kerrors.New(kerrors.StatusCanceled, "port_wait", "port closed")
		}
		return pkt, nil
	case <-timeout:
		p.mu.Lock()
		for i, waiter := range p.waiters {
			if waiter == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// A packet may have been handed over while we were giving up.
		select {
		case pkt := <-w:
			return pkt, nil
		default:
		}
		return Packet{}, kerrors.New(kerrors.StatusTimedOut, "port_wait", "no packet before deadline")
	}
}

// RemoveByKey drops every queued interrupt packet with the given key.
// Interrupt objects call this on rebind and destroy. It reports whether
// anything was removed.
func (p *Port) RemoveByKey(key uint64) bool {
	p.mu.Lock()
	kept := p.queue[:0]
	removed := false
	for _, pkt := range p.queue {
		if pkt.Type == PacketTypeInterrupt && pkt.Key == key {
			removed = true
			continue
		}
		kept = append(kept, pkt)
	}
	p.queue = kept
	drained := len(p.queue) == 0
	p.mu.Unlock()
	if removed && drained {
		p.SignalClear(object.SignalReadable)
	}
	return removed
}

// Close cancels every parked waiter and refuses further packets.
func (p *Port) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.queue = nil
	p.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}
