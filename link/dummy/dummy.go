// Package dummy provides an in-memory, paired-pipe twine.Link, suitable for
// same-process integration tests and the seed scenarios in twine's own test
// suite. It is not meant to cross a process boundary.
package dummy

import (
	"sync"

	"github.com/deavmi/twine"
)

type frame struct {
	b   []byte
	src twine.LLAddr
}

// Link is a twine.Link backed by an in-memory pipe to exactly one peer Link,
// wired up with Connect. Delivery happens on a dedicated goroutine per Link,
// mirroring a real driver thread: frames destined for a Link are enqueued by
// its peer and delivered to attached Receivers serially, in arrival order.
type Link struct {
	twine.BaseLink

	addr twine.LLAddr

	peerMu sync.RWMutex
	peer   *Link

	inbox     chan frame
	closed    chan struct{}
	closeOnce sync.Once
}

// New constructs an unconnected Link reporting addr as its own address. Use
// Connect to wire it to a peer before exchanging traffic.
func New(addr twine.LLAddr) *Link {
	l := &Link{
		addr:   addr,
		inbox:  make(chan frame, 256),
		closed: make(chan struct{}),
	}
	go l.deliverLoop()
	return l
}

// Connect wires a and b as each other's peer, back-to-back.
func Connect(a, b *Link) {
	a.setPeer(b)
	b.setPeer(a)
}

func (l *Link) setPeer(p *Link) {
	l.peerMu.Lock()
	defer l.peerMu.Unlock()
	l.peer = p
}

func (l *Link) getPeer() *Link {
	l.peerMu.RLock()
	defer l.peerMu.RUnlock()
	return l.peer
}

func (l *Link) deliverLoop() {
	for {
		select {
		case fr := <-l.inbox:
			l.Receive(fr.b, fr.src)
		case <-l.closed:
			return
		}
	}
}

// Address implements twine.Link.
func (l *Link) Address() twine.LLAddr { return l.addr }

// Transmit implements twine.Link: best-effort unicast to dst. Silently
// dropped if dst does not match the wired peer's address. If the peer's
// inbox is full, Transmit blocks until there is room or the peer is closed.
func (l *Link) Transmit(b []byte, dst twine.LLAddr) error {
	peer := l.getPeer()
	if peer == nil {
		return twine.ErrLinkClosed
	}
	if dst != peer.addr {
		return nil
	}
	return peer.enqueue(b, l.addr)
}

// Broadcast implements twine.Link: delivers to the wired peer unconditionally.
func (l *Link) Broadcast(b []byte) error {
	peer := l.getPeer()
	if peer == nil {
		return nil
	}
	return peer.enqueue(b, l.addr)
}

func (l *Link) enqueue(b []byte, src twine.LLAddr) error {
	cp := make([]byte, len(b))
	copy(cp, b)

	select {
	case <-l.closed:
		return twine.ErrLinkClosed
	default:
	}

	select {
	case l.inbox <- frame{b: cp, src: src}:
		return nil
	case <-l.closed:
		return twine.ErrLinkClosed
	}
}

// Receive implements twine.Link by fanning the frame out to every attached
// Receiver via BaseLink.
func (l *Link) Receive(b []byte, src twine.LLAddr) {
	l.BaseLink.Receive(l, b, src)
}

// Close stops the Link's delivery goroutine. Further Transmit/Broadcast
// calls targeting it fail with twine.ErrLinkClosed.
func (l *Link) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

var _ twine.Link = (*Link)(nil)
