package twine

import "sync"

// NLAddr is a network-layer address: a peer's public key, printable and
// opaque to the router. All routing, ARP and end-to-end encryption are
// keyed by NLAddr.
type NLAddr string

// LLAddr is a link-layer address: a driver-defined opaque string (for the
// IPv6 link-local UDP driver, a scoped "[addr%iface]:port" form).
type LLAddr string

// Receiver is any subscriber to a Link's ingress stream. A Link calls
// OnReceive once per attached Receiver, per frame, in the order the frame
// arrived relative to other frames on that same Link.
//
// Implementations must be backed by a pointer type: the Link's attach/
// detach/fan-out bookkeeping compares Receivers by interface identity, which
// for pointer-backed implementations means reference identity.
type Receiver interface {
	OnReceive(link Link, b []byte, src LLAddr)
}

// Link is an abstract link driver: unicast, broadcast and ingress fan-out
// to every attached Receiver. Concrete drivers (see link/dummy, link/udp6)
// implement transport; Link itself says nothing about the medium.
type Link interface {
	// Transmit sends b to dst. Best-effort: a concrete driver may silently
	// drop an unreachable destination.
	Transmit(b []byte, dst LLAddr) error

	// Broadcast delivers b to every peer in the driver's broadcast domain.
	Broadcast(b []byte) error

	// Address reports this driver's own link-layer address.
	Address() LLAddr

	// AttachReceiver registers r for ingress fan-out. Attaching the same
	// Receiver twice is a no-op.
	AttachReceiver(r Receiver)

	// DetachReceiver unregisters r. Detaching a Receiver that was never
	// attached is a no-op.
	DetachReceiver(r Receiver)

	// Receive is called by the concrete driver when a frame arrives off
	// the wire. It fans the frame out to every currently attached
	// Receiver and must not be called by anything other than the driver
	// itself.
	Receive(b []byte, src LLAddr)
}

// BaseLink implements the receiver-set bookkeeping and fan-out behaviour
// every Link driver needs, so concrete drivers only have to implement
// Transmit, Broadcast and Address. Embed it by value and delegate Receive,
// AttachReceiver and DetachReceiver to it.
type BaseLink struct {
	mu        sync.Mutex
	receivers map[Receiver]struct{}
}

// AttachReceiver registers r for ingress fan-out. Idempotent.
func (b *BaseLink) AttachReceiver(r Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.receivers == nil {
		b.receivers = make(map[Receiver]struct{})
	}
	b.receivers[r] = struct{}{}
}

// DetachReceiver unregisters r. Idempotent.
func (b *BaseLink) DetachReceiver(r Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.receivers, r)
}

// Receive fans a frame out to every attached Receiver.
//
// It snapshots the receiver set under the lock, releases the lock, then
// calls each Receiver's OnReceive without holding it. This is load-bearing:
// a Receiver may re-enter link operations from within OnReceive (for
// example the router's ADV handler may Transmit on a different link whose
// own delivery goroutine holds a different lock), and holding the fan-out
// lock across the callback would permit a cross-lock deadlock.
func (b *BaseLink) Receive(self Link, frame []byte, src LLAddr) {
	b.mu.Lock()
	snapshot := make([]Receiver, 0, len(b.receivers))
	for r := range b.receivers {
		snapshot = append(snapshot, r)
	}
	b.mu.Unlock()

	for _, r := range snapshot {
		r.OnReceive(self, frame, src)
	}
}
