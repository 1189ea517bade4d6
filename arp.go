package twine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultResolveTimeout bounds how long Resolve blocks waiting for an ARP
// RESPONSE before giving up and returning the empty entry.
const DefaultResolveTimeout = 5 * time.Second

// DefaultSweepInterval is how often the resolver's cache is swept for
// expired (throttled-failure) entries.
const DefaultSweepInterval = 60 * time.Second

// arpWakeup is the resolver's condition-variable duty cycle: Resolve wakes
// at least this often to re-scan the pending map even if no notify arrives,
// so a missed signal never costs more than one duty cycle.
const arpWakeup = 500 * time.Millisecond

// ArpEntry maps an NL address to the LL address it resolves to on some
// Link. The zero value (both fields empty) is the empty entry: it
// represents resolution failure and never satisfies a positive resolution.
type ArpEntry struct {
	NL NLAddr
	LL LLAddr
}

// IsEmpty reports whether e is the empty entry.
func (e ArpEntry) IsEmpty() bool {
	return e.NL == "" && e.LL == ""
}

// arpTarget is the resolver cache key: resolutions over different links for
// the same NL address are distinct cache entries.
type arpTarget struct {
	nl   NLAddr
	link Link
}

type cacheItem struct {
	entry     ArpEntry
	expiresAt time.Time
}

// ResolverOption configures a Resolver at construction time.
type ResolverOption func(*Resolver)

// WithResolveTimeout overrides DefaultResolveTimeout.
func WithResolveTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.sweepInterval = d }
}

// WithResolverLogger attaches a logger. Defaults to logrus.StandardLogger().
func WithResolverLogger(log *logrus.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log.WithField("component", "arp") }
}

// Resolver is the ARP-style request/reply resolver that maps a peer's NL
// address to a concrete LL address on a given Link. It caches successful
// resolutions and briefly caches failures to throttle repeated requests.
type Resolver struct {
	timeout       time.Duration
	sweepInterval time.Duration
	log           *logrus.Entry

	cacheMu sync.Mutex
	cache   map[arpTarget]cacheItem

	pendingMu sync.Mutex
	pending   map[NLAddr]LLAddr
	cond      *sync.Cond

	attachedMu sync.Mutex
	attached   map[Link]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewResolver constructs a Resolver. Call Start to begin the periodic cache
// sweep; call Stop to tear it down.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		timeout:       DefaultResolveTimeout,
		sweepInterval: DefaultSweepInterval,
		log:           logrus.StandardLogger().WithField("component", "arp"),
		cache:         make(map[arpTarget]cacheItem),
		pending:       make(map[NLAddr]LLAddr),
		attached:      make(map[Link]struct{}),
		stop:          make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.pendingMu)

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the resolver's background cache sweep.
func (r *Resolver) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the background sweep. Goroutines blocked inside Resolve's wait
// loop are not released by it: in-flight resolutions complete or time out on
// their own; Stop does not cancel them.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Resolver) sweepLoop() {
	defer r.wg.Done()

	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Resolver) sweep() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	n := now()
	for k, item := range r.cache {
		if n.After(item.expiresAt) {
			delete(r.cache, k)
		}
	}
}

// Resolve returns the LL address to which nl must be transmitted to be
// reached over link, or the empty entry if resolution failed or timed out.
func (r *Resolver) Resolve(nl NLAddr, link Link) ArpEntry {
	key := arpTarget{nl: nl, link: link}

	r.cacheMu.Lock()
	if item, ok := r.cache[key]; ok && now().Before(item.expiresAt) {
		r.cacheMu.Unlock()
		return item.entry
	}
	r.cacheMu.Unlock()

	entry := r.regenerate(nl, link)

	r.cacheMu.Lock()
	ttl := r.sweepInterval
	if !entry.IsEmpty() {
		ttl = 24 * time.Hour
	}
	r.cache[key] = cacheItem{entry: entry, expiresAt: now().Add(ttl)}
	r.cacheMu.Unlock()

	return entry
}

// regenerate runs the request/wait protocol for a cache miss: attach to the
// link, broadcast an ARP REQUEST, and wait for a matching RESPONSE.
func (r *Resolver) regenerate(nl NLAddr, link Link) ArpEntry {
	r.ensureAttached(link)

	content, err := EncodeArpRequest(string(nl))
	if err != nil {
		r.log.WithError(err).Error("failed to encode arp request")
		return ArpEntry{}
	}

	payload, err := EncodeArpPayload(ArpPayload{Type: ArpTypeRequest, Content: content})
	if err != nil {
		r.log.WithError(err).Error("failed to encode arp payload")
		return ArpEntry{}
	}

	frame, err := EncodeEnvelope(Envelope{Kind: MTypeARP, Payload: payload})
	if err != nil {
		r.log.WithError(err).Error("failed to encode arp envelope")
		return ArpEntry{}
	}

	if err := link.Broadcast(frame); err != nil {
		r.log.WithError(err).WithField("nl", nl).Warn("failed to broadcast arp request")
	}

	ll, ok := r.waitForReply(nl, r.timeout)
	if !ok {
		err := fmt.Errorf("twine: resolving %s: %w", nl, ErrResolveTimeout)
		r.log.WithError(err).WithField("nl", nl).Debug("arp resolution timed out")
		return ArpEntry{}
	}
	return ArpEntry{NL: nl, LL: ll}
}

// ensureAttached attaches the resolver to link at most once per link
// lifetime.
func (r *Resolver) ensureAttached(link Link) {
	r.attachedMu.Lock()
	defer r.attachedMu.Unlock()

	if _, ok := r.attached[link]; ok {
		return
	}
	link.AttachReceiver(r)
	r.attached[link] = struct{}{}
}

// waitForReply blocks until an entry for nl appears in the pending map or
// timeout elapses, waking at least every arpWakeup to tolerate a missed
// notify.
func (r *Resolver) waitForReply(nl NLAddr, timeout time.Duration) (LLAddr, bool) {
	deadline := now().Add(timeout)

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(arpWakeup)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.pendingMu.Lock()
				r.cond.Broadcast()
				r.pendingMu.Unlock()
			case <-done:
				return
			}
		}
	}()

	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	for {
		if ll, ok := r.pending[nl]; ok {
			delete(r.pending, nl)
			return ll, true
		}
		if !now().Before(deadline) {
			return "", false
		}
		r.cond.Wait()
	}
}

// OnReceive implements Receiver. It consumes ARP RESPONSE frames destined
// for a pending resolution; everything else (requests, and every other
// message kind) is ignored here — the router answers ARP requests, the
// resolver only harvests replies.
func (r *Resolver) OnReceive(link Link, b []byte, src LLAddr) {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return
	}
	if env.Kind != MTypeARP {
		return
	}

	arp, err := DecodeArpPayload(env)
	if err != nil {
		return
	}
	if arp.Type != ArpTypeResponse {
		return
	}

	reply, err := DecodeArpReply(arp.Content)
	if err != nil {
		r.log.WithError(err).Warn("malformed arp response")
		return
	}

	r.pendingMu.Lock()
	r.pending[NLAddr(reply.L3)] = LLAddr(reply.L2)
	r.cond.Broadcast()
	r.pendingMu.Unlock()
}
