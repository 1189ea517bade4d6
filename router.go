package twine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultAdvInterval is how often a Router broadcasts route advertisements
// on every managed link.
const DefaultAdvInterval = 5 * time.Second

// UserDataPkt is handed to a Router's data callback on local delivery: a
// DATA packet whose destination matched our own public key, already
// decrypted (see Router.handleData and the self-delivery note on SendData).
type UserDataPkt struct {
	Src     NLAddr
	Payload []byte
}

// RouterOption configures a Router at construction time.
type RouterOption func(*Router)

// WithOnData installs the callback invoked on local delivery of a DATA
// packet.
func WithOnData(fn func(UserDataPkt)) RouterOption {
	return func(r *Router) { r.onData = fn }
}

// WithAdvInterval overrides DefaultAdvInterval.
func WithAdvInterval(d time.Duration) RouterOption {
	return func(r *Router) { r.advInterval = d }
}

// WithForwarding overrides the default (enabled) forwarding behaviour. When
// disabled, DATA packets not addressed to us are dropped instead of
// forwarded.
func WithForwarding(enabled bool) RouterOption {
	return func(r *Router) { r.forwarding = enabled }
}

// WithRouterLogger attaches a logger, propagated to the Router's ARP
// resolver (the link manager does not log). Defaults to
// logrus.StandardLogger().
func WithRouterLogger(log *logrus.Logger) RouterOption {
	return func(r *Router) { r.logger = log }
}

// WithResolveTimeoutOpt overrides the ARP resolver's resolution timeout.
func WithResolveTimeoutOpt(d time.Duration) RouterOption {
	return func(r *Router) { r.resolveTimeout = d }
}

// Router is a single overlay mesh node: it maintains a routing table keyed
// by peer public keys, periodically advertises it across every attached
// Link, resolves next hops via an ARP-style Resolver, and forwards or
// locally delivers DATA packets.
type Router struct {
	identity Identity
	crypto   Crypto

	onData         func(UserDataPkt)
	advInterval    time.Duration
	forwarding     bool
	resolveTimeout time.Duration
	logger         *logrus.Logger
	log            *logrus.Entry

	lm       *LinkManager
	resolver *Resolver
	table    *RouteTable

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

// NewRouter constructs a Router for identity, using crypto for end-to-end
// encryption and decryption of DATA payloads. The self-route is installed
// immediately; call Start to begin advertising.
func NewRouter(identity Identity, crypto Crypto, opts ...RouterOption) *Router {
	r := &Router{
		identity:       identity,
		crypto:         crypto,
		advInterval:    DefaultAdvInterval,
		forwarding:     true,
		resolveTimeout: DefaultResolveTimeout,
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.log = r.logger.WithFields(logrus.Fields{
		"component": "router",
		"self":      identity.PublicKey,
	})
	r.lm = NewLinkManager(r)
	r.resolver = NewResolver(
		WithResolverLogger(r.logger),
		WithResolveTimeout(r.resolveTimeout),
	)
	r.table = NewRouteTable(identity.PublicKey)

	return r
}

// LinkManager returns the Router's link manager, through which Links are
// registered.
func (r *Router) LinkManager() *LinkManager {
	return r.lm
}

// Routes returns a snapshot of the current routing table.
func (r *Router) Routes() []Route {
	return r.table.Snapshot()
}

// Start begins the advertisement loop and the ARP resolver's cache sweep.
// Start is a no-op if the Router is already running.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)

	r.cancel = cancel
	r.eg = eg
	r.running = true

	r.resolver.Start()
	eg.Go(func() error {
		r.advertiseLoop(ctx)
		return nil
	})
}

// Stop halts the advertisement loop and tears down the ARP resolver. A
// Stop concurrent with a SendData is tolerated; the worst outcome is a late
// dropped frame.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	eg := r.eg
	r.mu.Unlock()

	cancel()
	_ = eg.Wait()
	r.resolver.Stop()
}

// advertiseLoop is the Router's dedicated advertisement goroutine: every
// advInterval it sweeps expired routes, then broadcasts the current table
// on every managed link.
func (r *Router) advertiseLoop(ctx context.Context) {
	t := time.NewTicker(r.advInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.table.Sweep(); n > 0 {
				r.log.WithField("count", n).Debug("swept expired routes")
			}
			r.broadcastRoutes()
		}
	}
}

// broadcastRoutes emits one ADVERTISEMENT per known route, on every link,
// always claiming ourselves as the origin — we are asserting we are a
// viable next hop for everything we currently know a route to.
func (r *Router) broadcastRoutes() {
	routes := r.table.Snapshot()

	for _, link := range r.lm.Links() {
		for _, route := range routes {
			frame, err := encodeAdv(r.identity.PublicKey, route.Destination, route.Distance)
			if err != nil {
				r.log.WithError(err).Error("failed to encode route advertisement")
				continue
			}
			if err := link.Broadcast(frame); err != nil {
				r.log.WithError(err).WithField("dst", route.Destination).Warn("failed to broadcast advertisement")
			}
		}
	}
}

func encodeAdv(origin, dst NLAddr, distance uint8) ([]byte, error) {
	content, err := EncodeRouteAdvertisement(RouteAdvertisement{Address: string(dst), Distance: distance})
	if err != nil {
		return nil, err
	}
	payload, err := EncodeAdvPayload(AdvPayload{
		Origin:  string(origin),
		Type:    AdvTypeAdvertisement,
		Content: content,
	})
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(Envelope{Kind: MTypeADV, Payload: payload})
}

// OnReceive implements Receiver. It decodes the envelope and dispatches by
// kind; every failure is local, logged and dropped.
func (r *Router) OnReceive(link Link, b []byte, src LLAddr) {
	env, err := DecodeEnvelope(b)
	if err != nil {
		r.log.WithError(err).Debug("dropping undecodable frame")
		return
	}

	switch env.Kind {
	case MTypeADV:
		r.handleAdv(env, link)
	case MTypeARP:
		r.handleArp(env, link, src)
	case MTypeDATA:
		r.handleData(env)
	default:
		r.log.WithField("kind", env.Kind).Debug("dropping frame of unrecognised kind")
	}
}

// handleAdv processes an ADV envelope: RETRACTION is reserved but
// unimplemented and is logged as unsupported; ADVERTISEMENT is turned into
// a candidate route and handed to the table for arbitration.
func (r *Router) handleAdv(env Envelope, link Link) {
	adv, err := DecodeAdvPayload(env)
	if err != nil {
		r.log.WithError(err).Debug("dropping undecodable adv payload")
		return
	}

	if adv.Type == AdvTypeRetraction {
		r.log.Debug("dropping unsupported retraction")
		return
	}

	ra, err := DecodeRouteAdvertisement(adv.Content)
	if err != nil {
		r.log.WithError(err).Debug("dropping undecodable route advertisement")
		return
	}

	dst := NLAddr(ra.Address)
	if dst == r.identity.PublicKey {
		// Never let a remote advertisement override the self-route.
		return
	}

	candidate := Route{
		Destination: dst,
		Gateway:     NLAddr(adv.Origin),
		Distance:    addHopPenalty(ra.Distance),
		Link:        link,
	}

	switch result := r.table.Install(candidate); result {
	case "inserted", "replaced":
		r.log.WithFields(logrus.Fields{"dst": dst, "gateway": candidate.Gateway, "distance": candidate.Distance}).Debug(result + " route")
	case "refreshed":
		r.log.WithField("dst", dst).Debug("refreshed route")
	}
}

// addHopPenalty adds the fixed hop penalty to a received advertisement's
// distance, saturating at 255 rather than wrapping.
func addHopPenalty(d uint8) uint8 {
	sum := int(d) + hopPenalty
	if sum > 255 {
		return 255
	}
	return uint8(sum)
}

// handleArp answers ARP requests for our own address only (no proxy ARP);
// RESPONSE frames are the resolver's business and are logged and dropped
// here.
func (r *Router) handleArp(env Envelope, link Link, src LLAddr) {
	arp, err := DecodeArpPayload(env)
	if err != nil {
		r.log.WithError(err).Debug("dropping undecodable arp payload")
		return
	}

	switch arp.Type {
	case ArpTypeRequest:
		r.handleArpRequest(arp, link, src)
	case ArpTypeResponse:
		r.log.Debug("dropping arp response seen at router (resolver handles these)")
	default:
		r.log.WithField("type", arp.Type).Debug("dropping arp payload of unrecognised type")
	}
}

func (r *Router) handleArpRequest(arp ArpPayload, link Link, src LLAddr) {
	requested, err := DecodeArpRequest(arp.Content)
	if err != nil {
		r.log.WithError(err).Debug("dropping undecodable arp request")
		return
	}

	if NLAddr(requested) != r.identity.PublicKey {
		return
	}

	content, err := EncodeArpReply(ArpReply{L3: requested, L2: string(link.Address())})
	if err != nil {
		r.log.WithError(err).Error("failed to encode arp reply")
		return
	}
	payload, err := EncodeArpPayload(ArpPayload{Type: ArpTypeResponse, Content: content})
	if err != nil {
		r.log.WithError(err).Error("failed to encode arp response payload")
		return
	}
	frame, err := EncodeEnvelope(Envelope{Kind: MTypeARP, Payload: payload})
	if err != nil {
		r.log.WithError(err).Error("failed to encode arp response envelope")
		return
	}

	if err := link.Transmit(frame, src); err != nil {
		r.log.WithError(err).WithField("dst", src).Warn("failed to transmit arp response")
	}
}

// handleData locally delivers a DATA packet addressed to us, or attempts to
// forward it when forwarding is enabled; otherwise it is dropped.
func (r *Router) handleData(env Envelope) {
	data, err := DecodeDataPayload(env)
	if err != nil {
		r.log.WithError(err).Debug("dropping undecodable data payload")
		return
	}

	if NLAddr(data.Dst) == r.identity.PublicKey {
		plaintext, err := r.crypto.Decrypt(data.Data, r.identity.PrivateKey)
		if err != nil {
			r.log.WithError(err).Warn("failed to decrypt locally-delivered data packet")
			return
		}
		if r.onData != nil {
			r.onData(UserDataPkt{Src: NLAddr(data.Src), Payload: plaintext})
		}
		return
	}

	if !r.forwarding {
		r.log.WithField("dst", data.Dst).Debug("dropping data packet: forwarding disabled")
		return
	}
	r.attemptForward(data)
}

// attemptForward looks up the route to data.Dst, resolves the next hop over
// that route's link, and retransmits the packet unchanged. A route miss or
// ARP failure is logged and the packet is dropped.
func (r *Router) attemptForward(data DataPayload) {
	route, ok := r.table.Lookup(NLAddr(data.Dst))
	if !ok {
		err := fmt.Errorf("twine: forwarding to %s: %w", data.Dst, ErrRouteMiss)
		r.log.WithError(err).Debug("dropping data packet")
		return
	}

	entry := r.resolver.Resolve(route.Gateway, route.Link)
	if entry.IsEmpty() {
		r.log.WithFields(logrus.Fields{"dst": data.Dst, "gateway": route.Gateway}).Warn("dropping data packet: arp resolution failed")
		return
	}

	payload, err := EncodeDataPayload(data)
	if err != nil {
		r.log.WithError(err).Error("failed to re-encode forwarded data packet")
		return
	}
	frame, err := EncodeEnvelope(Envelope{Kind: MTypeDATA, Payload: payload})
	if err != nil {
		r.log.WithError(err).Error("failed to re-encode forwarded data envelope")
		return
	}

	if err := route.Link.Transmit(frame, entry.LL); err != nil {
		r.log.WithError(err).WithField("dst", data.Dst).Warn("failed to transmit forwarded data packet")
	}
}

// SendData encrypts payload for dst and sends it as a DATA packet along the
// route currently installed for dst. It returns false on route miss, ARP
// failure, or an encryption, encoding or transmit error; it returns true
// once the packet has been handed to the link or delivered locally.
//
// On self-delivery (dst is our own public key), SendData decrypts its own
// ciphertext before invoking the callback, so the caller observes the same
// plaintext it handed in rather than raw ciphertext, self-addressed or not
// (see DESIGN.md for the reasoning).
func (r *Router) SendData(payload []byte, dst NLAddr) bool {
	route, ok := r.table.Lookup(dst)
	if !ok {
		err := fmt.Errorf("twine: sending to %s: %w", dst, ErrRouteMiss)
		r.log.WithError(err).Debug("dropping outbound data packet")
		return false
	}

	ciphertext, err := r.crypto.Encrypt(payload, dst)
	if err != nil {
		r.log.WithError(err).WithField("dst", dst).Error("failed to encrypt outbound data packet")
		return false
	}

	if route.IsSelfRoute() {
		plaintext, err := r.crypto.Decrypt(ciphertext, r.identity.PrivateKey)
		if err != nil {
			r.log.WithError(err).Error("failed to decrypt self-addressed data packet")
			return false
		}
		if r.onData != nil {
			r.onData(UserDataPkt{Src: r.identity.PublicKey, Payload: plaintext})
		}
		return true
	}

	entry := r.resolver.Resolve(route.Gateway, route.Link)
	if entry.IsEmpty() {
		return false
	}

	data := DataPayload{
		TTL:  255,
		Data: ciphertext,
		Src:  string(r.identity.PublicKey),
		Dst:  string(dst),
	}
	payloadBytes, err := EncodeDataPayload(data)
	if err != nil {
		r.log.WithError(err).Error("failed to encode outbound data payload")
		return false
	}
	frame, err := EncodeEnvelope(Envelope{Kind: MTypeDATA, Payload: payloadBytes})
	if err != nil {
		r.log.WithError(err).Error("failed to encode outbound data envelope")
		return false
	}

	if err := route.Link.Transmit(frame, entry.LL); err != nil {
		r.log.WithError(err).WithField("dst", dst).Warn("failed to transmit outbound data packet")
		return false
	}
	return true
}
