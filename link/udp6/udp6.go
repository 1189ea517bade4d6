// Package udp6 implements twine's primary concrete Link driver: unicast and
// broadcast framing over an IPv6 link-local UDP multicast group, the way
// mdlayher/ndp's Conn framed Neighbor Discovery messages over raw ICMPv6 —
// join the group on Dial, read with a dedicated goroutine, write unicast or
// to the group.
package udp6

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv6"

	"github.com/deavmi/twine"
)

// DefaultGroup is the multicast group twine links join by default, chosen
// from the IPv6 link-local scope to stay off the public Internet.
var DefaultGroup = net.ParseIP("ff02::cafe")

// linkLocalPrefix is the IPv6 link-local prefix fe80::/10.
var linkLocalPrefix = &net.IPNet{
	IP:   net.ParseIP("fe80::"),
	Mask: net.CIDRMask(10, 128),
}

// IsLinkLocal reports whether ip (a 16-byte IPv6 address) falls within the
// link-local scope fe80::/10. Only the first two octets are consulted, per
// the /10 mask.
func IsLinkLocal(ip net.IP) bool {
	ip16 := ip.To16()
	if ip16 == nil || ip.To4() != nil {
		return false
	}
	return linkLocalPrefix.Contains(ip16)
}

// linkLocalAddr searches for a valid IPv6 link-local address on ifi.
func linkLocalAddr(ifi *net.Interface) (*net.IPAddr, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}

	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if !IsLinkLocal(ipn.IP) {
			continue
		}
		return &net.IPAddr{IP: ipn.IP, Zone: ifi.Name}, nil
	}

	return nil, fmt.Errorf("twine/udp6: no link-local address found on %s", ifi.Name)
}

// Link is a twine.Link backed by a UDP socket bound to an interface's IPv6
// link-local address, with multicast broadcast via DefaultGroup (or a
// caller-supplied group).
type Link struct {
	twine.BaseLink

	conn net.PacketConn
	pc   *ipv6.PacketConn
	ifi  *net.Interface
	port int
	group net.IP
	addr  twine.LLAddr

	closed chan struct{}
}

// Dial binds to ifi's IPv6 link-local address on port and joins group for
// broadcast framing. Pass a nil group to use DefaultGroup.
func Dial(ifi *net.Interface, port int, group net.IP) (*Link, error) {
	if group == nil {
		group = DefaultGroup
	}

	llAddr, err := linkLocalAddr(ifi)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket("udp6", fmt.Sprintf("[%s%%%s]:%d", llAddr.IP, ifi.Name, port))
	if err != nil {
		return nil, fmt.Errorf("twine/udp6: listen: %w", err)
	}

	pc := ipv6.NewPacketConn(conn)

	groupAddr := &net.UDPAddr{IP: group, Zone: ifi.Name, Port: port}
	if err := pc.JoinGroup(ifi, groupAddr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("twine/udp6: join group: %w", err)
	}

	// Best-effort: twine frames don't strictly depend on hop limit; setting
	// it to 255 mirrors NDP's fixed hop limit. Traffic stays on the link
	// because the bound address and the group are link-local scoped.
	_ = pc.SetHopLimit(255)
	_ = pc.SetMulticastHopLimit(255)

	l := &Link{
		conn:   conn,
		pc:     pc,
		ifi:    ifi,
		port:   port,
		group:  group,
		addr:   twine.LLAddr(fmt.Sprintf("[%s%%%s]:%d", llAddr.IP, ifi.Name, port)),
		closed: make(chan struct{}),
	}
	go l.readLoop()

	return l, nil
}

func (l *Link) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, src, err := l.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
				continue
			}
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		ll := twine.LLAddr(fmt.Sprintf("[%s%%%s]:%d", udpSrc.IP, l.ifi.Name, udpSrc.Port))
		l.Receive(frame, ll)
	}
}

// Address implements twine.Link.
func (l *Link) Address() twine.LLAddr { return l.addr }

// Transmit implements twine.Link: unicasts b to dst, parsed as
// "[addr%zone]:port".
func (l *Link) Transmit(b []byte, dst twine.LLAddr) error {
	addr, err := net.ResolveUDPAddr("udp6", string(dst))
	if err != nil {
		return fmt.Errorf("twine/udp6: %w: %v", twine.ErrInvalidAddress, err)
	}
	_, err = l.pc.WriteTo(b, nil, addr)
	return err
}

// Broadcast implements twine.Link: sends b to the joined multicast group.
func (l *Link) Broadcast(b []byte) error {
	addr := &net.UDPAddr{IP: l.group, Zone: l.ifi.Name, Port: l.port}
	_, err := l.pc.WriteTo(b, nil, addr)
	return err
}

// Receive implements twine.Link by fanning the frame out to every attached
// Receiver via BaseLink.
func (l *Link) Receive(b []byte, src twine.LLAddr) {
	l.BaseLink.Receive(l, b, src)
}

// Close leaves the multicast group and closes the underlying socket.
func (l *Link) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
		close(l.closed)
	}
	return l.conn.Close()
}

var _ twine.Link = (*Link)(nil)
