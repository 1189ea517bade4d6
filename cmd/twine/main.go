// Command twine is a utility for joining a twine overlay mesh over a
// network interface and exchanging user data packets with other nodes.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deavmi/twine"
	"github.com/deavmi/twine/link/udp6"
)

func main() {
	var (
		ifiFlag    = flag.String("i", "", "network interface to use for twine communication (required)")
		keyFlag    = flag.String("k", "", "hex-encoded identity key (default: generate a random one)")
		targetFlag = flag.String("t", "", "public key of a node to send messages to, read line by line from stdin")
		portFlag   = flag.Int("p", 7946, "UDP port for the twine multicast group")
		verboseFlag = flag.Bool("v", false, "enable debug logging")
	)

	flag.Usage = func() {
		fmt.Println(usage)
		fmt.Println("Flags:")
		flag.PrintDefaults()
	}
	flag.Parse()

	ll := log.New(os.Stderr, "twine> ", 0)

	ifi, err := findInterface(*ifiFlag)
	if err != nil {
		ll.Fatalf("failed to get interface: %v", err)
	}

	logger := logrus.StandardLogger()
	if *verboseFlag {
		logger.SetLevel(logrus.DebugLevel)
	}

	id, err := loadOrGenerateIdentity(*keyFlag)
	if err != nil {
		ll.Fatalf("failed to load identity: %v", err)
	}
	ll.Printf("identity: %s", id.PublicKey)

	link, err := udp6.Dial(ifi, *portFlag, nil)
	if err != nil {
		ll.Fatalf("failed to dial interface %s: %v", ifi.Name, err)
	}
	defer link.Close()

	r := twine.NewRouter(id, demoCrypto{}, twine.WithRouterLogger(logger), twine.WithOnData(func(p twine.UserDataPkt) {
		ll.Printf("%s: %s", p.Src, p.Payload)
	}))
	r.LinkManager().AddLink(link)
	r.Start()
	defer r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt)
	go func() {
		<-sigC
		cancel()
	}()

	if *targetFlag == "" {
		ll.Print("no -t target given, running as a relay; Ctrl-C to stop")
		<-ctx.Done()
		return
	}

	dst := twine.NLAddr(*targetFlag)
	go reportRoutes(ctx, r, ll)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if !r.SendData([]byte(line), dst) {
			ll.Printf("failed to send to %s (no route yet?)", dst)
			continue
		}
	}
}

// reportRoutes periodically logs the routing table, useful for watching
// convergence while running the binary on more than one host.
func reportRoutes(ctx context.Context, r *twine.Router, ll *log.Logger) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, rt := range r.Routes() {
				ll.Printf("route: %s via %s dist=%d", rt.Destination, rt.Gateway, rt.Distance)
			}
		}
	}
}

func loadOrGenerateIdentity(hexKey string) (twine.Identity, error) {
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return twine.Identity{}, fmt.Errorf("twine: bad hex key: %w", err)
		}
		return twine.Identity{
			PublicKey:  twine.NLAddr(hexKey),
			PrivateKey: twine.PrivateKey(key),
		}, nil
	}

	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return twine.Identity{}, fmt.Errorf("twine: generating identity: %w", err)
	}
	pub := hex.EncodeToString(key)
	return twine.Identity{
		PublicKey:  twine.NLAddr(pub),
		PrivateKey: twine.PrivateKey(key),
	}, nil
}

// demoCrypto is a placeholder twine.Crypto for this command: it XORs
// against the peer's public key bytes rather than performing any real
// asymmetric operation. A production deployment supplies its own Crypto
// backed by a real keypair primitive; see internal/twinetest.FakeCrypto for
// the equivalent used in the test suite.
type demoCrypto struct{}

func (demoCrypto) Encrypt(plaintext []byte, peerPublicKey twine.NLAddr) ([]byte, error) {
	key, err := hex.DecodeString(string(peerPublicKey))
	if err != nil || len(key) == 0 {
		key = []byte(peerPublicKey)
	}
	return xorWith(plaintext, key), nil
}

func (demoCrypto) Decrypt(ciphertext []byte, ownPrivateKey twine.PrivateKey) ([]byte, error) {
	return xorWith(ciphertext, []byte(ownPrivateKey)), nil
}

func xorWith(b, key []byte) []byte {
	if len(key) == 0 {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ key[i%len(key)]
	}
	return out
}

// findInterface attempts to find the specified interface. If name is empty,
// it attempts to find a usable, up and ready, IPv6-capable interface.
func findInterface(name string) (*net.Interface, error) {
	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("could not find interface %q: %v", name, err)
		}
		return ifi, nil
	}

	ifis, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, ifi := range ifis {
		if ifi.Flags&net.FlagUp == 0 ||
			ifi.Flags&net.FlagMulticast == 0 ||
			ifi.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := ifi.Addrs()
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if udp6.IsLinkLocal(ipNet.IP) {
				return &ifi, nil
			}
		}
	}

	return nil, fmt.Errorf("could not find a usable IPv6-enabled interface")
}

const usage = `twine: join an overlay mesh keyed by public-key identity.

Examples:
  Join the mesh on eth0 as a relay, logging any data addressed to us.

    $ sudo twine -i eth0

  Join the mesh on eth0 and send stdin, line by line, to a known peer.

    $ sudo twine -i eth0 -t a1b2c3d4e5f6...`
