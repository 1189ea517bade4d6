// Package twinetest provides test fixtures shared across twine's package
// tests: stand-in identities and a toy, reversible Crypto implementation.
// None of this is suitable for anything but tests — see the doc comment on
// FakeCrypto.
package twinetest

import (
	"github.com/deavmi/twine"
)

// NewIdentity builds an Identity for pub whose private key is, for test
// purposes only, the same bytes as the public key. FakeCrypto relies on
// this to make Encrypt/Decrypt reversible without a real keypair.
func NewIdentity(pub string) twine.Identity {
	return twine.Identity{
		PublicKey:  twine.NLAddr(pub),
		PrivateKey: twine.PrivateKey(pub),
	}
}

// FakeCrypto is a toy, symmetric stand-in for twine's opaque asymmetric
// Crypto collaborator. It XORs the plaintext with a keystream derived from
// the peer's public key, and reverses that XOR using what NewIdentity made
// the matching private key. It is not cryptography; it exists so tests can
// exercise the encrypt-on-send / decrypt-on-receive data path without a
// real public-key primitive.
type FakeCrypto struct{}

func (FakeCrypto) Encrypt(plaintext []byte, peerPublicKey twine.NLAddr) ([]byte, error) {
	return xorWith(plaintext, []byte(peerPublicKey)), nil
}

func (FakeCrypto) Decrypt(ciphertext []byte, ownPrivateKey twine.PrivateKey) ([]byte, error) {
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
