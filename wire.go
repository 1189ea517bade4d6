// Package twine implements the core of an overlay mesh router whose
// identity is a public key rather than a numeric address: a routing table
// keyed by peer public keys, periodic route advertisements exchanged over
// pluggable link drivers, an ARP-style resolver mapping public keys to
// link-layer addresses, and end-to-end encrypted unicast forwarding.
package twine

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// mh is the shared MessagePack handle used to encode and decode every wire
// frame. It is safe for concurrent use by encoders and decoders built from
// it. StructToArray is mandatory: the wire contract is bit-exact positional
// tuples in field-declaration order, not maps keyed by Go field name.
var mh = &codec.MsgpackHandle{}

func init() {
	mh.StructToArray = true
}

// MType identifies the kind of payload an Envelope carries. The ordinals
// are part of the wire contract and must never be renumbered.
type MType uint8

// Envelope kinds. UNKNOWN is the zero value and must never be emitted.
const (
	MTypeUnknown MType = 0
	MTypeADV     MType = 1
	MTypeDATA    MType = 2
	MTypeARP     MType = 3
)

// String implements fmt.Stringer for log messages.
func (t MType) String() string {
	switch t {
	case MTypeADV:
		return "ADV"
	case MTypeDATA:
		return "DATA"
	case MTypeARP:
		return "ARP"
	default:
		return "UNKNOWN"
	}
}

// AdvType distinguishes an advertisement from a retraction. RETRACTION is
// reserved on the wire but unimplemented; receivers log and drop it.
type AdvType uint8

const (
	AdvTypeAdvertisement AdvType = 0
	AdvTypeRetraction    AdvType = 1
)

// ArpType distinguishes an ARP request from its response.
type ArpType uint8

const (
	ArpTypeRequest  ArpType = 0
	ArpTypeResponse ArpType = 1
)

// Envelope is the outermost frame exchanged between routers: a kind tag and
// an opaque, kind-specific payload.
type Envelope struct {
	Kind    MType
	Payload []byte
}

// EncodeEnvelope serialises an Envelope to its self-delimited wire form.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.Kind == MTypeUnknown {
		return nil, fmt.Errorf("twine: encode envelope: %w: kind is UNKNOWN", ErrUnknownKind)
	}
	return encode(&e)
}

// DecodeEnvelope parses an Envelope from bytes produced by EncodeEnvelope.
// Decoding is total: a malformed frame returns ErrDecode, never a panic.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := decode(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("twine: decode envelope: %w: %v", ErrDecode, err)
	}
	return e, nil
}

// AdvPayload is the payload of an Envelope with Kind == MTypeADV.
type AdvPayload struct {
	Origin  string // NL address of the node emitting this advertisement
	Type    AdvType
	Content []byte // decodes to RouteAdvertisement when Type == AdvTypeAdvertisement
	Dummy   string // reserved, always empty; kept for wire-layout parity
}

// RouteAdvertisement is an AdvPayload.Content decoded when Type is
// AdvTypeAdvertisement.
type RouteAdvertisement struct {
	Address  string // NL address being advertised
	Distance uint8
}

// EncodeAdvPayload serialises an AdvPayload.
func EncodeAdvPayload(p AdvPayload) ([]byte, error) {
	return encode(&p)
}

// DecodeAdvPayload parses an AdvPayload from an Envelope's Payload. It only
// succeeds if the envelope's Kind was MTypeADV.
func DecodeAdvPayload(env Envelope) (AdvPayload, error) {
	if env.Kind != MTypeADV {
		return AdvPayload{}, fmt.Errorf("twine: decode adv payload: %w: envelope kind is %s", ErrDecode, env.Kind)
	}
	var p AdvPayload
	if err := decode(env.Payload, &p); err != nil {
		return AdvPayload{}, fmt.Errorf("twine: decode adv payload: %w: %v", ErrDecode, err)
	}
	return p, nil
}

// EncodeRouteAdvertisement serialises a RouteAdvertisement for use as
// AdvPayload.Content.
func EncodeRouteAdvertisement(ra RouteAdvertisement) ([]byte, error) {
	return encode(&ra)
}

// DecodeRouteAdvertisement parses an AdvPayload.Content.
func DecodeRouteAdvertisement(b []byte) (RouteAdvertisement, error) {
	var ra RouteAdvertisement
	if err := decode(b, &ra); err != nil {
		return RouteAdvertisement{}, fmt.Errorf("twine: decode route advertisement: %w: %v", ErrDecode, err)
	}
	return ra, nil
}

// ArpPayload is the payload of an Envelope with Kind == MTypeARP.
type ArpPayload struct {
	Type    ArpType
	Content []byte // str for REQUEST, ArpReply for RESPONSE
}

// ArpReply is an ArpPayload.Content decoded when Type is ArpTypeResponse.
type ArpReply struct {
	L3 string // NL address that was resolved
	L2 string // LL address it resolves to
}

// EncodeArpPayload serialises an ArpPayload.
func EncodeArpPayload(p ArpPayload) ([]byte, error) {
	return encode(&p)
}

// DecodeArpPayload parses an ArpPayload from an Envelope's Payload. It only
// succeeds if the envelope's Kind was MTypeARP.
func DecodeArpPayload(env Envelope) (ArpPayload, error) {
	if env.Kind != MTypeARP {
		return ArpPayload{}, fmt.Errorf("twine: decode arp payload: %w: envelope kind is %s", ErrDecode, env.Kind)
	}
	var p ArpPayload
	if err := decode(env.Payload, &p); err != nil {
		return ArpPayload{}, fmt.Errorf("twine: decode arp payload: %w: %v", ErrDecode, err)
	}
	return p, nil
}

// EncodeArpReply serialises an ArpReply for use as ArpPayload.Content.
func EncodeArpReply(r ArpReply) ([]byte, error) {
	return encode(&r)
}

// DecodeArpReply parses an ArpPayload.Content for Type == ArpTypeResponse.
func DecodeArpReply(b []byte) (ArpReply, error) {
	var r ArpReply
	if err := decode(b, &r); err != nil {
		return ArpReply{}, fmt.Errorf("twine: decode arp reply: %w: %v", ErrDecode, err)
	}
	return r, nil
}

// EncodeArpRequest serialises an NL address for use as ArpPayload.Content
// when Type is ArpTypeRequest.
func EncodeArpRequest(nl string) ([]byte, error) {
	return encode(&nl)
}

// DecodeArpRequest parses an ArpPayload.Content for Type == ArpTypeRequest.
func DecodeArpRequest(b []byte) (string, error) {
	var nl string
	if err := decode(b, &nl); err != nil {
		return "", fmt.Errorf("twine: decode arp request: %w: %v", ErrDecode, err)
	}
	return nl, nil
}

// DataPayload is the payload of an Envelope with Kind == MTypeDATA. Data is
// already ciphertext under the destination's public key by the time it is
// framed here; the codec never sees plaintext.
type DataPayload struct {
	TTL  uint8 // default 255; no fragmentation or reassembly is performed
	Data []byte
	Src  string // NL address of the originator
	Dst  string // NL address of the final recipient
}

// EncodeDataPayload serialises a DataPayload.
func EncodeDataPayload(p DataPayload) ([]byte, error) {
	return encode(&p)
}

// DecodeDataPayload parses a DataPayload from an Envelope's Payload. It only
// succeeds if the envelope's Kind was MTypeDATA.
func DecodeDataPayload(env Envelope) (DataPayload, error) {
	if env.Kind != MTypeDATA {
		return DataPayload{}, fmt.Errorf("twine: decode data payload: %w: envelope kind is %s", ErrDecode, env.Kind)
	}
	var p DataPayload
	if err := decode(env.Payload, &p); err != nil {
		return DataPayload{}, fmt.Errorf("twine: decode data payload: %w: %v", ErrDecode, err)
	}
	return p, nil
}

// encode msgpack-encodes v into a freshly allocated, self-delimited buffer.
func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode msgpack-decodes b into v. Any schema mismatch or truncation
// surfaces as a non-nil error; decode never panics on attacker-controlled
// input.
func decode(b []byte, v interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("twine: malformed frame: %v", r)
		}
	}()
	dec := codec.NewDecoder(bytes.NewReader(b), mh)
	return dec.Decode(v)
}
