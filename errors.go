package twine

import "errors"

// Sentinel errors returned by twine's router, resolver and codec. Wrap with
// fmt.Errorf and "%w" for context; compare with errors.Is.
var (
	// ErrDecode indicates a frame failed to decode: it was truncated, or its
	// payload did not match the envelope's declared kind.
	ErrDecode = errors.New("twine: decode error")

	// ErrUnknownKind indicates an attempt to encode an envelope whose kind is
	// MType UNKNOWN. Other unrecognised ordinals are not rejected by the codec.
	ErrUnknownKind = errors.New("twine: unknown message kind")

	// ErrRouteMiss indicates no route exists for a requested destination.
	ErrRouteMiss = errors.New("twine: no route to destination")

	// ErrResolveTimeout indicates an ARP resolution did not complete within
	// the configured timeout.
	ErrResolveTimeout = errors.New("twine: arp resolution timed out")

	// ErrInvalidAddress indicates a malformed network- or link-layer
	// address was supplied to an API that requires a well-formed one.
	ErrInvalidAddress = errors.New("twine: invalid address")

	// ErrLinkClosed indicates an operation was attempted against a Link
	// that has already been torn down.
	ErrLinkClosed = errors.New("twine: link closed")
)
