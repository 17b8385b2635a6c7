// Package rid defines the 32-byte identifiers used throughout Ratman:
// addresses, stream ids, block references, route ids, and auth tokens.
package rid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of an Ident32.
const Size = 32

// Ident32 is a 32-byte opaque identifier. Comparison is bytewise.
type Ident32 [Size]byte

// Random returns a new Ident32 filled with cryptographically random bytes.
func Random() Ident32 {
	var id Ident32
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read on supported platforms only fails if the OS
		// entropy source is unavailable, which we cannot recover from.
		panic(fmt.Sprintf("rid: read random: %v", err))
	}
	return id
}

// FromBytes copies b into a new Ident32. It panics if len(b) != Size; callers
// parsing untrusted wire input must check the length themselves first.
func FromBytes(b []byte) Ident32 {
	if len(b) != Size {
		panic(fmt.Sprintf("rid: expected %d bytes, got %d", Size, len(b)))
	}
	var id Ident32
	copy(id[:], b)
	return id
}

// ParseIdent32 parses the lowercase-hex form String renders, for CLI
// arguments and journal row reconstruction.
func ParseIdent32(s string) (Ident32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Ident32{}, fmt.Errorf("rid: parse: %w", err)
	}
	if len(b) != Size {
		return Ident32{}, fmt.Errorf("rid: parse: expected %d bytes, got %d", Size, len(b))
	}
	var id Ident32
	copy(id[:], b)
	return id, nil
}

// Slice returns id as a byte slice sharing no memory with id.
func (id Ident32) Slice() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// IsZero reports whether id is the all-zero identifier.
func (id Ident32) IsZero() bool {
	return id == Ident32{}
}

// String renders id as lowercase hex, for logging.
func (id Ident32) String() string {
	return hex.EncodeToString(id[:])
}

// Less provides a total order over Ident32 for tie-breaking (e.g. "lowest
// ping, ties broken by lexicographic link id" in the route table).
func (id Ident32) Less(other Ident32) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Address is an Ident32 interpreted as a public key identifying a routable
// endpoint.
type Address Ident32

func (a Address) String() string  { return Ident32(a).String() }
func (a Address) IsZero() bool    { return Ident32(a).IsZero() }
func (a Address) Slice() []byte   { return Ident32(a).Slice() }
func RandomAddress() Address      { return Address(Random()) }

// ParseAddress parses the lowercase-hex form Address.String renders.
func ParseAddress(s string) (Address, error) {
	id, err := ParseIdent32(s)
	return Address(id), err
}

// Recipient is the destination selector carried on a carrier frame: either a
// single unicast Address or a Namespace (multicast/flood scope).
type Recipient struct {
	isNamespace bool
	id          Ident32
}

// RecipientAddress builds a unicast Recipient.
func RecipientAddress(a Address) Recipient {
	return Recipient{isNamespace: false, id: Ident32(a)}
}

// RecipientNamespace builds a multicast-scope Recipient.
func RecipientNamespace(ns Ident32) Recipient {
	return Recipient{isNamespace: true, id: ns}
}

// IsNamespace reports whether r addresses a namespace rather than a single
// address.
func (r Recipient) IsNamespace() bool { return r.isNamespace }

// Address returns the wrapped Address. Only valid if !IsNamespace().
func (r Recipient) Address() Address { return Address(r.id) }

// Namespace returns the wrapped namespace id. Only valid if IsNamespace().
func (r Recipient) Namespace() Ident32 { return r.id }

// ID returns the underlying identifier regardless of tag, useful for seen-set
// and route table keys.
func (r Recipient) ID() Ident32 { return r.id }

func (r Recipient) String() string {
	if r.isNamespace {
		return "namespace:" + r.id.String()
	}
	return "address:" + r.id.String()
}

func (r Recipient) Equal(o Recipient) bool {
	return r.isNamespace == o.isNamespace && r.id == o.id
}

// NeighbourKind tags the variant of a Neighbour.
type NeighbourKind int

const (
	NeighbourSingle NeighbourKind = iota
	NeighbourFlood
	NeighbourFloodExcept
	NeighbourDrop
)

// Neighbour selects which directly-connected peer(s) of an Endpoint an
// envelope should be sent to. It is never carried on the wire; it is purely
// an argument to the intra-router Endpoint.Send call.
type Neighbour struct {
	Kind NeighbourKind
	id   Ident32 // valid for NeighbourSingle and NeighbourFloodExcept
}

func Single(id Ident32) Neighbour       { return Neighbour{Kind: NeighbourSingle, id: id} }
func Flood() Neighbour                  { return Neighbour{Kind: NeighbourFlood} }
func FloodExcept(id Ident32) Neighbour  { return Neighbour{Kind: NeighbourFloodExcept, id: id} }
func Drop() Neighbour                   { return Neighbour{Kind: NeighbourDrop} }

// AssumeSingle returns the wrapped id, panicking if Kind isn't
// NeighbourSingle. Named after the original implementation's
// assume_single(), used where the caller has already established (e.g. via
// a switch on Kind) that this must be a Single.
func (n Neighbour) AssumeSingle() Ident32 {
	if n.Kind != NeighbourSingle {
		panic("rid: AssumeSingle called on a non-Single Neighbour")
	}
	return n.id
}

// Excluded returns the excluded id for NeighbourFloodExcept.
func (n Neighbour) Excluded() Ident32 {
	if n.Kind != NeighbourFloodExcept {
		panic("rid: Excluded called on a non-FloodExcept Neighbour")
	}
	return n.id
}

func (n Neighbour) String() string {
	switch n.Kind {
	case NeighbourSingle:
		return "single:" + n.id.String()
	case NeighbourFlood:
		return "flood"
	case NeighbourFloodExcept:
		return "flood-except:" + n.id.String()
	case NeighbourDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// SequenceIdV1 gives carrier-frame-level ordering for the frames of a single
// block: hash identifies the block (its eventual content reference), num is
// this frame's position and max is the last frame's position, both inclusive
// 0-based (num in [0, max]).
type SequenceIdV1 struct {
	Hash Ident32
	Num  uint8
	Max  uint8
}

// Key returns a value suitable for use as a map/seen-set key, combining the
// block hash with this specific frame's position.
func (s SequenceIdV1) Key() [Size + 2]byte {
	var k [Size + 2]byte
	copy(k[:Size], s.Hash[:])
	k[Size] = s.Num
	k[Size+1] = s.Max
	return k
}
