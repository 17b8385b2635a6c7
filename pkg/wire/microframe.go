package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
)

// Namespace partitions microframe operations (spec §4.1, §4.7).
type Namespace uint8

const (
	NSAddr Namespace = iota
	NSPeer
	NSRecv
	NSSend
	NSNamespace
	NSStatus
	NSLink
	NSContact
	NSIntrinsic
)

func (n Namespace) String() string {
	switch n {
	case NSAddr:
		return "addr"
	case NSPeer:
		return "peer"
	case NSRecv:
		return "recv"
	case NSSend:
		return "send"
	case NSNamespace:
		return "namespace"
	case NSStatus:
		return "status"
	case NSLink:
		return "link"
	case NSContact:
		return "contact"
	case NSIntrinsic:
		return "intrinsic"
	default:
		return "unknown"
	}
}

// ClientAuth is the bearer token established at IPC handshake (spec §3).
type ClientAuth struct {
	ClientID rid.Ident32
	Token    rid.Ident32
}

const microHasAuth = 1 << 0

// MicroHeader is the fixed-size portion of a microframe: {modes:
// (namespace, op), auth, payload_size}.
type MicroHeader struct {
	Namespace   Namespace
	Op          uint8
	Auth        *ClientAuth
	PayloadSize uint32
}

// DecodeMicroframe parses one microframe (length prefix + header + payload)
// from the front of buf, the same Incomplete/Malformed/OK contract as
// DecodeFrame.
func DecodeMicroframe(buf []byte) (hdr MicroHeader, payload []byte, consumed int, status Status) {
	if len(buf) < 4 {
		return hdr, nil, 0, StatusIncomplete
	}
	hlen := binary.BigEndian.Uint32(buf[0:4])
	if hlen == 0 || hlen > 1<<16 {
		return hdr, nil, 4, StatusMalformed
	}
	total := 4 + int(hlen)
	if len(buf) < total {
		return hdr, nil, 0, StatusIncomplete
	}

	h, n, ok := decodeMicroHeader(buf[4:total])
	if !ok || n != int(hlen) {
		return hdr, nil, total, StatusMalformed
	}

	payloadEnd := total + int(h.PayloadSize)
	if len(buf) < payloadEnd {
		return hdr, nil, 0, StatusIncomplete
	}
	return h, buf[total:payloadEnd], payloadEnd, StatusOK
}

func decodeMicroHeader(b []byte) (hdr MicroHeader, n int, ok bool) {
	if len(b) < 3 {
		return hdr, 0, false
	}
	hdr.Namespace = Namespace(b[0])
	hdr.Op = b[1]
	flags := b[2]
	off := 3

	if flags&microHasAuth != 0 {
		if len(b) < off+2*rid.Size {
			return hdr, 0, false
		}
		hdr.Auth = &ClientAuth{
			ClientID: rid.FromBytes(b[off : off+rid.Size]),
			Token:    rid.FromBytes(b[off+rid.Size : off+2*rid.Size]),
		}
		off += 2 * rid.Size
	}

	if len(b) < off+4 {
		return hdr, 0, false
	}
	hdr.PayloadSize = binary.BigEndian.Uint32(b[off:])
	off += 4

	return hdr, off, true
}

// EncodeMicroframe generates the wire representation of a microframe.
func EncodeMicroframe(hdr MicroHeader, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > 1<<32-1 {
		return nil, rerrs.New(rerrs.KindEncoding, "wire.encode_microframe", fmt.Errorf("payload too large"))
	}
	hdr.PayloadSize = uint32(len(payload))

	var flags byte
	if hdr.Auth != nil {
		flags |= microHasAuth
	}

	hb := make([]byte, 0, 16)
	hb = append(hb, byte(hdr.Namespace), hdr.Op, flags)
	if hdr.Auth != nil {
		hb = append(hb, hdr.Auth.ClientID.Slice()...)
		hb = append(hb, hdr.Auth.Token.Slice()...)
	}
	hb = binary.BigEndian.AppendUint32(hb, hdr.PayloadSize)

	buf := make([]byte, 0, 4+len(hb)+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(hb)))
	buf = append(buf, hb...)
	buf = append(buf, payload...)
	return buf, nil
}

// HelloMajorVersion is the major protocol version advertised and checked at
// IPC handshake (spec §4.7, §6, §8 S6). Bumped on incompatible microframe
// wire changes.
const HelloMajorVersion = 1

// Hello is the very first message exchanged over an IPC connection, before
// any microframe: the router's version announcement and the client's
// matching reply.
type Hello struct {
	Major uint16
	Minor uint16
}

// EncodeHello generates the 4-byte HELLO line.
func EncodeHello(h Hello) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:], h.Major)
	binary.BigEndian.PutUint16(b[2:], h.Minor)
	return b
}

// DecodeHello parses a 4-byte HELLO line.
func DecodeHello(b []byte) (Hello, bool) {
	if len(b) != 4 {
		return Hello{}, false
	}
	return Hello{
		Major: binary.BigEndian.Uint16(b[0:]),
		Minor: binary.BigEndian.Uint16(b[2:]),
	}, true
}
