// Package wire implements the two framing planes Ratman speaks: carrier
// frames (peer links) and microframes (the local IPC socket). See spec §4.1
// and §6.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
)

// Mode identifies the kind of payload a carrier frame carries.
type Mode uint16

const (
	ModeAnnounce Mode = 2
	ModeData     Mode = 4
	ModeManifest Mode = 5
)

func (m Mode) String() string {
	switch m {
	case ModeAnnounce:
		return "announce frame"
	case ModeData:
		return "ERIS block data frame"
	case ModeManifest:
		return "ERIS root manifest frame"
	default:
		return "unknown"
	}
}

const wireVersion = 1

// Header flag bits, gating the optional fields (spec §6: "Optional fields
// are gated by flag bits; order is fixed").
const (
	flagHasRecipient       = 1 << 0
	flagRecipientNamespace = 1 << 1 // only meaningful if flagHasRecipient set
	flagHasSeqID           = 1 << 2
	flagHasSignature       = 1 << 3
	flagHasAux             = 1 << 4
)

// maxSignatureLen bounds signature_data; see DESIGN.md open question #1.
const maxSignatureLen = 64

// AuxPair is one entry of the header's auxiliary key/value list (the same
// shape as Letterhead's aux list, generalized onto the wire per
// DESIGN.md open question #1).
type AuxPair struct {
	Key, Value string
}

// CarrierFrameHeader is the V1 peer-link frame header (spec §3, §6).
type CarrierFrameHeader struct {
	Sender        rid.Address
	Modes         Mode
	Recipient     *rid.Recipient
	SeqID         *rid.SequenceIdV1
	SignatureData []byte
	Aux           []AuxPair
	PayloadLength uint16
}

// Status distinguishes a parse outcome so callers can tell "need more bytes"
// apart from "this is garbage, drop it" (design note: parsers return a
// result kind rather than using exceptions for control flow).
type Status int

const (
	StatusOK Status = iota
	StatusIncomplete
	StatusMalformed
)

// DecodeFrame parses one carrier frame (length-prefix + header + payload)
// from the front of buf. It is a total function: for StatusMalformed it
// still reports how many bytes to skip via consumed so the caller can drop
// exactly one frame and keep reading the stream. For StatusIncomplete,
// consumed is always 0 and the caller should wait for more bytes.
func DecodeFrame(buf []byte) (hdr CarrierFrameHeader, payload []byte, consumed int, status Status) {
	if len(buf) < 4 {
		return hdr, nil, 0, StatusIncomplete
	}
	hlen := binary.BigEndian.Uint32(buf[0:4])
	if hlen == 0 || hlen > 1<<20 {
		// Absurd header length; treat as malformed and skip just the
		// length prefix so we don't get stuck forever on garbage.
		return hdr, nil, 4, StatusMalformed
	}
	total := 4 + int(hlen)
	if len(buf) < total {
		return hdr, nil, 0, StatusIncomplete
	}

	h, n, ok := decodeHeader(buf[4:total])
	if !ok {
		// payload_length is the header's last field, so the frame's end is
		// still known when the rest of the header can't be parsed (e.g. an
		// unknown version): skip the payload too, not just the header.
		if hlen < 2 {
			return hdr, nil, total, StatusMalformed
		}
		end := total + int(binary.BigEndian.Uint16(buf[total-2:total]))
		if len(buf) < end {
			return hdr, nil, 0, StatusIncomplete
		}
		return hdr, nil, end, StatusMalformed
	}
	if n != int(hlen) {
		// Trailing junk inside the declared header length; malformed.
		return hdr, nil, total, StatusMalformed
	}

	payloadEnd := total + int(h.PayloadLength)
	if len(buf) < payloadEnd {
		return hdr, nil, 0, StatusIncomplete
	}

	return h, buf[total:payloadEnd], payloadEnd, StatusOK
}

// decodeHeader parses just the header bytes (without the outer length
// prefix). ok is false on any malformed input, including an unrecognized
// version, per spec §4.1 ("unknown versions are skipped; bytes consumed,
// frame dropped").
func decodeHeader(b []byte) (hdr CarrierFrameHeader, n int, ok bool) {
	const minLen = 1 + 2 + rid.Size + 1
	if len(b) < minLen {
		return hdr, 0, false
	}

	off := 0
	version := b[off]
	off++
	if version != wireVersion {
		return hdr, len(b), false
	}

	hdr.Modes = Mode(binary.BigEndian.Uint16(b[off:]))
	off += 2

	hdr.Sender = rid.Address(rid.FromBytes(b[off : off+rid.Size]))
	off += rid.Size

	flags := b[off]
	off++

	if flags&flagHasRecipient != 0 {
		if len(b) < off+rid.Size {
			return hdr, 0, false
		}
		id := rid.FromBytes(b[off : off+rid.Size])
		off += rid.Size
		var r rid.Recipient
		if flags&flagRecipientNamespace != 0 {
			r = rid.RecipientNamespace(id)
		} else {
			r = rid.RecipientAddress(rid.Address(id))
		}
		hdr.Recipient = &r
	}

	if flags&flagHasSeqID != 0 {
		if len(b) < off+rid.Size+2 {
			return hdr, 0, false
		}
		s := rid.SequenceIdV1{
			Hash: rid.FromBytes(b[off : off+rid.Size]),
			Num:  b[off+rid.Size],
			Max:  b[off+rid.Size+1],
		}
		off += rid.Size + 2
		hdr.SeqID = &s
	}

	if flags&flagHasSignature != 0 {
		if len(b) < off+1 {
			return hdr, 0, false
		}
		slen := int(b[off])
		off++
		if slen > maxSignatureLen || len(b) < off+slen {
			return hdr, 0, false
		}
		hdr.SignatureData = append([]byte(nil), b[off:off+slen]...)
		off += slen
	}

	if flags&flagHasAux != 0 {
		if len(b) < off+2 {
			return hdr, 0, false
		}
		count := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		for i := 0; i < count; i++ {
			if len(b) < off+1 {
				return hdr, 0, false
			}
			klen := int(b[off])
			off++
			if len(b) < off+klen+2 {
				return hdr, 0, false
			}
			key := string(b[off : off+klen])
			off += klen
			vlen := int(binary.BigEndian.Uint16(b[off:]))
			off += 2
			if len(b) < off+vlen {
				return hdr, 0, false
			}
			val := string(b[off : off+vlen])
			off += vlen
			hdr.Aux = append(hdr.Aux, AuxPair{Key: key, Value: val})
		}
	}

	if len(b) < off+2 {
		return hdr, 0, false
	}
	hdr.PayloadLength = binary.BigEndian.Uint16(b[off:])
	off += 2

	return hdr, off, true
}

// EncodeFrame generates the full wire representation (length prefix + header
// + payload) of hdr/payload. It is infallible once payload fits within mtu,
// per spec §4.1; mtu <= 0 disables the check.
func EncodeFrame(hdr CarrierFrameHeader, payload []byte, mtu int) ([]byte, error) {
	if mtu > 0 && len(payload) > mtu {
		return nil, rerrs.New(rerrs.KindEncoding, "wire.encode_frame", fmt.Errorf("payload length %d exceeds mtu %d", len(payload), mtu))
	}
	if len(payload) > 1<<16-1 {
		return nil, rerrs.New(rerrs.KindEncoding, "wire.encode_frame", fmt.Errorf("payload length %d exceeds u16", len(payload)))
	}
	hdr.PayloadLength = uint16(len(payload))

	hb := encodeHeader(hdr)

	buf := make([]byte, 0, 4+len(hb)+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(hb)))
	buf = append(buf, hb...)
	buf = append(buf, payload...)
	return buf, nil
}

func encodeHeader(hdr CarrierFrameHeader) []byte {
	var flags byte
	if hdr.Recipient != nil {
		flags |= flagHasRecipient
		if hdr.Recipient.IsNamespace() {
			flags |= flagRecipientNamespace
		}
	}
	if hdr.SeqID != nil {
		flags |= flagHasSeqID
	}
	if len(hdr.SignatureData) > 0 {
		flags |= flagHasSignature
	}
	if len(hdr.Aux) > 0 {
		flags |= flagHasAux
	}

	b := make([]byte, 0, 64)
	b = append(b, wireVersion)
	b = binary.BigEndian.AppendUint16(b, uint16(hdr.Modes))
	b = append(b, hdr.Sender.Slice()...)
	b = append(b, flags)

	if hdr.Recipient != nil {
		b = append(b, hdr.Recipient.ID().Slice()...)
	}
	if hdr.SeqID != nil {
		b = append(b, hdr.SeqID.Hash.Slice()...)
		b = append(b, hdr.SeqID.Num, hdr.SeqID.Max)
	}
	if len(hdr.SignatureData) > 0 {
		if len(hdr.SignatureData) > maxSignatureLen {
			// Caller error; truncate defensively rather than corrupt the
			// stream with an inconsistent length prefix.
			hdr.SignatureData = hdr.SignatureData[:maxSignatureLen]
		}
		b = append(b, byte(len(hdr.SignatureData)))
		b = append(b, hdr.SignatureData...)
	}
	if len(hdr.Aux) > 0 {
		b = binary.BigEndian.AppendUint16(b, uint16(len(hdr.Aux)))
		for _, kv := range hdr.Aux {
			b = append(b, byte(len(kv.Key)))
			b = append(b, kv.Key...)
			b = binary.BigEndian.AppendUint16(b, uint16(len(kv.Value)))
			b = append(b, kv.Value...)
		}
	}
	b = binary.BigEndian.AppendUint16(b, hdr.PayloadLength)
	return b
}
