package ipc

import (
	"encoding/binary"
	"errors"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/wire"
)

// Operation codes within each namespace (spec §4.7 table). Values are only
// meaningful paired with their namespace; two namespaces may reuse the same
// op byte for unrelated operations.
const (
	opAddrCreate uint8 = iota
	opAddrUp
	opAddrDown
	opAddrDelete
	opAddrList
)

const (
	opPeerList uint8 = iota
	opPeerQuery
)

const (
	opRecvOne uint8 = iota
	opRecvSubscribe
	opRecvUnsubscribe
	opRecvPush // server -> client only: an unsolicited delivered message
)

const (
	opSendOne uint8 = iota
	opSendMany
)

const (
	opNamespaceRegister uint8 = iota
	opNamespaceAnycastProbe
)

const (
	opStatusSystem uint8 = iota
	opStatusAddr
	opStatusLink
)

const (
	opLinkAdd uint8 = iota
	opLinkUp
	opLinkDown
	opLinkRemove
)

const (
	opContactAdd uint8 = iota
	opContactDelete
	opContactModify
)

// respStatus is the first byte of every response payload this server sends
// (spec.md doesn't define a response wire format, so this is the IPC
// layer's own minimal envelope: ok-or-error, then an op-specific body).
type respStatus uint8

const (
	respOK respStatus = iota
	respErr
)

// encodeOK prefixes body with a success marker.
func encodeOK(body []byte) []byte {
	return append([]byte{byte(respOK)}, body...)
}

// encodeErr renders a rerrs.Kind + message as an error response body.
func encodeErr(kind uint8, msg string) []byte {
	b := []byte{byte(respErr), kind}
	b = binary.BigEndian.AppendUint16(b, uint16(len(msg)))
	b = append(b, msg...)
	return b
}

// putStr/getStr are small serialization helpers shared by the op
// handlers, following the same fixed-then-length-prefixed layout as
// wire.CarrierFrameHeader.
func putStr(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func getStr(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, false
	}
	return string(b[:n]), b[n:], true
}

func microResponseHeader(ns wire.Namespace, op uint8) wire.MicroHeader {
	return wire.MicroHeader{Namespace: ns, Op: op}
}

// errKind extracts the taxonomy Kind from err for the wire, defaulting to
// KindIO for errors that never went through rerrs.New (spec §7 "every
// component boundary converts foreign errors to the core taxonomy" — this
// is the IPC layer's own boundary, applied defensively).
func errKind(err error) uint8 {
	var e *rerrs.Error
	if errors.As(err, &e) {
		return uint8(e.Kind)
	}
	return uint8(rerrs.KindIO)
}
