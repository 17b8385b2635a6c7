package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/wire"
)

// Client is a blocking, single-connection IPC client for the ratctl and
// ratcat command-line tools (spec §6: "a small client library, not just a
// wire format, ships alongside the daemon"). It round-trips one request at
// a time; a CLI invocation dials, issues its operations, and disconnects.
type Client struct {
	nc  net.Conn
	buf []byte
}

// Dial connects to addr and completes the HELLO handshake (spec §4.7, §8
// S6): the client waits for the router's HELLO, then tears down the
// connection itself if the major version doesn't match rather than
// replying, since there is nothing useful left to negotiate.
func Dial(addr string) (*Client, error) {
	nc, err := net.DialTimeout("tcp", addr, HandshakeTimeout)
	if err != nil {
		return nil, rerrs.New(rerrs.KindIO, "ipc.client.dial", err)
	}

	nc.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	hb := make([]byte, 4)
	if _, err := readFull(nc, hb); err != nil {
		nc.Close()
		return nil, rerrs.New(rerrs.KindIO, "ipc.client.dial", fmt.Errorf("read hello: %w", err))
	}
	h, ok := wire.DecodeHello(hb)
	if !ok || h.Major != wire.HelloMajorVersion {
		nc.Close()
		return nil, rerrs.New(rerrs.KindUnsupported, "ipc.client.dial", fmt.Errorf("router speaks incompatible major version %d", h.Major))
	}

	nc.SetWriteDeadline(time.Now().Add(HandshakeTimeout))
	if _, err := nc.Write(wire.EncodeHello(wire.Hello{Major: wire.HelloMajorVersion, Minor: 0})); err != nil {
		nc.Close()
		return nil, rerrs.New(rerrs.KindIO, "ipc.client.dial", err)
	}
	nc.SetReadDeadline(time.Time{})
	nc.SetWriteDeadline(time.Time{})

	return &Client{nc: nc}, nil
}

func (cl *Client) Close() error {
	return cl.nc.Close()
}

// call sends one request and blocks for its matching response, discarding
// any unsolicited recv.push frames that arrive first (a subscribed
// connection may see one interleaved with an in-flight request/response).
func (cl *Client) call(ns wire.Namespace, op uint8, payload []byte) ([]byte, error) {
	frame, err := wire.EncodeMicroframe(wire.MicroHeader{Namespace: ns, Op: op}, payload)
	if err != nil {
		return nil, err
	}
	if _, err := cl.nc.Write(frame); err != nil {
		return nil, rerrs.New(rerrs.KindIO, "ipc.client.call", err)
	}

	for {
		hdr, body, ok, err := cl.readFrame()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if hdr.Namespace == wire.NSRecv && hdr.Op == opRecvPush {
			continue
		}
		if hdr.Namespace != ns || hdr.Op != op {
			continue
		}
		return decodeResponse(body)
	}
}

// readFrame reads and decodes exactly one microframe, growing cl.buf as
// needed (mirrors conn.serve's own read loop).
func (cl *Client) readFrame() (wire.MicroHeader, []byte, bool, error) {
	for {
		hdr, payload, consumed, status := wire.DecodeMicroframe(cl.buf)
		switch status {
		case wire.StatusOK:
			cl.buf = cl.buf[consumed:]
			return hdr, payload, true, nil
		case wire.StatusMalformed:
			cl.buf = cl.buf[consumed:]
			continue
		}

		chunk := make([]byte, 4096)
		n, err := cl.nc.Read(chunk)
		if err != nil {
			return wire.MicroHeader{}, nil, false, rerrs.New(rerrs.KindIO, "ipc.client.read", err)
		}
		cl.buf = append(cl.buf, chunk[:n]...)
	}
}

// decodeResponse strips the respOK/respErr envelope, surfacing a server
// error as a *rerrs.Error carrying the taxonomy Kind the wire sent.
func decodeResponse(b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, rerrs.New(rerrs.KindEncoding, "ipc.client.decode", fmt.Errorf("empty response"))
	}
	switch respStatus(b[0]) {
	case respOK:
		return b[1:], nil
	case respErr:
		if len(b) < 4 {
			return nil, rerrs.New(rerrs.KindEncoding, "ipc.client.decode", fmt.Errorf("truncated error response"))
		}
		kind := rerrs.Kind(b[1])
		n := binary.BigEndian.Uint16(b[2:4])
		msg := ""
		if len(b) >= 4+int(n) {
			msg = string(b[4 : 4+n])
		}
		return nil, rerrs.New(kind, "ipc.client", errors.New(msg))
	default:
		return nil, rerrs.New(rerrs.KindEncoding, "ipc.client.decode", fmt.Errorf("unknown response status %d", b[0]))
	}
}

// Auth is the bearer credential returned by AddrCreate, required by every
// other addr operation except AddrList, and by every recv operation (spec
// §3 ClientAuth).
type Auth struct {
	ClientID rid.Ident32
	Token    rid.Ident32
}

func encodeAuthAndAddr(a Auth, addr rid.Address) []byte {
	b := append([]byte{}, a.ClientID.Slice()...)
	b = append(b, a.Token.Slice()...)
	b = append(b, addr.Slice()...)
	return b
}

// AddrCreate mints a new local address, joining namespace only when
// hasNamespace is set, and returns it along with the Auth needed for every later
// operation on it (spec §4.7 addr.create).
func (cl *Client) AddrCreate(name string, namespace rid.Ident32, hasNamespace bool) (rid.Address, Auth, error) {
	payload := putStr(nil, name)
	if hasNamespace {
		payload = append(payload, 1)
		payload = append(payload, namespace.Slice()...)
	} else {
		payload = append(payload, 0)
	}
	body, err := cl.call(wire.NSAddr, opAddrCreate, payload)
	if err != nil {
		return rid.Address{}, Auth{}, err
	}
	if len(body) < 3*rid.Size {
		return rid.Address{}, Auth{}, rerrs.New(rerrs.KindEncoding, "ipc.client.addr_create", fmt.Errorf("short response"))
	}
	addr := rid.Address(rid.FromBytes(body[:rid.Size]))
	auth := Auth{
		ClientID: rid.FromBytes(body[rid.Size : 2*rid.Size]),
		Token:    rid.FromBytes(body[2*rid.Size : 3*rid.Size]),
	}
	return addr, auth, nil
}

// AddrUp/AddrDown mark addr as locally active/inactive for this process
// (spec §4.7 addr.up/addr.down).
func (cl *Client) AddrUp(a Auth, addr rid.Address) error {
	_, err := cl.call(wire.NSAddr, opAddrUp, encodeAuthAndAddr(a, addr))
	return err
}

func (cl *Client) AddrDown(a Auth, addr rid.Address) error {
	_, err := cl.call(wire.NSAddr, opAddrDown, encodeAuthAndAddr(a, addr))
	return err
}

// AddrDelete destroys addr permanently (spec §4.7 addr.delete).
func (cl *Client) AddrDelete(a Auth, addr rid.Address) error {
	_, err := cl.call(wire.NSAddr, opAddrDelete, encodeAuthAndAddr(a, addr))
	return err
}

// AddrInfo is one row of an AddrList response.
type AddrInfo struct {
	Address   rid.Address
	Namespace string
	Active    bool
}

// AddrList lists every locally-known address, optionally filtered to one
// namespace (spec §4.7 addr.list).
func (cl *Client) AddrList(namespace string) ([]AddrInfo, error) {
	body, err := cl.call(wire.NSAddr, opAddrList, putStr(nil, namespace))
	if err != nil {
		return nil, err
	}
	return decodeAddrList(body)
}

func decodeAddrList(body []byte) ([]AddrInfo, error) {
	if len(body) < 2 {
		return nil, rerrs.New(rerrs.KindEncoding, "ipc.client.addr_list", fmt.Errorf("short response"))
	}
	n := binary.BigEndian.Uint16(body)
	body = body[2:]
	out := make([]AddrInfo, 0, n)
	for i := uint16(0); i < n; i++ {
		if len(body) < rid.Size {
			return nil, rerrs.New(rerrs.KindEncoding, "ipc.client.addr_list", fmt.Errorf("truncated entry"))
		}
		addr := rid.Address(rid.FromBytes(body[:rid.Size]))
		body = body[rid.Size:]
		ns, rest, ok := getStr(body)
		if !ok || len(rest) < 1 {
			return nil, rerrs.New(rerrs.KindEncoding, "ipc.client.addr_list", fmt.Errorf("truncated entry"))
		}
		active := rest[0] != 0
		body = rest[1:]
		out = append(out, AddrInfo{Address: addr, Namespace: ns, Active: active})
	}
	return out, nil
}

// PeerInfo is one row of a PeerList/PeerQuery response.
type PeerInfo struct {
	Address  rid.Address
	State    uint8
	Trust    uint8
	LastSeen time.Time
}

// PeerList returns every known route (spec §4.7 peer.list).
func (cl *Client) PeerList() ([]PeerInfo, error) {
	body, err := cl.call(wire.NSPeer, opPeerList, nil)
	if err != nil {
		return nil, err
	}
	return decodePeerList(body)
}

func decodePeerList(body []byte) ([]PeerInfo, error) {
	if len(body) < 2 {
		return nil, rerrs.New(rerrs.KindEncoding, "ipc.client.peer_list", fmt.Errorf("short response"))
	}
	n := binary.BigEndian.Uint16(body)
	body = body[2:]
	out := make([]PeerInfo, 0, n)
	const entrySize = rid.Size + 1 + 1 + 8
	for i := uint16(0); i < n; i++ {
		if len(body) < entrySize {
			return nil, rerrs.New(rerrs.KindEncoding, "ipc.client.peer_list", fmt.Errorf("truncated entry"))
		}
		addr := rid.Address(rid.FromBytes(body[:rid.Size]))
		state := body[rid.Size]
		trust := body[rid.Size+1]
		lastSeen := int64(binary.BigEndian.Uint64(body[rid.Size+2:]))
		out = append(out, PeerInfo{Address: addr, State: state, Trust: trust, LastSeen: time.Unix(lastSeen, 0)})
		body = body[entrySize:]
	}
	return out, nil
}

// SendOne ERIS-encodes payload and originates it from sender to recipient
// (spec §4.7 send.one). recipient/isNamespace follow rid.Recipient's own
// address-vs-namespace split.
func (cl *Client) SendOne(sender rid.Address, recipient rid.Ident32, isNamespace bool, payload []byte) error {
	b := append([]byte{}, sender.Slice()...)
	if isNamespace {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = append(b, recipient.Slice()...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
	b = append(b, payload...)
	_, err := cl.call(wire.NSSend, opSendOne, b)
	return err
}

// Delivery is one completed message handed back by RecvOne.
type Delivery struct {
	StreamID      rid.Ident32
	PayloadLength uint64
	Payload       []byte
}

// RecvOne blocks (up to the router's own recvOneTimeout) for the next
// message delivered to addr (spec §4.7 recv.one).
func (cl *Client) RecvOne(a Auth, addr rid.Address) (Delivery, error) {
	body, err := cl.call(wire.NSRecv, opRecvOne, encodeAuthAndAddr(a, addr))
	if err != nil {
		return Delivery{}, err
	}
	return decodeDeliveryBody(body)
}

func decodeDeliveryBody(body []byte) (Delivery, error) {
	if len(body) < rid.Size+rid.Size+8 {
		return Delivery{}, rerrs.New(rerrs.KindEncoding, "ipc.client.recv", fmt.Errorf("short response"))
	}
	// First rid.Size bytes are the recipient address this delivery arrived
	// for (encodeDelivery's own leading field); the caller already knows
	// it, since it's the addr RecvOne was called with.
	body = body[rid.Size:]
	streamID := rid.FromBytes(body[:rid.Size])
	body = body[rid.Size:]
	length := binary.BigEndian.Uint64(body[:8])
	body = body[8:]
	return Delivery{StreamID: streamID, PayloadLength: length, Payload: body}, nil
}

// RecvSubscribe/RecvUnsubscribe register or drop this connection's
// interest in a locally-delivered address (spec §4.7 recv.subscribe);
// pushed deliveries then arrive as unsolicited recv.push frames, which
// ReadPush reads.
func (cl *Client) RecvSubscribe(a Auth, addr rid.Address) error {
	_, err := cl.call(wire.NSRecv, opRecvSubscribe, encodeAuthAndAddr(a, addr))
	return err
}

func (cl *Client) RecvUnsubscribe(a Auth, addr rid.Address) error {
	_, err := cl.call(wire.NSRecv, opRecvUnsubscribe, encodeAuthAndAddr(a, addr))
	return err
}

// ReadPush blocks for the next unsolicited recv.push frame, for a client
// that has subscribed and is streaming deliveries rather than polling
// RecvOne (spec §4.6 "exposes a readable stream... to all IPC
// subscribers").
func (cl *Client) ReadPush() (Delivery, error) {
	for {
		hdr, body, ok, err := cl.readFrame()
		if err != nil {
			return Delivery{}, err
		}
		if !ok || hdr.Namespace != wire.NSRecv || hdr.Op != opRecvPush {
			continue
		}
		return decodeDeliveryBody(body)
	}
}

// SystemStatus is status.system's summary counters (spec §4.7 status).
type SystemStatus struct {
	Addrs         uint32
	Routes        uint32
	Links         uint32
	CorruptBlocks uint64
}

func (cl *Client) StatusSystem() (SystemStatus, error) {
	body, err := cl.call(wire.NSStatus, opStatusSystem, nil)
	if err != nil {
		return SystemStatus{}, err
	}
	if len(body) < 20 {
		return SystemStatus{}, rerrs.New(rerrs.KindEncoding, "ipc.client.status", fmt.Errorf("short response"))
	}
	return SystemStatus{
		Addrs:         binary.BigEndian.Uint32(body[0:4]),
		Routes:        binary.BigEndian.Uint32(body[4:8]),
		Links:         binary.BigEndian.Uint32(body[8:12]),
		CorruptBlocks: binary.BigEndian.Uint64(body[12:20]),
	}, nil
}

// LinkUp/LinkDown/LinkRemove drive a registered link by id (spec §4.7
// link.up/link.down/link.remove). Links are registered by the daemon
// itself at startup; there is no wire format for adding one from a client
// (spec.md never defines a driver-spec encoding for link.add).
func (cl *Client) LinkUp(id string) error {
	_, err := cl.call(wire.NSLink, opLinkUp, putStr(nil, id))
	return err
}

func (cl *Client) LinkDown(id string) error {
	_, err := cl.call(wire.NSLink, opLinkDown, putStr(nil, id))
	return err
}

func (cl *Client) LinkRemove(id string) error {
	_, err := cl.call(wire.NSLink, opLinkRemove, putStr(nil, id))
	return err
}
