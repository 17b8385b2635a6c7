package ipc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/pkg/collector"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/wire"
)

// conn is one accepted IPC connection, an independent task for its whole
// lifetime (spec §5).
type conn struct {
	s  *Server
	nc net.Conn
	id rid.Ident32 // this connection's client_id, minted at handshake

	log zerolog.Logger

	writeMu sync.Mutex
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{s: s, nc: nc, log: s.log.With().Str("remote", nc.RemoteAddr().String()).Logger()}
}

// serve runs the handshake then the microframe read loop until the
// connection closes or ctx is cancelled (spec §4.7, §8 S6).
func (c *conn) serve(ctx context.Context) {
	defer c.nc.Close()
	defer c.s.unsubscribeAll(c)

	if !c.handshake() {
		return
	}

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := c.nc.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)

		for {
			hdr, payload, consumed, status := wire.DecodeMicroframe(buf)
			switch status {
			case wire.StatusIncomplete:
				goto nextRead
			case wire.StatusMalformed:
				// Malformed frames are dropped and logged at debug level,
				// never propagated to the client; no counter records them.
				c.log.Debug().Msg("ipc: dropped malformed microframe")
				buf = buf[consumed:]
				continue
			default:
				buf = buf[consumed:]
				// Dispatched in its own goroutine: recv.one blocks for up
				// to recvOneTimeout, and must not stall this connection's
				// read loop for any other request pipelined behind it.
				go c.s.dispatch(ctx, c, hdr, payload)
			}
		}
	nextRead:
	}
}

// handshake sends the router's HELLO and waits up to HandshakeTimeout for a
// matching-major-version reply (spec §4.7, §8 S6).
func (c *conn) handshake() bool {
	c.nc.SetWriteDeadline(time.Now().Add(HandshakeTimeout))
	if _, err := c.nc.Write(wire.EncodeHello(wire.Hello{Major: wire.HelloMajorVersion, Minor: 0})); err != nil {
		return false
	}

	c.nc.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	buf := make([]byte, 4)
	if _, err := readFull(c.nc, buf); err != nil {
		return false
	}
	c.nc.SetReadDeadline(time.Time{})
	c.nc.SetWriteDeadline(time.Time{})

	h, ok := wire.DecodeHello(buf)
	if !ok || h.Major != wire.HelloMajorVersion {
		c.log.Info().Uint16("client_major", h.Major).Msg("ipc: handshake version mismatch, disconnecting")
		return false
	}

	c.id = rid.Random()
	return true
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *conn) write(hdr wire.MicroHeader, payload []byte) {
	buf, err := wire.EncodeMicroframe(hdr, payload)
	if err != nil {
		c.log.Error().Err(err).Msg("ipc: failed to encode response microframe")
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.nc.Write(buf)
}

func (c *conn) writeOK(ns wire.Namespace, op uint8, body []byte) {
	c.write(microResponseHeader(ns, op), encodeOK(body))
}

func (c *conn) writeErr(ns wire.Namespace, op uint8, err error) {
	c.write(microResponseHeader(ns, op), encodeErr(errKind(err), err.Error()))
}

// pushDelivery sends an unsolicited recv.push microframe carrying d,
// interleaved (via writeMu) with any in-flight request/response traffic on
// this connection (spec §4.6 "push to all IPC subscribers").
func (c *conn) pushDelivery(addr rid.Address, d collector.Delivery) {
	c.write(microResponseHeader(wire.NSRecv, opRecvPush), encodeDelivery(addr, d))
}
